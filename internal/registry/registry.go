package registry

import (
	"errors"
	"fmt"
	"sync"
)

// Role is a capability granted to a principal (an operator key or a
// component identity). Checks are explicit role lookups, not bit tests.
type Role uint8

const (
	RoleAdmin Role = iota
	RoleEmergencyAdmin
	RoleGuardian
	RoleRelayer
	RoleInstitution
	RoleVendor
	RoleManager
)

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleEmergencyAdmin:
		return "emergency_admin"
	case RoleGuardian:
		return "guardian"
	case RoleRelayer:
		return "relayer"
	case RoleInstitution:
		return "institution"
	case RoleVendor:
		return "vendor"
	case RoleManager:
		return "manager"
	default:
		return "unknown"
	}
}

// VaultType distinguishes the institutional backing vaults from the
// retail staking vaults layered on top of them.
type VaultType uint8

const (
	VaultTypeDN VaultType = iota
	VaultTypeStaking
)

func (vt VaultType) String() string {
	switch vt {
	case VaultTypeDN:
		return "dn"
	case VaultTypeStaking:
		return "staking"
	default:
		return "unknown"
	}
}

var (
	ErrNotAuthorized   = errors.New("caller lacks required role")
	ErrUnknownContract = errors.New("contract id not registered")
	ErrUnknownAsset    = errors.New("asset not registered")
	ErrUnknownVault    = errors.New("no vault for asset and type")
)

// AssetLimits bound how much can flow through the gateway in one batch.
type AssetLimits struct {
	MaxMintPerBatch   int64
	MaxRedeemPerBatch int64
}

// Registry is the role/permission and singleton lookup service. It holds
// no business logic: every method is a read or a guarded write of a table.
type Registry struct {
	mu sync.RWMutex

	roles       map[string]map[Role]bool
	contracts   map[string]string
	kTokens     map[string]string // asset -> kToken symbol
	vaults      map[string]string // asset|type -> vault id
	vaultSet    map[string]bool
	assetLimits map[string]AssetLimits
	hurdleRates map[string]int64 // asset -> bps
}

func New() *Registry {
	return &Registry{
		roles:       make(map[string]map[Role]bool),
		contracts:   make(map[string]string),
		kTokens:     make(map[string]string),
		vaults:      make(map[string]string),
		vaultSet:    make(map[string]bool),
		assetLimits: make(map[string]AssetLimits),
		hurdleRates: make(map[string]int64),
	}
}

// Grant gives principal the role. Bootstrap grants (empty granter) are
// allowed so deployment wiring can seed the first admin.
func (r *Registry) Grant(granter, principal string, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if granter != "" && !r.roles[granter][RoleAdmin] {
		return fmt.Errorf("grant %s to %s: %w", role, principal, ErrNotAuthorized)
	}
	if r.roles[principal] == nil {
		r.roles[principal] = make(map[Role]bool)
	}
	r.roles[principal][role] = true
	return nil
}

func (r *Registry) Revoke(revoker, principal string, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.roles[revoker][RoleAdmin] {
		return fmt.Errorf("revoke %s from %s: %w", role, principal, ErrNotAuthorized)
	}
	delete(r.roles[principal], role)
	return nil
}

func (r *Registry) HasRole(principal string, role Role) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roles[principal][role]
}

func (r *Registry) IsAdmin(principal string) bool    { return r.HasRole(principal, RoleAdmin) }
func (r *Registry) IsRelayer(principal string) bool  { return r.HasRole(principal, RoleRelayer) }
func (r *Registry) IsGuardian(principal string) bool { return r.HasRole(principal, RoleGuardian) }

func (r *Registry) IsEmergencyAdmin(principal string) bool {
	return r.HasRole(principal, RoleEmergencyAdmin)
}

func (r *Registry) IsInstitution(principal string) bool {
	return r.HasRole(principal, RoleInstitution)
}

// RegisterVault records a vault id for an (asset, type) pair.
func (r *Registry) RegisterVault(admin, vaultID, asset string, vaultType VaultType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if admin != "" && !r.roles[admin][RoleAdmin] {
		return fmt.Errorf("register vault %s: %w", vaultID, ErrNotAuthorized)
	}
	r.vaults[vaultKey(asset, vaultType)] = vaultID
	r.vaultSet[vaultID] = true
	return nil
}

func (r *Registry) IsVault(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vaultSet[id]
}

func (r *Registry) GetVaultByAssetAndType(asset string, vaultType VaultType) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.vaults[vaultKey(asset, vaultType)]
	if !ok {
		return "", fmt.Errorf("%s/%d: %w", asset, vaultType, ErrUnknownVault)
	}
	return id, nil
}

func (r *Registry) SetContract(id, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.contracts[id] = addr
}

// GetContractByID fails loudly on unset ids; callers must not fall back
// to a zero value.
func (r *Registry) GetContractByID(id string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	addr, ok := r.contracts[id]
	if !ok {
		return "", fmt.Errorf("%s: %w", id, ErrUnknownContract)
	}
	return addr, nil
}

func (r *Registry) SetKToken(asset, kToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kTokens[asset] = kToken
}

func (r *Registry) AssetToKToken(asset string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k, ok := r.kTokens[asset]
	if !ok {
		return "", fmt.Errorf("%s: %w", asset, ErrUnknownAsset)
	}
	return k, nil
}

func (r *Registry) SetAssetLimits(asset string, limits AssetLimits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assetLimits[asset] = limits
}

// GetAssetLimits returns zero limits (unlimited) for unregistered assets.
func (r *Registry) GetAssetLimits(asset string) AssetLimits {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.assetLimits[asset]
}

func (r *Registry) SetHurdleRate(asset string, bps int64) error {
	if bps < 0 || bps > 10_000 {
		return fmt.Errorf("hurdle rate %d out of [0, 10000]", bps)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hurdleRates[asset] = bps
	return nil
}

func (r *Registry) GetHurdleRate(asset string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hurdleRates[asset]
}

func vaultKey(asset string, vaultType VaultType) string {
	return fmt.Sprintf("%s|%d", asset, vaultType)
}
