package registry_test

import (
	"errors"
	"testing"

	"KamSettle/internal/registry"
)

func newSeeded(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New()
	if err := r.Grant("", "admin", registry.RoleAdmin); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestGrant_BootstrapAndDelegation(t *testing.T) {
	r := newSeeded(t)

	if err := r.Grant("admin", "relayer-1", registry.RoleRelayer); err != nil {
		t.Fatal(err)
	}
	if !r.IsRelayer("relayer-1") {
		t.Error("relayer-1 should hold the relayer role")
	}
	if r.IsAdmin("relayer-1") {
		t.Error("relayer role must not imply admin")
	}
}

func TestGrant_RequiresAdmin(t *testing.T) {
	r := newSeeded(t)
	if err := r.Grant("nobody", "x", registry.RoleGuardian); !errors.Is(err, registry.ErrNotAuthorized) {
		t.Errorf("got %v, want ErrNotAuthorized", err)
	}
}

func TestRevoke(t *testing.T) {
	r := newSeeded(t)
	r.Grant("admin", "guard", registry.RoleGuardian)

	if err := r.Revoke("admin", "guard", registry.RoleGuardian); err != nil {
		t.Fatal(err)
	}
	if r.IsGuardian("guard") {
		t.Error("revoked role still present")
	}

	if err := r.Revoke("guard", "admin", registry.RoleAdmin); !errors.Is(err, registry.ErrNotAuthorized) {
		t.Errorf("got %v, want ErrNotAuthorized", err)
	}
}

func TestRegisterVault_Lookup(t *testing.T) {
	r := newSeeded(t)

	if err := r.RegisterVault("admin", "vault-dn", "USDC", registry.VaultTypeDN); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterVault("admin", "vault-stk", "kUSDC", registry.VaultTypeStaking); err != nil {
		t.Fatal(err)
	}

	id, err := r.GetVaultByAssetAndType("USDC", registry.VaultTypeDN)
	if err != nil {
		t.Fatal(err)
	}
	if id != "vault-dn" {
		t.Errorf("got %s, want vault-dn", id)
	}

	if _, err := r.GetVaultByAssetAndType("USDC", registry.VaultTypeStaking); !errors.Is(err, registry.ErrUnknownVault) {
		t.Errorf("got %v, want ErrUnknownVault", err)
	}
}

func TestRegisterVault_RequiresAdmin(t *testing.T) {
	r := newSeeded(t)
	if err := r.RegisterVault("mallory", "v", "USDC", registry.VaultTypeDN); !errors.Is(err, registry.ErrNotAuthorized) {
		t.Errorf("got %v, want ErrNotAuthorized", err)
	}
}

func TestKTokenMapping(t *testing.T) {
	r := newSeeded(t)
	r.SetKToken("USDC", "kUSDC")

	kt, err := r.AssetToKToken("USDC")
	if err != nil {
		t.Fatal(err)
	}
	if kt != "kUSDC" {
		t.Errorf("got %s, want kUSDC", kt)
	}

	if _, err := r.AssetToKToken("WBTC"); !errors.Is(err, registry.ErrUnknownAsset) {
		t.Errorf("got %v, want ErrUnknownAsset", err)
	}
}

func TestAssetLimits(t *testing.T) {
	r := newSeeded(t)
	r.SetAssetLimits("USDC", registry.AssetLimits{MaxMintPerBatch: 1_000_000, MaxRedeemPerBatch: 500_000})

	limits := r.GetAssetLimits("USDC")
	if limits.MaxMintPerBatch != 1_000_000 || limits.MaxRedeemPerBatch != 500_000 {
		t.Errorf("got %+v", limits)
	}

	// Unset assets have zero limits, meaning unlimited.
	if l := r.GetAssetLimits("WBTC"); l.MaxMintPerBatch != 0 {
		t.Errorf("unset asset: got %+v", l)
	}
}

func TestHurdleRate_Bounds(t *testing.T) {
	r := newSeeded(t)
	if err := r.SetHurdleRate("USDC", 500); err != nil {
		t.Fatal(err)
	}
	if got := r.GetHurdleRate("USDC"); got != 500 {
		t.Errorf("got %d, want 500", got)
	}
	if err := r.SetHurdleRate("USDC", 10_001); err == nil {
		t.Error("expected out-of-range error")
	}
}
