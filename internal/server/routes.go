package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"KamSettle/internal/adapter"
	"KamSettle/internal/gateway"
	"KamSettle/internal/registry"
	"KamSettle/internal/router"
	"KamSettle/internal/stake"
	"KamSettle/internal/token"
	"KamSettle/internal/vault"
)

// operatorHeader identifies the caller. Authorization itself happens in
// the role registry; the API only needs to know who is asking.
const operatorHeader = "X-KAM-Operator"

var errNoOperator = errors.New("missing " + operatorHeader + " header")

// apiFunc is one endpoint's logic: parse, apply, return a JSON-able
// result. Status mapping and metrics live in the wrapper.
type apiFunc func(r *http.Request, params map[string]string, operator string) (interface{}, error)

type route struct {
	method  string
	pattern string
	name    string
	fn      apiFunc
}

func (s *Server) newAPIMux() (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []route{
		{"POST", "/v1/batches", "batch_create", s.createBatch},
		{"POST", "/v1/batches/{batch_id}/close", "batch_close", s.closeBatch},

		{"POST", "/v1/proposals", "proposal_create", s.createProposal},
		{"GET", "/v1/proposals", "proposal_list", s.listProposals},
		{"GET", "/v1/proposals/{proposal_id}", "proposal_get", s.getProposal},
		{"POST", "/v1/proposals/{proposal_id}/update", "proposal_update", s.updateProposal},
		{"POST", "/v1/proposals/{proposal_id}/cancel", "proposal_cancel", s.cancelProposal},
		{"POST", "/v1/proposals/{proposal_id}/execute", "proposal_execute", s.executeProposal},
		{"GET", "/v1/proposals/{proposal_id}/can-execute", "proposal_can_execute", s.canExecuteProposal},

		{"GET", "/v1/vaults", "vault_list", s.listVaults},
		{"POST", "/v1/vaults/{vault_id}/pause", "vault_pause", s.setVaultPaused},
		{"POST", "/v1/vaults/transfers", "virtual_transfer", s.transferVirtual},
		{"GET", "/v1/vaults/{vault_id}/batches", "vault_batches", s.listBatches},
		{"GET", "/v1/vaults/{vault_id}/settlements", "vault_settlements", s.listSettlements},
		{"GET", "/v1/vaults/{vault_id}/settlements/{batch_id}", "vault_settlement", s.getSettlement},
		{"GET", "/v1/vaults/{vault_id}/requests", "vault_requests", s.listRequests},

		{"POST", "/v1/gateway/mint", "gateway_mint", s.mint},
		{"POST", "/v1/gateway/redeems", "gateway_redeem_request", s.requestRedeem},
		{"POST", "/v1/gateway/redeems/{request_id}/cancel", "gateway_redeem_cancel", s.cancelRedeem},
		{"POST", "/v1/gateway/redeems/{request_id}/claim", "gateway_redeem_claim", s.claimRedeem},

		{"POST", "/v1/vaults/{vault_id}/stakes", "stake_request", s.requestStake},
		{"POST", "/v1/vaults/{vault_id}/unstakes", "unstake_request", s.requestUnstake},
		{"POST", "/v1/vaults/{vault_id}/requests/{request_id}/cancel", "stake_cancel", s.cancelStakeRequest},
		{"POST", "/v1/vaults/{vault_id}/stakes/{request_id}/claim", "stake_claim", s.claimStake},
		{"POST", "/v1/vaults/{vault_id}/unstakes/{request_id}/claim", "unstake_claim", s.claimUnstake},

		{"GET", "/v1/tokens/{token}/supply", "token_supply", s.tokenSupply},
		{"GET", "/v1/tokens/{token}/holders/{holder}", "token_balance", s.tokenBalance},

		{"GET", "/v1/status", "status", s.status},
		{"GET", "/v1/cooldown", "cooldown_get", s.getCooldown},
		{"PUT", "/v1/cooldown", "cooldown_set", s.setCooldown},
		{"POST", "/v1/pause", "pause", s.setPaused},
		{"POST", "/v1/adapter/totals", "adapter_totals", s.setAdapterTotals},
	}

	// History routes read Postgres directly and are only mounted when a
	// database was wired in.
	if s.history != nil {
		routes = append(routes,
			route{"GET", "/v1/events", "event_history", s.listEvents},
			route{"GET", "/v1/requests/history", "request_history", s.requestHistory},
			route{"GET", "/v1/vaults/{vault_id}/settlement-history", "settlement_history", s.settlementHistory},
		)
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.wrap(rt.name, rt.fn)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	return mux, nil
}

func (s *Server) wrap(endpoint string, fn apiFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()

		result, err := fn(r, params, r.Header.Get(operatorHeader))
		status := http.StatusOK
		if err != nil {
			status = statusFor(err)
		}

		s.metrics.APIRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
		s.metrics.APIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)

		if err != nil {
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			if status >= 500 {
				s.logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
			}
			return
		}
		if result == nil {
			result = map[string]string{"status": "ok"}
		}
		json.NewEncoder(w).Encode(result)
	}
}

// statusFor maps domain errors onto HTTP statuses. Anything unmapped is
// a 500 so it shows up in the error-rate alerts.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errNoOperator):
		return http.StatusUnauthorized

	case errors.Is(err, registry.ErrNotAuthorized),
		errors.Is(err, gateway.ErrWrongRequester),
		errors.Is(err, stake.ErrWrongRequester),
		errors.Is(err, vault.ErrNotReceiverOwner),
		errors.Is(err, adapter.ErrNotRouter):
		return http.StatusForbidden

	case errors.Is(err, vault.ErrBatchNotFound),
		errors.Is(err, vault.ErrNoCurrentBatch),
		errors.Is(err, vault.ErrRequestNotFound),
		errors.Is(err, vault.ErrReceiverNotFound),
		errors.Is(err, router.ErrProposalNotFound),
		errors.Is(err, router.ErrVaultNotManaged),
		errors.Is(err, registry.ErrUnknownVault),
		errors.Is(err, registry.ErrUnknownAsset),
		errors.Is(err, registry.ErrUnknownContract):
		return http.StatusNotFound

	case errors.Is(err, errBadRequest),
		errors.Is(err, token.ErrZeroAmount),
		errors.Is(err, gateway.ErrBelowMinimum),
		errors.Is(err, router.ErrNettedMismatch),
		errors.Is(err, router.ErrAssetMismatch),
		errors.Is(err, router.ErrCooldownOutOfRange):
		return http.StatusBadRequest

	case errors.Is(err, vault.ErrBatchClosed),
		errors.Is(err, vault.ErrBatchNotClosed),
		errors.Is(err, vault.ErrBatchSettled),
		errors.Is(err, vault.ErrBatchNotSettled),
		errors.Is(err, vault.ErrRequestNotPending),
		errors.Is(err, vault.ErrCancelWindowClosed),
		errors.Is(err, router.ErrProposalExists),
		errors.Is(err, router.ErrProposalExecuted),
		errors.Is(err, router.ErrProposalCancelled),
		errors.Is(err, router.ErrCooldownActive),
		errors.Is(err, router.ErrPaused),
		errors.Is(err, router.ErrVaultPaused),
		errors.Is(err, router.ErrVirtualUnderflow),
		errors.Is(err, gateway.ErrClaimsBlocked),
		errors.Is(err, stake.ErrClaimsBlocked),
		errors.Is(err, stake.ErrWrongKind),
		errors.Is(err, gateway.ErrMintLimit),
		errors.Is(err, gateway.ErrRedeemLimit),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, adapter.ErrInsufficientAssets):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

var errBadRequest = errors.New("bad request")

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func requireOperator(operator string) error {
	if operator == "" {
		return errNoOperator
	}
	return nil
}

// --- batch lifecycle ---

func (s *Server) createBatch(r *http.Request, _ map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	var req struct {
		VaultID string `json:"vault_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return s.rt.CreateNewBatch(operator, req.VaultID)
}

func (s *Server) closeBatch(r *http.Request, params map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	var req struct {
		VaultID    string `json:"vault_id"`
		CreateNext bool   `json:"create_next"`
	}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return s.rt.CloseBatch(operator, req.VaultID, vault.BatchID(params["batch_id"]), req.CreateNext)
}

// --- settlement proposals ---

func (s *Server) createProposal(r *http.Request, _ map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	var req struct {
		VaultID     string `json:"vault_id"`
		BatchID     string `json:"batch_id"`
		TotalAssets int64  `json:"total_assets"`
		Netted      int64  `json:"netted"`
		Yield       int64  `json:"yield"`
		Profit      bool   `json:"profit"`
	}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.TotalAssets < 0 {
		return nil, fmt.Errorf("%w: negative total_assets", errBadRequest)
	}
	if req.Yield < 0 {
		return nil, fmt.Errorf("%w: negative yield", errBadRequest)
	}
	return s.rt.ProposeSettleBatch(operator, req.VaultID, vault.BatchID(req.BatchID), req.TotalAssets, req.Netted, req.Yield, req.Profit)
}

func (s *Server) listProposals(_ *http.Request, _ map[string]string, _ string) (interface{}, error) {
	return s.rt.Proposals().All(), nil
}

func (s *Server) getProposal(_ *http.Request, params map[string]string, _ string) (interface{}, error) {
	return s.rt.Proposals().Get(params["proposal_id"])
}

func (s *Server) updateProposal(r *http.Request, params map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	var req struct {
		TotalAssets int64 `json:"total_assets"`
		Netted      int64 `json:"netted"`
		Yield       int64 `json:"yield"`
		Profit      bool  `json:"profit"`
	}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.TotalAssets < 0 {
		return nil, fmt.Errorf("%w: negative total_assets", errBadRequest)
	}
	if req.Yield < 0 {
		return nil, fmt.Errorf("%w: negative yield", errBadRequest)
	}
	return s.rt.UpdateProposal(operator, params["proposal_id"], req.TotalAssets, req.Netted, req.Yield, req.Profit)
}

func (s *Server) cancelProposal(_ *http.Request, params map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	return s.rt.CancelProposal(operator, params["proposal_id"])
}

func (s *Server) executeProposal(_ *http.Request, params map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	return s.rt.ExecuteSettleBatch(operator, params["proposal_id"])
}

func (s *Server) canExecuteProposal(_ *http.Request, params map[string]string, _ string) (interface{}, error) {
	p, err := s.rt.CanExecuteProposal(params["proposal_id"])
	if errors.Is(err, router.ErrCooldownActive) {
		return map[string]interface{}{
			"executable":    false,
			"execute_after": p.ExecuteAfter,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"executable":    true,
		"execute_after": p.ExecuteAfter,
	}, nil
}

// --- vault queries ---

type vaultSummary struct {
	ID             string `json:"id"`
	Asset          string `json:"asset"`
	ShareToken     string `json:"share_token"`
	Type           string `json:"type"`
	CurrentBatchID string `json:"current_batch_id,omitempty"`
	TotalSupply    int64  `json:"total_supply"`
	Paused         bool   `json:"paused"`
}

func (s *Server) listVaults(_ *http.Request, _ map[string]string, _ string) (interface{}, error) {
	var out []vaultSummary
	for _, mv := range s.rt.Vaults() {
		sum := vaultSummary{
			ID:          mv.ID,
			Asset:       mv.Asset,
			ShareToken:  mv.ShareToken,
			Type:        mv.Type.String(),
			TotalSupply: s.tokens.TotalSupply(mv.ShareToken),
			Paused:      s.rt.IsPaused() || s.rt.IsVaultPaused(mv.ID),
		}
		if id, err := mv.Batches.CurrentBatchID(); err == nil {
			sum.CurrentBatchID = string(id)
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *Server) listBatches(_ *http.Request, params map[string]string, _ string) (interface{}, error) {
	mv, err := s.rt.Vault(params["vault_id"])
	if err != nil {
		return nil, err
	}
	return mv.Batches.AllBatches(), nil
}

func (s *Server) listSettlements(_ *http.Request, params map[string]string, _ string) (interface{}, error) {
	vaultID := params["vault_id"]
	if _, err := s.rt.Vault(vaultID); err != nil {
		return nil, err
	}
	var out []router.SettlementRecord
	for _, rec := range s.rt.Settlements() {
		if rec.VaultID == vaultID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Server) getSettlement(_ *http.Request, params map[string]string, _ string) (interface{}, error) {
	return s.rt.SettlementFor(params["vault_id"], vault.BatchID(params["batch_id"]))
}

func (s *Server) listRequests(r *http.Request, params map[string]string, _ string) (interface{}, error) {
	mv, err := s.rt.Vault(params["vault_id"])
	if err != nil {
		return nil, err
	}
	requester := r.URL.Query().Get("requester")
	if requester != "" {
		return mv.Requests.ActiveRequests(requester), nil
	}
	return mv.Requests.All(), nil
}

// --- gateway: mint and batched redeem ---

func (s *Server) mint(r *http.Request, _ map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	var req struct {
		Asset  string `json:"asset"`
		To     string `json:"to"`
		Amount int64  `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if err := s.gw.Mint(operator, req.Asset, req.To, req.Amount); err != nil {
		return nil, err
	}
	return map[string]interface{}{"minted": req.Amount}, nil
}

func (s *Server) requestRedeem(r *http.Request, _ map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	var req struct {
		Asset     string `json:"asset"`
		Recipient string `json:"recipient"`
		Amount    int64  `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return s.gw.RequestRedeem(operator, req.Asset, req.Recipient, req.Amount)
}

func (s *Server) cancelRedeem(r *http.Request, params map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	var req struct {
		Asset string `json:"asset"`
	}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return nil, s.gw.CancelRequest(operator, req.Asset, params["request_id"])
}

func (s *Server) claimRedeem(r *http.Request, params map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	var req struct {
		Asset string `json:"asset"`
	}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return nil, s.gw.Redeem(operator, req.Asset, params["request_id"])
}

// --- staking vault ---

func (s *Server) requestStake(r *http.Request, params map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	var req struct {
		Recipient string `json:"recipient"`
		Amount    int64  `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return s.staking.RequestStake(operator, params["vault_id"], req.Recipient, req.Amount)
}

func (s *Server) requestUnstake(r *http.Request, params map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	var req struct {
		Recipient string `json:"recipient"`
		Shares    int64  `json:"shares"`
	}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return s.staking.RequestUnstake(operator, params["vault_id"], req.Recipient, req.Shares)
}

func (s *Server) cancelStakeRequest(_ *http.Request, params map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	return nil, s.staking.CancelRequest(operator, params["vault_id"], params["request_id"])
}

func (s *Server) claimStake(_ *http.Request, params map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	shares, err := s.staking.ClaimStakedShares(operator, params["vault_id"], params["request_id"])
	if err != nil {
		return nil, err
	}
	return map[string]int64{"shares": shares}, nil
}

func (s *Server) claimUnstake(_ *http.Request, params map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	assets, err := s.staking.ClaimUnstakedAssets(operator, params["vault_id"], params["request_id"])
	if err != nil {
		return nil, err
	}
	return map[string]int64{"assets": assets}, nil
}

// --- token queries ---

func (s *Server) tokenSupply(_ *http.Request, params map[string]string, _ string) (interface{}, error) {
	return map[string]int64{"total_supply": s.tokens.TotalSupply(params["token"])}, nil
}

func (s *Server) tokenBalance(_ *http.Request, params map[string]string, _ string) (interface{}, error) {
	return map[string]int64{"amount": s.tokens.Balance(params["token"], params["holder"])}, nil
}

// --- operational controls ---

func (s *Server) status(_ *http.Request, _ map[string]string, _ string) (interface{}, error) {
	return map[string]interface{}{
		"router_id":      s.rt.ID(),
		"paused":         s.rt.IsPaused(),
		"claims_blocked": s.rt.ClaimsBlocked(),
		"cooldown":       s.rt.Proposals().Cooldown().String(),
	}, nil
}

func (s *Server) getCooldown(_ *http.Request, _ map[string]string, _ string) (interface{}, error) {
	return map[string]string{"cooldown": s.rt.Proposals().Cooldown().String()}, nil
}

func (s *Server) setCooldown(r *http.Request, _ map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	var req struct {
		Cooldown string `json:"cooldown"`
	}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	d, err := time.ParseDuration(req.Cooldown)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if err := s.rt.SetSettlementCooldown(operator, d); err != nil {
		return nil, err
	}
	return map[string]string{"cooldown": d.String()}, nil
}

func (s *Server) setPaused(r *http.Request, _ map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if err := s.rt.SetPaused(operator, req.Paused); err != nil {
		return nil, err
	}
	return map[string]bool{"paused": req.Paused}, nil
}

func (s *Server) setVaultPaused(r *http.Request, params map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if err := s.rt.SetVaultPaused(operator, params["vault_id"], req.Paused); err != nil {
		return nil, err
	}
	return map[string]bool{"paused": req.Paused}, nil
}

func (s *Server) transferVirtual(r *http.Request, _ map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	var req struct {
		SourceVault string `json:"source_vault"`
		TargetVault string `json:"target_vault"`
		Amount      int64  `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", errBadRequest)
	}
	if err := s.rt.TransferVirtual(operator, req.SourceVault, req.TargetVault, req.Amount); err != nil {
		return nil, err
	}
	return map[string]int64{"transferred": req.Amount}, nil
}

func (s *Server) setAdapterTotals(r *http.Request, _ map[string]string, operator string) (interface{}, error) {
	if err := requireOperator(operator); err != nil {
		return nil, err
	}
	var req struct {
		VaultID     string `json:"vault_id"`
		TotalAssets int64  `json:"total_assets"`
	}
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.TotalAssets < 0 {
		return nil, fmt.Errorf("%w: negative total_assets", errBadRequest)
	}
	return nil, s.rt.SetAdapterTotals(operator, req.VaultID, req.TotalAssets)
}

// --- history (Postgres-backed) ---

func (s *Server) listEvents(r *http.Request, _ map[string]string, _ string) (interface{}, error) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	beforeID, _ := strconv.ParseInt(q.Get("before_id"), 10, 64)
	return s.history.Events(r.Context(), q.Get("vault_id"), q.Get("type"), limit, beforeID)
}

func (s *Server) requestHistory(r *http.Request, _ map[string]string, _ string) (interface{}, error) {
	q := r.URL.Query()
	requester := q.Get("requester")
	if requester == "" {
		return nil, fmt.Errorf("%w: requester is required", errBadRequest)
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	return s.history.RequestHistory(r.Context(), requester, q.Get("vault_id"), limit, q.Get("before"))
}

func (s *Server) settlementHistory(r *http.Request, params map[string]string, _ string) (interface{}, error) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return s.history.Settlements(r.Context(), params["vault_id"], limit)
}
