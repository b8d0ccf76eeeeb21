package handler

import (
	"log/slog"
	"net/http"

	"github.com/arseneeth/shayd/internal/accumulator"
	"github.com/arseneeth/shayd/internal/domain"
	"github.com/arseneeth/shayd/internal/vault"
)

// VaultHandler serves the deposit, bundling and share endpoints.
type VaultHandler struct {
	acc    *accumulator.Accumulator
	vault  *vault.Service
	logger *slog.Logger
}

// NewVaultHandler creates a VaultHandler.
func NewVaultHandler(acc *accumulator.Accumulator, v *vault.Service, logger *slog.Logger) *VaultHandler {
	return &VaultHandler{
		acc:    acc,
		vault:  v,
		logger: logHandler(logger, "vault"),
	}
}

type depositRequest struct {
	Owner  string               `json:"owner"`
	Amount float64              `json:"amount"`
	Blob   domain.EncryptedBlob `json:"blob"`
}

// PlaceDeposit records a collateral deposit and stores the accompanying
// encrypted position parameters.
// POST /api/vault/deposits
func (h *VaultHandler) PlaceDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	index, err := h.acc.Deposit(r.Context(), req.Owner, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	depositID, err := h.vault.StoreEncrypted(r.Context(), req.Owner, index, req.Blob)
	if err != nil {
		// The ledger-side deposit stands; the client may retry the blob
		// submission against the same index.
		h.logger.WarnContext(r.Context(), "deposit recorded but blob rejected",
			slog.Int("deposit_index", index),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"deposit_index": index,
		"deposit_id":    depositID,
		"bundle_ready":  h.acc.IsBundleReady(),
	})
}

type bundleParamsRequest struct {
	Operator   string   `json:"operator"`
	DepositIDs []string `json:"deposit_ids"`
}

// BundleParams decrypts a batch of deposits for the operator.
// POST /api/vault/bundle/params
func (h *VaultHandler) BundleParams(w http.ResponseWriter, r *http.Request) {
	var req bundleParamsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	params, err := h.vault.GetParamsForBundle(r.Context(), req.Operator, req.DepositIDs)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"params": params})
}

type createBundleRequest struct {
	Operator    string    `json:"operator"`
	Indices     []int     `json:"indices"`
	Collaterals []float64 `json:"collaterals"`
	Debts       []float64 `json:"debts"`
}

// CreateBundle consumes pending deposits into one pooled ledger position.
// POST /api/vault/bundle
func (h *VaultHandler) CreateBundle(w http.ResponseWriter, r *http.Request) {
	var req createBundleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	bundle, err := h.acc.CreatePositionFromBundle(r.Context(), req.Operator, req.Indices, req.Collaterals, req.Debts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"bundle_id":          bundle.ID,
		"pooled_position_id": bundle.PooledPositionID,
		"total_collateral":   bundle.TotalCollateral,
		"total_debt":         bundle.TotalDebt,
	})
}

type linkPositionRequest struct {
	Operator   string `json:"operator"`
	DepositID  string `json:"deposit_id"`
	PositionID uint64 `json:"position_id"`
	PoolRef    uint64 `json:"pool_ref"`
}

// LinkPosition promotes an encrypted deposit into a position record.
// POST /api/vault/positions/link
func (h *VaultHandler) LinkPosition(w http.ResponseWriter, r *http.Request) {
	var req linkPositionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	rec, err := h.vault.LinkPosition(r.Context(), req.Operator, req.DepositID, req.PositionID, req.PoolRef)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, positionResponse(rec))
}

// GetPosition returns a promoted position record to its owner.
// GET /api/vault/positions/{id}?owner=0x...
func (h *VaultHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid position id")
		return
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, "owner query parameter is required")
		return
	}

	rec, err := h.vault.GetParams(r.Context(), owner, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionResponse(rec))
}

func positionResponse(rec domain.PositionRecord) map[string]any {
	return map[string]any{
		"position_id": rec.PositionID,
		"collateral":  rec.Collateral,
		"debt":        rec.Debt,
		"owner":       rec.Owner,
		"hash":        rec.Hash,
		"pool_ref":    rec.PoolRef,
		"created_at":  rec.CreatedAt,
	}
}

type hashRequest struct {
	PositionID uint64  `json:"position_id"`
	Collateral float64 `json:"collateral"`
	Debt       float64 `json:"debt"`
	Owner      string  `json:"owner"`
}

// Hash computes the commitment hash for a set of position parameters.
// POST /api/vault/hash
func (h *VaultHandler) Hash(w http.ResponseWriter, r *http.Request) {
	var req hashRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"hash": h.vault.Hash(req.PositionID, req.Collateral, req.Debt, req.Owner),
	})
}

type closeShareRequest struct {
	Owner            string  `json:"owner"`
	PooledPositionID uint64  `json:"pooled_position_id"`
	Slot             int     `json:"slot"`
	Collateral       float64 `json:"collateral"`
	Debt             float64 `json:"debt"`
	VerificationHash string  `json:"verification_hash"`
	TakeoverAmount   float64 `json:"takeover_amount"`
}

// CloseShare destroys the caller's virtual share and returns the remaining
// collateral.
// POST /api/vault/shares/close
func (h *VaultHandler) CloseShare(w http.ResponseWriter, r *http.Request) {
	var req closeShareRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	key := domain.ShareKey{PooledPositionID: req.PooledPositionID, Slot: req.Slot}
	returned, err := h.acc.CloseShare(r.Context(), req.Owner, key, req.Collateral, req.Debt, req.VerificationHash, req.TakeoverAmount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"share":    key.String(),
		"returned": returned,
	})
}

// Stats summarizes vault and accumulator state.
// GET /api/stats
func (h *VaultHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.vault.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"encrypted_deposits": st.EncryptedDeposits,
		"positions":          st.Positions,
		"health_snapshots":   st.HealthSnapshots,
		"pending_deposits":   h.acc.PendingCount(),
		"vault_balance":      h.acc.VaultBalance(),
		"keeper_custody":     h.acc.KeeperCustody(),
	})
}
