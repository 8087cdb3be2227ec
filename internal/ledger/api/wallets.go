package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"estateledger/internal/common/api"
	"estateledger/internal/common/middleware"
	"estateledger/internal/common/money"
	"estateledger/internal/ledger"
	"estateledger/internal/ledger/domain"
)

// GetWallet handles GET /wallet
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := caller(r)
	summary, err := h.wallets.Balance(r.Context(), tenantID, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, summary)
}

// ListWalletTransactions handles GET /wallet/transactions
func (h *Handler) ListWalletTransactions(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := caller(r)
	f, ok := historyFilter(w, r)
	if !ok {
		return
	}
	f.TenantID, f.UserID = tenantID, userID

	txns, total, err := h.wallets.History(r.Context(), f)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WritePaginated(w, txns, api.NewPagination(api.PaginationParams{Limit: f.Limit, Offset: f.Offset}, len(txns), total))
}

// historyFilter reads the transaction history query. It writes the error
// response itself and reports false on a bad query.
func historyFilter(w http.ResponseWriter, r *http.Request) (ledger.HistoryFilter, bool) {
	q := r.URL.Query()
	p := pagination(r)
	f := ledger.HistoryFilter{
		Type:   domain.TransactionType(q.Get("type")),
		Status: domain.TransactionStatus(q.Get("status")),
		Limit:  p.Limit,
		Offset: p.Offset,
	}
	var err error
	if f.From, err = queryTime(r, "from"); err != nil {
		api.BadRequest(w, err.Error())
		return f, false
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		api.BadRequest(w, err.Error())
		return f, false
	}
	if f.MinAmount, err = queryAmount(r, "min_amount"); err != nil {
		api.BadRequest(w, err.Error())
		return f, false
	}
	if f.MaxAmount, err = queryAmount(r, "max_amount"); err != nil {
		api.BadRequest(w, err.Error())
		return f, false
	}
	return f, true
}

// SetPINRequest is the API request for setting the wallet PIN
type SetPINRequest struct {
	PIN        string `json:"pin" validate:"required,len=4,numeric"`
	CurrentPIN string `json:"current_pin,omitempty" validate:"omitempty,len=4,numeric"`
}

// SetPIN handles POST /wallet/pin
func (h *Handler) SetPIN(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := caller(r)
	var req SetPINRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	if err := h.wallets.SetPIN(r.Context(), tenantID, userID, req.PIN, req.CurrentPIN); err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, map[string]bool{"pin_set": true})
}

// VerifyPINRequest is the API request for checking the wallet PIN
type VerifyPINRequest struct {
	PIN string `json:"pin" validate:"required"`
}

// VerifyPIN handles POST /wallet/pin/verify
func (h *Handler) VerifyPIN(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := caller(r)
	var req VerifyPINRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	valid, err := h.wallets.VerifyPIN(r.Context(), tenantID, userID, req.PIN)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, map[string]bool{"valid": valid})
}

// HoldRequest is the API request for placing or releasing a hold
type HoldRequest struct {
	Amount money.Amount `json:"amount" validate:"required"`
	Reason string       `json:"reason" validate:"max=500"`
}

// FreezeFunds handles POST /admin/wallets/{user_id}/holds
func (h *Handler) FreezeFunds(w http.ResponseWriter, r *http.Request) {
	h.changeHold(w, r, h.wallets.Freeze)
}

// UnfreezeFunds handles DELETE /admin/wallets/{user_id}/holds
func (h *Handler) UnfreezeFunds(w http.ResponseWriter, r *http.Request) {
	h.changeHold(w, r, h.wallets.Unfreeze)
}

func (h *Handler) changeHold(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, req ledger.HoldRequest) (domain.BalanceSummary, error)) {
	tenantID, operatorID := caller(r)
	var req HoldRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	summary, err := apply(r.Context(), ledger.HoldRequest{
		TenantID:   tenantID,
		UserID:     chi.URLParam(r, "user_id"),
		Amount:     req.Amount,
		Reason:     req.Reason,
		OperatorID: operatorID,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, summary)
}

// WalletStatusRequest is the API request for changing a wallet's status
type WalletStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active suspended closed"`
}

// SetWalletStatus handles POST /admin/wallets/{user_id}/status
func (h *Handler) SetWalletStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	var req WalletStatusRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	outcome, err := h.wallets.SetStatus(r.Context(), tenantID, chi.URLParam(r, "user_id"), domain.WalletStatus(req.Status))
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, map[string]any{"status": req.Status, "outcome": outcome})
}
