package api

import (
	"net/http"

	"estateledger/internal/clusterwallet"
	"estateledger/internal/common/api"
	"estateledger/internal/common/money"
)

// GetClusterWallet handles GET /admin/cluster-wallet
func (h *Handler) GetClusterWallet(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := caller(r)
	summary, err := h.cluster.Balance(r.Context(), tenantID)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, summary)
}

// GetClusterAnalytics handles GET /admin/cluster-wallet/analytics
func (h *Handler) GetClusterAnalytics(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := caller(r)
	analytics, err := h.cluster.Analytics(r.Context(), tenantID)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, analytics)
}

// GetClusterRevenue handles GET /admin/cluster-wallet/revenue?days=N
func (h *Handler) GetClusterRevenue(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := caller(r)
	days, err := queryInt(r, "days", 0)
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}
	summary, err := h.cluster.RevenueSummary(r.Context(), tenantID, days)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, summary)
}

// ListClusterTransactions handles GET /admin/cluster-wallet/transactions
func (h *Handler) ListClusterTransactions(w http.ResponseWriter, r *http.Request) {
	tenantID, _ := caller(r)
	f, ok := historyFilter(w, r)
	if !ok {
		return
	}
	f.TenantID = tenantID

	txns, total, err := h.cluster.Transactions(r.Context(), f)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WritePaginated(w, txns, api.NewPagination(api.PaginationParams{Limit: f.Limit, Offset: f.Offset}, len(txns), total))
}

// ClusterCreditRequest is the API request for a manual cluster wallet credit
type ClusterCreditRequest struct {
	Amount      money.Amount `json:"amount" validate:"required"`
	Description string       `json:"description,omitempty" validate:"max=500"`
	Source      string       `json:"source,omitempty" validate:"max=100"`
}

// CreditClusterWallet handles POST /admin/cluster-wallet/credit
func (h *Handler) CreditClusterWallet(w http.ResponseWriter, r *http.Request) {
	tenantID, operatorID := caller(r)
	var req ClusterCreditRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	t, err := h.cluster.AddManualCredit(r.Context(), clusterwallet.ManualCreditRequest{
		TenantID:    tenantID,
		Amount:      req.Amount,
		Description: req.Description,
		Source:      req.Source,
		AddedBy:     operatorID,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, t)
}

// ClusterTransferRequest is the API request for paying out of the cluster wallet
type ClusterTransferRequest struct {
	Amount           money.Amount `json:"amount" validate:"required"`
	Description      string       `json:"description,omitempty" validate:"max=500"`
	RecipientAccount string       `json:"recipient_account" validate:"required,max=100"`
}

// TransferFromClusterWallet handles POST /admin/cluster-wallet/transfer
func (h *Handler) TransferFromClusterWallet(w http.ResponseWriter, r *http.Request) {
	tenantID, operatorID := caller(r)
	var req ClusterTransferRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	t, err := h.cluster.Transfer(r.Context(), clusterwallet.TransferRequest{
		TenantID:         tenantID,
		Amount:           req.Amount,
		Description:      req.Description,
		RecipientAccount: req.RecipientAccount,
		TransferredBy:    operatorID,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, t)
}
