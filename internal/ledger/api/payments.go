package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"estateledger/internal/common/api"
	"estateledger/internal/common/middleware"
	"estateledger/internal/common/money"
	"estateledger/internal/gateway"
	"estateledger/internal/ledger/domain"
	"estateledger/internal/payments"
)

// maxWebhookBody bounds the webhook payload read into memory.
const maxWebhookBody = 1 << 20

// DepositRequest is the API request for funding the wallet through a gateway
type DepositRequest struct {
	Amount      money.Amount      `json:"amount" validate:"required"`
	Provider    string            `json:"provider" validate:"omitempty,oneof=paystack flutterwave midtrans"`
	Description string            `json:"description" validate:"max=500"`
	Email       string            `json:"email" validate:"required,email"`
	Name        string            `json:"name,omitempty"`
	Phone       string            `json:"phone,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty" validate:"omitempty,url"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// DepositResponse carries the pending transaction and where to pay it
type DepositResponse struct {
	Transaction      *domain.Transaction `json:"transaction"`
	AuthorizationURL string              `json:"authorization_url,omitempty"`
	Reference        string              `json:"reference,omitempty"`
	AccessCode       string              `json:"access_code,omitempty"`
}

func newDepositResponse(t *domain.Transaction, checkout *gateway.Initialization) DepositResponse {
	resp := DepositResponse{Transaction: t}
	if checkout != nil {
		resp.AuthorizationURL = checkout.AuthorizationURL
		resp.Reference = checkout.Reference
		resp.AccessCode = checkout.AccessCode
	}
	return resp
}

// CreateDeposit handles POST /deposits
func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := caller(r)
	var req DepositRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	var meta domain.Metadata
	if len(req.Metadata) > 0 {
		meta = make(domain.Metadata, len(req.Metadata))
		for k, v := range req.Metadata {
			meta[k] = v
		}
	}
	t, checkout, err := h.payments.Deposit(r.Context(), payments.DepositRequest{
		TenantID:    tenantID,
		UserID:      userID,
		Amount:      req.Amount,
		Provider:    domain.Provider(req.Provider),
		Description: req.Description,
		Metadata:    meta,
		Customer:    payments.Customer{Email: req.Email, Name: req.Name, Phone: req.Phone},
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, newDepositResponse(t, checkout))
}

// ownTransaction loads a transaction the caller may see. Operators see every
// transaction of the tenant.
func (h *Handler) ownTransaction(r *http.Request) (*domain.Transaction, error) {
	tenantID, userID := caller(r)
	t, err := h.payments.GetTransaction(r.Context(), tenantID, chi.URLParam(r, "transaction_id"))
	if err != nil {
		return nil, err
	}
	if t.UserID != userID && middleware.GetUserRole(r.Context()) != middleware.RoleOperator {
		return nil, domain.NotFoundf("transaction %s", t.TransactionID)
	}
	return t, nil
}

// VerifyPayment handles POST /payments/{transaction_id}/verify
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	t, err := h.ownTransaction(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	t, err = h.payments.VerifyPayment(r.Context(), t.TenantID, t.TransactionID)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, t)
}

// GetTransaction handles GET /transactions/{transaction_id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := h.ownTransaction(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, t)
}

// GetReceipt handles GET /transactions/{transaction_id}/receipt
func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	t, err := h.ownTransaction(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	receipt, err := h.payments.Receipt(r.Context(), t.TenantID, t.TransactionID)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, receipt)
}

// Webhook handles POST /webhooks/{provider}. Gateways retry anything but a
// 2xx, so callbacks that can never settle are acknowledged.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := domain.Provider(chi.URLParam(r, "provider"))
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		api.BadRequest(w, "unreadable body")
		return
	}

	t, err := h.payments.HandleCallback(r.Context(), provider, r.Header, body)
	switch {
	case errors.Is(err, gateway.ErrIgnoredEvent):
		api.WriteData(w, http.StatusOK, map[string]string{"status": "ignored"})
	case errors.Is(err, gateway.ErrInvalidSignature):
		h.logger.Warn("webhook rejected", "provider", provider, "error", err)
		h.fail(w, err)
	case errors.Is(err, domain.ErrNotFound) && provider.IsGateway():
		h.logger.Warn("webhook for unknown transaction", "provider", provider, "error", err)
		api.WriteData(w, http.StatusOK, map[string]string{"status": "ignored"})
	case err != nil:
		h.fail(w, err)
	case t == nil:
		api.WriteData(w, http.StatusAccepted, map[string]string{"status": "queued"})
	default:
		api.WriteData(w, http.StatusOK, map[string]string{
			"status":         "processed",
			"transaction_id": t.TransactionID,
			"result":         string(t.Status),
		})
	}
}
