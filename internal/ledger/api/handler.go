// Package api exposes the ledger over HTTP under /api/v1/ledger.
package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"estateledger/internal/billing"
	"estateledger/internal/clusterwallet"
	"estateledger/internal/common/api"
	"estateledger/internal/common/middleware"
	"estateledger/internal/common/money"
	"estateledger/internal/ledger"
	"estateledger/internal/ledger/store"
	"estateledger/internal/payments"
	"estateledger/internal/recurring"
)

// Handler handles ledger HTTP requests
type Handler struct {
	wallets   *ledger.Service
	payments  *payments.Service
	bills     *billing.Service
	recurring *recurring.Manager
	cluster   *clusterwallet.Manager
	logger    *slog.Logger
}

// Services groups the services behind the HTTP surface.
type Services struct {
	Wallets   *ledger.Service
	Payments  *payments.Service
	Bills     *billing.Service
	Recurring *recurring.Manager
	Cluster   *clusterwallet.Manager
}

// NewHandler creates a new ledger handler
func NewHandler(s Services, logger *slog.Logger) *Handler {
	return &Handler{
		wallets:   s.Wallets,
		payments:  s.Payments,
		bills:     s.Bills,
		recurring: s.Recurring,
		cluster:   s.Cluster,
		logger:    logger,
	}
}

// Routes returns the ledger routes. mw wraps every authenticated route and
// runs after the caller identity is known.
func (h *Handler) Routes(mw ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	// Gateways call webhooks without identity headers.
	r.Post("/webhooks/{provider}", h.Webhook)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Identity, middleware.RequireCaller)
		r.Use(mw...)

		// Wallet routes
		r.Get("/wallet", h.GetWallet)
		r.Get("/wallet/transactions", h.ListWalletTransactions)
		r.Post("/wallet/pin", h.SetPIN)
		r.Post("/wallet/pin/verify", h.VerifyPIN)

		// Payment routes
		r.Post("/deposits", h.CreateDeposit)
		r.Post("/payments/{transaction_id}/verify", h.VerifyPayment)
		r.Get("/transactions/{transaction_id}", h.GetTransaction)
		r.Get("/transactions/{transaction_id}/receipt", h.GetReceipt)

		// Bill routes
		r.Get("/bills", h.ListBills)
		r.Get("/bills/summary", h.GetBillsSummary)
		r.Post("/bills/user", h.CreateUserBill)
		r.Get("/bills/{id}", h.GetBill)
		r.Post("/bills/{id}/acknowledge", h.AcknowledgeBill)
		r.Post("/bills/{id}/dispute", h.DisputeBill)
		r.Post("/bills/{id}/pay", h.PayBill)

		// Recurring payment routes
		r.Get("/recurring", h.ListRecurring)
		r.Get("/recurring/summary", h.GetRecurringSummary)
		r.Post("/recurring", h.CreateRecurring)
		r.Get("/recurring/{id}", h.GetRecurring)
		r.Patch("/recurring/{id}", h.UpdateRecurring)
		r.Post("/recurring/{id}/pause", h.PauseRecurring)
		r.Post("/recurring/{id}/resume", h.ResumeRecurring)
		r.Post("/recurring/{id}/cancel", h.CancelRecurring)

		// Operator routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(middleware.RoleOperator))

			r.Post("/bills", h.CreateBill)
			r.Post("/bills/bulk", h.CreateBulkBills)
			r.Post("/bills/{id}/status", h.OverrideBillStatus)

			r.Get("/cluster-wallet", h.GetClusterWallet)
			r.Get("/cluster-wallet/analytics", h.GetClusterAnalytics)
			r.Get("/cluster-wallet/revenue", h.GetClusterRevenue)
			r.Get("/cluster-wallet/transactions", h.ListClusterTransactions)
			r.Post("/cluster-wallet/credit", h.CreditClusterWallet)
			r.Post("/cluster-wallet/transfer", h.TransferFromClusterWallet)

			r.Post("/wallets/{user_id}/holds", h.FreezeFunds)
			r.Delete("/wallets/{user_id}/holds", h.UnfreezeFunds)
			r.Post("/wallets/{user_id}/status", h.SetWalletStatus)
		})
	})

	return r
}

// caller returns the tenant and user the request acts for.
func caller(r *http.Request) (tenantID, userID string) {
	return middleware.GetTenantID(r.Context()), middleware.GetUserID(r.Context())
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	api.WriteDomainError(w, h.logger, err)
}

func pagination(r *http.Request) api.PaginationParams {
	return api.GetPaginationParams(r, store.DefaultLimit, store.MaxLimit)
}

// queryTime parses an RFC 3339 timestamp or a plain date.
func queryTime(r *http.Request, key string) (*time.Time, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%s must be a date or an RFC 3339 timestamp", key)
}

func queryAmount(r *http.Request, key string) (money.Amount, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	a, err := money.ParseAmount(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a decimal amount", key)
	}
	return a, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be true or false", key)
	}
	return b, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}
