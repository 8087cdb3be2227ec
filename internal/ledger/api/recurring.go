package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"estateledger/internal/common/api"
	"estateledger/internal/common/money"
	"estateledger/internal/ledger/domain"
	"estateledger/internal/recurring"
)

// CreateRecurringRequest is the API request for scheduling a payment
type CreateRecurringRequest struct {
	Title             string        `json:"title" validate:"required,max=200"`
	Description       string        `json:"description,omitempty" validate:"max=1000"`
	Amount            money.Amount  `json:"amount" validate:"required"`
	Frequency         string        `json:"frequency" validate:"required,oneof=daily weekly monthly quarterly yearly"`
	StartDate         *time.Time    `json:"start_date,omitempty"`
	EndDate           *time.Time    `json:"end_date,omitempty"`
	MaxPayments       int           `json:"max_payments,omitempty" validate:"gte=0"`
	MaxFailedAttempts int           `json:"max_failed_attempts,omitempty" validate:"gte=0,lte=20"`
	SpendingLimit     *money.Amount `json:"spending_limit,omitempty"`
	PaymentSource     string        `json:"payment_source,omitempty" validate:"omitempty,oneof=wallet direct"`
	Provider          string        `json:"provider,omitempty" validate:"omitempty,oneof=paystack flutterwave midtrans"`
	BillID            string        `json:"bill_id,omitempty"`
	UtilityProvider   string        `json:"utility_provider,omitempty"`
	CustomerID        string        `json:"customer_id,omitempty"`
	CustomerEmail     string        `json:"customer_email,omitempty" validate:"required_if=PaymentSource direct,omitempty,email"`
	CustomerName      string        `json:"customer_name,omitempty"`
	CustomerPhone     string        `json:"customer_phone,omitempty"`
}

func (req CreateRecurringRequest) metadata() domain.Metadata {
	meta := domain.Metadata{}
	for k, v := range map[string]string{
		recurring.MetaCustomerEmail: req.CustomerEmail,
		recurring.MetaCustomerName:  req.CustomerName,
		recurring.MetaCustomerPhone: req.CustomerPhone,
	} {
		if v != "" {
			meta[k] = v
		}
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

// CreateRecurring handles POST /recurring
func (h *Handler) CreateRecurring(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := caller(r)
	var req CreateRecurringRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	create := recurring.CreateRequest{
		TenantID:          tenantID,
		UserID:            userID,
		Title:             req.Title,
		Description:       req.Description,
		Amount:            req.Amount,
		Frequency:         domain.Frequency(req.Frequency),
		EndDate:           req.EndDate,
		MaxPayments:       req.MaxPayments,
		MaxFailedAttempts: req.MaxFailedAttempts,
		SpendingLimit:     req.SpendingLimit,
		PaymentSource:     domain.PaymentSource(req.PaymentSource),
		Provider:          domain.Provider(req.Provider),
		BillID:            req.BillID,
		UtilityProvider:   req.UtilityProvider,
		CustomerID:        req.CustomerID,
		Metadata:          req.metadata(),
	}
	if req.StartDate != nil {
		create.StartDate = req.StartDate.UTC()
	}

	sched, err := h.recurring.Create(r.Context(), create)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, sched)
}

// ListRecurring handles GET /recurring
func (h *Handler) ListRecurring(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := caller(r)
	p := pagination(r)
	list, total, err := h.recurring.List(r.Context(), recurring.ListRequest{
		TenantID: tenantID,
		UserID:   userID,
		Status:   domain.RecurringStatus(r.URL.Query().Get("status")),
		Limit:    p.Limit,
		Offset:   p.Offset,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WritePaginated(w, list, api.NewPagination(p, len(list), total))
}

// GetRecurringSummary handles GET /recurring/summary
func (h *Handler) GetRecurringSummary(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := caller(r)
	summary, err := h.recurring.Summary(r.Context(), tenantID, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, summary)
}

// GetRecurring handles GET /recurring/{id}
func (h *Handler) GetRecurring(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := caller(r)
	sched, err := h.recurring.Get(r.Context(), tenantID, chi.URLParam(r, "id"), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, sched)
}

// UpdateRecurringRequest is the API request for changing a schedule. Omitted
// fields stay as they are.
type UpdateRecurringRequest struct {
	Title           *string       `json:"title,omitempty" validate:"omitempty,min=1,max=200"`
	Description     *string       `json:"description,omitempty" validate:"omitempty,max=1000"`
	Amount          *money.Amount `json:"amount,omitempty"`
	Frequency       *string       `json:"frequency,omitempty" validate:"omitempty,oneof=daily weekly monthly quarterly yearly"`
	NextPaymentDate *time.Time    `json:"next_payment_date,omitempty"`
	EndDate         *time.Time    `json:"end_date,omitempty"`
	SpendingLimit   *money.Amount `json:"spending_limit,omitempty"`
	MaxPayments     *int          `json:"max_payments,omitempty" validate:"omitempty,gte=0"`
}

// UpdateRecurring handles PATCH /recurring/{id}
func (h *Handler) UpdateRecurring(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := caller(r)
	var req UpdateRecurringRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}

	changes := domain.RecurringUpdate{
		Title:           req.Title,
		Description:     req.Description,
		Amount:          req.Amount,
		NextPaymentDate: req.NextPaymentDate,
		EndDate:         req.EndDate,
		SpendingLimit:   req.SpendingLimit,
		MaxPayments:     req.MaxPayments,
	}
	if req.Frequency != nil {
		f := domain.Frequency(*req.Frequency)
		changes.Frequency = &f
	}

	sched, err := h.recurring.Update(r.Context(), recurring.UpdateRequest{
		TenantID: tenantID,
		ID:       chi.URLParam(r, "id"),
		UserID:   userID,
		Changes:  changes,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, sched)
}

// PauseRecurring handles POST /recurring/{id}/pause
func (h *Handler) PauseRecurring(w http.ResponseWriter, r *http.Request) {
	h.transitionRecurring(w, r, h.recurring.Pause)
}

// ResumeRecurring handles POST /recurring/{id}/resume
func (h *Handler) ResumeRecurring(w http.ResponseWriter, r *http.Request) {
	h.transitionRecurring(w, r, h.recurring.Resume)
}

// CancelRecurring handles POST /recurring/{id}/cancel
func (h *Handler) CancelRecurring(w http.ResponseWriter, r *http.Request) {
	h.transitionRecurring(w, r, h.recurring.Cancel)
}

type recurringTransition func(ctx context.Context, tenantID, id, userID string) (domain.Outcome, error)

func (h *Handler) transitionRecurring(w http.ResponseWriter, r *http.Request, apply recurringTransition) {
	tenantID, userID := caller(r)
	id := chi.URLParam(r, "id")
	outcome, err := apply(r.Context(), tenantID, id, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	sched, err := h.recurring.Get(r.Context(), tenantID, id, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, map[string]any{"recurring_payment": sched, "outcome": outcome})
}
