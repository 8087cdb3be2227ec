package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"estateledger/internal/billing"
	"estateledger/internal/common/api"
	"estateledger/internal/common/middleware"
	"estateledger/internal/common/money"
	"estateledger/internal/ledger/domain"
	"estateledger/internal/payments"
)

// ListBills handles GET /bills. Operators may list every bill of the tenant,
// or one resident's bills with ?user_id=.
func (h *Handler) ListBills(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := caller(r)
	q := r.URL.Query()
	if middleware.GetUserRole(r.Context()) == middleware.RoleOperator {
		userID = q.Get("user_id")
	}

	p := pagination(r)
	req := billing.ListRequest{
		TenantID: tenantID,
		UserID:   userID,
		Status:   domain.BillStatus(q.Get("status")),
		Type:     domain.BillType(q.Get("type")),
		Limit:    p.Limit,
		Offset:   p.Offset,
	}
	var err error
	if req.Overdue, err = queryBool(r, "overdue"); err != nil {
		api.BadRequest(w, err.Error())
		return
	}
	if req.DueFrom, err = queryTime(r, "due_from"); err != nil {
		api.BadRequest(w, err.Error())
		return
	}
	if req.DueTo, err = queryTime(r, "due_to"); err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	bills, total, err := h.bills.ListBills(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WritePaginated(w, bills, api.NewPagination(p, len(bills), total))
}

// GetBillsSummary handles GET /bills/summary
func (h *Handler) GetBillsSummary(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := caller(r)
	summary, err := h.bills.GetBillsSummary(r.Context(), tenantID, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, summary)
}

// GetBill handles GET /bills/{id}
func (h *Handler) GetBill(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := caller(r)
	if middleware.GetUserRole(r.Context()) == middleware.RoleOperator {
		userID = ""
	}
	b, err := h.bills.GetBill(r.Context(), tenantID, chi.URLParam(r, "id"), userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, b)
}

// AcknowledgeBill handles POST /bills/{id}/acknowledge
func (h *Handler) AcknowledgeBill(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := caller(r)
	billID := chi.URLParam(r, "id")
	outcome, err := h.bills.AcknowledgeBill(r.Context(), tenantID, billID, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeBill(w, r, billID, outcome)
}

// DisputeRequest is the API request for disputing a bill
type DisputeRequest struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

// DisputeBill handles POST /bills/{id}/dispute
func (h *Handler) DisputeBill(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := caller(r)
	var req DisputeRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	billID := chi.URLParam(r, "id")
	outcome, err := h.bills.DisputeBill(r.Context(), tenantID, billID, userID, req.Reason)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeBill(w, r, billID, outcome)
}

// writeBill responds with the bill after a state change and whether the change applied.
func (h *Handler) writeBill(w http.ResponseWriter, r *http.Request, billID string, outcome domain.Outcome) {
	tenantID, userID := caller(r)
	if middleware.GetUserRole(r.Context()) == middleware.RoleOperator {
		userID = ""
	}
	b, err := h.bills.GetBill(r.Context(), tenantID, billID, userID)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusOK, map[string]any{"bill": b, "outcome": outcome})
}

// PayBillRequest is the API request for paying a bill. A missing amount pays
// the remaining balance.
type PayBillRequest struct {
	PaymentMethod string       `json:"payment_method" validate:"required,oneof=wallet direct"`
	Amount        money.Amount `json:"amount"`
	Provider      string       `json:"provider" validate:"omitempty,oneof=paystack flutterwave midtrans"`
	Email         string       `json:"email" validate:"required_if=PaymentMethod direct,omitempty,email"`
	Name          string       `json:"name,omitempty"`
	Phone         string       `json:"phone,omitempty"`
	CallbackURL   string       `json:"callback_url,omitempty" validate:"omitempty,url"`
}

// PayBill handles POST /bills/{id}/pay
func (h *Handler) PayBill(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := caller(r)
	var req PayBillRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	pay := billing.BillPaymentRequest{
		TenantID: tenantID,
		BillID:   chi.URLParam(r, "id"),
		UserID:   userID,
		Amount:   req.Amount,
	}

	if req.PaymentMethod == "wallet" {
		t, err := h.bills.ProcessBillPayment(r.Context(), pay)
		if err != nil {
			h.fail(w, err)
			return
		}
		api.WriteData(w, http.StatusOK, t)
		return
	}

	t, checkout, err := h.bills.PayDirect(r.Context(), billing.DirectPaymentRequest{
		BillPaymentRequest: pay,
		Provider:           domain.Provider(req.Provider),
		Customer:           payments.Customer{Email: req.Email, Name: req.Name, Phone: req.Phone},
		CallbackURL:        req.CallbackURL,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, newDepositResponse(t, checkout))
}

// CreateUserBill handles POST /bills/user
func (h *Handler) CreateUserBill(w http.ResponseWriter, r *http.Request) {
	tenantID, userID := caller(r)
	var req billing.BillInput
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	b, err := h.bills.CreateUserBill(r.Context(), tenantID, userID, req)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, b)
}

// CreateBill handles POST /admin/bills. A bill without user_id is shared by
// the whole tenant.
func (h *Handler) CreateBill(w http.ResponseWriter, r *http.Request) {
	tenantID, operatorID := caller(r)
	var req billing.BillInput
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	b, err := h.bills.CreateBill(r.Context(), tenantID, req, operatorID)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, b)
}

// BulkBillsRequest is the API request for creating many bills at once
type BulkBillsRequest struct {
	Bills []billing.BillInput `json:"bills" validate:"required,min=1,max=500,dive"`
}

// CreateBulkBills handles POST /admin/bills/bulk
func (h *Handler) CreateBulkBills(w http.ResponseWriter, r *http.Request) {
	tenantID, operatorID := caller(r)
	var req BulkBillsRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	result, err := h.bills.CreateBulkBills(r.Context(), tenantID, req.Bills, operatorID)
	if err != nil {
		h.fail(w, err)
		return
	}
	api.WriteData(w, http.StatusCreated, result)
}

// BillStatusRequest is the API request for an operator status override
type BillStatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending cancelled"`
}

// OverrideBillStatus handles POST /admin/bills/{id}/status
func (h *Handler) OverrideBillStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, operatorID := caller(r)
	var req BillStatusRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.WriteDecodeError(w, err)
		return
	}
	billID := chi.URLParam(r, "id")
	outcome, err := h.bills.OverrideStatus(r.Context(), tenantID, billID, domain.BillStatus(req.Status), operatorID)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.writeBill(w, r, billID, outcome)
}
