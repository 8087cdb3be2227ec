package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estateledger/internal/billing"
	"estateledger/internal/clusterwallet"
	"estateledger/internal/common/events"
	"estateledger/internal/common/middleware"
	"estateledger/internal/common/money"
	"estateledger/internal/gateway"
	"estateledger/internal/gateway/gatewaytest"
	"estateledger/internal/ledger"
	"estateledger/internal/ledger/domain"
	"estateledger/internal/ledger/store"
	"estateledger/internal/notify"
	"estateledger/internal/payments"
	"estateledger/internal/recurring"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

type testServer struct {
	srv     *httptest.Server
	store   *store.Memory
	gateway *gatewaytest.Fake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return testNow }
	mem := store.NewMemory()
	fake := gatewaytest.New(domain.ProviderPaystack, "whsec")
	registry := gateway.NewRegistry(domain.ProviderPaystack, fake)

	pub := events.NopPublisher{}
	wallets := ledger.NewService(mem, pub, logger).WithClock(clock)
	pay := payments.NewService(mem, registry, pub, notify.Nop{}, logger).WithClock(clock)
	h := NewHandler(Services{
		Wallets:   wallets,
		Payments:  pay,
		Bills:     billing.NewService(mem, pay, pub, notify.Nop{}, logger).WithClock(clock),
		Recurring: recurring.NewManager(mem, pay, pub, notify.Nop{}, recurring.Config{Workers: 2, BatchSize: 10, MaxFailedAttempts: 3}, logger).WithClock(clock),
		Cluster:   clusterwallet.NewManager(mem, wallets, pub, logger).WithClock(clock),
	}, logger)

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: mem, gateway: fake}
}

type identity struct {
	tenant, user, role string
}

var (
	resident = identity{tenant: "t1", user: "u1"}
	operator = identity{tenant: "t1", user: "op-1", role: middleware.RoleOperator}
)

func (s *testServer) do(t *testing.T, c identity, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.tenant != "" {
		req.Header.Set(middleware.HeaderTenantID, c.tenant)
	}
	if c.user != "" {
		req.Header.Set(middleware.HeaderUserID, c.user)
	}
	if c.role != "" {
		req.Header.Set(middleware.HeaderUserRole, c.role)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func decodeData[T any](t *testing.T, body []byte) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &env), string(body))
	return env.Data
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &env), string(body))
	return env.Error.Code
}

func (s *testServer) fund(t *testing.T, userID, amount string) {
	t.Helper()
	ctx := context.Background()
	_, err := ledger.Atomic(ctx, s.store, testNow, func(u *ledger.Unit) error {
		w, err := u.EnsureWallet(ctx, "t1", userID)
		if err != nil {
			return err
		}
		_, err = u.Post(ctx, w, domain.TransactionDeposit, money.MustParse(amount), domain.ProviderManual, "top up", nil)
		return err
	})
	require.NoError(t, err)
}

func (s *testServer) createBill(t *testing.T, userID, amount string) domain.Bill {
	t.Helper()
	code, body := s.do(t, operator, http.MethodPost, "/admin/bills", map[string]any{
		"user_id":  userID,
		"title":    "Water March",
		"type":     "water",
		"amount":   amount,
		"due_date": testNow.Add(7 * 24 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	return decodeData[domain.Bill](t, body)
}

func (s *testServer) acknowledge(t *testing.T, billID string) {
	t.Helper()
	code, body := s.do(t, resident, http.MethodPost, "/bills/"+billID+"/acknowledge", nil)
	require.Equal(t, http.StatusOK, code, string(body))
}

func TestIdentityIsRequired(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, identity{user: "u1"}, http.MethodGet, "/wallet", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, identity{tenant: "t1"}, http.MethodGet, "/wallet", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.do(t, resident, http.MethodGet, "/admin/cluster-wallet", nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestWalletBalanceAndHistory(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, "u1", "250")

	code, body := s.do(t, resident, http.MethodGet, "/wallet", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	summary := decodeData[domain.BalanceSummary](t, body)
	assert.Equal(t, money.MustParse("250"), summary.Balance)
	assert.Equal(t, money.MustParse("250"), summary.AvailableBalance)

	code, body = s.do(t, resident, http.MethodGet, "/wallet/transactions?type=deposit&limit=10", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	txns := decodeData[[]domain.Transaction](t, body)
	require.Len(t, txns, 1)
	assert.Equal(t, domain.TransactionCompleted, txns[0].Status)

	code, _ = s.do(t, resident, http.MethodGet, "/wallet/transactions?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWalletPIN(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, "u1", "10")

	code, body := s.do(t, resident, http.MethodPost, "/wallet/pin", map[string]string{"pin": "12ab"})
	assert.Equal(t, http.StatusUnprocessableEntity, code, string(body))

	code, body = s.do(t, resident, http.MethodPost, "/wallet/pin", map[string]string{"pin": "1234"})
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = s.do(t, resident, http.MethodPost, "/wallet/pin/verify", map[string]string{"pin": "1234"})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.True(t, decodeData[map[string]bool](t, body)["valid"])

	code, body = s.do(t, resident, http.MethodPost, "/wallet/pin/verify", map[string]string{"pin": "9999"})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.False(t, decodeData[map[string]bool](t, body)["valid"])
}

func TestDepositAndWebhookSettlement(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, resident, http.MethodPost, "/deposits", map[string]any{
		"amount": "100.00",
		"email":  "ada@example.com",
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	dep := decodeData[DepositResponse](t, body)
	require.NotEmpty(t, dep.Reference)
	assert.NotEmpty(t, dep.AuthorizationURL)
	assert.Equal(t, domain.TransactionPending, dep.Transaction.Status)

	headers, payload := s.gateway.Sign(gatewaytest.Webhook{Event: "charge", Reference: dep.Reference, Status: "success", Amount: "100.00"})
	bad := headers.Clone()
	bad.Set(gatewaytest.SignatureHeader, "forged")
	assert.Equal(t, http.StatusUnauthorized, s.webhook(t, "paystack", bad, payload))

	assert.Equal(t, http.StatusOK, s.webhook(t, "paystack", headers, payload))

	code, body = s.do(t, resident, http.MethodGet, "/transactions/"+dep.Transaction.TransactionID, nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, domain.TransactionCompleted, decodeData[domain.Transaction](t, body).Status)

	code, body = s.do(t, resident, http.MethodGet, "/wallet", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, money.MustParse("100"), decodeData[domain.BalanceSummary](t, body).Balance)

	code, _ = s.do(t, identity{tenant: "t1", user: "u2"}, http.MethodGet, "/transactions/"+dep.Transaction.TransactionID, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = s.do(t, resident, http.MethodGet, "/transactions/"+dep.Transaction.TransactionID+"/receipt", nil)
	assert.Equal(t, http.StatusOK, code, string(body))
}

func TestDepositDropsReservedMetadata(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, resident, http.MethodPost, "/deposits", map[string]any{
		"amount": "500.00",
		"email":  "ada@example.com",
		"metadata": map[string]string{
			"bill_id":              "someone-elses-bill",
			"recurring_payment_id": "made-up",
			"channel":              "mobile",
		},
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	dep := decodeData[DepositResponse](t, body)
	assert.Equal(t, domain.Metadata{"channel": "mobile"}, dep.Transaction.Metadata)

	headers, payload := s.gateway.Sign(gatewaytest.Webhook{Event: "charge", Reference: dep.Reference, Status: "success", Amount: "500.00"})
	require.Equal(t, http.StatusOK, s.webhook(t, "paystack", headers, payload))

	code, body = s.do(t, resident, http.MethodGet, "/wallet", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, money.MustParse("500"), decodeData[domain.BalanceSummary](t, body).Balance)
}

func (s *testServer) webhook(t *testing.T, provider string, headers http.Header, body []byte) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/webhooks/"+provider, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestWebhookAcknowledgesUnsettleableCallbacks(t *testing.T) {
	s := newTestServer(t)

	headers, payload := s.gateway.Sign(gatewaytest.Webhook{Event: "charge", Reference: "unknown-ref", Status: "success"})
	assert.Equal(t, http.StatusOK, s.webhook(t, "paystack", headers, payload))

	headers, payload = s.gateway.Sign(gatewaytest.Webhook{Event: "transfer", Reference: "x"})
	assert.Equal(t, http.StatusOK, s.webhook(t, "paystack", headers, payload))

	assert.Equal(t, http.StatusNotFound, s.webhook(t, "cash", headers, payload))
}

func TestDepositGatewayFailure(t *testing.T) {
	s := newTestServer(t)
	s.gateway.FailInitialize("upstream down")

	code, body := s.do(t, resident, http.MethodPost, "/deposits", map[string]any{
		"amount": "50.00",
		"email":  "ada@example.com",
	})
	assert.Equal(t, http.StatusBadGateway, code, string(body))
	assert.Equal(t, "GATEWAY_ERROR", errorCode(t, body))

	code, body = s.do(t, resident, http.MethodPost, "/deposits", map[string]any{"amount": 50})
	assert.Equal(t, http.StatusBadRequest, code, string(body))
}

func TestPayBillFromWallet(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, "u1", "60")
	b := s.createBill(t, "u1", "100.00")

	code, body := s.do(t, resident, http.MethodPost, "/bills/"+b.ID+"/pay", map[string]any{
		"payment_method": "wallet",
	})
	assert.Equal(t, http.StatusConflict, code, "payment needs an acknowledgement")

	s.acknowledge(t, b.ID)
	code, body = s.do(t, resident, http.MethodPost, "/bills/"+b.ID+"/pay", map[string]any{
		"payment_method": "wallet",
	})
	assert.Equal(t, http.StatusPaymentRequired, code, string(body))
	assert.Equal(t, "INSUFFICIENT_FUNDS", errorCode(t, body))

	code, body = s.do(t, resident, http.MethodPost, "/bills/"+b.ID+"/pay", map[string]any{
		"payment_method": "wallet",
		"amount":         "40.00",
	})
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = s.do(t, resident, http.MethodGet, "/bills/"+b.ID, nil)
	require.Equal(t, http.StatusOK, code, string(body))
	got := decodeData[domain.Bill](t, body)
	assert.Equal(t, domain.BillPartiallyPaid, got.Status)
	assert.Equal(t, money.MustParse("40"), got.PaidAmount)

	code, body = s.do(t, identity{tenant: "t1", user: "u2"}, http.MethodGet, "/bills/"+b.ID, nil)
	assert.Equal(t, http.StatusNotFound, code, string(body))

	code, body = s.do(t, resident, http.MethodGet, "/bills?status=partially_paid", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Len(t, decodeData[[]domain.Bill](t, body), 1)
}

func TestPayBillDirect(t *testing.T) {
	s := newTestServer(t)
	b := s.createBill(t, "u1", "75.00")
	s.acknowledge(t, b.ID)

	code, body := s.do(t, resident, http.MethodPost, "/bills/"+b.ID+"/pay", map[string]any{
		"payment_method": "direct",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code, string(body))

	code, body = s.do(t, resident, http.MethodPost, "/bills/"+b.ID+"/pay", map[string]any{
		"payment_method": "direct",
		"email":          "ada@example.com",
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	dep := decodeData[DepositResponse](t, body)
	require.Len(t, s.gateway.Initialized(), 1)
	assert.Equal(t, money.MustParse("75"), s.gateway.Initialized()[0].Amount)

	headers, payload := s.gateway.Sign(gatewaytest.Webhook{Event: "charge", Reference: dep.Reference, Status: "success", Amount: "75.00"})
	require.Equal(t, http.StatusOK, s.webhook(t, "paystack", headers, payload))

	code, body = s.do(t, resident, http.MethodGet, "/bills/"+b.ID, nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, domain.BillPaid, decodeData[domain.Bill](t, body).Status)
}

func TestBillLifecycleEndpoints(t *testing.T) {
	s := newTestServer(t)
	b := s.createBill(t, "u1", "20.00")

	code, body := s.do(t, resident, http.MethodPost, "/bills/"+b.ID+"/dispute", map[string]string{})
	assert.Equal(t, http.StatusUnprocessableEntity, code, string(body))

	code, body = s.do(t, resident, http.MethodPost, "/bills/"+b.ID+"/dispute", map[string]string{"reason": "meter misread"})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, domain.BillDisputed, decodeData[struct {
		Bill domain.Bill `json:"bill"`
	}](t, body).Bill.Status)

	code, body = s.do(t, operator, http.MethodPost, "/admin/bills/"+b.ID+"/status", map[string]string{"status": "paid"})
	assert.Equal(t, http.StatusUnprocessableEntity, code, string(body))

	code, body = s.do(t, operator, http.MethodPost, "/admin/bills/"+b.ID+"/status", map[string]string{"status": "cancelled"})
	require.Equal(t, http.StatusOK, code, string(body))

	s.fund(t, "u1", "50")
	code, body = s.do(t, resident, http.MethodPost, "/bills/"+b.ID+"/pay", map[string]any{"payment_method": "wallet"})
	assert.Equal(t, http.StatusConflict, code, string(body))
	assert.Equal(t, "NOT_PAYABLE", errorCode(t, body))
}

func TestCreateUserAndBulkBills(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, resident, http.MethodPost, "/bills/user", map[string]any{
		"title":    "Electricity token",
		"type":     "electricity",
		"amount":   "30.00",
		"due_date": testNow.Add(48 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	assert.Equal(t, domain.BillAcknowledged, decodeData[domain.Bill](t, body).Status)

	code, body = s.do(t, operator, http.MethodPost, "/admin/bills/bulk", map[string]any{
		"bills": []map[string]any{
			{"user_id": "u1", "title": "Security", "type": "security", "amount": "15.00", "due_date": testNow.Add(72 * time.Hour)},
			{"user_id": "u2", "title": "Security", "type": "security", "amount": "0.00", "due_date": testNow.Add(72 * time.Hour)},
		},
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	result := decodeData[billing.BulkResult](t, body)
	assert.Len(t, result.Created, 1)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, 1, result.Failed[0].Index)

	code, body = s.do(t, resident, http.MethodGet, "/bills/summary", nil)
	assert.Equal(t, http.StatusOK, code, string(body))
}

func TestRecurringEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, "u1", "100")

	code, body := s.do(t, resident, http.MethodPost, "/recurring", map[string]any{
		"title":     "Internet",
		"amount":    "10.00",
		"frequency": "fortnightly",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code, string(body))

	code, body = s.do(t, resident, http.MethodPost, "/recurring", map[string]any{
		"title":     "Internet",
		"amount":    "10.00",
		"frequency": "monthly",
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	sched := decodeData[domain.RecurringPayment](t, body)
	assert.Equal(t, domain.RecurringActive, sched.Status)

	code, body = s.do(t, resident, http.MethodPatch, "/recurring/"+sched.ID, map[string]any{"amount": "12.50"})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, money.MustParse("12.50"), decodeData[domain.RecurringPayment](t, body).Amount)

	code, body = s.do(t, resident, http.MethodPost, "/recurring/"+sched.ID+"/pause", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, domain.RecurringPaused, decodeData[struct {
		Recurring domain.RecurringPayment `json:"recurring_payment"`
	}](t, body).Recurring.Status)

	code, _ = s.do(t, identity{tenant: "t1", user: "u2"}, http.MethodPost, "/recurring/"+sched.ID+"/resume", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = s.do(t, resident, http.MethodPost, "/recurring/"+sched.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, code, string(body))

	code, body = s.do(t, resident, http.MethodPatch, "/recurring/"+sched.ID, map[string]any{"amount": "5.00"})
	assert.Equal(t, http.StatusConflict, code, string(body))

	code, body = s.do(t, resident, http.MethodGet, "/recurring?status=cancelled", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Len(t, decodeData[[]domain.RecurringPayment](t, body), 1)

	code, body = s.do(t, resident, http.MethodGet, "/recurring/summary", nil)
	assert.Equal(t, http.StatusOK, code, string(body))
}

func TestClusterWalletEndpoints(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, operator, http.MethodGet, "/admin/cluster-wallet", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, clusterwallet.StatusNotCreated, decodeData[domain.BalanceSummary](t, body).Status)

	code, body = s.do(t, operator, http.MethodPost, "/admin/cluster-wallet/credit", map[string]any{"amount": "500.00"})
	require.Equal(t, http.StatusCreated, code, string(body))

	code, body = s.do(t, operator, http.MethodPost, "/admin/cluster-wallet/transfer", map[string]any{
		"amount":            "600.00",
		"recipient_account": "0123456789",
	})
	assert.Equal(t, http.StatusPaymentRequired, code, string(body))

	code, body = s.do(t, operator, http.MethodPost, "/admin/cluster-wallet/transfer", map[string]any{
		"amount":            "200.00",
		"recipient_account": "0123456789",
	})
	require.Equal(t, http.StatusCreated, code, string(body))

	code, body = s.do(t, operator, http.MethodGet, "/admin/cluster-wallet/analytics", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	analytics := decodeData[clusterwallet.Analytics](t, body)
	assert.Equal(t, money.MustParse("300"), analytics.Balance)
	assert.Equal(t, money.MustParse("500"), analytics.TotalDeposits)
	assert.Equal(t, money.MustParse("200"), analytics.TotalWithdrawals)

	code, body = s.do(t, operator, http.MethodGet, "/admin/cluster-wallet/transactions", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Len(t, decodeData[[]domain.Transaction](t, body), 2)

	code, _ = s.do(t, operator, http.MethodGet, "/admin/cluster-wallet/revenue?days=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestFreezeFunds(t *testing.T) {
	s := newTestServer(t)
	s.fund(t, "u1", "80")

	code, body := s.do(t, operator, http.MethodPost, "/admin/wallets/u1/holds", map[string]any{"amount": "30.00", "reason": "dispute"})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, money.MustParse("50"), decodeData[domain.BalanceSummary](t, body).AvailableBalance)

	code, body = s.do(t, operator, http.MethodDelete, "/admin/wallets/u1/holds", map[string]any{"amount": "30.00"})
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Equal(t, money.MustParse("80"), decodeData[domain.BalanceSummary](t, body).AvailableBalance)

	code, body = s.do(t, operator, http.MethodPost, "/admin/wallets/u1/status", map[string]any{"status": "suspended"})
	require.Equal(t, http.StatusOK, code, string(body))
}
