package midtrans

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"

	mt "github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estateledger/internal/common/money"
	"estateledger/internal/gateway"
	"estateledger/internal/ledger/domain"
)

type fakeSnap struct {
	req  *snap.Request
	resp *snap.Response
	err  *mt.Error
}

func (f *fakeSnap) CreateTransaction(req *snap.Request) (*snap.Response, *mt.Error) {
	f.req = req
	return f.resp, f.err
}

type fakeCore struct {
	resp *coreapi.TransactionStatusResponse
	err  *mt.Error
}

func (f *fakeCore) CheckTransaction(string) (*coreapi.TransactionStatusResponse, *mt.Error) {
	return f.resp, f.err
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestInitializeBuildsSnapRequest(t *testing.T) {
	s := &fakeSnap{resp: &snap.Response{Token: "tok", RedirectURL: "https://app.sandbox.midtrans.com/snap/v2/vtweb/tok"}}
	a := newAdapter(Config{ServerKey: "SB-key"}, s, &fakeCore{}, discard())

	checkout, err := a.Initialize(context.Background(), gateway.InitializeRequest{
		Reference:   "TXN-7",
		Amount:      money.MustParse("150000.00"),
		Currency:    money.IDR,
		Email:       "budi@example.com",
		CallbackURL: "https://app.example/finish",
	})
	require.NoError(t, err)
	assert.Equal(t, "tok", checkout.AccessCode)
	assert.Equal(t, "TXN-7", s.req.TransactionDetails.OrderID)
	assert.EqualValues(t, 150000, s.req.TransactionDetails.GrossAmt)
	assert.Equal(t, "https://app.example/finish", s.req.Callbacks.Finish)
}

func TestInitializeRejectsFractionalAmounts(t *testing.T) {
	a := newAdapter(Config{ServerKey: "k"}, &fakeSnap{}, &fakeCore{}, discard())
	_, err := a.Initialize(context.Background(), gateway.InitializeRequest{Reference: "r", Amount: money.MustParse("10.50")})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestInitializeMapsSDKError(t *testing.T) {
	s := &fakeSnap{err: &mt.Error{StatusCode: 401, Message: "unauthorized"}}
	a := newAdapter(Config{ServerKey: "k"}, s, &fakeCore{}, discard())

	_, err := a.Initialize(context.Background(), gateway.InitializeRequest{Reference: "r", Amount: money.MustParse("1000")})
	assert.ErrorIs(t, err, domain.ErrGateway)
	var gerr *gateway.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, 401, gerr.StatusCode)
}

func TestVerify(t *testing.T) {
	c := &fakeCore{resp: &coreapi.TransactionStatusResponse{
		OrderID:           "TXN-8",
		TransactionID:     "mt-1",
		TransactionStatus: "settlement",
		GrossAmount:       "50000.00",
		Currency:          "IDR",
	}}
	a := newAdapter(Config{ServerKey: "k"}, &fakeSnap{}, c, discard())

	v, err := a.Verify(context.Background(), "TXN-8")
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusSuccess, v.Status)
	assert.Equal(t, money.MustParse("50000.00"), v.Amount)

	c.resp, c.err = nil, &mt.Error{StatusCode: http.StatusNotFound, Message: "not found"}
	v, err = a.Verify(context.Background(), "TXN-8")
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusPending, v.Status)
}

func TestTransactionStatus(t *testing.T) {
	tests := []struct {
		status, fraud string
		want          gateway.Status
	}{
		{"settlement", "", gateway.StatusSuccess},
		{"capture", "accept", gateway.StatusSuccess},
		{"capture", "challenge", gateway.StatusPending},
		{"pending", "", gateway.StatusPending},
		{"expire", "", gateway.StatusFailed},
		{"deny", "", gateway.StatusFailed},
		{"cancel", "", gateway.StatusFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, transactionStatus(tt.status, tt.fraud), tt.status+"/"+tt.fraud)
	}
}

func TestVerifyWebhook(t *testing.T) {
	a := newAdapter(Config{ServerKey: "SB-key"}, &fakeSnap{}, &fakeCore{}, discard())
	sig := Signature("TXN-9", "200", "75000.00", "SB-key")
	body := []byte(`{"order_id":"TXN-9","status_code":"200","gross_amount":"75000.00","signature_key":"` + sig +
		`","transaction_status":"settlement","transaction_id":"mt-9","currency":"IDR"}`)

	evt, err := a.VerifyWebhook(nil, body)
	require.NoError(t, err)
	assert.Equal(t, "TXN-9", evt.Reference)
	assert.Equal(t, gateway.StatusSuccess, evt.Status)
	assert.Equal(t, money.MustParse("75000.00"), evt.Amount)

	forged := []byte(`{"order_id":"TXN-9","status_code":"200","gross_amount":"1.00","signature_key":"` + sig +
		`","transaction_status":"settlement"}`)
	_, err = a.VerifyWebhook(nil, forged)
	assert.ErrorIs(t, err, gateway.ErrInvalidSignature)

	pendingSig := Signature("TXN-9", "201", "75000.00", "SB-key")
	pending := []byte(`{"order_id":"TXN-9","status_code":"201","gross_amount":"75000.00","signature_key":"` + pendingSig +
		`","transaction_status":"pending"}`)
	_, err = a.VerifyWebhook(nil, pending)
	assert.ErrorIs(t, err, gateway.ErrIgnoredEvent)
}
