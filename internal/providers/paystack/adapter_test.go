package paystack

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estateledger/internal/common/money"
	"estateledger/internal/gateway"
	"estateledger/internal/ledger/domain"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewAdapter(Config{SecretKey: "sk_test", BaseURL: srv.URL}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestInitializeSendsSubunitAmount(t *testing.T) {
	var got map[string]any
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/initialize", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"status":true,"message":"ok","data":{"authorization_url":"https://checkout.paystack.com/abc","access_code":"abc","reference":"TXN-1"}}`))
	})

	checkout, err := a.Initialize(context.Background(), gateway.InitializeRequest{
		Reference: "TXN-1",
		Amount:    money.MustParse("1500.50"),
		Currency:  money.NGN,
		Email:     "ada@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.paystack.com/abc", checkout.AuthorizationURL)
	assert.Equal(t, "TXN-1", checkout.Reference)
	assert.EqualValues(t, 150050, got["amount"])
	assert.Equal(t, "TXN-1", got["reference"])
}

func TestInitializeMapsHTTPErrors(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":false,"message":"Invalid key"}`))
	})

	_, err := a.Initialize(context.Background(), gateway.InitializeRequest{Reference: "TXN-1", Amount: 100, Currency: money.NGN})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGateway)

	var gerr *gateway.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, http.StatusBadRequest, gerr.StatusCode)
	assert.Equal(t, "Invalid key", gerr.Message)
}

func TestVerifyMapsStatus(t *testing.T) {
	tests := []struct {
		status string
		want   gateway.Status
	}{
		{"success", gateway.StatusSuccess},
		{"failed", gateway.StatusFailed},
		{"abandoned", gateway.StatusFailed},
		{"ongoing", gateway.StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/transaction/verify/TXN-9", r.URL.Path)
				w.Write([]byte(`{"status":true,"data":{"id":77,"status":"` + tt.status + `","reference":"TXN-9","amount":250000,"currency":"NGN"}}`))
			})
			v, err := a.Verify(context.Background(), "TXN-9")
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Status)
			assert.Equal(t, money.MustParse("2500.00"), v.Amount)
			assert.Equal(t, "77", v.ProviderID)
		})
	}
}

func TestVerifyWebhook(t *testing.T) {
	a := NewAdapter(Config{SecretKey: "sk_test"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	body := []byte(`{"event":"charge.success","data":{"id":5,"status":"success","reference":"TXN-5","amount":10000,"currency":"NGN"}}`)

	h := http.Header{}
	h.Set(SignatureHeader, Sign("sk_test", body))
	evt, err := a.VerifyWebhook(h, body)
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusSuccess, evt.Status)
	assert.Equal(t, "TXN-5", evt.Reference)
	assert.Equal(t, money.MustParse("100.00"), evt.Amount)

	h.Set(SignatureHeader, Sign("other", body))
	_, err = a.VerifyWebhook(h, body)
	assert.ErrorIs(t, err, gateway.ErrInvalidSignature)

	_, err = a.VerifyWebhook(http.Header{}, body)
	assert.ErrorIs(t, err, gateway.ErrInvalidSignature)

	transfer := []byte(`{"event":"transfer.success","data":{}}`)
	h.Set(SignatureHeader, Sign("sk_test", transfer))
	_, err = a.VerifyWebhook(h, transfer)
	assert.ErrorIs(t, err, gateway.ErrIgnoredEvent)
}
