package flutterwave

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

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestInitializeReturnsLink(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments", r.URL.Path)
		assert.Equal(t, "Bearer FLWSECK_TEST", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"status":"success","message":"Hosted Link","data":{"link":"https://checkout.flutterwave.com/v3/hosted/pay/xyz"}}`))
	}))
	defer srv.Close()

	a := NewAdapter(Config{SecretKey: "FLWSECK_TEST", BaseURL: srv.URL}, discard())
	checkout, err := a.Initialize(context.Background(), gateway.InitializeRequest{
		Reference:   "TXN-2",
		Amount:      money.MustParse("2000.00"),
		Currency:    money.NGN,
		Email:       "ada@example.com",
		CallbackURL: "https://app.example/return",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.flutterwave.com/v3/hosted/pay/xyz", checkout.AuthorizationURL)
	assert.Equal(t, "TXN-2", checkout.Reference)
	assert.Equal(t, "2000.00", got["amount"])
	assert.Equal(t, "TXN-2", got["tx_ref"])
}

func TestVerifyByReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transactions/verify_by_reference", r.URL.Path)
		assert.Equal(t, "TXN-3", r.URL.Query().Get("tx_ref"))
		w.Write([]byte(`{"status":"success","data":{"id":991,"tx_ref":"TXN-3","status":"successful","amount":1250.5,"currency":"NGN"}}`))
	}))
	defer srv.Close()

	a := NewAdapter(Config{SecretKey: "k", BaseURL: srv.URL}, discard())
	v, err := a.Verify(context.Background(), "TXN-3")
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusSuccess, v.Status)
	assert.Equal(t, money.MustParse("1250.50"), v.Amount)
	assert.Equal(t, "991", v.ProviderID)
}

func TestVerifyServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := NewAdapter(Config{SecretKey: "k", BaseURL: srv.URL}, discard())
	_, err := a.Verify(context.Background(), "TXN-3")
	assert.ErrorIs(t, err, domain.ErrGateway)
}

func TestVerifyWebhook(t *testing.T) {
	a := NewAdapter(Config{WebhookHash: "my-hash"}, discard())
	body := []byte(`{"event":"charge.completed","data":{"id":1,"tx_ref":"TXN-4","status":"successful","amount":500,"currency":"NGN"}}`)

	tests := []struct {
		name string
		sig  string
		err  error
	}{
		{"secret hash", "my-hash", nil},
		{"legacy sha256", LegacySignature("my-hash", body), nil},
		{"wrong hash", "nope", gateway.ErrInvalidSignature},
		{"missing", "", gateway.ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			h.Set(HashHeader, tt.sig)
			evt, err := a.VerifyWebhook(h, body)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "TXN-4", evt.Reference)
			assert.Equal(t, gateway.StatusSuccess, evt.Status)
			assert.Equal(t, money.MustParse("500.00"), evt.Amount)
		})
	}

	failed := []byte(`{"event":"charge.completed","data":{"tx_ref":"TXN-5","status":"failed","amount":500}}`)
	h := http.Header{}
	h.Set(HashHeader, "my-hash")
	evt, err := a.VerifyWebhook(h, failed)
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusFailed, evt.Status)

	other := []byte(`{"event":"transfer.completed","data":{}}`)
	_, err = a.VerifyWebhook(h, other)
	assert.ErrorIs(t, err, gateway.ErrIgnoredEvent)
}
