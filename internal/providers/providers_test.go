package providers

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estateledger/internal/ledger/domain"
	"estateledger/internal/providers/flutterwave"
	"estateledger/internal/providers/midtrans"
	"estateledger/internal/providers/paystack"
)

func TestNewRegistryEnablesConfiguredProviders(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r, err := NewRegistry(Config{
		DefaultProvider: "flutterwave",
		Paystack:        paystack.Config{SecretKey: "sk"},
		Flutterwave:     flutterwave.Config{SecretKey: "fk"},
		Midtrans:        midtrans.Config{},
	}, logger)
	require.NoError(t, err)
	assert.Equal(t, []domain.Provider{domain.ProviderFlutterwave, domain.ProviderPaystack}, r.Providers())
	assert.Equal(t, domain.ProviderFlutterwave, r.Default())

	_, err = r.Get(domain.ProviderMidtrans)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestNewRegistryRejectsUnknownDefault(t *testing.T) {
	_, err := NewRegistry(Config{DefaultProvider: "cash"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorIs(t, err, domain.ErrValidation)
}
