package gateway_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estateledger/internal/gateway"
	"estateledger/internal/gateway/gatewaytest"
	"estateledger/internal/ledger/domain"
)

func TestRegistryResolvesByProvider(t *testing.T) {
	ps := gatewaytest.New(domain.ProviderPaystack, "s")
	fw := gatewaytest.New(domain.ProviderFlutterwave, "s")
	r := gateway.NewRegistry(domain.ProviderPaystack, ps, fw)

	a, err := r.Get(domain.ProviderFlutterwave)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderFlutterwave, a.Provider())

	a, err = r.Get("")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderPaystack, a.Provider())

	_, err = r.Get(domain.ProviderMidtrans)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = r.Get(domain.ProviderCash)
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.Equal(t, []domain.Provider{domain.ProviderFlutterwave, domain.ProviderPaystack}, r.Providers())
}

func TestErrorMatchesGatewaySentinel(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("initializing: %w", &gateway.Error{
		Provider:   domain.ProviderPaystack,
		Op:         "initialize",
		StatusCode: 503,
		Err:        cause,
	})

	assert.ErrorIs(t, err, domain.ErrGateway)
	assert.ErrorIs(t, err, cause)

	var gerr *gateway.Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, 503, gerr.StatusCode)
	assert.Contains(t, err.Error(), "paystack initialize failed: status=503")
}
