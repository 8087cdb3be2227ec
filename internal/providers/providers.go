// Package providers builds the gateway registry from configuration.
package providers

import (
	"log/slog"

	"estateledger/internal/gateway"
	"estateledger/internal/ledger/domain"
	"estateledger/internal/providers/flutterwave"
	"estateledger/internal/providers/midtrans"
	"estateledger/internal/providers/paystack"
)

// Config selects and configures the payment gateways. A provider is enabled
// when its secret is set.
type Config struct {
	DefaultProvider string `envconfig:"GATEWAY_DEFAULT_PROVIDER" default:"paystack"`
	Paystack        paystack.Config
	Flutterwave     flutterwave.Config
	Midtrans        midtrans.Config
}

// NewRegistry creates adapters for every enabled provider.
func NewRegistry(cfg Config, logger *slog.Logger) (*gateway.Registry, error) {
	fallback := domain.Provider(cfg.DefaultProvider)
	if !fallback.IsGateway() {
		return nil, domain.Validationf("GATEWAY_DEFAULT_PROVIDER %q is not a payment gateway", cfg.DefaultProvider)
	}

	var adapters []gateway.Adapter
	if cfg.Paystack.Enabled() {
		adapters = append(adapters, paystack.NewAdapter(cfg.Paystack, logger.With("provider", "paystack")))
	}
	if cfg.Flutterwave.Enabled() {
		adapters = append(adapters, flutterwave.NewAdapter(cfg.Flutterwave, logger.With("provider", "flutterwave")))
	}
	if cfg.Midtrans.Enabled() {
		adapters = append(adapters, midtrans.NewAdapter(cfg.Midtrans, logger.With("provider", "midtrans")))
	}

	r := gateway.NewRegistry(fallback, adapters...)
	logger.Info("payment gateways configured", "providers", r.Providers(), "default", r.Default())
	return r, nil
}
