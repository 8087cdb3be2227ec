package server

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/kelseyhightower/envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"estateledger/internal/common/events"
	"estateledger/internal/common/money"
	"estateledger/internal/providers"
	"estateledger/internal/recurring"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func memoryConfig() Config {
	return Config{
		Store:     StoreMemory,
		Gateways:  providers.Config{DefaultProvider: "paystack"},
		Recurring: recurring.Config{Workers: 2, BatchSize: 10, MaxFailedAttempts: 3},
	}
}

func TestNewWiresMemoryApp(t *testing.T) {
	app, err := New(context.Background(), memoryConfig(), discard)
	require.NoError(t, err)
	defer app.Close()

	assert.Nil(t, app.DB)
	assert.Nil(t, app.Redis)
	assert.Nil(t, app.Relay)
	assert.IsType(t, events.NopPublisher{}, app.Publisher)
	require.NoError(t, app.HealthCheck(context.Background()))

	summary, err := app.Wallets.Balance(context.Background(), "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), summary.Balance)
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store", func(c *Config) { c.Store = "sqlite" }},
		{"postgres without url", func(c *Config) { c.Store = StorePostgres }},
		{"async callbacks without nats", func(c *Config) { c.AsyncCallbacks = true }},
		{"default provider not a gateway", func(c *Config) { c.Gateways.DefaultProvider = "cash" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := memoryConfig()
			tt.mutate(&cfg)
			_, err := New(context.Background(), cfg, discard)
			assert.Error(t, err)
		})
	}
}

func TestConfigFromEnvironment(t *testing.T) {
	t.Setenv("LEDGER_STORE", "memory")
	t.Setenv("DATABASE_URL", "postgres://ledger@db/ledger")
	t.Setenv("PAYSTACK_SECRET_KEY", "sk_test")
	t.Setenv("RECURRING_MAX_FAILED_ATTEMPTS", "5")

	var cfg Config
	require.NoError(t, envconfig.Process("", &cfg))
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, "postgres://ledger@db/ledger", cfg.Database.URL)
	assert.Equal(t, "sk_test", cfg.Gateways.Paystack.SecretKey)
	assert.Equal(t, 5, cfg.Recurring.MaxFailedAttempts)
	assert.Equal(t, "paystack", cfg.Gateways.DefaultProvider)
}
