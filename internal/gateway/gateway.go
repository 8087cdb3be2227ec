// Package gateway defines the contract every payment gateway adapter implements
// and the registry that picks an adapter by provider.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"estateledger/internal/common/money"
	"estateledger/internal/ledger/domain"
)

// Status is the provider-neutral outcome of a charge.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

// InitializeRequest starts a hosted checkout. Reference is our transaction id
// and is echoed back by the provider on verification and webhooks.
type InitializeRequest struct {
	Reference   string
	Amount      money.Amount
	Currency    money.Currency
	Email       string
	Name        string
	Phone       string
	CallbackURL string
	Metadata    map[string]string
}

// Initialization is what the customer needs to complete the checkout.
type Initialization struct {
	AuthorizationURL string `json:"authorization_url"`
	Reference        string `json:"reference"`
	AccessCode       string `json:"access_code,omitempty"`
}

// Verification is the provider's current view of a charge.
type Verification struct {
	Reference  string
	Status     Status
	Amount     money.Amount
	Currency   money.Currency
	ProviderID string
	Reason     string
}

// WebhookEvent is a signature-verified provider callback.
type WebhookEvent struct {
	Provider   domain.Provider
	Type       string
	Reference  string
	Status     Status
	Amount     money.Amount
	Currency   money.Currency
	ProviderID string
	Reason     string
}

// Adapter talks to one payment provider.
type Adapter interface {
	Provider() domain.Provider
	Initialize(ctx context.Context, req InitializeRequest) (*Initialization, error)
	Verify(ctx context.Context, reference string) (*Verification, error)
	// VerifyWebhook authenticates a raw callback and decodes it. Events that do
	// not settle a charge return ErrIgnoredEvent.
	VerifyWebhook(headers http.Header, body []byte) (*WebhookEvent, error)
}

var (
	// ErrInvalidSignature means a webhook failed authentication.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrIgnoredEvent means a webhook was authentic but carries nothing to settle.
	ErrIgnoredEvent = errors.New("webhook event ignored")
)

// Error is a failed call to a provider. It matches domain.ErrGateway.
type Error struct {
	Provider   domain.Provider
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Provider, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status=%d", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, domain.ErrGateway) match.
func (e *Error) Is(target error) bool {
	return target == domain.ErrGateway
}

// Registry resolves adapters by provider.
type Registry struct {
	adapters map[domain.Provider]Adapter
	fallback domain.Provider
}

// NewRegistry creates a registry. fallback is used when a caller names no provider.
func NewRegistry(fallback domain.Provider, adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[domain.Provider]Adapter, len(adapters)), fallback: fallback}
	for _, a := range adapters {
		r.adapters[a.Provider()] = a
	}
	return r
}

// Get returns the adapter for p, or the default adapter when p is empty.
func (r *Registry) Get(p domain.Provider) (Adapter, error) {
	if p == "" {
		p = r.fallback
	}
	if !p.IsGateway() {
		return nil, domain.Validationf("%q is not a payment gateway", p)
	}
	a, ok := r.adapters[p]
	if !ok {
		return nil, domain.Validationf("payment gateway %q is not configured", p)
	}
	return a, nil
}

// Default returns the provider used when none is named.
func (r *Registry) Default() domain.Provider {
	return r.fallback
}

// Providers lists the configured providers in name order.
func (r *Registry) Providers() []domain.Provider {
	out := make([]domain.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
