// Package gatewaytest provides an in-memory gateway adapter for tests.
package gatewaytest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"estateledger/internal/common/money"
	"estateledger/internal/gateway"
	"estateledger/internal/ledger/domain"
)

// SignatureHeader carries the shared secret on fake webhooks.
const SignatureHeader = "X-Fake-Signature"

// Fake records initializations and serves scripted verifications.
type Fake struct {
	mu            sync.Mutex
	provider      domain.Provider
	secret        string
	initErr       error
	verifyErr     error
	verifications map[string]*gateway.Verification
	initialized   []gateway.InitializeRequest
}

// New creates a fake for provider p accepting webhooks signed with secret.
func New(p domain.Provider, secret string) *Fake {
	return &Fake{provider: p, secret: secret, verifications: map[string]*gateway.Verification{}}
}

func (f *Fake) Provider() domain.Provider { return f.provider }

// FailInitialize makes the next Initialize calls fail with a gateway error; nil restores success.
func (f *Fake) FailInitialize(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg == "" {
		f.initErr = nil
		return
	}
	f.initErr = &gateway.Error{Provider: f.provider, Op: "initialize", StatusCode: http.StatusBadGateway, Message: msg}
}

// FailVerify makes Verify calls fail; an empty msg restores success.
func (f *Fake) FailVerify(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg == "" {
		f.verifyErr = nil
		return
	}
	f.verifyErr = &gateway.Error{Provider: f.provider, Op: "verify", Message: msg}
}

// SetVerification scripts the result of Verify for reference.
func (f *Fake) SetVerification(reference string, status gateway.Status, amount money.Amount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifications[reference] = &gateway.Verification{
		Reference:  reference,
		Status:     status,
		Amount:     amount,
		ProviderID: "fake-" + reference,
	}
}

// Initialized returns the requests seen so far.
func (f *Fake) Initialized() []gateway.InitializeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gateway.InitializeRequest(nil), f.initialized...)
}

func (f *Fake) Initialize(_ context.Context, req gateway.InitializeRequest) (*gateway.Initialization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	f.initialized = append(f.initialized, req)
	return &gateway.Initialization{
		AuthorizationURL: "https://checkout.example/" + req.Reference,
		Reference:        req.Reference,
		AccessCode:       "code-" + req.Reference,
	}, nil
}

func (f *Fake) Verify(_ context.Context, reference string) (*gateway.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	v, ok := f.verifications[reference]
	if !ok {
		return &gateway.Verification{Reference: reference, Status: gateway.StatusPending}, nil
	}
	cp := *v
	return &cp, nil
}

// Webhook is the body accepted by VerifyWebhook.
type Webhook struct {
	Event     string `json:"event"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Amount    string `json:"amount"`
	Reason    string `json:"reason,omitempty"`
}

// Sign builds headers and body for a fake webhook.
func (f *Fake) Sign(w Webhook) (http.Header, []byte) {
	body, _ := json.Marshal(w)
	h := http.Header{}
	h.Set(SignatureHeader, f.secret)
	return h, body
}

func (f *Fake) VerifyWebhook(headers http.Header, body []byte) (*gateway.WebhookEvent, error) {
	if headers.Get(SignatureHeader) != f.secret {
		return nil, gateway.ErrInvalidSignature
	}
	var w Webhook
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, domain.Validationf("invalid webhook payload: %v", err)
	}
	if w.Event != "charge" {
		return nil, gateway.ErrIgnoredEvent
	}
	evt := &gateway.WebhookEvent{
		Provider:  f.provider,
		Type:      w.Event,
		Reference: w.Reference,
		Status:    gateway.Status(w.Status),
		Reason:    w.Reason,
	}
	if w.Amount != "" {
		amount, err := money.ParseAmount(w.Amount)
		if err != nil {
			return nil, domain.Validationf("invalid webhook amount: %v", err)
		}
		evt.Amount = amount
	}
	return evt, nil
}
