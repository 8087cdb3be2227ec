// Package paystack implements the Paystack hosted-checkout gateway.
package paystack

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"estateledger/internal/common/money"
	"estateledger/internal/gateway"
	"estateledger/internal/ledger/domain"
)

// SignatureHeader carries the hex HMAC-SHA512 of the webhook body.
const SignatureHeader = "X-Paystack-Signature"

// Config holds Paystack adapter configuration.
type Config struct {
	SecretKey string        `envconfig:"PAYSTACK_SECRET_KEY"`
	BaseURL   string        `envconfig:"PAYSTACK_BASE_URL" default:"https://api.paystack.co"`
	Timeout   time.Duration `envconfig:"PAYSTACK_TIMEOUT" default:"30s"`
}

// Enabled reports whether a secret key is configured.
func (c Config) Enabled() bool {
	return c.SecretKey != ""
}

// Adapter implements gateway.Adapter for Paystack.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter creates a new Paystack adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

func (a *Adapter) Provider() domain.Provider { return domain.ProviderPaystack }

// envelope is the shape of every Paystack API response.
type envelope[T any] struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type initializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

// chargeData is shared by the verify endpoint and charge webhooks.
type chargeData struct {
	ID              int64  `json:"id"`
	Status          string `json:"status"`
	Reference       string `json:"reference"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	GatewayResponse string `json:"gateway_response"`
}

// Initialize opens a checkout. Paystack takes amounts in the currency's subunit.
func (a *Adapter) Initialize(ctx context.Context, req gateway.InitializeRequest) (*gateway.Initialization, error) {
	body := map[string]any{
		"email":     req.Email,
		"amount":    req.Amount.Minor(),
		"currency":  string(req.Currency),
		"reference": req.Reference,
	}
	if req.CallbackURL != "" {
		body["callback_url"] = req.CallbackURL
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	var resp envelope[initializeData]
	err := gateway.DoJSON(ctx, a.httpClient, gateway.JSONCall{
		Provider: domain.ProviderPaystack,
		Op:       "initialize",
		Method:   http.MethodPost,
		URL:      a.config.BaseURL + "/transaction/initialize",
		Bearer:   a.config.SecretKey,
		Body:     body,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Status || resp.Data.AuthorizationURL == "" {
		return nil, &gateway.Error{Provider: domain.ProviderPaystack, Op: "initialize", Message: resp.Message}
	}

	a.logger.Info("paystack checkout initialized", "reference", resp.Data.Reference)
	return &gateway.Initialization{
		AuthorizationURL: resp.Data.AuthorizationURL,
		Reference:        resp.Data.Reference,
		AccessCode:       resp.Data.AccessCode,
	}, nil
}

// Verify fetches the charge for reference.
func (a *Adapter) Verify(ctx context.Context, reference string) (*gateway.Verification, error) {
	var resp envelope[chargeData]
	err := gateway.DoJSON(ctx, a.httpClient, gateway.JSONCall{
		Provider: domain.ProviderPaystack,
		Op:       "verify",
		Method:   http.MethodGet,
		URL:      a.config.BaseURL + "/transaction/verify/" + url.PathEscape(reference),
		Bearer:   a.config.SecretKey,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, &gateway.Error{Provider: domain.ProviderPaystack, Op: "verify", Message: resp.Message}
	}
	return &gateway.Verification{
		Reference:  resp.Data.Reference,
		Status:     chargeStatus(resp.Data.Status),
		Amount:     money.Amount(resp.Data.Amount),
		Currency:   money.Currency(resp.Data.Currency),
		ProviderID: strconv.FormatInt(resp.Data.ID, 10),
		Reason:     resp.Data.GatewayResponse,
	}, nil
}

// Sign returns the signature Paystack sends for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks the HMAC signature and decodes charge events.
func (a *Adapter) VerifyWebhook(headers http.Header, body []byte) (*gateway.WebhookEvent, error) {
	sig := strings.ToLower(strings.TrimSpace(headers.Get(SignatureHeader)))
	if sig == "" || a.config.SecretKey == "" {
		return nil, gateway.ErrInvalidSignature
	}
	if !hmac.Equal([]byte(sig), []byte(Sign(a.config.SecretKey, body))) {
		return nil, gateway.ErrInvalidSignature
	}

	var payload struct {
		Event string     `json:"event"`
		Data  chargeData `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, domain.Validationf("invalid paystack payload: %v", err)
	}

	var status gateway.Status
	switch payload.Event {
	case "charge.success":
		status = gateway.StatusSuccess
	case "charge.failed":
		status = gateway.StatusFailed
	default:
		return nil, gateway.ErrIgnoredEvent
	}

	return &gateway.WebhookEvent{
		Provider:   domain.ProviderPaystack,
		Type:       payload.Event,
		Reference:  payload.Data.Reference,
		Status:     status,
		Amount:     money.Amount(payload.Data.Amount),
		Currency:   money.Currency(payload.Data.Currency),
		ProviderID: strconv.FormatInt(payload.Data.ID, 10),
		Reason:     payload.Data.GatewayResponse,
	}, nil
}

func chargeStatus(s string) gateway.Status {
	switch s {
	case "success":
		return gateway.StatusSuccess
	case "failed", "abandoned", "reversed":
		return gateway.StatusFailed
	default:
		return gateway.StatusPending
	}
}
