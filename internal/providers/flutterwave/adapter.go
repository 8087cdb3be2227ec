// Package flutterwave implements the Flutterwave Standard checkout gateway.
package flutterwave

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"estateledger/internal/common/money"
	"estateledger/internal/gateway"
	"estateledger/internal/ledger/domain"
)

// HashHeader carries the webhook secret hash configured on the dashboard.
const HashHeader = "Verif-Hash"

// Config holds Flutterwave adapter configuration.
type Config struct {
	SecretKey   string        `envconfig:"FLUTTERWAVE_SECRET_KEY"`
	WebhookHash string        `envconfig:"FLUTTERWAVE_WEBHOOK_HASH"`
	BaseURL     string        `envconfig:"FLUTTERWAVE_BASE_URL" default:"https://api.flutterwave.com/v3"`
	Title       string        `envconfig:"FLUTTERWAVE_CHECKOUT_TITLE" default:"Estate payment"`
	Timeout     time.Duration `envconfig:"FLUTTERWAVE_TIMEOUT" default:"30s"`
}

// Enabled reports whether a secret key is configured.
func (c Config) Enabled() bool {
	return c.SecretKey != ""
}

// Adapter implements gateway.Adapter for Flutterwave.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter creates a new Flutterwave adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

func (a *Adapter) Provider() domain.Provider { return domain.ProviderFlutterwave }

type envelope[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

type chargeData struct {
	ID                int64       `json:"id"`
	TxRef             string      `json:"tx_ref"`
	Status            string      `json:"status"`
	Amount            json.Number `json:"amount"`
	Currency          string      `json:"currency"`
	ProcessorResponse string      `json:"processor_response"`
}

// Initialize creates a payment link. Flutterwave takes amounts in major units.
func (a *Adapter) Initialize(ctx context.Context, req gateway.InitializeRequest) (*gateway.Initialization, error) {
	customer := map[string]string{"email": req.Email}
	if req.Name != "" {
		customer["name"] = req.Name
	}
	if req.Phone != "" {
		customer["phonenumber"] = req.Phone
	}
	body := map[string]any{
		"tx_ref":         req.Reference,
		"amount":         req.Amount.String(),
		"currency":       string(req.Currency),
		"redirect_url":   req.CallbackURL,
		"customer":       customer,
		"customizations": map[string]string{"title": a.config.Title},
	}
	if len(req.Metadata) > 0 {
		body["meta"] = req.Metadata
	}

	var resp envelope[struct {
		Link string `json:"link"`
	}]
	err := gateway.DoJSON(ctx, a.httpClient, gateway.JSONCall{
		Provider: domain.ProviderFlutterwave,
		Op:       "initialize",
		Method:   http.MethodPost,
		URL:      a.config.BaseURL + "/payments",
		Bearer:   a.config.SecretKey,
		Body:     body,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Status != "success" || resp.Data.Link == "" {
		return nil, &gateway.Error{Provider: domain.ProviderFlutterwave, Op: "initialize", Message: resp.Message}
	}

	a.logger.Info("flutterwave checkout initialized", "reference", req.Reference)
	return &gateway.Initialization{
		AuthorizationURL: resp.Data.Link,
		Reference:        req.Reference,
	}, nil
}

// Verify looks the charge up by our reference.
func (a *Adapter) Verify(ctx context.Context, reference string) (*gateway.Verification, error) {
	var resp envelope[chargeData]
	err := gateway.DoJSON(ctx, a.httpClient, gateway.JSONCall{
		Provider: domain.ProviderFlutterwave,
		Op:       "verify",
		Method:   http.MethodGet,
		URL:      a.config.BaseURL + "/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(reference),
		Bearer:   a.config.SecretKey,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Status != "success" {
		return nil, &gateway.Error{Provider: domain.ProviderFlutterwave, Op: "verify", Message: resp.Message}
	}
	amount, err := parseAmount(resp.Data.Amount)
	if err != nil {
		return nil, &gateway.Error{Provider: domain.ProviderFlutterwave, Op: "verify", Message: "unreadable amount", Err: err}
	}
	return &gateway.Verification{
		Reference:  resp.Data.TxRef,
		Status:     chargeStatus(resp.Data.Status),
		Amount:     amount,
		Currency:   money.Currency(resp.Data.Currency),
		ProviderID: strconv.FormatInt(resp.Data.ID, 10),
		Reason:     resp.Data.ProcessorResponse,
	}, nil
}

// LegacySignature is the sha256(hash + body) signature older integrations send.
func LegacySignature(hash string, body []byte) string {
	sum := sha256.Sum256(append([]byte(hash), body...))
	return hex.EncodeToString(sum[:])
}

func (a *Adapter) authentic(sig string, body []byte) bool {
	if sig == "" || a.config.WebhookHash == "" {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(sig), []byte(a.config.WebhookHash)) == 1 {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(sig)), []byte(LegacySignature(a.config.WebhookHash, body))) == 1
}

// VerifyWebhook checks the verif-hash header and decodes charge.completed events.
func (a *Adapter) VerifyWebhook(headers http.Header, body []byte) (*gateway.WebhookEvent, error) {
	if !a.authentic(strings.TrimSpace(headers.Get(HashHeader)), body) {
		return nil, gateway.ErrInvalidSignature
	}

	var payload struct {
		Event string     `json:"event"`
		Data  chargeData `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, domain.Validationf("invalid flutterwave payload: %v", err)
	}
	if payload.Event != "charge.completed" {
		return nil, gateway.ErrIgnoredEvent
	}
	status := chargeStatus(payload.Data.Status)
	if status == gateway.StatusPending {
		return nil, gateway.ErrIgnoredEvent
	}
	amount, err := parseAmount(payload.Data.Amount)
	if err != nil {
		return nil, domain.Validationf("invalid flutterwave amount: %v", err)
	}

	return &gateway.WebhookEvent{
		Provider:   domain.ProviderFlutterwave,
		Type:       payload.Event,
		Reference:  payload.Data.TxRef,
		Status:     status,
		Amount:     amount,
		Currency:   money.Currency(payload.Data.Currency),
		ProviderID: strconv.FormatInt(payload.Data.ID, 10),
		Reason:     payload.Data.ProcessorResponse,
	}, nil
}

func parseAmount(n json.Number) (money.Amount, error) {
	if n == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", n, err)
	}
	return money.FromDecimal(d)
}

func chargeStatus(s string) gateway.Status {
	switch s {
	case "successful":
		return gateway.StatusSuccess
	case "failed", "cancelled":
		return gateway.StatusFailed
	default:
		return gateway.StatusPending
	}
}
