// Package midtrans implements the Midtrans Snap gateway on top of the official SDK.
package midtrans

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	mt "github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"

	"estateledger/internal/common/metrics"
	"estateledger/internal/common/money"
	"estateledger/internal/gateway"
	"estateledger/internal/ledger/domain"
)

// Config holds Midtrans adapter configuration.
type Config struct {
	ServerKey  string `envconfig:"MIDTRANS_SERVER_KEY"`
	Production bool   `envconfig:"MIDTRANS_PRODUCTION" default:"false"`
}

// Enabled reports whether a server key is configured.
func (c Config) Enabled() bool {
	return c.ServerKey != ""
}

type snapAPI interface {
	CreateTransaction(req *snap.Request) (*snap.Response, *mt.Error)
}

type statusAPI interface {
	CheckTransaction(param string) (*coreapi.TransactionStatusResponse, *mt.Error)
}

// Adapter implements gateway.Adapter for Midtrans.
type Adapter struct {
	config Config
	snap   snapAPI
	core   statusAPI
	logger *slog.Logger
}

// NewAdapter creates a Midtrans adapter with SDK clients for the configured environment.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	env := mt.Sandbox
	if cfg.Production {
		env = mt.Production
	}
	var s snap.Client
	s.New(cfg.ServerKey, env)
	var c coreapi.Client
	c.New(cfg.ServerKey, env)
	return newAdapter(cfg, &s, &c, logger)
}

func newAdapter(cfg Config, s snapAPI, c statusAPI, logger *slog.Logger) *Adapter {
	return &Adapter{config: cfg, snap: s, core: c, logger: logger}
}

func (a *Adapter) Provider() domain.Provider { return domain.ProviderMidtrans }

func sdkError(op string, err *mt.Error) *gateway.Error {
	return &gateway.Error{
		Provider:   domain.ProviderMidtrans,
		Op:         op,
		StatusCode: err.StatusCode,
		Message:    err.Message,
	}
}

// Initialize creates a Snap transaction. Midtrans gross amounts are whole units.
func (a *Adapter) Initialize(ctx context.Context, req gateway.InitializeRequest) (*gateway.Initialization, error) {
	gross := req.Amount.Decimal()
	if !gross.IsInteger() {
		return nil, domain.Validationf("midtrans amounts must be whole units, got %s", req.Amount)
	}

	snapReq := &snap.Request{
		TransactionDetails: mt.TransactionDetails{
			OrderID:  req.Reference,
			GrossAmt: gross.IntPart(),
		},
		CustomerDetail: &mt.CustomerDetails{
			FName: req.Name,
			Email: req.Email,
			Phone: req.Phone,
		},
	}
	if req.CallbackURL != "" {
		snapReq.Callbacks = &snap.Callbacks{Finish: req.CallbackURL}
	}

	start := time.Now()
	resp, merr := a.snap.CreateTransaction(snapReq)
	if merr != nil {
		gerr := sdkError("initialize", merr)
		metrics.ObserveGatewayCall(string(domain.ProviderMidtrans), "initialize", gerr, time.Since(start))
		return nil, gerr
	}
	metrics.ObserveGatewayCall(string(domain.ProviderMidtrans), "initialize", nil, time.Since(start))

	a.logger.Info("midtrans snap transaction created", "reference", req.Reference)
	return &gateway.Initialization{
		AuthorizationURL: resp.RedirectURL,
		Reference:        req.Reference,
		AccessCode:       resp.Token,
	}, nil
}

// Verify checks the order status. An order Midtrans has never seen is still pending.
func (a *Adapter) Verify(ctx context.Context, reference string) (*gateway.Verification, error) {
	start := time.Now()
	resp, merr := a.core.CheckTransaction(reference)
	if merr != nil {
		if merr.StatusCode == http.StatusNotFound {
			metrics.ObserveGatewayCall(string(domain.ProviderMidtrans), "verify", nil, time.Since(start))
			return &gateway.Verification{Reference: reference, Status: gateway.StatusPending}, nil
		}
		gerr := sdkError("verify", merr)
		metrics.ObserveGatewayCall(string(domain.ProviderMidtrans), "verify", gerr, time.Since(start))
		return nil, gerr
	}
	metrics.ObserveGatewayCall(string(domain.ProviderMidtrans), "verify", nil, time.Since(start))

	amount, err := parseGross(resp.GrossAmount)
	if err != nil {
		return nil, &gateway.Error{Provider: domain.ProviderMidtrans, Op: "verify", Message: "unreadable gross_amount", Err: err}
	}
	return &gateway.Verification{
		Reference:  resp.OrderID,
		Status:     transactionStatus(resp.TransactionStatus, resp.FraudStatus),
		Amount:     amount,
		Currency:   money.Currency(resp.Currency),
		ProviderID: resp.TransactionID,
		Reason:     resp.StatusMessage,
	}, nil
}

// Signature computes sha512(order_id + status_code + gross_amount + server_key).
func Signature(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

type notification struct {
	OrderID           string `json:"order_id"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	TransactionID     string `json:"transaction_id"`
	Currency          string `json:"currency"`
	StatusMessage     string `json:"status_message"`
}

// VerifyWebhook checks the notification signature_key and decodes the status.
func (a *Adapter) VerifyWebhook(_ http.Header, body []byte) (*gateway.WebhookEvent, error) {
	var n notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, domain.Validationf("invalid midtrans payload: %v", err)
	}
	if n.SignatureKey == "" || a.config.ServerKey == "" {
		return nil, gateway.ErrInvalidSignature
	}
	want := Signature(n.OrderID, n.StatusCode, n.GrossAmount, a.config.ServerKey)
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(n.SignatureKey)), []byte(want)) != 1 {
		return nil, gateway.ErrInvalidSignature
	}

	status := transactionStatus(n.TransactionStatus, n.FraudStatus)
	if status == gateway.StatusPending {
		return nil, gateway.ErrIgnoredEvent
	}
	amount, err := parseGross(n.GrossAmount)
	if err != nil {
		return nil, domain.Validationf("invalid midtrans gross_amount: %v", err)
	}
	return &gateway.WebhookEvent{
		Provider:   domain.ProviderMidtrans,
		Type:       n.TransactionStatus,
		Reference:  n.OrderID,
		Status:     status,
		Amount:     amount,
		Currency:   money.Currency(n.Currency),
		ProviderID: n.TransactionID,
		Reason:     n.TransactionStatus,
	}, nil
}

func parseGross(s string) (money.Amount, error) {
	if s == "" {
		return 0, nil
	}
	return money.ParseAmount(s)
}

func transactionStatus(status, fraud string) gateway.Status {
	switch status {
	case "settlement":
		return gateway.StatusSuccess
	case "capture":
		if fraud == "" || fraud == "accept" {
			return gateway.StatusSuccess
		}
		if fraud == "deny" {
			return gateway.StatusFailed
		}
		return gateway.StatusPending
	case "deny", "cancel", "expire", "failure":
		return gateway.StatusFailed
	default:
		return gateway.StatusPending
	}
}
