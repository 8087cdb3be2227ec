package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"estateledger/internal/common/metrics"
	"estateledger/internal/ledger/domain"
)

// maxResponseBody caps how much of a provider response is read.
const maxResponseBody = 1 << 20

// JSONCall is one JSON request to a provider API.
type JSONCall struct {
	Provider domain.Provider
	Op       string
	Method   string
	URL      string
	Bearer   string
	Body     any
}

// DoJSON sends call and decodes a 2xx response into out. Transport failures,
// non-2xx statuses and undecodable bodies come back as *Error.
func DoJSON(ctx context.Context, client *http.Client, call JSONCall, out any) error {
	start := time.Now()
	err := doJSON(ctx, client, call, out)
	metrics.ObserveGatewayCall(string(call.Provider), call.Op, err, time.Since(start))
	return err
}

func doJSON(ctx context.Context, client *http.Client, call JSONCall, out any) error {
	var body io.Reader
	if call.Body != nil {
		raw, err := json.Marshal(call.Body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", call.Op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, call.Method, call.URL, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if call.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if call.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+call.Bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return &Error{Provider: call.Provider, Op: call.Op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &Error{Provider: call.Provider, Op: call.Op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode >= 400 {
		return &Error{Provider: call.Provider, Op: call.Op, StatusCode: resp.StatusCode, Message: providerMessage(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &Error{Provider: call.Provider, Op: call.Op, StatusCode: resp.StatusCode, Message: "unreadable response", Err: err}
	}
	return nil
}

// providerMessage pulls the "message" field most providers put on errors.
func providerMessage(body []byte) string {
	var env struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &env) == nil && env.Message != "" {
		return env.Message
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
