package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"

	"estateledger/internal/common/events"
	"estateledger/internal/common/metrics"
)

type contextKey int

const (
	callerKey contextKey = iota
	traceKey
)

// Identity headers set by the gateway in front of the ledger.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"

	HeaderRequestID     = "X-Request-ID"
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderIdempotency   = "Idempotency-Key"
)

// RoleOperator may manage bills and cluster wallets.
const RoleOperator = "operator"

// Caller is who a request acts for. Authentication happens upstream; the
// ledger trusts the identity headers.
type Caller struct {
	TenantID string
	UserID   string
	Role     string
}

// WithIdentity returns ctx carrying the caller's tenant, user and role.
func WithIdentity(ctx context.Context, tenantID, userID, role string) context.Context {
	return context.WithValue(ctx, callerKey, Caller{TenantID: tenantID, UserID: userID, Role: role})
}

// CallerFrom returns the caller stored by Identity, or the zero Caller.
func CallerFrom(ctx context.Context) Caller {
	c, _ := ctx.Value(callerKey).(Caller)
	return c
}

func GetTenantID(ctx context.Context) string { return CallerFrom(ctx).TenantID }
func GetUserID(ctx context.Context) string { return CallerFrom(ctx).UserID }
func GetUserRole(ctx context.Context) string { return CallerFrom(ctx).Role }

type trace struct {
	requestID     string
	correlationID string
}

// GetCorrelationID retrieves the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	t, _ := ctx.Value(traceKey).(trace)
	return t.correlationID
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	t, _ := ctx.Value(traceKey).(trace)
	return t.requestID
}

// Trace gives each request a fresh request ID. The correlation ID is taken
// from the caller when sent and otherwise equals the request ID. Both are
// echoed in the response headers, and stamped on the events the request raises.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := trace{requestID: ulid.Make().String()}
		t.correlationID = r.Header.Get(HeaderCorrelationID)
		if t.correlationID == "" {
			t.correlationID = t.requestID
		}
		w.Header().Set(HeaderRequestID, t.requestID)
		w.Header().Set(HeaderCorrelationID, t.correlationID)
		ctx := context.WithValue(r.Context(), traceKey, t)
		ctx = events.ContextWithCorrelation(ctx, t.correlationID, t.requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Logger logs one line per request and records the request metrics. Server
// errors log at error level, client errors at warn.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				elapsed := time.Since(start)
				metrics.ObserveHTTPRequest(r.Method, routePattern(r), strconv.Itoa(status), elapsed)

				level := slog.LevelInfo
				switch {
				case status >= 500:
					level = slog.LevelError
				case status >= 400:
					level = slog.LevelWarn
				}
				caller := CallerFrom(r.Context())
				logger.LogAttrs(r.Context(), level, "request completed",
					slog.String("method", r.Method),
					slog.String("route", routePattern(r)),
					slog.Int("status", status),
					slog.Int("bytes", ww.BytesWritten()),
					slog.Int64("duration_ms", elapsed.Milliseconds()),
					slog.String("request_id", GetRequestID(r.Context())),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
					slog.String("tenant_id", caller.TenantID),
					slog.String("user_id", caller.UserID),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// routePattern keeps metric labels bounded by using the matched chi route.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// Recoverer turns a panic into a 500 response.
func Recoverer(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic recovered",
					"panic", rec,
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
					"request_id", GetRequestID(r.Context()),
				)
				writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// Identity reads the caller's tenant, user and role from the identity headers.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithIdentity(r.Context(),
			strings.TrimSpace(r.Header.Get(HeaderTenantID)),
			strings.TrimSpace(r.Header.Get(HeaderUserID)),
			strings.TrimSpace(r.Header.Get(HeaderUserRole)),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireCaller rejects requests without a tenant (400) or a user (401).
func RequireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := CallerFrom(r.Context())
		switch {
		case c.TenantID == "":
			writeError(w, http.StatusBadRequest, "MISSING_TENANT", "Tenant ID is required")
		case c.UserID == "":
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "User ID is required")
		default:
			next.ServeHTTP(w, r)
		}
	})
}

// RequireRole rejects callers without the given role
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if GetUserRole(r.Context()) != role {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "This action requires the "+role+" role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IdempotencyStore caches responses by idempotency key
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (response []byte, found bool, err error)
	Set(ctx context.Context, key string, response []byte, ttl time.Duration) error
}

// Idempotency replays the stored response of a POST, PUT or PATCH retried
// with the same Idempotency-Key. Keys are scoped to the caller and route, and
// only 2xx responses are stored. Store failures never fail the request.
func Idempotency(store IdempotencyStore, ttl time.Duration, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			idempotencyKey := r.Header.Get(HeaderIdempotency)
			if idempotencyKey == "" || !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			c := CallerFrom(r.Context())
			key := strings.Join([]string{c.TenantID, c.UserID, r.Method, r.URL.Path, idempotencyKey}, "|")

			cached, found, err := store.Get(r.Context(), key)
			if err != nil {
				logger.Warn("idempotency lookup failed", "error", err)
			}
			if found {
				if status, body, ok := decodeCached(cached); ok {
					w.Header().Set("Content-Type", "application/json")
					w.Header().Set("X-Idempotency-Replayed", "true")
					w.WriteHeader(status)
					_, _ = w.Write(body)
					return
				}
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= 200 && rec.status < 300 {
				if err := store.Set(r.Context(), key, encodeCached(rec.status, rec.body.Bytes()), ttl); err != nil {
					logger.Warn("idempotency store failed", "error", err)
				}
			}
		})
	}
}

func mutating(method string) bool {
	return method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch
}

// Cached responses are stored as "<status>\n<body>".
func encodeCached(status int, body []byte) []byte {
	out := strconv.AppendInt(nil, int64(status), 10)
	out = append(out, '\n')
	return append(out, body...)
}

func decodeCached(b []byte) (int, []byte, bool) {
	head, body, ok := bytes.Cut(b, []byte{'\n'})
	if !ok {
		return 0, nil, false
	}
	status, err := strconv.Atoi(string(head))
	if err != nil {
		return 0, nil, false
	}
	return status, body, true
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

var (
	corsAllowHeaders  = strings.Join([]string{"Content-Type", HeaderCorrelationID, HeaderTenantID, HeaderUserID, HeaderUserRole, HeaderIdempotency}, ", ")
	corsExposeHeaders = strings.Join([]string{HeaderCorrelationID, HeaderRequestID, "X-Idempotency-Replayed"}, ", ")
)

// CORS answers preflight requests and sets the CORS headers for allowed origins.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
				h.Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter counts hits per key
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimit rejects callers over their limit. Limiter failures let the request through.
func RateLimit(limiter RateLimiter, keyFunc func(r *http.Request) string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := limiter.Allow(r.Context(), keyFunc(r))
			if err != nil {
				logger.Warn("rate limiter unavailable", "error", err)
				allowed = true
			}
			if !allowed {
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CallerKey rate limits per tenant and user.
func CallerKey(r *http.Request) string {
	c := CallerFrom(r.Context())
	return c.TenantID + ":" + c.UserID
}

// writeError writes the same error envelope as the api package.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
