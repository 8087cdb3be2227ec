package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"estateledger/internal/gateway"
	"estateledger/internal/ledger/domain"
)

// Response is the envelope of every single-object response.
type Response[T any] struct {
	Data  T      `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Error represents an API error
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// PaginatedResponse is the envelope of list responses.
type PaginatedResponse[T any] struct {
	Data       []T         `json:"data"`
	Pagination *Pagination `json:"pagination"`
}

// Pagination holds pagination info
type Pagination struct {
	Limit   int   `json:"limit"`
	Offset  int   `json:"offset"`
	Total   int64 `json:"total"`
	HasMore bool  `json:"has_more"`
}

// NewPagination builds the pagination block of a page of n items.
func NewPagination(p PaginationParams, n int, total int64) *Pagination {
	return &Pagination{
		Limit:   p.Limit,
		Offset:  p.Offset,
		Total:   total,
		HasMore: int64(p.Offset+n) < total,
	}
}

// Error codes
const (
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	ErrCodeNotPayable        = "NOT_PAYABLE"
	ErrCodeGateway           = "GATEWAY_ERROR"
	ErrCodeInvalidSignature  = "INVALID_SIGNATURE"
)

// WriteJSON writes a JSON response
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteData writes a successful data response
func WriteData[T any](w http.ResponseWriter, status int, data T) {
	WriteJSON(w, status, Response[T]{Data: data})
}

// WriteError writes an error response. details may be nil.
func WriteError(w http.ResponseWriter, status int, code, message string, details map[string]string) {
	WriteJSON(w, status, Response[any]{
		Error: &Error{Code: code, Message: message, Details: details},
	})
}

// WritePaginated writes a page of a list. A nil page is written as [].
func WritePaginated[T any](w http.ResponseWriter, data []T, pagination *Pagination) {
	if data == nil {
		data = []T{}
	}
	WriteJSON(w, http.StatusOK, PaginatedResponse[T]{
		Data:       data,
		Pagination: pagination,
	})
}

// BadRequest writes a 400 response
func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, message, nil)
}

// errorClasses maps the ledger's error classes to responses. Order matters:
// the first match wins.
var errorClasses = []struct {
	target error
	status int
	code   string
}{
	{domain.ErrInsufficientFunds, http.StatusPaymentRequired, ErrCodeInsufficientFunds},
	{domain.ErrValidation, http.StatusUnprocessableEntity, ErrCodeValidation},
	{domain.ErrNotPayable, http.StatusConflict, ErrCodeNotPayable},
	{domain.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{domain.ErrStateConflict, http.StatusConflict, ErrCodeConflict},
}

// WriteDomainError maps an error returned by the ledger services to a
// response. Unclassified errors are logged and hidden behind a 500.
func WriteDomainError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var insufficient *domain.InsufficientFundsError
	if errors.As(err, &insufficient) {
		details := map[string]string{"requested": insufficient.Requested.String()}
		if insufficient.WalletID != "" {
			details["available"] = insufficient.Available.String()
		}
		WriteError(w, http.StatusPaymentRequired, ErrCodeInsufficientFunds, err.Error(), details)
		return
	}

	for _, c := range errorClasses {
		if errors.Is(err, c.target) {
			WriteError(w, c.status, c.code, err.Error(), nil)
			return
		}
	}

	switch {
	case errors.Is(err, gateway.ErrInvalidSignature):
		WriteError(w, http.StatusUnauthorized, ErrCodeInvalidSignature, "invalid webhook signature", nil)
	case errors.Is(err, domain.ErrGateway):
		logger.Warn("gateway error", "error", err)
		WriteError(w, http.StatusBadGateway, ErrCodeGateway, err.Error(), nil)
	default:
		logger.Error("request failed", "error", err)
		WriteError(w, http.StatusInternalServerError, ErrCodeInternalError, "An unexpected error occurred", nil)
	}
}

// Validate is a shared validator instance
var Validate = validator.New(validator.WithRequiredStructEnabled())

// ErrMalformedBody marks request bodies that are not valid JSON for the target type.
var ErrMalformedBody = errors.New("malformed request body")

// DecodeAndValidate decodes JSON and validates the result
func DecodeAndValidate(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	return Validate.Struct(v)
}

// WriteDecodeError answers a DecodeAndValidate failure: 400 for a body that
// does not decode, 422 with per-field details for one that fails validation.
func WriteDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrMalformedBody) {
		BadRequest(w, err.Error())
		return
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		WriteError(w, http.StatusUnprocessableEntity, ErrCodeValidation, err.Error(), nil)
		return
	}
	details := make(map[string]string, len(fieldErrors))
	for _, e := range fieldErrors {
		details[e.Field()] = fieldMessage(e)
	}
	WriteError(w, http.StatusUnprocessableEntity, ErrCodeValidation, "Validation failed", details)
}

var tagMessages = map[string]string{
	"required":    "This field is required",
	"required_if": "This field is required",
	"email":       "Must be a valid email address",
	"url":         "Must be a valid URL",
	"numeric":     "Must contain only digits",
	"dive":        "Invalid item",
}

var paramMessages = map[string]string{
	"min":   "Must be at least ",
	"max":   "Must be at most ",
	"len":   "Must be exactly %s characters",
	"oneof": "Must be one of: ",
	"gte":   "Must be greater than or equal to ",
	"lte":   "Must be less than or equal to ",
	"gt":    "Must be greater than ",
}

func fieldMessage(e validator.FieldError) string {
	if m, ok := tagMessages[e.Tag()]; ok {
		return m
	}
	if m, ok := paramMessages[e.Tag()]; ok {
		if e.Tag() == "len" {
			return fmt.Sprintf(m, e.Param())
		}
		return m + e.Param()
	}
	return "Invalid value"
}

// PaginationParams are the limit and offset of a list request
type PaginationParams struct {
	Limit  int
	Offset int
}

// GetPaginationParams extracts pagination from the query string. Out of range
// values fall back to the defaults.
func GetPaginationParams(r *http.Request, defaultLimit, maxLimit int) PaginationParams {
	params := PaginationParams{Limit: defaultLimit}
	q := r.URL.Query()

	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		params.Limit = min(l, maxLimit)
	}
	if o, err := strconv.Atoi(q.Get("offset")); err == nil && o >= 0 {
		params.Offset = o
	}
	return params
}
