// Package apierror provides the error taxonomy of the price gateway and a
// centralized JSON error response format. Every component returns the typed
// errors defined here; the HTTP layer maps them to status codes with WriteError.
package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Gateway error codes. These form a public API contract — clients can program
// against these stable codes. Do not rename or remove existing codes.
const (
	NotFound              ErrorCode = "GATEWAY_NOT_FOUND"
	BadRequest            ErrorCode = "GATEWAY_BAD_REQUEST"
	UpstreamUnavailable   ErrorCode = "GATEWAY_UPSTREAM_UNAVAILABLE"
	UpstreamRejected      ErrorCode = "GATEWAY_UPSTREAM_REJECTED"
	CircuitOpen           ErrorCode = "GATEWAY_CIRCUIT_OPEN"
	RateLimitExceeded     ErrorCode = "GATEWAY_RATE_LIMIT_EXCEEDED"
	AuthMissingToken      ErrorCode = "GATEWAY_AUTH_MISSING_TOKEN"
	AuthInvalidToken      ErrorCode = "GATEWAY_AUTH_INVALID_TOKEN"
	AuthInsufficientScope ErrorCode = "GATEWAY_AUTH_INSUFFICIENT_SCOPE"
	DeadlineExceeded      ErrorCode = "GATEWAY_DEADLINE_EXCEEDED"
	ShuttingDown          ErrorCode = "GATEWAY_SHUTTING_DOWN"
	InternalError         ErrorCode = "GATEWAY_INTERNAL_ERROR"
)

// ErrorResponse is the standardized gateway error body.
type ErrorResponse struct {
	Error        string `json:"error"`
	ErrorCode    string `json:"error_code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

// ErrShuttingDown is returned for requests that arrive after the gateway
// started draining.
var ErrShuttingDown = errors.New("gateway is shutting down")

// Pre-serialized JSON bodies for the most common error responses.
// These do NOT include request_id since it varies per request.
var (
	preAuthMissingToken = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")
	preInternalError    = mustMarshal(http.StatusInternalServerError, InternalError, "an unexpected error occurred")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. When request_id is
// available (from X-Request-ID header), it is included in the response. The
// request parameter may be nil for contexts where the request is not available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	write(w, r, status, ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
}

// WriteError maps err onto the gateway taxonomy and writes the matching JSON
// response. Retry-After is set for rate-limit and circuit-open rejections.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := Classify(err)
	resp := ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   publicMessage(status, err),
	}
	if d := RetryAfter(err); d > 0 {
		resp.RetryAfterMs = d.Milliseconds()
		w.Header().Set("Retry-After", strconv.FormatInt(int64(math.Ceil(d.Seconds())), 10))
	}
	write(w, r, status, resp)
}

// Classify returns the HTTP status and error code for err.
func Classify(err error) (int, ErrorCode) {
	var (
		nf  *NotFoundError
		rl  *RateLimitError
		co  *CircuitOpenError
		up  *UpstreamError
		bad *ValidationError
	)
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest, BadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound, NotFound
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, RateLimitExceeded
	case errors.As(err, &co):
		return http.StatusServiceUnavailable, CircuitOpen
	case errors.As(err, &up):
		if up.Status >= 400 && up.Status < 500 && up.Status != http.StatusTooManyRequests && up.Status != http.StatusRequestTimeout {
			return up.Status, UpstreamRejected
		}
		return http.StatusBadGateway, UpstreamUnavailable
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable, ShuttingDown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, DeadlineExceeded
	}
	return http.StatusInternalServerError, InternalError
}

// RetryAfter returns the retry hint carried by err, or 0.
func RetryAfter(err error) time.Duration {
	var (
		rl *RateLimitError
		co *CircuitOpenError
	)
	switch {
	case errors.As(err, &rl):
		return rl.RetryAfter
	case errors.As(err, &co):
		return co.RetryAfter
	}
	return 0
}

func publicMessage(status int, err error) string {
	if status == http.StatusInternalServerError {
		return "an unexpected error occurred"
	}
	return err.Error()
}

func write(w http.ResponseWriter, r *http.Request, status int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if r != nil {
		resp.RequestID = r.Header.Get("X-Request-ID")
	}

	// Fast path: pre-serialized body for common errors without a request ID.
	if resp.RequestID == "" && resp.RetryAfterMs == 0 {
		if body := preSerialized(status, ErrorCode(resp.ErrorCode), resp.Message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(resp) //nolint:errcheck
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing or malformed Authorization header":
		return preAuthMissingToken
	case code == InternalError && status == http.StatusInternalServerError && message == "an unexpected error occurred":
		return preInternalError
	}
	return nil
}
