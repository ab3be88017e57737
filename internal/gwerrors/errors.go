package gwerrors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Error is the one result type that crosses component boundaries, replacing
// the mix of exceptions and ad hoc envelopes the source project used.
type Error struct {
	ErrCode    Code   `json:"error_code"`
	Message    string `json:"error_message"`
	HTTPStatus int    `json:"-"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"-"`
	underlying error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrCode, e.Message, e.underlying)
	}
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
}

func (e *Error) Unwrap() error { return e.underlying }

// New creates an Error with the given code, HTTP status, and message.
func New(code Code, status int, message string) *Error {
	return &Error{ErrCode: code, HTTPStatus: status, Message: message}
}

// Wrap attaches an underlying error for logging without changing the public message.
func Wrap(err error, code Code, status int, message string) *Error {
	return &Error{ErrCode: code, HTTPStatus: status, Message: message, underlying: err}
}

// WithRequestID returns a copy carrying the request id.
func (e *Error) WithRequestID(id string) *Error {
	cp := *e
	cp.RequestID = id
	return &cp
}

// WithDetails returns a copy carrying a details string (e.g. offending field path).
func (e *Error) WithDetails(details string) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// plainEnvelope is the default non-strict error body.
type plainEnvelope struct {
	ErrorCode    Code   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Details      string `json:"details,omitempty"`
}

// strictEnvelope wraps every response, success or error, as HTTP 200 when
// strict-envelope mode is on.
type strictEnvelope struct {
	StatusCode   int    `json:"status_code"`
	ErrorCode    Code   `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// WriteJSON renders the error to the response, choosing the strict or plain
// envelope shape. X-Request-ID is always set when RequestID is populated;
// callers needing that header on success paths set it themselves.
func (e *Error) WriteJSON(w http.ResponseWriter, strict bool) {
	if e.RequestID != "" {
		w.Header().Set("X-Request-ID", e.RequestID)
	}
	w.Header().Set("Content-Type", "application/json")
	if strict {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(strictEnvelope{
			StatusCode:   e.HTTPStatus,
			ErrorCode:    e.ErrCode,
			ErrorMessage: e.Message,
		})
		return
	}
	w.WriteHeader(e.HTTPStatus)
	json.NewEncoder(w).Encode(plainEnvelope{
		ErrorCode:    e.ErrCode,
		ErrorMessage: e.Message,
		Details:      e.Details,
	})
}

// As reports whether err is an *Error.
func As(err error) (*Error, bool) {
	ge, ok := err.(*Error)
	return ge, ok
}

// Common, reusable sentinel errors for the request pipeline's terminal states.
var (
	ErrTokenMissing          = New(AuthTokenMissing, http.StatusUnauthorized, "authorization token missing")
	ErrTokenInvalid          = New(AuthTokenInvalid, http.StatusUnauthorized, "invalid or expired token")
	ErrTokenExpired          = New(AuthTokenExpired, http.StatusUnauthorized, "token has expired")
	ErrUserInactive          = New(AuthUserInactive, http.StatusForbidden, "user account is not active")
	ErrAPINotFound           = New(ApiNotFound, http.StatusNotFound, "api not found")
	ErrEndpointNotFound      = New(EndNotFound, http.StatusNotFound, "endpoint not found")
	ErrSubscriptionRequired  = New(SubNotFound, http.StatusForbidden, "subscription required")
	ErrRoleDenied            = New(GtwAuthenticationRequired, http.StatusForbidden, "role not permitted")
	ErrIPDenied              = New(SecInvalidIP, http.StatusForbidden, "ip address denied")
	ErrGeoDenied             = New(GtwAuthenticationRequired, http.StatusForbidden, "region denied")
	ErrInactiveAPI           = New(ApiNotFound, http.StatusNotFound, "api is not active")
	ErrRateLimited           = New(RateLimitExceeded, http.StatusTooManyRequests, "rate limit exceeded")
	ErrThrottled             = New(GtwRateLimitExceeded, http.StatusTooManyRequests, "throttle queue full")
	ErrInsufficientCredits   = New(CrdInsufficient, http.StatusForbidden, "insufficient credits")
	ErrBodyTooLarge          = New(ReqBodyTooLarge, http.StatusRequestEntityTooLarge, "request body too large")
	ErrCircuitOpen           = New(GtwCircuitBreakerOpen, http.StatusServiceUnavailable, "circuit breaker open")
	ErrNoServers             = New(GtwNoAvailableServers, http.StatusServiceUnavailable, "no available upstream servers")
	ErrUpstreamTimeout       = New(GtwTimeout, http.StatusGatewayTimeout, "upstream timeout")
	ErrInternal              = New(IseInternalError, http.StatusInternalServerError, "internal server error")
	ErrPublicCreditsConflict = New(ApiPublicCreditsConflict, http.StatusBadRequest, "public api cannot have credits enabled")
)
