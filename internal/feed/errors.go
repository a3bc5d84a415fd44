package feed

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAuthRejected      = errors.New("upstream rejected credential")
	ErrRateLimited       = errors.New("upstream rate limited")
	ErrTransientNetwork  = errors.New("transient network error")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrAllTiersFailed    = errors.New("all fetch tiers failed")
	ErrUpstreamRejection = errors.New("upstream api error")
)

// APIError is a non-zero Bilibili response code, or an unexpected HTTP status.
// It unwraps to one of the sentinel errors above.
type APIError struct {
	Tier    TierName
	Status  int
	Code    int
	Message string
	kind    error
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: code %d: %s", e.Tier, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: http %d", e.Tier, e.Status)
}

func (e *APIError) Unwrap() error { return e.kind }

// classifyCode maps a Bilibili API code to the error taxonomy.
func classifyCode(code int) error {
	switch code {
	case -101, -111, -352:
		return ErrAuthRejected
	case -412, -509, -799:
		return ErrRateLimited
	default:
		return ErrUpstreamRejection
	}
}

func classifyStatus(status int) error {
	switch {
	case status == http.StatusPreconditionFailed || status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthRejected
	case status >= 500:
		return ErrTransientNetwork
	default:
		return ErrUpstreamRejection
	}
}

func apiCodeError(tier TierName, code int, msg string) error {
	return &APIError{Tier: tier, Code: code, Message: msg, kind: classifyCode(code)}
}

func apiStatusError(tier TierName, status int) error {
	return &APIError{Tier: tier, Status: status, kind: classifyStatus(status)}
}

func malformed(tier TierName, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", tier, ErrMalformedPayload, fmt.Sprintf(format, args...))
}
