package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Kind categorises a provider failure for display.
type Kind int

const (
	// KindUnknown is a failure matching no other category.
	KindUnknown Kind = iota
	// KindConfigurationMissing means no API key was configured.
	KindConfigurationMissing
	// KindAuthenticationInvalid means the upstream rejected the API key.
	KindAuthenticationInvalid
	// KindQuotaExceeded means the account ran out of quota.
	KindQuotaExceeded
	// KindRateLimited means the upstream throttled the request.
	KindRateLimited
	// KindNetworkFailure means the upstream could not be reached.
	KindNetworkFailure
	// KindCanceled means the request was cancelled by the caller. It is not shown to the user.
	KindCanceled
)

var (
	// ErrNotConfigured is returned when the adapter has no backend or no API key.
	ErrNotConfigured = errors.New("provider is not configured")
	// ErrCanceled is reported when a stream is aborted through CancelStream or its context.
	ErrCanceled = errors.New("generation canceled")
	// ErrEmptyResponse is returned by a model that completed without producing text.
	ErrEmptyResponse = errors.New("empty response")
	// ErrAllModelsFailed wraps the last failure once every model was tried.
	ErrAllModelsFailed = errors.New("all models failed")
)

// Error is a categorised provider failure.
type Error struct {
	Kind  Kind
	Model string
	Err   error
}

func (e *Error) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (model %s): %v", e.Kind, e.Model, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusError carries the HTTP status returned by an upstream API. Backends convert their SDK
// specific errors to it so classification can rely on codes instead of message text.
type StatusError struct {
	Code    int
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("upstream error %d %s: %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("upstream error %d: %s", e.Code, e.Message)
}

func (k Kind) String() string {
	switch k {
	case KindConfigurationMissing:
		return "configuration missing"
	case KindAuthenticationInvalid:
		return "authentication invalid"
	case KindQuotaExceeded:
		return "quota exceeded"
	case KindRateLimited:
		return "rate limited"
	case KindNetworkFailure:
		return "network failure"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// UserMessage is the banner text shown for a failure of kind k.
func (k Kind) UserMessage() string {
	switch k {
	case KindConfigurationMissing:
		return "The assistant is not configured. Set an API key and restart."
	case KindAuthenticationInvalid:
		return "The API key was rejected. Check the configured key."
	case KindQuotaExceeded:
		return "The API quota has been exhausted. Try again later."
	case KindRateLimited:
		return "Too many requests. Wait a moment and retry."
	case KindNetworkFailure:
		return "Could not reach the model service. Check your connection and retry."
	case KindCanceled:
		return "The request was canceled."
	default:
		return "Something went wrong while generating a reply. Please retry."
	}
}

// KindOf returns the kind of err, classifying it if it is not already an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Kind
	}
	return Classify(err)
}

// Classify derives a Kind from err. Structured information (status codes, network error types,
// sentinel errors) wins; message text is only inspected when none is available, and novel
// upstream wording may end up as KindUnknown.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCanceled):
		return KindCanceled
	case errors.Is(err, ErrNotConfigured):
		return KindConfigurationMissing
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetworkFailure
	}

	var sErr *StatusError
	if errors.As(err, &sErr) {
		if k, ok := classifyStatus(sErr); ok {
			return k
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetworkFailure
	}

	return classifyText(err.Error())
}

func classifyStatus(err *StatusError) (Kind, bool) {
	switch {
	case err.Code == http.StatusUnauthorized, err.Code == http.StatusForbidden:
		return KindAuthenticationInvalid, true
	case err.Code == http.StatusTooManyRequests:
		if mentionsQuota(strings.ToLower(err.Status + " " + err.Message)) {
			return KindQuotaExceeded, true
		}
		return KindRateLimited, true
	case err.Code == http.StatusPaymentRequired:
		return KindQuotaExceeded, true
	case err.Code == http.StatusBadGateway, err.Code == http.StatusServiceUnavailable,
		err.Code == http.StatusGatewayTimeout:
		return KindNetworkFailure, true
	}
	return KindUnknown, false
}

func mentionsQuota(s string) bool {
	return strings.Contains(s, "quota") || strings.Contains(s, "billing") ||
		strings.Contains(s, "insufficient_quota")
}

func classifyText(msg string) Kind {
	s := strings.ToLower(msg)
	switch {
	case strings.Contains(s, "api key"), strings.Contains(s, "api_key"),
		strings.Contains(s, "unauthorized"), strings.Contains(s, "permission denied"),
		strings.Contains(s, "unauthenticated"):
		return KindAuthenticationInvalid
	case mentionsQuota(s):
		return KindQuotaExceeded
	case strings.Contains(s, "rate limit"), strings.Contains(s, "too many requests"),
		strings.Contains(s, "resource_exhausted"), strings.Contains(s, "429"):
		return KindRateLimited
	case strings.Contains(s, "network"), strings.Contains(s, "connection"),
		strings.Contains(s, "timeout"), strings.Contains(s, "no such host"),
		strings.Contains(s, "eof"), strings.Contains(s, "dial"):
		return KindNetworkFailure
	}
	return KindUnknown
}
