package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/pario-ai/arena/pkg/models"
)

// Kind separates failures worth retrying from permanent ones.
type Kind string

const (
	KindTransient Kind = "transient"
	KindFatal     Kind = "fatal"
)

// Error is a provider-attributed failure carrying a user-facing cause category.
type Error struct {
	Provider   string
	Kind       Kind
	Cause      string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: %s (HTTP %d): %s", e.Provider, e.Cause, e.StatusCode, msg)
	}
	return fmt.Sprintf("provider %s: %s: %s", e.Provider, e.Cause, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the failure may succeed on a later attempt.
func (e *Error) Transient() bool { return e.Kind == KindTransient }

// StatusError builds an Error from a non-200 upstream response.
func StatusError(provider string, status int, body []byte) *Error {
	e := &Error{Provider: provider, StatusCode: status, Message: string(body)}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind, e.Cause = KindTransient, models.CauseRateLimited
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Kind, e.Cause = KindTransient, models.CauseTimeout
	case status >= 500:
		e.Kind, e.Cause = KindTransient, models.CauseUpstreamError
	default:
		e.Kind, e.Cause = KindFatal, models.CauseUpstreamError
	}
	return e
}

// InvalidResponse reports an upstream payload that could not be decoded.
func InvalidResponse(provider string, err error) *Error {
	return &Error{Provider: provider, Kind: KindFatal, Cause: models.CauseInvalidResponse, Err: err}
}

// Classify maps any call error to a cause category and outcome.
// Deadline expiry is a transient timeout; cancellation is reported as such.
func Classify(err error) (cause string, outcome models.Outcome) {
	var pe *Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.CauseTimeout, models.OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return models.CauseCancelled, models.OutcomeCancelled
	case errors.As(err, &pe):
		if pe.Cause == models.CauseTimeout {
			return pe.Cause, models.OutcomeTimeout
		}
		return pe.Cause, models.OutcomeError
	default:
		return models.CauseUpstreamError, models.OutcomeError
	}
}
