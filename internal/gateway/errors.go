package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"

	"chronolab/internal/guard"
)

// ErrorKind classifies terminal call failures in a CallResult.
type ErrorKind string

const (
	ErrKindNone              ErrorKind = ""
	ErrKindFatalProvider     ErrorKind = "fatal_provider_error"
	ErrKindRateLimitExceeded ErrorKind = "rate_limit_exceeded"
	ErrKindCancelled         ErrorKind = "cancelled"
)

// ProviderError is a typed upstream failure. Retryable errors (timeouts,
// 5xx, explicit rate-limit responses) drive the retry loop; everything else
// exhausts the current model immediately and moves to fallback.
type ProviderError struct {
	Provider  string
	Status    int
	Message   string
	Retryable bool
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// retryable reports whether a call error should be retried on the same model.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	// A deadline on the per-call context is a transport timeout; session
	// cancellation is surfaced separately before the retry loop re-enters.
	return errors.Is(err, context.DeadlineExceeded)
}

func kindForAdmissionErr(err error) ErrorKind {
	switch {
	case errors.Is(err, guard.ErrRateLimitExceeded), errors.Is(err, guard.ErrBudgetExhausted):
		return ErrKindRateLimitExceeded
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrKindCancelled
	default:
		return ErrKindFatalProvider
	}
}
