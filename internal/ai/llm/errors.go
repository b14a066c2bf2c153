package llm

import (
	"errors"
	"fmt"
)

// Kind classifies a provider failure.
type Kind int

const (
	KindProvider Kind = iota
	KindAuth
	KindRateLimited
	KindTimeout
	KindBadOutput
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth_error"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindBadOutput:
		return "bad_output"
	default:
		return "provider_error"
	}
}

// Sentinels matched by errors.Is against an *Error of the same Kind.
var (
	ErrProvider    = errors.New("ai provider error")
	ErrAuth        = errors.New("ai provider rejected credentials")
	ErrRateLimited = errors.New("ai provider rate limited")
	ErrTimeout     = errors.New("ai inference timeout")
	ErrBadOutput   = errors.New("ai provider returned unparseable output")
)

func (k Kind) sentinel() error {
	switch k {
	case KindAuth:
		return ErrAuth
	case KindRateLimited:
		return ErrRateLimited
	case KindTimeout:
		return ErrTimeout
	case KindBadOutput:
		return ErrBadOutput
	default:
		return ErrProvider
	}
}

// Error is a classified provider failure. Status is the HTTP status, or 0 when
// the request never produced a response.
type Error struct {
	Kind     Kind
	Provider ProviderID
	Status   int
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// Retryable reports whether another attempt may succeed: rate limits,
// timeouts, transport failures and 5xx responses.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout:
		return true
	case KindProvider:
		return e.Status == 0 || e.Status >= 500
	default:
		return false
	}
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// KindOf returns the Kind of err, or false when err is not an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
