package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies fetch failures for retry and circuit-breaking decisions
type ErrorKind string

const (
	KindNetwork   ErrorKind = "network"
	KindRateLimit ErrorKind = "rate_limit"
	KindParse     ErrorKind = "parse"
	KindAuth      ErrorKind = "auth"
)

// FetchError is returned by UsageClient.FetchUsage and by the normalizer
type FetchError struct {
	Provider   ID
	Kind       ErrorKind
	StatusCode int           // HTTP status, 0 when not applicable
	RetryAfter time.Duration // rate limit hint, 0 when the provider sent none
	Permanent  bool          // a network-level failure that retrying cannot fix
	Err        error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("%s: %s error", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt could succeed
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case KindRateLimit:
		return true
	case KindNetwork:
		return !e.Permanent
	default:
		return false
	}
}

// NewNetworkError wraps a transport-level or server-side failure
func NewNetworkError(id ID, err error) *FetchError {
	return &FetchError{Provider: id, Kind: KindNetwork, Err: err}
}

// NewRateLimitError wraps a throttling response; retryAfter may be zero
func NewRateLimitError(id ID, retryAfter time.Duration, err error) *FetchError {
	return &FetchError{Provider: id, Kind: KindRateLimit, StatusCode: 429, RetryAfter: retryAfter, Err: err}
}

// NewParseError wraps a response that could not be decoded
func NewParseError(id ID, err error) *FetchError {
	return &FetchError{Provider: id, Kind: KindParse, Err: err}
}

// NewAuthError wraps a response rejecting the credentials
func NewAuthError(id ID, status int, err error) *FetchError {
	return &FetchError{Provider: id, Kind: KindAuth, StatusCode: status, Err: err}
}

// KindOf returns the kind of the FetchError in err's chain, or "" if there is none
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsRetryable reports whether err is a FetchError worth another attempt
func IsRetryable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Retryable()
}

// RetryAfterHint returns the provider-supplied delay carried by a rate limit error
func RetryAfterHint(err error) (time.Duration, bool) {
	var fe *FetchError
	if errors.As(err, &fe) && fe.Kind == KindRateLimit && fe.RetryAfter > 0 {
		return fe.RetryAfter, true
	}
	return 0, false
}
