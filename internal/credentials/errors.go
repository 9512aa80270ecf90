package credentials

import "fmt"

// AuthConfigError reports a missing or invalid credential at resolution time.
// It is never retried; the poll cycle is skipped.
type AuthConfigError struct {
	Provider string // provider key, e.g. "openai/default"
	Strategy string
	Reason   string
	Err      error
}

func (e *AuthConfigError) Error() string {
	msg := "credentials"
	if e.Provider != "" {
		msg += " for " + e.Provider
	}
	if e.Strategy != "" {
		msg += fmt.Sprintf(" (%s)", e.Strategy)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthConfigError) Unwrap() error {
	return e.Err
}
