package plugin

import (
	"errors"
	"fmt"
)

// ErrorKind classifies plugin failures so callers can pick a retry policy
// without inspecting venue-specific details.
type ErrorKind int

const (
	// KindAuth covers rejected or missing credentials (401/403). Never retried.
	KindAuth ErrorKind = iota
	// KindNetwork covers timeouts, connection resets and 429 rate limits.
	// Safe to retry with backoff.
	KindNetwork
	// KindNotSupported marks a capability the provider does not offer.
	KindNotSupported
	// KindPlugin is everything else: venue 4xx/5xx bodies, malformed responses.
	KindPlugin
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindNetwork:
		return "network"
	case KindNotSupported:
		return "not_supported"
	default:
		return "plugin"
	}
}

// Error is the uniform error type surfaced by every plugin. It always names
// the provider and optionally wraps the underlying cause.
type Error struct {
	Provider string
	Kind     ErrorKind
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Provider, e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewAuthError reports rejected or missing credentials.
func NewAuthError(provider, msg string, cause error) *Error {
	return &Error{Provider: provider, Kind: KindAuth, Msg: msg, Err: cause}
}

// NewNetworkError reports a transient transport failure or rate limit.
func NewNetworkError(provider, msg string, cause error) *Error {
	return &Error{Provider: provider, Kind: KindNetwork, Msg: msg, Err: cause}
}

// NewNotSupportedError reports an absent capability.
func NewNotSupportedError(provider, feature string) *Error {
	return &Error{Provider: provider, Kind: KindNotSupported, Msg: feature + " not supported"}
}

// NewPluginError reports any other venue failure.
func NewPluginError(provider, msg string, cause error) *Error {
	return &Error{Provider: provider, Kind: KindPlugin, Msg: msg, Err: cause}
}

func kindIs(err error, kind ErrorKind) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// IsAuth reports whether err is a credential failure.
func IsAuth(err error) bool { return kindIs(err, KindAuth) }

// IsNetwork reports whether err is transient and retryable.
func IsNetwork(err error) bool { return kindIs(err, KindNetwork) }

// IsNotSupported reports whether err marks a missing capability.
func IsNotSupported(err error) bool { return kindIs(err, KindNotSupported) }
