package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrCanceled marks a request aborted through its context. It takes
	// precedence over whatever error the torn-down socket reported.
	ErrCanceled = errors.New("operation canceled")

	// ErrTimeout marks a request that outlived its socket timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrCrossOrigin is returned when a target URL or a redirect would
	// leave the connection's origin.
	ErrCrossOrigin = errors.New("target is outside the connection origin")

	// ErrTooManyRedirects is returned when same-origin redirect
	// following exceeds its depth limit.
	ErrTooManyRedirects = errors.New("too many redirects")
)

// Error code tags for TransportError. These mirror the socket-level errno
// names so callers can branch on them without duck-typing the wrapped error.
const (
	CodeConnRefused   = "ECONNREFUSED"
	CodeConnReset     = "ECONNRESET"
	CodeProto         = "EPROTO"
	CodePipe          = "EPIPE"
	CodeUntrustedCert = "UNTRUSTED_CERT"
	CodeUnknown       = "EUNKNOWN"
)

// TransportError is a network-level failure: DNS, connect, TLS, or a torn
// socket. Code is one of the Code* tags; callers branching on it never need
// to inspect the wrapped error.
type TransportError struct {
	Code string
	Op   string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError is a completed HTTP exchange with a non-success status.
// Body holds a capped snippet of the raw response body; HubMessage, when
// non-empty, is a structured failure message extracted from that body.
type StatusError struct {
	StatusCode int
	Body       string
	HubMessage string
}

func (e *StatusError) Error() string {
	if e.HubMessage != "" {
		return fmt.Sprintf("hub returned %d: %s", e.StatusCode, e.HubMessage)
	}

	return fmt.Sprintf("hub returned %d", e.StatusCode)
}

// ConfigError reports missing or contradictory configuration. It is fatal
// and never retried.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "configuration: " + e.Reason
}

// IsUntrustedCert reports whether err is a transport failure caused by an
// untrusted or invalid server certificate, so callers can show a
// certificate remediation message instead of a generic failure.
func IsUntrustedCert(err error) bool {
	var terr *TransportError
	return errors.As(err, &terr) && terr.Code == CodeUntrustedCert
}
