// Package autherr defines the typed errors surfaced by the credential
// subsystem. Callers are expected to match on them with errors.As.
package autherr

import (
	"fmt"
	"time"
)

// ConfigurationError indicates an operation that needs a flow configuration
// was attempted for a provider that has neither a stored credential nor a
// supplied configuration.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("provider %q: %s", e.Provider, e.Reason)
}

// ProtocolError indicates the OAuth provider returned an error, omitted a
// required field, or sent a response we could not make sense of.
type ProtocolError struct {
	Code        string
	Description string
}

func (e *ProtocolError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization failed: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("authorization failed: %s", e.Code)
}

// NetworkError indicates the token endpoint was unreachable or answered
// with a non-2xx status.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed with status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// TimeoutError indicates no callback arrived within the configured window.
type TimeoutError struct {
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("no authorization callback received within %s", e.Waited)
}

// PortInUseError indicates the local callback listener could not bind its
// port.
type PortInUseError struct {
	Addr string
	Err  error
}

func (e *PortInUseError) Error() string {
	return fmt.Sprintf("callback listener could not bind %s: %v", e.Addr, e.Err)
}

func (e *PortInUseError) Unwrap() error {
	return e.Err
}

// RefreshExhaustedError indicates the background refresh gave up after its
// retry budget. The credential is still stored but manual re-authentication
// is required.
type RefreshExhaustedError struct {
	Provider string
	Attempts int
	LastErr  error
}

func (e *RefreshExhaustedError) Error() string {
	return fmt.Sprintf("provider %q: token refresh gave up after %d attempts, manual re-authentication required: %v",
		e.Provider, e.Attempts, e.LastErr)
}

func (e *RefreshExhaustedError) Unwrap() error {
	return e.LastErr
}
