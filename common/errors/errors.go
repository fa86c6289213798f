// Package errors defines the typed error taxonomy shared across the relay:
// schema rejections, authentication and authorization failures, provider
// command failures, and bus disconnects. All support errors.Is/As matching.
package errors

import (
	"errors"
	"fmt"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
	New    = errors.New
)

// AuthReason classifies why token verification failed.
type AuthReason string

const (
	ReasonMalformed        AuthReason = "malformed_token"
	ReasonBadSignature     AuthReason = "invalid_signature"
	ReasonExpired          AuthReason = "expired_token"
	ReasonUnknownPrincipal AuthReason = "unknown_principal"
	// ReasonCancelled marks a verification abandoned because the caller went
	// away, not a defect in the token itself.
	ReasonCancelled AuthReason = "cancelled"
)

// WebSocket close codes sent to clients on refused connections.
const (
	CloseAuthFailure    = 4001
	CloseNotEntitled    = 4003
	CloseUnknownAccount = 4004
)

// SchemaError marks a bus message that failed routing-key or payload
// validation. The message is dropped and counted, never fatal.
type SchemaError struct {
	RoutingKey string
	EventType  string
	Reason     string
	Err        error
}

func (e *SchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema violation on %q (%s): %s: %v", e.RoutingKey, e.EventType, e.Reason, e.Err)
	}
	return fmt.Sprintf("schema violation on %q (%s): %s", e.RoutingKey, e.EventType, e.Reason)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// AuthFailure is returned when a connection token cannot be verified. The
// connection is closed with CloseCode and no subscription state is created.
type AuthFailure struct {
	Reason    AuthReason
	CloseCode int
	Err       error
}

func (e *AuthFailure) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthFailure) Unwrap() error { return e.Err }

// NewAuthFailure builds an AuthFailure with the standard close code.
func NewAuthFailure(reason AuthReason, err error) *AuthFailure {
	return &AuthFailure{Reason: reason, CloseCode: CloseAuthFailure, Err: err}
}

// AuthorizationError is returned when a verified identity requests a
// subscription to an account it is not entitled to. The subscription is
// refused but the connection stays open.
type AuthorizationError struct {
	Subject   string
	AccountID string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("identity %s is not entitled to account %s", e.Subject, e.AccountID)
}

// ProviderError wraps a failed trading-provider command. It is isolated to
// one position and retried on the next monitor cycle.
type ProviderError struct {
	Op         string
	AccountID  string
	PositionID string
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed for position %s (account %s): %v", e.Op, e.PositionID, e.AccountID, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// BusDisconnected marks a lost bus connection. The gateway reconnects with
// exponential backoff; beyond the cap it surfaces a health signal.
type BusDisconnected struct {
	Attempts int
	Err      error
}

func (e *BusDisconnected) Error() string {
	return fmt.Sprintf("bus disconnected after %d attempts: %v", e.Attempts, e.Err)
}

func (e *BusDisconnected) Unwrap() error { return e.Err }

// IsAuthFailure reports whether err is (or wraps) an AuthFailure.
func IsAuthFailure(err error) bool {
	var af *AuthFailure
	return errors.As(err, &af)
}

// IsAuthorization reports whether err is (or wraps) an AuthorizationError.
func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}

// IsSchema reports whether err is (or wraps) a SchemaError.
func IsSchema(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}
