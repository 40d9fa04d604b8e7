package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the connection and session layer.
var (
	// ErrConnectionLost is returned to every caller whose request was in
	// flight when the gateway transport closed or the heartbeat timed out.
	ErrConnectionLost = fmt.Errorf("gateway connection lost")

	// ErrCallTimeout is returned when no response frame arrived within the
	// caller's deadline. The connection itself survives.
	ErrCallTimeout = fmt.Errorf("rpc call timed out")

	// ErrMissingCredentials is fatal at startup: neither a token nor a
	// password was configured for the gateway handshake. No retry.
	ErrMissingCredentials = fmt.Errorf("gateway credentials missing: token or password required")

	// ErrSessionNotReady rejects exec writes issued before the create call
	// resolved. Caller error, no retry, no network I/O.
	ErrSessionNotReady = fmt.Errorf("exec session not ready")

	// ErrSessionClosed rejects operations on a session that has been closed
	// locally (explicitly or by a reconnect invalidating it).
	ErrSessionClosed = fmt.Errorf("exec session closed")

	// ErrNotConnected rejects calls issued while the connection manager is
	// not in the Open state.
	ErrNotConnected = fmt.Errorf("not connected to gateway")

	// ErrClosed rejects operations on a connection manager that has been
	// shut down for good.
	ErrClosed = fmt.Errorf("connection manager closed")

	// ErrAuthInvalid is returned by the bridge auth middleware for bad
	// browser credentials.
	ErrAuthInvalid = fmt.Errorf("authentication failed")
)

// GatewayError carries an error payload returned by the gateway peer
// (`ok:false` response). It is propagated verbatim to the caller and never
// retried automatically.
type GatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("gateway error: %s", e.Message)
}

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Exec.Write")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsConnectionLoss reports whether err stems from the transport dying rather
// than from the individual call.
func IsConnectionLoss(err error) bool {
	return errors.Is(err, ErrConnectionLost) || errors.Is(err, ErrNotConnected)
}
