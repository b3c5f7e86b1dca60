package gemini

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigMissing is returned when Connect is called before Configure
	ErrConfigMissing = errors.New("session config missing")

	// ErrInvalidState is returned when an operation is not allowed in the current lifecycle state
	ErrInvalidState = errors.New("invalid session state")

	// ErrSetupTimeout is returned when the setup acknowledgment does not arrive in time
	ErrSetupTimeout = errors.New("setup handshake timed out")
)

// UpstreamError reports a network or protocol failure on the Live API connection.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("gemini %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func stateError(op string, s State) error {
	return fmt.Errorf("%w: %s while %s", ErrInvalidState, op, s)
}
