package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for control plane operations.
var (
	// ErrConnection is returned when the bus cannot be reached or the session
	// was lost mid-call.
	ErrConnection = errors.New("control: connection failed")

	// ErrNotConnected is returned by transports used before Connect.
	ErrNotConnected = errors.New("control: not connected")

	// ErrCapabilityUnresolved is matched by *CapabilityError.
	ErrCapabilityUnresolved = errors.New("control: capability unresolved")

	// ErrServiceNotRunning is returned when the Ekos service did not come up
	// within the configured number of checks.
	ErrServiceNotRunning = errors.New("control: service not running")

	// ErrWorkloadNotFound is returned when a workload file does not exist.
	ErrWorkloadNotFound = errors.New("control: workload not found")

	// ErrCommandRejected is returned when the remote side answers a command
	// with an explicit false.
	ErrCommandRejected = errors.New("control: command rejected")

	// ErrInvalidConfig is returned by NewClient for incomplete addressing.
	ErrInvalidConfig = errors.New("control: invalid config")
)

// CapabilityError reports a logical operation for which no strategy worked.
type CapabilityError struct {
	Op    Operation
	Tried []Strategy
}

func (e *CapabilityError) Error() string {
	tried := make([]string, len(e.Tried))
	for i, s := range e.Tried {
		tried[i] = s.String()
	}
	return fmt.Sprintf("control: no working strategy for %s (tried %s)", e.Op, strings.Join(tried, ", "))
}

// Is makes errors.Is(err, ErrCapabilityUnresolved) match.
func (e *CapabilityError) Is(target error) bool {
	return target == ErrCapabilityUnresolved
}

// IsConnectionError reports whether err means the control plane could not be
// reached, as opposed to the control plane answering unfavourably.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnection) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, context.DeadlineExceeded)
}
