package safety

import (
	"errors"
	"fmt"
)

// Sentinel errors for safety source operations.
var (
	// ErrTransport indicates the device could not be reached or answered
	// with a non-2xx HTTP status.
	ErrTransport = errors.New("safety: transport failure")

	// ErrProtocol indicates a well-formed response carrying a non-zero
	// ErrorNumber. Use errors.As with *ProtocolError for the details.
	ErrProtocol = errors.New("safety: device reported error")

	// ErrMalformedResponse indicates the response body was not the expected JSON.
	ErrMalformedResponse = errors.New("safety: malformed response")

	// ErrInvalidConfig is returned by NewSource for unusable configuration.
	ErrInvalidConfig = errors.New("safety: invalid configuration")
)

// Alpaca error numbers with special handling.
const (
	// alpacaNotConnected is returned by devices that have not been connected.
	alpacaNotConnected = 0x407
)

// ProtocolError carries the device-reported error for a query.
type ProtocolError struct {
	Number  int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("safety: device error %d: %s", e.Number, e.Message)
}

// Is makes errors.Is(err, ErrProtocol) match any ProtocolError.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// NotConnected reports whether the device says it is not connected.
func (e *ProtocolError) NotConnected() bool {
	return e.Number == alpacaNotConnected
}
