package actions

import (
	"errors"
	"fmt"
)

// Sentinel errors for action execution.
var (
	// ErrUnsupportedMethod is returned for steps using anything but GET.
	// Such steps fail without retry.
	ErrUnsupportedMethod = errors.New("actions: unsupported HTTP method")

	// ErrInvalidStep is returned for steps without a URL.
	ErrInvalidStep = errors.New("actions: invalid step")

	// ErrStepFailed is returned when a step answers with a non-2xx status.
	ErrStepFailed = errors.New("actions: step failed")
)

// SequenceError reports which step aborted a sequence.
type SequenceError struct {
	Sequence string
	Index    int // zero-based index of the failing step
	URL      string
	Err      error
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("actions: sequence %q aborted at step %d (%s): %v", e.Sequence, e.Index+1, e.URL, e.Err)
}

func (e *SequenceError) Unwrap() error {
	return e.Err
}
