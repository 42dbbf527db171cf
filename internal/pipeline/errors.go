package pipeline

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest marks a prompt or option that is rejected before
// admission. Per-item failures are reported in the matching result slot
// and never fail the batch call.
var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func invalidRequestf(format string, args ...any) error {
	return invalidRequestError{msg: fmt.Sprintf(format, args...)}
}
