package amcp

import (
	"errors"
	"fmt"
)

// CommandError is an action failure that maps to a specific reply code.
type CommandError struct {
	Code    int
	Message string
	Err     error
}

func (e *CommandError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%d: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%d: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%d: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("command failed with %d", e.Code)
	}
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NotFound reports a missing file, template or key (404).
func NotFound(format string, args ...interface{}) error {
	return &CommandError{Code: StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// InvalidParameter reports a parameter with a bad value (403).
func InvalidParameter(format string, args ...interface{}) error {
	return &CommandError{Code: StatusInvalidParameter, Message: fmt.Sprintf(format, args...)}
}

// MissingParameter reports a parameter the action needed but did not get (402).
func MissingParameter(format string, args ...interface{}) error {
	return &CommandError{Code: StatusMissingParameters, Message: fmt.Sprintf(format, args...)}
}

// Failed wraps err as a generic action failure (501).
func Failed(err error) error {
	return &CommandError{Code: StatusFailed, Err: err}
}

// ErrorCode returns the reply code for an action error.
func ErrorCode(err error) int {
	var ce *CommandError
	if errors.As(err, &ce) && ce.Code > 0 {
		return ce.Code
	}
	return StatusFailed
}

// ErrorReply renders an action error for verb.
func ErrorReply(verb string, err error) string {
	return FailedReply(ErrorCode(err), verb)
}
