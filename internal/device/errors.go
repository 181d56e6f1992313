package device

import (
	"errors"
	"fmt"
)

var (
	// ErrNotDiscovered is returned by writes attempted without a live session.
	ErrNotDiscovered = errors.New("device: not discovered")

	// ErrWrongKind is returned by Open when the device is not an air purifier.
	ErrWrongKind = errors.New("device: not an air purifier")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("device: session closed")
)

// Error is a transport failure during one device operation.
type Error struct {
	Op     string // "open", "state", "read", "call"
	Method string // method or property name, if any
	Err    error
}

func (e *Error) Error() string {
	if e.Method != "" {
		return fmt.Sprintf("device %s %s: %v", e.Op, e.Method, e.Err)
	}
	return fmt.Sprintf("device %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ResultError reports a call the device answered with a result code other
// than "ok".
type ResultError struct {
	Method string
	Code   string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("device %s: result %q", e.Method, e.Code)
}

// CheckOK returns a ResultError unless the first result element is "ok".
func CheckOK(method string, result []any) error {
	if len(result) == 0 {
		return &ResultError{Method: method, Code: "<empty>"}
	}
	code := fmt.Sprint(result[0])
	if code != "ok" {
		return &ResultError{Method: method, Code: code}
	}
	return nil
}
