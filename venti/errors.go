package venti

import (
	"errors"
	"fmt"
)

// ProtocolError is a violation of the wire protocol. The connection that
// produced it must be closed.
type ProtocolError struct {
	Op  string // "decode", "encode", "version"
	Msg string
	Err error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("venti %s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("venti %s: %s", e.Op, e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError checks if an error is a ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func protoErrorf(op string, err error, format string, args ...any) error {
	return &ProtocolError{Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}
