// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package source

import "errors"

// Source errors.
var (
	ErrConnectionClosed       = errors.New("connection closed")
	ErrSessionClosed          = errors.New("session closed")
	ErrConsumerClosed         = errors.New("consumer closed")
	ErrNotTransacted          = errors.New("session is not transacted")
	ErrTransactionUnsupported = errors.New("transactions not supported by source")
	ErrDurableUnsupported     = errors.New("durable subscriptions not supported by source")
	ErrSharedUnsupported      = errors.New("shared subscriptions not supported by source")
	ErrSelectorUnsupported    = errors.New("message selectors not supported by source")
	ErrInvalidSelector        = errors.New("invalid message selector")
	ErrInvalidDestination     = errors.New("invalid destination")
)

// Error is a failure reported by the messaging client. The engine treats
// every *Error as an infrastructure failure, as opposed to failures raised
// by the delivery target itself.
type Error struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap returns err as an *Error for op. Nil stays nil and existing
// *Error values are returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// IsInfrastructure reports whether err was raised by the messaging client.
func IsInfrastructure(err error) bool {
	var se *Error
	return errors.As(err, &se)
}
