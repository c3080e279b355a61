// Package errors classifies the errors produced by the correlation layer and
// the fetch loop. Transport problems are wrapped in NetworkError, cancellation
// and deadlines in CanceledError. Callers use IsNetwork and IsCanceled to tell
// them apart: the fetch loop retries after a cancellation but gives up after a
// network failure.
package errors

import (
	"errors"
	"fmt"
)

// New returns an instance of JsonError.
func New(message string) error {
	return &JsonError{error: errors.New(message)}
}

// Format is analogous to fmt.Errorf returning instance of JsonError.
func Format(format string, v ...interface{}) error {
	return &JsonError{fmt.Errorf(format, v...)}
}

// Wrap err, returning instance of JsonError. If err is nil, return nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return &JsonError{error: err}
}

// JsonError wraps error and implements MarshalJSON so that errors that are
// parts of structs are properly serialized.
type JsonError struct {
	error
}

func (e *JsonError) Unwrap() error {
	return e.error
}

func (e *JsonError) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.Error() + `"`), nil
}

// NetworkError is a failure of the transport: dial, write, read, response
// framing or decoding. The connection it happened on should not be trusted.
type NetworkError struct {
	error
}

func (e *NetworkError) Unwrap() error {
	return e.error
}

func (e *NetworkError) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.Error() + `"`), nil
}

// Network wraps err in NetworkError. If err is nil, return nil. Wrapping an
// error that already is a NetworkError returns it unchanged.
func Network(err error) error {
	if err == nil {
		return nil
	}
	if IsNetwork(err) {
		return err
	}
	return &NetworkError{error: err}
}

// CanceledError means that the caller gave up waiting: its context was
// canceled or its deadline passed. The connection may still be fine.
type CanceledError struct {
	error
}

func (e *CanceledError) Unwrap() error {
	return e.error
}

func (e *CanceledError) MarshalJSON() ([]byte, error) {
	return []byte(`"` + e.Error() + `"`), nil
}

// Canceled wraps err in CanceledError. If err is nil, return nil.
func Canceled(err error) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return err
	}
	return &CanceledError{error: err}
}

func IsNetwork(err error) bool {
	var e *NetworkError
	return errors.As(err, &e)
}

func IsCanceled(err error) bool {
	var e *CanceledError
	return errors.As(err, &e)
}

// Is and As are errors.Is and errors.As, so that callers importing this
// package don't need the standard one too.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
