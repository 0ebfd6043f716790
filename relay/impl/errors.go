package impl

import (
	"errors"
	"fmt"
)

// ErrorKind classifies relay failures.
type ErrorKind int

const (
	// KindTransientIO is a read, write or timeout failure on an established
	// stream.
	KindTransientIO ErrorKind = iota
	// KindMalformedData is a payload that cannot be parsed or decoded. The
	// offending item is dropped and the stream goes on.
	KindMalformedData
	// KindResourceAcquisition is a failure to open a device, a connection or
	// an HTTP stream.
	KindResourceAcquisition
	// KindBufferOverflow is a scan buffer that grew past its cap.
	KindBufferOverflow
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransientIO:
		return "transient_io"
	case KindMalformedData:
		return "malformed_data"
	case KindResourceAcquisition:
		return "resource_acquisition"
	case KindBufferOverflow:
		return "buffer_overflow"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RelayError wraps a failure with its kind and the operation that failed.
type RelayError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// NewError returns a RelayError.
func NewError(kind ErrorKind, op string, err error) *RelayError {
	return &RelayError{Kind: kind, Op: op, Err: err}
}

func (err *RelayError) Error() string {
	if err.Err == nil {
		return fmt.Sprintf("%s: %s", err.Op, err.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", err.Op, err.Kind, err.Err)
}

func (err *RelayError) Unwrap() error {
	return err.Err
}

// KindOf returns the kind of err. Errors that carry no kind are considered
// transient I/O.
func KindOf(err error) ErrorKind {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Kind
	}
	return KindTransientIO
}

// IsMalformed reports whether err only concerns one dropped item.
func IsMalformed(err error) bool {
	return err != nil && KindOf(err) == KindMalformedData
}

// AlreadyRunningError occurs when trying to start a session that is not idle
type AlreadyRunningError struct {
	State fmt.Stringer
}

func (err AlreadyRunningError) Error() string {
	return fmt.Sprintf("can't start session: already %s", err.State)
}

// NotRunningError occurs when using a session that is not streaming
type NotRunningError struct{}

func (err NotRunningError) Error() string {
	return "session not running"
}
