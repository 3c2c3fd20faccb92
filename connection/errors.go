package connection

import (
	"errors"
)

var (
	// ErrTransportWrite is matched by every *TransportWriteError.
	ErrTransportWrite = errors.New("transport write failed")
	// ErrTransportRead is matched by every *TransportReadError.
	ErrTransportRead = errors.New("transport read failed")
	// ErrTooManyMalformed ends a receive sequence after repeated malformed messages.
	ErrTooManyMalformed = errors.New("too many consecutive malformed messages")
	// ErrAlreadyConsumed is yielded when a Receiver's sequence is iterated twice.
	ErrAlreadyConsumed = errors.New("receiver sequence already consumed")
)

// TransportWriteError reports a frame that could not be written. The stream must be
// considered broken after it.
type TransportWriteError struct {
	Err error
}

func (e *TransportWriteError) Error() string {
	return "transport write failed: " + e.Err.Error()
}

// Unwrap returns the underlying write error.
func (e *TransportWriteError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrTransportWrite.
func (e *TransportWriteError) Is(target error) bool {
	return target == ErrTransportWrite
}

// TransportReadError ends a receive sequence: the stream failed or lost framing.
type TransportReadError struct {
	Err error
}

func (e *TransportReadError) Error() string {
	return "transport read failed: " + e.Err.Error()
}

// Unwrap returns the underlying read error.
func (e *TransportReadError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrTransportRead.
func (e *TransportReadError) Is(target error) bool {
	return target == ErrTransportRead
}
