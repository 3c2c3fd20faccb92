package kernel

import (
	"errors"
	"fmt"

	"github.com/smnsjas/go-kernelproxy/envelope"
)

var (
	// ErrNotConnected is returned by SubmitAsync when the proxy is not Open.
	ErrNotConnected = errors.New("kernel not connected")
	// ErrDuplicateToken is returned when a submission with the same token is pending.
	ErrDuplicateToken = errors.New("duplicate command token")
	// ErrInvalidCommand is returned for a nil command or one without a type.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrCommandFailed is reported by (*Outcome).AsError for a failed command.
	ErrCommandFailed = errors.New("command failed")
	// ErrDisconnected is reported by (*Outcome).AsError when the connection closed
	// before the command completed.
	ErrDisconnected = errors.New("kernel disconnected")
	// ErrConnectionFaulted is reported by (*Outcome).AsError when the connection failed
	// before the command completed.
	ErrConnectionFaulted = errors.New("kernel connection faulted")
)

// Status classifies how a submission was resolved.
type Status int

const (
	// OutcomeSucceeded means the kernel sent a terminal success event.
	OutcomeSucceeded Status = iota + 1
	// OutcomeFailed means the kernel sent a terminal CommandFailed event.
	OutcomeFailed
	// OutcomeDisconnected means the connection closed cleanly first.
	OutcomeDisconnected
	// OutcomeConnectionFaulted means the connection failed first.
	OutcomeConnectionFaulted
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case OutcomeSucceeded:
		return "Succeeded"
	case OutcomeFailed:
		return "Failed"
	case OutcomeDisconnected:
		return "Disconnected"
	case OutcomeConnectionFaulted:
		return "ConnectionFaulted"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Outcome is the resolution of a submission.
//
// A terminal event resolves its submission as OutcomeFailed only when its type is
// envelope.EventCommandFailed. Every other terminal type, including ones this package
// does not know, is a success; its payload is the result.
type Outcome struct {
	Status Status
	// Event is the terminal event, when one arrived.
	Event *envelope.Event
	// Err is the connection failure for OutcomeConnectionFaulted.
	Err error
}

// Succeeded reports whether the command completed successfully.
func (o *Outcome) Succeeded() bool {
	return o.Status == OutcomeSucceeded
}

// AsError converts a non-successful outcome to an error. It returns nil on success.
func (o *Outcome) AsError() error {
	switch o.Status {
	case OutcomeSucceeded:
		return nil
	case OutcomeFailed:
		var failed envelope.CommandFailed
		if o.Event != nil && o.Event.DecodePayload(&failed) == nil && failed.Message != "" {
			return fmt.Errorf("%w: %s", ErrCommandFailed, failed.Message)
		}
		return ErrCommandFailed
	case OutcomeDisconnected:
		return ErrDisconnected
	case OutcomeConnectionFaulted:
		if o.Err != nil {
			return fmt.Errorf("%w: %w", ErrConnectionFaulted, o.Err)
		}
		return ErrConnectionFaulted
	default:
		return fmt.Errorf("unknown outcome status %d", int(o.Status))
	}
}

// outcomeForEvent classifies a terminal event. Kernels may close commands with their
// own terminal types, so only CommandFailed is a failure.
func outcomeForEvent(ev *envelope.Event) *Outcome {
	if ev.Type == envelope.EventCommandFailed {
		return &Outcome{Status: OutcomeFailed, Event: ev}
	}
	return &Outcome{Status: OutcomeSucceeded, Event: ev}
}
