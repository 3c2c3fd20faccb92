// Package envelope defines the command and event envelopes exchanged with a remote
// kernel and their wire encoding.
//
// Every unit on the wire is one envelope: either a Command sent to the kernel or an
// Event describing progress or outcome of a command. Envelopes are encoded as a single
// JSON object:
//
//	{
//	  "kind":         "command" | "event",
//	  "type":         "SubmitCode",
//	  "token":        "5b7a...",          // correlation token
//	  "parentToken":  "1f09..." | null,   // commands only
//	  "targetKernel": "csharp",           // commands only, optional
//	  "sequence":     42,                 // events only
//	  "terminal":     true,               // events only
//	  "payload":      { ... }
//	}
//
// Framing (how envelopes are delimited on a byte stream) is handled by the framing
// package; this package only converts between envelopes and message bytes.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind discriminates the two envelope variants.
type Kind string

const (
	// KindCommand marks an envelope carrying a Command.
	KindCommand Kind = "command"
	// KindEvent marks an envelope carrying an Event.
	KindEvent Kind = "event"
)

var (
	// ErrMalformedMessage is matched by every *MalformedMessageError.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrInvalidEnvelope is returned by Encode for envelopes that cannot be represented
	// on the wire (kind and body disagree, or the payload is not valid JSON).
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Command is a request for the remote kernel to perform an action.
type Command struct {
	Type         string
	Token        string
	ParentToken  string
	TargetKernel string
	Payload      json.RawMessage
}

// Event is a notification about progress or outcome of a Command.
type Event struct {
	Type     string
	Token    string
	Sequence uint64
	Terminal bool
	Payload  json.RawMessage
}

// Envelope is the tagged union sent over the wire. Exactly one of Command and Event
// is set, matching Kind.
type Envelope struct {
	Kind    Kind
	Command *Command
	Event   *Event
}

// ForCommand wraps a command in an envelope.
func ForCommand(c *Command) *Envelope {
	return &Envelope{Kind: KindCommand, Command: c}
}

// ForEvent wraps an event in an envelope.
func ForEvent(e *Event) *Envelope {
	return &Envelope{Kind: KindEvent, Event: e}
}

// MalformedMessageError reports bytes that could not be decoded into an envelope.
// It concerns a single message; the stream it came from remains usable.
type MalformedMessageError struct {
	Reason string
	Data   []byte // leading bytes of the offending message
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

// Unwrap returns the underlying parse error, if any.
func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrMalformedMessage.
func (e *MalformedMessageError) Is(target error) bool {
	return target == ErrMalformedMessage
}

// maxErrorData bounds how much of a bad message is kept for diagnostics.
const maxErrorData = 64

func malformed(data []byte, reason string, err error) *MalformedMessageError {
	if len(data) > maxErrorData {
		data = data[:maxErrorData]
	}
	return &MalformedMessageError{
		Reason: reason,
		Data:   bytes.Clone(data),
		Err:    err,
	}
}

// wireEnvelope is the JSON shape of an envelope. Pointer fields distinguish absent
// from zero so Decode can enforce required fields.
type wireEnvelope struct {
	Kind         Kind            `json:"kind"`
	Type         string          `json:"type"`
	Token        string          `json:"token"`
	ParentToken  *string         `json:"parentToken"`
	TargetKernel string          `json:"targetKernel,omitempty"`
	Sequence     *uint64         `json:"sequence,omitempty"`
	Terminal     *bool           `json:"terminal,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes the envelope to a single wire message.
// Encoding only fails for envelopes that are not well formed (see ErrInvalidEnvelope):
// whatever Encode accepts, Decode accepts too.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrInvalidEnvelope)
	}

	var w wireEnvelope
	switch env.Kind {
	case KindCommand:
		c := env.Command
		if c == nil || env.Event != nil {
			return nil, fmt.Errorf("%w: command envelope must carry only a command", ErrInvalidEnvelope)
		}
		if c.Token == "" {
			return nil, fmt.Errorf("%w: command %q has no token", ErrInvalidEnvelope, c.Type)
		}
		w = wireEnvelope{
			Kind:         KindCommand,
			Type:         c.Type,
			Token:        c.Token,
			TargetKernel: c.TargetKernel,
			Payload:      c.Payload,
		}
		if c.ParentToken != "" {
			parent := c.ParentToken
			w.ParentToken = &parent
		}

	case KindEvent:
		e := env.Event
		if e == nil || env.Command != nil {
			return nil, fmt.Errorf("%w: event envelope must carry only an event", ErrInvalidEnvelope)
		}
		if e.Terminal && e.Token == "" {
			return nil, fmt.Errorf("%w: terminal event %q has no token", ErrInvalidEnvelope, e.Type)
		}
		seq, terminal := e.Sequence, e.Terminal
		w = wireEnvelope{
			Kind:     KindEvent,
			Type:     e.Type,
			Token:    e.Token,
			Sequence: &seq,
			Terminal: &terminal,
			Payload:  e.Payload,
		}

	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, env.Kind)
	}

	if w.Type == "" {
		return nil, fmt.Errorf("%w: %s has no type", ErrInvalidEnvelope, env.Kind)
	}
	if len(w.Payload) > 0 && !json.Valid(w.Payload) {
		return nil, fmt.Errorf("%w: payload of %s %q is not valid JSON", ErrInvalidEnvelope, env.Kind, w.Type)
	}

	data, err := json.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return data, nil
}

// Decode parses a single wire message. It returns a *MalformedMessageError when the
// bytes are not a JSON envelope, the kind is unknown or a required field is absent.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, malformed(data, "invalid JSON", err)
	}

	if w.Type == "" {
		return nil, malformed(data, "missing type", nil)
	}

	payload := w.Payload
	if bytes.Equal(payload, []byte("null")) {
		payload = nil
	}

	switch w.Kind {
	case KindCommand:
		if w.Token == "" {
			return nil, malformed(data, fmt.Sprintf("command %q missing token", w.Type), nil)
		}
		c := &Command{
			Type:         w.Type,
			Token:        w.Token,
			TargetKernel: w.TargetKernel,
			Payload:      payload,
		}
		if w.ParentToken != nil {
			c.ParentToken = *w.ParentToken
		}
		return ForCommand(c), nil

	case KindEvent:
		if w.Sequence == nil {
			return nil, malformed(data, fmt.Sprintf("event %q missing sequence", w.Type), nil)
		}
		if w.Terminal == nil {
			return nil, malformed(data, fmt.Sprintf("event %q missing terminal flag", w.Type), nil)
		}
		if *w.Terminal && w.Token == "" {
			return nil, malformed(data, fmt.Sprintf("terminal event %q missing token", w.Type), nil)
		}
		return ForEvent(&Event{
			Type:     w.Type,
			Token:    w.Token,
			Sequence: *w.Sequence,
			Terminal: *w.Terminal,
			Payload:  payload,
		}), nil

	case "":
		return nil, malformed(data, "missing kind", nil)

	default:
		return nil, malformed(data, fmt.Sprintf("unknown kind %q", w.Kind), nil)
	}
}
