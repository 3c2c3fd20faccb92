package envelope

import (
	"encoding/json"
	"fmt"
)

// Command types understood by kernels.
const (
	CommandSubmitCode         = "SubmitCode"
	CommandRequestCompletions = "RequestCompletions"
	CommandRequestHoverText   = "RequestHoverText"
	CommandRequestDiagnostics = "RequestDiagnostics"
	// CommandCancel asks the kernel to cancel the commands it is currently handling.
	CommandCancel = "Cancel"
)

// Event types produced by kernels.
const (
	// EventKernelReady is sent once by a kernel host when it starts accepting commands.
	// It does not pertain to any command and may carry an empty token.
	EventKernelReady = "KernelReady"

	// Terminal events. Exactly one of these closes out each command.
	EventCommandSucceeded = "CommandSucceeded"
	EventCommandFailed    = "CommandFailed"

	// Progress events.
	EventReturnValueProduced         = "ReturnValueProduced"
	EventDisplayedValueProduced      = "DisplayedValueProduced"
	EventStandardOutputValueProduced = "StandardOutputValueProduced"
	EventStandardErrorValueProduced  = "StandardErrorValueProduced"
	EventDiagnosticsProduced         = "DiagnosticsProduced"
	EventCompletionsProduced         = "CompletionsProduced"
)

// IsTerminalType reports whether events of the given type close out their command.
func IsTerminalType(eventType string) bool {
	return eventType == EventCommandSucceeded || eventType == EventCommandFailed
}

// SubmitCode is the payload of a SubmitCode command.
type SubmitCode struct {
	Code string `json:"code"`
}

// CommandFailed is the payload of a CommandFailed event.
type CommandFailed struct {
	Message string `json:"message"`
}

// FormattedValue is one rendering of a produced value.
type FormattedValue struct {
	MimeType string `json:"mimeType"`
	Value    string `json:"value"`
}

// ValueProduced is the payload of the *ValueProduced events.
type ValueProduced struct {
	FormattedValues []FormattedValue `json:"formattedValues"`
}

// KernelReady is the payload of a KernelReady event.
type KernelReady struct {
	KernelName string `json:"kernelName,omitempty"`
}

// NewCommand builds a command with a JSON-encoded payload. A nil payload is omitted.
// The token is left empty; it is assigned at submission.
func NewCommand(commandType string, payload any) (*Command, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("command %s: %w", commandType, err)
	}
	return &Command{Type: commandType, Payload: raw}, nil
}

// NewEvent builds an event for the command identified by token. The sequence number
// is assigned by the sender.
func NewEvent(eventType, token string, terminal bool, payload any) (*Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", eventType, err)
	}
	return &Event{Type: eventType, Token: token, Terminal: terminal, Payload: raw}, nil
}

// DecodePayload unmarshals the command payload into v.
func (c *Command) DecodePayload(v any) error {
	return decodePayload(c.Type, c.Payload, v)
}

// DecodePayload unmarshals the event payload into v.
func (e *Event) DecodePayload(v any) error {
	return decodePayload(e.Type, e.Payload, v)
}

// Succeeded reports whether the event is a terminal success.
func (e *Event) Succeeded() bool {
	return e.Terminal && e.Type == EventCommandSucceeded
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

func decodePayload(typ string, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%s: empty payload", typ)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s: decode payload: %w", typ, err)
	}
	return nil
}
