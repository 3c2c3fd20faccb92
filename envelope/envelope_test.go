package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  *Envelope
	}{
		{
			name: "submit code with parent and target",
			env: ForCommand(&Command{
				Type:         CommandSubmitCode,
				Token:        "t1",
				ParentToken:  "t0",
				TargetKernel: "fsharp",
				Payload:      json.RawMessage(`{"code":"1+1"}`),
			}),
		},
		{
			name: "command without payload or parent",
			env:  ForCommand(&Command{Type: CommandCancel, Token: "t9"}),
		},
		{
			name: "terminal event",
			env: ForEvent(&Event{
				Type:     EventCommandSucceeded,
				Token:    "t1",
				Sequence: 7,
				Terminal: true,
				Payload:  json.RawMessage(`"2"`),
			}),
		},
		{
			name: "ready event without token",
			env:  ForEvent(&Event{Type: EventKernelReady, Sequence: 1}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.env)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, tt.env, got)
		})
	}
}

func TestEncodeWireShape(t *testing.T) {
	data, err := Encode(ForCommand(&Command{Type: CommandSubmitCode, Token: "t1"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"command","type":"SubmitCode","token":"t1","parentToken":null}`, string(data))

	data, err = Encode(ForEvent(&Event{Type: EventReturnValueProduced, Token: "t1", Sequence: 3}))
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"kind":"event","type":"ReturnValueProduced","token":"t1","parentToken":null,"sequence":3,"terminal":false}`,
		string(data))
}

func TestEncodeInvalidEnvelope(t *testing.T) {
	tests := []struct {
		name string
		env  *Envelope
	}{
		{name: "nil", env: nil},
		{name: "unknown kind", env: &Envelope{Kind: "query", Command: &Command{Type: "x"}}},
		{name: "command kind with event body", env: &Envelope{Kind: KindCommand, Event: &Event{Type: "x"}}},
		{name: "event kind without body", env: &Envelope{Kind: KindEvent}},
		{name: "invalid payload", env: ForCommand(&Command{Type: "x", Token: "t", Payload: json.RawMessage(`{`)})},
		{name: "command without type", env: ForCommand(&Command{Token: "t"})},
		{name: "command without token", env: ForCommand(&Command{Type: CommandSubmitCode})},
		{name: "terminal event without token", env: ForEvent(&Event{Type: EventCommandSucceeded, Terminal: true})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.env)
			assert.ErrorIs(t, err, ErrInvalidEnvelope)
		})
	}
}

func TestEncodeAcceptsWhatDecodeAccepts(t *testing.T) {
	ready := ForEvent(&Event{Type: EventKernelReady, Sequence: 1})
	data, err := Encode(ready)
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, ready, got)

	for _, env := range []*Envelope{
		ForCommand(&Command{Type: CommandSubmitCode}),
		ForEvent(&Event{Type: EventCommandFailed, Terminal: true}),
	} {
		_, err := Encode(env)
		require.ErrorIs(t, err, ErrInvalidEnvelope)

		// The same envelope written by hand is dropped by the reader.
		raw := fmt.Sprintf(`{"kind":%q,"type":"x","sequence":1,"terminal":true}`, env.Kind)
		_, err = Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedMessage)
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		reason string
	}{
		{name: "not json", input: "\x00\x01garbage", reason: "invalid JSON"},
		{name: "missing kind", input: `{"type":"SubmitCode","token":"t"}`, reason: "missing kind"},
		{name: "unknown kind", input: `{"kind":"query","type":"SubmitCode","token":"t"}`, reason: `unknown kind "query"`},
		{name: "missing type", input: `{"kind":"command","token":"t"}`, reason: "missing type"},
		{name: "command missing token", input: `{"kind":"command","type":"SubmitCode"}`, reason: `command "SubmitCode" missing token`},
		{name: "event missing sequence", input: `{"kind":"event","type":"X","token":"t","terminal":false}`, reason: `event "X" missing sequence`},
		{name: "event missing terminal", input: `{"kind":"event","type":"X","token":"t","sequence":1}`, reason: `event "X" missing terminal flag`},
		{name: "terminal event missing token", input: `{"kind":"event","type":"CommandSucceeded","sequence":1,"terminal":true}`, reason: `terminal event "CommandSucceeded" missing token`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.input))
			assert.Nil(t, env)
			require.ErrorIs(t, err, ErrMalformedMessage)

			var mErr *MalformedMessageError
			require.True(t, errors.As(err, &mErr))
			assert.Equal(t, tt.reason, mErr.Reason)
			assert.LessOrEqual(t, len(mErr.Data), maxErrorData)
		})
	}
}

func TestDecodeNullPayload(t *testing.T) {
	env, err := Decode([]byte(`{"kind":"event","type":"X","token":"t","sequence":1,"terminal":false,"payload":null}`))
	require.NoError(t, err)
	assert.Nil(t, env.Event.Payload)
}

func TestPayloadHelpers(t *testing.T) {
	cmd, err := NewCommand(CommandSubmitCode, SubmitCode{Code: "1+1"})
	require.NoError(t, err)
	assert.Empty(t, cmd.Token)

	var sc SubmitCode
	require.NoError(t, cmd.DecodePayload(&sc))
	assert.Equal(t, "1+1", sc.Code)

	ev, err := NewEvent(EventCommandFailed, "t1", true, CommandFailed{Message: "boom"})
	require.NoError(t, err)
	assert.False(t, ev.Succeeded())

	var failed CommandFailed
	require.NoError(t, ev.DecodePayload(&failed))
	assert.Equal(t, "boom", failed.Message)

	empty, err := NewEvent(EventCommandSucceeded, "t1", true, nil)
	require.NoError(t, err)
	assert.True(t, empty.Succeeded())
	assert.Error(t, empty.DecodePayload(&failed))

	_, err = NewCommand(CommandSubmitCode, make(chan int))
	assert.Error(t, err)
}

func TestIsTerminalType(t *testing.T) {
	assert.True(t, IsTerminalType(EventCommandSucceeded))
	assert.True(t, IsTerminalType(EventCommandFailed))
	assert.False(t, IsTerminalType(EventReturnValueProduced))
	assert.False(t, IsTerminalType(EventKernelReady))
}
