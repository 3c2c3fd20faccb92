package kernel

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/smnsjas/go-kernelproxy/connection"
	"github.com/smnsjas/go-kernelproxy/envelope"
	"github.com/smnsjas/go-kernelproxy/framing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

// remote plays the kernel side of a connection with scripted events.
type remote struct {
	t        *testing.T
	conn     net.Conn
	frames   framing.FrameWriter
	sender   *connection.Sender
	commands chan *envelope.Command
}

func newPair(t *testing.T, opts ...Option) (*Proxy, *remote) {
	t.Helper()
	local, far := net.Pipe()

	fr, fw, err := framing.NewStream(framing.ModeChunked, local, local, 0)
	require.NoError(t, err)
	p := New("test", connection.NewReceiver(fr), connection.NewSender(fw),
		append([]Option{WithCloser(local)}, opts...)...)

	rfr, rfw, err := framing.NewStream(framing.ModeChunked, far, far, 0)
	require.NoError(t, err)
	r := &remote{
		t:        t,
		conn:     far,
		frames:   rfw,
		sender:   connection.NewSender(rfw),
		commands: make(chan *envelope.Command, 64),
	}
	go func() {
		defer close(r.commands)
		for env, err := range connection.NewReceiver(rfr).All() {
			if err == nil && env.Kind == envelope.KindCommand {
				r.commands <- env.Command
			}
		}
	}()

	t.Cleanup(func() {
		_ = p.Close()
		_ = far.Close()
		select {
		case <-p.Done():
		case <-time.After(testTimeout):
			t.Error("run loop did not stop")
		}
	})
	return p, r
}

// nextCommand returns the next command the proxy sent, or nil after reporting a
// failure. It may be called from any goroutine.
func (r *remote) nextCommand() *envelope.Command {
	r.t.Helper()
	select {
	case cmd, ok := <-r.commands:
		if !ok {
			r.t.Error("connection closed while waiting for a command")
			return nil
		}
		return cmd
	case <-time.After(testTimeout):
		r.t.Error("timed out waiting for a command")
		return nil
	}
}

// emit sends an event. It is safe to call from goroutines other than the test's.
func (r *remote) emit(eventType, token string, terminal bool, payload string) {
	ev := &envelope.Event{Type: eventType, Token: token, Terminal: terminal}
	if payload != "" {
		ev.Payload = json.RawMessage(payload)
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	assert.NoError(r.t, r.sender.SendEvent(ctx, ev))
}

func (r *remote) succeed(token string) {
	r.emit(envelope.EventCommandSucceeded, token, true, "")
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

func command(t *testing.T, token string) *envelope.Command {
	t.Helper()
	cmd, err := envelope.NewCommand(envelope.CommandSubmitCode, envelope.SubmitCode{Code: "1+1"})
	require.NoError(t, err)
	cmd.Token = token
	return cmd
}

func waitDone(t *testing.T, p *Proxy) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(testTimeout):
		t.Fatal("run loop did not stop")
	}
}

// recorder collects events delivered to a subscriber.
type recorder struct {
	events chan *envelope.Event
}

func record(p *Proxy) (*recorder, func()) {
	rec := &recorder{events: make(chan *envelope.Event, 64)}
	return rec, p.Subscribe(func(ev *envelope.Event) { rec.events <- ev })
}

func (rec *recorder) next(t *testing.T) *envelope.Event {
	t.Helper()
	select {
	case ev := <-rec.events:
		return ev
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for an event")
		return nil
	}
}
