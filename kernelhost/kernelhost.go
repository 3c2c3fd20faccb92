// Package kernelhost serves a kernel on the remote end of a connection.
//
// A Host reads commands from a connection, hands each one to a Kernel on its own
// goroutine and writes the resulting events back. Every command ends with exactly one
// terminal event: CommandSucceeded when the kernel returns nil, CommandFailed carrying
// the error message otherwise. Kernels only emit progress events.
//
// # Cancellation
//
// A Cancel command cancels the context of every other command in flight, then
// succeeds. Cancelled kernels are expected to return promptly; their terminal event is
// still sent.
//
// # Usage
//
//	echo := kernelhost.KernelFunc(func(ctx context.Context, cmd *envelope.Command, em kernelhost.Emitter) error {
//	    var code envelope.SubmitCode
//	    if err := cmd.DecodePayload(&code); err != nil {
//	        return err
//	    }
//	    return kernelhost.EmitText(ctx, em, envelope.EventStandardOutputValueProduced, code.Code)
//	})
//
//	host := kernelhost.New(echo, receiver, sender, kernelhost.WithReadyEvent("echo"))
//	err := host.Serve(ctx)
package kernelhost

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/smnsjas/go-kernelproxy/connection"
	"github.com/smnsjas/go-kernelproxy/envelope"
	"github.com/smnsjas/go-kernelproxy/kernel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrency bounds the commands a Host handles at once.
const DefaultMaxConcurrency = 64

var (
	// ErrCommandCompleted is returned by Emit once the command's terminal event is sent.
	ErrCommandCompleted = errors.New("command already completed")
	// ErrTerminalEvent is returned by Emit for terminal event types; the host sends
	// those itself.
	ErrTerminalEvent = errors.New("terminal events are sent by the host")
)

// Kernel handles commands. Handle is called concurrently, once per command. It may
// emit progress events through em until it returns.
type Kernel interface {
	Handle(ctx context.Context, cmd *envelope.Command, em Emitter) error
}

// KernelFunc adapts a function to the Kernel interface.
type KernelFunc func(ctx context.Context, cmd *envelope.Command, em Emitter) error

// Handle calls f.
func (f KernelFunc) Handle(ctx context.Context, cmd *envelope.Command, em Emitter) error {
	return f(ctx, cmd, em)
}

// Emitter sends progress events for one command.
type Emitter interface {
	// Token returns the token of the command being handled.
	Token() string
	// Emit sends a non-terminal event for the command.
	Emit(ctx context.Context, eventType string, payload any) error
}

// EmitText emits a ValueProduced event carrying text as text/plain.
func EmitText(ctx context.Context, em Emitter, eventType, text string) error {
	return em.Emit(ctx, eventType, envelope.ValueProduced{
		FormattedValues: []envelope.FormattedValue{{MimeType: "text/plain", Value: text}},
	})
}

// Host serves a Kernel over one connection.
type Host struct {
	kernel   Kernel
	receiver *connection.Receiver
	sender   *connection.Sender

	logger         *zap.Logger
	maxConcurrency int
	ready          bool
	kernelName     string

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Host) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMaxConcurrency bounds the commands handled at once. Reading pauses while the
// bound is reached.
func WithMaxConcurrency(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.maxConcurrency = n
		}
	}
}

// WithReadyEvent makes Serve announce the kernel with a KernelReady event before
// reading commands.
func WithReadyEvent(kernelName string) Option {
	return func(h *Host) {
		h.ready = true
		h.kernelName = kernelName
	}
}

// New creates a Host. The host owns receiver from here on.
func New(k Kernel, receiver *connection.Receiver, sender *connection.Sender, opts ...Option) *Host {
	h := &Host{
		kernel:         k,
		receiver:       receiver,
		sender:         sender,
		logger:         zap.NewNop(),
		maxConcurrency: DefaultMaxConcurrency,
		inflight:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve reads and handles commands until the connection ends. It returns nil when the
// peer closed the connection cleanly and the read error otherwise. In both cases the
// contexts of running commands are cancelled and Serve waits for them to return.
//
// Cancelling ctx cancels running commands but does not interrupt a blocked read; close
// the connection to stop Serve.
func (h *Host) Serve(ctx context.Context) error {
	if h.ready {
		ev, err := envelope.NewEvent(envelope.EventKernelReady, "", false,
			envelope.KernelReady{KernelName: h.kernelName})
		if err != nil {
			return err
		}
		if err := h.sender.SendEvent(ctx, ev); err != nil {
			return fmt.Errorf("announce kernel: %w", err)
		}
	}

	var g errgroup.Group
	g.SetLimit(h.maxConcurrency)

	var readErr error
	for env, err := range h.receiver.All() {
		if err != nil {
			if errors.Is(err, envelope.ErrMalformedMessage) {
				h.logger.Warn("dropping malformed message", zap.Error(err))
				continue
			}
			readErr = err
			break
		}
		if env.Kind != envelope.KindCommand {
			h.logger.Debug("dropping event sent by proxy", zap.String("type", env.Event.Type))
			continue
		}

		cmd := env.Command
		if cmd.Type == envelope.CommandCancel {
			h.cancel(ctx, cmd)
			continue
		}

		cmdCtx, cancel := context.WithCancel(kernel.WithParentToken(ctx, cmd.Token))
		if !h.track(cmd.Token, cancel) {
			cancel()
			h.logger.Warn("dropping command with a token already in flight", zap.String("token", cmd.Token))
			continue
		}
		g.Go(func() error {
			defer h.untrack(cmd.Token)
			defer cancel()
			h.handle(cmdCtx, cmd)
			return nil
		})
	}

	h.cancelAll("")
	_ = g.Wait()

	if readErr != nil {
		h.logger.Warn("connection failed", zap.Error(readErr))
		return readErr
	}
	h.logger.Info("connection closed")
	return nil
}

func (h *Host) track(token string, cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, busy := h.inflight[token]; busy {
		return false
	}
	h.inflight[token] = cancel
	return true
}

func (h *Host) untrack(token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.inflight, token)
}

// cancelAll cancels every command in flight except the one with token except.
func (h *Host) cancelAll(except string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for token, cancel := range h.inflight {
		if token != except {
			cancel()
			n++
		}
	}
	return n
}

func (h *Host) cancel(ctx context.Context, cmd *envelope.Command) {
	n := h.cancelAll(cmd.Token)
	h.logger.Info("cancelled commands", zap.Int("count", n), zap.String("token", cmd.Token))
	em := &emitter{host: h, token: cmd.Token}
	em.finish(ctx, nil)
}

func (h *Host) handle(ctx context.Context, cmd *envelope.Command) {
	em := &emitter{host: h, token: cmd.Token}
	h.logger.Debug("handling command", zap.String("type", cmd.Type), zap.String("token", cmd.Token))

	err := h.invoke(ctx, cmd, em)
	if err != nil {
		h.logger.Debug("command failed", zap.String("token", cmd.Token), zap.Error(err))
	}
	em.finish(ctx, err)
}

func (h *Host) invoke(ctx context.Context, cmd *envelope.Command, em Emitter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("kernel panicked", zap.Any("panic", r), zap.String("token", cmd.Token))
			err = fmt.Errorf("kernel panicked: %v", r)
		}
	}()
	return h.kernel.Handle(ctx, cmd, em)
}

type emitter struct {
	host  *Host
	token string

	// mu orders progress events before the terminal one.
	mu   sync.Mutex
	done bool
}

func (e *emitter) Token() string {
	return e.token
}

func (e *emitter) Emit(ctx context.Context, eventType string, payload any) error {
	if envelope.IsTerminalType(eventType) {
		return fmt.Errorf("%w: %s", ErrTerminalEvent, eventType)
	}
	ev, err := envelope.NewEvent(eventType, e.token, false, payload)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return ErrCommandCompleted
	}
	return e.host.sender.SendEvent(ctx, ev)
}

// finish sends the terminal event. It is sent even when ctx was cancelled.
func (e *emitter) finish(ctx context.Context, handleErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	e.done = true

	var ev *envelope.Event
	var err error
	if handleErr == nil {
		ev, err = envelope.NewEvent(envelope.EventCommandSucceeded, e.token, true, nil)
	} else {
		ev, err = envelope.NewEvent(envelope.EventCommandFailed, e.token, true,
			envelope.CommandFailed{Message: handleErr.Error()})
	}
	if err != nil {
		e.host.logger.Error("build terminal event", zap.String("token", e.token), zap.Error(err))
		return
	}
	if err := e.host.sender.SendEvent(context.WithoutCancel(ctx), ev); err != nil {
		e.host.logger.Warn("send terminal event", zap.String("token", e.token), zap.Error(err))
	}
}
