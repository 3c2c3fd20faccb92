package connection

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/smnsjas/go-kernelproxy/envelope"
	"github.com/smnsjas/go-kernelproxy/framing"
	"go.uber.org/zap"
)

// Sender writes envelopes to the outbound half of a stream. It is safe for concurrent
// use.
type Sender struct {
	w      framing.FrameWriter
	logger *zap.Logger

	// sem is the write critical section. A channel instead of a mutex so that
	// waiting for it honours context cancellation.
	sem      chan struct{}
	sequence uint64 // guarded by sem

	failed atomic.Pointer[TransportWriteError]
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithSenderLogger sets the logger used for write diagnostics.
func WithSenderLogger(logger *zap.Logger) SenderOption {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSender creates a Sender over a frame writer.
func NewSender(w framing.FrameWriter, opts ...SenderOption) *Sender {
	s := &Sender{
		w:      w,
		logger: zap.NewNop(),
		sem:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send encodes and writes a command as one frame.
func (s *Sender) Send(ctx context.Context, cmd *envelope.Command) error {
	return s.send(ctx, envelope.ForCommand(cmd))
}

// SendEvent writes an event as one frame. The event's Sequence is assigned here, in
// wire order, starting at 1 for each Sender.
func (s *Sender) SendEvent(ctx context.Context, ev *envelope.Event) error {
	return s.send(ctx, envelope.ForEvent(ev))
}

// Err returns the write failure that broke the stream, or nil.
func (s *Sender) Err() error {
	if werr := s.failed.Load(); werr != nil {
		return werr
	}
	return nil
}

func (s *Sender) send(ctx context.Context, env *envelope.Envelope) error {
	if err := s.Err(); err != nil {
		return err
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.sem }()

	// A concurrent sender may have broken the stream while we waited.
	if err := s.Err(); err != nil {
		return err
	}

	if env.Kind == envelope.KindEvent {
		s.sequence++
		env.Event.Sequence = s.sequence
	}

	data, err := envelope.Encode(env)
	if err != nil {
		if env.Kind == envelope.KindEvent {
			s.sequence--
		}
		return fmt.Errorf("encode %s: %w", env.Kind, err)
	}

	if err := s.w.WriteFrame(data); err != nil {
		werr := &TransportWriteError{Err: err}
		s.failed.CompareAndSwap(nil, werr)
		s.logger.Warn("write frame failed", zap.String("kind", string(env.Kind)), zap.Error(err))
		return werr
	}

	if ce := s.logger.Check(zap.DebugLevel, "frame sent"); ce != nil {
		ce.Write(zap.String("kind", string(env.Kind)), zap.Int("bytes", len(data)))
	}
	return nil
}
