package kernel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/smnsjas/go-kernelproxy/connection"
	"github.com/smnsjas/go-kernelproxy/envelope"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/smnsjas/go-kernelproxy/kernel"

// Proxy is a local stand-in for a kernel running on the other end of a connection.
// Commands submitted to it are sent to the remote kernel; the events it sends back are
// correlated to their commands and republished to subscribers.
type Proxy struct {
	name     string
	receiver *connection.Receiver
	sender   *connection.Sender
	closer   io.Closer

	logger         *zap.Logger
	metrics        *Metrics
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	targetKernel   string
	awaitReady     bool

	subs *subscribers

	mu      sync.Mutex
	state   State
	err     error
	closing bool // Shutdown or Close was called
	pending map[string]*Submission
	used    map[string]struct{} // every token registered on this connection
	drained chan struct{} // closed when pending empties, if someone waits for it

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	lastSequence uint64 // run loop only
}

// New creates a proxy for the kernel called name and starts its run loop. The proxy
// owns receiver from here on. It is Open on return unless WithReadyHandshake was given,
// in which case it stays Connecting until the remote announces itself.
func New(name string, receiver *connection.Receiver, sender *connection.Sender, opts ...Option) *Proxy {
	p := &Proxy{
		name:           name,
		receiver:       receiver,
		sender:         sender,
		logger:         zap.NewNop(),
		tracerProvider: otel.GetTracerProvider(),
		state:          StateConnecting,
		pending:        make(map[string]*Submission),
		used:           make(map[string]struct{}),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("kernel", name))
	p.tracer = p.tracerProvider.Tracer(tracerName)
	p.subs = newSubscribers(p.logger)

	if !p.awaitReady {
		p.transition(StateOpen, nil)
	}
	go p.run()
	return p
}

// Name returns the kernel name.
func (p *Proxy) Name() string {
	return p.name
}

// State returns the current connection state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the failure that faulted the connection, or nil.
func (p *Proxy) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done is closed once the run loop has stopped and every submission is resolved.
func (p *Proxy) Done() <-chan struct{} {
	return p.done
}

// Pending returns the number of unresolved submissions.
func (p *Proxy) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// WaitReady blocks until the proxy leaves Connecting. It returns an error wrapping
// ErrNotConnected if the connection ended first.
func (p *Proxy) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if st := p.State(); st != StateOpen {
		return fmt.Errorf("%w: state %s", ErrNotConnected, st)
	}
	return nil
}

// Subscribe registers fn for every event the proxy receives, including progress events
// and events for commands submitted elsewhere. fn runs on the run loop, so events reach
// it in arrival order and must not block for long. fn may subscribe or unsubscribe;
// a subscriber added from inside fn sees events from the next one on. Panics in fn are
// recovered and logged. The returned function unsubscribes.
func (p *Proxy) Subscribe(fn func(*envelope.Event)) (unsubscribe func()) {
	return p.subs.add(fn)
}

// Submit sends cmd and waits for its outcome. See SubmitAsync.
func (p *Proxy) Submit(ctx context.Context, cmd *envelope.Command) (*Outcome, error) {
	sub, err := p.SubmitAsync(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return sub.Wait(ctx)
}

// SubmitAsync sends cmd and returns its pending submission without waiting.
//
// The command is copied. An empty Token is assigned a fresh one, an empty ParentToken
// is taken from ctx (see WithParentToken) and an empty TargetKernel from
// WithTargetKernel.
//
// It fails without sending anything when the proxy is not Open (ErrNotConnected) or the
// token was already submitted on this connection (ErrDuplicateToken). A
// *connection.TransportWriteError faults the connection: every other pending
// submission resolves with OutcomeConnectionFaulted. If the connection ends while the
// command is being sent, the submission is returned already resolved.
func (p *Proxy) SubmitAsync(ctx context.Context, cmd *envelope.Command) (*Submission, error) {
	if cmd == nil || cmd.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidCommand)
	}

	c := *cmd
	if c.Token == "" {
		c.Token = uuid.NewString()
	}
	if c.ParentToken == "" {
		c.ParentToken, _ = ParentTokenFromContext(ctx)
	}
	if c.TargetKernel == "" {
		c.TargetKernel = p.targetKernel
	}

	_, span := p.tracer.Start(ctx, "kernel.submit",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("kernel.name", p.name),
			attribute.String("command.type", c.Type),
			attribute.String("command.token", c.Token),
		))
	if c.ParentToken != "" {
		span.SetAttributes(attribute.String("command.parent_token", c.ParentToken))
	}

	sub := newSubmission(&c, span)
	if err := p.register(sub); err != nil {
		p.endSpan(span, err)
		return nil, err
	}

	if err := p.sender.Send(ctx, &c); err != nil {
		if !p.unregister(c.Token) {
			// The connection ended first and resolved it.
			return sub, nil
		}
		p.endSpan(span, err)
		if errors.Is(err, connection.ErrTransportWrite) {
			p.logger.Error("command write failed", zap.String("token", c.Token), zap.Error(err))
			p.fault(err)
		}
		return nil, fmt.Errorf("send %s: %w", c.Type, err)
	}

	p.metrics.commandSent(p.name)
	p.logger.Debug("command sent", zap.String("type", c.Type), zap.String("token", c.Token))
	return sub, nil
}

func (p *Proxy) register(sub *Submission) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateOpen {
		return fmt.Errorf("%w: state %s", ErrNotConnected, p.state)
	}
	if _, dup := p.used[sub.Token()]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateToken, sub.Token())
	}
	p.used[sub.Token()] = struct{}{}
	p.pending[sub.Token()] = sub
	p.metrics.setPending(p.name, len(p.pending))
	return nil
}

// take removes and returns the submission for token. Whoever takes a submission is its
// only resolver.
func (p *Proxy) take(token string) *Submission {
	p.mu.Lock()
	defer p.mu.Unlock()

	sub, ok := p.pending[token]
	if !ok {
		return nil
	}
	delete(p.pending, token)
	p.metrics.setPending(p.name, len(p.pending))
	if len(p.pending) == 0 && p.drained != nil {
		close(p.drained)
		p.drained = nil
	}
	return sub
}

// unregister withdraws a submission whose command was not sent, freeing its token. It
// reports false if the submission was already resolved.
func (p *Proxy) unregister(token string) bool {
	if p.take(token) == nil {
		return false
	}
	p.mu.Lock()
	delete(p.used, token)
	p.mu.Unlock()
	return true
}

func (p *Proxy) resolve(sub *Submission, o *Outcome) {
	sub.resolve(o)
	p.metrics.resolved(p.name, o.Status)
	p.logger.Debug("submission resolved",
		zap.String("token", sub.Token()),
		zap.Stringer("status", o.Status))
}

func (p *Proxy) endSpan(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()
}

// transition moves the state machine forward. Moving to a terminal state resolves
// every pending submission; ErrNotConnected guards against new ones.
func (p *Proxy) transition(to State, cause error) bool {
	p.mu.Lock()
	from := p.state
	if !canTransition(from, to) {
		p.mu.Unlock()
		return false
	}
	p.state = to
	var orphans map[string]*Submission
	if to.Terminal() {
		if to == StateFaulted {
			p.err = cause
		}
		orphans = p.pending
		p.pending = make(map[string]*Submission)
		p.metrics.setPending(p.name, 0)
		if p.drained != nil {
			close(p.drained)
			p.drained = nil
		}
	}
	p.mu.Unlock()

	if from == StateConnecting {
		p.readyOnce.Do(func() { close(p.ready) })
	}
	p.logger.Info("kernel state changed",
		zap.Stringer("from", from),
		zap.Stringer("state", to),
		zap.Error(cause))

	if len(orphans) > 0 {
		o := &Outcome{Status: OutcomeDisconnected}
		if to == StateFaulted {
			o = &Outcome{Status: OutcomeConnectionFaulted, Err: cause}
		}
		for _, sub := range orphans {
			p.resolve(sub, o)
		}
	}
	return true
}

// fault fails the connection from outside the run loop and closes the stream so the
// loop stops too.
func (p *Proxy) fault(err error) {
	if p.transition(StateFaulted, err) {
		_ = p.closeStream()
	}
}

func (p *Proxy) closeStream() error {
	p.closeOnce.Do(func() {
		if p.closer != nil {
			p.closeErr = p.closer.Close()
		}
	})
	return p.closeErr
}

func (p *Proxy) run() {
	defer close(p.done)

	var endErr error
	for env, err := range p.receiver.All() {
		if err != nil {
			if errors.Is(err, envelope.ErrMalformedMessage) {
				p.metrics.malformedMessage(p.name)
				p.logger.Warn("dropping malformed message", zap.Error(err))
				continue
			}
			endErr = err
			break
		}

		switch env.Kind {
		case envelope.KindEvent:
			p.handleEvent(env.Event)
		case envelope.KindCommand:
			p.logger.Warn("dropping command sent by remote kernel",
				zap.String("type", env.Command.Type),
				zap.String("token", env.Command.Token))
		}
	}

	p.mu.Lock()
	closing := p.closing
	p.mu.Unlock()

	switch {
	case endErr == nil || closing:
		p.transition(StateClosed, nil)
	default:
		p.transition(StateFaulted, endErr)
	}
	// The loop may end on its own; the stream is not needed after it.
	_ = p.closeStream()
}

func (p *Proxy) handleEvent(ev *envelope.Event) {
	p.metrics.eventReceived(p.name, ev.Type)
	if ce := p.logger.Check(zap.DebugLevel, "event received"); ce != nil {
		ce.Write(
			zap.String("type", ev.Type),
			zap.String("token", ev.Token),
			zap.Uint64("sequence", ev.Sequence),
			zap.Bool("terminal", ev.Terminal))
	}

	if ev.Sequence <= p.lastSequence {
		p.logger.Warn("event sequence out of order",
			zap.Uint64("sequence", ev.Sequence),
			zap.Uint64("previous", p.lastSequence))
	} else {
		p.lastSequence = ev.Sequence
	}

	if ev.Type == envelope.EventKernelReady && p.transition(StateOpen, nil) {
		p.logger.Info("kernel ready")
	}

	p.subs.publish(ev)

	if !ev.Terminal {
		return
	}
	sub := p.take(ev.Token)
	if sub == nil {
		p.logger.Debug("terminal event for unknown token",
			zap.String("type", ev.Type),
			zap.String("token", ev.Token))
		return
	}
	p.resolve(sub, outcomeForEvent(ev))
}

// Shutdown stops accepting submissions, waits for pending ones to complete, then closes
// the stream and waits for the run loop to stop. If ctx ends first the stream is closed
// anyway and the remaining submissions resolve with OutcomeDisconnected; ctx.Err() is
// returned.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	p.transition(StateDraining, nil)

	err := p.waitDrained(ctx)
	closeErr := p.closeStream()
	if p.closer == nil {
		p.transition(StateClosed, nil)
		return err
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	if err != nil {
		return err
	}
	if closeErr != nil {
		return fmt.Errorf("close stream: %w", closeErr)
	}
	return nil
}

func (p *Proxy) waitDrained(ctx context.Context) error {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return nil
	}
	if p.drained == nil {
		p.drained = make(chan struct{})
	}
	drained := p.drained
	p.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the stream immediately. Pending submissions resolve with
// OutcomeDisconnected once the run loop notices.
func (p *Proxy) Close() error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()

	err := p.closeStream()
	if p.closer == nil {
		// Nothing can stop the loop; end the connection here instead.
		p.transition(StateClosed, nil)
	}
	return err
}
