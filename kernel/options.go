package kernel

import (
	"io"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Proxy) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records proxy activity in m.
func WithMetrics(m *Metrics) Option {
	return func(p *Proxy) {
		p.metrics = m
	}
}

// WithTracerProvider sets the provider for submission spans. The default is the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Proxy) {
		if tp != nil {
			p.tracerProvider = tp
		}
	}
}

// WithReadyHandshake keeps the proxy Connecting until the remote sends a KernelReady
// event.
func WithReadyHandshake() Option {
	return func(p *Proxy) {
		p.awaitReady = true
	}
}

// WithTargetKernel sets the TargetKernel of commands that do not name one.
func WithTargetKernel(name string) Option {
	return func(p *Proxy) {
		p.targetKernel = name
	}
}

// WithCloser sets the stream closed by Shutdown, Close and connection faults. Without
// it the proxy cannot force the run loop to stop.
func WithCloser(c io.Closer) Option {
	return func(p *Proxy) {
		p.closer = c
	}
}
