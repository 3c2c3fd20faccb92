// Package connect establishes connections to remote kernels and serves local kernels
// to remote proxies.
//
// The dialers return a *kernel.Proxy already wired to a live connection: framing,
// sender, receiver and the run loop are set up from a Config.
//
//	cfg, err := connect.LoadConfig()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	proxy, err := connect.NamedPipe(ctx, cfg, connect.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer proxy.Shutdown(context.Background())
//
// # Named pipes
//
// On Unix a named pipe is a unix domain socket in the temporary directory, named
// CoreFxPipe_<name>; see PipePath.
package connect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smnsjas/go-kernelproxy/connection"
	"github.com/smnsjas/go-kernelproxy/framing"
	"github.com/smnsjas/go-kernelproxy/kernel"
	"github.com/smnsjas/go-kernelproxy/kernelhost"
	"go.uber.org/zap"
)

const pipePrefix = "CoreFxPipe_"

// Option configures connection establishment.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
	kernelOpts []kernel.Option
	hostOpts   []kernelhost.Option
}

func buildOptions(opts []Option) *options {
	o := &options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger for the connection and the proxy or host on it.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics registers proxy metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithKernelOptions passes extra options to kernel.New.
func WithKernelOptions(opts ...kernel.Option) Option {
	return func(o *options) {
		o.kernelOpts = append(o.kernelOpts, opts...)
	}
}

// WithHostOptions passes extra options to kernelhost.New.
func WithHostOptions(opts ...kernelhost.Option) Option {
	return func(o *options) {
		o.hostOpts = append(o.hostOpts, opts...)
	}
}

// PipePath returns the socket path for a pipe name. Absolute names are used as they
// are.
func PipePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(os.TempDir(), pipePrefix+name)
}

// NamedPipe connects to the kernel listening on cfg.PipeName.
func NamedPipe(ctx context.Context, cfg Config, opts ...Option) (*kernel.Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PipeName == "" {
		return nil, fmt.Errorf("%w: pipe name is required", ErrInvalidConfig)
	}

	path := PipePath(cfg.PipeName)
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial named pipe %s: %w", path, err)
	}
	return establish(ctx, cfg, conn, buildOptions(opts))
}

// Stream creates a proxy over an already connected byte stream, framed as cfg.Framing.
// The proxy closes rwc when it shuts down.
func Stream(ctx context.Context, cfg Config, rwc io.ReadWriteCloser, opts ...Option) (*kernel.Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return establish(ctx, cfg, rwc, buildOptions(opts))
}

func establish(ctx context.Context, cfg Config, rwc io.ReadWriteCloser, o *options) (*kernel.Proxy, error) {
	mode, err := cfg.mode()
	if err != nil {
		_ = rwc.Close()
		return nil, err
	}
	fr, fw, err := framing.NewStream(mode, rwc, rwc, cfg.MaxFragmentSize)
	if err != nil {
		_ = rwc.Close()
		return nil, err
	}
	return newProxy(ctx, cfg, fr, fw, rwc, o)
}

func newProxy(ctx context.Context, cfg Config, fr framing.FrameReader, fw framing.FrameWriter,
	closer io.Closer, o *options) (*kernel.Proxy, error) {
	logger := o.logger.With(zap.String("kernel", cfg.KernelName))

	kopts := []kernel.Option{
		kernel.WithLogger(o.logger),
		kernel.WithCloser(closer),
		kernel.WithTargetKernel(cfg.TargetKernel),
	}
	if o.registerer != nil {
		m, err := kernel.NewMetrics(o.registerer)
		if err != nil {
			_ = closer.Close()
			return nil, err
		}
		kopts = append(kopts, kernel.WithMetrics(m))
	}
	if cfg.AwaitReady {
		kopts = append(kopts, kernel.WithReadyHandshake())
	}
	kopts = append(kopts, o.kernelOpts...)

	proxy := kernel.New(cfg.KernelName,
		connection.NewReceiver(fr, connection.WithReceiverLogger(logger)),
		connection.NewSender(fw, connection.WithSenderLogger(logger)),
		kopts...)

	if cfg.AwaitReady {
		if cfg.DialTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
			defer cancel()
		}
		if err := proxy.WaitReady(ctx); err != nil {
			_ = proxy.Close()
			return nil, fmt.Errorf("wait for kernel %s: %w", cfg.KernelName, err)
		}
	}
	logger.Info("kernel connected", zap.Stringer("state", proxy.State()))
	return proxy, nil
}

// ListenNamedPipe listens on the socket for pipe name. A stale socket left by a
// process that is gone is replaced.
func ListenNamedPipe(name string) (net.Listener, error) {
	path := PipePath(name)
	ln, err := net.Listen("unix", path)
	if err == nil {
		return ln, nil
	}
	if !errors.Is(err, syscall.EADDRINUSE) {
		return nil, fmt.Errorf("listen on named pipe %s: %w", path, err)
	}

	if conn, dialErr := net.Dial("unix", path); dialErr == nil {
		_ = conn.Close()
		return nil, fmt.Errorf("listen on named pipe %s: %w", path, err)
	}
	if rmErr := os.Remove(path); rmErr != nil {
		return nil, fmt.Errorf("remove stale pipe %s: %w", path, rmErr)
	}
	ln, err = net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on named pipe %s: %w", path, err)
	}
	return ln, nil
}
