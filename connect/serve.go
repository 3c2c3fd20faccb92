package connect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/smnsjas/go-kernelproxy/connection"
	"github.com/smnsjas/go-kernelproxy/framing"
	"github.com/smnsjas/go-kernelproxy/kernelhost"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ServeConn hosts k on one connection until the peer disconnects or ctx ends. The
// connection is closed on return.
func ServeConn(ctx context.Context, cfg Config, conn io.ReadWriteCloser, k kernelhost.Kernel, opts ...Option) error {
	if err := cfg.Validate(); err != nil {
		_ = conn.Close()
		return err
	}
	mode, err := cfg.mode()
	if err != nil {
		_ = conn.Close()
		return err
	}
	fr, fw, err := framing.NewStream(mode, conn, conn, cfg.MaxFragmentSize)
	if err != nil {
		_ = conn.Close()
		return err
	}
	return serve(ctx, cfg, k, fr, fw, conn, buildOptions(opts))
}

func serve(ctx context.Context, cfg Config, k kernelhost.Kernel, fr framing.FrameReader,
	fw framing.FrameWriter, closer io.Closer, o *options) error {
	logger := o.logger.With(zap.String("kernel", cfg.KernelName))

	hopts := []kernelhost.Option{kernelhost.WithLogger(logger)}
	if cfg.AwaitReady {
		hopts = append(hopts, kernelhost.WithReadyEvent(cfg.KernelName))
	}
	hopts = append(hopts, o.hostOpts...)

	host := kernelhost.New(k,
		connection.NewReceiver(fr, connection.WithReceiverLogger(logger)),
		connection.NewSender(fw, connection.WithSenderLogger(logger)),
		hopts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = closer.Close() })
	defer stop()

	err := host.Serve(ctx)
	_ = closer.Close()
	if err != nil && ctx.Err() != nil {
		// Closed locally.
		return nil
	}
	return err
}

// Serve accepts connections from ln and hosts k on each until ctx ends. It closes ln
// and waits for the sessions to end before returning.
func Serve(ctx context.Context, cfg Config, ln net.Listener, k kernelhost.Kernel, opts ...Option) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	o := buildOptions(opts)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	var g errgroup.Group
	defer func() { _ = g.Wait() }()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		o.logger.Info("session started", zap.String("remote", conn.RemoteAddr().String()))
		g.Go(func() error {
			if err := ServeConn(ctx, cfg, conn, k, opts...); err != nil {
				o.logger.Warn("session ended", zap.Error(err))
			} else {
				o.logger.Info("session ended")
			}
			return nil
		})
	}
}
