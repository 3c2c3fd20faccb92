package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smnsjas/go-kernelproxy/connect"
	"github.com/smnsjas/go-kernelproxy/envelope"
	"github.com/smnsjas/go-kernelproxy/kernelhost"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// echoKernel writes submitted code back as standard output. Other commands succeed
// without output.
var echoKernel = kernelhost.KernelFunc(func(ctx context.Context, cmd *envelope.Command, em kernelhost.Emitter) error {
	if cmd.Type != envelope.CommandSubmitCode {
		return nil
	}
	var code envelope.SubmitCode
	if err := cmd.DecodePayload(&code); err != nil {
		return fmt.Errorf("decode code: %w", err)
	}
	return kernelhost.EmitText(ctx, em, envelope.EventStandardOutputValueProduced, code.Code)
})

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a demo echo kernel",
}

var serveNamedPipeCmd = &cobra.Command{
	Use:   "named-pipe",
	Short: "Serve the echo kernel on a named pipe",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("pipe-name") {
			cfg.PipeName = servePipeName
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if cfg.PipeName == "" {
			return fmt.Errorf("%w: pipe name is required", connect.ErrInvalidConfig)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		ln, err := connect.ListenNamedPipe(cfg.PipeName)
		if err != nil {
			return err
		}
		logger.Info("serving", zap.String("pipe", connect.PipePath(cfg.PipeName)))
		return connect.Serve(ctx, cfg, ln, echoKernel, connect.WithLogger(logger))
	},
}

var serveWebSocketCmd = &cobra.Command{
	Use:   "websocket",
	Short: "Serve the echo kernel over websockets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		mux := http.NewServeMux()
		mux.Handle(servePath, connect.WebSocketHandler(cfg, echoKernel, connect.WithLogger(logger)))
		srv := &http.Server{
			Addr:              serveAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			logger.Info("serving", zap.String("addr", serveAddr), zap.String("path", servePath))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

var serveStdioCmd = &cobra.Command{
	Use:   "stdio",
	Short: "Serve the echo kernel on stdin and stdout",
	Long: `Serve the echo kernel on stdin and stdout, for use with "connect process".
Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return connect.ServeConn(ctx, cfg, connect.Stdio(), echoKernel, connect.WithLogger(logger))
	},
}

var (
	servePipeName string
	serveAddr     string
	servePath     string
)

func init() {
	serveNamedPipeCmd.Flags().StringVar(&servePipeName, "pipe-name", "", "pipe name or socket path")
	serveWebSocketCmd.Flags().StringVar(&serveAddr, "addr", "localhost:8080", "listen address")
	serveWebSocketCmd.Flags().StringVar(&servePath, "path", "/kernel", "HTTP path of the websocket endpoint")

	serveCmd.AddCommand(serveNamedPipeCmd)
	serveCmd.AddCommand(serveWebSocketCmd)
	serveCmd.AddCommand(serveStdioCmd)
}
