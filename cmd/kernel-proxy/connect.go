package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/smnsjas/go-kernelproxy/connect"
	"github.com/smnsjas/go-kernelproxy/kernel"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open an interactive session with a remote kernel",
	Long: `Open an interactive session with a remote kernel.

Each line read from stdin is submitted to the kernel as code. Values the kernel
produces are printed as they arrive, followed by the result of the submission.
Ctrl+C waits for the current submission and disconnects.`,
}

var connectNamedPipeCmd = &cobra.Command{
	Use:   "named-pipe",
	Short: "Connect to a kernel listening on a named pipe",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("pipe-name") {
			cfg.PipeName = pipeName
		}
		return session(func(ctx context.Context) (*kernel.Proxy, error) {
			return connect.NamedPipe(ctx, cfg, connect.WithLogger(logger))
		})
	},
}

var connectWebSocketCmd = &cobra.Command{
	Use:   "websocket",
	Short: "Connect to a kernel served over a websocket",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Changed("url") {
			cfg.WebSocketURL = webSocketURL
		}
		return session(func(ctx context.Context) (*kernel.Proxy, error) {
			return connect.WebSocket(ctx, cfg, connect.WithLogger(logger))
		})
	},
}

var connectProcessCmd = &cobra.Command{
	Use:   "process -- COMMAND [ARGS...]",
	Short: "Start a kernel process and connect to it over its stdio",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return session(func(ctx context.Context) (*kernel.Proxy, error) {
			return connect.Process(ctx, cfg, args[0], args[1:], connect.WithLogger(logger))
		})
	},
}

var (
	pipeName     string
	webSocketURL string
)

func init() {
	connectNamedPipeCmd.Flags().StringVar(&pipeName, "pipe-name", "", "pipe name or socket path")
	connectWebSocketCmd.Flags().StringVar(&webSocketURL, "url", "", "websocket URL, e.g. ws://localhost:8080/kernel")

	connectCmd.AddCommand(connectNamedPipeCmd)
	connectCmd.AddCommand(connectWebSocketCmd)
	connectCmd.AddCommand(connectProcessCmd)
}

// session connects with dial and runs the REPL on stdin until EOF or a signal.
func session(dial func(context.Context) (*kernel.Proxy, error)) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The process transport lives as long as its context, so it gets one that outlives
	// the signal.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	proxy, err := dial(connCtx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "connected to %s, one submission per line\n", proxy.Name())

	replErr := repl(ctx, proxy, os.Stdin, os.Stdout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := proxy.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	if replErr != nil && ctx.Err() == nil {
		return replErr
	}
	return nil
}
