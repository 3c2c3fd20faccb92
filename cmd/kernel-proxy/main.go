// Command kernel-proxy talks to remote kernels from the terminal and serves a demo
// echo kernel for them to talk to.
//
//	kernel-proxy serve named-pipe --pipe-name demo &
//	kernel-proxy connect named-pipe --pipe-name demo
//
// Settings come from KERNEL_PROXY_* environment variables; flags override them.
package main

import (
	"fmt"
	"os"
	"time"

	kernelproxy "github.com/smnsjas/go-kernelproxy"
	"github.com/smnsjas/go-kernelproxy/connect"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const shutdownTimeout = 10 * time.Second

// GlobalFlags are the flags shared by every command.
type GlobalFlags struct {
	LogLevel   string
	LogFile    string
	Framing    string
	KernelName string
	AwaitReady bool
}

var (
	globalFlags GlobalFlags
	cfg         connect.Config
	logger      = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:           "kernel-proxy",
	Short:         "Connect to remote kernels",
	Version:       kernelproxy.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = newLogger(globalFlags.LogLevel, globalFlags.LogFile)
		if err != nil {
			return err
		}

		cfg, err = connect.LoadConfig()
		if err != nil {
			return err
		}
		flags := cmd.Flags()
		if flags.Changed("framing") {
			cfg.Framing = globalFlags.Framing
		}
		if flags.Changed("kernel-name") {
			cfg.KernelName = globalFlags.KernelName
		}
		if flags.Changed("await-ready") {
			cfg.AwaitReady = globalFlags.AwaitReady
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&globalFlags.LogLevel, "log-level", "info", "log level: debug|info|warn|error")
	pf.StringVar(&globalFlags.LogFile, "log-file", "", "also write logs to this file, rotated")
	pf.StringVar(&globalFlags.Framing, "framing", "", "stream framing: chunked|lines")
	pf.StringVar(&globalFlags.KernelName, "kernel-name", "", "name of the remote kernel")
	pf.BoolVar(&globalFlags.AwaitReady, "await-ready", false, "wait for the kernel to announce itself")

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(serveCmd)
}

// newLogger logs to stderr, since stdout may carry the protocol, and optionally to a
// rotated file.
func newLogger(level, file string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), lvl),
	}
	if file != "" {
		w := zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), w, lvl))
	}
	return zap.New(zapcore.NewTee(cores...)), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
