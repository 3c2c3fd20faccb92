package connect

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/smnsjas/go-kernelproxy/framing"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "KERNEL_PROXY_"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid connection config")

// Config describes how to reach a remote kernel.
type Config struct {
	// PipeName names the pipe for NamedPipe and ListenNamedPipe. See PipePath.
	PipeName string `env:"PIPE_NAME"`
	// WebSocketURL is the ws:// or wss:// endpoint for WebSocket.
	WebSocketURL string `env:"WEBSOCKET_URL"`
	// KernelName names the proxy in logs and metrics.
	KernelName string `env:"KERNEL_NAME" envDefault:"remote"`
	// TargetKernel is set on commands that do not name a target.
	TargetKernel string `env:"TARGET_KERNEL"`
	// Framing is the framing mode for byte streams: chunked or lines.
	Framing string `env:"FRAMING" envDefault:"chunked"`
	// MaxFragmentSize bounds fragments written in chunked mode, header included.
	MaxFragmentSize int `env:"MAX_FRAGMENT_SIZE" envDefault:"32768"`
	// DialTimeout bounds connection establishment. Zero means no timeout.
	DialTimeout time.Duration `env:"DIAL_TIMEOUT" envDefault:"10s"`
	// AwaitReady makes the proxy wait for the remote's KernelReady event, and hosts
	// send one.
	AwaitReady bool `env:"AWAIT_READY"`
}

// DefaultConfig returns the configuration used when no environment is set.
func DefaultConfig() Config {
	return Config{
		KernelName:      "remote",
		Framing:         string(framing.ModeChunked),
		MaxFragmentSize: framing.DefaultMaxFragmentSize,
		DialTimeout:     10 * time.Second,
	}
}

// LoadConfig reads the configuration from KERNEL_PROXY_* environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields shared by every transport.
func (c Config) Validate() error {
	if c.KernelName == "" {
		return fmt.Errorf("%w: kernel name is required", ErrInvalidConfig)
	}
	mode, err := c.mode()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if mode == framing.ModeChunked && c.MaxFragmentSize <= framing.HeaderSize {
		return fmt.Errorf("%w: max fragment size %d does not exceed the %d-byte header",
			ErrInvalidConfig, c.MaxFragmentSize, framing.HeaderSize)
	}
	if c.DialTimeout < 0 {
		return fmt.Errorf("%w: negative dial timeout", ErrInvalidConfig)
	}
	return nil
}

func (c Config) mode() (framing.Mode, error) {
	mode, err := framing.ParseMode(c.Framing)
	if err != nil {
		return "", err
	}
	if mode == framing.ModeMessages {
		return "", fmt.Errorf("%w: %s is chosen by the transport", framing.ErrUnsupportedMode, mode)
	}
	return mode, nil
}
