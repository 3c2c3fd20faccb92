package connect

import (
	"context"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smnsjas/go-kernelproxy/envelope"
	"github.com/smnsjas/go-kernelproxy/framing"
	"github.com/smnsjas/go-kernelproxy/kernel"
	"github.com/smnsjas/go-kernelproxy/kernelhost"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var echo = kernelhost.KernelFunc(func(ctx context.Context, cmd *envelope.Command, em kernelhost.Emitter) error {
	var code envelope.SubmitCode
	if err := cmd.DecodePayload(&code); err != nil {
		return err
	}
	return kernelhost.EmitText(ctx, em, envelope.EventStandardOutputValueProduced, code.Code)
})

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func roundTrip(t *testing.T, p *kernel.Proxy) {
	t.Helper()
	cmd, err := envelope.NewCommand(envelope.CommandSubmitCode, envelope.SubmitCode{Code: "40+2"})
	require.NoError(t, err)

	outputs := make(chan string, 1)
	unsubscribe := p.Subscribe(func(ev *envelope.Event) {
		var v envelope.ValueProduced
		if ev.Type == envelope.EventStandardOutputValueProduced && ev.DecodePayload(&v) == nil {
			outputs <- v.FormattedValues[0].Value
		}
	})
	defer unsubscribe()

	outcome, err := p.Submit(testContext(t), cmd)
	require.NoError(t, err)
	require.True(t, outcome.Succeeded())
	assert.Equal(t, "40+2", <-outputs)
}

func socketPath(t *testing.T) string {
	// Socket paths are limited to ~100 bytes; t.TempDir can be long.
	dir, err := os.MkdirTemp("", "kp")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "kernel.sock")
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("KERNEL_PROXY_PIPE_NAME", "kernels")
		t.Setenv("KERNEL_PROXY_KERNEL_NAME", "python")
		t.Setenv("KERNEL_PROXY_FRAMING", "lines")
		t.Setenv("KERNEL_PROXY_DIAL_TIMEOUT", "250ms")
		t.Setenv("KERNEL_PROXY_AWAIT_READY", "true")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, "kernels", cfg.PipeName)
		assert.Equal(t, "python", cfg.KernelName)
		assert.Equal(t, "lines", cfg.Framing)
		assert.Equal(t, 250*time.Millisecond, cfg.DialTimeout)
		assert.True(t, cfg.AwaitReady)
		assert.Equal(t, framing.DefaultMaxFragmentSize, cfg.MaxFragmentSize)
	})

	t.Run("bad value", func(t *testing.T) {
		t.Setenv("KERNEL_PROXY_DIAL_TIMEOUT", "soon")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{"defaults", func(*Config) {}, true},
		{"lines", func(c *Config) { c.Framing = "LINES" }, true},
		{"no kernel name", func(c *Config) { c.KernelName = "" }, false},
		{"unknown framing", func(c *Config) { c.Framing = "smoke-signals" }, false},
		{"messages over a stream", func(c *Config) { c.Framing = "messages" }, false},
		{"fragment too small", func(c *Config) { c.MaxFragmentSize = framing.HeaderSize }, false},
		{"small fragment with lines", func(c *Config) { c.Framing = "lines"; c.MaxFragmentSize = 0 }, true},
		{"negative timeout", func(c *Config) { c.DialTimeout = -time.Second }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

func TestPipePath(t *testing.T) {
	assert.Equal(t, filepath.Join(os.TempDir(), "CoreFxPipe_kernels"), PipePath("kernels"))
	assert.Equal(t, "/run/k.sock", PipePath("/run/k.sock"))
}

func TestNamedPipeRoundTrip(t *testing.T) {
	for _, mode := range []string{"chunked", "lines"} {
		t.Run(mode, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.PipeName = socketPath(t)
			cfg.Framing = mode
			cfg.AwaitReady = true
			cfg.KernelName = "echo"

			ln, err := ListenNamedPipe(cfg.PipeName)
			require.NoError(t, err)

			ctx, cancel := context.WithCancel(context.Background())
			served := make(chan error, 1)
			go func() { served <- Serve(ctx, cfg, ln, echo) }()

			reg := prometheus.NewRegistry()
			p, err := NamedPipe(testContext(t), cfg, WithMetrics(reg))
			require.NoError(t, err)
			assert.Equal(t, kernel.StateOpen, p.State())
			assert.Equal(t, "echo", p.Name())

			roundTrip(t, p)
			require.NoError(t, p.Shutdown(testContext(t)))

			families, err := reg.Gather()
			require.NoError(t, err)
			assert.NotEmpty(t, families)

			cancel()
			select {
			case err := <-served:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Serve did not return")
			}
		})
	}
}

func TestNamedPipeErrors(t *testing.T) {
	cfg := DefaultConfig()
	_, err := NamedPipe(testContext(t), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg.PipeName = socketPath(t)
	_, err = NamedPipe(testContext(t), cfg)
	assert.Error(t, err)

	cfg.Framing = "morse"
	_, err = NamedPipe(testContext(t), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestListenNamedPipeReplacesStaleSocket(t *testing.T) {
	path := socketPath(t)

	stale, err := net.Listen("unix", path)
	require.NoError(t, err)
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())

	ln, err := ListenNamedPipe(path)
	require.NoError(t, err)
	defer ln.Close()

	_, err = ListenNamedPipe(path)
	assert.Error(t, err, "a live listener must not be replaced")
}

func TestStreamWithServeConn(t *testing.T) {
	local, far := net.Pipe()
	cfg := DefaultConfig()
	cfg.Framing = "lines"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- ServeConn(ctx, cfg, far, echo) }()

	p, err := Stream(testContext(t), cfg, local)
	require.NoError(t, err)
	roundTrip(t, p)

	cancel()
	assert.NoError(t, <-served)

	<-p.Done()
	assert.Equal(t, kernel.StateClosed, p.State())
}

func TestWebSocketRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AwaitReady = true

	srv := httptest.NewServer(WebSocketHandler(cfg, echo))
	defer srv.Close()
	cfg.WebSocketURL = "ws" + strings.TrimPrefix(srv.URL, "http")

	p, err := WebSocket(testContext(t), cfg)
	require.NoError(t, err)
	roundTrip(t, p)

	require.NoError(t, p.Shutdown(testContext(t)))
	assert.Equal(t, kernel.StateClosed, p.State())
}

func TestWebSocketErrors(t *testing.T) {
	cfg := DefaultConfig()
	_, err := WebSocket(testContext(t), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	srv := httptest.NewServer(nil)
	defer srv.Close()
	cfg.WebSocketURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	_, err = WebSocket(testContext(t), cfg)
	assert.Error(t, err)
}
