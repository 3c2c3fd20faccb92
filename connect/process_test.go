package connect

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/smnsjas/go-kernelproxy/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const childEnv = "KERNEL_PROXY_TEST_CHILD"

// TestMain turns the test binary into a kernel on stdio when started by the process
// tests.
func TestMain(m *testing.M) {
	switch os.Getenv(childEnv) {
	case "hang":
		// A kernel that ignores its stdin closing.
		time.Sleep(time.Hour)
		os.Exit(0)
	case "1":
		cfg := DefaultConfig()
		cfg.Framing = "lines"
		if err := ServeConn(context.Background(), cfg, Stdio(), echo); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func TestProcess(t *testing.T) {
	t.Setenv(childEnv, "1")

	cfg := DefaultConfig()
	cfg.Framing = "lines"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := Process(ctx, cfg, os.Args[0], []string{"-test.run=^$"})
	require.NoError(t, err)
	roundTrip(t, p)

	require.NoError(t, p.Shutdown(testContext(t)))
	assert.Equal(t, kernel.StateClosed, p.State())
}

func TestProcessErrors(t *testing.T) {
	cfg := DefaultConfig()
	_, err := Process(testContext(t), cfg, "kernel-proxy-no-such-binary", nil)
	assert.Error(t, err)

	cfg.Framing = "messages"
	_, err = Process(testContext(t), cfg, os.Args[0], nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestProcessCloseLetsReaderFinish(t *testing.T) {
	t.Setenv(childEnv, "1")

	pipes, err := startProcess(context.Background(), os.Args[0], "-test.run=^$")
	require.NoError(t, err)

	read := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(pipes)
		read <- err
	}()

	require.NoError(t, pipes.Close())
	select {
	case err := <-read:
		// Wait closing stdout under the reader would surface as os.ErrClosed.
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not finish")
	}
}

func TestProcessCloseKillsStuckKernel(t *testing.T) {
	t.Setenv(childEnv, "hang")

	pipes, err := startProcess(context.Background(), os.Args[0], "-test.run=^$")
	require.NoError(t, err)
	pipes.exitTimeout = 50 * time.Millisecond

	go func() { _, _ = io.Copy(io.Discard, pipes) }()

	start := time.Now()
	require.NoError(t, pipes.Close())
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NotNil(t, pipes.cmd.ProcessState)
}
