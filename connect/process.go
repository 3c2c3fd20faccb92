package connect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/smnsjas/go-kernelproxy/kernel"
)

// processExitTimeout is how long a kernel gets to exit after its stdin closes.
const processExitTimeout = 5 * time.Second

// processPipes is the stdio of a kernel child process as one duplex stream.
type processPipes struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	exitTimeout time.Duration
	readDone    chan struct{} // closed when a read of stdout fails
	readOnce    sync.Once

	closeOnce sync.Once
	closeErr  error
}

func (p *processPipes) Read(b []byte) (int, error) {
	n, err := p.stdout.Read(b)
	if err != nil {
		p.readOnce.Do(func() { close(p.readDone) })
	}
	return n, err
}

func (p *processPipes) Write(b []byte) (int, error) { return p.stdin.Write(b) }

// Close closes stdin, which asks the kernel to exit, and waits for the process. Wait
// closes stdout, so it is only called once the reader has seen the end of stdout, or
// after the kernel failed to exit in time and was killed.
func (p *processPipes) Close() error {
	p.closeOnce.Do(func() {
		err := p.stdin.Close()

		timer := time.NewTimer(p.exitTimeout)
		defer timer.Stop()
		select {
		case <-p.readDone:
		case <-timer.C:
			_ = p.cmd.Process.Kill()
			timer.Reset(p.exitTimeout)
			select {
			case <-p.readDone:
			case <-timer.C:
				// Nobody is reading.
			}
		}

		waitErr := p.cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			// A kernel killed by its context or exiting non-zero on EOF is expected.
			waitErr = nil
		}
		p.closeErr = errors.Join(err, waitErr)
	})
	return p.closeErr
}

func startProcess(ctx context.Context, name string, args ...string) (*processPipes, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}
	return &processPipes{
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdout,
		exitTimeout: processExitTimeout,
		readDone:    make(chan struct{}),
	}, nil
}

// Process starts a kernel as a child process and connects to it over its stdin and
// stdout, framed as cfg.Framing. The process is killed when ctx ends and waited for
// when the proxy closes.
func Process(ctx context.Context, cfg Config, name string, args []string, opts ...Option) (*kernel.Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pipes, err := startProcess(ctx, name, args...)
	if err != nil {
		return nil, fmt.Errorf("kernel process %s: %w", name, err)
	}
	return establish(ctx, cfg, pipes, buildOptions(opts))
}

// Stdio is the stdin and stdout of the current process, for hosting a kernel that was
// started by Process.
func Stdio() io.ReadWriteCloser {
	return stdio{}
}

type stdio struct{}

func (stdio) Read(b []byte) (int, error)  { return os.Stdin.Read(b) }
func (stdio) Write(b []byte) (int, error) { return os.Stdout.Write(b) }
func (stdio) Close() error                { return errors.Join(os.Stdin.Close(), os.Stdout.Close()) }
