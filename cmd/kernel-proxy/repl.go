package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/smnsjas/go-kernelproxy/envelope"
	"github.com/smnsjas/go-kernelproxy/kernel"
)

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// repl submits each non-blank line of in as code and prints what comes back to out.
// It returns nil at EOF, ctx.Err() when ctx ends, and the outcome error when the
// connection is lost.
func repl(ctx context.Context, p *kernel.Proxy, in io.Reader, out io.Writer) error {
	w := &lockedWriter{w: out}
	unsubscribe := p.Subscribe(func(ev *envelope.Event) { printEvent(w, ev) })
	defer unsubscribe()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.Done():
			return p.Err()
		case l, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		cmd, err := envelope.NewCommand(envelope.CommandSubmitCode, envelope.SubmitCode{Code: line})
		if err != nil {
			return err
		}
		outcome, err := p.Submit(ctx, cmd)
		if err != nil {
			return err
		}
		switch outcome.Status {
		case kernel.OutcomeSucceeded:
		case kernel.OutcomeFailed:
			fmt.Fprintf(w, "error: %v\n", outcome.AsError())
		default:
			return outcome.AsError()
		}
	}
}

func printEvent(w io.Writer, ev *envelope.Event) {
	switch ev.Type {
	case envelope.EventReturnValueProduced,
		envelope.EventDisplayedValueProduced,
		envelope.EventStandardOutputValueProduced,
		envelope.EventStandardErrorValueProduced:
		var v envelope.ValueProduced
		if err := ev.DecodePayload(&v); err != nil || len(v.FormattedValues) == 0 {
			return
		}
		fmt.Fprintln(w, v.FormattedValues[0].Value)
	}
}

