package kernel

import (
	"context"

	"github.com/smnsjas/go-kernelproxy/envelope"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Submission is a command that was sent and awaits its terminal event.
type Submission struct {
	command *envelope.Command
	span    trace.Span

	done    chan struct{}
	outcome *Outcome
}

func newSubmission(cmd *envelope.Command, span trace.Span) *Submission {
	return &Submission{
		command: cmd,
		span:    span,
		done:    make(chan struct{}),
	}
}

// Token returns the command's correlation token.
func (s *Submission) Token() string {
	return s.command.Token
}

// Command returns the command as it was sent.
func (s *Submission) Command() *envelope.Command {
	return s.command
}

// Done is closed once the submission is resolved.
func (s *Submission) Done() <-chan struct{} {
	return s.done
}

// Outcome returns the resolution, or nil while the submission is pending.
func (s *Submission) Outcome() *Outcome {
	select {
	case <-s.done:
		return s.outcome
	default:
		return nil
	}
}

// Wait blocks until the submission is resolved or ctx ends. Abandoning the wait does not
// abandon the submission: it stays pending and is resolved when its terminal event
// arrives or the connection ends.
func (s *Submission) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case <-s.done:
		return s.outcome, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve must be called at most once per submission; the pending map hands each
// submission to exactly one resolver.
func (s *Submission) resolve(o *Outcome) {
	s.outcome = o
	if o.Succeeded() {
		s.span.SetStatus(codes.Ok, "")
	} else {
		s.span.SetStatus(codes.Error, o.Status.String())
		if err := o.AsError(); err != nil {
			s.span.RecordError(err)
		}
	}
	s.span.End()
	close(s.done)
}
