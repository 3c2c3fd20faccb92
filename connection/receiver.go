package connection

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"sync/atomic"

	"github.com/smnsjas/go-kernelproxy/envelope"
	"github.com/smnsjas/go-kernelproxy/framing"
	"go.uber.org/zap"
)

// DefaultMaxConsecutiveMalformed is how many malformed messages in a row a Receiver
// tolerates before treating the stream as broken.
const DefaultMaxConsecutiveMalformed = 16

// Receiver reads envelopes from the inbound half of a stream. It has a single consumer
// and a single pass: once the sequence ends, a new Receiver over a new stream is needed.
type Receiver struct {
	r      framing.FrameReader
	logger *zap.Logger

	maxMalformed int
	malformedRun int
	end          error // io.EOF or *TransportReadError once the sequence ended

	consumed atomic.Bool
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithReceiverLogger sets the logger used for read diagnostics.
func WithReceiverLogger(logger *zap.Logger) ReceiverOption {
	return func(r *Receiver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMaxConsecutiveMalformed sets the malformed-message threshold. Zero or less
// disables it.
func WithMaxConsecutiveMalformed(n int) ReceiverOption {
	return func(r *Receiver) {
		r.maxMalformed = n
	}
}

// NewReceiver creates a Receiver over a frame reader.
func NewReceiver(r framing.FrameReader, opts ...ReceiverOption) *Receiver {
	rc := &Receiver{
		r:            r,
		logger:       zap.NewNop(),
		maxMalformed: DefaultMaxConsecutiveMalformed,
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Receive reads the next envelope. It returns:
//   - a *envelope.MalformedMessageError for a message that could not be decoded; the
//     next call continues with the following message
//   - io.EOF once the stream closed cleanly
//   - a *TransportReadError once the stream failed
//
// After io.EOF or a *TransportReadError every call returns the same error.
func (r *Receiver) Receive() (*envelope.Envelope, error) {
	if r.end != nil {
		return nil, r.end
	}

	frame, err := r.r.ReadFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			r.end = io.EOF
		} else {
			r.end = &TransportReadError{Err: err}
		}
		return nil, r.end
	}

	env, err := envelope.Decode(frame)
	if err != nil {
		r.malformedRun++
		r.logger.Debug("dropping malformed message", zap.Int("run", r.malformedRun), zap.Error(err))
		if r.maxMalformed > 0 && r.malformedRun >= r.maxMalformed {
			r.end = &TransportReadError{
				Err: fmt.Errorf("%w: %d in a row, last: %v", ErrTooManyMalformed, r.malformedRun, err),
			}
			return nil, r.end
		}
		return nil, err
	}

	r.malformedRun = 0
	return env, nil
}

// All returns the receive sequence. Each step yields either an envelope or a malformed
// message error. A clean close stops the sequence without an error; a transport
// failure is yielded as the final element. The sequence can be ranged over once.
func (r *Receiver) All() iter.Seq2[*envelope.Envelope, error] {
	return func(yield func(*envelope.Envelope, error) bool) {
		if !r.consumed.CompareAndSwap(false, true) {
			yield(nil, ErrAlreadyConsumed)
			return
		}

		for {
			env, err := r.Receive()
			switch {
			case err == nil:
				if !yield(env, nil) {
					return
				}
			case r.end == nil:
				if !yield(nil, err) {
					return
				}
			case errors.Is(r.end, io.EOF):
				return
			default:
				yield(nil, r.end)
				return
			}
		}
	}
}
