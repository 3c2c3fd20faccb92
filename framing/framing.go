// Package framing delimits wire messages on a duplex transport.
//
// A frame is one complete encoded envelope. How frames are delimited depends on the
// transport:
//
//   - ModeChunked: raw byte streams (unix sockets, named pipes in byte mode). Each frame
//     is split into length-prefixed fragments and reassembled on receipt.
//   - ModeLines: text streams (stdio of a child process). One frame per line.
//   - ModeMessages: transports that already preserve message boundaries (websockets,
//     named pipes in message mode). Framing is a no-op.
//
// Readers and writers are not safe for concurrent use. The connection package
// serializes writers and keeps a single consumer per reader.
package framing

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// FrameReader reads whole frames. ReadFrame returns io.EOF when the transport closed
// cleanly at a frame boundary; any other error means the stream can no longer be
// trusted to be in sync.
type FrameReader interface {
	ReadFrame() ([]byte, error)
}

// FrameWriter writes whole frames. A frame is handed to the transport with a single
// Write call where the mode allows it.
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

var (
	// ErrInvalidFrame is returned when frame structure on the wire is corrupt.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrFrameTooLarge is returned when a frame exceeds the configured size limit.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrUnsupportedMode is returned when a mode cannot be used with a transport.
	ErrUnsupportedMode = errors.New("unsupported framing mode")
)

// DefaultMaxFrameSize bounds a reassembled frame.
const DefaultMaxFrameSize = 64 << 20

// Mode selects a framing strategy.
type Mode string

const (
	ModeChunked  Mode = "chunked"
	ModeLines    Mode = "lines"
	ModeMessages Mode = "messages"
)

// ParseMode parses a mode name, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeChunked, ModeLines, ModeMessages:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
	}
}

// NewStream returns a reader and writer of the given mode over a byte stream.
// ModeMessages is rejected: a byte stream does not preserve message boundaries.
func NewStream(mode Mode, r io.Reader, w io.Writer, maxFragmentSize int) (FrameReader, FrameWriter, error) {
	switch mode {
	case ModeChunked:
		return NewChunkedReader(r), NewChunkedWriter(w, maxFragmentSize), nil
	case ModeLines:
		return NewLinesReader(r), NewLinesWriter(w), nil
	default:
		return nil, nil, fmt.Errorf("%w: %q over a byte stream", ErrUnsupportedMode, mode)
	}
}
