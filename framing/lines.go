package framing

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

var utf8BOM = []byte("\xEF\xBB\xBF")

// LinesWriter writes one frame per line. Frames must not contain a newline; compact
// JSON never does.
type LinesWriter struct {
	w io.Writer
}

// NewLinesWriter creates a line-delimited frame writer.
func NewLinesWriter(w io.Writer) *LinesWriter {
	return &LinesWriter{w: w}
}

// WriteFrame writes the frame followed by '\n' with a single Write call.
func (lw *LinesWriter) WriteFrame(frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return fmt.Errorf("%w: line frame contains a newline", ErrInvalidFrame)
	}
	buf := make([]byte, len(frame)+1)
	copy(buf, frame)
	buf[len(frame)] = '\n'
	if _, err := lw.w.Write(buf); err != nil {
		return fmt.Errorf("write line: %w", err)
	}
	return nil
}

// LinesReader reads newline-delimited frames. Blank lines and a leading UTF-8 BOM are
// skipped, as are trailing carriage returns.
type LinesReader struct {
	r            *bufio.Reader
	maxFrameSize int
}

// NewLinesReader creates a line-delimited frame reader limited to DefaultMaxFrameSize.
func NewLinesReader(r io.Reader) *LinesReader {
	return NewLinesReaderSize(r, DefaultMaxFrameSize)
}

// NewLinesReaderSize creates a line-delimited frame reader with a custom line limit.
func NewLinesReaderSize(r io.Reader, maxFrameSize int) *LinesReader {
	return &LinesReader{r: bufio.NewReader(r), maxFrameSize: maxFrameSize}
}

// ReadFrame returns the next non-blank line without its terminator.
func (lr *LinesReader) ReadFrame() ([]byte, error) {
	for {
		line, err := lr.readLine()
		if err != nil {
			return nil, err
		}

		line = bytes.TrimPrefix(line, utf8BOM)
		line = bytes.TrimRight(line, "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

func (lr *LinesReader) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := lr.r.ReadSlice('\n')
		if len(line)+len(chunk) > lr.maxFrameSize+1 {
			return nil, fmt.Errorf("%w: line exceeds %d bytes", ErrFrameTooLarge, lr.maxFrameSize)
		}
		line = append(line, chunk...)

		switch {
		case err == nil:
			return line[:len(line)-1], nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(bytes.TrimSpace(line)) == 0 {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read line: %w", io.ErrUnexpectedEOF)
		default:
			return nil, fmt.Errorf("read line: %w", err)
		}
	}
}
