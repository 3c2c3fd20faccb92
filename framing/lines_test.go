package framing

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewLinesWriter(&buf)
	require.NoError(t, w.WriteFrame([]byte(`{"a":1}`)))
	require.NoError(t, w.WriteFrame([]byte(`{"b":2}`)))
	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n", buf.String())

	r := NewLinesReader(&buf)
	for _, want := range []string{`{"a":1}`, `{"b":2}`} {
		got, err := r.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	_, err := r.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestLinesWriterRejectsNewline(t *testing.T) {
	var buf bytes.Buffer
	err := NewLinesWriter(&buf).WriteFrame([]byte("a\nb"))
	assert.ErrorIs(t, err, ErrInvalidFrame)
	assert.Zero(t, buf.Len())
}

func TestLinesReaderSkipsNoise(t *testing.T) {
	input := "\xEF\xBB\xBF{\"a\":1}\r\n\n   \n{\"b\":2}\n\n"
	r := NewLinesReader(strings.NewReader(input))

	got, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))

	got, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(got))

	_, err = r.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestLinesReaderErrors(t *testing.T) {
	t.Run("unterminated last line", func(t *testing.T) {
		_, err := NewLinesReader(strings.NewReader(`{"a":1}`)).ReadFrame()
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("line too long", func(t *testing.T) {
		r := NewLinesReaderSize(strings.NewReader(strings.Repeat("x", 10000)+"\n"), 100)
		_, err := r.ReadFrame()
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("line longer than buffer but within limit", func(t *testing.T) {
		long := strings.Repeat("y", 9000)
		got, err := NewLinesReader(strings.NewReader(long + "\n")).ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, long, string(got))
	})

	t.Run("transport error", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := NewLinesReader(&failingReader{err: boom}).ReadFrame()
		assert.ErrorIs(t, err, boom)
	})
}

type failingReader struct {
	err error
}

func (f *failingReader) Read([]byte) (int, error) {
	return 0, f.err
}

type fakeMessageConn struct {
	in      [][]byte
	out     [][]byte
	outType []int
}

func (c *fakeMessageConn) ReadMessage() (int, []byte, error) {
	if len(c.in) == 0 {
		return 0, nil, io.EOF
	}
	p := c.in[0]
	c.in = c.in[1:]
	return 1, p, nil
}

func (c *fakeMessageConn) WriteMessage(messageType int, data []byte) error {
	c.outType = append(c.outType, messageType)
	c.out = append(c.out, data)
	return nil
}

func TestMessagesIsPassThrough(t *testing.T) {
	conn := &fakeMessageConn{in: [][]byte{[]byte("one"), []byte("two\nlines")}}
	m := NewMessages(conn, 1)

	require.NoError(t, m.WriteFrame([]byte("frame")))
	assert.Equal(t, [][]byte{[]byte("frame")}, conn.out)
	assert.Equal(t, []int{1}, conn.outType)

	got, err := m.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "one", string(got))
	got, err = m.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "two\nlines", string(got))
	_, err = m.ReadFrame()
	assert.Equal(t, io.EOF, err)
}
