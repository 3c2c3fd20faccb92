package framing

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Chunked framing splits each frame into one or more fragments:
//
//	┌─────────────────────────────────────────────────────────┐
//	│  ObjectID (8 bytes) - Identifies the frame              │
//	├─────────────────────────────────────────────────────────┤
//	│  FragmentID (8 bytes) - Index within the frame          │
//	├─────────────────────────────────────────────────────────┤
//	│  Flags (1 byte)                                         │
//	│    Bit 0: Start fragment                                │
//	│    Bit 1: End fragment                                  │
//	├─────────────────────────────────────────────────────────┤
//	│  BlobLength (4 bytes) - Length of blob data             │
//	├─────────────────────────────────────────────────────────┤
//	│  Blob (variable) - Fragment payload                     │
//	└─────────────────────────────────────────────────────────┘
//
// All multi-byte fields are big-endian.

// HeaderSize is the fragment header size in bytes.
const HeaderSize = 21

// Flag bits for fragment headers.
const (
	FlagStart = 1 << 0
	FlagEnd   = 1 << 1
)

// DefaultMaxFragmentSize is the default size of an encoded fragment, header included.
const DefaultMaxFragmentSize = 32768

// ErrDuplicateFragment is returned when a fragment index repeats within a frame.
var ErrDuplicateFragment = errors.New("duplicate fragment")

// Fragment is a single piece of a chunked frame.
type Fragment struct {
	ObjectID   uint64
	FragmentID uint64
	Start      bool
	End        bool
	Data       []byte
}

// Encode serializes the fragment, header first.
func (f *Fragment) Encode() []byte {
	buf := make([]byte, HeaderSize+len(f.Data))
	f.encodeTo(buf)
	return buf
}

func (f *Fragment) encodeTo(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], f.ObjectID)
	binary.BigEndian.PutUint64(buf[8:16], f.FragmentID)

	var flags byte
	if f.Start {
		flags |= FlagStart
	}
	if f.End {
		flags |= FlagEnd
	}
	buf[16] = flags

	if len(f.Data) > math.MaxUint32 {
		panic("fragment data too large")
	}
	binary.BigEndian.PutUint32(buf[17:21], uint32(len(f.Data))) // #nosec G115 -- bounded above
	copy(buf[HeaderSize:], f.Data)
}

// DecodeFragment parses one encoded fragment. Trailing bytes are ignored.
func DecodeFragment(data []byte) (*Fragment, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: fragment shorter than header", ErrInvalidFrame)
	}
	f := parseHeader(data[:HeaderSize])
	blobLen := binary.BigEndian.Uint32(data[17:21])
	if uint64(len(data)-HeaderSize) < uint64(blobLen) {
		return nil, fmt.Errorf("%w: blob length %d exceeds %d available bytes",
			ErrInvalidFrame, blobLen, len(data)-HeaderSize)
	}
	f.Data = append([]byte(nil), data[HeaderSize:HeaderSize+int(blobLen)]...)
	return f, nil
}

func parseHeader(header []byte) *Fragment {
	flags := header[16]
	return &Fragment{
		ObjectID:   binary.BigEndian.Uint64(header[0:8]),
		FragmentID: binary.BigEndian.Uint64(header[8:16]),
		Start:      flags&FlagStart != 0,
		End:        flags&FlagEnd != 0,
	}
}

// Fragmenter splits frames into fragments of at most maxSize encoded bytes.
type Fragmenter struct {
	maxSize  int
	objectID uint64
}

// NewFragmenter creates a Fragmenter. A maxSize not larger than HeaderSize disables
// splitting.
func NewFragmenter(maxSize int) *Fragmenter {
	return &Fragmenter{maxSize: maxSize}
}

// Fragment splits data into fragments sharing a fresh object ID. Empty data yields a
// single empty Start|End fragment.
func (f *Fragmenter) Fragment(data []byte) []*Fragment {
	f.objectID++
	objectID := f.objectID

	maxPayload := f.maxSize - HeaderSize
	if maxPayload <= 0 {
		maxPayload = len(data)
	}

	var frags []*Fragment
	var fragmentID uint64
	for offset := 0; offset < len(data); {
		end := min(offset+maxPayload, len(data))
		frags = append(frags, &Fragment{
			ObjectID:   objectID,
			FragmentID: fragmentID,
			Start:      offset == 0,
			End:        end == len(data),
			Data:       data[offset:end],
		})
		offset = end
		fragmentID++
	}

	if len(frags) == 0 {
		frags = append(frags, &Fragment{ObjectID: objectID, Start: true, End: true})
	}
	return frags
}

// Assembler reassembles fragments into frames.
type Assembler struct {
	pending            map[uint64]*pendingFrame
	maxPendingFrames   int
	maxFragmentsPerMsg int
	maxFrameSize       int
}

type pendingFrame struct {
	fragments map[uint64][]byte
	total     int
	size      int
}

const (
	// DefaultMaxPendingFrames bounds frames being reassembled at once.
	DefaultMaxPendingFrames = 64
	// DefaultMaxFragmentsPerFrame bounds the fragments of a single frame.
	DefaultMaxFragmentsPerFrame = 1 << 16
)

// NewAssembler creates an Assembler with default limits.
func NewAssembler() *Assembler {
	return NewAssemblerWithLimits(DefaultMaxPendingFrames, DefaultMaxFragmentsPerFrame, DefaultMaxFrameSize)
}

// NewAssemblerWithLimits creates an Assembler with custom limits.
func NewAssemblerWithLimits(maxPending, maxFragments, maxFrameSize int) *Assembler {
	return &Assembler{
		pending:            make(map[uint64]*pendingFrame),
		maxPendingFrames:   maxPending,
		maxFragmentsPerMsg: maxFragments,
		maxFrameSize:       maxFrameSize,
	}
}

// Add adds a fragment. When the fragment completes its frame, the frame is returned
// and forgotten.
func (a *Assembler) Add(f *Fragment) (complete bool, frame []byte, err error) {
	if f.Start != (f.FragmentID == 0) {
		return false, nil, fmt.Errorf("%w: fragment %d of object %d has start flag %t",
			ErrInvalidFrame, f.FragmentID, f.ObjectID, f.Start)
	}

	pf, exists := a.pending[f.ObjectID]
	if !exists {
		if len(a.pending) >= a.maxPendingFrames {
			return false, nil, fmt.Errorf("%w: too many frames in flight: %d", ErrInvalidFrame, len(a.pending))
		}
		pf = &pendingFrame{fragments: make(map[uint64][]byte), total: -1}
		a.pending[f.ObjectID] = pf
	}

	if len(pf.fragments) >= a.maxFragmentsPerMsg {
		delete(a.pending, f.ObjectID)
		return false, nil, fmt.Errorf("%w: object %d has more than %d fragments",
			ErrFrameTooLarge, f.ObjectID, a.maxFragmentsPerMsg)
	}
	if pf.total >= 0 && f.FragmentID >= uint64(pf.total) { // #nosec G115 -- total is non-negative
		delete(a.pending, f.ObjectID)
		return false, nil, fmt.Errorf("%w: object %d fragment %d is past its end fragment",
			ErrInvalidFrame, f.ObjectID, f.FragmentID)
	}
	if _, dup := pf.fragments[f.FragmentID]; dup {
		delete(a.pending, f.ObjectID)
		return false, nil, fmt.Errorf("%w: object %d fragment %d", ErrDuplicateFragment, f.ObjectID, f.FragmentID)
	}

	pf.size += len(f.Data)
	if pf.size > a.maxFrameSize {
		delete(a.pending, f.ObjectID)
		return false, nil, fmt.Errorf("%w: object %d exceeds %d bytes", ErrFrameTooLarge, f.ObjectID, a.maxFrameSize)
	}
	pf.fragments[f.FragmentID] = f.Data

	if f.End {
		if f.FragmentID > uint64(math.MaxInt-1) {
			delete(a.pending, f.ObjectID)
			return false, nil, fmt.Errorf("%w: fragment ID too large: %d", ErrInvalidFrame, f.FragmentID)
		}
		pf.total = int(f.FragmentID) + 1
	}

	if pf.total < 0 || len(pf.fragments) < pf.total {
		return false, nil, nil
	}
	if len(pf.fragments) > pf.total {
		delete(a.pending, f.ObjectID)
		return false, nil, fmt.Errorf("%w: object %d has fragments past its end fragment", ErrInvalidFrame, f.ObjectID)
	}

	delete(a.pending, f.ObjectID)
	frame = make([]byte, 0, pf.size)
	for i := 0; i < pf.total; i++ {
		data, ok := pf.fragments[uint64(i)] // #nosec G115 -- i is non-negative
		if !ok {
			return false, nil, fmt.Errorf("%w: object %d missing fragment %d", ErrInvalidFrame, f.ObjectID, i)
		}
		frame = append(frame, data...)
	}
	return true, frame, nil
}

// Pending reports how many frames are partially assembled.
func (a *Assembler) Pending() int {
	return len(a.pending)
}

// ChunkedWriter writes frames as fragments.
type ChunkedWriter struct {
	w          io.Writer
	fragmenter *Fragmenter
}

// NewChunkedWriter creates a writer producing fragments of at most maxFragmentSize
// bytes. A non-positive size selects DefaultMaxFragmentSize.
func NewChunkedWriter(w io.Writer, maxFragmentSize int) *ChunkedWriter {
	if maxFragmentSize <= 0 {
		maxFragmentSize = DefaultMaxFragmentSize
	}
	return &ChunkedWriter{w: w, fragmenter: NewFragmenter(maxFragmentSize)}
}

// WriteFrame fragments the frame and writes every fragment with one Write call.
func (cw *ChunkedWriter) WriteFrame(frame []byte) error {
	frags := cw.fragmenter.Fragment(frame)

	size := 0
	for _, f := range frags {
		size += HeaderSize + len(f.Data)
	}
	buf := make([]byte, size)
	offset := 0
	for _, f := range frags {
		f.encodeTo(buf[offset:])
		offset += HeaderSize + len(f.Data)
	}

	if _, err := cw.w.Write(buf); err != nil {
		return fmt.Errorf("write fragments: %w", err)
	}
	return nil
}

// ChunkedReader reads fragments and yields reassembled frames.
type ChunkedReader struct {
	r         *bufio.Reader
	assembler *Assembler
	header    [HeaderSize]byte
}

// NewChunkedReader creates a reader with default reassembly limits.
func NewChunkedReader(r io.Reader) *ChunkedReader {
	return NewChunkedReaderWithAssembler(r, NewAssembler())
}

// NewChunkedReaderWithAssembler creates a reader using the given assembler.
func NewChunkedReaderWithAssembler(r io.Reader, a *Assembler) *ChunkedReader {
	return &ChunkedReader{r: bufio.NewReader(r), assembler: a}
}

// ReadFrame reads fragments until a frame is complete. It returns io.EOF only when the
// stream ends between frames; ending inside a frame yields io.ErrUnexpectedEOF.
func (cr *ChunkedReader) ReadFrame() ([]byte, error) {
	for {
		if _, err := io.ReadFull(cr.r, cr.header[:]); err != nil {
			if errors.Is(err, io.EOF) && cr.assembler.Pending() > 0 {
				return nil, fmt.Errorf("read fragment header: %w", io.ErrUnexpectedEOF)
			}
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read fragment header: %w", err)
		}

		frag := parseHeader(cr.header[:])
		blobLen := binary.BigEndian.Uint32(cr.header[17:21])
		if uint64(blobLen) > uint64(cr.assembler.maxFrameSize) {
			return nil, fmt.Errorf("%w: fragment blob of %d bytes", ErrFrameTooLarge, blobLen)
		}

		frag.Data = make([]byte, blobLen)
		if _, err := io.ReadFull(cr.r, frag.Data); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read fragment data: %w", err)
		}

		complete, frame, err := cr.assembler.Add(frag)
		if err != nil {
			return nil, fmt.Errorf("assemble fragment: %w", err)
		}
		if complete {
			return frame, nil
		}
	}
}
