package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// DefaultMaxFrameSize bounds the declared length of an inbound frame.
const DefaultMaxFrameSize = 256 << 20

// initialBodySize caps the buffer reserved up front for a frame body.
const initialBodySize = 64 << 10

// ErrSealed is returned by writes to a Writer after Finish or Abandon.
var ErrSealed = errors.New("frame writer sealed")

// Reader reads length-prefixed frames from an inbound channel.
type Reader struct {
	r            io.Reader
	maxFrameSize uint32
	// trace mirrors every decoded frame when non-nil.
	trace *zap.SugaredLogger
}

// NewReader builds a Reader. A nil trace logger disables frame mirroring.
func NewReader(r io.Reader, maxFrameSize uint32, trace *zap.SugaredLogger) *Reader {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Reader{r: r, maxFrameSize: maxFrameSize, trace: trace}
}

// Read returns the next message.
// It returns io.EOF if the channel ends cleanly between frames, and io.ErrUnexpectedEOF if it ends mid-frame.
func (r *Reader) Read() (Message, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > r.maxFrameSize {
		return nil, protocolErrorf("frame length %d exceeds maximum of %d", length, r.maxFrameSize)
	}

	// grow with the bytes that actually arrive rather than trusting the declared length
	var body bytes.Buffer
	body.Grow(int(min(length, initialBodySize)))
	n, err := io.CopyN(&body, r.r, int64(length))
	if err != nil {
		if errors.Is(err, io.EOF) && n < int64(length) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	msg, err := Decode(body.Bytes())
	if err != nil {
		return nil, err
	}
	if r.trace != nil {
		r.trace.Debugf("→ %s", msg)
	}
	return msg, nil
}

// Writer writes frames to an outbound channel.
// It is safe for concurrent use, and each message is written with a single Write call.
type Writer struct {
	mut    sync.Mutex
	w      io.Writer
	sealed bool
	trace  *zap.SugaredLogger
}

// NewWriter builds a Writer. A nil trace logger disables frame mirroring.
func NewWriter(w io.Writer, trace *zap.SugaredLogger) *Writer {
	return &Writer{w: w, trace: trace}
}

// Write sends one message.
func (w *Writer) Write(m Outbound) error {
	w.mut.Lock()
	defer w.mut.Unlock()
	if w.sealed {
		return ErrSealed
	}
	return w.write(m)
}

// Finish writes the final messages of the exchange and seals the writer.
// The writer is sealed even if a write fails.
func (w *Writer) Finish(final ...Outbound) error {
	w.mut.Lock()
	defer w.mut.Unlock()
	if w.sealed {
		return ErrSealed
	}
	w.sealed = true
	for _, m := range final {
		if err := w.write(m); err != nil {
			return err
		}
	}
	return nil
}

// Abandon seals the writer without writing anything more.
// Once it returns, no further frame reaches the channel.
func (w *Writer) Abandon() {
	w.mut.Lock()
	defer w.mut.Unlock()
	w.sealed = true
}

func (w *Writer) write(m Outbound) error {
	if _, err := w.w.Write(Encode(m)); err != nil {
		return fmt.Errorf("writing %s frame: %w", m.Tag(), err)
	}
	if w.trace != nil {
		w.trace.Debugf("← %s", m)
	}
	return nil
}

// WriteInbound writes a single controller-side message to w.
func WriteInbound(w io.Writer, m Inbound) error {
	if _, err := w.Write(EncodeInbound(m)); err != nil {
		return fmt.Errorf("writing %s frame: %w", m.Tag(), err)
	}
	return nil
}
