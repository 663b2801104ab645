// Package wire moves invocations between nodes: multi-frame messages over
// TCP, request and response headers, payload codecs, the connection pool,
// the remote dispatcher and the listener that feeds it.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"pkt.systems/rtnode/internal/fault"
)

const (
	// DefaultMaxFrames bounds the frames of one message.
	DefaultMaxFrames = 32
	// DefaultMaxFrameSize bounds one frame.
	DefaultMaxFrameSize = 8 << 20
	// DefaultMaxParts bounds the async parts one request may ask for.
	DefaultMaxParts = 1024
)

var (
	// ErrFrameLimit marks a message exceeding the frame count or size limit.
	ErrFrameLimit = fault.New(fault.Protocol, "frame_limit", "")
	// ErrEnvelope marks a message without the identity delimiter or with the
	// wrong number of frames after it.
	ErrEnvelope = fault.New(fault.Protocol, "bad_envelope", "")
	// ErrClosed marks use of a closed connection, pool or server.
	ErrClosed = errors.New("wire: closed")
)

// Limits bounds decoded messages. Zero fields use the defaults.
type Limits struct {
	MaxFrames    int
	MaxFrameSize int
	// MaxParts bounds RequestHeader.AdditionalParts. Only the dispatcher
	// reads it.
	MaxParts uint32
}

func (l Limits) withDefaults() Limits {
	if l.MaxFrames <= 0 {
		l.MaxFrames = DefaultMaxFrames
	}
	if l.MaxFrameSize <= 0 {
		l.MaxFrameSize = DefaultMaxFrameSize
	}
	if l.MaxParts == 0 {
		l.MaxParts = DefaultMaxParts
	}
	return l
}

// Message is an ordered list of frames:
//
//	[identity frames...][empty delimiter][header][payload]
type Message [][]byte

// NewMessage assembles an envelope.
func NewMessage(identities [][]byte, header, payload []byte) Message {
	m := make(Message, 0, len(identities)+3)
	m = append(m, identities...)
	return append(m, []byte{}, header, payload)
}

// Split separates the envelope. The delimiter is the first empty frame.
func (m Message) Split() (identities [][]byte, header, payload []byte, err error) {
	for i, f := range m {
		if len(f) != 0 {
			continue
		}
		if len(m)-i != 3 {
			return nil, nil, nil, fmt.Errorf("%w: %d frames after the delimiter", ErrEnvelope, len(m)-i-1)
		}
		return m[:i], m[i+1], m[i+2], nil
	}
	return nil, nil, nil, fmt.Errorf("%w: no delimiter in %d frames", ErrEnvelope, len(m))
}

// PushIdentity returns m with id prepended.
func (m Message) PushIdentity(id []byte) Message {
	out := make(Message, 0, len(m)+1)
	return append(append(out, id), m...)
}

// PopIdentity returns the first frame and the rest of m.
func (m Message) PopIdentity() ([]byte, Message, error) {
	if len(m) == 0 || len(m[0]) == 0 {
		return nil, nil, fmt.Errorf("%w: no identity frame", ErrEnvelope)
	}
	return m[0], m[1:], nil
}

// WriteMessage writes m as a uint32 frame count followed by uint32
// length-prefixed frames, big-endian.
func WriteMessage(w io.Writer, m Message) error {
	size := 4
	for _, f := range m {
		size += 4 + len(f)
	}
	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m)))
	for _, f := range m {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(f)))
		buf = append(buf, f...)
	}
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads one message written by WriteMessage.
func ReadMessage(r io.Reader, limits Limits) (Message, error) {
	limits = limits.withDefaults()
	var word [4]byte
	if _, err := io.ReadFull(r, word[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(word[:])
	if count == 0 || int64(count) > int64(limits.MaxFrames) {
		return nil, fmt.Errorf("%w: %d frames (max %d)", ErrFrameLimit, count, limits.MaxFrames)
	}
	m := make(Message, 0, count)
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(r, word[:]); err != nil {
			return nil, unexpected(err)
		}
		n := binary.BigEndian.Uint32(word[:])
		if int64(n) > int64(limits.MaxFrameSize) {
			return nil, fmt.Errorf("%w: frame of %d bytes (max %d)", ErrFrameLimit, n, limits.MaxFrameSize)
		}
		f := make([]byte, n)
		if _, err := io.ReadFull(r, f); err != nil {
			return nil, unexpected(err)
		}
		m = append(m, f)
	}
	return m, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Reader decodes a stream of messages.
type Reader struct {
	r      *bufio.Reader
	limits Limits
}

// NewReader buffers r.
func NewReader(r io.Reader, limits Limits) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64<<10), limits: limits}
}

// Next reads the next message.
func (r *Reader) Next() (Message, error) { return ReadMessage(r.r, r.limits) }
