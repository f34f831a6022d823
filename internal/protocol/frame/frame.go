package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"time"
)

// HeaderLen is the size of the signed little-endian length prefix.
const HeaderLen = 4

const headerSlack = 64

var (
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrInvalidLength   = errors.New("frame: invalid length prefix")
	ErrTruncated       = errors.New("frame: truncated frame")
	ErrStalled         = errors.New("frame: read stalled mid-frame")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 1024*1024 - headerSlack,
	}
}

func (l Limits) maxPayload() int {
	if l.MaxPayloadBytes <= 0 || l.MaxPayloadBytes > math.MaxInt32 {
		return DefaultLimits().MaxPayloadBytes
	}
	return l.MaxPayloadBytes
}

// Encode returns one wire frame. A nil or empty payload yields a heartbeat frame.
func Encode(payload []byte) []byte {
	buf := make([]byte, HeaderLen+len(payload))
	binary.LittleEndian.PutUint32(buf[:HeaderLen], uint32(int32(len(payload))))
	copy(buf[HeaderLen:], payload)
	return buf
}

// DecodeHeader validates a length prefix against limits.
func DecodeHeader(b []byte, limits Limits) (int, error) {
	if len(b) != HeaderLen {
		return 0, fmt.Errorf("%w: header is %d bytes", ErrInvalidLength, len(b))
	}
	n := int32(binary.LittleEndian.Uint32(b))
	if n < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	}
	if int(n) > limits.maxPayload() {
		return 0, fmt.Errorf("%w: declared=%d max=%d", ErrPayloadTooLarge, n, limits.maxPayload())
	}
	return int(n), nil
}

// DeadlineReader is a byte stream that supports read deadlines.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// Reader decodes consecutive frames and bounds how long a started frame may stall.
// Waiting for the first byte of a frame is unbounded; the stall clock starts
// once that byte arrives.
type Reader struct {
	r            io.Reader
	dl           DeadlineReader
	limits       Limits
	stallTimeout time.Duration
}

func NewReader(r io.Reader, limits Limits, stallTimeout time.Duration) *Reader {
	fr := &Reader{r: r, limits: limits, stallTimeout: stallTimeout}
	if dl, ok := r.(DeadlineReader); ok && stallTimeout > 0 {
		fr.dl = dl
	}
	return fr
}

// Next returns the next payload. io.EOF is returned only on a clean boundary.
func (fr *Reader) Next() ([]byte, error) {
	var head [HeaderLen]byte
	if fr.dl != nil {
		_ = fr.dl.SetReadDeadline(time.Time{})
	}
	if _, err := io.ReadFull(fr.r, head[:1]); err != nil {
		return nil, err
	}
	if fr.dl != nil {
		_ = fr.dl.SetReadDeadline(time.Now().Add(fr.stallTimeout))
		defer fr.dl.SetReadDeadline(time.Time{})
	}
	if _, err := io.ReadFull(fr.r, head[1:]); err != nil {
		return nil, fr.midFrameErr(err)
	}
	n, err := DecodeHeader(head[:], fr.limits)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, fr.midFrameErr(err)
		}
	}
	return payload, nil
}

func (fr *Reader) midFrameErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrStalled, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}
