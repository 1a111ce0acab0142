// Package frame implements the relay wire format: a fixed-width ASCII decimal
// length header followed by exactly that many payload bytes.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// HeaderSize is the width of the length header in bytes.
	HeaderSize = 64

	// DefaultMaxPayloadSize is the payload bound applied by DecodeOne.
	DefaultMaxPayloadSize int64 = 1 << 20
)

var (
	// ErrFrameTooLarge is returned by Encode when the payload length does not
	// fit in the header.
	ErrFrameTooLarge = errors.New("frame: payload length does not fit in header")

	// ErrMalformedHeader is returned when the header is not a non-negative
	// decimal integer.
	ErrMalformedHeader = errors.New("frame: malformed header")

	// ErrConnectionClosed is returned when the stream ends or fails before a
	// full frame has been read. I/O errors are wrapped with it.
	ErrConnectionClosed = errors.New("frame: connection closed")

	// ErrPayloadTooLarge is returned when a header declares more payload
	// bytes than the decoder accepts.
	ErrPayloadTooLarge = errors.New("frame: payload exceeds maximum size")
)

// Encode builds the frame for text: the payload length left-justified and
// space padded to HeaderSize bytes, followed by the payload.
//
// Parameters:
//   - text: The message to frame
//
// Returns:
//   - The encoded frame
//   - ErrFrameTooLarge if the decimal length is wider than HeaderSize
func Encode(text string) ([]byte, error) {
	size := strconv.Itoa(len(text))
	if len(size) > HeaderSize {
		return nil, fmt.Errorf("%w: %d digits", ErrFrameTooLarge, len(size))
	}

	buf := make([]byte, HeaderSize+len(text))
	n := copy(buf, size)
	copy(buf[n:HeaderSize], bytes.Repeat([]byte{' '}, HeaderSize-n))
	copy(buf[HeaderSize:], text)
	return buf, nil
}

// DecodeOne reads exactly one frame from r and returns its payload. The
// payload is bounded by DefaultMaxPayloadSize.
func DecodeOne(r io.Reader) (string, error) {
	return NewDecoder(r, DefaultMaxPayloadSize).Decode()
}

// Decoder reads consecutive frames from a stream. It is not safe for
// concurrent use; a stream has exactly one reader.
type Decoder struct {
	r          io.Reader
	maxPayload int64
	header     [HeaderSize]byte
}

// NewDecoder returns a Decoder reading from r.
//
// Parameters:
//   - r: The stream to read frames from
//   - maxPayload: Largest payload accepted; zero or negative disables the bound
//
// Returns:
//   - A new Decoder
func NewDecoder(r io.Reader, maxPayload int64) *Decoder {
	return &Decoder{r: r, maxPayload: maxPayload}
}

// Decode reads the next full frame and returns its payload.
func (d *Decoder) Decode() (string, error) {
	size, err := d.DecodeHeader()
	if err != nil {
		return "", err
	}

	return d.DecodePayload(size)
}

// DecodeHeader reads exactly HeaderSize bytes and parses the declared
// payload size. A short read, even after several partial reads, is
// reported as ErrConnectionClosed.
//
// Returns:
//   - The declared payload size
//   - ErrConnectionClosed, ErrMalformedHeader or ErrPayloadTooLarge
func (d *Decoder) DecodeHeader() (int64, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return 0, closedError("header", err)
	}

	raw := strings.TrimSpace(string(d.header[:]))
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || size < 0 || strings.HasPrefix(raw, "+") {
		return 0, fmt.Errorf("%w: %q", ErrMalformedHeader, raw)
	}

	if d.maxPayload > 0 && size > d.maxPayload {
		return 0, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, size, d.maxPayload)
	}

	return size, nil
}

// DecodePayload reads exactly size bytes. The buffer grows as bytes arrive,
// so an unbounded decoder never allocates a declared size up front. A stream
// that ends before size bytes is reported as io.ErrUnexpectedEOF, even when
// no payload byte arrived.
func (d *Decoder) DecodePayload(size int64) (string, error) {
	if size == 0 {
		return "", nil
	}

	var buf bytes.Buffer
	if d.maxPayload > 0 {
		buf.Grow(int(size))
	}

	if _, err := io.CopyN(&buf, d.r, size); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return "", closedError("payload", err)
	}

	return buf.String(), nil
}

// closedError keeps the underlying error in the chain so callers can tell a
// clean io.EOF between frames from a reset or a truncated frame.
func closedError(part string, err error) error {
	return fmt.Errorf("%w: reading %s: %w", ErrConnectionClosed, part, err)
}
