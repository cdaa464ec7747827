package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen = 4

	// CeilingBytes bounds any frame before a packet size is negotiated and
	// caps whatever a peer later advertises.
	CeilingBytes uint32 = 1 << 20
	// MinPayloadBytes is the smallest packet size a peer may negotiate.
	MinPayloadBytes uint32 = 256
)

var (
	ErrShortHeader     = errors.New("frame: short length header")
	ErrShortPayload    = errors.New("frame: short payload")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: CeilingBytes}
}

// Clamp returns limits for a negotiated packet size. Zero keeps the
// ceiling; anything above the ceiling is capped to it.
func Clamp(maxPacketSize uint32) Limits {
	if maxPacketSize == 0 || maxPacketSize > CeilingBytes {
		return DefaultLimits()
	}
	return Limits{MaxPayloadBytes: maxPacketSize}
}

// ReadFrame reads one length-prefixed payload. A clean EOF before any
// header byte is returned as io.EOF.
func ReadFrame(r io.Reader, limits Limits) ([]byte, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortHeader
		}
		return nil, err
	}

	n := DecodeHeader(hdr)
	if n > limits.MaxPayloadBytes {
		return nil, fmt.Errorf("%w: len=%d max=%d", ErrPayloadTooLarge, n, limits.MaxPayloadBytes)
	}

	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, ErrShortPayload
			}
			return nil, err
		}
	}
	return payload, nil
}

// WriteFrame writes header and payload as one buffer so a frame is never
// interleaved with another writer's bytes.
func WriteFrame(w io.Writer, payload []byte, limits Limits) error {
	if uint64(len(payload)) > uint64(limits.MaxPayloadBytes) {
		return fmt.Errorf("%w: len=%d max=%d", ErrPayloadTooLarge, len(payload), limits.MaxPayloadBytes)
	}
	buf := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderLen], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(n uint32) [HeaderLen]byte {
	var hdr [HeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:], n)
	return hdr
}

func DecodeHeader(hdr [HeaderLen]byte) uint32 {
	return binary.BigEndian.Uint32(hdr[:])
}
