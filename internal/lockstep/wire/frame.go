// Package wire implements the lockstep wire format: length-prefixed frames
// over a byte stream, carrying one raw snapshot blob followed by JSON event
// records.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the big-endian length prefix.
	HeaderSize = 4

	// MaxChunkSize bounds a single read while assembling a frame body.
	MaxChunkSize = 8 * 1024

	// MaxFrameSize is the largest accepted frame body (64 MiB).
	MaxFrameSize = 64 * 1024 * 1024
)

// WriteFrame writes payload preceded by its 4-byte big-endian length.
// Header and body go out in a single Write.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), MaxFrameSize)
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame blocks until a complete frame is available and returns its body.
// The body is read in chunks of at most MaxChunkSize so slow or segmented
// transports are handled without one large read.
//
// A stream that ends cleanly before any header byte returns io.EOF. A stream
// that ends anywhere inside a frame returns ErrTruncatedFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: header", ErrTruncatedFrame)
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, MaxFrameSize)
	}

	body := make([]byte, n)
	for off := 0; off < len(body); {
		end := off + MaxChunkSize
		if end > len(body) {
			end = len(body)
		}
		read, err := io.ReadFull(r, body[off:end])
		off += read
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: got %d of %d bytes", ErrTruncatedFrame, off, n)
			}
			return nil, err
		}
	}
	return body, nil
}
