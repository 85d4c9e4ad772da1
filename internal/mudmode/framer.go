// Package mudmode implements MudMode framing: each Intermud-3 message is a
// 4-byte big-endian length prefix followed by that many bytes of LPC data.
package mudmode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrame is the largest frame accepted or produced unless the
// caller configures otherwise.
const DefaultMaxFrame = 32 * 1024

// prefixSize is the length prefix width in bytes.
const prefixSize = 4

var (
	// ErrFrameTooLarge reports a length prefix above the configured
	// maximum. The payload is never read.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrEmptyFrame reports a zero length prefix.
	ErrEmptyFrame = errors.New("frame has zero length")
)

// Framer reads length-prefixed frames from an underlying reader. It owns
// all read buffering: partial reads resume where they left off, and frame
// boundaries never leak to the caller.
type Framer struct {
	r        io.Reader
	maxFrame int
}

// NewFramer wraps r. maxFrame <= 0 selects DefaultMaxFrame.
func NewFramer(r io.Reader, maxFrame int) *Framer {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Framer{r: r, maxFrame: maxFrame}
}

// ReadFrame blocks until one complete frame is available and returns its
// payload. An oversized or empty length prefix fails without consuming
// payload bytes. A short read mid-frame returns io.ErrUnexpectedEOF.
func (f *Framer) ReadFrame() ([]byte, error) {
	var prefix [prefixSize]byte
	if _, err := io.ReadFull(f.r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if int64(length) > int64(f.maxFrame) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, f.maxFrame)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload with its length prefix in a single Write call
// so concurrent writers on the same connection never interleave frames.
func WriteFrame(w io.Writer, payload []byte) error {
	return WriteFrameLimit(w, payload, DefaultMaxFrame)
}

// WriteFrameLimit is WriteFrame with an explicit size cap.
func WriteFrameLimit(w io.Writer, payload []byte, maxFrame int) error {
	if len(payload) == 0 {
		return ErrEmptyFrame
	}
	if len(payload) > maxFrame {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), maxFrame)
	}

	buf := make([]byte, prefixSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[prefixSize:], payload)

	_, err := w.Write(buf)
	return err
}
