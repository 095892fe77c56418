// Package wire implements the length-prefixed JSON framing used on every
// control-plane stream: a u32 BE length followed by that many bytes of JSON.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize is the largest frame body this codec will accept or emit.
// Anything larger is almost certainly a protocol desync, not real data.
const MaxFrameSize = 16 * 1024 * 1024

var (
	ErrOversizeFrame = errors.New("wire: frame exceeds max size")
	ErrShortRead     = errors.New("wire: short read")
)

// WriteMsg serialises v to JSON and writes it as one length-prefixed frame.
// The length and body are written as a single logical operation so a
// concurrent reader never observes a half-written frame on this stream.
func WriteMsg(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal: %w", err)
	}
	if len(body) > MaxFrameSize {
		return ErrOversizeFrame
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("wire: write: %w", err)
	}
	return nil
}

// ReadMsg reads exactly one length-prefixed frame from r and unmarshals it
// into v. It reads exactly 4 bytes, then exactly length bytes; a short read
// on either becomes ErrShortRead (wrapping the underlying io error).
func ReadMsg(r io.Reader, v any) error {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fmt.Errorf("%w: length prefix: %w", ErrShortRead, err)
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return ErrOversizeFrame
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("%w: body: %w", ErrShortRead, err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("wire: json_parse: %w", err)
	}
	return nil
}
