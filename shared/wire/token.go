package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxTokenLength bounds the bearer token sent on the agent's initial
// uni-stream: u16 BE length || length bytes of UTF-8 bearer (spec §6).
const MaxTokenLength = 4096

var ErrOversizeToken = errors.New("wire: token exceeds max length")

// WriteToken writes the u16-BE-length-prefixed bearer token used on an
// agent's first uni-stream toward the broker.
func WriteToken(w io.Writer, token string) error {
	if len(token) > MaxTokenLength {
		return ErrOversizeToken
	}
	buf := make([]byte, 2+len(token))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(token)))
	copy(buf[2:], token)
	_, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("wire: write token: %w", err)
	}
	return nil
}

// ReadToken reads the u16-BE-length-prefixed bearer token.
func ReadToken(r io.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("%w: token length: %w", ErrShortRead, err)
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	if int(n) > MaxTokenLength {
		return "", ErrOversizeToken
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", fmt.Errorf("%w: token body: %w", ErrShortRead, err)
	}
	return string(body), nil
}

// HeartbeatPrimingByte is written by the agent immediately after opening the
// heartbeat stream, before the first framed message, so the broker can
// distinguish a live heartbeat stream from any other bi-stream it might ever
// accept on a control tunnel.
const HeartbeatPrimingByte = 0x01

// WriteHeartbeatPriming writes the heartbeat stream's priming byte.
func WriteHeartbeatPriming(w io.Writer) error {
	if _, err := w.Write([]byte{HeartbeatPrimingByte}); err != nil {
		return fmt.Errorf("wire: write heartbeat priming byte: %w", err)
	}
	return nil
}

// ReadHeartbeatPriming reads and discards the heartbeat stream's priming
// byte, which must precede the first framed ReadMsg call on that stream.
func ReadHeartbeatPriming(r io.Reader) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return fmt.Errorf("%w: heartbeat priming byte: %w", ErrShortRead, err)
	}
	if b[0] != HeartbeatPrimingByte {
		return fmt.Errorf("wire: unexpected heartbeat priming byte %#x", b[0])
	}
	return nil
}
