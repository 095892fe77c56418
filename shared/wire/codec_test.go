package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

type sample struct {
	A string `json:"a"`
	B int    `json:"b"`
}

func TestWriteReadMsgRoundTrip(t *testing.T) {
	cases := []sample{
		{A: "", B: 0},
		{A: "hello", B: 42},
		{A: string(make([]byte, 4096)), B: -1},
	}

	for _, in := range cases {
		var buf bytes.Buffer
		if err := WriteMsg(&buf, in); err != nil {
			t.Fatalf("WriteMsg: %v", err)
		}

		var out sample
		if err := ReadMsg(&buf, &out); err != nil {
			t.Fatalf("ReadMsg: %v", err)
		}
		if out != in {
			t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
		}
		if buf.Len() != 0 {
			t.Fatalf("ReadMsg left %d unread bytes", buf.Len())
		}
	}
}

func TestWriteMsgSingleWrite(t *testing.T) {
	// A clean shutdown must never observe a partial frame: writer emits
	// length+body as one Write call so a single successful call means the
	// whole frame landed.
	w := &countingWriter{}
	if err := WriteMsg(w, sample{A: "x", B: 1}); err != nil {
		t.Fatalf("WriteMsg: %v", err)
	}
	if w.calls != 1 {
		t.Fatalf("expected exactly one Write call, got %d", w.calls)
	}
}

type countingWriter struct {
	calls int
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.calls++
	return len(p), nil
}

func TestReadMsgShortRead(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 10}) // claims 10 bytes, provides none
	var out sample
	err := ReadMsg(&buf, &out)
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("expected ErrShortRead, got %v", err)
	}
}

func TestReadMsgOversizeFrame(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], MaxFrameSize+1)
	buf.Write(lenBuf[:])

	var out sample
	err := ReadMsg(&buf, &out)
	if !errors.Is(err, ErrOversizeFrame) {
		t.Fatalf("expected ErrOversizeFrame, got %v", err)
	}
}

func TestWriteMsgOversizeFrame(t *testing.T) {
	big := sample{A: string(make([]byte, MaxFrameSize+1))}
	var buf bytes.Buffer
	err := WriteMsg(&buf, big)
	if !errors.Is(err, ErrOversizeFrame) {
		t.Fatalf("expected ErrOversizeFrame, got %v", err)
	}
}

func TestUDPHeaderRoundTrip(t *testing.T) {
	payload := []byte("hello")
	addr := mustUDPAddr(t, "203.0.113.5", 9001)

	encoded := EncodeUDPHeader(addr, payload)
	gotAddr, gotPayload, err := DecodeUDPHeader(encoded)
	if err != nil {
		t.Fatalf("DecodeUDPHeader: %v", err)
	}
	if gotAddr.Port != addr.Port || !gotAddr.IP.Equal(addr.IP) {
		t.Fatalf("addr mismatch: got %v, want %v", gotAddr, addr)
	}
	if !bytes.Equal(gotPayload, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", gotPayload, payload)
	}
}

func TestChannelDatagramRoundTrip(t *testing.T) {
	payload := []byte("udp body")
	dg := ChannelDatagram(7, payload)

	id, got, ok := SplitChannelDatagram(dg)
	if !ok {
		t.Fatal("SplitChannelDatagram returned ok=false")
	}
	if id != 7 {
		t.Fatalf("id mismatch: got %d, want 7", id)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch: got %q, want %q", got, payload)
	}
}

func TestSplitChannelDatagramShort(t *testing.T) {
	if _, _, ok := SplitChannelDatagram([]byte{1, 2}); ok {
		t.Fatal("expected ok=false for short datagram")
	}
}
