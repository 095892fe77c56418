package handlers

import (
	"context"
	"encoding/binary"
	"io"
	"net"

	"go.uber.org/zap"

	"m87.dev/agent/internal/channels"
	"m87.dev/shared/wire"
)

// HandleTCPForward dials host:port locally and copies bidirectionally
// between that connection and stream until either side closes.
func HandleTCPForward(ctx context.Context, stream Stream, deps Deps, host string, port int) {
	defer stream.Close()

	conn, err := net.Dial("tcp", dialTarget(host, port))
	if err != nil {
		deps.Logger.Warn("tcp forward: dial failed", zap.String("target", dialTarget(host, port)), zap.Error(err))
		wire.WriteMsg(stream, map[string]string{"error": "dial_failed"})
		return
	}
	defer conn.Close()

	spliceBidirectional(stream, conn)
}

// HandleSocketForward dials a local UNIX domain socket at path and copies
// bidirectionally between it and stream.
func HandleSocketForward(ctx context.Context, stream Stream, deps Deps, path string) {
	defer stream.Close()

	conn, err := net.Dial("unix", path)
	if err != nil {
		deps.Logger.Warn("socket forward: dial failed", zap.String("path", path), zap.Error(err))
		wire.WriteMsg(stream, map[string]string{"error": "dial_failed"})
		return
	}
	defer conn.Close()

	spliceBidirectional(stream, conn)
}

// spliceBidirectional runs two abortable copy goroutines; either side
// finishing cleanly closes both, matching the broker's own splice contract
// for the operator-to-agent leg of a forward.
func spliceBidirectional(a io.ReadWriteCloser, b io.ReadWriteCloser) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
	a.Close()
	b.Close()
	<-done
}

// HandleUDPForward implements the agent side of §4.3/§4.4: allocate a
// channel id, write it BE on the stream, then switch entirely to QUIC
// datagrams carrying u8-family||u16-port||addr||payload bodies (§6).
func HandleUDPForward(ctx context.Context, stream Stream, deps Deps, host string, port int) {
	defer stream.Close()

	if deps.Channels == nil || deps.SendDatagram == nil {
		wire.WriteMsg(stream, map[string]string{"error": "udp_unavailable"})
		return
	}

	target, err := net.ResolveUDPAddr("udp", dialTarget(host, port))
	if err != nil {
		wire.WriteMsg(stream, map[string]string{"error": "resolve_failed"})
		return
	}

	ch := deps.Channels.Allocate()
	defer deps.Channels.Remove(ch.ID)

	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], ch.ID)
	if _, err := stream.Write(idBuf[:]); err != nil {
		deps.Logger.Warn("udp forward: failed to write channel id", zap.Error(err))
		return
	}
	if cw, ok := stream.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}

	conn, err := net.DialUDP("udp", nil, target)
	if err != nil {
		deps.Logger.Warn("udp forward: dial failed", zap.Error(err))
		return
	}
	defer conn.Close()

	go pumpChannelToSocket(ch, conn, deps)
	pumpSocketToChannel(ctx, conn, ch.ID, deps)
}

func pumpChannelToSocket(ch *channels.Channel, conn *net.UDPConn, deps Deps) {
	for payload := range ch.In {
		_, body, err := wire.DecodeUDPHeader(payload)
		if err != nil {
			deps.Logger.Debug("udp forward: bad header from operator", zap.Error(err))
			continue
		}
		if _, err := conn.Write(body); err != nil {
			return
		}
	}
}

func pumpSocketToChannel(ctx context.Context, conn *net.UDPConn, channelID uint32, deps Deps) {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		body := wire.EncodeUDPHeader(from, buf[:n])
		deps.SendDatagram(channelID, body)
	}
}
