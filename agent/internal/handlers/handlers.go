// Package handlers implements the agent-side stream handlers (C11): SSH/PTY
// shell, exec, SFTP, log follow, metrics publish, and TCP/UDP/socket
// forwarding. Each is spawned as its own task from Dispatch (C3) and never
// blocks another handler.
package handlers

import (
	"context"
	"io"
	"net"
	"strconv"

	"go.uber.org/zap"

	"m87.dev/agent/internal/channels"
	"m87.dev/agent/internal/logs"
	"m87.dev/agent/internal/metrics"
	"m87.dev/shared/wire"
)

// Stream is the minimal shape Dispatch needs from an operator-opened
// bidirectional QUIC stream.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// TokenValidator checks a StreamType's bearer token, returning an error if
// it is invalid. The broker never sees this token (§4.3) — only the agent
// validates it.
type TokenValidator func(token string) error

// Deps bundles everything a handler needs beyond the stream itself.
type Deps struct {
	Logger         *zap.Logger
	ValidateToken  TokenValidator
	Channels       *channels.Manager
	LogManager     *logs.Manager
	Metrics        *metrics.Collector
	SendDatagram   func(channelID uint32, payload []byte)
	SSHHostKeyPath string
	SFTPRoot       string
	// ResolveLogCommand returns the argv used to snapshot/follow a run_id's
	// log output (e.g. `journalctl` or `tail -F <path>`), and its workdir.
	ResolveLogCommand func(runID string) (argv []string, dir string, env []string, ok bool)
}

// Dispatch reads the first framed message on stream as a StreamType and
// routes to the matching handler. It must return quickly once the handler
// goroutine is spawned — per spec §9, expensive work here would stall the
// accept loop for every other stream.
func Dispatch(ctx context.Context, stream Stream, deps Deps) {
	var st wire.StreamType
	if err := wire.ReadMsg(stream, &st); err != nil {
		deps.Logger.Warn("dispatch: bad stream type frame", zap.Error(err))
		stream.Close()
		return
	}

	if deps.ValidateToken != nil {
		if err := deps.ValidateToken(st.Token); err != nil {
			deps.Logger.Warn("dispatch: token rejected", zap.String("kind", string(st.Kind)), zap.Error(err))
			wire.WriteMsg(stream, map[string]string{"error": "invalid_token"})
			stream.Close()
			return
		}
	}

	switch st.Kind {
	case wire.KindSSH:
		go HandleSSH(ctx, stream, deps)
	case wire.KindExec:
		go HandleExec(ctx, stream, deps)
	case wire.KindLogs:
		go HandleLogs(ctx, stream, deps, st.RunID)
	case wire.KindMetrics:
		go HandleMetrics(ctx, stream, deps)
	case wire.KindTCP:
		go HandleTCPForward(ctx, stream, deps, st.Host, st.Port)
	case wire.KindUDP:
		go HandleUDPForward(ctx, stream, deps, st.Host, st.Port)
	case wire.KindSocket:
		go HandleSocketForward(ctx, stream, deps, st.Path)
	default:
		deps.Logger.Warn("dispatch: unknown stream kind", zap.String("kind", string(st.Kind)))
		wire.WriteMsg(stream, map[string]string{"error": "unknown_kind"})
		stream.Close()
	}
}

// dialTarget resolves host/port into a dial address, defaulting host to
// loopback when empty (the common "forward to a port on this machine" case).
func dialTarget(host string, port int) string {
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}
