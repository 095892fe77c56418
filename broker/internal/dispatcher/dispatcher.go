// Package dispatcher implements C6: classify each inbound QUIC connection
// as agent or operator by its SNI, register agent tunnels, and splice
// operator streams/datagrams onto the matching agent tunnel. Grounded on
// original_source/m87-server/src/api/quic.rs (handle_quic_connection's SNI
// classification, handle_control_tunnel, handle_forward_supervised) and the
// teacher's grpc/server.go StreamJobs accept-loop shape (register on
// connect, run until closed, deregister on exit).
package dispatcher

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"m87.dev/broker/internal/ingest"
	"m87.dev/broker/internal/registry"
	"m87.dev/shared/wire"
)

const (
	authTimeout        = 5 * time.Second
	reconnectTimeout   = 45 * time.Second
	maxParallelStreams = 128
)

// Authenticator validates a bearer token (JWT or API key, per spec §6)
// presented on the connection's initial uni-stream, scoped to shortID.
type Authenticator func(token, shortID string) error

// Dispatcher owns the SNI classification and splice logic for one broker.
type Dispatcher struct {
	PublicDomain string
	Registry     *registry.Manager
	Ingest       *ingest.Ingestor
	Authenticate Authenticator
	Logger       *zap.Logger
}

// HandleConn is the quicendpoint.ConnHandler entry point: classify, authenticate,
// and route the connection to the agent or operator path.
func (d *Dispatcher) HandleConn(ctx context.Context, conn *quic.Conn) {
	logger := d.Logger.Named("dispatcher")
	defer conn.CloseWithError(0, "")

	sni := serverName(conn)

	token, err := d.readToken(ctx, conn)
	if err != nil {
		logger.Warn("missing or unreadable token", zap.String("sni", sni), zap.Error(err))
		conn.CloseWithError(0x100, "missing-token")
		return
	}

	if shortID, ok := controlSNI(sni, d.PublicDomain); ok {
		if err := d.authenticate(token, shortID); err != nil {
			logger.Warn("control auth rejected", zap.String("short_id", shortID), zap.Error(err))
			conn.CloseWithError(0x101, "unauthorized")
			return
		}
		d.handleControlTunnel(ctx, conn, shortID, logger)
		return
	}

	if shortID, ok := operatorSNI(sni, d.PublicDomain); ok {
		if err := d.authenticate(token, shortID); err != nil {
			logger.Warn("operator auth rejected", zap.String("short_id", shortID), zap.Error(err))
			conn.CloseWithError(0x101, "unauthorized")
			return
		}
		d.handleOperator(ctx, conn, shortID, logger)
		return
	}

	logger.Warn("invalid SNI, no match", zap.String("sni", sni))
	conn.CloseWithError(0, "invalid-sni")
}

func (d *Dispatcher) authenticate(token, shortID string) error {
	if d.Authenticate == nil {
		return nil
	}
	return d.Authenticate(token, shortID)
}

func (d *Dispatcher) readToken(ctx context.Context, conn *quic.Conn) (string, error) {
	actx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	stream, err := conn.AcceptUniStream(actx)
	if err != nil {
		return "", fmt.Errorf("dispatcher: accept auth uni-stream: %w", err)
	}
	return wire.ReadToken(stream)
}

// handleControlTunnel registers conn as shortID's live agent connection and
// runs its accept-bi loop (one goroutine per incoming stream: the heartbeat
// bi-stream, handled by ingest) until the connection closes.
func (d *Dispatcher) handleControlTunnel(ctx context.Context, conn *quic.Conn, shortID string, logger *zap.Logger) {
	stableID := d.Registry.Replace(shortID, conn)
	defer d.Registry.RemoveIfMatch(shortID, stableID)

	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Info("control tunnel closed", zap.String("short_id", shortID), zap.Error(err))
			}
			return
		}
		go d.Ingest.HandleHeartbeatStream(ctx, shortID, stream)
	}
}

// serverName extracts the SNI the peer presented during the TLS handshake.
func serverName(conn *quic.Conn) string {
	return conn.ConnectionState().TLS.ServerName
}

// controlSNI matches "control-<short_id>.<public_domain>".
func controlSNI(sni, publicDomain string) (shortID string, ok bool) {
	const prefix = "control-"
	if !strings.HasPrefix(sni, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(sni, prefix)
	suffix := "." + publicDomain
	if !strings.HasSuffix(rest, suffix) {
		return "", false
	}
	shortID = strings.TrimSuffix(rest, suffix)
	if shortID == "" {
		return "", false
	}
	return shortID, true
}

// operatorSNI matches "<short_id>.<public_domain>" or
// "<label>-<short_id>.<public_domain>" for named forwards. The short_id is
// always the final hyphen-delimited label segment.
func operatorSNI(sni, publicDomain string) (shortID string, ok bool) {
	suffix := "." + publicDomain
	if !strings.HasSuffix(sni, suffix) {
		return "", false
	}
	label := strings.TrimSuffix(sni, suffix)
	if label == "" || strings.HasPrefix(label, "control-") {
		return "", false
	}
	if idx := strings.LastIndex(label, "-"); idx >= 0 {
		return label[idx+1:], true
	}
	return label, true
}
