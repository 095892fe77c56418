// Package quicendpoint implements the broker's half of C2: a QUIC listener
// that accepts both agent and operator connections on one unified address,
// with live certificate reload. Grounded on
// original_source/m87-server/src/api/quic.rs's run_quic_endpoint (rebuild
// the listener on a reload signal, bounded-concurrency handshake accept
// loop) and the teacher's absence of any live-reload precedent — this is a
// new pattern built straight from the spec text, called out rather than
// silently assumed (spec §4.2, §9).
package quicendpoint

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"m87.dev/shared/tlsconf"
)

// MaxConcurrentHandshakes bounds how many QUIC handshakes are in flight at
// once, protecting the broker from a handshake-flood DoS.
const MaxConcurrentHandshakes = 64

// GetCertificate resolves the current TLS certificate for a ClientHello;
// the broker's cert-reload watcher swaps the backing certificate without
// requiring a new Endpoint.
type GetCertificate func(*tls.ClientHelloInfo) (*tls.Certificate, error)

// ConnHandler processes one fully-handshaken QUIC connection. It owns the
// connection until it returns; quicendpoint closes it afterward if the
// handler didn't already.
type ConnHandler func(ctx context.Context, conn *quic.Conn)

// Endpoint listens on addr until ctx is cancelled.
type Endpoint struct {
	Addr          string
	GetCertificate GetCertificate
	Handler       ConnHandler
	Logger        *zap.Logger
}

// Run listens and accepts connections until ctx is cancelled. Each signal
// on reload rebuilds the underlying listener with fresh certificate
// material without losing already-established connections.
func (e *Endpoint) Run(ctx context.Context, reload <-chan struct{}) error {
	logger := e.Logger.Named("quicendpoint")

	for {
		if ctx.Err() != nil {
			return nil
		}

		tlsConf := tlsconf.ListenTLSConfig(e.GetCertificate)
		listener, err := quic.ListenAddr(e.Addr, tlsConf, tlsconf.QUICConfig())
		if err != nil {
			return fmt.Errorf("quicendpoint: listen %s: %w", e.Addr, err)
		}
		logger.Info("listening", zap.String("addr", e.Addr))

		e.acceptUntilReload(ctx, listener, reload, logger)
		listener.Close()

		if ctx.Err() != nil {
			return nil
		}
		logger.Info("rebuilding endpoint after reload signal")
	}
}

func (e *Endpoint) acceptUntilReload(ctx context.Context, listener *quic.Listener, reload <-chan struct{}, logger *zap.Logger) {
	sem := make(chan struct{}, MaxConcurrentHandshakes)

	for {
		select {
		case <-ctx.Done():
			return
		case <-reload:
			return
		case sem <- struct{}{}:
		}

		conn, err := listener.Accept(ctx)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return
			}
			logger.Warn("accept failed", zap.Error(err))
			continue
		}

		go func() {
			defer func() { <-sem }()
			e.Handler(ctx, conn)
			conn.CloseWithError(0, "")
		}()
	}
}
