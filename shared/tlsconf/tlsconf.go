// Package tlsconf builds the TLS and QUIC configuration shared by the
// agent's dialer and the broker's listener.
package tlsconf

import (
	"crypto/tls"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the single protocol this system negotiates over QUIC. SNI, not
// ALPN, is the dispatch key (spec §4.2), so one fixed value is enough.
const ALPN = "m87/1"

// IdleTimeout is the default QUIC idle timeout; DeadPeerTimeout is the
// broker's dead-peer budget, 2x the idle timeout per spec §4.2.
const (
	IdleTimeout     = 30 * time.Second
	DeadPeerTimeout = 2 * IdleTimeout
)

// MaxDatagramSize bounds datagrams accepted on a QUIC connection; larger
// ones are dropped by the caller rather than by quic-go itself.
const MaxDatagramSize = 64 * 1024

// QUICConfig returns the quic.Config shared by dialer and listener: datagram
// support on, 0-RTT disabled, idle timeout from IdleTimeout.
func QUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       IdleTimeout,
		KeepAlivePeriod:      IdleTimeout / 3,
		EnableDatagrams:      true,
		Allow0RTT:            false,
		MaxIncomingStreams:   1024,
		MaxIncomingUniStreams: 16,
	}
}

// DialTLSConfig builds a client-side tls.Config. When trustInvalid is true,
// server certificate verification is skipped entirely — an explicit opt-in
// for bootstrap and CI, never the default.
func DialTLSConfig(serverName string, trustInvalid bool) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		NextProtos:         []string{ALPN},
		InsecureSkipVerify: trustInvalid,
		MinVersion:         tls.VersionTLS13,
	}
}

// ListenTLSConfig builds the broker's server-side tls.Config from a
// GetCertificate callback, so certificate material can be hot-reloaded
// (spec §4.2) without rebuilding the whole config — only the endpoint that
// embeds it gets rebuilt on a reload signal.
func ListenTLSConfig(getCertificate func(*tls.ClientHelloInfo) (*tls.Certificate, error)) *tls.Config {
	return &tls.Config{
		GetCertificate: getCertificate,
		NextProtos:     []string{ALPN},
		MinVersion:     tls.VersionTLS13,
	}
}
