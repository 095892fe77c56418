package dispatcher

import (
	"context"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// datagramRatePerSecond bounds each direction of the operator<->agent UDP
// bridge, mirroring quic.rs's governor::RateLimiter::direct(Quota::per_second(50_000)).
const datagramRatePerSecond = 50_000

// maxDatagramPayload drops any datagram larger than this rather than
// fragment it; QUIC datagrams this big are already pathological.
const maxDatagramPayload = 64 * 1024

// bridgeDatagrams relays QUIC datagrams between the operator and the agent
// tunnel in both directions until either side's connection closes or ctx is
// cancelled. The payload (address header + UDP body, per spec §6) passes
// through opaquely — the broker never decodes it.
func bridgeDatagrams(ctx context.Context, operatorConn, agentConn *quic.Conn, shortID string, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{}, 2)
	go func() {
		pumpDatagrams(ctx, operatorConn, agentConn, shortID, "operator->agent", logger)
		done <- struct{}{}
	}()
	go func() {
		pumpDatagrams(ctx, agentConn, operatorConn, shortID, "agent->operator", logger)
		done <- struct{}{}
	}()
	<-done
	cancel()
	<-done
}

func pumpDatagrams(ctx context.Context, from, to *quic.Conn, shortID, direction string, logger *zap.Logger) {
	limiter := rate.NewLimiter(rate.Limit(datagramRatePerSecond), datagramRatePerSecond)

	for {
		buf, err := from.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		if len(buf) > maxDatagramPayload {
			continue
		}
		if !limiter.Allow() {
			logger.Debug("datagram rate limit exceeded, dropping",
				zap.String("short_id", shortID),
				zap.String("direction", direction),
			)
			continue
		}
		if err := to.SendDatagram(buf); err != nil {
			logger.Debug("datagram bridge send failed",
				zap.String("short_id", shortID),
				zap.String("direction", direction),
				zap.Error(err),
			)
		}
	}
}
