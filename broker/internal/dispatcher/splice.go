package dispatcher

import (
	"context"
	"io"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// handleOperator splices operatorConn's streams and datagrams onto the
// agent tunnel for shortID, re-resolving the tunnel (with up to
// reconnectTimeout of waiting) whenever the agent's connection drops, until
// the operator disconnects. Grounded on quic.rs's
// handle_forward_supervised/handle_forward_once loop.
func (d *Dispatcher) handleOperator(ctx context.Context, operatorConn *quic.Conn, shortID string, logger *zap.Logger) {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, reconnectTimeout)
		tunnel, err := d.Registry.WaitForAgent(waitCtx, shortID)
		cancel()
		if err != nil {
			logger.Warn("no agent tunnel available", zap.String("short_id", shortID), zap.Error(err))
			operatorConn.CloseWithError(0, "no-tunnel")
			return
		}

		clientClosed := d.forwardOnce(ctx, operatorConn, tunnel.Conn, shortID, logger)
		if clientClosed {
			return
		}
		logger.Warn("agent tunnel dropped mid-session, waiting for reconnect", zap.String("short_id", shortID))
	}
}

// forwardOnce splices operatorConn and agentConn until either side closes.
// Returns true if the operator closed first (supervised forwarding ends
// entirely); false if the agent connection dropped (caller should wait for
// a fresh tunnel and retry).
func (d *Dispatcher) forwardOnce(ctx context.Context, operatorConn, agentConn *quic.Conn, shortID string, logger *zap.Logger) bool {
	sem := make(chan struct{}, maxParallelStreams)

	fctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go bridgeDatagrams(fctx, operatorConn, agentConn, shortID, logger)
	go d.spliceStreams(fctx, operatorConn, agentConn, sem, shortID, logger)

	select {
	case <-ctx.Done():
		return true
	case <-operatorConn.Context().Done():
		return true
	case <-agentConn.Context().Done():
		return false
	}
}

func (d *Dispatcher) spliceStreams(ctx context.Context, operatorConn, agentConn *quic.Conn, sem chan struct{}, shortID string, logger *zap.Logger) {
	for {
		opStream, err := operatorConn.AcceptStream(ctx)
		if err != nil {
			return
		}

		select {
		case sem <- struct{}{}:
		default:
			logger.Warn("too many parallel streams, rejecting", zap.String("short_id", shortID))
			opStream.Close()
			continue
		}

		go func() {
			defer func() { <-sem }()
			spliceOneStream(ctx, opStream, agentConn, shortID, logger)
		}()
	}
}

func spliceOneStream(ctx context.Context, opStream quic.Stream, agentConn *quic.Conn, shortID string, logger *zap.Logger) {
	devStream, err := agentConn.OpenStreamSync(ctx)
	if err != nil {
		logger.Warn("device open_bi failed", zap.String("short_id", shortID), zap.Error(err))
		opStream.Write([]byte("NO_TUNNEL"))
		opStream.Close()
		return
	}

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(devStream, opStream)
		devStream.Close()
		done <- struct{}{}
	}()
	go func() {
		io.Copy(opStream, devStream)
		opStream.Close()
		done <- struct{}{}
	}()
	<-done
	<-done
}
