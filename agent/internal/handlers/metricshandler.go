package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"

	"m87.dev/shared/wire"
)

// metricsPublishInterval is how often a snapshot is pushed, per spec §4.11.
const metricsPublishInterval = time.Second

// HandleMetrics pushes one JSON-framed Snapshot per tick until the operator
// disconnects.
func HandleMetrics(ctx context.Context, stream Stream, deps Deps) {
	defer stream.Close()

	if deps.Metrics == nil {
		wire.WriteMsg(stream, map[string]string{"error": "metrics_unavailable"})
		return
	}

	ticker := time.NewTicker(metricsPublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := deps.Metrics.Collect(ctx)
			if err != nil {
				deps.Logger.Warn("metrics: collect failed", zap.Error(err))
				continue
			}
			if err := wire.WriteMsg(stream, snap); err != nil {
				return
			}
		}
	}
}
