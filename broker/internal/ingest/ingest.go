// Package ingest handles the broker's side of the per-device heartbeat
// stream: read deploy reports, decide whether a new target revision is due,
// and write back the response frame. Grounded on
// original_source/m87-server/src/api/quic.rs's run_heartbeat_loop and the
// teacher's grpc/server.go Heartbeat/ReportJobStatus handlers (log the
// report, ack, hand back the next instruction).
package ingest

import (
	"context"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"m87.dev/shared/deploy"
	"m87.dev/shared/heartbeat"
	"m87.dev/shared/wire"
)

// DesiredRevisionStore resolves the revision a device should currently be
// running. A nil revision means "no deployment assigned yet".
type DesiredRevisionStore interface {
	DesiredRevision(ctx context.Context, shortID string) (*deploy.DeploymentRevision, error)
}

// ReportSink receives every deploy report as it arrives, for persistence or
// forwarding to an operator-facing API. Implementations must not block the
// heartbeat loop for long.
type ReportSink interface {
	RecordReport(ctx context.Context, shortID string, report deploy.DeployReport)
}

// Ingestor drives one device's heartbeat stream for as long as it stays open.
type Ingestor struct {
	Store             DesiredRevisionStore
	Sink              ReportSink
	HeartbeatInterval int // seconds pushed down via heartbeat.Config; 0 leaves the agent's default
	Logger            *zap.Logger
}

// HandleHeartbeatStream reads framed heartbeat.Request messages off stream
// and writes back a heartbeat.Response to each, until the stream closes or
// ctx is cancelled.
func (i *Ingestor) HandleHeartbeatStream(ctx context.Context, shortID string, stream quic.Stream) {
	defer stream.Close()
	logger := i.Logger.Named("ingest").With(zap.String("short_id", shortID))

	if err := wire.ReadHeartbeatPriming(stream); err != nil {
		logger.Warn("heartbeat stream rejected", zap.Error(err))
		return
	}

	seenSystemInfo := false
	for {
		var req heartbeat.Request
		if err := wire.ReadMsg(stream, &req); err != nil {
			if ctx.Err() == nil {
				logger.Info("heartbeat stream ended", zap.Error(err))
			}
			return
		}

		if !seenSystemInfo && req.SystemInfo != nil {
			logger.Info("agent connected",
				zap.String("hostname", req.SystemInfo.Hostname),
				zap.String("os", req.SystemInfo.OS),
				zap.String("client_version", req.ClientVersion),
			)
			seenSystemInfo = true
		}

		if req.DeployReport != nil && i.Sink != nil {
			i.Sink.RecordReport(ctx, shortID, *req.DeployReport)
		}

		resp := i.buildResponse(ctx, shortID, req, logger)
		if err := wire.WriteMsg(stream, resp); err != nil {
			logger.Info("heartbeat response write failed", zap.Error(err))
			return
		}
	}
}

func (i *Ingestor) buildResponse(ctx context.Context, shortID string, req heartbeat.Request, logger *zap.Logger) heartbeat.Response {
	resp := heartbeat.Response{InstructionHash: req.LastInstructionHash}

	if i.HeartbeatInterval > 0 {
		secs := i.HeartbeatInterval
		resp.Config = &heartbeat.Config{HeartbeatIntervalSecs: &secs}
	}

	if i.Store == nil {
		return resp
	}
	desired, err := i.Store.DesiredRevision(ctx, shortID)
	if err != nil {
		logger.Warn("desired revision lookup failed", zap.Error(err))
		return resp
	}
	if desired != nil && desired.RevisionID != req.LastInstructionHash {
		resp.TargetRevision = desired
	}
	return resp
}
