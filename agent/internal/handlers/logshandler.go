package handlers

import (
	"context"

	"go.uber.org/zap"

	"m87.dev/shared/wire"
)

// HandleLogs subscribes to the log manager for runID, following until
// either the operator disconnects or the process exits. Each line is
// written as a single framed message.
func HandleLogs(ctx context.Context, stream Stream, deps Deps, runID string) {
	defer stream.Close()

	if deps.ResolveLogCommand == nil || deps.LogManager == nil {
		wire.WriteMsg(stream, map[string]string{"error": "logs_unavailable"})
		return
	}

	argv, dir, env, ok := deps.ResolveLogCommand(runID)
	if !ok {
		wire.WriteMsg(stream, map[string]string{"error": "unknown_run_id"})
		return
	}

	sub, err := deps.LogManager.FollowStart(ctx, runID, argv, dir, env)
	if err != nil {
		deps.Logger.Warn("logs: follow start failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer deps.LogManager.FollowStop(sub)

	// The peer may close its read side at any time; detect that by reading
	// in the background and cancelling the follow loop on EOF/error.
	peerGone := make(chan struct{})
	go func() {
		buf := make([]byte, 1)
		stream.Read(buf) //nolint:errcheck
		close(peerGone)
	}()

	for {
		select {
		case line, ok := <-sub.Lines():
			if !ok {
				return
			}
			if err := wire.WriteMsg(stream, map[string]string{"line": line}); err != nil {
				return
			}
		case <-peerGone:
			return
		case <-ctx.Done():
			return
		}
	}
}
