package control

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"m87.dev/shared/heartbeat"
	"m87.dev/shared/wire"
)

// heartbeatWriter sends one framed heartbeat.Request per outbox claim (as
// soon as one is available) or at least every heartbeat_interval seconds,
// whichever comes first. client_version/system_info ride only on the very
// first request of the connection (spec §4.5).
func (m *Manager) heartbeatWriter(ctx context.Context, stream io.Writer) error {
	if err := m.ob.Recover(); err != nil {
		m.logger.Warn("outbox recover failed", zap.Error(err))
	}

	ticker := time.NewTicker(claimPollInterval)
	defer ticker.Stop()

	first := true
	var lastSent time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		claimed, ok, err := m.ob.Claim()
		if err != nil {
			m.logger.Warn("outbox claim failed", zap.Error(err))
		}

		interval := m.currentHeartbeatInterval()
		due := time.Since(lastSent) >= interval

		if !ok && !due {
			continue
		}

		req := heartbeat.Request{LastInstructionHash: m.lastHash()}
		if ok {
			req.DeployReport = &claimed.Report
		}
		if first {
			req.ClientVersion = m.cfg.Version
			req.SystemInfo = hostSystemInfo(m.cfg.Version)
			first = false
		}

		if err := wire.WriteMsg(stream, req); err != nil {
			return err
		}
		lastSent = time.Now()

		if ok {
			if err := m.ob.Ack(claimed); err != nil {
				m.logger.Warn("outbox ack failed", zap.Error(err))
			}
		}
	}
}

// heartbeatReader applies every heartbeat.Response as it arrives: records
// the broker's instruction hash, adopts a pushed heartbeat interval (in
// memory only; it is not persisted), and hands a new target revision to the
// supervisor.
func (m *Manager) heartbeatReader(ctx context.Context, stream io.Reader) error {
	for {
		var resp heartbeat.Response
		if err := wire.ReadMsg(stream, &resp); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		m.mu.Lock()
		m.lastInstructionHash = resp.InstructionHash
		if resp.Config != nil && resp.Config.HeartbeatIntervalSecs != nil {
			m.heartbeatInterval = time.Duration(*resp.Config.HeartbeatIntervalSecs) * time.Second
		}
		m.mu.Unlock()

		if resp.TargetRevision != nil {
			if err := m.sv.SetDesired(resp.TargetRevision); err != nil {
				m.logger.Error("apply target revision failed", zap.Error(err))
			}
		}
	}
}

func (m *Manager) currentHeartbeatInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heartbeatInterval
}

func (m *Manager) lastHash() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastInstructionHash
}
