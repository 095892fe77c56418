// Package registry maintains the broker's in-memory per-agent tunnel
// table: short_id -> the agent's live QUIC connection. Grounded on the
// teacher's server/internal/agentmanager.Manager (RWMutex-guarded map,
// Register/Deregister/WaitForAgent polling-with-context shape), generalized
// from "agent ID -> gRPC stream" to "short_id -> QUIC connection +
// stable_id" so a late-firing cleanup from a superseded connection can
// never evict a newer one (spec's replace/remove_if_match contract, §3).
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// pollInterval is how often WaitForAgent re-checks the registry.
const pollInterval = 250 * time.Millisecond

// Tunnel is one agent's live control connection.
type Tunnel struct {
	ShortID     string
	Conn        *quic.Conn
	StableID    string
	ConnectedAt time.Time
}

// Manager is the broker's short_id -> Tunnel registry. Safe for concurrent
// use by the QUIC accept loop and the operator dispatcher.
type Manager struct {
	mu      sync.RWMutex
	tunnels map[string]*Tunnel
	logger  *zap.Logger
}

// New returns an empty registry.
func New(logger *zap.Logger) *Manager {
	return &Manager{
		tunnels: make(map[string]*Tunnel),
		logger:  logger.Named("registry"),
	}
}

// Replace atomically installs conn as the tunnel for shortID, closing any
// previously registered connection with reason "replaced". Returns the new
// tunnel's generated stable_id.
func (m *Manager) Replace(shortID string, conn *quic.Conn) string {
	stableID := uuid.NewString()

	m.mu.Lock()
	prev := m.tunnels[shortID]
	m.tunnels[shortID] = &Tunnel{
		ShortID:     shortID,
		Conn:        conn,
		StableID:    stableID,
		ConnectedAt: time.Now().UTC(),
	}
	m.mu.Unlock()

	if prev != nil {
		m.logger.Warn("replacing existing agent tunnel",
			zap.String("short_id", shortID),
			zap.String("old_stable_id", prev.StableID),
			zap.String("new_stable_id", stableID),
		)
		prev.Conn.CloseWithError(0, "replaced")
	} else {
		m.logger.Info("agent tunnel established", zap.String("short_id", shortID))
	}

	return stableID
}

// Get returns the current tunnel for shortID, or nil if none is connected.
func (m *Manager) Get(shortID string) *Tunnel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tunnels[shortID]
}

// RemoveIfMatch removes the tunnel for shortID only if its stable_id still
// equals stableID — this is the TOCTOU guard from spec §3: a late-firing
// cleanup for a connection that has since been superseded by Replace must
// not evict the newer one.
func (m *Manager) RemoveIfMatch(shortID, stableID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.tunnels[shortID]
	if !ok || cur.StableID != stableID {
		return
	}
	delete(m.tunnels, shortID)
	m.logger.Info("agent tunnel removed", zap.String("short_id", shortID), zap.String("stable_id", stableID))
}

// WaitForAgent blocks until shortID has a connected tunnel or ctx is
// cancelled, per spec §3's "wait up to reconnect_timeout" operator path.
func (m *Manager) WaitForAgent(ctx context.Context, shortID string) (*Tunnel, error) {
	for {
		if t := m.Get(shortID); t != nil {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("registry: timed out waiting for agent %s: %w", shortID, ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

// Connected returns a snapshot of every currently connected tunnel.
func (m *Manager) Connected() []*Tunnel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		cp := *t
		out = append(out, &cp)
	}
	return out
}
