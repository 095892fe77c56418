// Package channels implements the UDP channel manager (C4): a concurrent
// map from u32 channel id to a bounded queue, demultiplexing QUIC datagrams
// for forwarded UDP flows. Grounded on control_tunnel.rs's UdpChannelManager
// and the teacher's RWMutex-guarded-map idiom (agentmanager.Manager).
package channels

import "sync"

// QueueCapacity is the bound on each channel's queue, per spec §4.4.
const QueueCapacity = 2048

// Channel is one allocated UDP channel: a bounded queue of inbound
// datagram payloads.
type Channel struct {
	ID  uint32
	In  chan []byte
}

// Manager tracks allocated channels for one QUIC connection. Channel ids
// are unique only within one Manager (one connection), not globally.
type Manager struct {
	mu      sync.RWMutex
	next    uint32
	byID    map[uint32]*Channel
}

// NewManager returns an empty channel manager.
func NewManager() *Manager {
	return &Manager{byID: make(map[uint32]*Channel)}
}

// Allocate returns a never-before-used channel id on this manager, creates
// its queue, and returns the Channel.
func (m *Manager) Allocate() *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.next
	m.next++

	ch := &Channel{ID: id, In: make(chan []byte, QueueCapacity)}
	m.byID[id] = ch
	return ch
}

// Get returns the channel for id, or nil if it does not exist.
func (m *Manager) Get(id uint32) *Channel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byID[id]
}

// TrySend routes payload to channel id's queue, dropping it silently if the
// channel does not exist or its queue is full — UDP is lossy by contract.
func (m *Manager) TrySend(id uint32, payload []byte) {
	ch := m.Get(id)
	if ch == nil {
		return
	}
	select {
	case ch.In <- payload:
	default:
	}
}

// Remove drops channel id's queue; readers observe end-of-stream by the
// channel closing.
func (m *Manager) Remove(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.byID[id]; ok {
		close(ch.In)
		delete(m.byID, id)
	}
}

// RemoveAll drops every channel, used on connection teardown.
func (m *Manager) RemoveAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.byID {
		close(ch.In)
		delete(m.byID, id)
	}
}
