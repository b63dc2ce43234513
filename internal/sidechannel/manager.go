package sidechannel

import (
	"context"
	"net"
	"sync"

	"probed/internal/wire"
)

// Manager runs the "ensure workers" pass: it owns exactly one Worker per
// unique destination address among active sessions, regardless of how
// many session IDs share that address, tracked as a cancel-func map
// keyed by address.
type Manager struct {
	mu      sync.Mutex
	cancels map[wire.AddressKey]context.CancelFunc
	events  chan Event
	port    int
}

// NewManager builds a manager. port is the fallback TCP port dialed when
// a destination address carries no port of its own (the protocol uses
// one port number for UDP and TCP, so normally the session destination's
// port is the sidechannel port too).
func NewManager(port int) *Manager {
	return &Manager{
		cancels: make(map[wire.AddressKey]context.CancelFunc),
		events:  make(chan Event, 256),
		port:    port,
	}
}

// Events is the fan-in channel the engine's main loop selects on.
func (m *Manager) Events() <-chan Event { return m.events }

// Ensure starts a worker dialing dst's address if one does not already
// exist for it. Workers are keyed by address only: a second session
// targeting the same peer on a different port shares the first worker.
func (m *Manager) Ensure(parent context.Context, dst *net.UDPAddr) {
	key := wire.AddressKeyFromIP(dst.IP)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.cancels[key]; exists {
		return
	}
	port := dst.Port
	if port == 0 {
		port = m.port
	}
	ctx, cancel := context.WithCancel(parent)
	m.cancels[key] = cancel
	w := New(&net.TCPAddr{IP: dst.IP, Port: port}, m.events)
	go w.Run(ctx)
}

// StopAll cancels every worker, used on shutdown and full reload.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, cancel := range m.cancels {
		cancel()
		delete(m.cancels, key)
	}
}

// Drain discards any events still buffered in the fan-in channel,
// called between StopAll and re-ensuring workers on reload so stale
// hellos and frames from dead workers cannot leak into the rebuilt
// session and result tables.
func (m *Manager) Drain() {
	for {
		select {
		case <-m.events:
		default:
			return
		}
	}
}

// Count reports the number of active workers, used by tests.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cancels)
}
