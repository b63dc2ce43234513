// Package session implements MeasurementSession: the per-destination
// configuration, rate pacing, and hello gating for one probe target.
package session

import (
	"net"
	"sync"
	"time"

	"probed/internal/wire"
)

// Session is one configured stream of PINGs to one peer, with one id,
// one DSCP, and one interval. Addresses may collide across session IDs:
// two sessions may target the same peer with different DSCPs, sharing
// the underlying sidechannel worker but keeping independent hello state.
type Session struct {
	ID       wire.ProbeId
	Dst      *net.UDPAddr
	Interval time.Duration
	Dscp     wire.Dscp

	gotHello bool
	lastSent time.Time
	lastSeq  wire.SequenceNumber

	// WorkerHandle is an opaque slot for a reference to this session's
	// sidechannel worker. The engine does not set it: workers are tracked
	// by destination address in sidechannel.Manager.
	WorkerHandle any
}

// Due reports whether a session should emit its next PING: the hello gate
// must be satisfied and at least Interval must have elapsed since the
// last send. Interval is normalized to time.Duration at construction so
// a sub-second interval with a large fractional part is still honored.
func (s *Session) Due(now time.Time) bool {
	if !s.gotHello {
		return false
	}
	return now.Sub(s.lastSent) >= s.Interval
}

// EmitNext advances the session's sequence number and marks it as just
// sent, returning the sequence number the caller should stamp on the
// outgoing PING. last_seq is strictly increasing and dense: callers must
// call EmitNext exactly once per PING actually transmitted.
func (s *Session) EmitNext(now time.Time) wire.SequenceNumber {
	s.lastSeq++
	s.lastSent = now
	return s.lastSeq
}

// MarkHelloReceived unblocks PING emission once the sidechannel worker
// for this session's destination has attached.
func (s *Session) MarkHelloReceived() {
	s.gotHello = true
}

// GotHello reports the current hello-gate state.
func (s *Session) GotHello() bool { return s.gotHello }

// LastSeq reports the most recently emitted sequence number.
func (s *Session) LastSeq() wire.SequenceNumber { return s.lastSeq }

// Table owns the set of active sessions. Sessions are added at config
// load or at runtime, removed one at a time by Remove, and dropped all
// together by Clear on configuration reload.
type Table struct {
	mu       sync.RWMutex
	sessions map[wire.ProbeId]*Session
}

// NewTable builds an empty session table.
func NewTable() *Table {
	return &Table{sessions: make(map[wire.ProbeId]*Session)}
}

// Add registers a new session, replacing any existing session with the
// same ID.
func (t *Table) Add(id wire.ProbeId, dst *net.UDPAddr, interval time.Duration, dscp wire.Dscp) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &Session{ID: id, Dst: dst, Interval: interval, Dscp: dscp}
	t.sessions[id] = s
	return s
}

// Clear drops every session at once, used by configuration reload: the
// whole set is replaced together, never piecewise.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions = make(map[wire.ProbeId]*Session)
}

// Remove drops a session by ID.
func (t *Table) Remove(id wire.ProbeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

// Get returns the session for id, if any.
func (t *Table) Get(id wire.ProbeId) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

// MarkHelloReceived marks every session whose destination matches addr
// as having received a hello. A sidechannel worker is shared by address,
// not by session, so one hello can unblock several sessions at once.
func (t *Table) MarkHelloReceived(addr wire.AddressKey) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.sessions {
		if wire.AddressKeyFromIP(s.Dst.IP) == addr {
			s.MarkHelloReceived()
		}
	}
}

// All returns a snapshot slice of every active session.
func (t *Table) All() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}

// DestinationAddrs returns the set of unique destination addresses among
// active sessions, used by the "ensure workers" pass: one
// SidechannelWorker is created per unique address, never per session.
func (t *Table) DestinationAddrs() []*net.UDPAddr {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[wire.AddressKey]bool)
	var out []*net.UDPAddr
	for _, s := range t.sessions {
		key := wire.AddressKeyFromIP(s.Dst.IP)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s.Dst)
	}
	return out
}

// ConfiguredDscp implements probe.ConfiguredDscpFunc, resolving the DSCP
// a session expects so the ResultTable can flag a PONG whose observed
// DSCP doesn't match.
func (t *Table) ConfiguredDscp(id wire.ProbeId) (wire.Dscp, bool) {
	s, ok := t.Get(id)
	if !ok {
		return 0, false
	}
	return s.Dscp, true
}
