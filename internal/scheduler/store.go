package scheduler

import (
	"sync"

	"probed/internal/probe"
	"probed/internal/wire"
)

// RollupStore implements report.ResultStore (SaveResult(probe.ProbeResult)
// error) by routing each terminal result into a RollupManager, keyed by
// the database session id registered for its probe id. A probe id with
// no registered session is dropped — it has no store-backed session to
// roll up under.
type RollupStore struct {
	rm *RollupManager

	mu       sync.RWMutex
	sessions map[wire.ProbeId]int64
}

// NewRollupStore builds a RollupStore writing through rm.
func NewRollupStore(rm *RollupManager) *RollupStore {
	return &RollupStore{rm: rm, sessions: make(map[wire.ProbeId]int64)}
}

// RegisterSession binds a probe id to its persisted database session row,
// called by the Scheduler whenever it activates a session (startup,
// runtime AddSession) and for every session on reload.
func (s *RollupStore) RegisterSession(probeID wire.ProbeId, dbSessionID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[probeID] = dbSessionID
}

// SaveResult satisfies report.ResultStore.
func (s *RollupStore) SaveResult(r probe.ProbeResult) error {
	s.mu.RLock()
	dbID, ok := s.sessions[r.ProbeID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	s.rm.Record(dbID, r)
	return nil
}
