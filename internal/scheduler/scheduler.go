// Package scheduler bridges the daemon's persisted session config to a
// running engine.Engine. The engine owns probing and ticking
// (internal/engine), so Scheduler's job is CRUD over db.Store plus
// keeping the engine's live session table in sync.
package scheduler

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"probed/internal/db"
	"probed/internal/engine"
	"probed/internal/wire"
)

// Scheduler keeps engine.Engine's live sessions synchronized with the
// persisted db.Store session table.
type Scheduler struct {
	store db.Store
	eng   *engine.Engine
	rs    *RollupStore
	log   *logrus.Entry

	mu     sync.Mutex
	active map[int64]wire.ProbeId // db session id -> probe id currently registered with eng
}

// New builds a Scheduler wiring store-backed sessions into eng, with
// terminal results persisted through rs.
func New(store db.Store, eng *engine.Engine, rs *RollupStore) *Scheduler {
	return &Scheduler{
		store:  store,
		eng:    eng,
		rs:     rs,
		log:    logrus.WithField("component", "scheduler"),
		active: make(map[int64]wire.ProbeId),
	}
}

// ReconcileStatic upserts the daemon config file's static session list
// into the persisted store, keyed by probe id, before Start loads and
// activates everything. Without this step, a blind engine.Reload with
// only the config's sessions would wholesale-replace whatever Start
// already registered from the store — silently dropping any session
// added at runtime through AddSession (e.g. via the status API) that
// isn't also listed in the config file. Reconciling into the store
// first means Start's single store-driven activation pass covers both
// sources, so nothing is ever reloaded out from under a live engine.
func (s *Scheduler) ReconcileStatic(specs []engine.SessionSpec) error {
	existing, err := s.store.GetSessions()
	if err != nil {
		return err
	}
	byProbeID := make(map[wire.ProbeId]db.Session, len(existing))
	for _, sess := range existing {
		byProbeID[sess.ProbeID] = sess
	}

	for _, spec := range specs {
		want := db.Session{
			ProbeID:    spec.ID,
			Address:    spec.Dst.String(),
			IntervalMs: spec.Interval.Milliseconds(),
			Dscp:       spec.Dscp,
		}
		cur, ok := byProbeID[spec.ID]
		if !ok {
			if _, err := s.store.AddSession(&want); err != nil {
				return fmt.Errorf("scheduler: reconciling static session %d: %w", spec.ID, err)
			}
			continue
		}
		if cur.Address != want.Address || cur.IntervalMs != want.IntervalMs || cur.Dscp != want.Dscp {
			want.ID = cur.ID
			if err := s.store.UpdateSession(&want); err != nil {
				return fmt.Errorf("scheduler: updating static session %d: %w", spec.ID, err)
			}
		}
	}
	return nil
}

// Start loads every persisted session and registers it with the engine.
func (s *Scheduler) Start(ctx context.Context) error {
	sessions, err := s.store.GetSessions()
	if err != nil {
		return err
	}

	s.log.WithField("count", len(sessions)).Info("starting scheduler")
	for _, sess := range sessions {
		if err := s.activate(ctx, sess); err != nil {
			s.log.WithError(err).WithField("session", sess.ID).Warn("failed to activate session")
		}
	}
	return nil
}

// Reload wholesale-replaces the engine's live session set from the
// store: the daemon's SIGHUP path calls this after reconciling the
// config file's static entries, so the engine's atomic rebuild (workers
// killed, pipe drained, tables cleared) covers config-file and
// runtime-added sessions in one pass. An unresolvable address skips
// that session rather than failing the whole reload.
func (s *Scheduler) Reload(ctx context.Context) error {
	sessions, err := s.store.GetSessions()
	if err != nil {
		return err
	}

	specs := make([]engine.SessionSpec, 0, len(sessions))
	active := make(map[int64]wire.ProbeId, len(sessions))
	for _, sess := range sessions {
		dst, err := net.ResolveUDPAddr("udp", sess.Address)
		if err != nil {
			s.log.WithError(err).WithField("session", sess.ID).Warn("skipping unresolvable session on reload")
			continue
		}
		specs = append(specs, engine.SessionSpec{
			ID:       sess.ProbeID,
			Dst:      dst,
			Interval: time.Duration(sess.IntervalMs) * time.Millisecond,
			Dscp:     sess.Dscp,
		})
		s.rs.RegisterSession(sess.ProbeID, sess.ID)
		active[sess.ID] = sess.ProbeID
	}

	s.eng.Reload(ctx, specs)

	s.mu.Lock()
	s.active = active
	s.mu.Unlock()
	return nil
}

// AddSession persists a new session and registers it with the engine.
func (s *Scheduler) AddSession(ctx context.Context, sess *db.Session) (int64, error) {
	id, err := s.store.AddSession(sess)
	if err != nil {
		return 0, err
	}
	sess.ID = id
	if err := s.activate(ctx, *sess); err != nil {
		return id, err
	}
	return id, nil
}

// RemoveSession unregisters and deletes a session.
func (s *Scheduler) RemoveSession(id int64) error {
	s.mu.Lock()
	probeID, ok := s.active[id]
	delete(s.active, id)
	s.mu.Unlock()

	if ok {
		s.eng.RemoveSession(probeID)
	}
	return s.store.DeleteSession(id)
}

func (s *Scheduler) activate(ctx context.Context, sess db.Session) error {
	dst, err := net.ResolveUDPAddr("udp", sess.Address)
	if err != nil {
		return fmt.Errorf("scheduler: resolving %q: %w", sess.Address, err)
	}

	s.eng.AddSession(ctx, sess.ProbeID, dst, time.Duration(sess.IntervalMs)*time.Millisecond, sess.Dscp)
	s.rs.RegisterSession(sess.ProbeID, sess.ID)

	s.mu.Lock()
	s.active[sess.ID] = sess.ProbeID
	s.mu.Unlock()
	return nil
}
