package scheduler

import (
	"context"
	"net"
	"testing"
	"time"

	"probed/internal/db"
	"probed/internal/engine"
	"probed/internal/probe"
)

type captureSink struct {
	ch chan probe.Outcome
}

func (s *captureSink) Emit(o probe.Outcome) {
	select {
	case s.ch <- o:
	default:
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer ln.Close()
	return ln.LocalAddr().(*net.UDPAddr).Port
}

// TestSchedulerActivatesPersistedSessions exercises Start loading a
// persisted session from db.Store into a live engine, and Record flowing
// terminal results into the rollup store under that session's db id.
func TestSchedulerActivatesPersistedSessions(t *testing.T) {
	serverPort := freePort(t)
	clientPort := freePort(t)

	server, err := engine.New(engine.Config{Port: serverPort, Tick: time.Millisecond}, &captureSink{ch: make(chan probe.Outcome, 16)})
	if err != nil {
		t.Fatalf("New(server): %v", err)
	}
	defer server.Close()

	sink := &captureSink{ch: make(chan probe.Outcome, 16)}
	client, err := engine.New(engine.Config{Port: clientPort, Tick: time.Millisecond}, sink)
	if err != nil {
		t.Fatalf("New(client): %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go server.Run(ctx)
	go client.Run(ctx)

	mockDB := NewMockStore()
	if _, err := mockDB.AddSession(&db.Session{
		ProbeID:    1,
		Address:    (&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: serverPort}).String(),
		IntervalMs: 20,
	}); err != nil {
		t.Fatalf("AddSession: %v", err)
	}

	rm := NewRollupManager(mockDB, time.Minute)
	rm.Start()
	defer rm.Stop()
	rs := NewRollupStore(rm)

	sched := New(mockDB, client, rs)
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case o := <-sink.ch:
		if o.Result.FinalState != probe.Ok {
			t.Fatalf("expected Ok, got %s", o.Result.FinalState)
		}
		if err := rs.SaveResult(o.Result); err != nil {
			t.Fatalf("SaveResult: %v", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("timed out waiting for a completed probe")
	}
}

// TestReconcileStaticPreservesRuntimeSessions guards against the
// ghost-session bug: a session added at runtime (e.g. through the
// status API, mirroring AddSession) must survive reconciling the
// daemon config file's static session list, and a static session
// already present in the store must be updated in place rather than
// duplicated.
func TestReconcileStaticPreservesRuntimeSessions(t *testing.T) {
	mockDB := NewMockStore()
	rm := NewRollupManager(mockDB, time.Minute)
	rs := NewRollupStore(rm)
	port := freePort(t)
	eng, err := engine.New(engine.Config{Port: port}, &captureSink{ch: make(chan probe.Outcome, 4)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()
	sched := New(mockDB, eng, rs)

	ctx := context.Background()
	runtimeID, err := sched.AddSession(ctx, &db.Session{
		ProbeID:    9,
		Address:    "203.0.113.9:60666",
		IntervalMs: 500,
	})
	if err != nil {
		t.Fatalf("AddSession: %v", err)
	}

	staleID, err := sched.AddSession(ctx, &db.Session{
		ProbeID:    1,
		Address:    "203.0.113.1:60666",
		IntervalMs: 1000,
	})
	if err != nil {
		t.Fatalf("AddSession: %v", err)
	}

	specs := []engine.SessionSpec{
		{
			ID:       1,
			Dst:      &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 60666},
			Interval: 250 * time.Millisecond,
		},
	}
	if err := sched.ReconcileStatic(specs); err != nil {
		t.Fatalf("ReconcileStatic: %v", err)
	}

	sessions, err := mockDB.GetSessions()
	if err != nil {
		t.Fatalf("GetSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions after reconcile, got %d", len(sessions))
	}
	if _, ok := mockDB.Sessions[runtimeID]; !ok {
		t.Error("runtime-added session was dropped by ReconcileStatic")
	}
	updated := mockDB.Sessions[staleID]
	if updated.IntervalMs != 250 {
		t.Errorf("expected static session interval updated to 250ms, got %dms", updated.IntervalMs)
	}
}

// TestSchedulerReloadReplacesLiveSessions drives the SIGHUP path's
// store-to-engine rebuild: a session deleted from the store must be gone
// from the live engine after Reload, and a surviving one re-registered.
func TestSchedulerReloadReplacesLiveSessions(t *testing.T) {
	port := freePort(t)
	eng, err := engine.New(engine.Config{Port: port}, &captureSink{ch: make(chan probe.Outcome, 4)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	mockDB := NewMockStore()
	rm := NewRollupManager(mockDB, time.Minute)
	rs := NewRollupStore(rm)
	sched := New(mockDB, eng, rs)

	ctx := context.Background()
	keepID, err := sched.AddSession(ctx, &db.Session{
		ProbeID:    1,
		Address:    "203.0.113.1:60666",
		IntervalMs: 1000,
	})
	if err != nil {
		t.Fatalf("AddSession: %v", err)
	}
	dropID, err := sched.AddSession(ctx, &db.Session{
		ProbeID:    2,
		Address:    "203.0.113.2:60666",
		IntervalMs: 1000,
	})
	if err != nil {
		t.Fatalf("AddSession: %v", err)
	}

	delete(mockDB.Sessions, dropID)
	if err := sched.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if _, ok := sched.active[keepID]; !ok {
		t.Error("expected surviving session to stay active after reload")
	}
	if _, ok := sched.active[dropID]; ok {
		t.Error("expected dropped session to be inactive after reload")
	}
}

func TestSchedulerRemoveSession(t *testing.T) {
	port := freePort(t)
	eng, err := engine.New(engine.Config{Port: port}, &captureSink{ch: make(chan probe.Outcome, 4)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	mockDB := NewMockStore()
	rm := NewRollupManager(mockDB, time.Minute)
	rs := NewRollupStore(rm)
	sched := New(mockDB, eng, rs)

	ctx := context.Background()
	id, err := sched.AddSession(ctx, &db.Session{
		ProbeID:    2,
		Address:    "203.0.113.1:60666",
		IntervalMs: 1000,
	})
	if err != nil {
		t.Fatalf("AddSession: %v", err)
	}

	if err := sched.RemoveSession(id); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	if _, ok := mockDB.Sessions[id]; ok {
		t.Error("expected session to be deleted from store")
	}
}
