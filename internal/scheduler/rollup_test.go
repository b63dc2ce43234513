package scheduler

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"probed/internal/probe"
	"probed/internal/wire"
)

func TestRollupManagerFlushesOnCommitTick(t *testing.T) {
	mockDB := NewMockStore()
	rm := NewRollupManager(mockDB, time.Minute)
	fakeClock := clockwork.NewFakeClock()
	rm.clock = fakeClock

	rm.Start()
	defer rm.Stop()

	const sessionID = int64(1)

	for i := 0; i < 5; i++ {
		r := probe.ProbeResult{ProbeID: wire.ProbeId(7), FinalState: probe.Ok}
		r.TS[3] = wire.TimePoint{Nsec: 1_000_000} // 1ms RTT against a zero T1
		rm.Record(sessionID, r)
	}
	rm.Record(sessionID, probe.ProbeResult{ProbeID: wire.ProbeId(7), FinalState: probe.Timeout})

	time.Sleep(10 * time.Millisecond)
	fakeClock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)

	rollups, err := mockDB.GetRollups(sessionID, 10)
	if err != nil {
		t.Fatalf("GetRollups: %v", err)
	}
	if len(rollups) != 1 {
		t.Fatalf("expected 1 flushed rollup, got %d", len(rollups))
	}
	got := rollups[0]
	if got.OkCount != 5 || got.TimeoutCount != 1 {
		t.Errorf("unexpected counts: %+v", got)
	}
}

func TestRollupManagerSkipsEmptyWindow(t *testing.T) {
	mockDB := NewMockStore()
	rm := NewRollupManager(mockDB, time.Minute)
	fakeClock := clockwork.NewFakeClock()
	rm.clock = fakeClock

	rm.Start()
	defer rm.Stop()

	time.Sleep(10 * time.Millisecond)
	fakeClock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)

	rollups, err := mockDB.GetRollups(1, 10)
	if err != nil {
		t.Fatalf("GetRollups: %v", err)
	}
	if len(rollups) != 0 {
		t.Fatalf("expected no rollup for an idle session, got %d", len(rollups))
	}
}

func TestRollupStoreDropsUnregisteredProbeID(t *testing.T) {
	mockDB := NewMockStore()
	rm := NewRollupManager(mockDB, time.Minute)
	rs := NewRollupStore(rm)

	if err := rs.SaveResult(probe.ProbeResult{ProbeID: 99, FinalState: probe.Ok}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	// No registered session for probe id 99: nothing should be enqueued,
	// verified by a subsequent registered call landing alone.
	if len(rm.events) != 0 {
		t.Fatalf("expected nothing enqueued for unregistered probe id, got %d", len(rm.events))
	}
	rs.RegisterSession(1, 42)
	if err := rs.SaveResult(probe.ProbeResult{ProbeID: 1, FinalState: probe.Ok}); err != nil {
		t.Fatalf("SaveResult: %v", err)
	}
	if len(rm.events) != 1 {
		t.Fatalf("expected exactly the registered result enqueued, got %d", len(rm.events))
	}
}
