package db

import (
	"fmt"
	"os"
	"testing"
	"time"

	"probed/internal/wire"
)

func setupBenchmarkDB(b *testing.B) (*DB, func()) {
	// Create a temporary file for the database
	f, err := os.CreateTemp("", "benchmark_*.db")
	if err != nil {
		b.Fatalf("Failed to create temp db file: %v", err)
	}
	dbPath := f.Name()
	f.Close()

	d, err := New(dbPath)
	if err != nil {
		b.Fatalf("Failed to create db: %v", err)
	}

	// Disable synchronous commit for faster setup
	_, err = d.Exec("PRAGMA synchronous = OFF")
	if err != nil {
		b.Fatalf("Failed to set synchronous OFF: %v", err)
	}

	return d, func() {
		d.Close()
		os.Remove(dbPath)
	}
}

// populateBenchmarkSessions creates numSessions sessions, each with
// rollupsPerSession windowed rollups spaced one commit interval apart.
func populateBenchmarkSessions(b *testing.B, d *DB, numSessions, rollupsPerSession int) []int64 {
	var sessionIDs []int64
	now := time.Now().UTC()

	for i := 0; i < numSessions; i++ {
		s := &Session{
			ProbeID:    wire.ProbeId(i + 1),
			Address:    fmt.Sprintf("10.0.%d.1:60666", i),
			IntervalMs: 500,
		}
		id, err := d.AddSession(s)
		if err != nil {
			b.Fatalf("Failed to add session: %v", err)
		}
		sessionIDs = append(sessionIDs, id)

		for j := 0; j < rollupsPerSession; j++ {
			r := &Rollup{
				Time:      now.Add(-time.Duration(rollupsPerSession-j) * time.Minute),
				SessionID: id,
				OkCount:   int64(100 + j%50),
			}
			if err := d.AddRollup(r); err != nil {
				b.Fatalf("Failed to add rollup: %v", err)
			}
		}
	}
	return sessionIDs
}

func BenchmarkGetRollupsByTime(b *testing.B) {
	d, cleanup := setupBenchmarkDB(b)
	defer cleanup()

	numSessions := 5
	rollupsPerSession := 2000
	sessionIDs := populateBenchmarkSessions(b, d, numSessions, rollupsPerSession)

	now := time.Now().UTC()
	end := now.Add(-time.Duration(rollupsPerSession/2) * time.Minute)
	start := end.Add(-60 * time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sid := sessionIDs[i%numSessions]
		_, err := d.GetRollupsByTime(sid, start, end)
		if err != nil {
			b.Fatalf("GetRollupsByTime failed: %v", err)
		}
	}
}

func BenchmarkGetRollups(b *testing.B) {
	d, cleanup := setupBenchmarkDB(b)
	defer cleanup()

	numSessions := 5
	rollupsPerSession := 2000
	sessionIDs := populateBenchmarkSessions(b, d, numSessions, rollupsPerSession)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sid := sessionIDs[i%numSessions]
		_, err := d.GetRollups(sid, 100)
		if err != nil {
			b.Fatalf("GetRollups failed: %v", err)
		}
	}
}

func BenchmarkDeleteRollupsBefore_Sparse(b *testing.B) {
	d, cleanup := setupBenchmarkDB(b)
	defer cleanup()

	// Session 1 has a year of history; session 2 has only a handful of
	// rollups. Pruning session 2 must not pay for scanning session 1's
	// history, which is what the (session_id, time) index is for.
	s1 := &Session{ProbeID: 1, Address: "10.0.0.1:60666", IntervalMs: 500}
	id1, _ := d.AddSession(s1)

	now := time.Now().UTC()
	for j := 0; j < 10000; j++ {
		r := &Rollup{
			Time:      now.Add(-365 * 24 * time.Hour).Add(time.Duration(j) * time.Minute),
			SessionID: id1,
			OkCount:   100,
		}
		if err := d.AddRollup(r); err != nil {
			b.Fatalf("Failed to add rollup: %v", err)
		}
	}

	s2 := &Session{ProbeID: 2, Address: "10.0.0.2:60666", IntervalMs: 500}
	id2, _ := d.AddSession(s2)
	for k := 0; k < 100; k++ {
		r := &Rollup{Time: now.Add(time.Duration(k) * time.Minute), SessionID: id2, OkCount: 100}
		if err := d.AddRollup(r); err != nil {
			b.Fatalf("Failed to add rollup: %v", err)
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := d.DeleteRollupsBefore(id2, now.Add(-time.Hour)); err != nil {
			b.Fatalf("DeleteRollupsBefore failed: %v", err)
		}
	}
}
