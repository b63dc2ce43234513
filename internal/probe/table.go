package probe

import (
	"sync"
	"time"

	"probed/internal/wire"
)

// DefaultTimeout is the build-time default for how long a ProbeResult may
// remain Pending before Tick forces a terminal classification.
const DefaultTimeout = 2 * time.Second

// resultKey uniquely identifies a ProbeResult for as long as it lives.
type resultKey struct {
	addr    wire.AddressKey
	probeID wire.ProbeId
	seq     wire.SequenceNumber
}

// Outcome is what Tick/events hand back to the caller (normally the
// Reporter) whenever a ProbeResult reaches a terminal state.
type Outcome struct {
	Result    ProbeResult
	Duplicate bool // true for a synthetic Duplicate outcome with no backing entry
}

// ConfiguredDscpFunc resolves the DSCP a session expects for a given
// probe id, so PongReceived can detect traffic-class mismatches. The
// ResultTable does not own session configuration; it is supplied this
// narrow lookup instead of depending on the session package directly.
type ConfiguredDscpFunc func(id wire.ProbeId) (wire.Dscp, bool)

// Table is the open-probe registry: it joins the four timestamps of a
// probe's lifecycle into a terminal classification. It is safe for
// concurrent use, though in the engine's single-threaded main loop all
// calls are made from one goroutine; the mutex exists because tests read
// it from other goroutines.
type Table struct {
	mu      sync.Mutex
	entries map[resultKey]*ProbeResult
	timeout time.Duration

	ConfiguredDscp ConfiguredDscpFunc
}

// NewTable builds an empty Table with the given stall/timeout threshold.
func NewTable(timeout time.Duration) *Table {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Table{
		entries: make(map[resultKey]*ProbeResult),
		timeout: timeout,
	}
}

// Sent records a PING transmission: a fresh ProbeResult is inserted with
// GotPing set and T1 populated. This is the only place a ProbeResult is
// ever created.
func (t *Table) Sent(now time.Time, addr wire.AddressKey, port int, id wire.ProbeId, seq wire.SequenceNumber, t1 wire.TimePoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := resultKey{addr: addr, probeID: id, seq: seq}
	r := &ProbeResult{
		Created: now,
		Addr:    addr,
		Port:    port,
		ProbeID: id,
		Seq:     seq,
		Status:  GotPing,
	}
	r.TS[0] = t1
	if t.ConfiguredDscp != nil {
		if d, ok := t.ConfiguredDscp(id); ok {
			r.ConfiguredDscp = d
		}
	}
	t.entries[key] = r
}

// PongReceived records a PONG arrival. An unknown (addr, id, seq) yields
// a synthetic Duplicate outcome and is not inserted, covering late
// PONGs after timeout removal, peer replay, and NAT pinhole mixups.
// dscpObserved reports whether observedDscp actually came off the wire:
// only the Kernel/Hardware receive paths see the IP TOS byte, and a
// userland receive must not flag a mismatch it cannot measure.
func (t *Table) PongReceived(addr wire.AddressKey, id wire.ProbeId, seq wire.SequenceNumber, t4 wire.TimePoint, observedDscp wire.Dscp, dscpObserved bool) (Outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := resultKey{addr: addr, probeID: id, seq: seq}
	r, ok := t.entries[key]
	if !ok {
		return Outcome{Duplicate: true, Result: ProbeResult{Addr: addr, ProbeID: id, Seq: seq, FinalState: Duplicate}}, true
	}
	r.TS[3] = t4
	r.Status |= GotPong
	if dscpObserved {
		r.ObservedDscp = observedDscp
		if observedDscp != r.ConfiguredDscp {
			r.Status |= DscpMismatch
		}
	}
	return t.maybeFinalizeLocked(key, r, time.Time{})
}

// TimeReport records a sidechannel TimeReport arrival (the peer's
// authoritative T2/T3 for this probe).
func (t *Table) TimeReport(addr wire.AddressKey, id wire.ProbeId, seq wire.SequenceNumber, t2, t3 wire.TimePoint) (Outcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := resultKey{addr: addr, probeID: id, seq: seq}
	r, ok := t.entries[key]
	if !ok {
		// A TimeReport with no matching entry is not classified as a
		// Duplicate (only a re-received PONG is); it is simply
		// discarded, most commonly because the probe already timed out.
		return Outcome{}, false
	}
	r.TS[1] = t2
	r.TS[2] = t3
	r.Status |= GotTimeReport
	return t.maybeFinalizeLocked(key, r, time.Time{})
}

// Tick evaluates every outstanding entry's completion/timeout predicate.
// Entries reaching a terminal state are removed and returned as
// outcomes, in no particular order.
func (t *Table) Tick(now time.Time) []Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	var outcomes []Outcome
	for key, r := range t.entries {
		if outcome, done := t.maybeFinalizeLocked(key, r, now); done {
			outcomes = append(outcomes, outcome)
		}
	}
	return outcomes
}

// Len reports the number of outstanding (Pending) entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear discards every outstanding entry without classifying it, used by
// configuration reload where in-flight probes are abandoned wholesale.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[resultKey]*ProbeResult)
}

// maybeFinalizeLocked implements the terminal-state classification
// algorithm. Caller must hold t.mu.
func (t *Table) maybeFinalizeLocked(key resultKey, r *ProbeResult, now time.Time) (Outcome, bool) {
	const all = GotPing | GotPong | GotTimeReport

	if r.Status&all == all {
		switch {
		case r.Status.has(DscpMismatch):
			r.FinalState = DscpError
		case !r.allTimestampsSet() || r.RTT() < 0:
			r.FinalState = TimestampError
		default:
			r.FinalState = Ok
		}
		delete(t.entries, key)
		return Outcome{Result: *r}, true
	}

	if now.IsZero() || now.Sub(r.Created) <= t.timeout {
		return Outcome{}, false
	}

	switch {
	case r.Status.has(GotTimeReport) && !r.Status.has(GotPong):
		r.FinalState = PongLoss
	case r.Status.has(GotPong) && !r.Status.has(GotTimeReport):
		r.FinalState = TimestampError
	default:
		r.FinalState = Timeout
	}
	delete(t.entries, key)
	return Outcome{Result: *r}, true
}
