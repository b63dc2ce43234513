// Package report implements the Reporter: an interactive text sink with
// an aggregate summary, and a daemon sink that relays terminal results
// to a named pipe and a persistent store.
package report

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/caio/go-tdigest/v4"

	"probed/internal/probe"
)

// Sink receives every terminal ProbeResult the engine produces.
type Sink interface {
	Emit(probe.Outcome)
}

// MultiSink fans one outcome stream out to several sinks, used by daemon
// mode to feed both the pipe and the store from one Emit call.
type MultiSink []Sink

func (m MultiSink) Emit(o probe.Outcome) {
	for _, s := range m {
		s.Emit(o)
	}
}

// Summary is the aggregate produced from an InteractiveSink's
// accumulated tdigest: min/avg/p50/p99/max RTT and loss percentage.
type Summary struct {
	Count    int64
	Ok       int64
	DscpErr  int64
	TsErr    int64
	Timeout  int64
	PongLoss int64
	Min      time.Duration
	Max      time.Duration
	Avg      time.Duration
	P50      time.Duration
	P99      time.Duration
}

// LossPercent computes loss% = (timeout + pong_loss) / total * 100.
func (s Summary) LossPercent() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Timeout+s.PongLoss) / float64(s.Count) * 100
}

// InteractiveSink prints one line per terminal probe to w and accumulates
// a tdigest over every Ok result's RTT. The aggregate lives in one
// mutex-guarded struct rather than its own goroutine since Emit is
// already called from the engine's single loop goroutine.
type InteractiveSink struct {
	w io.Writer

	mu       sync.Mutex
	td       *tdigest.TDigest
	count    int64
	sum      int64
	min, max int64
	byState  map[probe.FinalState]int64
}

// NewInteractiveSink builds a sink writing human-readable lines to w.
func NewInteractiveSink(w io.Writer) *InteractiveSink {
	td, _ := tdigest.New(tdigest.Compression(100))
	return &InteractiveSink{
		w:       w,
		td:      td,
		byState: make(map[probe.FinalState]int64),
	}
}

// Emit writes one line and folds the result into the running aggregate.
func (s *InteractiveSink) Emit(o probe.Outcome) {
	r := o.Result
	if o.Duplicate {
		fmt.Fprintf(s.w, "probe=%d seq=%d addr=%s duplicate\n", r.ProbeID, r.Seq, r.Addr.IP())
		s.mu.Lock()
		s.byState[probe.Duplicate]++
		s.mu.Unlock()
		return
	}

	if r.FinalState == probe.Ok {
		rtt := time.Duration(r.RTT())
		fmt.Fprintf(s.w, "probe=%d seq=%d addr=%s rtt=%s\n", r.ProbeID, r.Seq, r.Addr.IP(), rtt)
	} else {
		fmt.Fprintf(s.w, "probe=%d seq=%d addr=%s state=%s\n", r.ProbeID, r.Seq, r.Addr.IP(), r.FinalState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byState[r.FinalState]++
	s.count++
	if r.FinalState == probe.Ok {
		rtt := r.RTT()
		s.td.Add(float64(rtt))
		s.sum += rtt
		if s.byState[probe.Ok] == 1 || rtt < s.min {
			s.min = rtt
		}
		if rtt > s.max {
			s.max = rtt
		}
	}
}

// Summary computes the current aggregate, safe to call concurrently with
// Emit (e.g. from a SIGINT handler goroutine).
func (s *InteractiveSink) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Summary{
		Count:    s.count,
		Ok:       s.byState[probe.Ok],
		DscpErr:  s.byState[probe.DscpError],
		TsErr:    s.byState[probe.TimestampError],
		Timeout:  s.byState[probe.Timeout],
		PongLoss: s.byState[probe.PongLoss],
		Min:      time.Duration(s.min),
		Max:      time.Duration(s.max),
	}
	if out.Ok > 0 {
		out.Avg = time.Duration(s.sum / out.Ok)
		out.P50 = time.Duration(s.td.Quantile(0.5))
		out.P99 = time.Duration(s.td.Quantile(0.99))
	}
	return out
}

// Fprint writes a human-readable rendering of the summary to w.
func (s Summary) Fprint(w io.Writer) {
	fmt.Fprintf(w, "probes=%d ok=%d dscp_error=%d ts_error=%d timeout=%d pong_loss=%d loss=%.2f%%\n",
		s.Count, s.Ok, s.DscpErr, s.TsErr, s.Timeout, s.PongLoss, s.LossPercent())
	if s.Ok > 0 {
		fmt.Fprintf(w, "rtt min=%s avg=%s p50=%s p99=%s max=%s\n", s.Min, s.Avg, s.P50, s.P99, s.Max)
	}
}

// PipeFrameLen is the fixed size of one binary record written to the
// daemon's named output pipe: addr(16) + probe_id(4) + seq(4) +
// final_state(1) + rtt_nanos(8) = 33 bytes, no length prefix, matching
// the wire codec's fixed-framing convention.
const PipeFrameLen = 16 + 4 + 4 + 1 + 8

// PipeSink writes one fixed-size binary frame per terminal result to an
// io.Writer, normally a FIFO opened with os.OpenFile.
type PipeSink struct {
	w io.Writer
	// write failures are recorded, not fatal: the daemon keeps running
	// with a wedged or absent consumer rather than killing the engine loop.
	mu      sync.Mutex
	lastErr error
}

// NewPipeSink builds a sink writing frames to w.
func NewPipeSink(w io.Writer) *PipeSink {
	return &PipeSink{w: w}
}

// Emit encodes and writes one frame. Terminal Duplicate outcomes (no
// backing ProbeResult fields beyond addr/id/seq) are written with a zero
// RTT.
func (s *PipeSink) Emit(o probe.Outcome) {
	r := o.Result
	var buf [PipeFrameLen]byte
	copy(buf[0:16], r.Addr[:])
	putU32(buf[16:20], uint32(r.ProbeID))
	putU32(buf[20:24], uint32(r.Seq))
	buf[24] = byte(r.FinalState)
	var rtt int64
	if r.FinalState == probe.Ok {
		rtt = r.RTT()
	}
	putU64(buf[25:33], uint64(rtt))

	if _, err := s.w.Write(buf[:]); err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
	}
}

// LastError reports the most recent write failure, if any.
func (s *PipeSink) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[7-i] = byte(v)
		v >>= 8
	}
}

// ResultStore is the narrow persistence contract a daemon-mode sink needs
// from internal/db, kept here (rather than importing internal/db) so
// internal/report has no dependency on the storage layer's driver choice.
type ResultStore interface {
	SaveResult(r probe.ProbeResult) error
}

// StoreSink persists every terminal result through a ResultStore.
type StoreSink struct {
	store ResultStore
	onErr func(error)
}

// NewStoreSink builds a sink that persists through store, reporting
// persistence failures to onErr (which may be nil).
func NewStoreSink(store ResultStore, onErr func(error)) *StoreSink {
	return &StoreSink{store: store, onErr: onErr}
}

func (s *StoreSink) Emit(o probe.Outcome) {
	if o.Duplicate {
		return
	}
	if err := s.store.SaveResult(o.Result); err != nil && s.onErr != nil {
		s.onErr(err)
	}
}
