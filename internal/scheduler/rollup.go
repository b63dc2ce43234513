// Package scheduler rolls up terminal probe results into windowed
// tdigest summaries for the daemon's status page: a results channel
// feeding a tdigest plus counters, flushed to the store on a commit
// ticker, one open window per session rather than a multi-tier
// raw/1m/5m/1h/1d chain.
package scheduler

import (
	"sync"
	"time"

	"github.com/caio/go-tdigest/v4"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"probed/internal/db"
	"probed/internal/probe"
)

// DefaultCommitInterval is how often an open rollup window is flushed to
// the store.
const DefaultCommitInterval = 60 * time.Second

type rollupEvent struct {
	sessionID int64
	result    probe.ProbeResult
}

type rollupAgg struct {
	start              time.Time
	td                 *tdigest.TDigest
	ok, loss, timeoutC int64
}

// RollupManager accumulates terminal probe results per database session
// id into an open tdigest window and flushes each window to the store on
// a fixed commit interval.
type RollupManager struct {
	store          db.Store
	clock          clockwork.Clock
	commitInterval time.Duration
	log            *logrus.Entry

	events chan rollupEvent
	stop   chan struct{}
	wg     sync.WaitGroup

	mu   sync.Mutex
	aggs map[int64]*rollupAgg
}

// NewRollupManager builds a RollupManager persisting through store.
func NewRollupManager(store db.Store, commitInterval time.Duration) *RollupManager {
	if commitInterval <= 0 {
		commitInterval = DefaultCommitInterval
	}
	return &RollupManager{
		store:          store,
		clock:          clockwork.NewRealClock(),
		commitInterval: commitInterval,
		log:            logrus.WithField("component", "rollup"),
		events:         make(chan rollupEvent, 256),
		stop:           make(chan struct{}),
		aggs:           make(map[int64]*rollupAgg),
	}
}

// Start begins the background commit loop.
func (rm *RollupManager) Start() {
	rm.wg.Add(1)
	go rm.run()
}

// Stop drains and stops the commit loop, flushing any open windows.
func (rm *RollupManager) Stop() {
	close(rm.stop)
	rm.wg.Wait()
	for {
		select {
		case ev := <-rm.events:
			rm.absorb(ev)
		default:
			rm.commit()
			return
		}
	}
}

// Record enqueues one terminal probe result for sessionID's open rollup
// window. Non-blocking: a full channel drops the sample and logs rather
// than backing up the caller's emit path.
func (rm *RollupManager) Record(sessionID int64, result probe.ProbeResult) {
	select {
	case rm.events <- rollupEvent{sessionID: sessionID, result: result}:
	default:
		rm.log.Warn("rollup event dropped, channel full")
	}
}

func (rm *RollupManager) run() {
	defer rm.wg.Done()
	ticker := rm.clock.NewTicker(rm.commitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rm.stop:
			return
		case ev := <-rm.events:
			rm.absorb(ev)
		case <-ticker.Chan():
			rm.commit()
		}
	}
}

func (rm *RollupManager) absorb(ev rollupEvent) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	agg := rm.aggs[ev.sessionID]
	if agg == nil {
		td, _ := tdigest.New(tdigest.Compression(100))
		agg = &rollupAgg{start: rm.clock.Now().UTC(), td: td}
		rm.aggs[ev.sessionID] = agg
	}

	switch ev.result.FinalState {
	case probe.Ok:
		agg.ok++
		agg.td.Add(float64(ev.result.RTT()))
	case probe.Timeout, probe.PongLoss:
		agg.timeoutC++
	default:
		agg.loss++
	}
}

func (rm *RollupManager) commit() {
	rm.mu.Lock()
	aggs := rm.aggs
	rm.aggs = make(map[int64]*rollupAgg)
	rm.mu.Unlock()

	for sessionID, agg := range aggs {
		if agg.ok == 0 && agg.loss == 0 && agg.timeoutC == 0 {
			continue
		}
		tdBytes, err := db.SerializeTDigest(agg.td)
		if err != nil {
			rm.log.WithError(err).Warn("tdigest serialization failed")
			continue
		}
		r := &db.Rollup{
			Time:         agg.start,
			SessionID:    sessionID,
			OkCount:      agg.ok,
			LossCount:    agg.loss,
			TimeoutCount: agg.timeoutC,
			TDigestData:  tdBytes,
		}
		if err := rm.store.AddRollup(r); err != nil {
			rm.log.WithError(err).WithField("session", sessionID).Warn("failed to save rollup")
		}
	}
}
