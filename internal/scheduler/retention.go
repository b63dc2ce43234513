// Retention enforcement: a single duration applied to the one rollup
// window this package keeps, rather than a per-window-size tier.
package scheduler

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"probed/internal/db"
)

// DefaultRetention is the default retention window: keep rollups for 7
// days.
const DefaultRetention = 7 * 24 * time.Hour

type RetentionManager struct {
	store     db.Store
	clock     clockwork.Clock
	retention time.Duration
	log       *logrus.Entry

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewRetentionManager(store db.Store, retention time.Duration) *RetentionManager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RetentionManager{
		store:     store,
		clock:     clockwork.NewRealClock(),
		retention: retention,
		log:       logrus.WithField("component", "retention"),
		stop:      make(chan struct{}),
	}
}

func (rm *RetentionManager) Start() {
	rm.wg.Add(1)
	go rm.run()
}

func (rm *RetentionManager) Stop() {
	close(rm.stop)
	rm.wg.Wait()
}

func (rm *RetentionManager) run() {
	defer rm.wg.Done()
	ticker := rm.clock.NewTicker(time.Hour)
	defer ticker.Stop()

	rm.enforce()

	for {
		select {
		case <-rm.stop:
			return
		case <-ticker.Chan():
			rm.enforce()
		}
	}
}

func (rm *RetentionManager) enforce() {
	sessions, err := rm.store.GetSessions()
	if err != nil {
		rm.log.WithError(err).Warn("failed to list sessions for retention")
		return
	}

	cutoff := rm.clock.Now().Add(-rm.retention)
	for _, s := range sessions {
		if err := rm.store.DeleteRollupsBefore(s.ID, cutoff); err != nil {
			rm.log.WithError(err).WithField("session", s.ID).Warn("failed to prune rollups")
		}
	}
}
