package sirr

import (
	"context"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/secretdrop/sirr/sirr/state"
)

// DefaultSweepInterval is how often the background sweep prunes expired and
// burned records when the operator does not override it.
const DefaultSweepInterval = 300 * time.Second

// Sweeper is the long-lived background task that prunes expired and burned
// records. A missed tick is not made up; the next tick does the work. The
// write lock is only held inside Prune, never across the sleep.
type Sweeper struct {
	store    *state.StateStore
	logger   hclog.Logger
	interval time.Duration

	stopFn context.CancelFunc
	doneCh chan struct{}
}

// NewSweeper starts the sweep loop and returns a handle to stop it.
func NewSweeper(store *state.StateStore, logger hclog.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		store:    store,
		logger:   logger.Named("sweeper"),
		interval: interval,
		stopFn:   cancel,
		doneCh:   make(chan struct{}),
	}
	go s.run(ctx)
	return s
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.stopFn()
	<-s.doneCh
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.doneCh)
	s.logger.Debug("starting background sweep", "interval", s.interval)
	defer s.logger.Debug("exiting background sweep")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.Prune()
			if err != nil {
				s.logger.Error("sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("swept expired and burned secrets", "count", n)
			} else {
				s.logger.Debug("sweep found nothing to remove")
			}
		}
	}
}
