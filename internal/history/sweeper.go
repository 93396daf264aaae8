package history

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically evicts idle windows from a Store.
type Sweeper struct {
	cron   *cron.Cron
	store  *Store
	idle   time.Duration
	logger *slog.Logger
	onDone func(removed, remaining int)
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepLogger sets the logger.
func WithSweepLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = logger }
}

// WithSweepHook is called after every sweep with the number of windows removed
// and the number still live.
func WithSweepHook(fn func(removed, remaining int)) SweeperOption {
	return func(s *Sweeper) { s.onDone = fn }
}

// NewSweeper schedules Sweep(idle) on the cron spec, e.g. "@every 10m".
func NewSweeper(store *Store, spec string, idle time.Duration, opts ...SweeperOption) (*Sweeper, error) {
	s := &Sweeper{
		cron:   cron.New(),
		store:  store,
		idle:   idle,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("schedule history sweep %q: %w", spec, err)
	}
	return s, nil
}

func (s *Sweeper) run() {
	removed := s.store.Sweep(s.idle)
	remaining := s.store.Len()
	if removed > 0 {
		s.logger.Info("evicted idle conversation windows", "removed", removed, "remaining", remaining)
	}
	if s.onDone != nil {
		s.onDone(removed, remaining)
	}
}

// Start begins the schedule in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
