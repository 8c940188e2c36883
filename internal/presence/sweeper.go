package presence

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/chatlink/chatlink/pkg/logger"
)

const (
	// DefaultSweepInterval is how often stale sessions are checked.
	DefaultSweepInterval = time.Minute
	// DefaultStaleThreshold is how long a session may go without a heartbeat
	// before the sweep declares it offline.
	DefaultStaleThreshold = 2 * time.Minute
)

// Sweeper runs the liveness sweep for the lifetime of the process. It is not
// cancellable mid-run; Stop only prevents future ticks.
type Sweeper struct {
	registry  *Registry
	cron      *cron.Cron
	interval  time.Duration
	threshold time.Duration
	log       *zap.Logger
}

// SweeperOption customises the Sweeper.
type SweeperOption func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) SweeperOption {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// NewSweeper builds a sweeper over the supplied registry.
func NewSweeper(registry *Registry, interval, threshold time.Duration, opts ...SweeperOption) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}

	s := &Sweeper{
		registry:  registry,
		interval:  interval,
		threshold: threshold,
		log:       logger.WithModule("presence.sweeper"),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.cron == nil {
		s.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return s
}

// Start schedules the sweep and launches the scheduler.
func (s *Sweeper) Start() error {
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, s.RunOnce); err != nil {
		return fmt.Errorf("presence: schedule sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for a running sweep to complete.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunOnce executes a single sweep pass.
func (s *Sweeper) RunOnce() {
	if evicted := s.registry.Sweep(s.threshold); len(evicted) > 0 {
		s.log.Info("liveness sweep evicted sessions", zap.Strings("user_ids", evicted))
	}
}
