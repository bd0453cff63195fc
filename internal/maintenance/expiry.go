// Package maintenance runs scheduled housekeeping jobs.
package maintenance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultExpirySchedule runs the sweep daily at 03:00 UTC.
const DefaultExpirySchedule = "0 3 * * *"

// Expirer moves licenses whose term has ended to expired.
type Expirer interface {
	ExpireDue(ctx context.Context) (int64, error)
}

// ExpiryScheduler periodically expires yearly licenses past their term so
// stored status stays current even for keys nobody checks.
type ExpiryScheduler struct {
	expirer  Expirer
	schedule string
	timeout  time.Duration
	cron     *cron.Cron
	logger   zerolog.Logger
	mu       sync.Mutex
	running  bool
}

// NewExpiryScheduler creates a new expiry sweep scheduler. An empty schedule
// uses DefaultExpirySchedule.
func NewExpiryScheduler(expirer Expirer, schedule string, logger zerolog.Logger) *ExpiryScheduler {
	if schedule == "" {
		schedule = DefaultExpirySchedule
	}
	return &ExpiryScheduler{
		expirer:  expirer,
		schedule: schedule,
		timeout:  time.Minute,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		logger:   logger.With().Str("component", "expiry_sweep").Logger(),
	}
}

// Start begins the sweep schedule.
func (s *ExpiryScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("expiry scheduler already running")
	}

	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		return err
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().Str("schedule", s.schedule).Msg("expiry scheduler started")
	return nil
}

// Stop stops the scheduler. The returned context is done once a running
// sweep has finished.
func (s *ExpiryScheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping expiry scheduler")
	return s.cron.Stop()
}

func (s *ExpiryScheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error().Err(err).Msg("license expiry sweep failed")
	}
}

// Sweep runs one expiry pass immediately.
func (s *ExpiryScheduler) Sweep(ctx context.Context) (int64, error) {
	expired, err := s.expirer.ExpireDue(ctx)
	if err != nil {
		return 0, err
	}

	s.logger.Info().Int64("expired", expired).Msg("license expiry sweep completed")
	return expired, nil
}
