package notifications

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Email kinds, used as metric labels.
const (
	KindLicenseKey = "license_key"
	KindContact    = "contact"
)

var (
	// ErrQueueFull is returned by Enqueue when the queue has no free slot.
	ErrQueueFull = errors.New("email queue is full")
	// ErrDispatcherStopped is returned by Enqueue after Stop.
	ErrDispatcherStopped = errors.New("email dispatcher is stopped")
)

// Job is one email waiting for delivery.
type Job struct {
	Kind    string
	Message Message
}

// Recorder receives delivery outcomes.
type Recorder interface {
	RecordEmail(kind, outcome string)
	SetEmailQueueDepth(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordEmail(string, string) {}
func (nopRecorder) SetEmailQueueDepth(int) {}

// DispatcherConfig holds configuration for the email dispatcher.
type DispatcherConfig struct {
	Workers         int
	QueueSize       int
	RatePerSecond   float64
	Burst           int
	MaxAttempts     int
	InitialInterval time.Duration
	MaxElapsed      time.Duration
	SendTimeout     time.Duration
}

// DefaultDispatcherConfig returns default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:         2,
		QueueSize:       256,
		RatePerSecond:   2,
		Burst:           2,
		MaxAttempts:     5,
		InitialInterval: 2 * time.Second,
		MaxElapsed:      5 * time.Minute,
		SendTimeout:     30 * time.Second,
	}
}

// Dispatcher delivers queued emails from a fixed pool of workers. Sends are
// paced by a token bucket and each job is retried with exponential backoff.
type Dispatcher struct {
	sender   Sender
	cfg      DispatcherConfig
	limiter  *rate.Limiter
	recorder Recorder
	logger   zerolog.Logger

	queue chan Job

	mu      sync.RWMutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher creates a new email dispatcher. recorder may be nil.
func NewDispatcher(sender Sender, cfg DispatcherConfig, recorder Recorder, logger zerolog.Logger) *Dispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sender:   sender,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		recorder: recorder,
		logger:   logger.With().Str("component", "email_dispatcher").Logger(),
		queue:    make(chan Job, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.logger.Info().Int("workers", d.cfg.Workers).Msg("starting email dispatcher")

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop refuses new jobs and waits for queued ones to finish. If ctx ends
// first, in-flight retries are abandoned and ctx.Err() is returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.logger.Info().Msg("stopping email dispatcher")

	d.mu.Lock()
	if !d.stopped {
		d.stopped = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		pending := len(d.queue)
		d.cancel()
		<-done
		d.logger.Warn().Int("pending", pending).Msg("email dispatcher stopped before queue drained")
		return ctx.Err()
	}
}

// Enqueue schedules job for delivery without blocking.
func (d *Dispatcher) Enqueue(job Job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return ErrDispatcherStopped
	}

	select {
	case d.queue <- job:
		d.recorder.SetEmailQueueDepth(len(d.queue))
		return nil
	default:
		d.recorder.RecordEmail(job.Kind, "dropped")
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for job := range d.queue {
		d.recorder.SetEmailQueueDepth(len(d.queue))
		d.deliver(job)
	}
}

// deliver sends one job, retrying transient failures.
func (d *Dispatcher) deliver(job Job) {
	attempts := 0
	op := func() error {
		if err := d.limiter.Wait(d.ctx); err != nil {
			return backoff.Permanent(err)
		}
		attempts++

		ctx, cancel := context.WithTimeout(d.ctx, d.cfg.SendTimeout)
		defer cancel()
		return d.sender.Send(ctx, job.Message)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.InitialInterval
	b.MaxElapsedTime = d.cfg.MaxElapsed

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.cfg.MaxAttempts-1)), d.ctx)
	notify := func(err error, next time.Duration) {
		d.logger.Warn().
			Err(err).
			Str("kind", job.Kind).
			Int("attempt", attempts).
			Dur("next_retry", next).
			Msg("email delivery failed, scheduling retry")
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		d.recorder.RecordEmail(job.Kind, "failed")
		d.logger.Error().
			Err(err).
			Str("kind", job.Kind).
			Strs("to", job.Message.To).
			Int("attempts", attempts).
			Msg("email delivery failed permanently")
		return
	}

	d.recorder.RecordEmail(job.Kind, "sent")
}
