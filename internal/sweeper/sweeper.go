package sweeper

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/markahope-aag/hazardos-webhooks/internal/delivery"
	"github.com/markahope-aag/hazardos-webhooks/internal/webhooks"
	"github.com/markahope-aag/hazardos-webhooks/pkg/observability"
)

// DueLister lists deliveries whose retry or recovery time has passed.
type DueLister interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]webhooks.Delivery, error)
}

// Retrier re-attempts one delivery if it is still due once locked.
type Retrier interface {
	RetryDue(ctx context.Context, deliveryID string, now time.Time) (webhooks.Delivery, error)
}

// Config controls the sweep cadence.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Sweeper periodically retries failed deliveries once next_retry_at has
// elapsed, and recovers pending deliveries whose first outcome was never
// recorded. Cross-process exclusion is the Retrier's job.
type Sweeper struct {
	due     DueLister
	retrier Retrier
	cfg     Config
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

func New(due DueLister, retrier Retrier, cfg Config, metrics *observability.Metrics, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		due:     due,
		retrier: retrier,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Run sweeps immediately and then on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("Retry sweeper started", zap.Duration("interval", s.cfg.Interval))
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Retry sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Retry sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce retries one batch of due deliveries and returns how many were
// attempted by this process.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.due.ListDue(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		attempted int
		sem       = make(chan struct{}, s.cfg.Concurrency)
	)
	for _, d := range due {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if s.retryOne(ctx, id, now) {
				mu.Lock()
				attempted++
				mu.Unlock()
			}
		}(d.ID)
	}
	wg.Wait()
	return attempted, nil
}

func (s *Sweeper) retryOne(ctx context.Context, id string, now time.Time) bool {
	_, err := s.retrier.RetryDue(ctx, id, now)
	switch {
	case err == nil:
		if s.metrics != nil {
			s.metrics.SweepDue.Inc()
		}
		return true
	case errors.Is(err, delivery.ErrNotDue),
		errors.Is(err, delivery.ErrAttemptInFlight),
		errors.Is(err, delivery.ErrAlreadyDelivered):
		s.logger.Debug("Skipping delivery handled elsewhere", zap.String("delivery_id", id), zap.Error(err))
		return false
	default:
		s.logger.Error("Retry failed", zap.String("delivery_id", id), zap.Error(err))
		return false
	}
}
