package worker

import (
	"context"
	"time"

	"webhook-ingestion-service/internal/core/domain"
	"webhook-ingestion-service/internal/core/ports"

	"github.com/rs/zerolog"
)

// Scheduler periodically sweeps events whose next_retry_at has passed and
// resubmits them to the processing path. It is safe to run from multiple
// replicas: the conditional claim inside the worker guarantees only one of
// them processes any given row.
type Scheduler struct {
	repo       ports.EventRepository
	limiter    ports.RateLimiter
	dispatcher ports.Dispatcher
	rule       func(source string) ports.RateLimitRule
	interval   time.Duration
	batchSize  int
	staleAfter time.Duration
	log        zerolog.Logger
}

// SchedulerConfig holds the sweep tunables. StaleAfter must exceed the worker
// attempt timeout, otherwise a slow but live attempt could be recovered while
// its claimer still runs.
type SchedulerConfig struct {
	Interval   time.Duration
	BatchSize  int
	StaleAfter time.Duration
}

// NewScheduler creates a retry scheduler. rule resolves the per-source
// downstream rate limit applied before each resubmission.
func NewScheduler(
	cfg SchedulerConfig,
	repo ports.EventRepository,
	limiter ports.RateLimiter,
	dispatcher ports.Dispatcher,
	rule func(source string) ports.RateLimitRule,
	log zerolog.Logger,
) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	return &Scheduler{
		repo:       repo,
		limiter:    limiter,
		dispatcher: dispatcher,
		rule:       rule,
		interval:   cfg.Interval,
		batchSize:  cfg.BatchSize,
		staleAfter: cfg.StaleAfter,
		log:        log,
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("retry scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("retry scheduler stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep selects due events and resubmits each, respecting the downstream
// rate limiter: a retry that would exceed the limit is deferred by one
// window, not treated as a failure.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	s.recoverStale(ctx, now)

	due, err := s.repo.ListDue(ctx, now, s.batchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list due events")
		return
	}

	for i := range due {
		event := &due[i]
		rule := s.rule(event.Source)

		key := domain.RateLimitKey(event.Source, event.TenantID, domain.OpProcess)
		res, err := s.limiter.Allow(ctx, key, rule.Limit, rule.Window)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("rate limit check failed, allowing retry (degraded mode)")
		} else if !res.Allowed {
			deferred := now.Add(rule.Window)
			if _, derr := s.repo.Reschedule(ctx, event.ID, deferred); derr != nil {
				s.log.Error().Err(derr).Str("event_id", event.EventID).Msg("failed to defer rate-limited retry")
			} else {
				s.log.Debug().
					Str("event_id", event.EventID).
					Time("next_retry_at", deferred).
					Msg("retry deferred by rate limit")
			}
			continue
		}

		if !s.dispatcher.Submit(event, domain.StatusRetrying) {
			// Queue full; the rows stay retrying and due, the next sweep
			// picks them up.
			s.log.Debug().Msg("worker queue full, ending sweep early")
			return
		}
	}
}

// recoverStale returns abandoned rows to the retry path: pending rows whose
// dispatch was lost (crash or shutdown before the worker claimed them) and
// processing rows whose claimer died before writing the outcome. Recovery
// failures never block the due sweep.
func (s *Scheduler) recoverStale(ctx context.Context, now time.Time) {
	cutoff := now.Add(-s.staleAfter)
	for _, from := range []domain.EventStatus{domain.StatusPending, domain.StatusProcessing} {
		n, err := s.repo.RecoverStale(ctx, from, cutoff, s.batchSize)
		if err != nil {
			s.log.Error().Err(err).Str("from", string(from)).Msg("failed to recover stale events")
			continue
		}
		if n > 0 {
			s.log.Warn().Int64("events", n).Str("from", string(from)).Msg("recovered stale events")
		}
	}
}
