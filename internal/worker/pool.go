package worker

import (
	"context"
	"sync"
	"time"

	"webhook-ingestion-service/internal/core/domain"
	"webhook-ingestion-service/internal/core/ports"
	"webhook-ingestion-service/pkg/apperror"

	"github.com/rs/zerolog"
)

// Job is one processing attempt handed to the pool: the event plus the
// status it must be claimed from. Claiming happens inside the worker, so
// submitting the same event from several instances is harmless: only one
// claim succeeds.
type Job struct {
	Event *domain.WebhookEvent
	From  domain.EventStatus
}

// Pool runs a fixed number of workers that process accepted webhook events
// asynchronously. Slow downstream work therefore never blocks webhook
// acknowledgment.
type Pool struct {
	workers          int
	jobs             chan Job
	repo             ports.EventRepository
	processor        ports.EventProcessor
	publisher        ports.EventPublisher
	attemptTimeout   time.Duration
	maxInlinePayload int
	log              zerolog.Logger
	wg               sync.WaitGroup
}

// PoolConfig holds the pool tunables.
type PoolConfig struct {
	Workers          int
	QueueSize        int
	AttemptTimeout   time.Duration
	MaxInlinePayload int
}

// NewPool creates a worker pool.
func NewPool(
	cfg PoolConfig,
	repo ports.EventRepository,
	processor ports.EventProcessor,
	publisher ports.EventPublisher,
	log zerolog.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 2
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	return &Pool{
		workers:          cfg.Workers,
		jobs:             make(chan Job, cfg.QueueSize),
		repo:             repo,
		processor:        processor,
		publisher:        publisher,
		attemptTimeout:   cfg.AttemptTimeout,
		maxInlinePayload: cfg.MaxInlinePayload,
		log:              log,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.log.Info().Int("workers", p.workers).Msg("worker pool started")
}

// Submit queues an event for processing without blocking. Returns false when
// the queue is full; the caller then leaves the event to the retry scheduler.
func (p *Pool) Submit(event *domain.WebhookEvent, from domain.EventStatus) bool {
	select {
	case p.jobs <- Job{Event: event, From: from}:
		return true
	default:
		return false
	}
}

// Stop closes the queue and waits for in-flight attempts to finish.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	p.log.Info().Msg("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()

	for job := range p.jobs {
		select {
		case <-ctx.Done():
			// The queue is still draining but attempts may no longer run.
			// Park the job for the scheduler instead of dropping an event
			// the caller already got a 202 for.
			p.park(job)
		default:
			p.process(ctx, job)
		}
	}
}

// park hands a job that can no longer run back to the retry scheduler. It
// runs after the pool context is cancelled, so it carries its own deadline.
func (p *Pool) park(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.repo.Reschedule(ctx, job.Event.ID, time.Now().UTC()); err != nil {
		p.log.Error().Err(err).Str("event_id", job.Event.EventID).Msg("failed to park undrained job")
	}
}

// process runs one attempt: claim, invoke the downstream processor under the
// attempt timeout, then apply and persist the resulting transition.
func (p *Pool) process(ctx context.Context, job Job) {
	event := job.Event

	claimed, err := p.repo.Claim(ctx, event.ID, job.From)
	if err != nil {
		p.log.Error().Err(err).Str("event_id", event.EventID).Msg("claim failed")
		return
	}
	if !claimed {
		// Another instance won the claim, or the row moved on.
		return
	}
	event.Status = domain.StatusProcessing

	attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	procErr := p.processor.Process(attemptCtx, event)
	cancel()

	now := time.Now().UTC()

	if procErr != nil {
		// A timeout is just another processing failure.
		event.RecordFailure(now, procErr)

		// The persisted last_error carries the PROC code so the operator
		// surface distinguishes a pending retry from a spent budget.
		failure := apperror.ErrProcessingFailed(procErr)
		if event.Status == domain.StatusDead {
			failure = apperror.ErrRetriesExhausted(procErr)
		}
		msg := failure.Error()
		event.LastError = &msg

		if err := p.repo.Update(ctx, event); err != nil {
			p.log.Error().Err(err).Str("event_id", event.EventID).Msg("failed to persist failure transition")
			return
		}
		if event.Status == domain.StatusDead {
			p.log.Error().
				Str("source", event.Source).
				Str("event_id", event.EventID).
				Int("retry_count", event.RetryCount).
				AnErr("last_error", failure).
				Msg("retry budget exhausted, event is dead")
		} else {
			p.log.Warn().
				Str("event_id", event.EventID).
				Int("retry_count", event.RetryCount).
				Time("next_retry_at", *event.NextRetryAt).
				Err(failure).
				Msg("processing failed, retry scheduled")
		}
		return
	}

	event.RecordSuccess(now)
	if err := p.repo.Update(ctx, event); err != nil {
		p.log.Error().Err(err).Str("event_id", event.EventID).Msg("failed to persist completed transition")
		return
	}

	// The durable completed row is the source of truth; a publish failure is
	// logged and never rolls it back.
	envelope := domain.NewEnvelope(event, p.maxInlinePayload)
	channel := domain.Channel(event.Source, envelope.EventType)
	if err := p.publisher.Publish(ctx, channel, envelope); err != nil {
		p.log.Warn().Err(err).Str("event_id", event.EventID).Str("channel", channel).Msg("publish failed after completion")
		return
	}

	p.log.Info().
		Str("source", event.Source).
		Str("event_id", event.EventID).
		Str("channel", channel).
		Int("retry_count", event.RetryCount).
		Msg("event processed and published")
}
