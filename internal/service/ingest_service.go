package service

import (
	"context"
	"encoding/json"
	"time"

	"webhook-ingestion-service/internal/core/domain"
	"webhook-ingestion-service/internal/core/ports"
	"webhook-ingestion-service/pkg/apperror"

	"github.com/rs/zerolog"
)

// DefaultSignatureHeader is used for sources that do not configure their own
// provider-specific header name.
const DefaultSignatureHeader = "X-Webhook-Signature"

// IngestOptions holds the resolved ingestion settings handed in by the
// composition root.
type IngestOptions struct {
	Sources           map[string]ports.SourcePolicy
	DefaultMaxRetries int
	DefaultRateLimit  ports.RateLimitRule
	RetryRateLimit    ports.RateLimitRule
	DedupCacheTTL     time.Duration
}

// IngestService implements ports.IngestionService: per inbound delivery it
// verifies the signature, runs the admission rate limit, deduplicates,
// persists, and hands valid new events to the asynchronous processing path.
// The HTTP acknowledgment never waits on processing.
type IngestService struct {
	repo       ports.EventRepository
	limiter    ports.RateLimiter
	sigSvc     ports.SignatureVerifier
	dedup      ports.DedupCache
	dispatcher ports.Dispatcher
	opts       IngestOptions
	log        zerolog.Logger
}

// NewIngestService creates the webhook ingestion orchestrator.
func NewIngestService(
	repo ports.EventRepository,
	limiter ports.RateLimiter,
	sigSvc ports.SignatureVerifier,
	dedup ports.DedupCache,
	dispatcher ports.Dispatcher,
	opts IngestOptions,
	log zerolog.Logger,
) *IngestService {
	return &IngestService{
		repo:       repo,
		limiter:    limiter,
		sigSvc:     sigSvc,
		dedup:      dedup,
		dispatcher: dispatcher,
		opts:       opts,
		log:        log,
	}
}

// cachedAck is the minimal acknowledgment stored in the dedup cache.
type cachedAck struct {
	EventID  string             `json:"event_id"`
	Source   string             `json:"source"`
	TenantID string             `json:"tenant_id"`
	Status   domain.EventStatus `json:"status"`
}

// Policy resolves the effective per-source settings, falling back to the
// service-wide defaults for unknown sources. Unknown sources never verify.
func (s *IngestService) Policy(source string) ports.SourcePolicy {
	if p, ok := s.opts.Sources[source]; ok {
		p.Known = true
		if p.SignatureHeader == "" {
			p.SignatureHeader = DefaultSignatureHeader
		}
		if p.MaxRetries <= 0 {
			p.MaxRetries = s.opts.DefaultMaxRetries
		}
		if p.RateLimit.Limit == 0 {
			p.RateLimit = s.opts.DefaultRateLimit
		}
		return p
	}
	return ports.SourcePolicy{
		Known:           false,
		SignatureHeader: DefaultSignatureHeader,
		MaxRetries:      s.opts.DefaultMaxRetries,
		RateLimit:       s.opts.DefaultRateLimit,
	}
}

// Ingest handles one inbound webhook delivery end to end:
// verify -> admit -> dedup -> persist -> ack. Dispatch happens only for
// newly inserted events that passed verification.
func (s *IngestService) Ingest(ctx context.Context, req ports.IngestRequest) (*ports.IngestResult, error) {
	policy := s.Policy(req.Source)

	// Verification comes first: a delivery the source policy rejects must
	// never consume admission quota.
	valid := policy.Known && req.Signature != "" &&
		s.sigSvc.Verify(policy.Secret, string(req.Body), req.Signature)

	if !valid && policy.RejectInvalid {
		s.log.Warn().Str("source", req.Source).Str("tenant_id", req.TenantID).Msg("rejected webhook with invalid signature")
		return nil, apperror.ErrInvalidSignature()
	}

	// Admission check before any store write. Limiter outages degrade open:
	// admission is protective, the durable dedup below stays authoritative.
	key := domain.RateLimitKey(req.Source, req.TenantID, domain.OpIngest)
	res, err := s.limiter.Allow(ctx, key, policy.RateLimit.Limit, policy.RateLimit.Window)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("rate limit check failed, allowing request (degraded mode)")
	} else if !res.Allowed {
		return nil, &ports.RateLimitedError{Result: res}
	}

	eventID := req.EventID
	if eventID == "" {
		eventID = domain.DeriveEventID(req.Source, req.Body)
	}

	// Fast-path duplicate check; a miss or cache error falls through to the
	// durable uniqueness constraint.
	dedupKey := domain.DedupKey(req.Source, eventID)
	if cached, cerr := s.dedup.Get(ctx, dedupKey); cerr == nil && cached != nil {
		var ack cachedAck
		if json.Unmarshal(cached, &ack) == nil {
			return &ports.IngestResult{
				Event: &domain.WebhookEvent{
					EventID:  ack.EventID,
					Source:   ack.Source,
					TenantID: ack.TenantID,
					Status:   ack.Status,
				},
				Duplicate: true,
			}, nil
		}
	}

	event := domain.NewWebhookEvent(req.Source, eventID, req.TenantID, req.Body, valid, policy.MaxRetries)
	stored, inserted, err := s.repo.InsertIfAbsent(ctx, event)
	if err != nil {
		// Fail closed: without the store neither dedup nor retry state can
		// be trusted, and the provider will redeliver.
		return nil, apperror.ErrStoreUnavailable(err)
	}

	s.cacheAck(ctx, dedupKey, stored)

	if !inserted {
		return &ports.IngestResult{Event: stored, Duplicate: true}, nil
	}

	if !stored.SignatureValid {
		// Audit-only: the row exists for inspection, processing never starts.
		s.log.Warn().
			Str("source", stored.Source).
			Str("event_id", stored.EventID).
			Str("tenant_id", stored.TenantID).
			Msg("stored webhook with invalid signature, skipping dispatch")
		return &ports.IngestResult{Event: stored}, nil
	}

	if !s.dispatcher.Submit(stored, domain.StatusPending) {
		// Worker queue is full; park the event for the scheduler instead of
		// blocking the webhook caller.
		now := time.Now().UTC()
		if _, rerr := s.repo.Reschedule(ctx, stored.ID, now); rerr != nil {
			s.log.Error().Err(rerr).Str("event_id", stored.EventID).Msg("failed to park event for scheduler")
		} else {
			stored.Status = domain.StatusRetrying
			stored.NextRetryAt = &now
		}
	}

	return &ports.IngestResult{Event: stored}, nil
}

// GetEvent returns the stored event for operator visibility.
func (s *IngestService) GetEvent(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	event, err := s.repo.GetByEventID(ctx, eventID)
	if err != nil {
		return nil, apperror.ErrStoreUnavailable(err)
	}
	if event == nil {
		return nil, apperror.ErrEventNotFound()
	}
	return event, nil
}

// ListEvents returns a filtered, paginated event listing.
func (s *IngestService) ListEvents(ctx context.Context, params ports.EventListParams) ([]domain.WebhookEvent, int64, error) {
	events, total, err := s.repo.List(ctx, params)
	if err != nil {
		return nil, 0, apperror.ErrStoreUnavailable(err)
	}
	return events, total, nil
}

// ForceRetry is the operator override: it moves an unfinished (or dead)
// event back into the retry path immediately, regardless of next_retry_at.
func (s *IngestService) ForceRetry(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	event, err := s.repo.GetByEventID(ctx, eventID)
	if err != nil {
		return nil, apperror.ErrStoreUnavailable(err)
	}
	if event == nil {
		return nil, apperror.ErrEventNotFound()
	}
	if event.Status == domain.StatusCompleted || event.Status == domain.StatusProcessing {
		return nil, apperror.ErrEventNotRetryable(string(event.Status))
	}

	key := domain.RateLimitKey(event.Source, event.TenantID, domain.OpRetry)
	res, err := s.limiter.Allow(ctx, key, s.opts.RetryRateLimit.Limit, s.opts.RetryRateLimit.Window)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("rate limit check failed, allowing retry (degraded mode)")
	} else if !res.Allowed {
		return nil, &ports.RateLimitedError{Result: res}
	}

	now := time.Now().UTC()
	ok, err := s.repo.Reschedule(ctx, event.ID, now)
	if err != nil {
		return nil, apperror.ErrStoreUnavailable(err)
	}
	if !ok {
		// The row changed status under us; report the conflict.
		return nil, apperror.ErrEventNotRetryable(string(event.Status))
	}

	event.Status = domain.StatusRetrying
	event.NextRetryAt = &now

	if !s.dispatcher.Submit(event, domain.StatusRetrying) {
		s.log.Debug().Str("event_id", event.EventID).Msg("worker queue full, forced retry left for scheduler")
	}

	return event, nil
}

// cacheAck stores the idempotent acknowledgment, best effort.
func (s *IngestService) cacheAck(ctx context.Context, key string, event *domain.WebhookEvent) {
	ack, err := json.Marshal(cachedAck{
		EventID:  event.EventID,
		Source:   event.Source,
		TenantID: event.TenantID,
		Status:   event.Status,
	})
	if err != nil {
		return
	}
	if err := s.dedup.Set(ctx, key, ack, s.opts.DedupCacheTTL); err != nil {
		s.log.Debug().Err(err).Str("key", key).Msg("dedup cache set failed")
	}
}
