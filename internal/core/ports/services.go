package ports

import (
	"context"
	"fmt"
	"time"

	"webhook-ingestion-service/internal/core/domain"
)

// SignatureVerifier handles HMAC-SHA256 signing and verification of raw
// webhook bodies.
type SignatureVerifier interface {
	Sign(secretKey string, payload string) string
	Verify(secretKey string, payload string, signature string) bool
}

// RateLimitResult holds the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed bool
	Current int64 // markers currently inside the window, including this one when allowed
	Limit   int64
	ResetAt int64 // Unix seconds when the oldest marker leaves the window
}

// RateLimiter is the distributed sliding-window limiter shared by all
// process instances. The check-and-add must be a single atomic unit in the
// shared store.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (*RateLimitResult, error)
}

// RateLimitedError carries the limiter verdict up to the HTTP layer so the
// caller can receive a Retry-After hint.
type RateLimitedError struct {
	Result *RateLimitResult
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d/%d in window", e.Result.Current, e.Result.Limit)
}

// RetryAfter returns the seconds the caller should wait, at least 1.
func (e *RateLimitedError) RetryAfter(now time.Time) int64 {
	wait := e.Result.ResetAt - now.Unix()
	if wait < 1 {
		wait = 1
	}
	return wait
}

// EventPublisher fans out processed events to internal consumers. Publishing
// is at-least-once best-effort relative to the durable completed transition,
// which is the source of truth.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, envelope domain.EventEnvelope) error
}

// EventProcessor is the injected downstream hook invoked once per processing
// attempt. Business-rule validation of payloads lives behind this interface,
// outside the ingestion core.
type EventProcessor interface {
	Process(ctx context.Context, event *domain.WebhookEvent) error
}

// ProcessorFunc adapts a function to EventProcessor.
type ProcessorFunc func(ctx context.Context, event *domain.WebhookEvent) error

func (f ProcessorFunc) Process(ctx context.Context, event *domain.WebhookEvent) error {
	return f(ctx, event)
}

// Dispatcher hands accepted events to the asynchronous processing path.
// Submit must not block the ingestion request; it returns false when the
// queue is full and the caller falls back to the retry scheduler.
type Dispatcher interface {
	Submit(event *domain.WebhookEvent, from domain.EventStatus) bool
}

// DedupCache is the fast-path duplicate check in front of the durable
// uniqueness constraint. It is an optimization only: correctness comes from
// the store.
type DedupCache interface {
	Get(ctx context.Context, key string) ([]byte, error) // returns cached ack JSON or nil
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// TokenService validates (and, for tooling, issues) operator JWTs guarding
// the status and retry endpoints.
type TokenService interface {
	Generate(operator string) (string, time.Time, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims holds the parsed operator JWT claims.
type TokenClaims struct {
	Operator string
}

// SourcePolicy is the resolved per-source configuration applied during
// ingestion.
type SourcePolicy struct {
	Known           bool
	Secret          string
	SignatureHeader string
	MaxRetries      int
	RejectInvalid   bool
	RateLimit       RateLimitRule
}

// RateLimitRule is a (limit, window) pair for one operation.
type RateLimitRule struct {
	Limit  int64
	Window time.Duration
}

// IngestRequest is one inbound webhook delivery, already stripped down to
// the fields the orchestrator needs.
type IngestRequest struct {
	Source    string
	TenantID  string
	EventID   string // optional; derived from the payload hash when empty
	Body      []byte
	Signature string
}

// IngestResult is the idempotent-safe acknowledgment returned to the caller.
type IngestResult struct {
	Event     *domain.WebhookEvent
	Duplicate bool
}

// IngestionService orchestrates verification, admission, dedup, persistence
// and dispatch for inbound webhooks, plus the operator surface.
type IngestionService interface {
	Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error)
	GetEvent(ctx context.Context, eventID string) (*domain.WebhookEvent, error)
	ListEvents(ctx context.Context, params EventListParams) ([]domain.WebhookEvent, int64, error)
	ForceRetry(ctx context.Context, eventID string) (*domain.WebhookEvent, error)
	Policy(source string) SourcePolicy
}
