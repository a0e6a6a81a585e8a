package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventStatus represents the processing state of an ingested webhook event.
type EventStatus string

const (
	StatusPending    EventStatus = "pending"
	StatusProcessing EventStatus = "processing"
	StatusCompleted  EventStatus = "completed"
	StatusFailed     EventStatus = "failed"
	StatusRetrying   EventStatus = "retrying"
	StatusDead       EventStatus = "dead"
)

// IsTerminal reports whether the status admits no further transitions.
// Dead events can still be resurrected by an explicit operator retry.
func (s EventStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDead
}

// WebhookEvent is the durable record of one accepted webhook delivery.
// Rows are never deleted; the table is the audit trail.
type WebhookEvent struct {
	ID             uuid.UUID   `json:"id"`
	EventID        string      `json:"event_id"`
	Source         string      `json:"source"`
	TenantID       string      `json:"tenant_id"`
	Payload        []byte      `json:"payload"`
	SignatureValid bool        `json:"signature_valid"`
	Status         EventStatus `json:"status"`
	RetryCount     int         `json:"retry_count"`
	MaxRetries     int         `json:"max_retries"`
	NextRetryAt    *time.Time  `json:"next_retry_at"`
	LastError      *string     `json:"last_error"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	ProcessedAt    *time.Time  `json:"processed_at"`
}

// NewWebhookEvent builds a pending event for a fresh delivery.
func NewWebhookEvent(source, eventID, tenantID string, payload []byte, signatureValid bool, maxRetries int) *WebhookEvent {
	now := time.Now().UTC()
	return &WebhookEvent{
		ID:             uuid.New(),
		EventID:        eventID,
		Source:         source,
		TenantID:       tenantID,
		Payload:        payload,
		SignatureValid: signatureValid,
		Status:         StatusPending,
		MaxRetries:     maxRetries,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// DeriveEventID computes a stable identifier for deliveries that carry no
// external event ID: two retransmissions of the same body dedup to one event.
func DeriveEventID(source string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// BackoffDelay returns the retry delay for the given retry number:
// 2^n minutes, i.e. 2, 4, 8, 16, 32 minutes for retries 1 through 5.
func BackoffDelay(retryCount int) time.Duration {
	return time.Duration(1<<uint(retryCount)) * time.Minute
}

// RecordFailure applies the failure transition for one processing attempt.
// While budget remains it increments retry_count and schedules the next
// attempt; once retry_count has reached max_retries the event goes dead and
// no further attempt is scheduled.
func (e *WebhookEvent) RecordFailure(now time.Time, cause error) {
	msg := cause.Error()
	e.LastError = &msg
	e.UpdatedAt = now

	if e.RetryCount >= e.MaxRetries {
		e.Status = StatusDead
		e.NextRetryAt = nil
		return
	}

	e.RetryCount++
	next := now.Add(BackoffDelay(e.RetryCount))
	e.Status = StatusRetrying
	e.NextRetryAt = &next
}

// RecordSuccess applies the completion transition. processed_at is set
// exactly once, on the first transition into completed.
func (e *WebhookEvent) RecordSuccess(now time.Time) {
	e.Status = StatusCompleted
	if e.ProcessedAt == nil {
		t := now
		e.ProcessedAt = &t
	}
	e.NextRetryAt = nil
	e.LastError = nil
	e.UpdatedAt = now
}

// Rate-limited operations. Each call site carries its own (limit, window)
// pair; keys differ per operation so windows never interfere.
const (
	OpIngest  = "ingest"
	OpProcess = "process"
	OpRetry   = "retry"
)

// RateLimitKey builds the tenant- and source-scoped limiter key, so one
// tenant's burst cannot starve another's quota.
func RateLimitKey(source, tenantID, operation string) string {
	return fmt.Sprintf("rate:%s:%s:%s", source, tenantID, operation)
}

// DedupKey is the uniqueness key for idempotent acceptance.
func DedupKey(source, eventID string) string {
	return source + ":" + eventID
}
