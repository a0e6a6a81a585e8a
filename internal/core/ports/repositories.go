package ports

import (
	"context"
	"time"

	"webhook-ingestion-service/internal/core/domain"

	"github.com/google/uuid"
)

// EventRepository is the durable system of record for webhook events.
// Every mutating method is a single atomic statement; the claim and defer
// operations are the coordination primitives that keep multiple service
// instances from double-processing a row.
type EventRepository interface {
	// InsertIfAbsent atomically inserts the event unless a row with the same
	// (source, event_id) already exists. It returns the stored row and
	// whether this call inserted it. The uniqueness constraint in the store,
	// not a read-then-write, is what makes concurrent duplicate deliveries
	// race-safe.
	InsertIfAbsent(ctx context.Context, event *domain.WebhookEvent) (*domain.WebhookEvent, bool, error)

	// GetByEventID returns the most recently created event with the given
	// external event ID, or nil if none exists.
	GetByEventID(ctx context.Context, eventID string) (*domain.WebhookEvent, error)

	// Claim conditionally flips the event from the expected status into
	// processing. Exactly one of several concurrent claimers wins; the rest
	// observe false.
	Claim(ctx context.Context, id uuid.UUID, from domain.EventStatus) (bool, error)

	// Update persists the mutable processing fields after a success or
	// failure transition. Only the current claimer writes, so no further
	// conditions are needed.
	Update(ctx context.Context, event *domain.WebhookEvent) error

	// ListDue returns events in retrying status whose next_retry_at has
	// passed, ordered by next_retry_at.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error)

	// Reschedule moves an unfinished event (pending, retrying or dead) back
	// into retrying with the given next attempt time. Used for rate-limit
	// deferral, worker-queue overflow and operator-forced retries.
	Reschedule(ctx context.Context, id uuid.UUID, nextRetryAt time.Time) (bool, error)

	// RecoverStale moves rows stuck in the given status back into retrying
	// when they have not been touched since cutoff. A pending row goes stale
	// when its dispatch was lost; a processing row when the claimer died
	// before persisting the outcome. Returns the number of recovered rows.
	RecoverStale(ctx context.Context, from domain.EventStatus, cutoff time.Time, limit int) (int64, error)

	// List returns events matching the filter plus the total count.
	List(ctx context.Context, params EventListParams) ([]domain.WebhookEvent, int64, error)
}

// EventListParams holds filter + pagination for the operator listing.
type EventListParams struct {
	Source   string
	TenantID string
	Status   *domain.EventStatus
	Page     int
	PageSize int
}
