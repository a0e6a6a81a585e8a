package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"webhook-ingestion-service/internal/core/domain"
	"webhook-ingestion-service/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const eventColumns = `id, event_id, source, tenant_id, payload, signature_valid,
	status, retry_count, max_retries, next_retry_at, last_error,
	created_at, updated_at, processed_at`

// EventRepo implements ports.EventRepository on PostgreSQL.
type EventRepo struct {
	pool Pool
}

// NewEventRepo creates a PostgreSQL-backed event repository.
func NewEventRepo(pool Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// InsertIfAbsent relies on the unique (source, event_id) constraint:
// ON CONFLICT DO NOTHING inserts at most one row under any number of
// concurrent deliveries, and the conflict branch returns the winner.
func (r *EventRepo) InsertIfAbsent(ctx context.Context, e *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_events
			(id, event_id, source, tenant_id, payload, signature_valid,
			 status, retry_count, max_retries, next_retry_at, last_error,
			 created_at, updated_at, processed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (source, event_id) DO NOTHING`,
		e.ID, e.EventID, e.Source, e.TenantID, e.Payload, e.SignatureValid,
		string(e.Status), e.RetryCount, e.MaxRetries, e.NextRetryAt, e.LastError,
		e.CreatedAt, e.UpdatedAt, e.ProcessedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert webhook event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return e, true, nil
	}

	existing, err := r.get(ctx, `SELECT `+eventColumns+`
		FROM webhook_events WHERE source = $1 AND event_id = $2`, e.Source, e.EventID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// Conflict row vanished between statements; rows are never deleted,
		// so this indicates a broken store.
		return nil, false, fmt.Errorf("conflicting webhook event %s/%s not found", e.Source, e.EventID)
	}
	return existing, false, nil
}

func (r *EventRepo) GetByEventID(ctx context.Context, eventID string) (*domain.WebhookEvent, error) {
	return r.get(ctx, `SELECT `+eventColumns+`
		FROM webhook_events WHERE event_id = $1
		ORDER BY created_at DESC LIMIT 1`, eventID)
}

// Claim flips the row into processing only when it still holds the expected
// status. Exactly one of several concurrent claimers sees RowsAffected == 1.
func (r *EventRepo) Claim(ctx context.Context, id uuid.UUID, from domain.EventStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(domain.StatusProcessing), time.Now().UTC(), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *EventRepo) Update(ctx context.Context, e *domain.WebhookEvent) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = $1, retry_count = $2, next_retry_at = $3,
		    last_error = $4, updated_at = $5, processed_at = $6
		WHERE id = $7`,
		string(e.Status), e.RetryCount, e.NextRetryAt,
		e.LastError, e.UpdatedAt, e.ProcessedAt, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	return nil
}

func (r *EventRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM webhook_events
		WHERE status = $1 AND next_retry_at <= $2
		ORDER BY next_retry_at
		LIMIT $3`,
		string(domain.StatusRetrying), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due webhook events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Reschedule is restricted to unfinished statuses so that a completed or
// actively processing row can never be pulled back into the retry path.
func (r *EventRepo) Reschedule(ctx context.Context, id uuid.UUID, nextRetryAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = $1, next_retry_at = $2, updated_at = $3
		WHERE id = $4 AND status IN ($5, $6, $7)`,
		string(domain.StatusRetrying), nextRetryAt, time.Now().UTC(), id,
		string(domain.StatusPending), string(domain.StatusRetrying), string(domain.StatusDead),
	)
	if err != nil {
		return false, fmt.Errorf("reschedule webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecoverStale returns rows abandoned in a non-terminal status to the retry
// path: a pending row whose dispatch was lost, or a processing row whose
// claimer died before writing the outcome. Recovered rows become due
// immediately, so the next sweep picks them up.
func (r *EventRepo) RecoverStale(ctx context.Context, from domain.EventStatus, cutoff time.Time, limit int) (int64, error) {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE webhook_events
		SET status = $1, next_retry_at = $2, updated_at = $2
		WHERE id IN (
			SELECT id FROM webhook_events
			WHERE status = $3 AND updated_at <= $4
			ORDER BY updated_at
			LIMIT $5
		)`,
		string(domain.StatusRetrying), now, string(from), cutoff, limit,
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale webhook events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *EventRepo) List(ctx context.Context, params ports.EventListParams) ([]domain.WebhookEvent, int64, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argIdx := 1

	if params.Source != "" {
		where += fmt.Sprintf(" AND source = $%d", argIdx)
		args = append(args, params.Source)
		argIdx++
	}
	if params.TenantID != "" {
		where += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, params.TenantID)
		argIdx++
	}
	if params.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(*params.Status))
		argIdx++
	}

	var total int64
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM webhook_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count webhook events: %w", err)
	}

	page := params.Page
	if page < 1 {
		page = 1
	}
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	query := `SELECT ` + eventColumns + ` FROM webhook_events` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list webhook events: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func (r *EventRepo) get(ctx context.Context, query string, args ...any) (*domain.WebhookEvent, error) {
	e := &domain.WebhookEvent{}
	var status string
	err := r.pool.QueryRow(ctx, query, args...).Scan(
		&e.ID, &e.EventID, &e.Source, &e.TenantID, &e.Payload, &e.SignatureValid,
		&status, &e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.LastError,
		&e.CreatedAt, &e.UpdatedAt, &e.ProcessedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	e.Status = domain.EventStatus(status)
	return e, nil
}

func scanEvents(rows pgx.Rows) ([]domain.WebhookEvent, error) {
	var events []domain.WebhookEvent
	for rows.Next() {
		var e domain.WebhookEvent
		var status string
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.Source, &e.TenantID, &e.Payload, &e.SignatureValid,
			&status, &e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.LastError,
			&e.CreatedAt, &e.UpdatedAt, &e.ProcessedAt,
		); err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		e.Status = domain.EventStatus(status)
		events = append(events, e)
	}
	return events, rows.Err()
}
