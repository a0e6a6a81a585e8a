package integration

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"webhook-ingestion-service/internal/adapter/http/handler"
	redisStorage "webhook-ingestion-service/internal/adapter/storage/redis"
	"webhook-ingestion-service/internal/core/domain"
	"webhook-ingestion-service/internal/core/ports"
	"webhook-ingestion-service/internal/service"
	"webhook-ingestion-service/internal/worker"
	"webhook-ingestion-service/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// inMemoryEventRepo implements ports.EventRepository with the same atomicity
// guarantees the SQL statements provide: every mutating method holds the lock
// for its whole check-and-write.
type inMemoryEventRepo struct {
	mu     sync.Mutex
	byKey  map[string]*domain.WebhookEvent // DedupKey -> row
	byID   map[uuid.UUID]*domain.WebhookEvent
	sorted []*domain.WebhookEvent // insertion order
}

func newInMemoryEventRepo() *inMemoryEventRepo {
	return &inMemoryEventRepo{
		byKey: map[string]*domain.WebhookEvent{},
		byID:  map[uuid.UUID]*domain.WebhookEvent{},
	}
}

func (r *inMemoryEventRepo) InsertIfAbsent(_ context.Context, e *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := domain.DedupKey(e.Source, e.EventID)
	if existing, ok := r.byKey[key]; ok {
		clone := *existing
		return &clone, false, nil
	}
	clone := *e
	r.byKey[key] = &clone
	r.byID[clone.ID] = &clone
	r.sorted = append(r.sorted, &clone)
	result := clone
	return &result, true, nil
}

func (r *inMemoryEventRepo) GetByEventID(_ context.Context, eventID string) (*domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sorted) - 1; i >= 0; i-- {
		if r.sorted[i].EventID == eventID {
			clone := *r.sorted[i]
			return &clone, nil
		}
	}
	return nil, nil
}

func (r *inMemoryEventRepo) Claim(_ context.Context, id uuid.UUID, from domain.EventStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.byID[id]
	if !ok || row.Status != from {
		return false, nil
	}
	row.Status = domain.StatusProcessing
	row.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *inMemoryEventRepo) Update(_ context.Context, e *domain.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.byID[e.ID]
	if !ok {
		return nil
	}
	row.Status = e.Status
	row.RetryCount = e.RetryCount
	row.NextRetryAt = e.NextRetryAt
	row.LastError = e.LastError
	row.UpdatedAt = e.UpdatedAt
	row.ProcessedAt = e.ProcessedAt
	return nil
}

func (r *inMemoryEventRepo) ListDue(_ context.Context, now time.Time, limit int) ([]domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []domain.WebhookEvent
	for _, row := range r.sorted {
		if row.Status == domain.StatusRetrying && row.NextRetryAt != nil && !row.NextRetryAt.After(now) {
			due = append(due, *row)
			if len(due) == limit {
				break
			}
		}
	}
	return due, nil
}

func (r *inMemoryEventRepo) Reschedule(_ context.Context, id uuid.UUID, nextRetryAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.byID[id]
	if !ok {
		return false, nil
	}
	switch row.Status {
	case domain.StatusPending, domain.StatusRetrying, domain.StatusDead:
		row.Status = domain.StatusRetrying
		row.NextRetryAt = &nextRetryAt
		row.UpdatedAt = time.Now().UTC()
		return true, nil
	}
	return false, nil
}

func (r *inMemoryEventRepo) RecoverStale(_ context.Context, from domain.EventStatus, cutoff time.Time, limit int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for _, row := range r.sorted {
		if row.Status != from || row.UpdatedAt.After(cutoff) {
			continue
		}
		row.Status = domain.StatusRetrying
		at := now
		row.NextRetryAt = &at
		row.UpdatedAt = now
		n++
		if int(n) == limit {
			break
		}
	}
	return n, nil
}

func (r *inMemoryEventRepo) List(_ context.Context, params ports.EventListParams) ([]domain.WebhookEvent, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []domain.WebhookEvent
	for _, row := range r.sorted {
		if params.Source != "" && row.Source != params.Source {
			continue
		}
		if params.TenantID != "" && row.TenantID != params.TenantID {
			continue
		}
		if params.Status != nil && row.Status != *params.Status {
			continue
		}
		matched = append(matched, *row)
	}
	return matched, int64(len(matched)), nil
}

func (r *inMemoryEventRepo) rowCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sorted)
}

type mockChecker struct{ name string }

func (c *mockChecker) Ping(context.Context) error { return nil }
func (c *mockChecker) Name() string               { return c.name }

// --- test app ---

type testApp struct {
	server   *httptest.Server
	redis    *miniredis.Miniredis
	client   *goredis.Client
	repo     *inMemoryEventRepo
	pool     *worker.Pool
	sigSvc   *service.HMACSignatureService
	tokenSvc *service.JWTTokenService
	cancel   context.CancelFunc
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	repo := newInMemoryEventRepo()
	limiter := redisStorage.NewRateLimitStore(rdb)
	dedup := redisStorage.NewDedupCache(rdb)
	publisher := redisStorage.NewPublisher(rdb)

	log := logger.NewWithWriter("error", testWriter{t})

	ctx, cancel := context.WithCancel(context.Background())

	pool := worker.NewPool(worker.PoolConfig{
		Workers:          4,
		QueueSize:        64,
		AttemptTimeout:   5 * time.Second,
		MaxInlinePayload: 16384,
	}, repo, service.NewPayloadProcessor(), publisher, log)
	pool.Start(ctx)

	sigSvc := service.NewHMACSignatureService()
	tokenSvc := service.NewJWTTokenService("test-jwt-secret", time.Hour, "webhook-ingestion")

	ingestSvc := service.NewIngestService(repo, limiter, sigSvc, dedup, pool, service.IngestOptions{
		Sources: map[string]ports.SourcePolicy{
			"acme":    {Secret: "acme-secret"},
			"strict":  {Secret: "strict-secret", RejectInvalid: true},
			"limited": {Secret: "limited-secret", RateLimit: ports.RateLimitRule{Limit: 2, Window: time.Minute}},
		},
		DefaultMaxRetries: 5,
		DefaultRateLimit:  ports.RateLimitRule{Limit: 1000, Window: time.Minute},
		RetryRateLimit:    ports.RateLimitRule{Limit: 100, Window: time.Minute},
		DedupCacheTTL:     time.Hour,
	}, log)

	router := handler.SetupRouter(handler.RouterDeps{
		IngestSvc:      ingestSvc,
		TokenSvc:       tokenSvc,
		HealthCheckers: []ports.HealthChecker{&mockChecker{"postgresql"}, redisStorage.NewHealthCheck(rdb)},
		Logger:         log,
	})

	return &testApp{
		server:   httptest.NewServer(router),
		redis:    mr,
		client:   rdb,
		repo:     repo,
		pool:     pool,
		sigSvc:   sigSvc,
		tokenSvc: tokenSvc,
		cancel:   cancel,
	}
}

func (a *testApp) close() {
	a.server.Close()
	a.pool.Stop()
	a.cancel()
	a.client.Close()
	a.redis.Close()
}

// waitForStatus polls until the event reaches the wanted status or times out.
func (a *testApp) waitForStatus(t *testing.T, eventID string, want domain.EventStatus) *domain.WebhookEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		event, err := a.repo.GetByEventID(context.Background(), eventID)
		require.NoError(t, err)
		if event != nil && event.Status == want {
			return event
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("event %s never reached status %s", eventID, want)
	return nil
}

// testWriter routes logger output through t.Log so failures carry context.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
