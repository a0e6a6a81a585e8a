package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"webhook-ingestion-service/internal/core/domain"
	"webhook-ingestion-service/internal/core/ports"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLimiter struct {
	allowed bool
	err     error
	calls   []string
}

func (l *fakeLimiter) Allow(_ context.Context, key string, limit int64, _ time.Duration) (*ports.RateLimitResult, error) {
	l.calls = append(l.calls, key)
	if l.err != nil {
		return nil, l.err
	}
	return &ports.RateLimitResult{Allowed: l.allowed, Limit: limit}, nil
}

type fakeDispatcher struct {
	accept    bool
	submitted []Job
}

func (d *fakeDispatcher) Submit(event *domain.WebhookEvent, from domain.EventStatus) bool {
	if d.accept {
		d.submitted = append(d.submitted, Job{Event: event, From: from})
	}
	return d.accept
}

func dueEvent(source, eventID string) domain.WebhookEvent {
	e := domain.NewWebhookEvent(source, eventID, "tenant-a", []byte(`{}`), true, 5)
	e.Status = domain.StatusRetrying
	past := time.Now().UTC().Add(-time.Minute)
	e.NextRetryAt = &past
	e.RetryCount = 1
	return *e
}

func newTestScheduler(repo *fakeRepo, limiter *fakeLimiter, dispatcher *fakeDispatcher) *Scheduler {
	rule := func(string) ports.RateLimitRule {
		return ports.RateLimitRule{Limit: 10, Window: time.Minute}
	}
	cfg := SchedulerConfig{Interval: 30 * time.Second, BatchSize: 50, StaleAfter: 5 * time.Minute}
	return NewScheduler(cfg, repo, limiter, dispatcher, rule, zerolog.Nop())
}

func TestScheduler_Sweep_SubmitsDueEvents(t *testing.T) {
	repo := newFakeRepo()
	repo.due = []domain.WebhookEvent{dueEvent("stripe", "evt_1"), dueEvent("github", "evt_2")}
	limiter := &fakeLimiter{allowed: true}
	dispatcher := &fakeDispatcher{accept: true}

	newTestScheduler(repo, limiter, dispatcher).Sweep(context.Background())

	require.Len(t, dispatcher.submitted, 2)
	assert.Equal(t, "evt_1", dispatcher.submitted[0].Event.EventID)
	assert.Equal(t, domain.StatusRetrying, dispatcher.submitted[0].From,
		"resubmitted events are claimed from retrying")
	assert.Contains(t, limiter.calls, "rate:stripe:tenant-a:process")
	assert.Contains(t, limiter.calls, "rate:github:tenant-a:process")
}

func TestScheduler_Sweep_DefersRateLimitedRetries(t *testing.T) {
	repo := newFakeRepo()
	event := dueEvent("stripe", "evt_1")
	repo.due = []domain.WebhookEvent{event}
	limiter := &fakeLimiter{allowed: false}
	dispatcher := &fakeDispatcher{accept: true}

	newTestScheduler(repo, limiter, dispatcher).Sweep(context.Background())

	assert.Empty(t, dispatcher.submitted, "rate-limited retries are deferred, not submitted")
	deferred, ok := repo.rescheduled[event.ID]
	require.True(t, ok, "the event was pushed one window into the future")
	assert.WithinDuration(t, time.Now().Add(time.Minute), deferred, 5*time.Second)
}

func TestScheduler_Sweep_LimiterOutageFailsOpen(t *testing.T) {
	repo := newFakeRepo()
	repo.due = []domain.WebhookEvent{dueEvent("stripe", "evt_1")}
	limiter := &fakeLimiter{err: errors.New("redis down")}
	dispatcher := &fakeDispatcher{accept: true}

	newTestScheduler(repo, limiter, dispatcher).Sweep(context.Background())

	assert.Len(t, dispatcher.submitted, 1, "a limiter outage never stalls the retry path")
}

func TestScheduler_Sweep_EndsEarlyWhenQueueFull(t *testing.T) {
	repo := newFakeRepo()
	repo.due = []domain.WebhookEvent{dueEvent("stripe", "evt_1"), dueEvent("stripe", "evt_2")}
	limiter := &fakeLimiter{allowed: true}
	dispatcher := &fakeDispatcher{accept: false}

	newTestScheduler(repo, limiter, dispatcher).Sweep(context.Background())

	assert.Empty(t, dispatcher.submitted)
	assert.Empty(t, repo.rescheduled, "undispatched rows stay due for the next sweep")
}

func TestScheduler_Sweep_RecoversStaleRows(t *testing.T) {
	repo := newFakeRepo()
	repo.recoverN = 2
	limiter := &fakeLimiter{allowed: true}
	dispatcher := &fakeDispatcher{accept: true}

	newTestScheduler(repo, limiter, dispatcher).Sweep(context.Background())

	assert.Equal(t, []domain.EventStatus{domain.StatusPending, domain.StatusProcessing}, repo.recovered,
		"both lost dispatches and abandoned claims are swept back into retrying")
}

func TestScheduler_Sweep_RecoveryFailureDoesNotBlockDueEvents(t *testing.T) {
	repo := newFakeRepo()
	repo.recoverErr = errors.New("connection refused")
	repo.due = []domain.WebhookEvent{dueEvent("stripe", "evt_1")}
	dispatcher := &fakeDispatcher{accept: true}

	newTestScheduler(repo, &fakeLimiter{allowed: true}, dispatcher).Sweep(context.Background())

	assert.Len(t, dispatcher.submitted, 1)
}

func TestScheduler_Sweep_ListDueFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.listDueErr = errors.New("connection refused")
	dispatcher := &fakeDispatcher{accept: true}

	newTestScheduler(repo, &fakeLimiter{allowed: true}, dispatcher).Sweep(context.Background())

	assert.Empty(t, dispatcher.submitted)
}

func TestScheduler_Start_StopsOnContextCancel(t *testing.T) {
	repo := newFakeRepo()
	sched := NewScheduler(SchedulerConfig{Interval: 10 * time.Millisecond, BatchSize: 10},
		repo, &fakeLimiter{allowed: true}, &fakeDispatcher{accept: true},
		func(string) ports.RateLimitRule { return ports.RateLimitRule{} },
		zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop on context cancel")
	}
}
