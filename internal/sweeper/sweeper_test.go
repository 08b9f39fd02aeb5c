package sweeper

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/markahope-aag/hazardos-webhooks/internal/delivery"
	"github.com/markahope-aag/hazardos-webhooks/internal/webhooks"
	"github.com/markahope-aag/hazardos-webhooks/pkg/observability"
)

const testTenant = "11111111-1111-1111-1111-111111111111"

type fakeDue struct {
	deliveries []webhooks.Delivery
	gotLimit   int
}

func (f *fakeDue) ListDue(ctx context.Context, now time.Time, limit int) ([]webhooks.Delivery, error) {
	f.gotLimit = limit
	return f.deliveries, nil
}

type fakeRetrier struct {
	mu    sync.Mutex
	calls []string
	nows  []time.Time
	err   map[string]error
}

func (f *fakeRetrier) RetryDue(ctx context.Context, id string, now time.Time) (webhooks.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	f.nows = append(f.nows, now)
	return webhooks.Delivery{ID: id}, f.err[id]
}

func TestSweepOnceSkipsDeliveriesHandledElsewhere(t *testing.T) {
	due := &fakeDue{deliveries: []webhooks.Delivery{{ID: "d1"}, {ID: "d2"}, {ID: "d3"}, {ID: "d4"}}}
	retrier := &fakeRetrier{err: map[string]error{
		"d2": delivery.ErrNotDue,
		"d3": delivery.ErrAttemptInFlight,
	}}
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	s := New(due, retrier, Config{BatchSize: 10, Concurrency: 2}, metrics, zap.NewNop())
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	n, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 retried deliveries, got %d", n)
	}
	if due.gotLimit != 10 {
		t.Fatalf("expected batch size 10, got %d", due.gotLimit)
	}
	if len(retrier.calls) != 4 {
		t.Fatalf("expected every listed delivery to be offered, got %v", retrier.calls)
	}
	for _, now := range retrier.nows {
		if !now.Equal(fixed) {
			t.Fatalf("expected the listing time to be passed through, got %v", now)
		}
	}
	if v := testutil.ToFloat64(metrics.SweepDue); v != 2 {
		t.Fatalf("expected 2 swept deliveries, got %v", v)
	}
}

func TestSweepOnceRetriesDueDeliveriesEndToEnd(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := webhooks.NewMemoryStore()
	registry := webhooks.NewRegistry(store, nil)
	recorder := webhooks.NewRecorder(store, webhooks.DefaultRetryPolicy())
	executor := delivery.NewExecutor(registry, recorder, delivery.Config{}, zap.NewNop())

	hook, err := registry.Create(ctx, testTenant, webhooks.CreateInput{Name: "w", URL: srv.URL, Events: []string{"job.created"}})
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}
	d, _ := recorder.CreatePending(ctx, hook.ID, testTenant, "job.created", json.RawMessage(`{}`))
	if _, err := recorder.RecordAttemptResult(ctx, d.ID, webhooks.AttemptOutcome{Body: "connection refused", Attempt: 1}); err != nil {
		t.Fatalf("record: %v", err)
	}

	s := New(recorder, executor, Config{}, nil, zap.NewNop())

	if n, _ := s.SweepOnce(ctx); n != 0 {
		t.Fatalf("nothing should be due yet, retried %d", n)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err := s.SweepOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected one retry, got %d (%v)", n, err)
	}
	got, _ := recorder.Get(ctx, d.ID)
	if got.Status != webhooks.StatusSuccess || got.AttemptCount != 2 {
		t.Fatalf("expected success on attempt 2, got %+v", got)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected exactly one request, got %d", hits)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	due := &fakeDue{}
	s := New(due, &fakeRetrier{}, Config{Interval: 10 * time.Millisecond}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("sweeper did not stop")
	}
}

// staleDue replays a listing taken before another sweeper ran.
type staleDue struct{ snapshot []webhooks.Delivery }

func (s staleDue) ListDue(context.Context, time.Time, int) ([]webhooks.Delivery, error) {
	return s.snapshot, nil
}

func TestStaleListingDoesNotRetryFinishedDelivery(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := webhooks.NewMemoryStore()
	registry := webhooks.NewRegistry(store, nil)
	recorder := webhooks.NewRecorder(store, webhooks.DefaultRetryPolicy())

	hook, err := registry.Create(ctx, testTenant, webhooks.CreateInput{Name: "w", URL: srv.URL, Events: []string{"job.created"}})
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}
	d, _ := recorder.CreatePending(ctx, hook.ID, testTenant, "job.created", json.RawMessage(`{}`))
	for attempt := 1; attempt < webhooks.DefaultMaxAttempts; attempt++ {
		if _, err := recorder.RecordAttemptResult(ctx, d.ID, webhooks.AttemptOutcome{Body: "boom", Attempt: attempt}); err != nil {
			t.Fatalf("record attempt %d: %v", attempt, err)
		}
	}

	later := time.Now().Add(3 * time.Hour)
	snapshot, err := recorder.ListDue(ctx, later.UTC(), 10)
	if err != nil || len(snapshot) != 1 {
		t.Fatalf("expected the delivery to be due, got %d (%v)", len(snapshot), err)
	}

	// Two processes: separate executors, shared database.
	first := New(recorder, delivery.NewExecutor(registry, recorder, delivery.Config{}, zap.NewNop()), Config{}, nil, zap.NewNop())
	second := New(staleDue{snapshot: snapshot}, delivery.NewExecutor(registry, recorder, delivery.Config{}, zap.NewNop()), Config{}, nil, zap.NewNop())
	first.now = func() time.Time { return later }
	second.now = func() time.Time { return later }

	if n, err := first.SweepOnce(ctx); err != nil || n != 1 {
		t.Fatalf("first sweeper: attempted %d (%v)", n, err)
	}
	got, _ := recorder.Get(ctx, d.ID)
	if !got.Terminal() || got.AttemptCount != webhooks.DefaultMaxAttempts {
		t.Fatalf("expected terminal failure after the last attempt, got %+v", got)
	}

	if n, err := second.SweepOnce(ctx); err != nil || n != 0 {
		t.Fatalf("second sweeper must skip the finished delivery, attempted %d (%v)", n, err)
	}
	got, _ = recorder.Get(ctx, d.ID)
	if got.AttemptCount != webhooks.DefaultMaxAttempts {
		t.Fatalf("attempt count moved past the budget: %d", got.AttemptCount)
	}
	if h := atomic.LoadInt32(&hits); h != 1 {
		t.Fatalf("expected exactly one request, got %d", h)
	}
}

func TestSweepOnceRecoversAbandonedPendingDelivery(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := webhooks.NewMemoryStore()
	registry := webhooks.NewRegistry(store, nil)
	recorder := webhooks.NewRecorder(store, webhooks.DefaultRetryPolicy())
	executor := delivery.NewExecutor(registry, recorder, delivery.Config{}, zap.NewNop())

	hook, err := registry.Create(ctx, testTenant, webhooks.CreateInput{Name: "w", URL: srv.URL, Events: []string{"job.created"}})
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}
	// Created but never attempted, as when the process dies mid-dispatch.
	d, _ := recorder.CreatePending(ctx, hook.ID, testTenant, "job.created", json.RawMessage(`{}`))

	s := New(recorder, executor, Config{}, nil, zap.NewNop())
	if n, _ := s.SweepOnce(ctx); n != 0 {
		t.Fatalf("a fresh pending delivery belongs to its dispatcher, retried %d", n)
	}

	s.now = func() time.Time { return time.Now().Add(webhooks.DefaultRecoveryDelay + time.Second) }
	if n, err := s.SweepOnce(ctx); err != nil || n != 1 {
		t.Fatalf("expected the abandoned delivery to be recovered, got %d (%v)", n, err)
	}
	got, _ := recorder.Get(ctx, d.ID)
	if got.Status != webhooks.StatusSuccess || got.AttemptCount != 1 || got.NextRetryAt != nil {
		t.Fatalf("unexpected recovered delivery: %+v", got)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected one request, got %d", hits)
	}
}
