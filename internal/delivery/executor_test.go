package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/markahope-aag/hazardos-webhooks/internal/webhooks"
	"github.com/markahope-aag/hazardos-webhooks/pkg/observability"
)

const testTenant = "11111111-1111-1111-1111-111111111111"

type harness struct {
	store    *webhooks.MemoryStore
	registry *webhooks.Registry
	recorder *webhooks.Recorder
	executor *Executor
	metrics  *observability.Metrics
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := webhooks.NewMemoryStore()
	registry := webhooks.NewRegistry(store, nil)
	recorder := webhooks.NewRecorder(store, webhooks.DefaultRetryPolicy())
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 123000000, time.UTC)
	executor := NewExecutor(registry, recorder, cfg, zap.NewNop(),
		WithMetrics(metrics),
		WithClock(func() time.Time { return fixed }),
	)
	return &harness{store: store, registry: registry, recorder: recorder, executor: executor, metrics: metrics}
}

func (h *harness) webhook(t *testing.T, url string, input webhooks.CreateInput) webhooks.Webhook {
	t.Helper()
	input.URL = url
	if input.Name == "" {
		input.Name = "test"
	}
	if len(input.Events) == 0 {
		input.Events = []string{"job.created"}
	}
	w, err := h.registry.Create(context.Background(), testTenant, input)
	if err != nil {
		t.Fatalf("create webhook: %v", err)
	}
	return w
}

func (h *harness) pending(t *testing.T, w webhooks.Webhook, payload string) webhooks.Delivery {
	t.Helper()
	d, err := h.recorder.CreatePending(context.Background(), w.ID, testTenant, "job.created", json.RawMessage(payload))
	if err != nil {
		t.Fatalf("create pending: %v", err)
	}
	return d
}

func secret(s string) *string { return &s }

func TestAttemptSuccessSendsSignedEnvelope(t *testing.T) {
	var (
		gotHeaders http.Header
		gotBody    []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	h := newHarness(t, Config{})
	hook := h.webhook(t, srv.URL, webhooks.CreateInput{
		Secret:  secret("whsec_test_secret"),
		Headers: map[string]string{"Authorization": "Bearer token"},
	})
	_ = h.registry.RecordOutcome(context.Background(), hook.ID, false)
	d := h.pending(t, hook, `{"job":{"id":"j-1"}}`)

	got, err := h.executor.Attempt(context.Background(), d, hook)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if got.Status != webhooks.StatusSuccess || got.AttemptCount != 1 || got.DeliveredAt == nil {
		t.Fatalf("unexpected delivery: %+v", got)
	}
	if got.ResponseStatus == nil || *got.ResponseStatus != http.StatusAccepted {
		t.Fatalf("expected status 202, got %v", got.ResponseStatus)
	}

	want := `{"event":"job.created","timestamp":"2024-05-01T12:00:00.123Z","data":{"job":{"id":"j-1"}}}`
	if string(gotBody) != want {
		t.Fatalf("unexpected body:\n got %s\nwant %s", gotBody, want)
	}
	if gotHeaders.Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type %q", gotHeaders.Get("Content-Type"))
	}
	if gotHeaders.Get("X-Webhook-Event") != "job.created" || gotHeaders.Get("X-Webhook-Delivery") != d.ID {
		t.Fatalf("missing event headers: %v", gotHeaders)
	}
	if gotHeaders.Get("Authorization") != "Bearer token" {
		t.Fatalf("custom header not sent")
	}
	sig := gotHeaders.Get(webhooks.SignatureHeader)
	if !strings.HasPrefix(sig, "sha256=") || !webhooks.Verify("whsec_test_secret", gotBody, sig) {
		t.Fatalf("signature %q does not verify", sig)
	}

	stored, _ := h.store.GetWebhook(context.Background(), hook.ID)
	if stored.FailureCount != 0 || stored.LastTriggeredAt == nil {
		t.Fatalf("expected webhook health reset, got %+v", stored)
	}
	if v := testutil.ToFloat64(h.metrics.DeliveryAttempts.WithLabelValues("job.created", "success")); v != 1 {
		t.Fatalf("expected one success metric, got %v", v)
	}
}

func TestAttemptUnsignedWebhookOmitsSignature(t *testing.T) {
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get(webhooks.SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t, Config{})
	hook := h.webhook(t, srv.URL, webhooks.CreateInput{Unsigned: true})
	if _, err := h.executor.Attempt(context.Background(), h.pending(t, hook, `{}`), hook); err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if sig != "" {
		t.Fatalf("expected no signature header, got %q", sig)
	}
}

func TestAttemptServerErrorSchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		io.WriteString(w, strings.Repeat("x", 20000))
	}))
	defer srv.Close()

	h := newHarness(t, Config{})
	hook := h.webhook(t, srv.URL, webhooks.CreateInput{})
	d := h.pending(t, hook, `{}`)

	before := time.Now()
	got, err := h.executor.Attempt(context.Background(), d, hook)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if got.Status != webhooks.StatusFailed || got.AttemptCount != 1 {
		t.Fatalf("unexpected delivery: %+v", got)
	}
	if got.ResponseStatus == nil || *got.ResponseStatus != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %v", got.ResponseStatus)
	}
	if got.NextRetryAt == nil {
		t.Fatalf("expected retry to be scheduled")
	}
	delay := got.NextRetryAt.Sub(before)
	if delay < 59*time.Second || delay > 61*time.Second+time.Since(before) {
		t.Fatalf("expected retry ~1m out, got %v", delay)
	}
	if got.ResponseBody == nil || len(*got.ResponseBody) != webhooks.MaxResponseBodyChars {
		t.Fatalf("expected truncated response body")
	}
	stored, _ := h.store.GetWebhook(context.Background(), hook.ID)
	if stored.FailureCount != 1 {
		t.Fatalf("expected failure count 1, got %d", stored.FailureCount)
	}
}

func TestAttemptTimeoutIsRecordedAsFailure(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	h := newHarness(t, Config{Timeout: 50 * time.Millisecond})
	hook := h.webhook(t, srv.URL, webhooks.CreateInput{})

	got, err := h.executor.Attempt(context.Background(), h.pending(t, hook, `{}`), hook)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if got.Status != webhooks.StatusFailed || got.ResponseStatus != nil {
		t.Fatalf("expected failed delivery without status, got %+v", got)
	}
	if got.ResponseBody == nil || *got.ResponseBody == "" {
		t.Fatalf("expected error message to be stored")
	}
}

func TestAttemptConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := newHarness(t, Config{})
	hook := h.webhook(t, url, webhooks.CreateInput{})
	got, err := h.executor.Attempt(context.Background(), h.pending(t, hook, `{}`), hook)
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if got.Status != webhooks.StatusFailed || got.NextRetryAt == nil {
		t.Fatalf("expected retryable failure, got %+v", got)
	}
}

func TestRetryDeliveryReusesOriginalPayload(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
		fail   = true
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		shouldFail := fail
		mu.Unlock()
		if shouldFail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t, Config{})
	hook := h.webhook(t, srv.URL, webhooks.CreateInput{})
	d := h.pending(t, hook, `{"job":{"id":"j-42"}}`)

	var err error
	for i := 0; i < webhooks.DefaultMaxAttempts; i++ {
		if d, err = h.executor.RetryDelivery(context.Background(), d.ID); err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	if !d.Terminal() || d.AttemptCount != webhooks.DefaultMaxAttempts {
		t.Fatalf("expected terminal failure after max attempts, got %+v", d)
	}

	mu.Lock()
	fail = false
	mu.Unlock()

	d, err = h.executor.RetryDelivery(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("manual retry: %v", err)
	}
	if d.Status != webhooks.StatusSuccess || d.AttemptCount != webhooks.DefaultMaxAttempts+1 {
		t.Fatalf("expected manual retry to succeed with attempt 6, got %+v", d)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, b := range bodies {
		var env Envelope
		if err := json.Unmarshal([]byte(b), &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if env.Event != "job.created" || string(env.Data) != `{"job":{"id":"j-42"}}` {
			t.Fatalf("retry changed the payload: %s", b)
		}
	}

	if _, err := h.executor.RetryDelivery(context.Background(), d.ID); !errors.Is(err, ErrAlreadyDelivered) {
		t.Fatalf("expected ErrAlreadyDelivered, got %v", err)
	}
}

func TestRetryDeliveryNotFound(t *testing.T) {
	h := newHarness(t, Config{})
	if _, err := h.executor.RetryDelivery(context.Background(), "missing"); !errors.Is(err, webhooks.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAttemptRejectsConcurrentAttemptForSameDelivery(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t, Config{})
	hook := h.webhook(t, srv.URL, webhooks.CreateInput{})
	d := h.pending(t, hook, `{}`)

	done := make(chan error, 1)
	go func() {
		_, err := h.executor.Attempt(context.Background(), d, hook)
		done <- err
	}()

	<-entered
	if _, err := h.executor.RetryDelivery(context.Background(), d.ID); !errors.Is(err, ErrAttemptInFlight) {
		t.Fatalf("expected ErrAttemptInFlight, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first attempt: %v", err)
	}
}

func TestBuildEnvelopeKeyOrder(t *testing.T) {
	body, err := BuildEnvelope("invoice.paid", time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600)), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := `{"event":"invoice.paid","timestamp":"2024-01-02T02:04:05.000Z","data":null}`
	if string(body) != want {
		t.Fatalf("expected %s, got %s", want, body)
	}
}

// heldLocker reports every key as held by another process.
type heldLocker struct{ calls int }

func (l *heldLocker) TryLock(context.Context, string, time.Duration) (Unlock, bool, error) {
	l.calls++
	return nil, false, nil
}

func countingServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	hits := new(atomic.Int32)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, hits
}

func TestRetryDeliveryHonoursCrossProcessLock(t *testing.T) {
	srv, hits := countingServer(t, http.StatusOK)
	h := newHarness(t, Config{})
	hook := h.webhook(t, srv.URL, webhooks.CreateInput{})
	d := h.pending(t, hook, `{}`)

	locker := &heldLocker{}
	locked := NewExecutor(h.registry, h.recorder, Config{}, zap.NewNop(), WithLocker(locker))
	if _, err := locked.RetryDelivery(context.Background(), d.ID); !errors.Is(err, ErrAttemptInFlight) {
		t.Fatalf("expected ErrAttemptInFlight while another process holds the lock, got %v", err)
	}
	if locker.calls != 1 || hits.Load() != 0 {
		t.Fatalf("expected one lock attempt and no request, got calls=%d hits=%d", locker.calls, hits.Load())
	}
}

func TestAttemptWithStaleDeliveryIsRejected(t *testing.T) {
	srv, hits := countingServer(t, http.StatusBadGateway)
	h := newHarness(t, Config{})
	hook := h.webhook(t, srv.URL, webhooks.CreateInput{})
	stale := h.pending(t, hook, `{}`)

	if _, err := h.executor.Attempt(context.Background(), stale, hook); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	// A second process still holding the row as it was before attempt 1.
	other := NewExecutor(h.registry, h.recorder, Config{}, zap.NewNop())
	if _, err := other.Attempt(context.Background(), stale, hook); !errors.Is(err, ErrAttemptInFlight) {
		t.Fatalf("expected stale attempt to be rejected, got %v", err)
	}

	got, _ := h.recorder.Get(context.Background(), stale.ID)
	if got.AttemptCount != 1 || hits.Load() != 1 {
		t.Fatalf("expected one recorded attempt and one request, got attempts=%d hits=%d", got.AttemptCount, hits.Load())
	}
}

func TestRetryDueSkipsDeliveryThatIsNoLongerDue(t *testing.T) {
	srv, hits := countingServer(t, http.StatusInternalServerError)
	h := newHarness(t, Config{})
	hook := h.webhook(t, srv.URL, webhooks.CreateInput{})
	d := h.pending(t, hook, `{}`)
	ctx := context.Background()

	failed, err := h.executor.Attempt(ctx, d, hook)
	if err != nil || failed.NextRetryAt == nil {
		t.Fatalf("first attempt: %v %+v", err, failed)
	}

	if _, err := h.executor.RetryDue(ctx, d.ID, failed.NextRetryAt.Add(-time.Second)); !errors.Is(err, ErrNotDue) {
		t.Fatalf("expected ErrNotDue before next_retry_at, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("early retry sent a request")
	}

	got, err := h.executor.RetryDue(ctx, d.ID, *failed.NextRetryAt)
	if err != nil || got.AttemptCount != 2 {
		t.Fatalf("expected attempt 2 once due, got %+v (%v)", got, err)
	}

	for got.NextRetryAt != nil {
		if got, err = h.executor.RetryDue(ctx, d.ID, *got.NextRetryAt); err != nil {
			t.Fatalf("retry: %v", err)
		}
	}
	if !got.Terminal() || got.AttemptCount != webhooks.DefaultMaxAttempts {
		t.Fatalf("expected terminal failure at the cap, got %+v", got)
	}
	if _, err := h.executor.RetryDue(ctx, d.ID, time.Now().Add(24*time.Hour)); !errors.Is(err, ErrNotDue) {
		t.Fatalf("terminal delivery must not be retried automatically, got %v", err)
	}
	if hits.Load() != int32(webhooks.DefaultMaxAttempts) {
		t.Fatalf("expected %d requests, got %d", webhooks.DefaultMaxAttempts, hits.Load())
	}
}
