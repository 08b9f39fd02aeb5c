package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/markahope-aag/hazardos-webhooks/internal/webhooks"
	"github.com/markahope-aag/hazardos-webhooks/pkg/observability"
)

const (
	// DefaultTimeout bounds a single delivery attempt.
	DefaultTimeout = 30 * time.Second
	// DefaultUserAgent identifies outbound requests.
	DefaultUserAgent = "hazardos-webhooks/1.0"

	maxResponseBytes = 64 << 10

	headerEvent    = "X-Webhook-Event"
	headerDelivery = "X-Webhook-Delivery"
)

// Config tunes outbound requests.
type Config struct {
	Timeout   time.Duration
	UserAgent string
	// LockTTL bounds how long a retry holds the cross-process lock. It
	// must exceed Timeout; it defaults to twice Timeout.
	LockTTL time.Duration
}

// Executor performs single delivery attempts and records their outcome.
type Executor struct {
	registry *webhooks.Registry
	recorder *webhooks.Recorder
	client   *http.Client
	cfg      Config
	metrics  *observability.Metrics
	locker   Locker
	tracer   trace.Tracer
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient replaces the default HTTP client. The per-attempt timeout
// is still enforced through the request context.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithMetrics records attempt counts and latencies on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithLocker serializes retries of one delivery across processes.
func WithLocker(l Locker) Option {
	return func(e *Executor) {
		if l != nil {
			e.locker = l
		}
	}
}

// WithClock overrides the envelope timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor creates an Executor.
func NewExecutor(registry *webhooks.Registry, recorder *webhooks.Recorder, cfg Config, logger *zap.Logger, opts ...Option) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.Timeout
	}
	e := &Executor{
		registry: registry,
		recorder: recorder,
		client:   &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		locker:   NoopLocker{},
		tracer:   otel.Tracer("github.com/markahope-aag/hazardos-webhooks/internal/delivery"),
		logger:   logger,
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attempt performs exactly one HTTP delivery of d to w and persists the
// outcome. Transport failures are recorded on the delivery, not returned;
// the error is non-nil when the outcome could not be persisted, or is
// ErrAttemptInFlight when d is stale because another attempt got there first.
func (e *Executor) Attempt(ctx context.Context, d webhooks.Delivery, w webhooks.Webhook) (webhooks.Delivery, error) {
	if d.WebhookID != w.ID {
		return d, fmt.Errorf("attempt delivery %s: webhook %s does not own it", d.ID, w.ID)
	}
	if !e.acquire(d.ID) {
		return d, ErrAttemptInFlight
	}
	defer e.release(d.ID)
	return e.attempt(ctx, d, w)
}

// attempt claims the next attempt number of d, sends, and records. The
// caller holds the in-process guard for d.
func (e *Executor) attempt(ctx context.Context, d webhooks.Delivery, w webhooks.Webhook) (webhooks.Delivery, error) {
	claimed, err := e.recorder.ClaimAttempt(ctx, d)
	if err != nil {
		if errors.Is(err, webhooks.ErrAttemptConflict) {
			return d, ErrAttemptInFlight
		}
		return d, fmt.Errorf("claim attempt for delivery %s: %w", d.ID, err)
	}
	d = claimed
	attempt := d.AttemptCount

	ctx, span := e.tracer.Start(ctx, "webhook.attempt", trace.WithAttributes(
		attribute.String("webhook.id", w.ID),
		attribute.String("webhook.delivery_id", d.ID),
		attribute.String("webhook.event", d.EventType),
		attribute.Int("webhook.attempt", attempt),
	))
	defer span.End()

	start := time.Now()
	outcome := e.send(ctx, d, w)
	outcome.Attempt = attempt
	elapsed := time.Since(start)

	result := "failure"
	if outcome.Success {
		result = "success"
	}
	if e.metrics != nil {
		e.metrics.DeliveryAttempts.WithLabelValues(d.EventType, result).Inc()
		e.metrics.DeliveryDuration.WithLabelValues(d.EventType, result).Observe(elapsed.Seconds())
	}
	if outcome.StatusCode != nil {
		span.SetAttributes(attribute.Int("http.response.status_code", *outcome.StatusCode))
	}

	updated, err := e.recorder.RecordAttemptResult(ctx, d.ID, outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record attempt")
		return d, fmt.Errorf("record attempt for delivery %s: %w", d.ID, err)
	}
	if err := e.registry.RecordOutcome(ctx, w.ID, outcome.Success); err != nil {
		span.RecordError(err)
		return updated, fmt.Errorf("record outcome for webhook %s: %w", w.ID, err)
	}

	fields := []zap.Field{
		zap.String("delivery_id", d.ID),
		zap.String("webhook_id", w.ID),
		zap.String("event_type", d.EventType),
		zap.Int("attempt", attempt),
		zap.Duration("elapsed", elapsed),
	}
	if outcome.StatusCode != nil {
		fields = append(fields, zap.Int("status", *outcome.StatusCode))
	}
	switch {
	case outcome.Success:
		e.logger.Info("Webhook delivered", fields...)
	case updated.Terminal():
		span.SetStatus(codes.Error, "delivery failed permanently")
		e.logger.Warn("Webhook delivery failed permanently", fields...)
	default:
		span.SetStatus(codes.Error, "delivery failed")
		e.logger.Warn("Webhook delivery failed, retry scheduled",
			append(fields, zap.Timep("next_retry_at", updated.NextRetryAt))...)
	}
	return updated, nil
}

// RetryDelivery re-attempts a stored delivery with its original event type
// and payload, regardless of next_retry_at.
func (e *Executor) RetryDelivery(ctx context.Context, deliveryID string) (webhooks.Delivery, error) {
	return e.retry(ctx, deliveryID, nil)
}

// RetryDue re-attempts a delivery only if, once locked, it is still due at
// now and has attempts left. It returns ErrNotDue otherwise, which covers
// rows another sweeper handled after they were listed.
func (e *Executor) RetryDue(ctx context.Context, deliveryID string, now time.Time) (webhooks.Delivery, error) {
	policy := e.recorder.Policy()
	return e.retry(ctx, deliveryID, func(d webhooks.Delivery) bool {
		return d.Due(now) && !policy.Exhausted(d.AttemptCount)
	})
}

// retry locks the delivery, reloads it, and attempts it when eligible
// accepts the fresh row. A nil eligible accepts any unsucceeded row.
func (e *Executor) retry(ctx context.Context, deliveryID string, eligible func(webhooks.Delivery) bool) (webhooks.Delivery, error) {
	if !e.acquire(deliveryID) {
		return webhooks.Delivery{}, ErrAttemptInFlight
	}
	defer e.release(deliveryID)

	unlock, ok, err := e.locker.TryLock(ctx, deliveryID, e.cfg.LockTTL)
	if err != nil {
		return webhooks.Delivery{}, fmt.Errorf("lock delivery %s: %w", deliveryID, err)
	}
	if !ok {
		return webhooks.Delivery{}, ErrAttemptInFlight
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("Failed to release delivery lock", zap.String("delivery_id", deliveryID), zap.Error(err))
		}
	}()

	// Read only after locking so a concurrent attempt is always observed.
	d, err := e.recorder.Get(ctx, deliveryID)
	if err != nil {
		return webhooks.Delivery{}, err
	}
	if d.Status == webhooks.StatusSuccess {
		return d, ErrAlreadyDelivered
	}
	if eligible != nil && !eligible(d) {
		return d, ErrNotDue
	}
	w, err := e.registry.Get(ctx, d.WebhookID)
	if err != nil {
		return d, fmt.Errorf("load webhook %s: %w", d.WebhookID, err)
	}
	return e.attempt(ctx, d, w)
}

// send issues the POST and classifies the result. It never returns an
// error; failures are folded into the outcome.
func (e *Executor) send(ctx context.Context, d webhooks.Delivery, w webhooks.Webhook) webhooks.AttemptOutcome {
	body, err := BuildEnvelope(d.EventType, e.now(), d.Payload)
	if err != nil {
		return webhooks.AttemptOutcome{Body: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return webhooks.AttemptOutcome{Body: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, d.EventType)
	req.Header.Set(headerDelivery, d.ID)
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	for name, value := range w.Headers {
		req.Header.Set(name, value)
	}
	// Set last so a custom header can never replace it.
	if w.HasSecret() {
		req.Header.Set(webhooks.SignatureHeader, webhooks.SignatureHeaderValue(*w.Secret, body))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return webhooks.AttemptOutcome{Body: err.Error()}
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	status := resp.StatusCode
	text := string(respBody)
	if readErr != nil && text == "" {
		text = fmt.Sprintf("read response: %v", readErr)
	}
	return webhooks.AttemptOutcome{
		Success:    status >= 200 && status < 300,
		StatusCode: &status,
		Body:       text,
	}
}

func (e *Executor) acquire(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[id]; busy {
		return false
	}
	e.inFlight[id] = struct{}{}
	return true
}

func (e *Executor) release(id string) {
	e.mu.Lock()
	delete(e.inFlight, id)
	e.mu.Unlock()
}
