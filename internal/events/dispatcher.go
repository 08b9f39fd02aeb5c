package events

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/markahope-aag/hazardos-webhooks/internal/webhooks"
	"github.com/markahope-aag/hazardos-webhooks/pkg/observability"
)

// DefaultMaxConcurrency caps concurrent first attempts per triggered event.
const DefaultMaxConcurrency = 16

// Attempter performs one delivery attempt. *delivery.Executor satisfies it.
type Attempter interface {
	Attempt(ctx context.Context, d webhooks.Delivery, w webhooks.Webhook) (webhooks.Delivery, error)
}

// Dispatcher fans a domain event out to every subscribed webhook.
type Dispatcher struct {
	registry       *webhooks.Registry
	recorder       *webhooks.Recorder
	attempter      Attempter
	filters        *webhooks.FilterCache
	logger         *zap.Logger
	metrics        *observability.Metrics
	tracer         trace.Tracer
	maxConcurrency int
	wg             sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxConcurrency bounds the number of webhooks notified in parallel.
func WithMaxConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxConcurrency = n
		}
	}
}

// WithMetrics records the fan-out size of every trigger.
func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a new event dispatcher.
func NewDispatcher(registry *webhooks.Registry, recorder *webhooks.Recorder, attempter Attempter, logger *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:       registry,
		recorder:       recorder,
		attempter:      attempter,
		filters:        webhooks.NewFilterCache(),
		logger:         logger,
		tracer:         otel.Tracer("github.com/markahope-aag/hazardos-webhooks/internal/events"),
		maxConcurrency: DefaultMaxConcurrency,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Trigger notifies every active webhook of tenantID subscribed to
// eventType and returns the deliveries it created, in no particular order.
// Only the first attempt runs here; retries belong to the sweeper. Failures
// of individual webhooks are logged and never reach the caller.
func (d *Dispatcher) Trigger(ctx context.Context, tenantID, eventType string, payload interface{}) []webhooks.Delivery {
	ctx, span := d.tracer.Start(ctx, "webhook.trigger", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("webhook.event", eventType),
	))
	defer span.End()

	data, err := marshalPayload(payload)
	if err != nil {
		d.logger.Error("Failed to marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		return nil
	}

	hooks, err := d.registry.FindActiveSubscribers(ctx, tenantID, eventType)
	if err != nil {
		d.logger.Error("Failed to fetch webhooks for event",
			zap.String("tenant_id", tenantID), zap.String("event_type", eventType), zap.Error(err))
		return nil
	}
	hooks = d.applyFilters(hooks, eventType, data)
	span.SetAttributes(attribute.Int("webhook.fanout", len(hooks)))
	if d.metrics != nil {
		d.metrics.DispatchFanout.Observe(float64(len(hooks)))
	}
	if len(hooks) == 0 {
		return nil
	}

	d.logger.Info("Dispatching event",
		zap.String("tenant_id", tenantID), zap.String("event_type", eventType), zap.Int("webhooks", len(hooks)))

	var (
		mu         sync.Mutex
		deliveries = make([]webhooks.Delivery, 0, len(hooks))
		wg         sync.WaitGroup
		sem        = make(chan struct{}, d.maxConcurrency)
	)
	for _, hook := range hooks {
		wg.Add(1)
		go func(hook webhooks.Webhook) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if delivery, ok := d.deliver(ctx, hook, eventType, data); ok {
				mu.Lock()
				deliveries = append(deliveries, delivery)
				mu.Unlock()
			}
		}(hook)
	}
	wg.Wait()
	return deliveries
}

// Publish runs Trigger in the background on a context detached from ctx's
// cancellation, so the caller's request can finish first.
func (d *Dispatcher) Publish(ctx context.Context, tenantID, eventType string, payload interface{}) {
	detached := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Trigger(detached, tenantID, eventType, payload)
	}()
}

// Wait blocks until every Publish started so far has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// deliver records and attempts one webhook. It reports false when no
// delivery row could be created.
func (d *Dispatcher) deliver(ctx context.Context, hook webhooks.Webhook, eventType string, data json.RawMessage) (result webhooks.Delivery, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Recovered from panic while delivering webhook",
				zap.String("webhook_id", hook.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	pending, err := d.recorder.CreatePending(ctx, hook.ID, hook.TenantID, eventType, data)
	if err != nil {
		d.logger.Error("Failed to create delivery record",
			zap.String("webhook_id", hook.ID), zap.String("event_type", eventType), zap.Error(err))
		return webhooks.Delivery{}, false
	}
	result, ok = pending, true

	attempted, err := d.attempter.Attempt(ctx, pending, hook)
	if err != nil {
		d.logger.Error("Webhook delivery attempt could not be recorded",
			zap.String("webhook_id", hook.ID), zap.String("delivery_id", pending.ID), zap.Error(err))
		return result, ok
	}
	return attempted, true
}

func (d *Dispatcher) applyFilters(hooks []webhooks.Webhook, eventType string, data json.RawMessage) []webhooks.Webhook {
	var decoded interface{}
	decodedOnce := false

	out := make([]webhooks.Webhook, 0, len(hooks))
	for _, hook := range hooks {
		if hook.Filter == "" {
			out = append(out, hook)
			continue
		}
		if !decodedOnce {
			if err := json.Unmarshal(data, &decoded); err != nil {
				decoded = nil
			}
			decodedOnce = true
		}
		matched, err := d.filters.Match(hook, eventType, decoded)
		if err != nil {
			d.logger.Warn("Skipping webhook with failing filter",
				zap.String("webhook_id", hook.ID), zap.String("filter", hook.Filter), zap.Error(err))
			continue
		}
		if matched {
			out = append(out, hook)
		}
	}
	return out
}

// marshalPayload encodes payload once. A missing payload, including an
// empty json.RawMessage, is sent as null.
func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return b, nil
}
