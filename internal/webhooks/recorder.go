package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// MaxResponseBodyChars bounds the stored response body or error text.
	MaxResponseBodyChars = 10000

	defaultListLimit = 50
	maxListLimit     = 500
)

// Recorder creates delivery rows and records the outcome of each attempt.
type Recorder struct {
	store  Store
	policy RetryPolicy
	now    func() time.Time
}

// NewRecorder creates a Recorder that schedules retries with policy.
func NewRecorder(store Store, policy RetryPolicy) *Recorder {
	return &Recorder{
		store:  store,
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Policy returns the retry policy used to compute next_retry_at.
func (r *Recorder) Policy() RetryPolicy {
	return r.policy
}

// CreatePending inserts a pending delivery of payload to webhookID. Its
// next_retry_at is a recovery deadline: if no outcome is recorded by then
// the sweeper attempts it.
func (r *Recorder) CreatePending(ctx context.Context, webhookID, tenantID, eventType string, payload json.RawMessage) (Delivery, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return Delivery{}, fmt.Errorf("create pending delivery: payload is not valid JSON")
	}
	recoverAt := r.now().Add(r.policy.recoveryDelay())
	return r.store.CreateDelivery(ctx, Delivery{
		WebhookID:   webhookID,
		TenantID:    tenantID,
		EventType:   eventType,
		Payload:     payload,
		Status:      StatusPending,
		NextRetryAt: &recoverAt,
	})
}

// ClaimAttempt reserves the next attempt number of d. It fails with
// ErrAttemptConflict when the stored row no longer matches d, which means
// another process attempted it since d was read.
func (r *Recorder) ClaimAttempt(ctx context.Context, d Delivery) (Delivery, error) {
	return r.store.ClaimDeliveryAttempt(ctx, d.ID, d.AttemptCount, r.now())
}

// RecordAttemptResult persists the outcome of attempt number
// outcome.Attempt and schedules the next retry when the budget allows.
func (r *Recorder) RecordAttemptResult(ctx context.Context, deliveryID string, outcome AttemptOutcome) (Delivery, error) {
	if outcome.Attempt < 1 {
		return Delivery{}, fmt.Errorf("record attempt: invalid attempt number %d", outcome.Attempt)
	}
	now := r.now()
	upd := DeliveryUpdate{
		ResponseStatus: outcome.StatusCode,
		AttemptCount:   outcome.Attempt,
		UpdatedAt:      now,
	}
	if body := Truncate(sanitizeText(outcome.Body), MaxResponseBodyChars); body != "" {
		upd.ResponseBody = &body
	}
	if outcome.Success {
		upd.Status = StatusSuccess
		upd.DeliveredAt = &now
	} else {
		upd.Status = StatusFailed
		if delay, ok := r.policy.NextDelay(outcome.Attempt); ok {
			next := now.Add(delay)
			upd.NextRetryAt = &next
		}
	}
	return r.store.UpdateDelivery(ctx, deliveryID, upd)
}

// ListForWebhook returns the newest deliveries for webhookID.
func (r *Recorder) ListForWebhook(ctx context.Context, webhookID string, limit int) ([]Delivery, error) {
	return r.store.ListDeliveries(ctx, webhookID, clampLimit(limit))
}

func (r *Recorder) Get(ctx context.Context, deliveryID string) (Delivery, error) {
	return r.store.GetDelivery(ctx, deliveryID)
}

// ListDue returns deliveries whose retry or recovery time is not after now
// and whose attempt budget is not spent, oldest first.
func (r *Recorder) ListDue(ctx context.Context, now time.Time, limit int) ([]Delivery, error) {
	return r.store.ListDueDeliveries(ctx, now, r.policy.maxAttempts(), clampLimit(limit))
}

// Truncate shortens s to at most max runes.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}

// sanitizeText makes s storable in a Postgres TEXT column.
func sanitizeText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
