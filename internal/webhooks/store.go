package webhooks

import (
	"context"
	"time"
)

// Store persists webhooks and their deliveries.
type Store interface {
	ListWebhooks(ctx context.Context, tenantID string) ([]Webhook, error)
	GetWebhook(ctx context.Context, id string) (Webhook, error)
	CreateWebhook(ctx context.Context, w Webhook) (Webhook, error)
	UpdateWebhook(ctx context.Context, w Webhook) (Webhook, error)
	// DeleteWebhook removes the webhook and its delivery history.
	DeleteWebhook(ctx context.Context, id string) error
	FindActiveSubscribers(ctx context.Context, tenantID, eventType string) ([]Webhook, error)
	MarkWebhookSucceeded(ctx context.Context, id string, at time.Time) error
	MarkWebhookFailed(ctx context.Context, id string) error

	CreateDelivery(ctx context.Context, d Delivery) (Delivery, error)
	UpdateDelivery(ctx context.Context, id string, upd DeliveryUpdate) (Delivery, error)
	// ClaimDeliveryAttempt increments attempt_count only if it still equals
	// expected and the delivery has not succeeded; otherwise it returns
	// ErrAttemptConflict.
	ClaimDeliveryAttempt(ctx context.Context, id string, expected int, at time.Time) (Delivery, error)
	GetDelivery(ctx context.Context, id string) (Delivery, error)
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]Delivery, error)
	// ListDueDeliveries returns unsucceeded rows with next_retry_at <= now and
	// fewer than maxAttempts attempts, oldest deadline first.
	ListDueDeliveries(ctx context.Context, now time.Time, maxAttempts, limit int) ([]Delivery, error)
}
