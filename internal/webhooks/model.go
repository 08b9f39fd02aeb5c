package webhooks

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// DeliveryStatus is the lifecycle state of a Delivery.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSuccess DeliveryStatus = "success"
	StatusFailed  DeliveryStatus = "failed"
)

// Webhook represents a tenant's subscription to one or more event types.
type Webhook struct {
	ID              string         `json:"id" db:"id"`
	TenantID        string         `json:"tenant_id" db:"tenant_id"`
	Name            string         `json:"name" db:"name"`
	URL             string         `json:"url" db:"url"`
	Events          pq.StringArray `json:"events" db:"events"`
	Secret          *string        `json:"-" db:"secret"`
	Headers         Headers        `json:"headers" db:"headers"`
	Filter          string         `json:"filter,omitempty" db:"filter"`
	Active          bool           `json:"active" db:"active"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at,omitempty" db:"last_triggered_at"`
	FailureCount    int            `json:"failure_count" db:"failure_count"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

// Subscribes reports whether the webhook lists eventType.
func (w Webhook) Subscribes(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// HasSecret reports whether deliveries to this webhook are signed.
func (w Webhook) HasSecret() bool {
	return w.Secret != nil
}

// Delivery is one logical notification of an event to one webhook. It may
// span several attempts.
type Delivery struct {
	ID             string          `json:"id" db:"id"`
	WebhookID      string          `json:"webhook_id" db:"webhook_id"`
	TenantID       string          `json:"tenant_id" db:"tenant_id"`
	EventType      string          `json:"event_type" db:"event_type"`
	Payload        json.RawMessage `json:"payload" db:"payload"`
	Status         DeliveryStatus  `json:"status" db:"status"`
	ResponseStatus *int            `json:"response_status,omitempty" db:"response_status"`
	ResponseBody   *string         `json:"response_body,omitempty" db:"response_body"`
	AttemptCount   int             `json:"attempt_count" db:"attempt_count"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty" db:"delivered_at"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty" db:"next_retry_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// Terminal reports whether the delivery failed and will not be retried
// automatically.
func (d Delivery) Terminal() bool {
	return d.Status == StatusFailed && d.NextRetryAt == nil
}

// Due reports whether the sweeper should attempt d at now. Pending rows
// become due once their recovery deadline passes.
func (d Delivery) Due(now time.Time) bool {
	if d.Status == StatusSuccess || d.NextRetryAt == nil {
		return false
	}
	return !d.NextRetryAt.After(now)
}

// DeliveryUpdate carries the columns written after an attempt.
type DeliveryUpdate struct {
	Status         DeliveryStatus
	ResponseStatus *int
	ResponseBody   *string
	AttemptCount   int
	DeliveredAt    *time.Time
	NextRetryAt    *time.Time
	UpdatedAt      time.Time
}

// AttemptOutcome describes the result of a single HTTP attempt.
type AttemptOutcome struct {
	Success bool
	// StatusCode is nil when no response was received.
	StatusCode *int
	// Body is the response body, or the transport error message.
	Body    string
	Attempt int
}

// CreateInput holds the fields accepted when registering a webhook.
type CreateInput struct {
	Name    string            `json:"name" validate:"required,max=255"`
	URL     string            `json:"url" validate:"required,url,max=2048"`
	Events  []string          `json:"events" validate:"required,min=1,dive,required"`
	Secret  *string           `json:"secret,omitempty" validate:"omitempty,min=8,max=255"`
	Headers map[string]string `json:"headers,omitempty"`
	Filter  string            `json:"filter,omitempty" validate:"max=1024"`
	Active  *bool             `json:"active,omitempty"`
	// Unsigned skips secret generation when Secret is nil.
	Unsigned bool `json:"unsigned,omitempty"`
}

// UpdateInput holds a partial update. Nil fields are left unchanged.
type UpdateInput struct {
	Name    *string           `json:"name,omitempty" validate:"omitempty,min=1,max=255"`
	URL     *string           `json:"url,omitempty" validate:"omitempty,url,max=2048"`
	Events  []string          `json:"events,omitempty" validate:"omitempty,dive,required"`
	Secret  *string           `json:"secret,omitempty" validate:"omitempty,min=8,max=255"`
	Headers map[string]string `json:"headers,omitempty"`
	Filter  *string           `json:"filter,omitempty" validate:"omitempty,max=1024"`
	Active  *bool             `json:"active,omitempty"`
}

// Headers is a set of custom HTTP headers persisted as JSONB.
type Headers map[string]string

// Value implements driver.Valuer.
func (h Headers) Value() (driver.Value, error) {
	if h == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(h))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (h *Headers) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*h = Headers{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("headers: unsupported scan type %T", src)
	}
	m := map[string]string{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("headers: %w", err)
	}
	*h = m
	return nil
}
