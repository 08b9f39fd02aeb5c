package api

import (
	"encoding/json"
	"time"

	"github.com/markahope-aag/hazardos-webhooks/internal/webhooks"
)

// WebhookResponse is the API view of a webhook. The secret is only
// included right after it was created or rotated.
type WebhookResponse struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	Events          []string          `json:"events"`
	Headers         map[string]string `json:"headers"`
	Filter          string            `json:"filter,omitempty"`
	Active          bool              `json:"active"`
	HasSecret       bool              `json:"has_secret"`
	Secret          string            `json:"secret,omitempty"`
	LastTriggeredAt *time.Time        `json:"last_triggered_at,omitempty"`
	FailureCount    int               `json:"failure_count"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

func newWebhookResponse(w webhooks.Webhook, revealSecret bool) WebhookResponse {
	headers := map[string]string(w.Headers)
	if headers == nil {
		headers = map[string]string{}
	}
	resp := WebhookResponse{
		ID:              w.ID,
		TenantID:        w.TenantID,
		Name:            w.Name,
		URL:             w.URL,
		Events:          []string(w.Events),
		Headers:         headers,
		Filter:          w.Filter,
		Active:          w.Active,
		HasSecret:       w.HasSecret(),
		LastTriggeredAt: w.LastTriggeredAt,
		FailureCount:    w.FailureCount,
		CreatedAt:       w.CreatedAt,
		UpdatedAt:       w.UpdatedAt,
	}
	if revealSecret && w.HasSecret() {
		resp.Secret = *w.Secret
	}
	return resp
}

type triggerEventRequest struct {
	Event   string          `json:"event" binding:"required"`
	Payload json.RawMessage `json:"payload"`
}
