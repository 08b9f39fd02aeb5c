package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const tenantHeader = "X-Tenant-ID"

// Client is a client for the webhook management API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	TenantID   string
}

// Config holds configuration for the client.
type Config struct {
	BaseURL  string
	TenantID string
	Timeout  time.Duration
}

// New creates a new Client. The default timeout leaves room for a
// synchronous retry, which may take up to the 30s delivery timeout.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		TenantID:   cfg.TenantID,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 APIError.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type Webhook struct {
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

type Delivery struct {
	ID             string          `json:"id"`
	WebhookID      string          `json:"webhook_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	ResponseBody   *string         `json:"response_body,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type CreateWebhookRequest struct {
	Name     string            `json:"name"`
	URL      string            `json:"url"`
	Events   []string          `json:"events"`
	Secret   *string           `json:"secret,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Filter   string            `json:"filter,omitempty"`
	Unsigned bool              `json:"unsigned,omitempty"`
}

func (c *Client) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	var res struct {
		Webhooks []Webhook `json:"webhooks"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/webhooks", nil, &res); err != nil {
		return nil, err
	}
	return res.Webhooks, nil
}

func (c *Client) GetWebhook(ctx context.Context, id string) (Webhook, error) {
	var w Webhook
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/webhooks/"+url.PathEscape(id), nil, &w)
	return w, err
}

func (c *Client) CreateWebhook(ctx context.Context, req CreateWebhookRequest) (Webhook, error) {
	var w Webhook
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/webhooks", req, &w)
	return w, err
}

func (c *Client) DeleteWebhook(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodDelete, "/api/v1/webhooks/"+url.PathEscape(id), nil, nil)
}

func (c *Client) RotateSecret(ctx context.Context, id string) (Webhook, error) {
	var w Webhook
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/webhooks/"+url.PathEscape(id)+"/rotate-secret", nil, &w)
	return w, err
}

// ListDeliveries returns the newest deliveries of a webhook. A limit of 0
// uses the server default.
func (c *Client) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]Delivery, error) {
	path := "/api/v1/webhooks/" + url.PathEscape(webhookID) + "/deliveries"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var res struct {
		Deliveries []Delivery `json:"deliveries"`
	}
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Deliveries, nil
}

func (c *Client) GetDelivery(ctx context.Context, id string) (Delivery, error) {
	var d Delivery
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/deliveries/"+url.PathEscape(id), nil, &d)
	return d, err
}

// RetryDelivery forces a new attempt and returns the updated delivery.
func (c *Client) RetryDelivery(ctx context.Context, id string) (Delivery, error) {
	var d Delivery
	err := c.doRequest(ctx, http.MethodPost, "/api/v1/deliveries/"+url.PathEscape(id)+"/retry", nil, &d)
	return d, err
}

// TriggerEvent asks the service to publish an event; delivery happens in
// the background.
func (c *Client) TriggerEvent(ctx context.Context, eventType string, payload json.RawMessage) error {
	body := map[string]interface{}{"event": eventType}
	if len(payload) > 0 {
		body["payload"] = payload
	}
	return c.doRequest(ctx, http.MethodPost, "/api/v1/events", body, nil)
}

func (c *Client) EventTypes(ctx context.Context) ([]string, error) {
	var res struct {
		EventTypes []string `json:"event_types"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/event-types", nil, &res); err != nil {
		return nil, err
	}
	return res.EventTypes, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.TenantID != "" {
		req.Header.Set(tenantHeader, c.TenantID)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
