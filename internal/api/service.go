package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/markahope-aag/hazardos-webhooks/internal/delivery"
	"github.com/markahope-aag/hazardos-webhooks/internal/events"
	"github.com/markahope-aag/hazardos-webhooks/internal/webhooks"
)

// Service is the tenant-scoped management surface behind the HTTP API.
type Service interface {
	ListWebhooks(ctx context.Context, tenantID string) ([]webhooks.Webhook, error)
	GetWebhook(ctx context.Context, tenantID, id string) (webhooks.Webhook, error)
	CreateWebhook(ctx context.Context, tenantID string, input webhooks.CreateInput) (webhooks.Webhook, error)
	UpdateWebhook(ctx context.Context, tenantID, id string, input webhooks.UpdateInput) (webhooks.Webhook, error)
	DeleteWebhook(ctx context.Context, tenantID, id string) error
	RotateSecret(ctx context.Context, tenantID, id string) (webhooks.Webhook, error)
	ListDeliveries(ctx context.Context, tenantID, webhookID string, limit int) ([]webhooks.Delivery, error)
	GetDelivery(ctx context.Context, tenantID, id string) (webhooks.Delivery, error)
	RetryDelivery(ctx context.Context, tenantID, id string) (webhooks.Delivery, error)
	TriggerEvent(ctx context.Context, tenantID, eventType string, payload json.RawMessage) error
	EventTypes() []string
}

type service struct {
	registry   *webhooks.Registry
	recorder   *webhooks.Recorder
	executor   *delivery.Executor
	dispatcher *events.Dispatcher
}

// NewService wires the registry, recorder, executor and dispatcher into a
// Service. Records belonging to another tenant are reported as not found.
func NewService(registry *webhooks.Registry, recorder *webhooks.Recorder, executor *delivery.Executor, dispatcher *events.Dispatcher) Service {
	return &service{registry: registry, recorder: recorder, executor: executor, dispatcher: dispatcher}
}

func (s *service) ListWebhooks(ctx context.Context, tenantID string) ([]webhooks.Webhook, error) {
	return s.registry.List(ctx, tenantID)
}

func (s *service) GetWebhook(ctx context.Context, tenantID, id string) (webhooks.Webhook, error) {
	w, err := s.registry.Get(ctx, id)
	if err != nil {
		return webhooks.Webhook{}, err
	}
	if w.TenantID != tenantID {
		return webhooks.Webhook{}, webhooks.ErrNotFound
	}
	return w, nil
}

func (s *service) CreateWebhook(ctx context.Context, tenantID string, input webhooks.CreateInput) (webhooks.Webhook, error) {
	return s.registry.Create(ctx, tenantID, input)
}

func (s *service) UpdateWebhook(ctx context.Context, tenantID, id string, input webhooks.UpdateInput) (webhooks.Webhook, error) {
	if _, err := s.GetWebhook(ctx, tenantID, id); err != nil {
		return webhooks.Webhook{}, err
	}
	return s.registry.Update(ctx, id, input)
}

func (s *service) DeleteWebhook(ctx context.Context, tenantID, id string) error {
	if _, err := s.GetWebhook(ctx, tenantID, id); err != nil {
		return err
	}
	return s.registry.Delete(ctx, id)
}

func (s *service) RotateSecret(ctx context.Context, tenantID, id string) (webhooks.Webhook, error) {
	if _, err := s.GetWebhook(ctx, tenantID, id); err != nil {
		return webhooks.Webhook{}, err
	}
	return s.registry.RotateSecret(ctx, id)
}

func (s *service) ListDeliveries(ctx context.Context, tenantID, webhookID string, limit int) ([]webhooks.Delivery, error) {
	if _, err := s.GetWebhook(ctx, tenantID, webhookID); err != nil {
		return nil, err
	}
	return s.recorder.ListForWebhook(ctx, webhookID, limit)
}

func (s *service) GetDelivery(ctx context.Context, tenantID, id string) (webhooks.Delivery, error) {
	d, err := s.recorder.Get(ctx, id)
	if err != nil {
		return webhooks.Delivery{}, err
	}
	if d.TenantID != tenantID {
		return webhooks.Delivery{}, webhooks.ErrNotFound
	}
	return d, nil
}

func (s *service) RetryDelivery(ctx context.Context, tenantID, id string) (webhooks.Delivery, error) {
	if _, err := s.GetDelivery(ctx, tenantID, id); err != nil {
		return webhooks.Delivery{}, err
	}
	return s.executor.RetryDelivery(ctx, id)
}

// TriggerEvent validates the event type and publishes it in the background.
func (s *service) TriggerEvent(ctx context.Context, tenantID, eventType string, payload json.RawMessage) error {
	if !s.registry.Catalog().Known(eventType) {
		return &webhooks.ValidationError{Field: "event", Message: fmt.Sprintf("unknown event type %q", eventType)}
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return &webhooks.ValidationError{Field: "payload", Message: "must be valid JSON"}
	}
	s.dispatcher.Publish(ctx, tenantID, eventType, payload)
	return nil
}

func (s *service) EventTypes() []string {
	return s.registry.Catalog().List()
}
