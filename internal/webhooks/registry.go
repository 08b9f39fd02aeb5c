package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/net/http/httpguts"
)

// Registry manages webhook subscriptions.
type Registry struct {
	store    Store
	catalog  *Catalog
	validate *validator.Validate
	now      func() time.Time
}

// NewRegistry creates a Registry. A nil catalog means the default
// vocabulary.
func NewRegistry(store Store, catalog *Catalog) *Registry {
	if catalog == nil {
		catalog = NewCatalog()
	}
	return &Registry{
		store:    store,
		catalog:  catalog,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Catalog returns the event vocabulary the registry validates against.
func (r *Registry) Catalog() *Catalog {
	return r.catalog
}

func (r *Registry) List(ctx context.Context, tenantID string) ([]Webhook, error) {
	return r.store.ListWebhooks(ctx, tenantID)
}

func (r *Registry) Get(ctx context.Context, id string) (Webhook, error) {
	return r.store.GetWebhook(ctx, id)
}

// Create validates input and registers a webhook for tenantID. A secret is
// generated unless one is supplied or input.Unsigned is set.
func (r *Registry) Create(ctx context.Context, tenantID string, input CreateInput) (Webhook, error) {
	if strings.TrimSpace(tenantID) == "" {
		return Webhook{}, validationError("tenant_id", "is required")
	}
	if err := r.validateStruct(input); err != nil {
		return Webhook{}, err
	}

	w := Webhook{
		TenantID: tenantID,
		Name:     strings.TrimSpace(input.Name),
		URL:      strings.TrimSpace(input.URL),
		Events:   normalizeEvents(input.Events),
		Headers:  Headers(input.Headers),
		Filter:   strings.TrimSpace(input.Filter),
		Active:   true,
	}
	if input.Active != nil {
		w.Active = *input.Active
	}
	switch {
	case input.Secret != nil:
		secret := *input.Secret
		w.Secret = &secret
	case !input.Unsigned:
		secret, err := GenerateSecret()
		if err != nil {
			return Webhook{}, err
		}
		w.Secret = &secret
	}

	if err := r.check(w); err != nil {
		return Webhook{}, err
	}
	return r.store.CreateWebhook(ctx, w)
}

// Update applies a partial update and re-validates the merged webhook.
func (r *Registry) Update(ctx context.Context, id string, input UpdateInput) (Webhook, error) {
	if err := r.validateStruct(input); err != nil {
		return Webhook{}, err
	}
	w, err := r.store.GetWebhook(ctx, id)
	if err != nil {
		return Webhook{}, err
	}
	if input.Name != nil {
		w.Name = strings.TrimSpace(*input.Name)
	}
	if input.URL != nil {
		w.URL = strings.TrimSpace(*input.URL)
	}
	if input.Events != nil {
		w.Events = normalizeEvents(input.Events)
	}
	if input.Secret != nil {
		secret := *input.Secret
		w.Secret = &secret
	}
	if input.Headers != nil {
		w.Headers = Headers(input.Headers)
	}
	if input.Filter != nil {
		w.Filter = strings.TrimSpace(*input.Filter)
	}
	if input.Active != nil {
		w.Active = *input.Active
	}
	if err := r.check(w); err != nil {
		return Webhook{}, err
	}
	return r.store.UpdateWebhook(ctx, w)
}

// RotateSecret replaces the signing secret with a freshly generated one.
func (r *Registry) RotateSecret(ctx context.Context, id string) (Webhook, error) {
	w, err := r.store.GetWebhook(ctx, id)
	if err != nil {
		return Webhook{}, err
	}
	secret, err := GenerateSecret()
	if err != nil {
		return Webhook{}, err
	}
	w.Secret = &secret
	return r.store.UpdateWebhook(ctx, w)
}

// Delete removes the webhook together with its delivery history.
func (r *Registry) Delete(ctx context.Context, id string) error {
	return r.store.DeleteWebhook(ctx, id)
}

// FindActiveSubscribers returns the tenant's active webhooks subscribed to
// eventType.
func (r *Registry) FindActiveSubscribers(ctx context.Context, tenantID, eventType string) ([]Webhook, error) {
	return r.store.FindActiveSubscribers(ctx, tenantID, eventType)
}

// RecordOutcome resets the failure counter and stamps last_triggered_at on
// success, and increments the counter on failure.
func (r *Registry) RecordOutcome(ctx context.Context, webhookID string, success bool) error {
	if success {
		return r.store.MarkWebhookSucceeded(ctx, webhookID, r.now())
	}
	return r.store.MarkWebhookFailed(ctx, webhookID)
}

func (r *Registry) validateStruct(input interface{}) error {
	err := r.validate.Struct(input)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return validationError(strings.ToLower(fe.Field()), "failed %q validation", fe.Tag())
	}
	return fmt.Errorf("validate input: %w", err)
}

// check enforces the invariants validator tags cannot express.
func (r *Registry) check(w Webhook) error {
	if w.Name == "" {
		return validationError("name", "is required")
	}
	if err := checkURL(w.URL); err != nil {
		return err
	}
	if len(w.Events) == 0 {
		return validationError("events", "at least one event type is required")
	}
	for _, e := range w.Events {
		if !r.catalog.Known(e) {
			return validationError("events", "unknown event type %q", e)
		}
	}
	if w.Secret != nil && strings.TrimSpace(*w.Secret) == "" {
		return validationError("secret", "must not be blank")
	}
	for name, value := range w.Headers {
		canonical := http.CanonicalHeaderKey(strings.TrimSpace(name))
		if !httpguts.ValidHeaderFieldName(canonical) {
			return validationError("headers", "invalid header name %q", name)
		}
		if canonical == SignatureHeader {
			return validationError("headers", "%s is reserved", SignatureHeader)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return validationError("headers", "invalid value for header %s", canonical)
		}
	}
	if w.Filter != "" {
		if _, err := CompileFilter(w.Filter); err != nil {
			return validationError("filter", "%v", err)
		}
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return validationError("url", "is not a valid URL")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return validationError("url", "scheme must be http or https")
	}
	if u.Host == "" {
		return validationError("url", "host is required")
	}
	return nil
}

func normalizeEvents(events []string) []string {
	seen := make(map[string]struct{}, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out
}
