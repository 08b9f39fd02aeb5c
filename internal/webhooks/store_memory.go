package webhooks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used when no database is configured
// and in tests.
type MemoryStore struct {
	mu         sync.Mutex
	seq        int64
	hooks      map[string]Webhook
	hookSeq    map[string]int64
	deliveries map[string]Delivery
	delSeq     map[string]int64
	now        func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		hooks:      map[string]Webhook{},
		hookSeq:    map[string]int64{},
		deliveries: map[string]Delivery{},
		delSeq:     map[string]int64{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) ListWebhooks(ctx context.Context, tenantID string) ([]Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Webhook{}
	for _, w := range m.hooks {
		if w.TenantID == tenantID {
			out = append(out, cloneWebhook(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.hookSeq[out[i].ID] > m.hookSeq[out[j].ID] })
	return out, nil
}

func (m *MemoryStore) GetWebhook(ctx context.Context, id string) (Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.hooks[id]
	if !ok {
		return Webhook{}, ErrNotFound
	}
	return cloneWebhook(w), nil
}

func (m *MemoryStore) CreateWebhook(ctx context.Context, w Webhook) (Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	w.ID = uuid.New().String()
	w.CreatedAt = now
	w.UpdatedAt = now
	w.FailureCount = 0
	w.LastTriggeredAt = nil
	if w.Headers == nil {
		w.Headers = Headers{}
	}
	m.seq++
	m.hooks[w.ID] = cloneWebhook(w)
	m.hookSeq[w.ID] = m.seq
	return cloneWebhook(w), nil
}

func (m *MemoryStore) UpdateWebhook(ctx context.Context, w Webhook) (Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.hooks[w.ID]
	if !ok {
		return Webhook{}, ErrNotFound
	}
	existing.Name = w.Name
	existing.URL = w.URL
	existing.Events = append(existing.Events[:0:0], w.Events...)
	existing.Secret = w.Secret
	existing.Headers = w.Headers
	existing.Filter = w.Filter
	existing.Active = w.Active
	existing.UpdatedAt = m.now()
	m.hooks[w.ID] = cloneWebhook(existing)
	return cloneWebhook(existing), nil
}

func (m *MemoryStore) DeleteWebhook(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hooks[id]; !ok {
		return ErrNotFound
	}
	delete(m.hooks, id)
	delete(m.hookSeq, id)
	for did, d := range m.deliveries {
		if d.WebhookID == id {
			delete(m.deliveries, did)
			delete(m.delSeq, did)
		}
	}
	return nil
}

func (m *MemoryStore) FindActiveSubscribers(ctx context.Context, tenantID, eventType string) ([]Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Webhook{}
	for _, w := range m.hooks {
		if w.TenantID == tenantID && w.Active && w.Subscribes(eventType) {
			out = append(out, cloneWebhook(w))
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.hookSeq[out[i].ID] < m.hookSeq[out[j].ID] })
	return out, nil
}

func (m *MemoryStore) MarkWebhookSucceeded(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.hooks[id]
	if !ok {
		return ErrNotFound
	}
	w.FailureCount = 0
	w.LastTriggeredAt = &at
	m.hooks[id] = w
	return nil
}

func (m *MemoryStore) MarkWebhookFailed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.hooks[id]
	if !ok {
		return ErrNotFound
	}
	w.FailureCount++
	m.hooks[id] = w
	return nil
}

func (m *MemoryStore) CreateDelivery(ctx context.Context, d Delivery) (Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.hooks[d.WebhookID]; !ok {
		return Delivery{}, ErrNotFound
	}
	now := m.now()
	d.ID = uuid.New().String()
	d.AttemptCount = 0
	d.CreatedAt = now
	d.UpdatedAt = now
	d.Payload = append(d.Payload[:0:0], d.Payload...)
	m.seq++
	m.deliveries[d.ID] = d
	m.delSeq[d.ID] = m.seq
	return d, nil
}

func (m *MemoryStore) UpdateDelivery(ctx context.Context, id string, upd DeliveryUpdate) (Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return Delivery{}, ErrNotFound
	}
	d.Status = upd.Status
	d.ResponseStatus = upd.ResponseStatus
	d.ResponseBody = upd.ResponseBody
	if upd.AttemptCount > d.AttemptCount {
		d.AttemptCount = upd.AttemptCount
	}
	d.DeliveredAt = upd.DeliveredAt
	d.NextRetryAt = upd.NextRetryAt
	d.UpdatedAt = upd.UpdatedAt
	m.deliveries[id] = d
	return d, nil
}

func (m *MemoryStore) ClaimDeliveryAttempt(ctx context.Context, id string, expected int, at time.Time) (Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.AttemptCount != expected || d.Status == StatusSuccess {
		return Delivery{}, ErrAttemptConflict
	}
	d.AttemptCount++
	d.UpdatedAt = at
	m.deliveries[id] = d
	return d, nil
}

func (m *MemoryStore) GetDelivery(ctx context.Context, id string) (Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return Delivery{}, ErrNotFound
	}
	return d, nil
}

func (m *MemoryStore) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Delivery{}
	for _, d := range m.deliveries {
		if d.WebhookID == webhookID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return m.delSeq[out[i].ID] > m.delSeq[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListDueDeliveries(ctx context.Context, now time.Time, maxAttempts, limit int) ([]Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []Delivery{}
	for _, d := range m.deliveries {
		if d.Due(now) && d.AttemptCount < maxAttempts {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneWebhook(w Webhook) Webhook {
	w.Events = append(w.Events[:0:0], w.Events...)
	if w.Headers != nil {
		h := make(Headers, len(w.Headers))
		for k, v := range w.Headers {
			h[k] = v
		}
		w.Headers = h
	}
	if w.Secret != nil {
		s := *w.Secret
		w.Secret = &s
	}
	if w.LastTriggeredAt != nil {
		t := *w.LastTriggeredAt
		w.LastTriggeredAt = &t
	}
	return w
}

var _ Store = (*MemoryStore)(nil)
