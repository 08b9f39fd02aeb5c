package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const webhookColumns = `id, tenant_id, name, url, events, secret, headers, filter, active,
	last_triggered_at, failure_count, created_at, updated_at`

const deliveryColumns = `id, webhook_id, tenant_id, event_type, payload, status, response_status,
	response_body, attempt_count, delivered_at, next_retry_at, created_at, updated_at`

type sqlStore struct {
	db *sqlx.DB
}

// NewSQLStore returns a Store backed by Postgres.
func NewSQLStore(db *sqlx.DB) Store {
	return &sqlStore{db: db}
}

func (s *sqlStore) ListWebhooks(ctx context.Context, tenantID string) ([]Webhook, error) {
	var hooks []Webhook
	err := s.db.SelectContext(ctx, &hooks,
		`SELECT `+webhookColumns+` FROM webhooks WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	return hooks, nil
}

func (s *sqlStore) GetWebhook(ctx context.Context, id string) (Webhook, error) {
	var w Webhook
	err := s.db.GetContext(ctx, &w, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Webhook{}, ErrNotFound
		}
		return Webhook{}, fmt.Errorf("get webhook: %w", err)
	}
	return w, nil
}

func (s *sqlStore) CreateWebhook(ctx context.Context, w Webhook) (Webhook, error) {
	var created Webhook
	err := s.db.GetContext(ctx, &created,
		`INSERT INTO webhooks (tenant_id, name, url, events, secret, headers, filter, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+webhookColumns,
		w.TenantID, w.Name, w.URL, w.Events, w.Secret, w.Headers, w.Filter, w.Active)
	if err != nil {
		return Webhook{}, fmt.Errorf("create webhook: %w", err)
	}
	return created, nil
}

func (s *sqlStore) UpdateWebhook(ctx context.Context, w Webhook) (Webhook, error) {
	var updated Webhook
	err := s.db.GetContext(ctx, &updated,
		`UPDATE webhooks
		 SET name = $2, url = $3, events = $4, secret = $5, headers = $6, filter = $7,
		     active = $8, updated_at = NOW()
		 WHERE id = $1
		 RETURNING `+webhookColumns,
		w.ID, w.Name, w.URL, w.Events, w.Secret, w.Headers, w.Filter, w.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Webhook{}, ErrNotFound
		}
		return Webhook{}, fmt.Errorf("update webhook: %w", err)
	}
	return updated, nil
}

func (s *sqlStore) DeleteWebhook(ctx context.Context, id string) error {
	// webhook_deliveries.webhook_id is ON DELETE CASCADE.
	res, err := s.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return requireRow(res)
}

func (s *sqlStore) FindActiveSubscribers(ctx context.Context, tenantID, eventType string) ([]Webhook, error) {
	var hooks []Webhook
	err := s.db.SelectContext(ctx, &hooks,
		`SELECT `+webhookColumns+` FROM webhooks
		 WHERE tenant_id = $1 AND active = true AND $2 = ANY(events)`,
		tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("find active subscribers: %w", err)
	}
	return hooks, nil
}

func (s *sqlStore) MarkWebhookSucceeded(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET failure_count = 0, last_triggered_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark webhook succeeded: %w", err)
	}
	return requireRow(res)
}

func (s *sqlStore) MarkWebhookFailed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhooks SET failure_count = failure_count + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark webhook failed: %w", err)
	}
	return requireRow(res)
}

func (s *sqlStore) CreateDelivery(ctx context.Context, d Delivery) (Delivery, error) {
	var created Delivery
	err := s.db.GetContext(ctx, &created,
		`INSERT INTO webhook_deliveries (webhook_id, tenant_id, event_type, payload, status, next_retry_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		 RETURNING `+deliveryColumns,
		d.WebhookID, d.TenantID, d.EventType, string(d.Payload), d.Status, d.NextRetryAt)
	if err != nil {
		return Delivery{}, fmt.Errorf("create delivery: %w", err)
	}
	return created, nil
}

func (s *sqlStore) UpdateDelivery(ctx context.Context, id string, upd DeliveryUpdate) (Delivery, error) {
	var updated Delivery
	err := s.db.GetContext(ctx, &updated,
		`UPDATE webhook_deliveries
		 SET status = $2, response_status = $3, response_body = $4,
		     attempt_count = GREATEST(attempt_count, $5),
		     delivered_at = $6, next_retry_at = $7, updated_at = $8
		 WHERE id = $1
		 RETURNING `+deliveryColumns,
		id, upd.Status, upd.ResponseStatus, upd.ResponseBody, upd.AttemptCount,
		upd.DeliveredAt, upd.NextRetryAt, upd.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Delivery{}, ErrNotFound
		}
		return Delivery{}, fmt.Errorf("update delivery: %w", err)
	}
	return updated, nil
}

func (s *sqlStore) ClaimDeliveryAttempt(ctx context.Context, id string, expected int, at time.Time) (Delivery, error) {
	var claimed Delivery
	err := s.db.GetContext(ctx, &claimed,
		`UPDATE webhook_deliveries
		 SET attempt_count = attempt_count + 1, updated_at = $3
		 WHERE id = $1 AND attempt_count = $2 AND status <> 'success'
		 RETURNING `+deliveryColumns,
		id, expected, at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Delivery{}, ErrAttemptConflict
		}
		return Delivery{}, fmt.Errorf("claim delivery attempt: %w", err)
	}
	return claimed, nil
}

func (s *sqlStore) GetDelivery(ctx context.Context, id string) (Delivery, error) {
	var d Delivery
	err := s.db.GetContext(ctx, &d, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Delivery{}, ErrNotFound
		}
		return Delivery{}, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

func (s *sqlStore) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]Delivery, error) {
	var out []Delivery
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE webhook_id = $1 ORDER BY created_at DESC LIMIT $2`, webhookID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return out, nil
}

func (s *sqlStore) ListDueDeliveries(ctx context.Context, now time.Time, maxAttempts, limit int) ([]Delivery, error) {
	var out []Delivery
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries
		 WHERE status <> 'success' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		   AND attempt_count < $2
		 ORDER BY next_retry_at ASC LIMIT $3`, now, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	return out, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
