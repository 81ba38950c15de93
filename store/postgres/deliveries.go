package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/store"
)

type deliveryRow struct {
	ID             string     `db:"id"`
	SubscriptionID string     `db:"subscription_id"`
	TenantID       string     `db:"tenant_id"`
	EventType      string     `db:"event_type"`
	Payload        []byte     `db:"payload"`
	Status         string     `db:"status"`
	Attempts       int        `db:"attempts"`
	LastAttemptAt  *time.Time `db:"last_attempt_at"`
	LastError      string     `db:"last_error"`
	NextRetryAt    *time.Time `db:"next_retry_at"`
	DeliveredAt    *time.Time `db:"delivered_at"`
	ResponseStatus int        `db:"response_status"`
	ResponseBody   string     `db:"response_body"`
	SkippedByCB    bool       `db:"skipped_by_breaker"`
	CreatedAt      time.Time  `db:"created_at"`
}

const deliveryColumns = `id, subscription_id, tenant_id, event_type, payload, status, attempts,
	last_attempt_at, last_error, next_retry_at, delivered_at, response_status, response_body,
	skipped_by_breaker, created_at`

func (r *deliveryRow) toDomain() (*store.Delivery, error) {
	payload, err := unmarshalJSON(r.Payload)
	if err != nil {
		return nil, err
	}
	return &store.Delivery{
		ID:                      r.ID,
		SubscriptionID:          r.SubscriptionID,
		TenantID:                r.TenantID,
		EventType:               r.EventType,
		Payload:                 payload,
		Status:                  store.DeliveryStatus(r.Status),
		Attempts:                r.Attempts,
		LastAttemptAt:           r.LastAttemptAt,
		LastError:               r.LastError,
		NextRetryAt:             r.NextRetryAt,
		DeliveredAt:             r.DeliveredAt,
		ResponseStatus:          r.ResponseStatus,
		ResponseBody:            r.ResponseBody,
		SkippedByCircuitBreaker: r.SkippedByCB,
		CreatedAt:               r.CreatedAt,
	}, nil
}

// CreateDelivery implements store.DeliveryStore.
func (s *Store) CreateDelivery(ctx context.Context, d *store.Delivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	payload, err := marshalJSON(d.Payload)
	if err != nil {
		return intent.WrapError(intent.KindInternal, "marshal delivery payload", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, subscription_id, tenant_id, event_type, payload, status,
			attempts, last_error, response_body, skipped_by_breaker, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		d.ID, d.SubscriptionID, d.TenantID, d.EventType, payload, string(d.Status),
		d.Attempts, d.LastError, d.ResponseBody, d.SkippedByCircuitBreaker, d.CreatedAt)
	if err != nil {
		return mapDBError(err, "insert delivery")
	}
	return nil
}

// UpdateDelivery implements store.DeliveryStore. A delivered row is never
// modified again; the WHERE clause enforces it.
func (s *Store) UpdateDelivery(ctx context.Context, d *store.Delivery) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = $1, attempts = $2, last_attempt_at = $3,
			last_error = $4, next_retry_at = $5, delivered_at = $6, response_status = $7,
			response_body = $8, skipped_by_breaker = $9
		WHERE id = $10 AND status != 'delivered'`,
		string(d.Status), d.Attempts, d.LastAttemptAt, d.LastError, d.NextRetryAt,
		d.DeliveredAt, d.ResponseStatus, d.ResponseBody, d.SkippedByCircuitBreaker, d.ID)
	if err != nil {
		return mapDBError(err, "update delivery")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return intent.NewError(intent.KindConflict, "delivery not updatable").With("delivery_id", d.ID)
	}
	return nil
}

// GetDelivery implements store.DeliveryStore.
func (s *Store) GetDelivery(ctx context.Context, id string) (*store.Delivery, error) {
	var row deliveryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	if err != nil {
		return nil, mapDBError(err, "delivery not found")
	}
	return row.toDomain()
}

// ListDeliveries implements store.DeliveryStore.
func (s *Store) ListDeliveries(ctx context.Context, tenant, subscriptionID string, limit, offset int) ([]*store.Delivery, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE tenant_id = $1`
	args := []any{tenant}
	if subscriptionID != "" {
		args = append(args, subscriptionID)
		q += ` AND subscription_id = $2`
	}
	args = append(args, limit)
	q += ` ORDER BY created_at DESC LIMIT $` + itoa(len(args))
	args = append(args, offset)
	q += ` OFFSET $` + itoa(len(args))
	var rows []deliveryRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, mapDBError(err, "list deliveries")
	}
	out := make([]*store.Delivery, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toDomain()
		if err != nil {
			return nil, intent.WrapError(intent.KindInternal, "decode delivery", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// DueRetries implements store.DeliveryStore; it drives the pending-retry
// processor via the (status, next_retry_at) index.
func (s *Store) DueRetries(ctx context.Context, now time.Time, limit int) ([]*store.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []deliveryRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status = 'retrying' AND next_retry_at IS NOT NULL AND next_retry_at <= $1
		ORDER BY next_retry_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, mapDBError(err, "list due retries")
	}
	out := make([]*store.Delivery, 0, len(rows))
	for i := range rows {
		d, err := rows[i].toDomain()
		if err != nil {
			return nil, intent.WrapError(intent.KindInternal, "decode delivery", err)
		}
		out = append(out, d)
	}
	return out, nil
}
