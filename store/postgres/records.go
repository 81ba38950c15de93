package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/store"
)

// AddAudit implements store.AuditStore.
func (s *Store) AddAudit(ctx context.Context, rec *store.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.EventTime.IsZero() {
		rec.EventTime = time.Now().UTC()
	}
	payload, err := marshalJSON(rec.Payload)
	if err != nil {
		return intent.WrapError(intent.KindInternal, "marshal audit payload", err)
	}
	var intentID any
	if rec.IntentID != "" {
		intentID = rec.IntentID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, tenant_id, intent_id, action, actor, payload, event_time, archived)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.ID, rec.TenantID, intentID, rec.Action, rec.Actor, payload, rec.EventTime, rec.Archived)
	if err != nil {
		return mapDBError(err, "insert audit record")
	}
	return nil
}

// HasConsent implements store.ConsentStore.
func (s *Store) HasConsent(ctx context.Context, tenant, user, consentType string) (bool, error) {
	var granted bool
	err := s.db.GetContext(ctx, &granted, `
		SELECT revoked_at IS NULL FROM user_consents
		WHERE tenant_id = $1 AND user_id = $2 AND consent_type = $3`,
		tenant, user, consentType)
	if err != nil {
		if intent.IsKind(mapDBError(err, ""), intent.KindNotFound) {
			return false, nil
		}
		return false, mapDBError(err, "read consent")
	}
	return granted, nil
}

// CreateEscalation implements store.EscalationStore.
func (s *Store) CreateEscalation(ctx context.Context, e *store.Escalation) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = "open"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalations (id, tenant_id, intent_id, status, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.TenantID, e.IntentID, e.Status, e.Reason, e.CreatedAt)
	if err != nil {
		return mapDBError(err, "insert escalation")
	}
	return nil
}
