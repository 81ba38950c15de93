package postgres

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/store"
)

type intentRow struct {
	ID                     string     `db:"id"`
	TenantID               string     `db:"tenant_id"`
	EntityID               string     `db:"entity_id"`
	Goal                   string     `db:"goal"`
	Type                   string     `db:"intent_type"`
	Priority               int        `db:"priority"`
	Context                []byte     `db:"context"`
	Metadata               []byte     `db:"metadata"`
	Status                 string     `db:"status"`
	TrustScoreAtSubmission int        `db:"trust_score_at_submission"`
	TrustLevelAtSubmission int        `db:"trust_level_at_submission"`
	TrustScore             int        `db:"trust_score"`
	TrustLevel             int        `db:"trust_level"`
	DedupeHash             string     `db:"dedupe_hash"`
	CancellationReason     string     `db:"cancellation_reason"`
	CancelledBy            string     `db:"cancelled_by"`
	CreatedAt              time.Time  `db:"created_at"`
	UpdatedAt              time.Time  `db:"updated_at"`
	CancelledAt            *time.Time `db:"cancelled_at"`
	DeletedAt              *time.Time `db:"deleted_at"`
}

const intentColumns = `id, tenant_id, entity_id, goal, intent_type, priority, context, metadata,
	status, trust_score_at_submission, trust_level_at_submission, trust_score, trust_level,
	dedupe_hash, cancellation_reason, cancelled_by, created_at, updated_at, cancelled_at, deleted_at`

func (r *intentRow) toDomain() (*intent.Intent, error) {
	ctxMap, err := unmarshalJSON(r.Context)
	if err != nil {
		return nil, err
	}
	metaMap, err := unmarshalJSON(r.Metadata)
	if err != nil {
		return nil, err
	}
	return &intent.Intent{
		ID:                     r.ID,
		TenantID:               r.TenantID,
		EntityID:               r.EntityID,
		Goal:                   r.Goal,
		Type:                   r.Type,
		Priority:               r.Priority,
		Context:                ctxMap,
		Metadata:               metaMap,
		Status:                 intent.Status(r.Status),
		TrustScoreAtSubmission: r.TrustScoreAtSubmission,
		TrustLevelAtSubmission: r.TrustLevelAtSubmission,
		TrustScore:             r.TrustScore,
		TrustLevel:             r.TrustLevel,
		DedupeHash:             r.DedupeHash,
		CancellationReason:     r.CancellationReason,
		CancelledBy:            r.CancelledBy,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
		CancelledAt:            r.CancelledAt,
		DeletedAt:              r.DeletedAt,
	}, nil
}

// CreateIntent implements store.IntentStore.
func (s *Store) CreateIntent(ctx context.Context, in *intent.Intent, initial *intent.Event) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	ctxJSON, err := marshalJSON(in.Context)
	if err != nil {
		return intent.WrapError(intent.KindInternal, "marshal context", err)
	}
	metaJSON, err := marshalJSON(in.Metadata)
	if err != nil {
		return intent.WrapError(intent.KindInternal, "marshal metadata", err)
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO intents (id, tenant_id, entity_id, goal, intent_type, priority, context, metadata,
				status, trust_score_at_submission, trust_level_at_submission, trust_score, trust_level,
				dedupe_hash, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			in.ID, in.TenantID, in.EntityID, in.Goal, in.Type, in.Priority, ctxJSON, metaJSON,
			string(in.Status), in.TrustScoreAtSubmission, in.TrustLevelAtSubmission,
			in.TrustScore, in.TrustLevel, in.DedupeHash, in.CreatedAt, in.UpdatedAt)
		if err != nil {
			return mapDBError(err, "insert intent")
		}
		if initial != nil {
			initial.IntentID = in.ID
			if _, err := appendEventTx(ctx, tx, initial); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetIntent implements store.IntentStore.
func (s *Store) GetIntent(ctx context.Context, id, tenant string, includeDeleted bool) (*intent.Intent, error) {
	q := `SELECT ` + intentColumns + ` FROM intents WHERE id = $1 AND tenant_id = $2`
	if !includeDeleted {
		q += ` AND deleted_at IS NULL`
	}
	var row intentRow
	if err := s.db.GetContext(ctx, &row, q, id, tenant); err != nil {
		return nil, mapDBError(err, "intent not found")
	}
	return row.toDomain()
}

// ListIntents implements store.IntentStore.
func (s *Store) ListIntents(ctx context.Context, f store.ListFilter) (*store.IntentPage, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT ` + intentColumns + ` FROM intents WHERE tenant_id = $1`
	args := []any{f.Tenant}
	if !f.IncludeDeleted {
		q += ` AND deleted_at IS NULL`
	}
	if f.Entity != "" {
		args = append(args, f.Entity)
		q += ` AND entity_id = $` + itoa(len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += ` AND status = $` + itoa(len(args))
	}
	args = append(args, limit+1)
	q += ` ORDER BY created_at DESC LIMIT $` + itoa(len(args))
	args = append(args, f.Offset)
	q += ` OFFSET $` + itoa(len(args))

	var rows []intentRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, mapDBError(err, "list intents")
	}
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	items := make([]*intent.Intent, 0, len(rows))
	for i := range rows {
		it, err := rows[i].toDomain()
		if err != nil {
			return nil, intent.WrapError(intent.KindInternal, "decode intent", err)
		}
		items = append(items, it)
	}
	return &store.IntentPage{Items: items, Limit: limit, Offset: f.Offset, HasMore: hasMore}, nil
}

// CountActiveIntents implements store.IntentStore.
func (s *Store) CountActiveIntents(ctx context.Context, tenant string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM intents
		WHERE tenant_id = $1 AND deleted_at IS NULL
		  AND status NOT IN ('completed','failed','denied','cancelled')`, tenant)
	if err != nil {
		return 0, mapDBError(err, "count active intents")
	}
	return n, nil
}

// CountByStatus implements store.IntentStore.
func (s *Store) CountByStatus(ctx context.Context) (map[intent.Status]int, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT status, COUNT(*) FROM intents WHERE deleted_at IS NULL GROUP BY status`)
	if err != nil {
		return nil, mapDBError(err, "count by status")
	}
	defer rows.Close()
	out := make(map[intent.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, mapDBError(err, "scan status count")
		}
		out[intent.Status(status)] = n
	}
	return out, rows.Err()
}

// FindByFingerprint implements store.IntentStore.
func (s *Store) FindByFingerprint(ctx context.Context, tenant, fingerprint string) (*intent.Intent, error) {
	var row intentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+intentColumns+` FROM intents
		WHERE tenant_id = $1 AND dedupe_hash = $2 AND deleted_at IS NULL`, tenant, fingerprint)
	if err != nil {
		return nil, mapDBError(err, "no intent for fingerprint")
	}
	return row.toDomain()
}

// Transition implements store.IntentStore. The intent row is locked for the
// duration so concurrent transitions serialize; the conditional status match
// surfaces lost races as KindConflict.
func (s *Store) Transition(ctx context.Context, p store.TransitionParams) (*intent.Intent, error) {
	var out *intent.Intent
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row intentRow
		err := tx.GetContext(ctx, &row, `
			SELECT `+intentColumns+` FROM intents
			WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
			FOR UPDATE`, p.IntentID, p.Tenant)
		if err != nil {
			return mapDBError(err, "intent not found")
		}
		cur := intent.Status(row.Status)
		if cur.Terminal() {
			return intent.NewError(intent.KindInvalidStateTransition, "intent is terminal").
				With("status", row.Status)
		}
		if cur != p.From {
			return intent.NewError(intent.KindConflict, "intent status changed concurrently").
				With("expected", string(p.From)).
				With("actual", row.Status)
		}
		now := time.Now().UTC()
		if p.To == intent.StatusCancelled {
			_, err = tx.ExecContext(ctx, `
				UPDATE intents SET status = $1, updated_at = $2, cancelled_at = $2,
					cancellation_reason = $3, cancelled_by = $4
				WHERE id = $5`,
				string(p.To), now, p.CancellationReason, p.CancelledBy, p.IntentID)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE intents SET status = $1, updated_at = $2 WHERE id = $3`,
				string(p.To), now, p.IntentID)
		}
		if err != nil {
			return mapDBError(err, "update intent status")
		}
		if p.Event != nil {
			p.Event.IntentID = p.IntentID
			if _, err := appendEventTx(ctx, tx, p.Event); err != nil {
				return err
			}
		}
		if p.Evaluation != nil {
			p.Evaluation.IntentID = p.IntentID
			if err := addEvaluationTx(ctx, tx, p.Evaluation); err != nil {
				return err
			}
		}
		row.Status = string(p.To)
		row.UpdatedAt = now
		if p.To == intent.StatusCancelled {
			row.CancelledAt = &now
			row.CancellationReason = p.CancellationReason
			row.CancelledBy = p.CancelledBy
		}
		out, err = row.toDomain()
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SoftDelete implements store.IntentStore.
func (s *Store) SoftDelete(ctx context.Context, id, tenant string) (*intent.Intent, error) {
	var out *intent.Intent
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row intentRow
		err := tx.GetContext(ctx, &row, `
			SELECT `+intentColumns+` FROM intents
			WHERE id = $1 AND tenant_id = $2 AND deleted_at IS NULL
			FOR UPDATE`, id, tenant)
		if err != nil {
			return mapDBError(err, "intent not found")
		}
		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE intents SET deleted_at = $1, updated_at = $1, context = '{}', metadata = '{}'
			WHERE id = $2`, now, id)
		if err != nil {
			return mapDBError(err, "soft delete intent")
		}
		ev := &intent.Event{IntentID: id, Type: intent.EventDeleted, OccurredAt: now}
		if _, err := appendEventTx(ctx, tx, ev); err != nil {
			return err
		}
		row.DeletedAt = &now
		row.UpdatedAt = now
		row.Context = nil
		row.Metadata = nil
		out, err = row.toDomain()
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateTrust implements store.IntentStore.
func (s *Store) UpdateTrust(ctx context.Context, id string, score, level int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE intents SET trust_score = $1, trust_level = $2, updated_at = $3 WHERE id = $4`,
		score, level, time.Now().UTC(), id)
	if err != nil {
		return mapDBError(err, "update trust")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return intent.NewError(intent.KindNotFound, "intent not found").With("intent_id", id)
	}
	return nil
}

func itoa(n int) string { return strconv.Itoa(n) }
