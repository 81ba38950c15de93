package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/vorion/engine/intent"
)

type eventRow struct {
	ID           string    `db:"id"`
	IntentID     string    `db:"intent_id"`
	Seq          int64     `db:"seq"`
	Type         string    `db:"event_type"`
	Payload      []byte    `db:"payload"`
	OccurredAt   time.Time `db:"occurred_at"`
	Hash         string    `db:"hash"`
	PreviousHash string    `db:"previous_hash"`
}

func (r *eventRow) toDomain() (*intent.Event, error) {
	payload, err := unmarshalJSON(r.Payload)
	if err != nil {
		return nil, err
	}
	return &intent.Event{
		ID:           r.ID,
		IntentID:     r.IntentID,
		Type:         r.Type,
		Payload:      payload,
		OccurredAt:   r.OccurredAt,
		Hash:         r.Hash,
		PreviousHash: r.PreviousHash,
	}, nil
}

// appendEventTx chains and inserts an event inside tx. The latest event row
// is locked so two concurrent appends for the same intent cannot chain to the
// same previous hash.
func appendEventTx(ctx context.Context, tx *sqlx.Tx, e *intent.Event) (*intent.Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	var latest eventRow
	prev := intent.GenesisHash
	var seq int64 = 1
	err := tx.GetContext(ctx, &latest, `
		SELECT id, intent_id, seq, event_type, payload, occurred_at, hash, previous_hash
		FROM intent_events WHERE intent_id = $1
		ORDER BY seq DESC LIMIT 1
		FOR UPDATE`, e.IntentID)
	switch {
	case err == nil:
		prev = latest.Hash
		seq = latest.Seq + 1
	case errors.Is(err, sql.ErrNoRows):
		// First event of the chain.
	default:
		return nil, mapDBError(err, "lock latest event")
	}
	hash, err := intent.ChainHash(e, prev)
	if err != nil {
		return nil, intent.WrapError(intent.KindInternal, "chain event", err)
	}
	e.PreviousHash = prev
	e.Hash = hash
	payload, err := marshalJSON(e.Payload)
	if err != nil {
		return nil, intent.WrapError(intent.KindInternal, "marshal event payload", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO intent_events (id, intent_id, seq, event_type, payload, occurred_at, hash, previous_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.IntentID, seq, e.Type, payload, e.OccurredAt, e.Hash, e.PreviousHash)
	if err != nil {
		return nil, mapDBError(err, "insert event")
	}
	return e, nil
}

// AppendEvent implements store.EventStore.
func (s *Store) AppendEvent(ctx context.Context, e *intent.Event) (*intent.Event, error) {
	var out *intent.Event
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		out, err = appendEventTx(ctx, tx, e)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListEvents implements store.EventStore. A non-positive limit returns the
// whole remainder of the chain.
func (s *Store) ListEvents(ctx context.Context, intentID string, offset, limit int) ([]*intent.Event, error) {
	q := `
		SELECT id, intent_id, seq, event_type, payload, occurred_at, hash, previous_hash
		FROM intent_events WHERE intent_id = $1
		ORDER BY seq ASC`
	args := []any{intentID}
	if limit > 0 {
		args = append(args, limit)
		q += ` LIMIT $` + itoa(len(args))
	}
	args = append(args, offset)
	q += ` OFFSET $` + itoa(len(args))
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, q, args...)
	if err != nil {
		return nil, mapDBError(err, "list events")
	}
	out := make([]*intent.Event, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toDomain()
		if err != nil {
			return nil, intent.WrapError(intent.KindInternal, "decode event", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// LatestEvent implements store.EventStore.
func (s *Store) LatestEvent(ctx context.Context, intentID string) (*intent.Event, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, intent_id, seq, event_type, payload, occurred_at, hash, previous_hash
		FROM intent_events WHERE intent_id = $1
		ORDER BY seq DESC LIMIT 1`, intentID)
	if err != nil {
		return nil, mapDBError(err, "no events")
	}
	return row.toDomain()
}

// addEvaluationTx inserts an evaluation row inside tx.
func addEvaluationTx(ctx context.Context, tx *sqlx.Tx, ev *intent.Evaluation) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	result, err := marshalJSON(ev.Result)
	if err != nil {
		return intent.WrapError(intent.KindInternal, "marshal evaluation", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO intent_evaluations (id, intent_id, kind, result, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		ev.ID, ev.IntentID, string(ev.Kind), result, ev.CreatedAt)
	if err != nil {
		return mapDBError(err, "insert evaluation")
	}
	return nil
}

// AddEvaluation implements store.EvaluationStore.
func (s *Store) AddEvaluation(ctx context.Context, ev *intent.Evaluation) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return addEvaluationTx(ctx, tx, ev)
	})
}

// ListEvaluations implements store.EvaluationStore.
func (s *Store) ListEvaluations(ctx context.Context, intentID string) ([]*intent.Evaluation, error) {
	type evalRow struct {
		ID        string    `db:"id"`
		IntentID  string    `db:"intent_id"`
		Kind      string    `db:"kind"`
		Result    []byte    `db:"result"`
		CreatedAt time.Time `db:"created_at"`
	}
	var rows []evalRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, intent_id, kind, result, created_at
		FROM intent_evaluations WHERE intent_id = $1
		ORDER BY created_at ASC`, intentID)
	if err != nil {
		return nil, mapDBError(err, "list evaluations")
	}
	out := make([]*intent.Evaluation, 0, len(rows))
	for i := range rows {
		result, err := unmarshalJSON(rows[i].Result)
		if err != nil {
			return nil, intent.WrapError(intent.KindInternal, "decode evaluation", err)
		}
		out = append(out, &intent.Evaluation{
			ID:        rows[i].ID,
			IntentID:  rows[i].IntentID,
			Kind:      intent.EvaluationKind(rows[i].Kind),
			Result:    result,
			CreatedAt: rows[i].CreatedAt,
		})
	}
	return out, nil
}
