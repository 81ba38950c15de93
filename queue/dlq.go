package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/telemetry"
)

type (
	// DLQ stores jobs that exhausted their retries or failed terminally.
	// Entries live in one Redis list per origin stage so operators can
	// inspect, replay or purge them.
	DLQ struct {
		rdb     redis.UniversalClient
		metrics *telemetry.Metrics
	}

	// DeadLetter is one dead-lettered job with its failure context.
	DeadLetter struct {
		// ID identifies the entry for replay and purge.
		ID string `json:"id"`
		// Job is the envelope as it failed.
		Job Job `json:"job"`
		// Error is the final handler error.
		Error string `json:"error"`
		// ErrorKind is the taxonomy kind of the final error.
		ErrorKind string `json:"error_kind"`
		// FailedAt is when the job was dead-lettered.
		FailedAt time.Time `json:"failed_at"`
	}

	// DLQFilter narrows List results.
	DLQFilter struct {
		// Tenant keeps only entries for the tenant when set.
		Tenant string
		// IntentID keeps only entries for the intent when set.
		IntentID string
		// Limit caps results; 0 means 100.
		Limit int
	}
)

func dlqKey(stage Stage) string { return "dlq:" + stage.StreamName() }

// NewDLQ constructs the dead-letter store.
func NewDLQ(rdb redis.UniversalClient, metrics *telemetry.Metrics) *DLQ {
	return &DLQ{rdb: rdb, metrics: metrics}
}

// Push records a dead-lettered job.
func (d *DLQ) Push(ctx context.Context, stage Stage, job *Job, cause error) (*DeadLetter, error) {
	entry := &DeadLetter{
		ID:        uuid.NewString(),
		Job:       *job,
		Error:     cause.Error(),
		ErrorKind: string(intent.KindOf(cause)),
		FailedAt:  time.Now().UTC(),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, intent.WrapError(intent.KindInternal, "marshal dead letter", err)
	}
	if err := d.rdb.RPush(ctx, dlqKey(stage), raw).Err(); err != nil {
		return nil, intent.WrapError(intent.KindInternal, "push dead letter", err)
	}
	if d.metrics != nil {
		if n, err := d.rdb.LLen(ctx, dlqKey(stage)).Result(); err == nil {
			d.metrics.DLQSize.WithLabelValues(stage.StreamName()).Set(float64(n))
		}
	}
	log.Warn(ctx, log.KV{K: "msg", V: "job dead-lettered"},
		log.KV{K: "queue", V: stage.StreamName()},
		log.KV{K: "intent_id", V: job.IntentID},
		log.KV{K: "attempts", V: job.Attempts},
		log.KV{K: "err", V: cause})
	return entry, nil
}

// Size returns the number of dead letters retained for a stage.
func (d *DLQ) Size(ctx context.Context, stage Stage) (int64, error) {
	n, err := d.rdb.LLen(ctx, dlqKey(stage)).Result()
	if err != nil {
		return 0, intent.WrapError(intent.KindInternal, "dlq size", err)
	}
	return n, nil
}

// List returns dead letters for a stage, newest last, honoring the filter.
func (d *DLQ) List(ctx context.Context, stage Stage, filter DLQFilter) ([]*DeadLetter, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	raws, err := d.rdb.LRange(ctx, dlqKey(stage), 0, -1).Result()
	if err != nil {
		return nil, intent.WrapError(intent.KindInternal, "list dead letters", err)
	}
	out := make([]*DeadLetter, 0, limit)
	for _, raw := range raws {
		var entry DeadLetter
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "skip malformed dead letter"}, log.KV{K: "err", V: err})
			continue
		}
		if filter.Tenant != "" && entry.Job.Tenant != filter.Tenant {
			continue
		}
		if filter.IntentID != "" && entry.Job.IntentID != filter.IntentID {
			continue
		}
		out = append(out, &entry)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Retry re-enqueues a dead letter at the stage it failed in, with its attempt
// count reset, and removes it from the list. NOT_FOUND when no entry matches.
func (d *DLQ) Retry(ctx context.Context, q *Queues, stage Stage, id string) error {
	raws, err := d.rdb.LRange(ctx, dlqKey(stage), 0, -1).Result()
	if err != nil {
		return intent.WrapError(intent.KindInternal, "list dead letters", err)
	}
	for _, raw := range raws {
		var entry DeadLetter
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.ID != id {
			continue
		}
		job := entry.Job
		job.Attempts = 0
		job.Trace = nil
		if err := q.Enqueue(ctx, stage, &job); err != nil {
			return err
		}
		if err := d.rdb.LRem(ctx, dlqKey(stage), 1, raw).Err(); err != nil {
			return intent.WrapError(intent.KindInternal, "remove dead letter", err)
		}
		log.Info(ctx, log.KV{K: "msg", V: "dead letter replayed"},
			log.KV{K: "queue", V: stage.StreamName()},
			log.KV{K: "intent_id", V: job.IntentID})
		return nil
	}
	return intent.NewError(intent.KindNotFound, "dead letter not found").With("id", id)
}

// PurgeOld removes entries that failed before cutoff, returning how many were
// dropped.
func (d *DLQ) PurgeOld(ctx context.Context, stage Stage, cutoff time.Time) (int, error) {
	raws, err := d.rdb.LRange(ctx, dlqKey(stage), 0, -1).Result()
	if err != nil {
		return 0, intent.WrapError(intent.KindInternal, "list dead letters", err)
	}
	purged := 0
	for _, raw := range raws {
		var entry DeadLetter
		if err := json.Unmarshal([]byte(raw), &entry); err != nil || entry.FailedAt.Before(cutoff) {
			if err := d.rdb.LRem(ctx, dlqKey(stage), 1, raw).Err(); err != nil {
				return purged, intent.WrapError(intent.KindInternal, "purge dead letter", err)
			}
			purged++
		}
	}
	return purged, nil
}
