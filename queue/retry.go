package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vorion/engine/intent"
)

// retryKey is the sorted set holding parked redeliveries for a stage, scored
// by due time in Unix milliseconds.
func retryKey(stage Stage) string { return "retry:" + stage.StreamName() }

// retryEntry wraps a parked job with a unique ID so two otherwise identical
// jobs occupy distinct set members.
type retryEntry struct {
	ID  string `json:"id"`
	Job Job    `json:"job"`
}

// ParkRetry durably schedules a redelivery. The record lands in Redis before
// the original stream delivery is acked, so a crash during the backoff window
// leaves the job recoverable by any replica.
func (q *Queues) ParkRetry(ctx context.Context, stage Stage, job *Job, due time.Time) error {
	entry := retryEntry{ID: uuid.NewString(), Job: *job}
	raw, err := json.Marshal(entry)
	if err != nil {
		return intent.WrapError(intent.KindInternal, "marshal parked retry", err)
	}
	err = q.rdb.ZAdd(ctx, retryKey(stage), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: raw,
	}).Err()
	if err != nil {
		return intent.WrapError(intent.KindInternal, "park retry", err).
			With("queue", stage.StreamName()).
			With("intent_id", job.IntentID)
	}
	return nil
}

// FlushDueRetries re-enqueues parked jobs whose due time has passed, returning
// how many moved. An entry is removed only after its publish succeeds; a crash
// mid-flush redelivers the job instead of dropping it.
func (q *Queues) FlushDueRetries(ctx context.Context, stage Stage, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.rdb.ZRangeByScore(ctx, retryKey(stage), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, intent.WrapError(intent.KindInternal, "list due retries", err)
	}
	moved := 0
	for _, raw := range raws {
		var entry retryEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			// Malformed entries can never be enqueued; drop them.
			if rerr := q.rdb.ZRem(ctx, retryKey(stage), raw).Err(); rerr != nil {
				return moved, intent.WrapError(intent.KindInternal, "remove malformed retry", rerr)
			}
			continue
		}
		if err := q.Enqueue(ctx, stage, &entry.Job); err != nil {
			return moved, err
		}
		if err := q.rdb.ZRem(ctx, retryKey(stage), raw).Err(); err != nil {
			return moved, intent.WrapError(intent.KindInternal, "remove flushed retry", err)
		}
		moved++
	}
	return moved, nil
}
