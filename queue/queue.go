package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/vorion/engine/config"
	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/telemetry"
)

type (
	// Stage identifies one pipeline stage and its queue.
	Stage string

	// Job is the envelope flowing through stage queues. It references the
	// durable intent row by ID; stage-specific data rides in Payload.
	Job struct {
		// IntentID references the intent row.
		IntentID string `json:"intent_id"`
		// Tenant scopes the job.
		Tenant string `json:"tenant"`
		// Type is the intent type, carried so workers route without a read.
		Type string `json:"intent_type,omitempty"`
		// Stage is the queue the job was published to.
		Stage Stage `json:"stage"`
		// Attempts counts deliveries so far, zero for the first.
		Attempts int `json:"attempts"`
		// Payload carries stage-specific data.
		Payload map[string]any `json:"payload,omitempty"`
		// Trace carries W3C trace context across the queue hop.
		Trace map[string]string `json:"trace,omitempty"`
		// EnqueuedAt is when this delivery was published.
		EnqueuedAt time.Time `json:"enqueued_at"`
	}

	// Queues publishes jobs to the per-stage streams.
	Queues struct {
		client  Client
		rdb     redis.UniversalClient
		cfg     *config.Config
		metrics *telemetry.Metrics

		mu      sync.Mutex
		streams map[Stage]Stream
	}

	// StageHealth is one stage's queue depth and dead-letter backlog.
	StageHealth struct {
		Queue       string `json:"queue"`
		Depth       int64  `json:"depth"`
		DeadLetters int64  `json:"dead_letters"`
	}
)

const (
	StageIntake   Stage = "intake"
	StageEvaluate Stage = "evaluate"
	StageDecision Stage = "decision"
	StageExecute  Stage = "execute"
)

// jobEvent is the event name under which jobs are published.
const jobEvent = "job"

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	return []Stage{StageIntake, StageEvaluate, StageDecision, StageExecute}
}

// StreamName returns the stage's stream name.
func (s Stage) StreamName() string { return "intent:" + string(s) }

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageIntake, StageEvaluate, StageDecision, StageExecute:
		return true
	}
	return false
}

// streamRedisKey is the Redis key Pulse stores a stream under; depth probes
// read it directly because the stream API does not expose length.
func streamRedisKey(name string) string { return "pulse:stream:" + name }

// New constructs the stage queues. rdb is used for depth probes and must point
// at the same store the client publishes to.
func New(client Client, rdb redis.UniversalClient, cfg *config.Config, metrics *telemetry.Metrics) *Queues {
	return &Queues{
		client:  client,
		rdb:     rdb,
		cfg:     cfg,
		metrics: metrics,
		streams: make(map[Stage]Stream),
	}
}

func (q *Queues) stream(stage Stage) (Stream, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s, ok := q.streams[stage]; ok {
		return s, nil
	}
	s, err := q.client.Stream(stage.StreamName())
	if err != nil {
		return nil, err
	}
	q.streams[stage] = s
	return s, nil
}

// Enqueue publishes a job to its stage queue. The current trace context is
// injected when the job carries none, so spans connect across the hop.
func (q *Queues) Enqueue(ctx context.Context, stage Stage, job *Job) error {
	if !stage.Valid() {
		return intent.NewError(intent.KindInternal, "unknown stage").With("stage", string(stage))
	}
	job.Stage = stage
	job.EnqueuedAt = time.Now().UTC()
	if job.Trace == nil {
		job.Trace = telemetry.InjectTrace(ctx)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return intent.WrapError(intent.KindInternal, "marshal job", err)
	}
	s, err := q.stream(stage)
	if err != nil {
		q.enqueueFailure(stage)
		return intent.WrapError(intent.KindEnqueueFailed, "open stage stream", err)
	}
	if _, err := s.Add(ctx, jobEvent, payload); err != nil {
		q.enqueueFailure(stage)
		return intent.WrapError(intent.KindEnqueueFailed, "publish job", err).
			With("queue", stage.StreamName()).
			With("intent_id", job.IntentID)
	}
	log.Debug(ctx, log.KV{K: "msg", V: "job enqueued"},
		log.KV{K: "queue", V: stage.StreamName()},
		log.KV{K: "intent_id", V: job.IntentID},
		log.KV{K: "attempts", V: job.Attempts})
	return nil
}

// Depth returns the number of entries retained in a stage stream. This counts
// acked-but-not-trimmed entries too; it is a backlog ceiling, not an exact
// pending count.
func (q *Queues) Depth(ctx context.Context, stage Stage) (int64, error) {
	n, err := q.rdb.XLen(ctx, streamRedisKey(stage.StreamName())).Result()
	if err != nil {
		return 0, intent.WrapError(intent.KindInternal, "stream depth", err)
	}
	return n, nil
}

// Health reports depth and DLQ backlog for every stage, updating the queue
// gauges as a side effect.
func (q *Queues) Health(ctx context.Context, dlq *DLQ) ([]StageHealth, error) {
	out := make([]StageHealth, 0, len(Stages()))
	for _, stage := range Stages() {
		depth, err := q.Depth(ctx, stage)
		if err != nil {
			return nil, err
		}
		var dead int64
		if dlq != nil {
			dead, err = dlq.Size(ctx, stage)
			if err != nil {
				return nil, err
			}
		}
		if q.metrics != nil {
			q.metrics.QueueDepth.WithLabelValues(stage.StreamName()).Set(float64(depth))
			q.metrics.DLQSize.WithLabelValues(stage.StreamName()).Set(float64(dead))
		}
		out = append(out, StageHealth{Queue: stage.StreamName(), Depth: depth, DeadLetters: dead})
	}
	return out, nil
}

func (q *Queues) enqueueFailure(stage Stage) {
	if q.metrics != nil {
		q.metrics.EnqueueFailures.WithLabelValues(stage.StreamName()).Inc()
	}
}
