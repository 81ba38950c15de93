package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"goa.design/clue/log"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/vorion/engine/config"
	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/telemetry"
)

type (
	// Handler processes one stage job. Returning nil acknowledges the job;
	// a retryable error schedules a redelivery with backoff until the
	// attempt budget runs out, anything else dead-letters immediately.
	Handler func(ctx context.Context, job *Job) error

	// Runner consumes one stage queue with a bounded pool of handlers.
	Runner struct {
		stage   Stage
		queues  *Queues
		dlq     *DLQ
		cfg     *config.Config
		metrics *telemetry.Metrics
		handler Handler

		sink         Sink
		baseCtx      context.Context
		stop         context.CancelFunc
		wg           sync.WaitGroup
		onDeadLetter DeadLetterFunc
	}

	// DeadLetterFunc observes a job the moment it lands on the DLQ, after the
	// entry is durably recorded. Used to park the owning intent.
	DeadLetterFunc func(ctx context.Context, job *Job, cause error)
)

// sinkName is the consumer group shared by all workers of a stage. Every
// engine replica joins the same group so jobs are load-balanced, not fanned
// out.
const sinkName = "workers"

// maxRetryDelay caps the exponential backoff between redeliveries.
const maxRetryDelay = 5 * time.Minute

// retryPollInterval is how often a runner checks the stage's parked retries
// for due entries.
const retryPollInterval = 500 * time.Millisecond

// NewRunner builds a runner for one stage.
func NewRunner(stage Stage, queues *Queues, dlq *DLQ, cfg *config.Config, metrics *telemetry.Metrics, handler Handler) *Runner {
	return &Runner{
		stage:   stage,
		queues:  queues,
		dlq:     dlq,
		cfg:     cfg,
		metrics: metrics,
		handler: handler,
	}
}

// OnDeadLetter registers the dead-letter observer. Call before Start.
func (r *Runner) OnDeadLetter(fn DeadLetterFunc) { r.onDeadLetter = fn }

// Start opens the stage sink and launches the handler pool. ctx is the base
// for every handler invocation; cancel it only to abort in-flight work, use
// Stop for a graceful drain.
func (r *Runner) Start(ctx context.Context) error {
	s, err := r.queues.stream(r.stage)
	if err != nil {
		return err
	}
	sink, err := s.NewSink(ctx, sinkName, streamopts.WithSinkStartAtOldest())
	if err != nil {
		return fmt.Errorf("create sink for %s: %w", r.stage.StreamName(), err)
	}
	r.sink = sink
	r.baseCtx, r.stop = context.WithCancel(context.WithoutCancel(ctx))

	events := sink.Subscribe()
	for i := 0; i < r.cfg.QueueConcurrency; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for ev := range events {
				r.process(ev)
			}
		}()
	}
	r.wg.Add(1)
	go r.pollRetries()
	log.Info(ctx, log.KV{K: "msg", V: "stage runner started"},
		log.KV{K: "queue", V: r.stage.StreamName()},
		log.KV{K: "concurrency", V: r.cfg.QueueConcurrency})
	return nil
}

// Stop drains the runner: the sink closes and in-flight handlers finish.
// Parked retries stay in Redis and are flushed when a runner next polls the
// stage, so nothing is lost across a restart. Returns ctx.Err when the drain
// outlives the deadline.
func (r *Runner) Stop(ctx context.Context) error {
	if r.sink == nil {
		return nil
	}
	r.stop()
	r.sink.Close(ctx)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info(ctx, log.KV{K: "msg", V: "stage runner drained"},
			log.KV{K: "queue", V: r.stage.StreamName()})
		return nil
	case <-ctx.Done():
		log.Warn(ctx, log.KV{K: "msg", V: "stage runner drain deadline exceeded"},
			log.KV{K: "queue", V: r.stage.StreamName()})
		return ctx.Err()
	}
}

// process handles one delivery end to end: decode, run the handler under the
// job timeout, route the outcome, then ack. The outcome is routed first
// because the parked retry or the dead-letter record is the job's only
// durable home once the stream entry is acked; a crash before the ack merely
// redelivers.
func (r *Runner) process(ev *streaming.Event) {
	var job Job
	if err := json.Unmarshal(ev.Payload, &job); err != nil {
		log.Errorf(r.baseCtx, err, "drop malformed job on %s", r.stage.StreamName())
		r.ack(ev)
		r.observe("invalid", 0)
		return
	}

	ctx := telemetry.ExtractTrace(r.baseCtx, job.Trace)
	ctx = log.With(ctx,
		log.KV{K: "queue", V: r.stage.StreamName()},
		log.KV{K: "intent_id", V: job.IntentID},
		log.KV{K: "tenant", V: job.Tenant})
	if r.metrics != nil {
		r.metrics.QueueActive.WithLabelValues(r.stage.StreamName()).Inc()
		defer r.metrics.QueueActive.WithLabelValues(r.stage.StreamName()).Dec()
	}

	hctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.JobTimeoutMs)*time.Millisecond)
	start := time.Now()
	err := r.handler(hctx, &job)
	cancel()
	elapsed := time.Since(start)

	if err == nil {
		r.observe("success", elapsed)
		r.ack(ev)
		return
	}
	// Count the execution that just failed, so the dead-letter record and the
	// redelivered envelope both carry the attempts actually made.
	job.Attempts++
	switch {
	case !intent.Retryable(err), job.Attempts >= r.cfg.MaxRetries:
		r.deadLetter(ctx, &job, err)
		r.observe("dead_letter", elapsed)
	default:
		r.scheduleRetry(ctx, &job, err)
		r.observe("retry", elapsed)
	}
	r.ack(ev)
}

func (r *Runner) ack(ev *streaming.Event) {
	if err := r.sink.Ack(r.baseCtx, ev); err != nil {
		log.Errorf(r.baseCtx, err, "ack job on %s", r.stage.StreamName())
	}
}

// scheduleRetry parks the job for redelivery after an exponential backoff with
// jitter. Parking is durable; whichever replica polls the stage next flushes
// the job back onto the queue once it falls due. A park failure dead-letters
// instead of dropping.
func (r *Runner) scheduleRetry(ctx context.Context, job *Job, cause error) {
	delay := backoffDelay(time.Duration(r.cfg.RetryBackoffMs)*time.Millisecond, job.Attempts)
	log.Warn(ctx, log.KV{K: "msg", V: "job retry scheduled"},
		log.KV{K: "attempt", V: job.Attempts},
		log.KV{K: "delay", V: delay},
		log.KV{K: "err", V: cause})
	if err := r.queues.ParkRetry(ctx, r.stage, job, time.Now().UTC().Add(delay)); err != nil {
		log.Errorf(ctx, err, "park retry failed, dead-lettering")
		r.deadLetter(ctx, job, cause)
	}
}

// pollRetries periodically moves due parked retries back onto the stream.
func (r *Runner) pollRetries() {
	defer r.wg.Done()
	ticker := time.NewTicker(retryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.baseCtx.Done():
			return
		case <-ticker.C:
			if _, err := r.queues.FlushDueRetries(r.baseCtx, r.stage, time.Now().UTC(), 100); err != nil {
				log.Errorf(r.baseCtx, err, "flush due retries on %s", r.stage.StreamName())
			}
		}
	}
}

func (r *Runner) deadLetter(ctx context.Context, job *Job, cause error) {
	if r.dlq == nil {
		log.Errorf(ctx, cause, "job failed with no dead letter queue")
		return
	}
	if _, err := r.dlq.Push(ctx, r.stage, job, cause); err != nil {
		log.Errorf(ctx, err, "dead letter push failed")
		return
	}
	if r.onDeadLetter != nil {
		r.onDeadLetter(ctx, job, cause)
	}
}

// backoffDelay is base doubled per attempt past the first, jittered by up to
// a quarter either way and capped at maxRetryDelay.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d > maxRetryDelay || d <= 0 {
		d = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	d += jitter
	if d < 0 {
		d = 0
	}
	return d
}

func (r *Runner) observe(outcome string, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.JobsProcessed.WithLabelValues(r.stage.StreamName(), outcome).Inc()
	if elapsed > 0 {
		r.metrics.JobDuration.WithLabelValues(r.stage.StreamName()).Observe(elapsed.Seconds())
	}
}
