// Package engine assembles the governance pipeline into one runnable unit: it
// owns the stage runners, exposes the service operations (submit, get, list,
// cancel, delete, verify) and the operator surface (webhooks, dead letters,
// circuit breakers), and coordinates graceful shutdown.
package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/vorion/engine/breaker"
	"github.com/vorion/engine/config"
	"github.com/vorion/engine/eventlog"
	"github.com/vorion/engine/intake"
	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/queue"
	"github.com/vorion/engine/store"
	"github.com/vorion/engine/telemetry"
	"github.com/vorion/engine/webhook"
	"github.com/vorion/engine/worker"
)

type (
	// Options wires the engine's components. They are constructed at startup
	// and passed by reference so components never import each other in a
	// cycle. Dispatcher and Subscriptions are optional; without them the
	// webhook admin operations reject and the pipeline publishes nothing.
	Options struct {
		Config        *config.Config
		Store         store.Store
		Redis         redis.UniversalClient
		Queues        *queue.Queues
		DLQ           *queue.DLQ
		Intake        *intake.Service
		Pipeline      *worker.Pipeline
		Breakers      *breaker.Registry
		Subscriptions *webhook.Subscriptions
		Dispatcher    *webhook.Dispatcher
		Metrics       *telemetry.Metrics
	}

	// Engine is the assembled pipeline. One per process.
	Engine struct {
		cfg        *config.Config
		store      store.Store
		rdb        redis.UniversalClient
		queues     *queue.Queues
		dlq        *queue.DLQ
		intake     *intake.Service
		pipeline   *worker.Pipeline
		breakers   *breaker.Registry
		subs       *webhook.Subscriptions
		dispatcher *webhook.Dispatcher
		metrics    *telemetry.Metrics
		elog       *eventlog.Log

		runners      []*queue.Runner
		started      atomic.Bool
		shuttingDown atomic.Bool
	}
)

// New assembles the engine from its components.
func New(opts Options) (*Engine, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("engine: config is required")
	case opts.Store == nil:
		return nil, errors.New("engine: store is required")
	case opts.Redis == nil:
		return nil, errors.New("engine: redis is required")
	case opts.Queues == nil:
		return nil, errors.New("engine: queues are required")
	case opts.DLQ == nil:
		return nil, errors.New("engine: dead letter queue is required")
	case opts.Intake == nil:
		return nil, errors.New("engine: intake service is required")
	case opts.Pipeline == nil:
		return nil, errors.New("engine: pipeline is required")
	case opts.Breakers == nil:
		return nil, errors.New("engine: breaker registry is required")
	}
	return &Engine{
		cfg:        opts.Config,
		store:      opts.Store,
		rdb:        opts.Redis,
		queues:     opts.Queues,
		dlq:        opts.DLQ,
		intake:     opts.Intake,
		pipeline:   opts.Pipeline,
		breakers:   opts.Breakers,
		subs:       opts.Subscriptions,
		dispatcher: opts.Dispatcher,
		metrics:    opts.Metrics,
		elog:       eventlog.New(opts.Store),
	}, nil
}

// Start launches one runner per pipeline stage. Each runner joins the shared
// consumer group so replicas load-balance jobs, and every runner parks the
// owning intent when a job dead-letters.
func (e *Engine) Start(ctx context.Context) error {
	if e.shuttingDown.Load() {
		return errors.New("engine: already shut down")
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine: already started")
	}
	handlers := e.pipeline.Handlers()
	for _, stage := range queue.Stages() {
		r := queue.NewRunner(stage, e.queues, e.dlq, e.cfg, e.metrics, handlers[stage])
		r.OnDeadLetter(e.pipeline.HandleDeadLetter)
		if err := r.Start(ctx); err != nil {
			e.stopRunners(ctx)
			return err
		}
		e.runners = append(e.runners, r)
	}
	log.Info(ctx, log.KV{K: "msg", V: "engine started"},
		log.KV{K: "stages", V: len(e.runners)})
	return nil
}

// ShuttingDown reports whether shutdown has begun. Intake rejections and
// health probes key off this.
func (e *Engine) ShuttingDown() bool { return e.shuttingDown.Load() }

// Shutdown drains the engine: intake closes first so no new work is admitted,
// stage runners finish their in-flight handlers, and the webhook dispatcher
// flushes pending batches. The whole drain races the configured shutdown
// timeout; on overrun everything is forced closed and a warning is logged.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	log.Info(ctx, log.KV{K: "msg", V: "engine shutting down"})
	e.intake.Close()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := e.stopRunners(dctx); err != nil {
		errs = append(errs, err)
	}
	if e.dispatcher != nil {
		if err := e.dispatcher.Close(dctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		log.Warn(ctx, log.KV{K: "msg", V: "shutdown deadline exceeded, forcing close"},
			log.KV{K: "timeout", V: e.cfg.ShutdownTimeout})
		return errors.Join(errs...)
	}
	log.Info(ctx, log.KV{K: "msg", V: "engine drained"})
	return nil
}

func (e *Engine) stopRunners(ctx context.Context) error {
	var errs []error
	for _, r := range e.runners {
		if err := r.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RefreshStatusGauges recomputes the per-status intent gauge from the store.
// Called periodically by the process wiring.
func (e *Engine) RefreshStatusGauges(ctx context.Context) error {
	if e.metrics == nil {
		return nil
	}
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return err
	}
	for _, s := range []intent.Status{intent.StatusPending, intent.StatusEvaluating,
		intent.StatusApproved, intent.StatusDenied, intent.StatusEscalated,
		intent.StatusExecuting, intent.StatusCompleted, intent.StatusFailed,
		intent.StatusCancelled} {
		e.metrics.IntentsByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
	return nil
}

// RunGaugeRefresher refreshes status gauges on the interval until ctx ends.
func (e *Engine) RunGaugeRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.RefreshStatusGauges(ctx); err != nil {
				log.Errorf(ctx, err, "refresh status gauges")
			}
		}
	}
}
