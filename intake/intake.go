// Package intake is the synchronous admission path: it validates a
// submission, enforces consent, trust, rate and concurrency gates, reserves
// the dedupe fingerprint, persists the intent with its genesis event, and
// enqueues the first stage job. Everything before persistence fails
// synchronously; after persistence the row is kept even when the enqueue
// fails.
package intake

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"goa.design/clue/log"

	"github.com/vorion/engine/config"
	"github.com/vorion/engine/consent"
	"github.com/vorion/engine/dedupe"
	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/queue"
	"github.com/vorion/engine/ratelimit"
	"github.com/vorion/engine/secrets"
	"github.com/vorion/engine/store"
	"github.com/vorion/engine/telemetry"
	"github.com/vorion/engine/trust"
)

type (
	// Options configures the intake service. All fields except Metrics are
	// required.
	Options struct {
		Config   *config.Config
		Store    store.Store
		Consents consent.Registry
		Trust    *trust.Resolver
		Limiter  *ratelimit.Limiter
		Deduper  *dedupe.Deduper
		Queues   *queue.Queues
		Metrics  *telemetry.Metrics
	}

	// Service admits submissions into the pipeline.
	Service struct {
		cfg      *config.Config
		store    store.Store
		consents consent.Registry
		trust    *trust.Resolver
		limiter  *ratelimit.Limiter
		deduper  *dedupe.Deduper
		queues   *queue.Queues
		metrics  *telemetry.Metrics
		cipher   *secrets.Cipher

		closed atomic.Bool
	}

	// SubmitOptions tune a single admission.
	SubmitOptions struct {
		// UserID is the consenting user; defaults to the submitting entity.
		UserID string
		// BypassConsent skips the consent gate (trusted internal callers).
		BypassConsent bool
		// BypassTrustGate skips the trust gate.
		BypassTrustGate bool
	}

	// BulkOptions tune a bulk admission.
	BulkOptions struct {
		SubmitOptions
		// StopOnError aborts the batch at the first failure.
		StopOnError bool
	}

	// BulkFailure records one failed submission in a batch.
	BulkFailure struct {
		// Index is the submission's position in the batch.
		Index int `json:"index"`
		// Input echoes the failed submission.
		Input *intent.Submission `json:"input"`
		// Error is the admission failure.
		Error string `json:"error"`
		// Kind is the failure's taxonomy kind.
		Kind string `json:"kind"`
	}

	// BulkResult summarizes a batch.
	BulkResult struct {
		Successful []*intent.Intent `json:"successful"`
		Failed     []BulkFailure    `json:"failed"`
		Submitted  int              `json:"submitted"`
		Succeeded  int              `json:"succeeded"`
	}
)

// New constructs the intake service.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Config == nil:
		return nil, errors.New("intake: config is required")
	case opts.Store == nil:
		return nil, errors.New("intake: store is required")
	case opts.Consents == nil:
		return nil, errors.New("intake: consent registry is required")
	case opts.Trust == nil:
		return nil, errors.New("intake: trust resolver is required")
	case opts.Limiter == nil:
		return nil, errors.New("intake: rate limiter is required")
	case opts.Deduper == nil:
		return nil, errors.New("intake: deduper is required")
	case opts.Queues == nil:
		return nil, errors.New("intake: queues are required")
	}
	s := &Service{
		cfg:      opts.Config,
		store:    opts.Store,
		consents: opts.Consents,
		trust:    opts.Trust,
		limiter:  opts.Limiter,
		deduper:  opts.Deduper,
		queues:   opts.Queues,
		metrics:  opts.Metrics,
	}
	if opts.Config.Redaction.EncryptContext {
		cipher, err := secrets.NewCipher(opts.Config.Redaction.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("intake: %w", err)
		}
		s.cipher = cipher
	}
	return s, nil
}

// Close gates new admissions; in-flight calls finish normally.
func (s *Service) Close() { s.closed.Store(true) }

// Submit admits one submission. A duplicate inside the dedupe window returns
// the existing intent with no error.
func (s *Service) Submit(ctx context.Context, tenant string, sub *intent.Submission, opts SubmitOptions) (*intent.Intent, error) {
	if s.closed.Load() {
		return nil, intent.NewError(intent.KindInternal, "service is shutting down")
	}
	if tenant == "" {
		return nil, intent.NewError(intent.KindValidation, "tenant is required")
	}

	ctxSize, err := validate(sub)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.ContextSizeBytes.Observe(float64(ctxSize))
	}

	rl, err := s.limiter.AllowPair(ctx, tenant, sub.EntityID, sub.Type)
	if err != nil {
		return nil, err
	}
	if !rl.Allowed {
		if s.metrics != nil {
			s.metrics.RateLimitDenials.WithLabelValues(tenant).Inc()
		}
		return nil, intent.NewError(intent.KindRateLimited, "submission rate limit exceeded").
			With("blocked_by", rl.BlockedBy).
			With("limit", rl.Limit).
			With("retry_after_s", int(rl.RetryAfter.Seconds()))
	}

	if !opts.BypassConsent {
		user := opts.UserID
		if user == "" {
			user = sub.EntityID
		}
		if err := consent.Require(ctx, s.consents, tenant, user, consent.TypeDataProcessing); err != nil {
			return nil, err
		}
	}

	score, err := s.trust.Resolve(ctx, tenant, sub.EntityID)
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.TrustLevelAtSubmit.Observe(float64(score.Level))
	}
	if !opts.BypassTrustGate {
		required := s.cfg.RequiredTrustLevel(sub.Type)
		passed := score.Level >= required
		if s.metrics != nil {
			outcome := "passed"
			if !passed {
				outcome = "failed"
			}
			s.metrics.TrustGateChecks.WithLabelValues(outcome).Inc()
		}
		if !passed {
			return nil, intent.NewError(intent.KindTrustInsufficient, "trust level below gate").
				With("required", required).
				With("actual", score.Level)
		}
	}

	fingerprint, err := s.deduper.Fingerprint(ctx, tenant, sub, time.Now())
	if err != nil {
		return nil, err
	}
	reservation, err := s.deduper.Reserve(ctx, tenant, fingerprint)
	if err != nil {
		var dup *dedupe.ErrDuplicate
		if errors.As(err, &dup) {
			return s.store.GetIntent(ctx, dup.IntentID, tenant, false)
		}
		return nil, err
	}

	active, err := s.store.CountActiveIntents(ctx, tenant)
	if err != nil {
		reservation.Abandon(ctx)
		return nil, err
	}
	if max := s.cfg.MaxInFlight(tenant); active >= max {
		reservation.Abandon(ctx)
		return nil, intent.NewError(intent.KindRateLimited, "tenant in-flight limit reached").
			With("active", active).
			With("max_in_flight", max)
	}

	in, err := s.buildIntent(tenant, sub, score, fingerprint)
	if err != nil {
		reservation.Abandon(ctx)
		return nil, err
	}
	genesis := &intent.Event{
		Type: intent.EventSubmitted,
		Payload: map[string]any{
			"entity_id":   sub.EntityID,
			"goal":        sub.Goal,
			"intent_type": sub.Type,
			"priority":    sub.Priority,
		},
	}
	if err := s.store.CreateIntent(ctx, in, genesis); err != nil {
		reservation.Abandon(ctx)
		if intent.IsKind(err, intent.KindConflict) {
			// The unique index caught a race the marker missed.
			if existing, ferr := s.store.FindByFingerprint(ctx, tenant, fingerprint); ferr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	reservation.Commit(ctx, in.ID)

	if s.metrics != nil {
		s.metrics.IntentSubmissions.WithLabelValues(tenant, typeOrDefault(sub.Type)).Inc()
	}
	s.audit(ctx, tenant, in.ID, "intent.submitted", sub.EntityID)
	log.Info(ctx, log.KV{K: "msg", V: "intent admitted"},
		log.KV{K: "intent_id", V: in.ID},
		log.KV{K: "tenant", V: tenant},
		log.KV{K: "dedupe", V: string(reservation.Outcome)})

	// Past this point the row is durable: an enqueue failure is logged and
	// metered, never surfaced to the submitter.
	job := &queue.Job{IntentID: in.ID, Tenant: tenant, Type: sub.Type}
	if err := s.queues.Enqueue(ctx, queue.StageIntake, job); err != nil {
		log.Errorf(ctx, err, "enqueue intake job for %s", in.ID)
	}
	return in, nil
}

// SubmitBulk admits submissions sequentially, continuing past failures unless
// StopOnError is set.
func (s *Service) SubmitBulk(ctx context.Context, tenant string, subs []*intent.Submission, opts BulkOptions) (*BulkResult, error) {
	res := &BulkResult{Submitted: len(subs)}
	for i, sub := range subs {
		in, err := s.Submit(ctx, tenant, sub, opts.SubmitOptions)
		if err != nil {
			res.Failed = append(res.Failed, BulkFailure{
				Index: i,
				Input: sub,
				Error: err.Error(),
				Kind:  string(intent.KindOf(err)),
			})
			if opts.StopOnError {
				break
			}
			continue
		}
		res.Successful = append(res.Successful, in)
		res.Succeeded++
	}
	return res, nil
}

func (s *Service) buildIntent(tenant string, sub *intent.Submission, score *trust.Score, fingerprint string) (*intent.Intent, error) {
	ctxMap := redact(sub.Context, s.cfg.Redaction.SensitivePaths)
	metaMap := redact(sub.Metadata, s.cfg.Redaction.SensitivePaths)
	if s.cipher != nil {
		var err error
		if ctxMap, err = s.cipher.SealMap(ctxMap); err != nil {
			return nil, intent.WrapError(intent.KindInternal, "seal context", err)
		}
		if metaMap, err = s.cipher.SealMap(metaMap); err != nil {
			return nil, intent.WrapError(intent.KindInternal, "seal metadata", err)
		}
	}
	return &intent.Intent{
		TenantID:               tenant,
		EntityID:               sub.EntityID,
		Goal:                   sub.Goal,
		Type:                   sub.Type,
		Priority:               sub.Priority,
		Context:                ctxMap,
		Metadata:               metaMap,
		Status:                 intent.StatusPending,
		TrustScoreAtSubmission: score.Score,
		TrustLevelAtSubmission: score.Level,
		TrustScore:             score.Score,
		TrustLevel:             score.Level,
		DedupeHash:             fingerprint,
	}, nil
}

// audit records admission fire-and-forget.
func (s *Service) audit(ctx context.Context, tenant, intentID, action, actor string) {
	rec := &store.AuditRecord{
		TenantID: tenant,
		IntentID: intentID,
		Action:   action,
		Actor:    actor,
	}
	if err := s.store.AddAudit(ctx, rec); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "audit write failed"},
			log.KV{K: "action", V: action}, log.KV{K: "err", V: err})
	}
}

func typeOrDefault(t string) string {
	if t == "" {
		return "default"
	}
	return t
}
