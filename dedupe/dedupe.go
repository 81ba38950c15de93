// Package dedupe computes admission fingerprints and reserves them so the same
// logical submission admitted twice inside the window collapses onto one
// intent. The fingerprint is an HMAC over the submission's identity fields
// bucketed in time; reservation is a short lock plus a marker key, with the
// durable partial-unique index as the backstop.
package dedupe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/vorion/engine/config"
	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/lock"
	"github.com/vorion/engine/store"
	"github.com/vorion/engine/telemetry"
)

type (
	// Deduper fingerprints submissions and reserves fingerprints for the
	// duration of the dedupe window.
	Deduper struct {
		cfg     *config.Config
		rdb     redis.UniversalClient
		locks   *lock.Manager
		intents store.IntentStore
		metrics *telemetry.Metrics

		warnOnce sync.Once
	}

	// Outcome classifies a reservation attempt.
	Outcome string

	// Reservation is the result of a successful Reserve call. Commit or
	// Abandon must be called exactly once.
	Reservation struct {
		// Fingerprint is the reserved admission fingerprint.
		Fingerprint string
		// Outcome is OutcomeNew or OutcomeRaceResolved.
		Outcome Outcome

		d      *Deduper
		tenant string
		handle *lock.Handle
	}
)

const (
	// OutcomeNew means no live intent carries the fingerprint.
	OutcomeNew Outcome = "new"
	// OutcomeDuplicate means a live intent already carries it.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeRaceResolved means the fast marker was present but no durable
	// row backs it; the marker was stale and the submission proceeds.
	OutcomeRaceResolved Outcome = "race_resolved"
)

// ErrDuplicate reports the live intent that already carries the fingerprint.
type ErrDuplicate struct {
	// IntentID is the existing intent.
	IntentID string
	// Fingerprint is the colliding fingerprint.
	Fingerprint string
}

func (e *ErrDuplicate) Error() string {
	return fmt.Sprintf("dedupe: duplicate of intent %s", e.IntentID)
}

// New constructs a Deduper.
func New(cfg *config.Config, rdb redis.UniversalClient, locks *lock.Manager, intents store.IntentStore, metrics *telemetry.Metrics) *Deduper {
	return &Deduper{cfg: cfg, rdb: rdb, locks: locks, intents: intents, metrics: metrics}
}

// Fingerprint derives the admission fingerprint for a submission at time now.
// Identical submissions inside the same timestamp bucket fingerprint
// identically; the bucket width is the configured window, so a replay after
// the window admits a fresh intent.
func (d *Deduper) Fingerprint(ctx context.Context, tenant string, sub *intent.Submission, now time.Time) (string, error) {
	canonical, err := intent.CanonicalJSON(sub.Context)
	if err != nil {
		return "", intent.WrapError(intent.KindValidation, "canonicalize context", err)
	}
	bucket := now.Unix() / int64(d.cfg.Dedupe.TimestampWindowSeconds)

	var mac []byte
	material := fmt.Sprintf("%s\x00%s\x00%s\x00%s\x00%s\x00%s\x00%s",
		tenant, sub.EntityID, sub.Goal, canonical, sub.Type, sub.IdempotencyKey,
		strconv.FormatInt(bucket, 10))
	if d.cfg.Dedupe.Secret != "" {
		h := hmac.New(sha256.New, []byte(d.cfg.Dedupe.Secret))
		h.Write([]byte(material))
		mac = h.Sum(nil)
	} else {
		if d.cfg.Production() {
			return "", intent.NewError(intent.KindInternal, "dedupe secret required in production")
		}
		d.warnOnce.Do(func() {
			log.Warn(ctx, log.KV{K: "msg", V: "dedupe secret unset, using unkeyed fingerprints"})
		})
		sum := sha256.Sum256([]byte(material))
		mac = sum[:]
	}
	return hex.EncodeToString(mac), nil
}

func lockKey(tenant, fingerprint string) string {
	return "intent:dedupe:" + tenant + ":" + fingerprint
}

func markerKey(tenant, fingerprint string) string {
	return "intent:dedupe:marker:" + tenant + ":" + fingerprint
}

// Reserve claims a fingerprint for one admission. Under the per-fingerprint
// lock it consults the fast marker and then the durable store:
//
//   - marker absent, no live row:  OutcomeNew, marker set, proceed.
//   - live row exists:             *ErrDuplicate (marker refreshed).
//   - marker present, no row:      OutcomeRaceResolved, proceed; an earlier
//     admission set the marker but never landed a row.
//
// Lock contention past the acquire deadline surfaces as INTENT_LOCKED so
// callers can tell the submitter to retry.
func (d *Deduper) Reserve(ctx context.Context, tenant, fingerprint string) (*Reservation, error) {
	handle, err := d.locks.Acquire(ctx, lockKey(tenant, fingerprint), lock.DefaultOptions())
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			d.observe("lock_timeout")
			return nil, intent.NewError(intent.KindLocked, "concurrent submission in progress").
				With("fingerprint", fingerprint)
		}
		return nil, intent.WrapError(intent.KindInternal, "acquire dedupe lock", err)
	}

	ttl := time.Duration(d.cfg.Dedupe.TTLSeconds) * time.Second
	marker := markerKey(tenant, fingerprint)
	hasMarker, err := d.rdb.Exists(ctx, marker).Result()
	if err != nil {
		releaseQuietly(ctx, handle)
		return nil, intent.WrapError(intent.KindInternal, "read dedupe marker", err)
	}

	existing, err := d.intents.FindByFingerprint(ctx, tenant, fingerprint)
	if err != nil && !intent.IsKind(err, intent.KindNotFound) {
		releaseQuietly(ctx, handle)
		return nil, err
	}
	if existing != nil {
		// Refresh the marker so later replays short-circuit without the
		// store round trip.
		if err := d.rdb.Set(ctx, marker, existing.ID, ttl).Err(); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "refresh dedupe marker failed"}, log.KV{K: "err", V: err})
		}
		releaseQuietly(ctx, handle)
		d.observe(string(OutcomeDuplicate))
		return nil, &ErrDuplicate{IntentID: existing.ID, Fingerprint: fingerprint}
	}

	outcome := OutcomeNew
	if hasMarker > 0 {
		outcome = OutcomeRaceResolved
		log.Info(ctx, log.KV{K: "msg", V: "stale dedupe marker resolved"},
			log.KV{K: "tenant", V: tenant}, log.KV{K: "fingerprint", V: fingerprint})
	}
	if err := d.rdb.Set(ctx, marker, "reserved", ttl).Err(); err != nil {
		releaseQuietly(ctx, handle)
		return nil, intent.WrapError(intent.KindInternal, "set dedupe marker", err)
	}
	d.observe(string(outcome))
	return &Reservation{
		Fingerprint: fingerprint,
		Outcome:     outcome,
		d:           d,
		tenant:      tenant,
		handle:      handle,
	}, nil
}

// Commit finalizes the reservation after the intent row landed: the marker is
// repointed at the intent and the lock released.
func (r *Reservation) Commit(ctx context.Context, intentID string) {
	ttl := time.Duration(r.d.cfg.Dedupe.TTLSeconds) * time.Second
	if err := r.d.rdb.Set(ctx, markerKey(r.tenant, r.Fingerprint), intentID, ttl).Err(); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "commit dedupe marker failed"}, log.KV{K: "err", V: err})
	}
	releaseQuietly(ctx, r.handle)
}

// Abandon rolls the reservation back after a failed admission so the
// fingerprint is immediately reusable.
func (r *Reservation) Abandon(ctx context.Context) {
	if err := r.d.rdb.Del(ctx, markerKey(r.tenant, r.Fingerprint)).Err(); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "clear dedupe marker failed"}, log.KV{K: "err", V: err})
	}
	releaseQuietly(ctx, r.handle)
}

func releaseQuietly(ctx context.Context, h *lock.Handle) {
	if err := h.Release(ctx); err != nil {
		log.Warn(ctx, log.KV{K: "msg", V: "dedupe lock release failed"}, log.KV{K: "err", V: err})
	}
}

func (d *Deduper) observe(outcome string) {
	if d.metrics != nil {
		d.metrics.Deduplication.WithLabelValues(outcome).Inc()
	}
}
