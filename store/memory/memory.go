// Package memory provides an in-memory store.Store used by tests and local
// development. All invariants of the Postgres implementation hold: unique
// (tenant, fingerprint) among live rows, serialized per-intent event appends
// with chain hashing, and conditional status transitions.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/store"
)

// Store implements store.Store in process memory.
type Store struct {
	mu          sync.Mutex
	intents     map[string]*intent.Intent
	events      map[string][]*intent.Event // intentID → ordered chain
	evaluations map[string][]*intent.Evaluation
	audits      []*store.AuditRecord
	escalations []*store.Escalation
	consents    map[string]bool // tenant|user|type → granted
	deliveries  map[string]*store.Delivery
}

var _ store.Store = (*Store)(nil)

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		intents:     make(map[string]*intent.Intent),
		events:      make(map[string][]*intent.Event),
		evaluations: make(map[string][]*intent.Evaluation),
		consents:    make(map[string]bool),
		deliveries:  make(map[string]*store.Delivery),
	}
}

// SetConsent seeds the consent registry for tests.
func (s *Store) SetConsent(tenant, user, consentType string, granted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consents[tenant+"|"+user+"|"+consentType] = granted
}

// CreateIntent implements store.IntentStore.
func (s *Store) CreateIntent(ctx context.Context, in *intent.Intent, initial *intent.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.intents {
		if existing.TenantID == in.TenantID && existing.DedupeHash == in.DedupeHash && existing.DeletedAt == nil {
			return intent.NewError(intent.KindConflict, "duplicate dedupe fingerprint").
				With("intent_id", existing.ID)
		}
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	cp := *in
	s.intents[in.ID] = &cp
	if initial != nil {
		initial.IntentID = in.ID
		if _, err := s.appendLocked(initial); err != nil {
			delete(s.intents, in.ID)
			return err
		}
	}
	return nil
}

// GetIntent implements store.IntentStore.
func (s *Store) GetIntent(ctx context.Context, id, tenant string, includeDeleted bool) (*intent.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id, tenant, includeDeleted)
}

func (s *Store) getLocked(id, tenant string, includeDeleted bool) (*intent.Intent, error) {
	in, ok := s.intents[id]
	if !ok || in.TenantID != tenant || (!includeDeleted && in.DeletedAt != nil) {
		return nil, intent.NewError(intent.KindNotFound, "intent not found").With("intent_id", id)
	}
	cp := *in
	return &cp, nil
}

// ListIntents implements store.IntentStore.
func (s *Store) ListIntents(ctx context.Context, f store.ListFilter) (*store.IntentPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*intent.Intent
	for _, in := range s.intents {
		if in.TenantID != f.Tenant {
			continue
		}
		if !f.IncludeDeleted && in.DeletedAt != nil {
			continue
		}
		if f.Entity != "" && in.EntityID != f.Entity {
			continue
		}
		if f.Status != "" && in.Status != f.Status {
			continue
		}
		cp := *in
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	start := f.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := start + limit
	if end > len(matched) {
		end = len(matched)
	}
	return &store.IntentPage{
		Items:   matched[start:end],
		Limit:   limit,
		Offset:  f.Offset,
		HasMore: end < len(matched),
	}, nil
}

// CountActiveIntents implements store.IntentStore.
func (s *Store) CountActiveIntents(ctx context.Context, tenant string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, in := range s.intents {
		if in.TenantID == tenant && in.DeletedAt == nil && !in.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

// CountByStatus implements store.IntentStore.
func (s *Store) CountByStatus(ctx context.Context) (map[intent.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[intent.Status]int)
	for _, in := range s.intents {
		if in.DeletedAt == nil {
			out[in.Status]++
		}
	}
	return out, nil
}

// FindByFingerprint implements store.IntentStore.
func (s *Store) FindByFingerprint(ctx context.Context, tenant, fingerprint string) (*intent.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.intents {
		if in.TenantID == tenant && in.DedupeHash == fingerprint && in.DeletedAt == nil {
			cp := *in
			return &cp, nil
		}
	}
	return nil, intent.NewError(intent.KindNotFound, "no intent for fingerprint")
}

// Transition implements store.IntentStore.
func (s *Store) Transition(ctx context.Context, p store.TransitionParams) (*intent.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[p.IntentID]
	if !ok || in.TenantID != p.Tenant || in.DeletedAt != nil {
		return nil, intent.NewError(intent.KindNotFound, "intent not found").With("intent_id", p.IntentID)
	}
	if in.Status.Terminal() {
		return nil, intent.NewError(intent.KindInvalidStateTransition, "intent is terminal").
			With("status", string(in.Status))
	}
	if in.Status != p.From {
		return nil, intent.NewError(intent.KindConflict, "intent status changed concurrently").
			With("expected", string(p.From)).
			With("actual", string(in.Status))
	}
	in.Status = p.To
	in.UpdatedAt = time.Now().UTC()
	if p.To == intent.StatusCancelled {
		now := in.UpdatedAt
		in.CancelledAt = &now
		in.CancellationReason = p.CancellationReason
		in.CancelledBy = p.CancelledBy
	}
	if p.Event != nil {
		p.Event.IntentID = p.IntentID
		if _, err := s.appendLocked(p.Event); err != nil {
			return nil, err
		}
	}
	if p.Evaluation != nil {
		p.Evaluation.IntentID = p.IntentID
		s.addEvaluationLocked(p.Evaluation)
	}
	cp := *in
	return &cp, nil
}

// SoftDelete implements store.IntentStore.
func (s *Store) SoftDelete(ctx context.Context, id, tenant string) (*intent.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok || in.TenantID != tenant || in.DeletedAt != nil {
		return nil, intent.NewError(intent.KindNotFound, "intent not found").With("intent_id", id)
	}
	now := time.Now().UTC()
	in.DeletedAt = &now
	in.UpdatedAt = now
	in.Context = nil
	in.Metadata = nil
	ev := &intent.Event{
		IntentID:   id,
		Type:       intent.EventDeleted,
		OccurredAt: now,
	}
	if _, err := s.appendLocked(ev); err != nil {
		return nil, err
	}
	cp := *in
	return &cp, nil
}

// UpdateTrust implements store.IntentStore.
func (s *Store) UpdateTrust(ctx context.Context, id string, score, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.intents[id]
	if !ok {
		return intent.NewError(intent.KindNotFound, "intent not found").With("intent_id", id)
	}
	in.TrustScore = score
	in.TrustLevel = level
	in.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendEvent implements store.EventStore.
func (s *Store) AppendEvent(ctx context.Context, e *intent.Event) (*intent.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(e)
}

func (s *Store) appendLocked(e *intent.Event) (*intent.Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	prev := intent.GenesisHash
	chain := s.events[e.IntentID]
	if len(chain) > 0 {
		prev = chain[len(chain)-1].Hash
	}
	h, err := intent.ChainHash(e, prev)
	if err != nil {
		return nil, err
	}
	e.PreviousHash = prev
	e.Hash = h
	cp := *e
	s.events[e.IntentID] = append(chain, &cp)
	return e, nil
}

// ListEvents implements store.EventStore.
func (s *Store) ListEvents(ctx context.Context, intentID string, offset, limit int) ([]*intent.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.events[intentID]
	if offset >= len(chain) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(chain) {
		end = len(chain)
	}
	out := make([]*intent.Event, 0, end-offset)
	for _, e := range chain[offset:end] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// LatestEvent implements store.EventStore.
func (s *Store) LatestEvent(ctx context.Context, intentID string) (*intent.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.events[intentID]
	if len(chain) == 0 {
		return nil, intent.NewError(intent.KindNotFound, "no events").With("intent_id", intentID)
	}
	cp := *chain[len(chain)-1]
	return &cp, nil
}

// AddEvaluation implements store.EvaluationStore.
func (s *Store) AddEvaluation(ctx context.Context, ev *intent.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addEvaluationLocked(ev)
	return nil
}

func (s *Store) addEvaluationLocked(ev *intent.Evaluation) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	cp := *ev
	s.evaluations[ev.IntentID] = append(s.evaluations[ev.IntentID], &cp)
}

// ListEvaluations implements store.EvaluationStore.
func (s *Store) ListEvaluations(ctx context.Context, intentID string) ([]*intent.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.evaluations[intentID]
	out := make([]*intent.Evaluation, 0, len(evs))
	for _, e := range evs {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// AddAudit implements store.AuditStore.
func (s *Store) AddAudit(ctx context.Context, rec *store.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.EventTime.IsZero() {
		rec.EventTime = time.Now().UTC()
	}
	cp := *rec
	s.audits = append(s.audits, &cp)
	return nil
}

// Audits returns recorded audit rows, for tests.
func (s *Store) Audits() []*store.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.AuditRecord, len(s.audits))
	copy(out, s.audits)
	return out
}

// HasConsent implements store.ConsentStore.
func (s *Store) HasConsent(ctx context.Context, tenant, user, consentType string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consents[tenant+"|"+user+"|"+consentType], nil
}

// CreateEscalation implements store.EscalationStore.
func (s *Store) CreateEscalation(ctx context.Context, e *store.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	s.escalations = append(s.escalations, &cp)
	return nil
}

// Escalations returns recorded escalations, for tests.
func (s *Store) Escalations() []*store.Escalation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Escalation, len(s.escalations))
	copy(out, s.escalations)
	return out
}

// CreateDelivery implements store.DeliveryStore.
func (s *Store) CreateDelivery(ctx context.Context, d *store.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

// UpdateDelivery implements store.DeliveryStore.
func (s *Store) UpdateDelivery(ctx context.Context, d *store.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.deliveries[d.ID]
	if !ok {
		return intent.NewError(intent.KindNotFound, "delivery not found").With("delivery_id", d.ID)
	}
	if cur.Status == store.DeliveryDelivered {
		return intent.NewError(intent.KindConflict, "delivery already delivered").With("delivery_id", d.ID)
	}
	cp := *d
	s.deliveries[d.ID] = &cp
	return nil
}

// GetDelivery implements store.DeliveryStore.
func (s *Store) GetDelivery(ctx context.Context, id string) (*store.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, intent.NewError(intent.KindNotFound, "delivery not found").With("delivery_id", id)
	}
	cp := *d
	return &cp, nil
}

// ListDeliveries implements store.DeliveryStore.
func (s *Store) ListDeliveries(ctx context.Context, tenant, subscriptionID string, limit, offset int) ([]*store.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*store.Delivery
	for _, d := range s.deliveries {
		if d.TenantID == tenant && (subscriptionID == "" || d.SubscriptionID == subscriptionID) {
			cp := *d
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if offset > len(matched) {
		offset = len(matched)
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], nil
}

// DueRetries implements store.DeliveryStore.
func (s *Store) DueRetries(ctx context.Context, now time.Time, limit int) ([]*store.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*store.Delivery
	for _, d := range s.deliveries {
		if d.Status == store.DeliveryRetrying && d.NextRetryAt != nil && !d.NextRetryAt.After(now) {
			cp := *d
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(*due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}
