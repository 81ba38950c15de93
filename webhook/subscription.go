// Package webhook delivers signed lifecycle notifications to registered
// endpoints. Subscriptions live in a replicated map shared by all engine
// instances; deliveries are recorded durably and retried with backoff behind
// per-endpoint circuit breakers. Endpoint URLs are vetted against SSRF at
// registration and re-checked before every attempt.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/secrets"
)

type (
	// Map is the minimal replicated-map contract the subscription store
	// needs. Satisfied by *rmap.Map from goa.design/pulse/rmap; defined here
	// so the store stays unit-testable without Redis. Implementations must be
	// safe for concurrent use.
	Map interface {
		Delete(ctx context.Context, key string) (string, error)
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
	}

	// Subscription is one registered webhook endpoint. The secret is sealed
	// at rest; use Subscriptions.SecretFor to recover it.
	Subscription struct {
		ID       string `json:"id"`
		TenantID string `json:"tenant_id"`
		URL      string `json:"url"`
		// Secret is the sealed signing secret.
		Secret string `json:"secret"`
		// Events filters deliveries; empty subscribes to everything.
		Events []string `json:"events,omitempty"`
		// PinnedIPs are the addresses the URL resolved to at registration.
		PinnedIPs []string  `json:"pinned_ips,omitempty"`
		Active    bool      `json:"active"`
		CreatedAt time.Time `json:"created_at"`
	}

	// RegisterParams is the input to Register.
	RegisterParams struct {
		URL    string
		Secret string
		Events []string
	}

	// Subscriptions manages webhook registrations in the replicated map.
	Subscriptions struct {
		m      Map
		guard  *Guard
		cipher *secrets.Cipher
	}
)

const subscriptionKeyPrefix = "webhook:config:"

// NewSubscriptions builds the subscription store. cipher may be nil, in which
// case secrets are stored as given.
func NewSubscriptions(m Map, guard *Guard, cipher *secrets.Cipher) *Subscriptions {
	return &Subscriptions{m: m, guard: guard, cipher: cipher}
}

func subscriptionKey(tenant, id string) string {
	return subscriptionKeyPrefix + tenant + ":" + id
}

// Register vets the endpoint, pins its resolution and stores the subscription.
func (s *Subscriptions) Register(ctx context.Context, tenant string, p RegisterParams) (*Subscription, error) {
	if tenant == "" {
		return nil, intent.NewError(intent.KindValidation, "tenant is required")
	}
	if p.Secret == "" {
		return nil, intent.NewError(intent.KindValidation, "signing secret is required")
	}
	pinned, err := s.guard.ValidateURL(ctx, p.URL)
	if err != nil {
		return nil, intent.WrapError(intent.KindValidation, "webhook endpoint rejected", err)
	}
	secret := p.Secret
	if s.cipher != nil {
		if secret, err = s.cipher.SealString(p.Secret); err != nil {
			return nil, intent.WrapError(intent.KindInternal, "seal webhook secret", err)
		}
	}
	sub := &Subscription{
		ID:        uuid.NewString(),
		TenantID:  tenant,
		URL:       p.URL,
		Secret:    secret,
		Events:    p.Events,
		PinnedIPs: pinned,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("marshal subscription: %w", err)
	}
	if _, err := s.m.Set(ctx, subscriptionKey(tenant, sub.ID), string(raw)); err != nil {
		return nil, fmt.Errorf("store subscription: %w", err)
	}
	return sub, nil
}

// Unregister removes a subscription.
func (s *Subscriptions) Unregister(ctx context.Context, tenant, id string) error {
	key := subscriptionKey(tenant, id)
	if _, ok := s.m.Get(key); !ok {
		return intent.NewError(intent.KindNotFound, "webhook subscription not found").With("subscription_id", id)
	}
	if _, err := s.m.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete subscription %s: %w", id, err)
	}
	return nil
}

// Get returns one subscription.
func (s *Subscriptions) Get(tenant, id string) (*Subscription, error) {
	raw, ok := s.m.Get(subscriptionKey(tenant, id))
	if !ok {
		return nil, intent.NewError(intent.KindNotFound, "webhook subscription not found").With("subscription_id", id)
	}
	var sub Subscription
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return nil, fmt.Errorf("unmarshal subscription %s: %w", id, err)
	}
	return &sub, nil
}

// List returns a tenant's subscriptions.
func (s *Subscriptions) List(tenant string) ([]*Subscription, error) {
	prefix := subscriptionKeyPrefix + tenant + ":"
	var out []*Subscription
	for _, k := range s.m.Keys() {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		sub, err := s.Get(tenant, strings.TrimPrefix(k, prefix))
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, nil
}

// ForEvent returns the active subscriptions that want the event.
func (s *Subscriptions) ForEvent(tenant, event string) ([]*Subscription, error) {
	subs, err := s.List(tenant)
	if err != nil {
		return nil, err
	}
	var out []*Subscription
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		if len(sub.Events) == 0 || slices.Contains(sub.Events, event) || slices.Contains(sub.Events, "*") {
			out = append(out, sub)
		}
	}
	return out, nil
}

// SecretFor recovers the signing secret of a subscription.
func (s *Subscriptions) SecretFor(sub *Subscription) (string, error) {
	if s.cipher == nil {
		return sub.Secret, nil
	}
	secret, err := s.cipher.OpenString(sub.Secret)
	if err != nil {
		return "", intent.WrapError(intent.KindInternal, "open webhook secret", err)
	}
	return secret, nil
}
