// Package consent gates intake on recorded user consent.
package consent

import (
	"context"

	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/store"
)

// TypeDataProcessing is the consent type intake requires before admitting a
// submission on a user's behalf.
const TypeDataProcessing = "data_processing"

type (
	// Registry answers consent queries.
	Registry interface {
		// HasConsent reports whether the user granted (and has not revoked)
		// the consent type for the tenant.
		HasConsent(ctx context.Context, tenant, user, consentType string) (bool, error)
	}

	// StoreRegistry is the Registry over the durable consent table.
	StoreRegistry struct {
		consents store.ConsentStore
	}
)

// NewRegistry builds the store-backed registry.
func NewRegistry(consents store.ConsentStore) *StoreRegistry {
	return &StoreRegistry{consents: consents}
}

// HasConsent implements Registry.
func (r *StoreRegistry) HasConsent(ctx context.Context, tenant, user, consentType string) (bool, error) {
	ok, err := r.consents.HasConsent(ctx, tenant, user, consentType)
	if err != nil {
		return false, intent.WrapError(intent.KindInternal, "consent lookup", err)
	}
	return ok, nil
}

// Require returns a CONSENT_REQUIRED error when the user lacks the consent.
func Require(ctx context.Context, reg Registry, tenant, user, consentType string) error {
	ok, err := reg.HasConsent(ctx, tenant, user, consentType)
	if err != nil {
		return err
	}
	if !ok {
		return intent.NewError(intent.KindConsentRequired, "consent absent or revoked").
			With("consent_type", consentType).
			With("reason", "no active grant on record")
	}
	return nil
}
