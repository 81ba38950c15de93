package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vorion/engine/intent"
	"github.com/vorion/engine/store"
	"github.com/vorion/engine/store/memory"
)

func newIntent(tenant, fingerprint string) *intent.Intent {
	return &intent.Intent{
		TenantID:   tenant,
		EntityID:   "e1",
		Goal:       "do the thing",
		Status:     intent.StatusPending,
		DedupeHash: fingerprint,
	}
}

func TestCreateIntentEnforcesFingerprintUniqueness(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	require.NoError(t, s.CreateIntent(ctx, newIntent("t1", "fp1"), nil))
	err := s.CreateIntent(ctx, newIntent("t1", "fp1"), nil)
	require.True(t, intent.IsKind(err, intent.KindConflict))

	// Other tenants and soft-deleted rows do not collide.
	require.NoError(t, s.CreateIntent(ctx, newIntent("t2", "fp1"), nil))
}

func TestSoftDeleteFreesFingerprintAndKeepsChain(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	in := newIntent("t1", "fp1")
	initial := &intent.Event{Type: intent.EventSubmitted}
	require.NoError(t, s.CreateIntent(ctx, in, initial))

	deleted, err := s.SoftDelete(ctx, in.ID, "t1")
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedAt)
	require.Nil(t, deleted.Context)

	// The chain kept both the genesis and the deletion event.
	events, err := s.ListEvents(ctx, in.ID, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, intent.EventDeleted, events[1].Type)
	require.Equal(t, events[0].Hash, events[1].PreviousHash)

	// Fingerprint is reusable after deletion.
	require.NoError(t, s.CreateIntent(ctx, newIntent("t1", "fp1"), nil))
}

func TestTransitionIsConditional(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	in := newIntent("t1", "fp1")
	require.NoError(t, s.CreateIntent(ctx, in, &intent.Event{Type: intent.EventSubmitted}))

	out, err := s.Transition(ctx, store.TransitionParams{
		IntentID: in.ID, Tenant: "t1",
		From: intent.StatusPending, To: intent.StatusEvaluating,
		Event: &intent.Event{Type: intent.EventEvaluationStarted},
	})
	require.NoError(t, err)
	require.Equal(t, intent.StatusEvaluating, out.Status)

	// A second mover expecting the old status loses the race.
	_, err = s.Transition(ctx, store.TransitionParams{
		IntentID: in.ID, Tenant: "t1",
		From: intent.StatusPending, To: intent.StatusCancelled,
		Event: &intent.Event{Type: intent.EventCancelled},
	})
	require.True(t, intent.IsKind(err, intent.KindConflict))
}

func TestTransitionRefusesTerminalIntent(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	in := newIntent("t1", "fp1")
	in.Status = intent.StatusCompleted
	require.NoError(t, s.CreateIntent(ctx, in, nil))

	_, err := s.Transition(ctx, store.TransitionParams{
		IntentID: in.ID, Tenant: "t1",
		From: intent.StatusCompleted, To: intent.StatusFailed,
		Event: &intent.Event{Type: intent.EventFailed},
	})
	require.True(t, intent.IsKind(err, intent.KindInvalidStateTransition))
}

func TestTransitionRecordsCancellationFields(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	in := newIntent("t1", "fp1")
	require.NoError(t, s.CreateIntent(ctx, in, nil))

	out, err := s.Transition(ctx, store.TransitionParams{
		IntentID: in.ID, Tenant: "t1",
		From: intent.StatusPending, To: intent.StatusCancelled,
		Event:              &intent.Event{Type: intent.EventCancelled},
		CancellationReason: "user asked",
		CancelledBy:        "u1",
	})
	require.NoError(t, err)
	require.Equal(t, "user asked", out.CancellationReason)
	require.Equal(t, "u1", out.CancelledBy)
	require.NotNil(t, out.CancelledAt)
}

func TestEventChainLinks(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	in := newIntent("t1", "fp1")
	require.NoError(t, s.CreateIntent(ctx, in, nil))

	prev := intent.GenesisHash
	for i := 0; i < 5; i++ {
		e, err := s.AppendEvent(ctx, &intent.Event{
			IntentID: in.ID,
			Type:     intent.EventStatusChanged,
			Payload:  map[string]any{"i": i},
		})
		require.NoError(t, err)
		require.Equal(t, prev, e.PreviousHash)
		prev = e.Hash
	}

	latest, err := s.LatestEvent(ctx, in.ID)
	require.NoError(t, err)
	require.Equal(t, prev, latest.Hash)
}

func TestListIntentsPagination(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		in := newIntent("t1", "fp"+string(rune('0'+i)))
		require.NoError(t, s.CreateIntent(ctx, in, nil))
		time.Sleep(time.Millisecond)
	}
	page, err := s.ListIntents(ctx, store.ListFilter{Tenant: "t1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.True(t, page.HasMore)

	page, err = s.ListIntents(ctx, store.ListFilter{Tenant: "t1", Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.False(t, page.HasMore)
}

func TestCountActiveExcludesTerminal(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	a := newIntent("t1", "fp1")
	require.NoError(t, s.CreateIntent(ctx, a, nil))
	b := newIntent("t1", "fp2")
	b.Status = intent.StatusCompleted
	require.NoError(t, s.CreateIntent(ctx, b, nil))

	n, err := s.CountActiveIntents(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestDeliveryLifecycle(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	d := &store.Delivery{
		SubscriptionID: "sub1",
		TenantID:       "t1",
		EventType:      intent.EventApproved,
		Status:         store.DeliveryPending,
	}
	require.NoError(t, s.CreateDelivery(ctx, d))

	next := time.Now().Add(-time.Second)
	d.Status = store.DeliveryRetrying
	d.Attempts = 1
	d.NextRetryAt = &next
	require.NoError(t, s.UpdateDelivery(ctx, d))

	due, err := s.DueRetries(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	now := time.Now()
	d.Status = store.DeliveryDelivered
	d.DeliveredAt = &now
	require.NoError(t, s.UpdateDelivery(ctx, d))

	// Delivered rows are frozen.
	d.Status = store.DeliveryFailed
	err = s.UpdateDelivery(ctx, d)
	require.True(t, intent.IsKind(err, intent.KindConflict))
}

func TestValidDeliveryTransitions(t *testing.T) {
	require.True(t, store.ValidDeliveryTransition(store.DeliveryPending, store.DeliveryRetrying))
	require.True(t, store.ValidDeliveryTransition(store.DeliveryRetrying, store.DeliveryRetrying))
	require.True(t, store.ValidDeliveryTransition(store.DeliveryRetrying, store.DeliveryDelivered))
	require.True(t, store.ValidDeliveryTransition(store.DeliveryFailed, store.DeliveryRetrying))
	require.False(t, store.ValidDeliveryTransition(store.DeliveryDelivered, store.DeliveryRetrying))
	require.False(t, store.ValidDeliveryTransition(store.DeliveryFailed, store.DeliveryDelivered))
}
