// Package storetest provides a conformance suite run against every
// store.Store implementation.
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/estategpt/internal/domain"
	"github.com/DukeRupert/estategpt/internal/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("GetEntitlementNotFound", func(t *testing.T) { testGetNotFound(t, newStore(t)) })
	t.Run("CreateEntitlementIfAbsent", func(t *testing.T) { testCreateIfAbsent(t, newStore(t)) })
	t.Run("UpdateEntitlementMerges", func(t *testing.T) { testUpdateMerges(t, newStore(t)) })
	t.Run("UpdateEntitlementCreates", func(t *testing.T) { testUpdateCreates(t, newStore(t)) })
	t.Run("ResetQuotaIfExpired", func(t *testing.T) { testResetIfExpired(t, newStore(t)) })
	t.Run("DecrementQuotaNeverNegative", func(t *testing.T) { testDecrement(t, newStore(t)) })
	t.Run("DecrementQuotaConcurrent", func(t *testing.T) { testDecrementConcurrent(t, newStore(t)) })
	t.Run("ClaimEventOnce", func(t *testing.T) { testClaimEvent(t, newStore(t)) })
	t.Run("CustomerIndex", func(t *testing.T) { testCustomerIndex(t, newStore(t)) })
	t.Run("Chats", func(t *testing.T) { testChats(t, newStore(t)) })
}

func testGetNotFound(t *testing.T, s store.Store) {
	_, err := s.GetEntitlement(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testCreateIfAbsent(t *testing.T, s store.Store) {
	ctx := context.Background()
	reset := time.Now().Add(domain.QuotaWindow).Truncate(time.Millisecond)

	got, err := s.CreateEntitlement(ctx, domain.Entitlement{UserID: "u1", Plan: domain.PlanNone, Quota: 3, QuotaResetAt: reset})
	require.NoError(t, err)
	assert.Equal(t, 3, got.Quota)

	// A second create keeps the first record.
	got, err = s.CreateEntitlement(ctx, domain.Entitlement{UserID: "u1", Plan: domain.PlanNone, Quota: 99, QuotaResetAt: reset})
	require.NoError(t, err)
	assert.Equal(t, 3, got.Quota)

	stored, err := s.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanNone, stored.Plan)
	assert.Equal(t, 3, stored.Quota)
	assert.True(t, reset.Equal(stored.QuotaResetAt), "reset at %v, want %v", stored.QuotaResetAt, reset)
}

func testUpdateMerges(t *testing.T, s store.Store) {
	ctx := context.Background()
	reset := time.Now().Add(time.Hour).Truncate(time.Millisecond)

	_, err := s.CreateEntitlement(ctx, domain.Entitlement{UserID: "u1", Plan: domain.PlanNone, Quota: 2, QuotaResetAt: reset})
	require.NoError(t, err)

	err = s.UpdateEntitlement(ctx, "u1", domain.EntitlementPatch{}.
		SetPlan(domain.PlanPro).
		SetCustomer("cus_1").
		SetStatus(domain.PaymentStatusActive))
	require.NoError(t, err)

	err = s.UpdateEntitlement(ctx, "u1", domain.EntitlementPatch{}.SetSubscription("sub_1"))
	require.NoError(t, err)

	got, err := s.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPro, got.Plan)
	assert.Equal(t, 2, got.Quota)
	assert.True(t, reset.Equal(got.QuotaResetAt))
	assert.Equal(t, "cus_1", got.PaymentCustomerID)
	assert.Equal(t, "sub_1", got.PaymentSubscriptionID)
	assert.Equal(t, domain.PaymentStatusActive, got.PaymentStatus)
	assert.False(t, got.UpdatedAt.IsZero())
}

func testUpdateCreates(t *testing.T, s store.Store) {
	ctx := context.Background()

	err := s.UpdateEntitlement(ctx, "u2", domain.EntitlementPatch{}.SetPlan(domain.PlanPro).SetStatus(domain.PaymentStatusActive))
	require.NoError(t, err)

	got, err := s.GetEntitlement(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPro, got.Plan)
	assert.Equal(t, 0, got.Quota)
	assert.True(t, !got.QuotaResetAt.After(time.Now()), "a merge-created record starts with an expired window")
}

func testResetIfExpired(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	next := now.Add(domain.QuotaWindow)

	_, err := s.CreateEntitlement(ctx, domain.Entitlement{UserID: "u1", Plan: domain.PlanNone, Quota: 0, QuotaResetAt: now.Add(-time.Minute)})
	require.NoError(t, err)

	ok, err := s.ResetQuotaIfExpired(ctx, "u1", 3, now, next)
	require.NoError(t, err)
	assert.True(t, ok)

	// The window is no longer expired, so a racing reset must not refill.
	_, err = s.DecrementQuota(ctx, "u1")
	require.NoError(t, err)
	ok, err = s.ResetQuotaIfExpired(ctx, "u1", 3, now, next)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Quota)
	assert.True(t, next.Equal(got.QuotaResetAt))
}

func testDecrement(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateEntitlement(ctx, domain.Entitlement{UserID: "u1", Plan: domain.PlanNone, Quota: 2, QuotaResetAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	left, err := s.DecrementQuota(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, left)

	left, err = s.DecrementQuota(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, left)

	_, err = s.DecrementQuota(ctx, "u1")
	assert.ErrorIs(t, err, store.ErrQuotaExhausted)

	got, err := s.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Quota)
}

func testDecrementConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.CreateEntitlement(ctx, domain.Entitlement{UserID: "u1", Plan: domain.PlanNone, Quota: 5, QuotaResetAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var succeeded atomic.Int64
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.DecrementQuota(ctx, "u1"); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), succeeded.Load())
	got, err := s.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Quota)
}

func testClaimEvent(t *testing.T, s store.Store) {
	ctx := context.Background()
	evt := domain.PaymentEvent{ID: "evt_1", Type: "checkout.session.completed", ReceivedAt: time.Now()}

	ok, err := s.ClaimEvent(ctx, evt)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ClaimEvent(ctx, evt)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseEvent(ctx, "evt_1"))
	ok, err = s.ClaimEvent(ctx, evt)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testCustomerIndex(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.UserForCustomer(ctx, "cus_missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.LinkCustomer(ctx, "cus_1", "u1"))
	require.NoError(t, s.LinkCustomer(ctx, "cus_1", "u1"))

	userID, err := s.UserForCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func testChats(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	_, err := s.GetChat(ctx, "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.CreateChat(ctx, domain.Chat{ID: "c1", UserID: "u1", Title: "first", CreatedAt: now.Add(-time.Hour), UpdatedAt: now.Add(-time.Hour)}))
	require.NoError(t, s.CreateChat(ctx, domain.Chat{ID: "c2", UserID: "u1", Title: "second", CreatedAt: now.Add(-time.Minute), UpdatedAt: now.Add(-time.Minute)}))
	require.NoError(t, s.CreateChat(ctx, domain.Chat{ID: "c3", UserID: "u2", Title: "other", CreatedAt: now, UpdatedAt: now}))
	// Re-creating is a no-op.
	require.NoError(t, s.CreateChat(ctx, domain.Chat{ID: "c1", UserID: "u1", Title: "changed", CreatedAt: now, UpdatedAt: now}))

	chats, err := s.ListChats(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, "c2", chats[0].ID)

	chat, err := s.GetChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", chat.UserID)
	assert.Equal(t, "first", chat.Title)

	err = s.AppendMessages(ctx, "c1",
		domain.Message{ID: "m1", ChatID: "c1", Role: domain.RoleUser, Content: "hi", CreatedAt: now},
		domain.Message{ID: "m2", ChatID: "c1", Role: domain.RoleAssistant, Content: "hello", CreatedAt: now.Add(time.Millisecond)},
	)
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[1].Content)

	// Appending bumped c1 above c2.
	chats, err = s.ListChats(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, "c1", chats[0].ID)

	chats, err = s.ListChats(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Len(t, chats, 1)

	err = s.AddFiles(ctx,
		domain.FileMeta{ID: "f1", ChatID: "c1", UserID: "u1", Name: "lease.pdf", MimeType: "application/pdf", Size: 1024, CreatedAt: now},
		domain.FileMeta{ID: "f2", ChatID: "c1", UserID: "u1", Name: "notes.txt", MimeType: "text/plain", Size: 12, CreatedAt: now.Add(time.Millisecond)},
	)
	require.NoError(t, err)

	files, err := s.ListFiles(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "lease.pdf", files[0].Name)
	assert.Equal(t, int64(1024), files[0].Size)

	files, err = s.ListFiles(ctx, "c2")
	require.NoError(t, err)
	assert.Empty(t, files)
}
