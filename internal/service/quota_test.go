package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/estategpt/internal/domain"
	"github.com/DukeRupert/estategpt/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testClock is a settable clock shared by a service and its store.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// =============================================================================
// Admit / Consume
// =============================================================================

func TestQuotaService_FreeWeeklyScenario(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	st := store.NewMemory(store.WithClock(clock.Now))
	svc := newQuotaService(st, 3, clock.Now, discardLogger())

	for _, want := range []int{2, 1, 0} {
		ent, err := svc.Admit(ctx, "u1")
		require.NoError(t, err)

		charged, err := svc.Consume(ctx, ent)
		require.NoError(t, err)
		assert.Equal(t, want, charged.Quota)
	}

	ent, err := svc.Admit(ctx, "u1")
	require.Error(t, err)
	assert.Equal(t, domain.EPAYMENT, domain.ErrorCode(err))
	require.NotNil(t, ent)
	assert.Equal(t, 0, ent.Quota)

	resetAt, ok := domain.QuotaResetAt(err)
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(domain.QuotaWindow), resetAt)
}

func TestQuotaService_WindowReset(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	st := store.NewMemory(store.WithClock(clock.Now))
	svc := newQuotaService(st, 3, clock.Now, discardLogger())

	for i := 0; i < 3; i++ {
		ent, err := svc.Admit(ctx, "u1")
		require.NoError(t, err)
		_, err = svc.Consume(ctx, ent)
		require.NoError(t, err)
	}
	_, err := svc.Admit(ctx, "u1")
	require.Error(t, err)

	clock.Advance(domain.QuotaWindow)

	ent, err := svc.Admit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, ent.Quota)
	assert.Equal(t, clock.Now().Add(domain.QuotaWindow), ent.QuotaResetAt)

	stored, err := st.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Quota)
	assert.Equal(t, ent.QuotaResetAt, stored.QuotaResetAt)
}

func TestQuotaService_PaidPlanNotCharged(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	st := store.NewMemory(store.WithClock(clock.Now))
	svc := newQuotaService(st, 3, clock.Now, discardLogger())

	_, err := st.CreateEntitlement(ctx, domain.Entitlement{
		UserID:       "u1",
		Plan:         domain.PlanPro,
		Quota:        0,
		QuotaResetAt: clock.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		ent, err := svc.Admit(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, domain.PlanPro, ent.Plan)

		charged, err := svc.Consume(ctx, ent)
		require.NoError(t, err)
		assert.Equal(t, 0, charged.Quota)
	}
}

func TestQuotaService_ConcurrentConsumeNeverNegative(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	st := store.NewMemory(store.WithClock(clock.Now))
	svc := newQuotaService(st, 3, clock.Now, discardLogger())

	ent, err := svc.Admit(ctx, "u1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			charged, err := svc.Consume(ctx, ent)
			assert.NoError(t, err)
			assert.GreaterOrEqual(t, charged.Quota, 0)
		}()
	}
	wg.Wait()

	stored, err := st.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.Quota)
}

func TestQuotaService_ConcurrentFirstAdmitCreatesOnce(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	st := store.NewMemory(store.WithClock(clock.Now))
	svc := newQuotaService(st, 3, clock.Now, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Admit(ctx, "u1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ent, err := svc.Admit(ctx, "u1")
	require.NoError(t, err)
	_, err = svc.Consume(ctx, ent)
	require.NoError(t, err)

	stored, err := st.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Quota)
}

func TestQuotaService_PatchCreatedRecordStartsWindow(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	st := store.NewMemory(store.WithClock(clock.Now))
	svc := newQuotaService(st, 3, clock.Now, discardLogger())

	// A webhook can create the record before the user's first question.
	require.NoError(t, st.UpdateEntitlement(ctx, "u1", domain.EntitlementPatch{}.SetCustomer("cus_1")))

	ent, err := svc.Admit(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, ent.Quota)
	assert.Equal(t, "cus_1", ent.PaymentCustomerID)
	assert.Equal(t, clock.Now().Add(domain.QuotaWindow), ent.QuotaResetAt)
}

// =============================================================================
// Status
// =============================================================================

func TestQuotaService_StatusDoesNotPersist(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	st := store.NewMemory(store.WithClock(clock.Now))
	svc := newQuotaService(st, 3, clock.Now, discardLogger())

	ent, err := svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanNone, ent.Plan)
	assert.Equal(t, 3, ent.Quota)

	_, err = st.GetEntitlement(ctx, "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// =============================================================================
// Store failures
// =============================================================================

type failingEntitlementStore struct {
	store.EntitlementStore
	err error
}

func (f failingEntitlementStore) DecrementQuota(context.Context, string) (int, error) {
	return 0, f.err
}

func TestQuotaService_ConsumeStoreError(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	mem := store.NewMemory(store.WithClock(clock.Now))
	svc := newQuotaService(failingEntitlementStore{EntitlementStore: mem, err: errors.New("boom")}, 3, clock.Now, discardLogger())

	ent, err := svc.Admit(ctx, "u1")
	require.NoError(t, err)

	_, err = svc.Consume(ctx, ent)
	require.Error(t, err)
	assert.Equal(t, domain.EINTERNAL, domain.ErrorCode(err))
}

func TestQuotaService_ConsumeAlreadyExhausted(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	mem := store.NewMemory(store.WithClock(clock.Now))
	svc := newQuotaService(failingEntitlementStore{EntitlementStore: mem, err: store.ErrQuotaExhausted}, 3, clock.Now, discardLogger())

	ent, err := svc.Admit(ctx, "u1")
	require.NoError(t, err)

	charged, err := svc.Consume(ctx, ent)
	require.NoError(t, err)
	assert.Equal(t, 0, charged.Quota)
}
