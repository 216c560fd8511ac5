package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"

	"github.com/DukeRupert/estategpt/internal/billing"
	"github.com/DukeRupert/estategpt/internal/domain"
	"github.com/DukeRupert/estategpt/internal/store"
)

// fakeBilling records calls and returns canned Stripe objects.
type fakeBilling struct {
	customersCreated int
	lastCheckout     billing.CheckoutParams
	subscription     *stripe.Subscription
	err              error
}

var _ billing.Service = (*fakeBilling)(nil)

func (f *fakeBilling) CreateCustomer(_ context.Context, userID, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.customersCreated++
	return "cus_" + userID, nil
}

func (f *fakeBilling) CreateCheckoutSession(_ context.Context, p billing.CheckoutParams) (string, error) {
	f.lastCheckout = p
	return "https://checkout.stripe.test/" + p.CustomerID, f.err
}

func (f *fakeBilling) CreatePortalSession(_ context.Context, customerID, _ string) (string, error) {
	return "https://portal.stripe.test/" + customerID, f.err
}

func (f *fakeBilling) CreateSetupIntent(context.Context, string) (string, error) {
	return "seti_secret", f.err
}

func (f *fakeBilling) Subscribe(context.Context, string, string, string) (*stripe.Subscription, error) {
	return f.subscription, f.err
}

func (f *fakeBilling) GetSubscription(context.Context, string) (*stripe.Subscription, error) {
	return f.subscription, f.err
}

func (f *fakeBilling) CancelSubscription(context.Context, string) (*stripe.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	sub := *f.subscription
	sub.CancelAtPeriodEnd = true
	return &sub, nil
}

func (f *fakeBilling) ReactivateSubscription(context.Context, string) (*stripe.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	sub := *f.subscription
	sub.CancelAtPeriodEnd = false
	return &sub, nil
}

func (f *fakeBilling) VerifyWebhookSignature([]byte, string) (stripe.Event, error) {
	return stripe.Event{}, nil
}

func (f *fakeBilling) PlanForPrice(priceID string) domain.Plan {
	return billing.PlanForPrice(nil, priceID)
}

func (f *fakeBilling) PriceID() string        { return "price_default" }
func (f *fakeBilling) PublishableKey() string { return "pk_test" }

func newTestBillingService(b billing.Service) (*BillingService, *store.Memory) {
	clock := newTestClock()
	mem := store.NewMemory(store.WithClock(clock.Now))
	quota := newQuotaService(mem, 3, clock.Now, discardLogger())
	return NewBillingService(b, mem, quota, "https://app.example.com/", discardLogger()), mem
}

func TestBillingService_Disabled(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestBillingService(nil)

	assert.False(t, svc.Enabled())
	assert.Equal(t, BillingConfig{}, svc.Config())

	status, err := svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanNone, status.Plan)
	assert.Equal(t, 3, status.Quota)
	assert.False(t, status.Active)

	_, err = svc.Checkout(ctx, "u1", "", "")
	assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))
}

func TestBillingService_CheckoutEnsuresCustomerOnce(t *testing.T) {
	ctx := context.Background()
	fake := &fakeBilling{}
	svc, mem := newTestBillingService(fake)

	url, err := svc.Checkout(ctx, "u1", "u1@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.test/cus_u1", url)
	assert.Equal(t, "price_default", fake.lastCheckout.PriceID)
	assert.Equal(t, "u1", fake.lastCheckout.UserID)
	assert.Equal(t, "https://app.example.com/?checkout=canceled", fake.lastCheckout.CancelURL)

	_, err = svc.Checkout(ctx, "u1", "u1@example.com", "price_other")
	require.NoError(t, err)
	assert.Equal(t, 1, fake.customersCreated)
	assert.Equal(t, "price_other", fake.lastCheckout.PriceID)

	userID, err := mem.UserForCustomer(ctx, "cus_u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)

	ent, err := mem.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "cus_u1", ent.PaymentCustomerID)
}

func TestBillingService_StripeErrorIsUnavailable(t *testing.T) {
	svc, _ := newTestBillingService(&fakeBilling{err: errors.New("stripe down")})

	_, err := svc.SetupIntent(context.Background(), "u1", "")
	require.Error(t, err)
	assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))
}

func TestBillingService_PortalRequiresCustomer(t *testing.T) {
	ctx := context.Background()
	svc, mem := newTestBillingService(&fakeBilling{})

	_, err := svc.Portal(ctx, "u1")
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	require.NoError(t, mem.UpdateEntitlement(ctx, "u1", domain.EntitlementPatch{}.SetCustomer("cus_1")))
	url, err := svc.Portal(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "https://portal.stripe.test/cus_1", url)
}

func TestBillingService_SubscribeMirrorsSubscription(t *testing.T) {
	ctx := context.Background()
	fake := &fakeBilling{subscription: &stripe.Subscription{
		ID:     "sub_1",
		Status: stripe.SubscriptionStatusActive,
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{
			{Price: &stripe.Price{ID: "price_default"}},
		}},
	}}
	svc, mem := newTestBillingService(fake)

	_, err := svc.Subscribe(ctx, "u1", "", " ", "")
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	state, err := svc.Subscribe(ctx, "u1", "", "pm_card", "")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", state.SubscriptionID)
	assert.Equal(t, domain.PaymentStatusActive, state.Status)

	ent, err := mem.GetEntitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPro, ent.Plan)
	assert.Equal(t, "sub_1", ent.PaymentSubscriptionID)
}

func TestBillingService_CancelAndReactivate(t *testing.T) {
	ctx := context.Background()
	fake := &fakeBilling{subscription: &stripe.Subscription{ID: "sub_1", Status: stripe.SubscriptionStatusActive}}
	svc, mem := newTestBillingService(fake)

	_, err := svc.Cancel(ctx, "u1")
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	require.NoError(t, mem.UpdateEntitlement(ctx, "u1", domain.EntitlementPatch{}.
		SetPlan(domain.PlanPro).
		SetSubscription("sub_1")))

	state, err := svc.Cancel(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, state.CancelAtPeriodEnd)

	state, err = svc.Reactivate(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, state.CancelAtPeriodEnd)
}

func TestBillingService_StatusWithSubscription(t *testing.T) {
	ctx := context.Background()
	fake := &fakeBilling{subscription: &stripe.Subscription{
		ID:                "sub_1",
		Status:            stripe.SubscriptionStatusActive,
		CancelAtPeriodEnd: true,
		CurrentPeriodEnd:  1775000000,
		DefaultPaymentMethod: &stripe.PaymentMethod{
			Card: &stripe.PaymentMethodCard{Brand: "visa", Last4: "4242"},
		},
		Items: &stripe.SubscriptionItemList{Data: []*stripe.SubscriptionItem{{
			Price: &stripe.Price{
				ID:         "price_default",
				UnitAmount: 1900,
				Currency:   stripe.CurrencyUSD,
				Recurring:  &stripe.PriceRecurring{Interval: stripe.PriceRecurringIntervalMonth},
			},
		}}},
	}}
	svc, mem := newTestBillingService(fake)
	require.NoError(t, mem.UpdateEntitlement(ctx, "u1", domain.EntitlementPatch{}.
		SetPlan(domain.PlanPro).
		SetStatus(domain.PaymentStatusActive).
		SetSubscription("sub_1")))

	status, err := svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.True(t, status.ResetAt.IsZero())
	assert.True(t, status.CancelAtPeriodEnd)
	require.NotNil(t, status.RenewsAt)
	assert.Equal(t, int64(1775000000), status.RenewsAt.Unix())
	require.NotNil(t, status.PaymentMethod)
	assert.Equal(t, "4242", status.PaymentMethod.Last4)
	require.NotNil(t, status.Price)
	assert.Equal(t, "month", status.Price.Interval)
	assert.Equal(t, int64(1900), status.Price.UnitAmount)

	// Live details are optional.
	fake.err = errors.New("stripe down")
	status, err = svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPro, status.Plan)
	assert.Nil(t, status.Price)
}
