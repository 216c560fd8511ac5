package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v79"

	"github.com/DukeRupert/estategpt/internal/billing"
	"github.com/DukeRupert/estategpt/internal/domain"
	"github.com/DukeRupert/estategpt/internal/service"
	"github.com/DukeRupert/estategpt/internal/store"
)

// stubStripe implements billing.Service with canned responses.
type stubStripe struct {
	subscription *stripe.Subscription
	err          error
	lastPriceID  string
}

var _ billing.Service = (*stubStripe)(nil)

func (s *stubStripe) CreateCustomer(_ context.Context, userID, _ string) (string, error) {
	return "cus_" + userID, s.err
}

func (s *stubStripe) CreateCheckoutSession(_ context.Context, p billing.CheckoutParams) (string, error) {
	s.lastPriceID = p.PriceID
	return "https://checkout.stripe.test/session", s.err
}

func (s *stubStripe) CreatePortalSession(context.Context, string, string) (string, error) {
	return "https://billing.stripe.test/portal", s.err
}

func (s *stubStripe) CreateSetupIntent(context.Context, string) (string, error) {
	return "seti_1_secret_abc", s.err
}

func (s *stubStripe) Subscribe(context.Context, string, string, string) (*stripe.Subscription, error) {
	return s.subscription, s.err
}

func (s *stubStripe) GetSubscription(context.Context, string) (*stripe.Subscription, error) {
	return s.subscription, s.err
}

func (s *stubStripe) CancelSubscription(context.Context, string) (*stripe.Subscription, error) {
	sub := *s.subscription
	sub.CancelAtPeriodEnd = true
	return &sub, s.err
}

func (s *stubStripe) ReactivateSubscription(context.Context, string) (*stripe.Subscription, error) {
	sub := *s.subscription
	sub.CancelAtPeriodEnd = false
	return &sub, s.err
}

func (s *stubStripe) VerifyWebhookSignature([]byte, string) (stripe.Event, error) {
	return stripe.Event{}, errors.New("not used")
}

func (s *stubStripe) PlanForPrice(priceID string) domain.Plan { return billing.PlanForPrice(nil, priceID) }
func (s *stubStripe) PriceID() string                          { return "price_pro" }
func (s *stubStripe) PublishableKey() string                   { return "pk_test_123" }

func newBillingMux(t *testing.T, stub billing.Service) (*http.ServeMux, *store.Memory) {
	t.Helper()
	logger := discardLogger()
	mem := store.NewMemory()
	quota := service.NewQuotaService(mem, 3, logger)
	svc := service.NewBillingService(stub, mem, quota, "https://app.example.com", logger)

	mux := http.NewServeMux()
	NewBillingHandler(svc, logger).RegisterRoutes(mux, requireTestUser)
	return mux, mem
}

func serve(mux *http.ServeMux, method, target, userID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if userID != "" {
		req.Header.Set(testUserHeader, userID)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestBilling_NotConfigured(t *testing.T) {
	mux, _ := newBillingMux(t, nil)

	for _, path := range []string{
		"/billing/checkout",
		"/billing/portal",
		"/billing/setup-intent",
		"/billing/subscribe",
		"/billing/cancel",
		"/billing/reactivate",
	} {
		t.Run(path, func(t *testing.T) {
			rec := serve(mux, "POST", path, "u1", "")
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			assert.Contains(t, rec.Body.String(), billingNotConfigured)
		})
	}

	// Config and status still answer.
	rec := serve(mux, "GET", "/billing/config", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"publishable_key":"","price_id":""}`, rec.Body.String())

	rec = serve(mux, "GET", "/billing/status", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[billingStatusResponse](t, rec)
	assert.Equal(t, domain.PlanNone, status.Plan)
	assert.Equal(t, 3, status.Quota)
	assert.NotNil(t, status.ResetAt)
}

func TestBilling_RequiresIdentity(t *testing.T) {
	mux, _ := newBillingMux(t, &stubStripe{})

	assert.Equal(t, http.StatusUnauthorized, serve(mux, "GET", "/billing/status", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(mux, "POST", "/billing/checkout", "", "").Code)
	assert.Equal(t, http.StatusOK, serve(mux, "GET", "/billing/config", "", "").Code)
}

func TestBilling_Config(t *testing.T) {
	mux, _ := newBillingMux(t, &stubStripe{})

	rec := serve(mux, "GET", "/billing/config", "", "")
	assert.JSONEq(t, `{"publishable_key":"pk_test_123","price_id":"price_pro"}`, rec.Body.String())
}

func TestBilling_Checkout(t *testing.T) {
	stub := &stubStripe{}
	mux, _ := newBillingMux(t, stub)

	rec := serve(mux, "POST", "/billing/checkout", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "https://checkout.stripe.test/session", decodeBody[urlResponse](t, rec).URL)
	assert.Equal(t, "price_pro", stub.lastPriceID)

	rec = serve(mux, "POST", "/billing/checkout", "u1", `{"price_id":"price_team"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "price_team", stub.lastPriceID)

	rec = serve(mux, "POST", "/billing/checkout", "u1", `{"price_id":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBilling_StripeFailureIs502(t *testing.T) {
	mux, _ := newBillingMux(t, &stubStripe{err: errors.New("api.stripe.com: connection reset")})

	rec := serve(mux, "POST", "/billing/setup-intent", "u1", "")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestBilling_SubscribeAndCancel(t *testing.T) {
	stub := &stubStripe{subscription: &stripe.Subscription{ID: "sub_1", Status: stripe.SubscriptionStatusActive}}
	mux, mem := newBillingMux(t, stub)

	rec := serve(mux, "POST", "/billing/subscribe", "u1", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "payment method is required")

	rec = serve(mux, "POST", "/billing/subscribe", "u1", `{"payment_method_id":"pm_card_visa"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"subscription_id":"sub_1","status":"active","cancel_at_period_end":false}`, rec.Body.String())

	ent, err := mem.GetEntitlement(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.PlanPro, ent.Plan)

	rec = serve(mux, "POST", "/billing/cancel", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[subscriptionResponse](t, rec).CancelAtPeriodEnd)

	rec = serve(mux, "POST", "/billing/reactivate", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[subscriptionResponse](t, rec).CancelAtPeriodEnd)
}

func TestBilling_PortalWithoutCustomer(t *testing.T) {
	mux, _ := newBillingMux(t, &stubStripe{})

	rec := serve(mux, "POST", "/billing/portal", "u1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Checkout creates the customer.
	require.Equal(t, http.StatusOK, serve(mux, "POST", "/billing/checkout", "u1", "").Code)

	rec = serve(mux, "POST", "/billing/portal", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://billing.stripe.test/portal", decodeBody[urlResponse](t, rec).URL)
}

func TestBilling_StatusForSubscriber(t *testing.T) {
	stub := &stubStripe{subscription: &stripe.Subscription{
		ID:               "sub_1",
		Status:           stripe.SubscriptionStatusActive,
		CurrentPeriodEnd: 1775000000,
		DefaultPaymentMethod: &stripe.PaymentMethod{
			Card: &stripe.PaymentMethodCard{Brand: "visa", Last4: "4242"},
		},
	}}
	mux, mem := newBillingMux(t, stub)
	require.NoError(t, mem.UpdateEntitlement(context.Background(), "u1", domain.EntitlementPatch{}.
		SetPlan(domain.PlanPro).
		SetStatus(domain.PaymentStatusActive).
		SetSubscription("sub_1")))

	rec := serve(mux, "GET", "/billing/status", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	status := decodeBody[billingStatusResponse](t, rec)
	assert.Equal(t, domain.PlanPro, status.Plan)
	assert.True(t, status.Active)
	assert.Nil(t, status.ResetAt)
	require.NotNil(t, status.RenewsAt)
	require.NotNil(t, status.DefaultPaymentMethod)
	assert.Equal(t, "4242", status.DefaultPaymentMethod.Last4)
	assert.Nil(t, status.Price)
}
