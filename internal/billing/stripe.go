// Package billing provides Stripe billing integration for subscription management.
package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/DukeRupert/estategpt/internal/domain"
)

// Service defines the interface for billing operations.
type Service interface {
	// CreateCustomer creates a Stripe customer tagged with the user ID.
	CreateCustomer(ctx context.Context, userID, email string) (string, error)

	// CreateCheckoutSession creates a Stripe Checkout session for subscribing.
	// Returns the checkout URL to redirect the user to.
	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (string, error)

	// CreatePortalSession creates a Stripe Customer Portal session.
	// Returns the portal URL to redirect the user to.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)

	// CreateSetupIntent starts collecting a card for off-session use and
	// returns the client secret.
	CreateSetupIntent(ctx context.Context, customerID string) (string, error)

	// Subscribe attaches the payment method, makes it the invoice default
	// and creates a subscription to priceID.
	Subscribe(ctx context.Context, customerID, paymentMethodID, priceID string) (*stripe.Subscription, error)

	// GetSubscription retrieves a subscription with its default payment
	// method and prices expanded.
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)

	// CancelSubscription sets a subscription to cancel at period end.
	CancelSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)

	// ReactivateSubscription removes the cancel_at_period_end flag.
	ReactivateSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)

	// VerifyWebhookSignature verifies the Stripe webhook signature and returns the event.
	VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error)

	// PlanForPrice returns the plan a Stripe price grants.
	PlanForPrice(priceID string) domain.Plan

	// PriceID is the price used when a request names none.
	PriceID() string

	// PublishableKey is the key handed to the browser.
	PublishableKey() string
}

// Config configures the Stripe service.
type Config struct {
	SecretKey      string
	PublishableKey string
	WebhookSecret  string
	PriceID        string

	// PricePlans maps price IDs to plans. Unmapped prices grant PlanPro.
	PricePlans map[string]domain.Plan

	// Backends overrides the Stripe API endpoints. Nil uses the defaults.
	Backends *stripe.Backends
}

// CheckoutParams describes a subscription checkout.
type CheckoutParams struct {
	UserID     string
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
}

// stripeService is the concrete implementation of Service.
type stripeService struct {
	api    *client.API
	config Config
}

// NewStripeService creates a Stripe billing service with its own API
// client, so no package-level key is set.
func NewStripeService(cfg Config) Service {
	api := &client.API{}
	api.Init(cfg.SecretKey, cfg.Backends)

	if cfg.PricePlans == nil {
		cfg.PricePlans = map[string]domain.Plan{}
	}
	return &stripeService{api: api, config: cfg}
}

func (s *stripeService) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata("user_id", userID)
	params.AddMetadata("firebase_uid", userID)

	c, err := s.api.Customers.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create customer: %w", err)
	}
	return c.ID, nil
}

func (s *stripeService) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (string, error) {
	priceID := p.PriceID
	if priceID == "" {
		priceID = s.config.PriceID
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripe.String(p.UserID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
	}
	params.Context = ctx
	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
	}
	params.AddMetadata("user_id", p.UserID)
	params.AddMetadata("price_id", priceID)

	sess, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create checkout session: %w", err)
	}
	return sess.URL, nil
}

func (s *stripeService) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	sess, err := s.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create portal session: %w", err)
	}
	return sess.URL, nil
}

func (s *stripeService) CreateSetupIntent(ctx context.Context, customerID string) (string, error) {
	params := &stripe.SetupIntentParams{
		Customer:           stripe.String(customerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Usage:              stripe.String(string(stripe.SetupIntentUsageOffSession)),
	}
	params.Context = ctx

	si, err := s.api.SetupIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("stripe create setup intent: %w", err)
	}
	return si.ClientSecret, nil
}

func (s *stripeService) Subscribe(ctx context.Context, customerID, paymentMethodID, priceID string) (*stripe.Subscription, error) {
	if priceID == "" {
		priceID = s.config.PriceID
	}

	attach := &stripe.PaymentMethodAttachParams{Customer: stripe.String(customerID)}
	attach.Context = ctx
	if _, err := s.api.PaymentMethods.Attach(paymentMethodID, attach); err != nil {
		return nil, fmt.Errorf("stripe attach payment method: %w", err)
	}

	update := &stripe.CustomerParams{
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(paymentMethodID),
		},
	}
	update.Context = ctx
	if _, err := s.api.Customers.Update(customerID, update); err != nil {
		return nil, fmt.Errorf("stripe set default payment method: %w", err)
	}

	params := &stripe.SubscriptionParams{
		Customer: stripe.String(customerID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
		DefaultPaymentMethod: stripe.String(paymentMethodID),
	}
	params.Context = ctx
	params.AddMetadata("price_id", priceID)
	params.AddExpand("latest_invoice.payment_intent")

	sub, err := s.api.Subscriptions.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create subscription: %w", err)
	}
	return sub, nil
}

func (s *stripeService) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	params.AddExpand("default_payment_method")
	params.AddExpand("items.data.price")

	sub, err := s.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe get subscription: %w", err)
	}
	return sub, nil
}

func (s *stripeService) CancelSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	return s.setCancelAtPeriodEnd(ctx, subscriptionID, true)
}

func (s *stripeService) ReactivateSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	return s.setCancelAtPeriodEnd(ctx, subscriptionID, false)
}

func (s *stripeService) setCancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{
		CancelAtPeriodEnd: stripe.Bool(cancel),
	}
	params.Context = ctx

	sub, err := s.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe update subscription: %w", err)
	}
	return sub, nil
}

// VerifyWebhookSignature accepts events from any API version; the fields
// read from them are stable across versions.
func (s *stripeService) VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.config.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("stripe webhook signature verification failed: %w", err)
	}
	return event, nil
}

func (s *stripeService) PlanForPrice(priceID string) domain.Plan {
	return PlanForPrice(s.config.PricePlans, priceID)
}

func (s *stripeService) PriceID() string {
	return s.config.PriceID
}

func (s *stripeService) PublishableKey() string {
	return s.config.PublishableKey
}

// PlanForPrice looks priceID up in plans. Empty and unmapped prices grant
// PlanPro.
func PlanForPrice(plans map[string]domain.Plan, priceID string) domain.Plan {
	if plan, ok := plans[priceID]; ok && plan.IsPaid() {
		return plan
	}
	return domain.PlanPro
}

// ParsePricePlans parses "price_a=pro,price_b=team" into a price-to-plan
// map. Plan names are title-cased so "pro" and "PRO" both become "Pro".
func ParsePricePlans(raw string) (map[string]domain.Plan, error) {
	plans := make(map[string]domain.Plan)
	caser := cases.Title(language.English)

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		priceID, name, ok := strings.Cut(pair, "=")
		priceID, name = strings.TrimSpace(priceID), strings.TrimSpace(name)
		if !ok || priceID == "" || name == "" {
			return nil, fmt.Errorf("invalid price plan %q: want price_id=plan", pair)
		}

		plan := domain.ParsePlan(caser.String(name))
		if !plan.IsPaid() {
			return nil, fmt.Errorf("invalid price plan %q: plan must not be NONE", pair)
		}
		plans[priceID] = plan
	}
	return plans, nil
}
