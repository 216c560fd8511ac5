// Package service contains the business logic layer.
//
// This file implements the billing service that backs the /billing routes.
// Stripe is optional: without it only Status works.
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"

	"github.com/DukeRupert/estategpt/internal/billing"
	"github.com/DukeRupert/estategpt/internal/domain"
	"github.com/DukeRupert/estategpt/internal/store"
)

// BillingStore is the persistence the billing service needs.
type BillingStore interface {
	store.EntitlementStore
	store.CustomerIndex
}

// BillingConfig is the public configuration handed to the browser.
type BillingConfig struct {
	PublishableKey string
	PriceID        string
}

// BillingStatus is the caller's plan, quota and subscription snapshot.
type BillingStatus struct {
	Plan              domain.Plan
	Active            bool
	Status            domain.PaymentStatus
	Quota             int
	ResetAt           time.Time
	RenewsAt          *time.Time
	CancelAtPeriodEnd bool
	PaymentMethod     *CardSummary
	Price             *PriceSummary
}

// CardSummary identifies the default card without exposing it.
type CardSummary struct {
	Brand string
	Last4 string
}

// PriceSummary describes the subscribed price.
type PriceSummary struct {
	ID         string
	UnitAmount int64
	Currency   string
	Interval   string
}

// SubscriptionState is the result of a subscription change.
type SubscriptionState struct {
	SubscriptionID    string
	Status            domain.PaymentStatus
	CancelAtPeriodEnd bool
}

// =============================================================================
// Implementation
// =============================================================================

// BillingService manages Stripe customers and subscriptions for users.
type BillingService struct {
	billing billing.Service
	store   BillingStore
	quota   QuotaService
	baseURL string
	logger  *slog.Logger
}

// NewBillingService creates a BillingService. billingService may be nil
// when Stripe is not configured.
func NewBillingService(billingService billing.Service, st BillingStore, quota QuotaService, baseURL string, logger *slog.Logger) *BillingService {
	return &BillingService{
		billing: billingService,
		store:   st,
		quota:   quota,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

// Enabled reports whether Stripe is configured.
func (s *BillingService) Enabled() bool {
	return s.billing != nil
}

// Config returns the publishable key and default price.
func (s *BillingService) Config() BillingConfig {
	if s.billing == nil {
		return BillingConfig{}
	}
	return BillingConfig{
		PublishableKey: s.billing.PublishableKey(),
		PriceID:        s.billing.PriceID(),
	}
}

// Status returns the reconciled entitlement, enriched with live
// subscription details when Stripe is reachable.
func (s *BillingService) Status(ctx context.Context, userID string) (*BillingStatus, error) {
	ent, err := s.quota.Status(ctx, userID)
	if err != nil {
		return nil, err
	}

	status := &BillingStatus{
		Plan:    ent.Plan,
		Active:  ent.IsActive(),
		Status:  ent.PaymentStatus,
		Quota:   ent.Quota,
		ResetAt: ent.QuotaResetAt,
	}
	if ent.IsPaid() {
		status.ResetAt = time.Time{}
	}

	if s.billing == nil || ent.PaymentSubscriptionID == "" {
		return status, nil
	}

	sub, err := s.billing.GetSubscription(ctx, ent.PaymentSubscriptionID)
	if err != nil {
		// Stored plan is authoritative; live details are best effort.
		s.logger.Warn("failed to fetch stripe subscription", "error", err, "subscription_id", ent.PaymentSubscriptionID)
		return status, nil
	}

	status.Status = domain.PaymentStatus(sub.Status)
	status.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
	if sub.CurrentPeriodEnd > 0 {
		renews := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		status.RenewsAt = &renews
	}
	if pm := sub.DefaultPaymentMethod; pm != nil && pm.Card != nil {
		status.PaymentMethod = &CardSummary{Brand: string(pm.Card.Brand), Last4: pm.Card.Last4}
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
		price := sub.Items.Data[0].Price
		status.Price = &PriceSummary{
			ID:         price.ID,
			UnitAmount: price.UnitAmount,
			Currency:   string(price.Currency),
		}
		if price.Recurring != nil {
			status.Price.Interval = string(price.Recurring.Interval)
		}
	}
	return status, nil
}

// Checkout creates a Checkout session and returns its URL.
func (s *BillingService) Checkout(ctx context.Context, userID, email, priceID string) (string, error) {
	const op = "BillingService.Checkout"

	if err := s.requireBilling(op); err != nil {
		return "", err
	}

	customerID, err := s.ensureCustomer(ctx, op, userID, email)
	if err != nil {
		return "", err
	}

	if priceID == "" {
		priceID = s.billing.PriceID()
	}
	if priceID == "" {
		return "", domain.Invalid(op, "A price is required.")
	}

	url, err := s.billing.CreateCheckoutSession(ctx, billing.CheckoutParams{
		UserID:     userID,
		CustomerID: customerID,
		PriceID:    priceID,
		SuccessURL: s.baseURL + "/?checkout=success&session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  s.baseURL + "/?checkout=canceled",
	})
	if err != nil {
		s.logger.Error("failed to create checkout session", "error", err, "user_id", userID)
		return "", domain.Unavailable(err, op, "Failed to create checkout session.")
	}
	return url, nil
}

// Portal returns a Customer Portal URL for a user who already has a
// Stripe customer.
func (s *BillingService) Portal(ctx context.Context, userID string) (string, error) {
	const op = "BillingService.Portal"

	if err := s.requireBilling(op); err != nil {
		return "", err
	}

	ent, err := s.quota.Status(ctx, userID)
	if err != nil {
		return "", err
	}
	if ent.PaymentCustomerID == "" {
		return "", domain.Invalid(op, "No billing account exists yet.")
	}

	url, err := s.billing.CreatePortalSession(ctx, ent.PaymentCustomerID, s.baseURL+"/")
	if err != nil {
		s.logger.Error("failed to create portal session", "error", err, "user_id", userID)
		return "", domain.Unavailable(err, op, "Failed to open billing portal.")
	}
	return url, nil
}

// SetupIntent starts collecting a card and returns the client secret.
func (s *BillingService) SetupIntent(ctx context.Context, userID, email string) (string, error) {
	const op = "BillingService.SetupIntent"

	if err := s.requireBilling(op); err != nil {
		return "", err
	}

	customerID, err := s.ensureCustomer(ctx, op, userID, email)
	if err != nil {
		return "", err
	}

	secret, err := s.billing.CreateSetupIntent(ctx, customerID)
	if err != nil {
		s.logger.Error("failed to create setup intent", "error", err, "user_id", userID)
		return "", domain.Unavailable(err, op, "Failed to start card setup.")
	}
	return secret, nil
}

// Subscribe subscribes the user with a collected payment method. The
// subscription is mirrored immediately; webhooks remain authoritative.
func (s *BillingService) Subscribe(ctx context.Context, userID, email, paymentMethodID, priceID string) (*SubscriptionState, error) {
	const op = "BillingService.Subscribe"

	if err := s.requireBilling(op); err != nil {
		return nil, err
	}
	if strings.TrimSpace(paymentMethodID) == "" {
		return nil, domain.Invalid(op, "A payment method is required.")
	}

	customerID, err := s.ensureCustomer(ctx, op, userID, email)
	if err != nil {
		return nil, err
	}

	sub, err := s.billing.Subscribe(ctx, customerID, paymentMethodID, priceID)
	if err != nil {
		s.logger.Error("failed to create subscription", "error", err, "user_id", userID)
		return nil, domain.Unavailable(err, op, "Failed to create subscription.")
	}

	status := domain.PaymentStatus(sub.Status)
	patch := domain.EntitlementPatch{}.
		SetSubscription(sub.ID).
		SetStatus(status)
	if status.Entitles() {
		patch = patch.SetPlan(s.billing.PlanForPrice(subscriptionPriceID(sub)))
	}
	if err := s.store.UpdateEntitlement(ctx, userID, patch); err != nil {
		// The subscription webhook applies the same change.
		s.logger.Error("failed to mirror subscription", "error", err, "user_id", userID, "subscription_id", sub.ID)
	}

	s.logger.Info("subscription created", "user_id", userID, "subscription_id", sub.ID, "status", sub.Status)
	return subscriptionState(sub), nil
}

// Cancel sets the user's subscription to cancel at period end.
func (s *BillingService) Cancel(ctx context.Context, userID string) (*SubscriptionState, error) {
	return s.setCancelAtPeriodEnd(ctx, "BillingService.Cancel", userID, true)
}

// Reactivate removes a pending cancellation.
func (s *BillingService) Reactivate(ctx context.Context, userID string) (*SubscriptionState, error) {
	return s.setCancelAtPeriodEnd(ctx, "BillingService.Reactivate", userID, false)
}

func (s *BillingService) setCancelAtPeriodEnd(ctx context.Context, op, userID string, cancel bool) (*SubscriptionState, error) {
	if err := s.requireBilling(op); err != nil {
		return nil, err
	}

	ent, err := s.quota.Status(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ent.PaymentSubscriptionID == "" {
		return nil, domain.Invalid(op, "No active subscription.")
	}

	var sub *stripe.Subscription
	if cancel {
		sub, err = s.billing.CancelSubscription(ctx, ent.PaymentSubscriptionID)
	} else {
		sub, err = s.billing.ReactivateSubscription(ctx, ent.PaymentSubscriptionID)
	}
	if err != nil {
		s.logger.Error("failed to update subscription", "error", err, "op", op, "user_id", userID)
		return nil, domain.Unavailable(err, op, "Failed to update subscription.")
	}

	s.logger.Info("subscription updated", "user_id", userID, "subscription_id", sub.ID, "cancel_at_period_end", sub.CancelAtPeriodEnd)
	return subscriptionState(sub), nil
}

// ensureCustomer returns the user's Stripe customer, creating and linking
// one on first use.
func (s *BillingService) ensureCustomer(ctx context.Context, op, userID, email string) (string, error) {
	ent, err := s.quota.Status(ctx, userID)
	if err != nil {
		return "", err
	}
	if ent.PaymentCustomerID != "" {
		return ent.PaymentCustomerID, nil
	}

	customerID, err := s.billing.CreateCustomer(ctx, userID, email)
	if err != nil {
		s.logger.Error("failed to create stripe customer", "error", err, "user_id", userID)
		return "", domain.Unavailable(err, op, "Failed to initialize billing.")
	}

	if err := s.store.UpdateEntitlement(ctx, userID, domain.EntitlementPatch{}.SetCustomer(customerID)); err != nil {
		return "", domain.Internal(err, op, "Failed to save billing account")
	}
	if err := s.store.LinkCustomer(ctx, customerID, userID); err != nil {
		return "", domain.Internal(err, op, "Failed to save billing account")
	}

	s.logger.Info("stripe customer created", "user_id", userID, "customer_id", customerID)
	return customerID, nil
}

func (s *BillingService) requireBilling(op string) error {
	if s.billing == nil {
		return domain.Unavailable(nil, op, "Billing is not configured.")
	}
	return nil
}

func subscriptionState(sub *stripe.Subscription) *SubscriptionState {
	return &SubscriptionState{
		SubscriptionID:    sub.ID,
		Status:            domain.PaymentStatus(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
}
