// Package service contains the business logic layer.
//
// This file implements the payment event processor, which reconciles
// Stripe webhook events into entitlements exactly once per event ID.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/stripe/stripe-go/v79"

	"github.com/DukeRupert/estategpt/internal/billing"
	"github.com/DukeRupert/estategpt/internal/domain"
	"github.com/DukeRupert/estategpt/internal/metrics"
	"github.com/DukeRupert/estategpt/internal/store"
)

// PaymentStore is the persistence the processor needs.
type PaymentStore interface {
	store.EntitlementStore
	store.EventStore
	store.CustomerIndex
}

// PaymentProcessor applies verified Stripe events to entitlements.
type PaymentProcessor struct {
	store  PaymentStore
	plans  map[string]domain.Plan
	now    func() time.Time
	logger *slog.Logger
}

// NewPaymentProcessor creates a processor. plans maps price IDs to plans;
// unmapped prices grant PlanPro.
func NewPaymentProcessor(st PaymentStore, plans map[string]domain.Plan, logger *slog.Logger) *PaymentProcessor {
	return &PaymentProcessor{
		store:  st,
		plans:  plans,
		now:    time.Now,
		logger: logger,
	}
}

// Process claims the event and dispatches it by type. A duplicate event
// is acknowledged without any mutation. When a store write fails the
// claim is released so Stripe's redelivery is processed.
func (p *PaymentProcessor) Process(ctx context.Context, event stripe.Event) (domain.EventOutcome, error) {
	const op = "payment.process"
	eventType := string(event.Type)

	if event.ID == "" {
		return "", domain.Invalid(op, "event id is required")
	}

	claimed, err := p.store.ClaimEvent(ctx, domain.PaymentEvent{
		ID:         event.ID,
		Type:       eventType,
		ReceivedAt: p.now(),
	})
	if err != nil {
		metrics.PaymentEventHandled(eventType, "error")
		return "", domain.Internal(err, op, "failed to record payment event")
	}
	if !claimed {
		p.logger.Info("Duplicate payment event", "event_id", event.ID, "type", eventType)
		metrics.PaymentEventHandled(eventType, string(domain.EventDuplicate))
		return domain.EventDuplicate, nil
	}

	outcome, err := p.dispatch(ctx, event)
	if err != nil {
		if relErr := p.store.ReleaseEvent(context.WithoutCancel(ctx), event.ID); relErr != nil {
			p.logger.Error("Failed to release payment event claim", "event_id", event.ID, "error", relErr)
		}
		metrics.PaymentEventHandled(eventType, "error")
		return "", domain.Internal(err, op, "failed to apply payment event")
	}

	p.logger.Info("Payment event handled", "event_id", event.ID, "type", eventType, "outcome", outcome)
	metrics.PaymentEventHandled(eventType, string(outcome))
	return outcome, nil
}

func (p *PaymentProcessor) dispatch(ctx context.Context, event stripe.Event) (domain.EventOutcome, error) {
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		return p.handleCheckoutCompleted(ctx, event)
	case stripe.EventTypeCustomerSubscriptionCreated, stripe.EventTypeCustomerSubscriptionUpdated:
		return p.handleSubscriptionChanged(ctx, event)
	case stripe.EventTypeCustomerSubscriptionDeleted:
		return p.handleSubscriptionDeleted(ctx, event)
	case stripe.EventTypeInvoicePaymentSucceeded, stripe.EventTypeInvoicePaymentFailed:
		return p.handleInvoice(event)
	case stripe.EventTypeCustomerCreated:
		return p.handleCustomerCreated(ctx, event)
	default:
		p.logger.Debug("Unhandled payment event type", "event_id", event.ID, "type", event.Type)
		return domain.EventIgnored, nil
	}
}

// =============================================================================
// Handlers
// =============================================================================

func (p *PaymentProcessor) handleCheckoutCompleted(ctx context.Context, event stripe.Event) (domain.EventOutcome, error) {
	var sess stripe.CheckoutSession
	if !p.decode(event, &sess) {
		return domain.EventIgnored, nil
	}

	customerID := ""
	if sess.Customer != nil {
		customerID = sess.Customer.ID
	}

	userID := firstNonEmpty(sess.ClientReferenceID, sess.Metadata["user_id"], sess.Metadata["firebase_uid"])
	if userID == "" {
		var err error
		if userID, err = p.userForCustomer(ctx, customerID); err != nil {
			return "", err
		}
	}
	if userID == "" {
		p.logger.Warn("Checkout completed for unknown user", "event_id", event.ID, "customer_id", customerID)
		return domain.EventUnresolved, nil
	}

	priceID := sess.Metadata["price_id"]
	if priceID == "" && sess.LineItems != nil {
		for _, item := range sess.LineItems.Data {
			if item.Price != nil && item.Price.ID != "" {
				priceID = item.Price.ID
				break
			}
		}
	}
	plan := billing.PlanForPrice(p.plans, priceID)

	if customerID != "" {
		if err := p.store.LinkCustomer(ctx, customerID, userID); err != nil {
			return "", err
		}
	}

	patch := domain.EntitlementPatch{}.
		SetPlan(plan).
		SetStatus(domain.PaymentStatusActive)
	if customerID != "" {
		patch = patch.SetCustomer(customerID)
	}
	if sess.Subscription != nil && sess.Subscription.ID != "" {
		patch = patch.SetSubscription(sess.Subscription.ID)
	}
	if err := p.store.UpdateEntitlement(ctx, userID, patch); err != nil {
		return "", err
	}

	p.logger.Info("Checkout completed",
		"user_id", userID,
		"customer_id", customerID,
		"price_id", priceID,
		"plan", plan,
	)
	return domain.EventProcessed, nil
}

func (p *PaymentProcessor) handleSubscriptionChanged(ctx context.Context, event stripe.Event) (domain.EventOutcome, error) {
	var sub stripe.Subscription
	if !p.decode(event, &sub) {
		return domain.EventIgnored, nil
	}

	userID, customerID, err := p.resolveSubscriber(ctx, &sub)
	if err != nil {
		return "", err
	}
	if userID == "" {
		p.logger.Warn("Subscription event for unknown customer", "event_id", event.ID, "customer_id", customerID)
		return domain.EventUnresolved, nil
	}

	status := domain.PaymentStatus(sub.Status)
	plan := domain.PlanNone
	if status.Entitles() {
		plan = billing.PlanForPrice(p.plans, subscriptionPriceID(&sub))
	}

	patch := domain.EntitlementPatch{}.
		SetPlan(plan).
		SetStatus(status).
		SetSubscription(sub.ID)
	if customerID != "" {
		patch = patch.SetCustomer(customerID)
	}
	if err := p.store.UpdateEntitlement(ctx, userID, patch); err != nil {
		return "", err
	}

	p.logger.Info("Subscription updated",
		"user_id", userID,
		"subscription_id", sub.ID,
		"status", status,
		"plan", plan,
	)
	return domain.EventProcessed, nil
}

func (p *PaymentProcessor) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) (domain.EventOutcome, error) {
	var sub stripe.Subscription
	if !p.decode(event, &sub) {
		return domain.EventIgnored, nil
	}

	userID, customerID, err := p.resolveSubscriber(ctx, &sub)
	if err != nil {
		return "", err
	}
	if userID == "" {
		p.logger.Warn("Subscription deleted for unknown customer", "event_id", event.ID, "customer_id", customerID)
		return domain.EventUnresolved, nil
	}

	patch := domain.EntitlementPatch{}.
		SetPlan(domain.PlanNone).
		SetStatus(domain.PaymentStatusCanceled)
	if err := p.store.UpdateEntitlement(ctx, userID, patch); err != nil {
		return "", err
	}

	p.logger.Info("Subscription canceled", "user_id", userID, "subscription_id", sub.ID)
	return domain.EventProcessed, nil
}

// handleInvoice only records invoice outcomes; entitlement changes arrive
// through the subscription events Stripe sends alongside them.
func (p *PaymentProcessor) handleInvoice(event stripe.Event) (domain.EventOutcome, error) {
	var inv stripe.Invoice
	if !p.decode(event, &inv) {
		return domain.EventIgnored, nil
	}

	customerID := ""
	if inv.Customer != nil {
		customerID = inv.Customer.ID
	}
	if event.Type == stripe.EventTypeInvoicePaymentFailed {
		p.logger.Warn("Invoice payment failed", "invoice_id", inv.ID, "customer_id", customerID, "amount_due", inv.AmountDue)
	} else {
		p.logger.Info("Invoice paid", "invoice_id", inv.ID, "customer_id", customerID, "amount_paid", inv.AmountPaid)
	}
	return domain.EventProcessed, nil
}

func (p *PaymentProcessor) handleCustomerCreated(ctx context.Context, event stripe.Event) (domain.EventOutcome, error) {
	var cust stripe.Customer
	if !p.decode(event, &cust) {
		return domain.EventIgnored, nil
	}

	userID := firstNonEmpty(cust.Metadata["user_id"], cust.Metadata["firebase_uid"])
	if userID == "" || cust.ID == "" {
		return domain.EventIgnored, nil
	}
	if err := p.store.LinkCustomer(ctx, cust.ID, userID); err != nil {
		return "", err
	}
	return domain.EventProcessed, nil
}

// =============================================================================
// Helpers
// =============================================================================

// decode unmarshals the event object. A payload that passed signature
// verification but cannot be decoded will never succeed on redelivery, so
// it is logged and ignored.
func (p *PaymentProcessor) decode(event stripe.Event, v any) bool {
	if event.Data == nil {
		p.logger.Warn("Payment event has no data", "event_id", event.ID, "type", event.Type)
		return false
	}
	if err := json.Unmarshal(event.Data.Raw, v); err != nil {
		p.logger.Warn("Failed to decode payment event", "event_id", event.ID, "type", event.Type, "error", err)
		return false
	}
	return true
}

// resolveSubscriber finds the user behind a subscription through the
// customer index, then the subscription metadata. A user found through
// metadata is linked to the customer for later events.
func (p *PaymentProcessor) resolveSubscriber(ctx context.Context, sub *stripe.Subscription) (userID, customerID string, err error) {
	if sub.Customer != nil {
		customerID = sub.Customer.ID
	}

	userID, err = p.userForCustomer(ctx, customerID)
	if err != nil || userID != "" {
		return userID, customerID, err
	}

	userID = firstNonEmpty(sub.Metadata["user_id"], sub.Metadata["firebase_uid"])
	if userID != "" && customerID != "" {
		if err := p.store.LinkCustomer(ctx, customerID, userID); err != nil {
			return "", customerID, err
		}
	}
	return userID, customerID, nil
}

func (p *PaymentProcessor) userForCustomer(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", nil
	}
	userID, err := p.store.UserForCustomer(ctx, customerID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	return userID, err
}

func subscriptionPriceID(sub *stripe.Subscription) string {
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price != nil && item.Price.ID != "" {
				return item.Price.ID
			}
		}
	}
	return sub.Metadata["price_id"]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
