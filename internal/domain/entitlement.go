// Package domain contains core business types and interfaces.
//
// This file defines the Entitlement record: a user's plan, remaining free
// quota and the payment identifiers mirrored from Stripe.
package domain

import (
	"strings"
	"time"
)

// Plan is the tier a user is entitled to.
type Plan string

const (
	PlanNone Plan = "NONE"
	PlanPro  Plan = "Pro"
)

// IsPaid reports whether the plan bypasses quota enforcement.
// Every plan other than NONE is a paid plan.
func (p Plan) IsPaid() bool {
	return p != "" && p != PlanNone
}

// PaymentStatus mirrors the Stripe subscription status.
// It is advisory only and never consulted for admission.
type PaymentStatus string

const (
	PaymentStatusNone       PaymentStatus = ""
	PaymentStatusActive     PaymentStatus = "active"
	PaymentStatusTrialing   PaymentStatus = "trialing"
	PaymentStatusPastDue    PaymentStatus = "past_due"
	PaymentStatusCanceled   PaymentStatus = "canceled"
	PaymentStatusUnpaid     PaymentStatus = "unpaid"
	PaymentStatusIncomplete PaymentStatus = "incomplete"
)

// Entitles reports whether a subscription in this status keeps the paid plan.
func (s PaymentStatus) Entitles() bool {
	return s == PaymentStatusActive || s == PaymentStatusTrialing
}

// Entitlement is the per-user record of plan and usage allowance.
type Entitlement struct {
	UserID                string
	Plan                  Plan
	Quota                 int
	QuotaResetAt          time.Time
	PaymentCustomerID     string
	PaymentSubscriptionID string
	PaymentStatus         PaymentStatus
	UpdatedAt             time.Time
}

// IsPaid reports whether the user is on a paid plan.
func (e *Entitlement) IsPaid() bool {
	return e.Plan.IsPaid()
}

// IsActive reports whether the account should be shown as subscribed.
// Past-due subscriptions still count so the UI can prompt for payment.
func (e *Entitlement) IsActive() bool {
	if e.IsPaid() {
		return true
	}
	switch e.PaymentStatus {
	case PaymentStatusActive, PaymentStatusTrialing, PaymentStatusPastDue:
		return true
	}
	return false
}

// Apply merges the non-nil fields of p into e.
func (e *Entitlement) Apply(p EntitlementPatch) {
	if p.Plan != nil {
		e.Plan = *p.Plan
	}
	if p.PaymentCustomerID != nil {
		e.PaymentCustomerID = *p.PaymentCustomerID
	}
	if p.PaymentSubscriptionID != nil {
		e.PaymentSubscriptionID = *p.PaymentSubscriptionID
	}
	if p.PaymentStatus != nil {
		e.PaymentStatus = *p.PaymentStatus
	}
}

// EntitlementPatch is a field-level update. Only non-nil fields are written,
// so concurrent writers touching different fields never clobber each other.
// Quota fields are absent on purpose: they change only through the
// conditional reset and decrement.
type EntitlementPatch struct {
	Plan                  *Plan
	PaymentCustomerID     *string
	PaymentSubscriptionID *string
	PaymentStatus         *PaymentStatus
}

func (p EntitlementPatch) SetPlan(plan Plan) EntitlementPatch {
	p.Plan = &plan
	return p
}

func (p EntitlementPatch) SetCustomer(customerID string) EntitlementPatch {
	p.PaymentCustomerID = &customerID
	return p
}

func (p EntitlementPatch) SetSubscription(subscriptionID string) EntitlementPatch {
	p.PaymentSubscriptionID = &subscriptionID
	return p
}

func (p EntitlementPatch) SetStatus(status PaymentStatus) EntitlementPatch {
	p.PaymentStatus = &status
	return p
}

// NewEntitlementFromPatch builds the record a merge write creates when no
// entitlement exists yet. The zero reset time means the next reconciliation
// starts a fresh window.
func NewEntitlementFromPatch(userID string, p EntitlementPatch) Entitlement {
	e := Entitlement{
		UserID: userID,
		Plan:   PlanNone,
	}
	e.Apply(p)
	return e
}

// ParsePlan canonicalizes a stored plan value. Empty and "none" map to PlanNone.
func ParsePlan(s string) Plan {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, string(PlanNone)) {
		return PlanNone
	}
	if strings.EqualFold(s, string(PlanPro)) {
		return PlanPro
	}
	return Plan(s)
}
