// Package domain contains core business types and interfaces.
//
// This file defines the free-tier quota window and the reconciliation rule
// that decides whether a request is admitted.
package domain

import "time"

// QuotaWindow is the rolling period after which the free allowance resets.
const QuotaWindow = 7 * 24 * time.Hour

// DefaultFreeWeeklyLimit is the free allowance per window when not configured.
const DefaultFreeWeeklyLimit = 3

// Admission is the outcome of reconciling an entitlement at a point in time.
type Admission struct {
	// Admit is true when the request may proceed to the costed action.
	Admit bool

	// Entitlement is the reconciled record. Callers persist it when
	// Created or Reset is set.
	Entitlement Entitlement

	// Created is set when no entitlement existed and defaults were applied.
	Created bool

	// Reset is set when the window had expired and the quota was refilled.
	Reset bool
}

// Reconcile computes the admission decision for ent at now.
//
// A nil entitlement is initialized with the free allowance. An expired
// window is refilled regardless of plan so the counter stays meaningful if
// the plan later drops to NONE. Reconcile never decrements: the caller
// charges only after the downstream action succeeds.
func Reconcile(ent *Entitlement, userID string, now time.Time, limit int) Admission {
	var adm Admission

	if ent == nil {
		adm.Created = true
		adm.Entitlement = Entitlement{
			UserID:       userID,
			Plan:         PlanNone,
			Quota:        limit,
			QuotaResetAt: now.Add(QuotaWindow),
		}
	} else {
		adm.Entitlement = *ent
		if adm.Entitlement.Plan == "" {
			adm.Entitlement.Plan = PlanNone
		}
		if !now.Before(adm.Entitlement.QuotaResetAt) {
			adm.Reset = true
			adm.Entitlement.Quota = limit
			adm.Entitlement.QuotaResetAt = now.Add(QuotaWindow)
		}
	}

	if adm.Entitlement.Quota < 0 {
		adm.Entitlement.Quota = 0
	}

	adm.Admit = adm.Entitlement.Plan.IsPaid() || adm.Entitlement.Quota > 0
	return adm
}
