// Package service contains the business logic layer.
//
// This file implements the quota service: it persists the reconciler's
// decisions and charges free-plan requests after they succeed.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/DukeRupert/estategpt/internal/domain"
	"github.com/DukeRupert/estategpt/internal/store"
)

// maxReconcileAttempts bounds re-reads when concurrent writers race on the
// same entitlement.
const maxReconcileAttempts = 3

// =============================================================================
// Interface Definition
// =============================================================================

// QuotaService defines operations for admitting and charging requests.
type QuotaService interface {
	// Admit reconciles the user's entitlement, persisting a new record or a
	// window reset when needed. It returns a QuotaExceeded error when a
	// free-plan user has no requests left.
	Admit(ctx context.Context, userID string) (*domain.Entitlement, error)

	// Consume charges one request against ent. Paid plans are not charged.
	// It returns the entitlement as it stands after the charge.
	Consume(ctx context.Context, ent *domain.Entitlement) (*domain.Entitlement, error)

	// Status returns the reconciled entitlement without persisting or
	// admitting anything.
	Status(ctx context.Context, userID string) (*domain.Entitlement, error)
}

// =============================================================================
// Implementation
// =============================================================================

type quotaService struct {
	store  store.EntitlementStore
	limit  int
	now    func() time.Time
	logger *slog.Logger
}

// NewQuotaService creates a new QuotaService granting limit free requests
// per window.
func NewQuotaService(st store.EntitlementStore, limit int, logger *slog.Logger) QuotaService {
	return newQuotaService(st, limit, time.Now, logger)
}

func newQuotaService(st store.EntitlementStore, limit int, now func() time.Time, logger *slog.Logger) *quotaService {
	if limit < 0 {
		limit = domain.DefaultFreeWeeklyLimit
	}
	return &quotaService{
		store:  st,
		limit:  limit,
		now:    now,
		logger: logger,
	}
}

// Admit reconciles and persists the entitlement, then applies the
// admission rule.
func (s *quotaService) Admit(ctx context.Context, userID string) (*domain.Entitlement, error) {
	const op = "quota.admit"

	adm, err := s.reconcile(ctx, op, userID)
	if err != nil {
		return nil, err
	}

	ent := adm.Entitlement
	if !adm.Admit {
		s.logger.Info("Weekly quota exhausted",
			"user_id", userID,
			"plan", ent.Plan,
			"reset_at", ent.QuotaResetAt,
		)
		return &ent, domain.QuotaExceeded(op, ent.QuotaResetAt)
	}
	return &ent, nil
}

// reconcile loads the entitlement and persists whatever the reconciler
// decided. A lost insert or reset race re-reads the stored record and
// reconciles again.
func (s *quotaService) reconcile(ctx context.Context, op, userID string) (domain.Admission, error) {
	now := s.now()

	stored, err := s.load(ctx, op, userID)
	if err != nil {
		return domain.Admission{}, err
	}

	for attempt := 0; attempt < maxReconcileAttempts; attempt++ {
		adm := domain.Reconcile(stored, userID, now, s.limit)

		switch {
		case adm.Created:
			// Another writer's record wins; reconcile against it.
			stored, err = s.store.CreateEntitlement(ctx, adm.Entitlement)
			if err != nil {
				return domain.Admission{}, domain.Internal(err, op, "failed to create entitlement")
			}
			continue

		case adm.Reset:
			ok, err := s.store.ResetQuotaIfExpired(ctx, userID, s.limit, now, adm.Entitlement.QuotaResetAt)
			if err != nil {
				return domain.Admission{}, domain.Internal(err, op, "failed to reset quota")
			}
			if !ok {
				s.logger.Debug("Quota reset raced, reloading", "user_id", userID)
				if stored, err = s.load(ctx, op, userID); err != nil {
					return domain.Admission{}, err
				}
				continue
			}
			s.logger.Debug("Quota window reset",
				"user_id", userID,
				"quota", s.limit,
				"reset_at", adm.Entitlement.QuotaResetAt,
			)
		}
		return adm, nil
	}

	return domain.Admission{}, domain.Internal(nil, op, "entitlement changed concurrently")
}

// load returns nil without error for users with no entitlement yet.
func (s *quotaService) load(ctx context.Context, op, userID string) (*domain.Entitlement, error) {
	ent, err := s.store.GetEntitlement(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Internal(err, op, "failed to load entitlement")
	}
	return ent, nil
}

// Consume decrements the free quota. When a concurrent request already
// spent the last unit the answer has been produced anyway, so the quota is
// reported as zero and the overrun is only logged.
func (s *quotaService) Consume(ctx context.Context, ent *domain.Entitlement) (*domain.Entitlement, error) {
	const op = "quota.consume"

	out := *ent
	if out.IsPaid() {
		return &out, nil
	}

	remaining, err := s.store.DecrementQuota(ctx, ent.UserID)
	switch {
	case errors.Is(err, store.ErrQuotaExhausted):
		s.logger.Warn("Quota already exhausted at charge time",
			"user_id", ent.UserID,
			"reset_at", ent.QuotaResetAt,
		)
		out.Quota = 0
		return &out, nil
	case err != nil:
		return &out, domain.Internal(err, op, "failed to charge request")
	}

	out.Quota = remaining
	return &out, nil
}

func (s *quotaService) Status(ctx context.Context, userID string) (*domain.Entitlement, error) {
	const op = "quota.status"

	stored, err := s.load(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	adm := domain.Reconcile(stored, userID, s.now(), s.limit)
	return &adm.Entitlement, nil
}
