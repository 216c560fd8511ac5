// Package handler contains HTTP handlers for the EstateGPT API.
//
// This file implements billing and subscription management handlers backed
// by Stripe.
//
// Routes handled:
//   - GET  /billing/config       -> Config (public)
//   - GET  /billing/status       -> Status
//   - POST /billing/checkout     -> Checkout
//   - POST /billing/portal       -> Portal
//   - POST /billing/setup-intent -> SetupIntent
//   - POST /billing/subscribe    -> Subscribe
//   - POST /billing/cancel       -> Cancel
//   - POST /billing/reactivate   -> Reactivate
//
// When Stripe is not configured every route except config and status
// answers 503.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/estategpt/internal/auth"
	"github.com/DukeRupert/estategpt/internal/domain"
	"github.com/DukeRupert/estategpt/internal/service"
)

const (
	maxBillingBodyBytes = 64 << 10

	billingNotConfigured = "Billing is not configured."
)

// BillingHandler handles billing and subscription management HTTP requests.
type BillingHandler struct {
	billing *service.BillingService
	logger  *slog.Logger
}

// NewBillingHandler creates a new BillingHandler.
func NewBillingHandler(billingService *service.BillingService, logger *slog.Logger) *BillingHandler {
	return &BillingHandler{
		billing: billingService,
		logger:  logger,
	}
}

// RegisterRoutes registers billing routes on the provided mux.
func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux, requireUser func(http.Handler) http.Handler) {
	mux.HandleFunc("GET /billing/config", h.Config)
	mux.Handle("GET /billing/status", requireUser(http.HandlerFunc(h.Status)))
	mux.Handle("POST /billing/checkout", requireUser(h.requireBilling(h.Checkout)))
	mux.Handle("POST /billing/portal", requireUser(h.requireBilling(h.Portal)))
	mux.Handle("POST /billing/setup-intent", requireUser(h.requireBilling(h.SetupIntent)))
	mux.Handle("POST /billing/subscribe", requireUser(h.requireBilling(h.Subscribe)))
	mux.Handle("POST /billing/cancel", requireUser(h.requireBilling(h.Cancel)))
	mux.Handle("POST /billing/reactivate", requireUser(h.requireBilling(h.Reactivate)))
}

// requireBilling answers 503 when Stripe is not configured.
func (h *BillingHandler) requireBilling(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.billing.Enabled() {
			ServiceUnavailableResponse(w, r, h.logger, billingNotConfigured)
			return
		}
		next(w, r)
	})
}

// =============================================================================
// Response types
// =============================================================================

type billingConfigResponse struct {
	PublishableKey string `json:"publishable_key"`
	PriceID        string `json:"price_id"`
}

type billingStatusResponse struct {
	Plan                 domain.Plan          `json:"plan"`
	Active               bool                 `json:"active"`
	Status               domain.PaymentStatus `json:"status"`
	Quota                int                  `json:"quota"`
	ResetAt              *string              `json:"reset_at"`
	RenewsAt             *string              `json:"renews_at,omitempty"`
	CancelAtPeriodEnd    bool                 `json:"cancel_at_period_end"`
	DefaultPaymentMethod *cardJSON            `json:"default_payment_method,omitempty"`
	Price                *priceJSON           `json:"price,omitempty"`
}

type cardJSON struct {
	Brand string `json:"brand"`
	Last4 string `json:"last4"`
}

type priceJSON struct {
	ID         string `json:"id"`
	UnitAmount int64  `json:"unit_amount"`
	Currency   string `json:"currency"`
	Interval   string `json:"interval,omitempty"`
}

type urlResponse struct {
	URL string `json:"url"`
}

type subscriptionResponse struct {
	SubscriptionID    string               `json:"subscription_id,omitempty"`
	Status            domain.PaymentStatus `json:"status"`
	CancelAtPeriodEnd bool                 `json:"cancel_at_period_end"`
}

// =============================================================================
// Handlers
// =============================================================================

// Config returns the publishable key and default price for the browser.
func (h *BillingHandler) Config(w http.ResponseWriter, r *http.Request) {
	cfg := h.billing.Config()
	writeJSON(w, http.StatusOK, billingConfigResponse{
		PublishableKey: cfg.PublishableKey,
		PriceID:        cfg.PriceID,
	})
}

// Status returns the caller's plan, quota and subscription snapshot.
func (h *BillingHandler) Status(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.GetIdentity(r.Context())
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	status, err := h.billing.Status(r.Context(), id.UserID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	resp := billingStatusResponse{
		Plan:              status.Plan,
		Active:            status.Active,
		Status:            status.Status,
		Quota:             status.Quota,
		ResetAt:           formatTime(status.ResetAt),
		CancelAtPeriodEnd: status.CancelAtPeriodEnd,
	}
	if status.RenewsAt != nil {
		resp.RenewsAt = formatTime(*status.RenewsAt)
	}
	if pm := status.PaymentMethod; pm != nil {
		resp.DefaultPaymentMethod = &cardJSON{Brand: pm.Brand, Last4: pm.Last4}
	}
	if p := status.Price; p != nil {
		resp.Price = &priceJSON{ID: p.ID, UnitAmount: p.UnitAmount, Currency: p.Currency, Interval: p.Interval}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Checkout creates a Stripe Checkout session and returns its URL.
func (h *BillingHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.GetIdentity(r.Context())
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	var req struct {
		PriceID string `json:"price_id"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("BillingHandler.Checkout", "Invalid request body."))
		return
	}

	url, err := h.billing.Checkout(r.Context(), id.UserID, id.Email, req.PriceID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.logger.Info("checkout session created", "user_id", id.UserID)
	writeJSON(w, http.StatusOK, urlResponse{URL: url})
}

// Portal returns a Stripe customer portal URL.
func (h *BillingHandler) Portal(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.GetIdentity(r.Context())
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	url, err := h.billing.Portal(r.Context(), id.UserID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, urlResponse{URL: url})
}

// SetupIntent returns a SetupIntent client secret for collecting a card.
func (h *BillingHandler) SetupIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.GetIdentity(r.Context())
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	secret, err := h.billing.SetupIntent(r.Context(), id.UserID, id.Email)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"client_secret": secret})
}

// Subscribe starts a subscription with an already collected payment method.
func (h *BillingHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.GetIdentity(r.Context())
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	var req struct {
		PaymentMethodID string `json:"payment_method_id"`
		PriceID         string `json:"price_id"`
	}
	if err := decodeOptionalJSON(r, &req); err != nil {
		ErrorResponse(w, r, h.logger, domain.Invalid("BillingHandler.Subscribe", "Invalid request body."))
		return
	}

	state, err := h.billing.Subscribe(r.Context(), id.UserID, id.Email, req.PaymentMethodID, req.PriceID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.logger.Info("subscription created", "user_id", id.UserID, "subscription_id", state.SubscriptionID)
	writeJSON(w, http.StatusOK, subscriptionResponse{
		SubscriptionID: state.SubscriptionID,
		Status:         state.Status,
	})
}

// Cancel schedules the subscription to end with the current period.
func (h *BillingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.GetIdentity(r.Context())
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	state, err := h.billing.Cancel(r.Context(), id.UserID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.logger.Info("subscription set to cancel at period end", "user_id", id.UserID)
	writeJSON(w, http.StatusOK, subscriptionResponse{
		Status:            state.Status,
		CancelAtPeriodEnd: state.CancelAtPeriodEnd,
	})
}

// Reactivate removes a pending cancellation.
func (h *BillingHandler) Reactivate(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.GetIdentity(r.Context())
	if !ok {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	state, err := h.billing.Reactivate(r.Context(), id.UserID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.logger.Info("subscription reactivated", "user_id", id.UserID)
	writeJSON(w, http.StatusOK, subscriptionResponse{
		Status:            state.Status,
		CancelAtPeriodEnd: state.CancelAtPeriodEnd,
	})
}

// decodeOptionalJSON decodes a JSON body into v. An empty body is allowed.
func decodeOptionalJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBillingBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
