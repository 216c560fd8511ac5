// Package handler contains HTTP handlers for the EstateGPT API.
//
// This file implements the Stripe webhook handler for processing billing events.
//
// Route:
//   - POST /webhooks/stripe -> HandleStripeWebhook
//
// This route is PUBLIC (no identity middleware) because Stripe calls it
// directly. Authentication is via the Stripe webhook signature.
package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v79"

	"github.com/DukeRupert/estategpt/internal/domain"
)

// maxWebhookBodyBytes caps the webhook payload at 64KB.
const maxWebhookBodyBytes = 65536

// WebhookVerifier checks a Stripe signature and decodes the event.
type WebhookVerifier interface {
	VerifyWebhookSignature(payload []byte, signature string) (stripe.Event, error)
}

// EventProcessor applies a verified payment event.
type EventProcessor interface {
	Process(ctx context.Context, event stripe.Event) (domain.EventOutcome, error)
}

// WebhookHandler handles incoming webhook events from Stripe.
type WebhookHandler struct {
	verifier  WebhookVerifier
	processor EventProcessor
	logger    *slog.Logger
}

// NewWebhookHandler creates a new WebhookHandler.
// verifier may be nil when Stripe is not configured.
func NewWebhookHandler(verifier WebhookVerifier, processor EventProcessor, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		verifier:  verifier,
		processor: processor,
		logger:    logger,
	}
}

// RegisterRoutes registers webhook routes on the provided mux.
// These routes are public and authenticated by the Stripe signature, so
// limit is applied per client IP.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux, limit func(http.Handler) http.Handler) {
	mux.Handle("POST /webhooks/stripe", limit(http.HandlerFunc(h.HandleStripeWebhook)))
}

type webhookResponse struct {
	Received bool                `json:"received"`
	Outcome  domain.EventOutcome `json:"outcome,omitempty"`
}

// HandleStripeWebhook verifies and processes a Stripe event.
//
// Responses:
//   - 400 when the body can't be read or the signature is invalid
//   - 500 when the event could not be stored; Stripe redelivers it
//   - 200 otherwise, including duplicates and ignored event types
func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		h.logger.Warn("stripe webhook received but billing is not configured")
		writeJSON(w, http.StatusOK, webhookResponse{Received: true})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		ErrorResponse(w, r, h.logger, domain.Invalid("WebhookHandler.HandleStripeWebhook", "Invalid payload."))
		return
	}

	event, err := h.verifier.VerifyWebhookSignature(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature verification failed", "error", err)
		ErrorResponse(w, r, h.logger, domain.Invalid("WebhookHandler.HandleStripeWebhook", "Invalid signature."))
		return
	}

	h.logger.Info("stripe webhook received", "type", event.Type, "id", event.ID)

	outcome, err := h.processor.Process(r.Context(), event)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	h.logger.Info("stripe webhook handled", "type", event.Type, "id", event.ID, "outcome", outcome)
	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Outcome: outcome})
}
