// Package webhook verifies and dispatches payment processor events.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
	"github.com/joao-fontenele/storefront-fulfillment/internal/fulfillment"
)

const (
	maxBodyBytes    = 65536
	signatureHeader = "Stripe-Signature"

	eventCheckoutCompleted      = "checkout.session.completed"
	eventCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
	eventPaymentSucceeded       = "payment_intent.succeeded"
	eventPaymentFailed          = "payment_intent.payment_failed"
	eventChargeRefunded         = "charge.refunded"
)

type Fulfiller interface {
	FulfillCheckout(ctx context.Context, event fulfillment.PaymentEvent) (*fulfillment.Result, error)
	MarkPaymentSucceeded(ctx context.Context, paymentIntentID string) error
	MarkPaymentFailed(ctx context.Context, paymentIntentID string) error
	MarkRefunded(ctx context.Context, paymentIntentID string) error
}

type FailureRecorder interface {
	Record(ctx context.Context, eventID, sessionID, reason string, payload []byte) error
}

type Handler struct {
	secret    string
	fulfiller Fulfiller
	failures  FailureRecorder
	logger    *slog.Logger
}

func NewHandler(secret string, fulfiller Fulfiller, failures FailureRecorder, logger *slog.Logger) *Handler {
	return &Handler{
		secret:    secret,
		fulfiller: fulfiller,
		failures:  failures,
		logger:    logger,
	}
}

type receivedResponse struct {
	Received bool `json:"received"`
}

func (h *Handler) HandleStripe(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get(signatureHeader), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("rejected webhook", "error", err, "reason", domain.ErrInvalidSignature.Message)
		h.writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	if err := h.dispatch(r.Context(), event); err != nil {
		switch {
		case domain.IsCode(err, domain.ErrCodeMalformedPayload):
			h.park(r.Context(), event, err, payload)
		default:
			h.logger.Error("webhook processing failed", "error", err, "event_id", event.ID, "type", event.Type)
			h.writeError(w, http.StatusInternalServerError, "webhook processing failed")
			return
		}
	}

	h.writeJSON(w, http.StatusOK, receivedResponse{Received: true})
}

func (h *Handler) dispatch(ctx context.Context, event stripe.Event) error {
	switch string(event.Type) {
	case eventCheckoutCompleted, eventCheckoutAsyncSucceeded:
		return h.handleCheckout(ctx, event)
	case eventPaymentSucceeded:
		return h.handlePaymentIntent(ctx, event, h.fulfiller.MarkPaymentSucceeded)
	case eventPaymentFailed:
		return h.handlePaymentIntent(ctx, event, h.fulfiller.MarkPaymentFailed)
	case eventChargeRefunded:
		return h.handleRefund(ctx, event)
	default:
		h.logger.Info("ignoring webhook event", "event_id", event.ID, "type", event.Type)
		return nil
	}
}

func (h *Handler) handleCheckout(ctx context.Context, event stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return domain.WrapError(domain.ErrCodeMalformedPayload, "checkout session does not decode", err)
	}
	if session.ID == "" {
		return domain.NewError(domain.ErrCodeMalformedPayload, "checkout session has no id")
	}

	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid &&
		session.PaymentStatus != stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
		h.logger.Info("checkout not paid yet", "session_id", session.ID, "payment_status", session.PaymentStatus)
		return nil
	}

	result, err := h.fulfiller.FulfillCheckout(ctx, toPaymentEvent(event.ID, &session))
	if err != nil {
		return err
	}

	h.logger.Info("checkout processed",
		"event_id", event.ID, "session_id", session.ID, "order_id", result.OrderID, "duplicate", result.Duplicate)
	return nil
}

func toPaymentEvent(eventID string, session *stripe.CheckoutSession) fulfillment.PaymentEvent {
	email := session.CustomerEmail
	if email == "" && session.CustomerDetails != nil {
		email = session.CustomerDetails.Email
	}

	var paymentIntentID string
	if session.PaymentIntent != nil {
		paymentIntentID = session.PaymentIntent.ID
	}

	return fulfillment.PaymentEvent{
		EventID:         eventID,
		SessionID:       session.ID,
		PaymentIntentID: paymentIntentID,
		AmountTotal:     session.AmountTotal,
		Currency:        string(session.Currency),
		Email:           email,
		Metadata:        session.Metadata,
	}
}

func (h *Handler) handlePaymentIntent(ctx context.Context, event stripe.Event, apply func(context.Context, string) error) error {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil || intent.ID == "" {
		return domain.WrapError(domain.ErrCodeMalformedPayload, "payment intent does not decode", err)
	}
	return apply(ctx, intent.ID)
}

func (h *Handler) handleRefund(ctx context.Context, event stripe.Event) error {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return domain.WrapError(domain.ErrCodeMalformedPayload, "charge does not decode", err)
	}
	if charge.PaymentIntent == nil || charge.PaymentIntent.ID == "" {
		h.logger.Warn("refunded charge has no payment intent", "event_id", event.ID, "charge_id", charge.ID)
		return nil
	}
	return h.fulfiller.MarkRefunded(ctx, charge.PaymentIntent.ID)
}

// park stores a malformed event for operators. The event is acknowledged
// because redelivery would carry the same data.
func (h *Handler) park(ctx context.Context, event stripe.Event, cause error, payload []byte) {
	var sessionID string
	var partial struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(event.Data.Raw, &partial); err == nil {
		sessionID = partial.ID
	}

	h.logger.Error("malformed webhook event parked", "error", cause, "event_id", event.ID, "session_id", sessionID)

	if h.failures == nil {
		return
	}
	if err := h.failures.Record(ctx, event.ID, sessionID, cause.Error(), payload); err != nil {
		h.logger.Error("failed to park webhook event", "error", errors.Join(cause, err), "event_id", event.ID)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
