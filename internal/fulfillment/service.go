package fulfillment

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
)

const (
	entitlementTimeout = 30 * time.Second
	publishTimeout     = 5 * time.Second
)

var meter = otel.Meter("fulfillment")

// Publisher delivers the order.fulfilled notification. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type Result struct {
	OrderID       string `json:"orderId,omitempty"`
	OrderNumber   string `json:"orderNumber,omitempty"`
	Duplicate     bool   `json:"duplicate"`
	DownloadLinks int    `json:"downloadLinks"`
	LicenseKeys   int    `json:"licenseKeys"`
}

// Service turns a verified checkout event into a fulfilled order exactly once.
type Service struct {
	guard        *Guard
	materializer *Materializer
	runner       *TaskRunner
	repo         *OrderRepository
	publisher    Publisher
	orders       metric.Int64Counter
	logger       *slog.Logger
}

func NewService(guard *Guard, materializer *Materializer, runner *TaskRunner, repo *OrderRepository, publisher Publisher, logger *slog.Logger) *Service {
	orders, err := meter.Int64Counter("fulfillment.orders",
		metric.WithDescription("Checkout events processed, by outcome"))
	if err != nil {
		logger.Warn("failed to create orders counter", "error", err)
	}
	return &Service{
		guard:        guard,
		materializer: materializer,
		runner:       runner,
		repo:         repo,
		publisher:    publisher,
		orders:       orders,
		logger:       logger,
	}
}

func (s *Service) FulfillCheckout(ctx context.Context, event PaymentEvent) (*Result, error) {
	if orderID, processed, err := s.guard.Check(ctx, event.SessionID); err != nil {
		s.count(ctx, "error")
		return nil, transactionFailure("idempotency check", err)
	} else if processed {
		s.logger.Info("checkout already fulfilled", "session_id", event.SessionID, "order_id", orderID)
		s.count(ctx, "duplicate")
		return &Result{OrderID: orderID, Duplicate: true}, nil
	}

	meta, err := ParseMetadata(event.Metadata)
	if err != nil {
		s.count(ctx, "malformed")
		return nil, err
	}

	order, kinds, err := s.materializer.Materialize(ctx, event, meta)
	if err != nil {
		if domain.IsCode(err, domain.ErrCodeDuplicateEvent) {
			s.logger.Info("concurrent delivery lost the race", "session_id", event.SessionID)
			s.count(ctx, "duplicate")
			return &Result{Duplicate: true}, nil
		}
		s.count(ctx, "error")
		return nil, err
	}

	s.logger.Info("order materialized",
		"order_id", order.ID, "order_number", order.OrderNumber, "session_id", event.SessionID, "total", order.Total.StringFixed(2))

	result := &Result{OrderID: order.ID, OrderNumber: order.OrderNumber}

	// Entitlements must not be cut short by the webhook caller hanging up.
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), entitlementTimeout)
	defer cancel()

	for _, kind := range kinds {
		issued, err := s.runner.Run(taskCtx, order.ID, kind)
		if err != nil {
			continue
		}
		switch kind {
		case TaskDownloadLinks:
			result.DownloadLinks = issued
		case TaskLicenseKeys:
			result.LicenseKeys = issued
		}
	}

	s.notify(taskCtx, order, result)
	s.count(ctx, "fulfilled")
	return result, nil
}

func (s *Service) notify(ctx context.Context, order *domain.Order, result *Result) {
	if s.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	event := domain.OrderFulfilledEvent{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		Email:         order.Email,
		Total:         order.Total,
		Currency:      order.Currency,
		Items:         order.Items,
		DownloadLinks: result.DownloadLinks,
		LicenseKeys:   result.LicenseKeys,
		Timestamp:     order.CreatedAt,
	}
	if err := s.publisher.Publish(ctx, order.ID, event); err != nil {
		s.logger.Error("failed to publish order fulfilled event", "error", err, "order_id", order.ID)
	}
}

// MarkPaymentSucceeded records a late payment_intent.succeeded.
func (s *Service) MarkPaymentSucceeded(ctx context.Context, paymentIntentID string) error {
	return s.updatePayment(ctx, paymentIntentID, domain.PaymentStatusCompleted, "")
}

func (s *Service) MarkPaymentFailed(ctx context.Context, paymentIntentID string) error {
	return s.updatePayment(ctx, paymentIntentID, domain.PaymentStatusFailed, domain.OrderStatusFailed)
}

// MarkRefunded revokes download access by moving the order out of COMPLETED.
func (s *Service) MarkRefunded(ctx context.Context, paymentIntentID string) error {
	return s.updatePayment(ctx, paymentIntentID, domain.PaymentStatusRefunded, domain.OrderStatusRefunded)
}

func (s *Service) updatePayment(ctx context.Context, paymentIntentID string, status domain.PaymentStatus, orderStatus domain.OrderStatus) error {
	orderID, err := s.repo.UpdatePaymentStatus(ctx, paymentIntentID, status, orderStatus)
	if err != nil {
		return transactionFailure("update payment status", err)
	}
	if orderID == "" {
		s.logger.Warn("no payment for transaction", "payment_intent", paymentIntentID, "status", status)
		return nil
	}
	s.logger.Info("payment status updated", "order_id", orderID, "payment_intent", paymentIntentID, "status", status)
	return nil
}

func (s *Service) count(ctx context.Context, outcome string) {
	if s.orders == nil {
		return
	}
	s.orders.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
