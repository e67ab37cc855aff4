package fulfillment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
	"github.com/joao-fontenele/storefront-fulfillment/internal/token"
)

type Materializer struct {
	db                *sql.DB
	repo              *OrderRepository
	orderNumberPrefix string
	now               func() time.Time
	logger            *slog.Logger
}

func NewMaterializer(db *sql.DB, repo *OrderRepository, orderNumberPrefix string, logger *slog.Logger) *Materializer {
	return &Materializer{
		db:                db,
		repo:              repo,
		orderNumberPrefix: orderNumberPrefix,
		now:               time.Now,
		logger:            logger,
	}
}

// Materialize creates the order, its line items, payment and fulfillment tasks
// in one transaction. A concurrent duplicate for the same session surfaces as
// ErrDuplicateEvent; every other failure is a TransactionFailure.
func (m *Materializer) Materialize(ctx context.Context, event PaymentEvent, meta *Metadata) (*domain.Order, []TaskKind, error) {
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, nil, transactionFailure("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := m.now().UTC()

	order := &domain.Order{
		Status:          domain.OrderStatusCompleted,
		Currency:        normalizeCurrency(event.Currency),
		Email:           event.Email,
		StripeSessionID: event.SessionID,
		Items:           meta.LineItems(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	order.Total = domain.OrderTotal(order.Items)

	if meta.UserID != "" {
		customerID, err := m.repo.customerIDByUserID(ctx, tx, meta.UserID)
		if err != nil {
			return nil, nil, transactionFailure("resolve customer", err)
		}
		if customerID == "" {
			m.logger.Warn("unknown customer, recording guest order", "user_id", meta.UserID, "session_id", event.SessionID)
		}
		order.CustomerID = customerID
	}

	order.OrderNumber, err = token.OrderNumber(m.orderNumberPrefix, now)
	if err != nil {
		return nil, nil, transactionFailure("generate order number", err)
	}

	order.Payment = &domain.Payment{
		Gateway:       paymentGatewayStripe,
		TransactionID: event.PaymentIntentID,
		Status:        domain.PaymentStatusCompleted,
		Amount:        decimal.New(event.AmountTotal, -2),
		Currency:      order.Currency,
	}

	if err := m.attachDiscount(ctx, tx, order, meta, now); err != nil {
		return nil, nil, transactionFailure("resolve discount", err)
	}
	if err := m.attachAffiliate(ctx, tx, order, meta); err != nil {
		return nil, nil, transactionFailure("resolve affiliate", err)
	}

	if err := insertOrder(ctx, tx, order); err != nil {
		if domain.IsCode(err, domain.ErrCodeDuplicateEvent) {
			return nil, nil, err
		}
		return nil, nil, transactionFailure("insert order", err)
	}

	kinds := tasksFor(order)
	for _, kind := range kinds {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fulfillment_tasks (id, order_id, kind, status, next_retry)
			VALUES ($1, $2, $3, $4, $5)
		`, uuid.New().String(), order.ID, kind, TaskStatusPending, now.Add(taskGracePeriod)); err != nil {
			return nil, nil, transactionFailure("enqueue fulfillment task", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, transactionFailure("commit", err)
	}

	return order, kinds, nil
}

func (m *Materializer) attachDiscount(ctx context.Context, q querier, order *domain.Order, meta *Metadata, now time.Time) error {
	if meta.DiscountID == "" && meta.DiscountCode == "" {
		return nil
	}

	discount, err := m.repo.findDiscount(ctx, q, meta.DiscountID, meta.DiscountCode)
	if err != nil {
		return err
	}

	switch {
	case discount == nil:
		m.logger.Warn("discount not found, dropping attribution", "discount_id", meta.DiscountID, "discount_code", meta.DiscountCode)
	case !discount.Applicable(now):
		m.logger.Warn("discount not applicable, dropping attribution", "discount_id", discount.ID, "discount_code", discount.Code)
	default:
		order.DiscountID = discount.ID
	}
	return nil
}

func (m *Materializer) attachAffiliate(ctx context.Context, q querier, order *domain.Order, meta *Metadata) error {
	if meta.AffiliateID == "" && meta.AffiliateCode == "" {
		return nil
	}

	affiliate, err := m.repo.findAffiliate(ctx, q, meta.AffiliateID, meta.AffiliateCode)
	if err != nil {
		return err
	}

	switch {
	case affiliate == nil:
		m.logger.Warn("affiliate not found, dropping attribution", "affiliate_id", meta.AffiliateID, "affiliate_code", meta.AffiliateCode)
	case !affiliate.Active:
		m.logger.Warn("affiliate inactive, dropping attribution", "affiliate_id", affiliate.ID, "affiliate_code", affiliate.Code)
	default:
		order.AffiliateID = affiliate.ID
	}
	return nil
}

// tasksFor lists the post-commit work an order needs. Entitlement tasks always
// run and find nothing to do for orders without licensed or digital products.
func tasksFor(order *domain.Order) []TaskKind {
	kinds := []TaskKind{TaskDownloadLinks, TaskLicenseKeys}
	if order.DiscountID != "" {
		kinds = append(kinds, TaskDiscountUsage)
	}
	if order.AffiliateID != "" {
		kinds = append(kinds, TaskAffiliateCredit)
	}
	return kinds
}

func normalizeCurrency(currency string) string {
	if currency == "" {
		return defaultCurrency
	}
	return strings.ToUpper(currency)
}

func transactionFailure(step string, err error) error {
	return domain.WrapError(domain.ErrCodeTransactionFailure, fmt.Sprintf("order transaction failed: %s", step), err)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
