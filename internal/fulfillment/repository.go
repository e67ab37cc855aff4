package fulfillment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
)

const (
	uniqueViolation         = "23505"
	sessionUniqueConstraint = "orders_stripe_session_id_key"
	paymentGatewayStripe    = "stripe"
	defaultCurrency         = "USD"
	orderColumns            = "id, order_number, stripe_session_id, status, total, currency, email, customer_id, discount_id, affiliate_id, created_at, updated_at"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	return r.getOrder(ctx, "id = $1", id)
}

func (r *OrderRepository) GetBySessionID(ctx context.Context, sessionID string) (*domain.Order, error) {
	return r.getOrder(ctx, "stripe_session_id = $1", sessionID)
}

func (r *OrderRepository) getOrder(ctx context.Context, where string, arg string) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	items, err := loadLineItems(ctx, r.db, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items

	payment, err := loadPayment(ctx, r.db, order.ID)
	if err != nil {
		return nil, err
	}
	order.Payment = payment

	return order, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	order := &domain.Order{}
	var customerID, discountID, affiliateID sql.NullString
	err := row.Scan(&order.ID, &order.OrderNumber, &order.StripeSessionID, &order.Status, &order.Total,
		&order.Currency, &order.Email, &customerID, &discountID, &affiliateID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return nil, err
	}
	order.CustomerID = customerID.String
	order.DiscountID = discountID.String
	order.AffiliateID = affiliateID.String
	return order, nil
}

func loadLineItems(ctx context.Context, q querier, orderID string) ([]domain.LineItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, product_id, version_id, quantity, price
		FROM order_items
		WHERE order_id = $1
		ORDER BY position
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []domain.LineItem
	for rows.Next() {
		var item domain.LineItem
		var versionID sql.NullString
		if err := rows.Scan(&item.ID, &item.ProductID, &versionID, &item.Quantity, &item.Price); err != nil {
			return nil, err
		}
		item.VersionID = versionID.String
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

func loadPayment(ctx context.Context, q querier, orderID string) (*domain.Payment, error) {
	payment := &domain.Payment{}
	var transactionID sql.NullString
	err := q.QueryRowContext(ctx, `
		SELECT id, gateway, transaction_id, status, amount, currency
		FROM payments
		WHERE order_id = $1
	`, orderID).Scan(&payment.ID, &payment.Gateway, &transactionID, &payment.Status, &payment.Amount, &payment.Currency)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	payment.TransactionID = transactionID.String
	return payment, nil
}

// insertOrder writes the order, its line items and its payment inside tx.
func insertOrder(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	order.ID = uuid.New().String()

	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, order_number, stripe_session_id, status, total, currency, email,
			customer_id, discount_id, affiliate_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, order.ID, order.OrderNumber, order.StripeSessionID, order.Status, order.Total, order.Currency, order.Email,
		nullString(order.CustomerID), nullString(order.DiscountID), nullString(order.AffiliateID), order.CreatedAt)
	if err != nil {
		return classifyInsertError(err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.ID = uuid.New().String()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, version_id, quantity, price, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, item.ID, order.ID, item.ProductID, nullString(item.VersionID), item.Quantity, item.Price, i)
		if err != nil {
			return fmt.Errorf("insert order item %s: %w", item.ProductID, err)
		}
	}

	if order.Payment != nil {
		order.Payment.ID = uuid.New().String()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payments (id, order_id, gateway, transaction_id, status, amount, currency)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, order.Payment.ID, order.ID, order.Payment.Gateway, nullString(order.Payment.TransactionID),
			order.Payment.Status, order.Payment.Amount, order.Payment.Currency)
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
	}

	return nil
}

// classifyInsertError maps a session id collision to ErrDuplicateEvent. Any
// other failure, including an order number collision, stays a plain error.
func classifyInsertError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == sessionUniqueConstraint {
		return domain.WrapError(domain.ErrCodeDuplicateEvent, "order already exists for session", err)
	}
	return fmt.Errorf("insert order: %w", err)
}

// UpdatePaymentStatus moves the payment identified by its processor transaction
// id, and optionally its order, to a new status. It returns the affected order
// id, or "" when no payment matches.
func (r *OrderRepository) UpdatePaymentStatus(ctx context.Context, transactionID string, status domain.PaymentStatus, orderStatus domain.OrderStatus) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	var orderID string
	err = tx.QueryRowContext(ctx, `
		UPDATE payments SET status = $2, updated_at = NOW()
		WHERE transaction_id = $1
		RETURNING order_id
	`, transactionID, status).Scan(&orderID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}

	if orderStatus != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = $2, updated_at = NOW()
			WHERE id = $1
		`, orderID, orderStatus); err != nil {
			return "", err
		}
	}

	return orderID, tx.Commit()
}

func (r *OrderRepository) customerIDByUserID(ctx context.Context, q querier, userID string) (string, error) {
	var id string
	err := q.QueryRowContext(ctx, `SELECT id FROM customers WHERE user_id = $1`, userID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

func (r *OrderRepository) findDiscount(ctx context.Context, q querier, id, code string) (*domain.Discount, error) {
	where, arg, ok := lookupBy(id, code)
	if !ok {
		return nil, nil
	}

	d := &domain.Discount{}
	var usageLimit sql.NullInt64
	var expiresAt sql.NullTime
	err := q.QueryRowContext(ctx, `
		SELECT id, code, active, usage_count, usage_limit, expires_at
		FROM discounts
		WHERE `+where, arg).Scan(&d.ID, &d.Code, &d.Active, &d.UsageCount, &usageLimit, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if usageLimit.Valid {
		limit := int(usageLimit.Int64)
		d.UsageLimit = &limit
	}
	if expiresAt.Valid {
		d.ExpiresAt = &expiresAt.Time
	}
	return d, nil
}

func (r *OrderRepository) findAffiliate(ctx context.Context, q querier, id, code string) (*domain.Affiliate, error) {
	where, arg, ok := lookupBy(id, code)
	if !ok {
		return nil, nil
	}

	a := &domain.Affiliate{}
	err := q.QueryRowContext(ctx, `
		SELECT id, code, active, total_sales, total_earnings
		FROM affiliates
		WHERE `+where, arg).Scan(&a.ID, &a.Code, &a.Active, &a.TotalSales, &a.TotalEarnings)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return a, nil
}

// lookupBy prefers the id and falls back to the code. An id that is not a UUID
// cannot match, so only the code is tried.
func lookupBy(id, code string) (string, string, bool) {
	if id != "" {
		if _, err := uuid.Parse(id); err == nil {
			return "id = $1", id, true
		}
	}
	if code != "" {
		return "code = $1", code, true
	}
	return "", "", false
}

// OrderSummary is the success-page view of an order.
type OrderSummary struct {
	OrderNumber   string             `json:"orderNumber"`
	Status        domain.OrderStatus `json:"status"`
	Email         string             `json:"email"`
	Total         string             `json:"total"`
	Currency      string             `json:"currency"`
	CreatedAt     time.Time          `json:"createdAt"`
	Items         []domain.LineItem  `json:"items"`
	DownloadLinks []SummaryLink      `json:"downloadLinks"`
	LicenseKeys   []SummaryKey       `json:"licenseKeys"`
}

type SummaryLink struct {
	ProductID string    `json:"productId"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type SummaryKey struct {
	ProductID string `json:"productId"`
	Key       string `json:"key"`
}

func (r *OrderRepository) Summary(ctx context.Context, sessionID string) (*OrderSummary, error) {
	order, err := r.GetBySessionID(ctx, sessionID)
	if err != nil || order == nil {
		return nil, err
	}

	summary := &OrderSummary{
		OrderNumber:   order.OrderNumber,
		Status:        order.Status,
		Email:         order.Email,
		Total:         order.Total.StringFixed(2),
		Currency:      order.Currency,
		CreatedAt:     order.CreatedAt,
		Items:         order.Items,
		DownloadLinks: []SummaryLink{},
		LicenseKeys:   []SummaryKey{},
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, token, expires_at FROM download_links WHERE order_id = $1 ORDER BY created_at
	`, order.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var link SummaryLink
		if err := rows.Scan(&link.ProductID, &link.Token, &link.ExpiresAt); err != nil {
			return nil, err
		}
		summary.DownloadLinks = append(summary.DownloadLinks, link)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	keyRows, err := r.db.QueryContext(ctx, `
		SELECT product_id, key FROM license_keys WHERE order_id = $1 ORDER BY created_at, key
	`, order.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = keyRows.Close() }()
	for keyRows.Next() {
		var key SummaryKey
		if err := keyRows.Scan(&key.ProductID, &key.Key); err != nil {
			return nil, err
		}
		summary.LicenseKeys = append(summary.LicenseKeys, key)
	}
	if err := keyRows.Err(); err != nil {
		return nil, err
	}

	return summary, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
