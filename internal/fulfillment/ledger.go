package fulfillment

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
)

// Ledger applies the order's effect on discount usage and affiliate earnings.
type Ledger struct {
	commissionRate decimal.Decimal
	logger         *slog.Logger
}

func NewLedger(commissionRate decimal.Decimal, logger *slog.Logger) *Ledger {
	return &Ledger{commissionRate: commissionRate, logger: logger}
}

func (l *Ledger) ApplyDiscount(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	if order.DiscountID == "" {
		return nil
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE discounts
		SET usage_count = usage_count + 1
		WHERE id = $1 AND (usage_limit IS NULL OR usage_count < usage_limit)
	`, order.DiscountID)
	if err != nil {
		return fmt.Errorf("increment discount usage: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		l.logger.Warn("discount usage limit reached, usage not counted", "order_id", order.ID, "discount_id", order.DiscountID)
	}
	return nil
}

func (l *Ledger) CreditAffiliate(ctx context.Context, tx *sql.Tx, order *domain.Order) error {
	if order.AffiliateID == "" {
		return nil
	}

	commission := Commission(order.Total, l.commissionRate)
	_, err := tx.ExecContext(ctx, `
		UPDATE affiliates
		SET total_sales = total_sales + 1, total_earnings = total_earnings + $2
		WHERE id = $1
	`, order.AffiliateID, commission)
	if err != nil {
		return fmt.Errorf("credit affiliate: %w", err)
	}

	l.logger.Info("affiliate credited", "order_id", order.ID, "affiliate_id", order.AffiliateID, "commission", commission.StringFixed(2))
	return nil
}

// Commission is total × rate rounded half away from zero to cents.
func Commission(total, rate decimal.Decimal) decimal.Decimal {
	return total.Mul(rate).Round(2)
}
