package fulfillment

import "context"

// Guard answers whether a payment session has already produced an order. It is
// the fast path; UNIQUE(stripe_session_id) remains the authority under races.
type Guard struct {
	repo *OrderRepository
}

func NewGuard(repo *OrderRepository) *Guard {
	return &Guard{repo: repo}
}

// Check returns the existing order id and true when sessionID was processed.
func (g *Guard) Check(ctx context.Context, sessionID string) (string, bool, error) {
	var orderID string
	err := g.repo.db.QueryRowContext(ctx, `
		SELECT id FROM orders WHERE stripe_session_id = $1
	`, sessionID).Scan(&orderID)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return orderID, true, nil
}
