package downloads

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
)

const linkColumns = "id, order_id, product_id, token, expires_at, downloads, max_downloads, refresh_count, created_at, updated_at"

type LinkRepository struct {
	db *sql.DB
}

func NewLinkRepository(db *sql.DB) *LinkRepository {
	return &LinkRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLink(row rowScanner) (*domain.DownloadLink, error) {
	link := &domain.DownloadLink{}
	err := row.Scan(&link.ID, &link.OrderID, &link.ProductID, &link.Token, &link.ExpiresAt,
		&link.Downloads, &link.MaxDownloads, &link.RefreshCount, &link.CreatedAt, &link.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return link, nil
}

func (r *LinkRepository) GetByToken(ctx context.Context, token string) (*domain.DownloadLink, error) {
	return scanLink(r.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM download_links WHERE token = $1`, token))
}

// GetByID, Refresh and ListForCustomer take ids already validated as UUIDs.
func (r *LinkRepository) GetByID(ctx context.Context, id string) (*domain.DownloadLink, error) {
	return scanLink(r.db.QueryRowContext(ctx, `SELECT `+linkColumns+` FROM download_links WHERE id = $1`, id))
}

func (r *LinkRepository) OrderAccess(ctx context.Context, orderID string) (*OrderAccess, error) {
	access := &OrderAccess{OrderID: orderID}
	var customerID sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT status, customer_id FROM orders WHERE id = $1
	`, orderID).Scan(&access.Status, &customerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	access.CustomerID = customerID.String

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, product_id, version_id, quantity, price
		FROM order_items
		WHERE order_id = $1
		ORDER BY position
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var item domain.LineItem
		var versionID sql.NullString
		if err := rows.Scan(&item.ID, &item.ProductID, &versionID, &item.Quantity, &item.Price); err != nil {
			return nil, err
		}
		item.VersionID = versionID.String
		access.Items = append(access.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return access, nil
}

// ConsumeDownload is the single conditional increment that keeps concurrent
// retrievals within quota. A link is still valid at exactly its expiry, as in
// DownloadLink.Expired.
func (r *LinkRepository) ConsumeDownload(ctx context.Context, token string, now time.Time) (*domain.DownloadLink, error) {
	return scanLink(r.db.QueryRowContext(ctx, `
		UPDATE download_links
		SET downloads = downloads + 1, updated_at = NOW()
		WHERE token = $1 AND downloads < max_downloads AND expires_at >= $2
		RETURNING `+linkColumns, token, now))
}

func (r *LinkRepository) Refresh(ctx context.Context, id, token string, expiresAt time.Time, maxRefreshes int) (*domain.DownloadLink, error) {
	return scanLink(r.db.QueryRowContext(ctx, `
		UPDATE download_links
		SET token = $2, downloads = 0, expires_at = $3, refresh_count = refresh_count + 1, updated_at = NOW()
		WHERE id = $1 AND ($4 = 0 OR refresh_count < $4)
		RETURNING `+linkColumns, id, token, expiresAt, maxRefreshes))
}

func (r *LinkRepository) ListForCustomer(ctx context.Context, customerID string) ([]CustomerDownload, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT l.id, o.order_number, l.product_id, COALESCE(p.name, l.product_id), l.token,
			l.downloads, l.max_downloads, l.expires_at
		FROM download_links l
		JOIN orders o ON o.id = l.order_id
		LEFT JOIN products p ON p.id = l.product_id
		WHERE o.customer_id = $1 AND o.status = $2
		ORDER BY l.created_at DESC
	`, customerID, domain.OrderStatusCompleted)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	downloads := []CustomerDownload{}
	for rows.Next() {
		var d CustomerDownload
		if err := rows.Scan(&d.ID, &d.OrderNumber, &d.ProductID, &d.ProductName, &d.Token,
			&d.Downloads, &d.MaxDownloads, &d.ExpiresAt); err != nil {
			return nil, err
		}
		downloads = append(downloads, d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return downloads, nil
}
