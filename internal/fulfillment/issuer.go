package fulfillment

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
	"github.com/joao-fontenele/storefront-fulfillment/internal/token"
)

const licenseKeyAttempts = 5

type ProductCatalog interface {
	ProductsByID(ctx context.Context, ids []string) (map[string]domain.Product, error)
}

type IssuerConfig struct {
	LicenseMaxActivations int
	LinkExpiryDays        int
	LinkMaxDownloads      int
}

// Issuer mints license keys and download links for a committed order.
type Issuer struct {
	catalog ProductCatalog
	cfg     IssuerConfig
	now     func() time.Time
	logger  *slog.Logger
}

func NewIssuer(catalog ProductCatalog, cfg IssuerConfig, logger *slog.Logger) *Issuer {
	if cfg.LicenseMaxActivations <= 0 {
		cfg.LicenseMaxActivations = 3
	}
	if cfg.LinkExpiryDays <= 0 {
		cfg.LinkExpiryDays = 30
	}
	if cfg.LinkMaxDownloads <= 0 {
		cfg.LinkMaxDownloads = 5
	}
	return &Issuer{catalog: catalog, cfg: cfg, now: time.Now, logger: logger}
}

// IssueLicenseKeys writes one key per purchased unit of every license-gated product.
func (i *Issuer) IssueLicenseKeys(ctx context.Context, tx *sql.Tx, order *domain.Order) (int, error) {
	products, err := i.products(ctx, order)
	if err != nil {
		return 0, err
	}

	keys, err := planLicenseKeys(order, products, i.cfg.LicenseMaxActivations, i.now().UTC())
	if err != nil {
		return 0, err
	}

	for _, key := range keys {
		if err := insertLicenseKey(ctx, tx, key); err != nil {
			return 0, err
		}
	}

	if len(keys) > 0 {
		i.logger.Info("license keys issued", "order_id", order.ID, "count", len(keys))
	}
	return len(keys), nil
}

// IssueDownloadLinks writes one link per distinct digital product.
func (i *Issuer) IssueDownloadLinks(ctx context.Context, tx *sql.Tx, order *domain.Order) (int, error) {
	products, err := i.products(ctx, order)
	if err != nil {
		return 0, err
	}

	links, err := planDownloadLinks(order, products, i.cfg.LinkExpiryDays, i.cfg.LinkMaxDownloads, i.now().UTC())
	if err != nil {
		return 0, err
	}

	issued := 0
	for _, link := range links {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO download_links (id, order_id, product_id, token, expires_at, downloads, max_downloads, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
			ON CONFLICT (order_id, product_id) DO NOTHING
		`, link.ID, link.OrderID, link.ProductID, link.Token, link.ExpiresAt, link.MaxDownloads, link.CreatedAt)
		if err != nil {
			return 0, fmt.Errorf("insert download link for %s: %w", link.ProductID, err)
		}
		if n, err := result.RowsAffected(); err == nil && n > 0 {
			issued++
		}
	}

	if issued > 0 {
		i.logger.Info("download links issued", "order_id", order.ID, "count", issued)
	}
	return issued, nil
}

func (i *Issuer) products(ctx context.Context, order *domain.Order) (map[string]domain.Product, error) {
	ids := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		ids = append(ids, item.ProductID)
	}

	products, err := i.catalog.ProductsByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	for _, id := range missingProducts(order.Items, products) {
		i.logger.Warn("product not found, skipping entitlement",
			"error", domain.ErrProductNotFound, "order_id", order.ID, "product_id", id)
	}
	return products, nil
}

func planLicenseKeys(order *domain.Order, products map[string]domain.Product, defaultActivations int, now time.Time) ([]domain.LicenseKey, error) {
	var keys []domain.LicenseKey
	for _, item := range order.Items {
		product, ok := products[item.ProductID]
		if !ok || !product.RequiresLicense {
			continue
		}

		activations := defaultActivations
		if product.LicenseMaxActivations > 0 {
			activations = product.LicenseMaxActivations
		}

		var expiresAt *time.Time
		if product.LicenseValidDays > 0 {
			exp := now.AddDate(0, 0, product.LicenseValidDays)
			expiresAt = &exp
		}

		for range item.Quantity {
			key, err := token.LicenseKey()
			if err != nil {
				return nil, err
			}
			keys = append(keys, domain.LicenseKey{
				ID:             uuid.New().String(),
				OrderID:        order.ID,
				ProductID:      item.ProductID,
				Key:            key,
				MaxActivations: activations,
				ExpiresAt:      expiresAt,
				CreatedAt:      now,
			})
		}
	}
	return keys, nil
}

func planDownloadLinks(order *domain.Order, products map[string]domain.Product, expiryDays, maxDownloads int, now time.Time) ([]domain.DownloadLink, error) {
	var links []domain.DownloadLink
	seen := make(map[string]struct{})
	for _, item := range order.Items {
		product, ok := products[item.ProductID]
		if !ok || !product.IsDigital() {
			continue
		}
		if _, dup := seen[item.ProductID]; dup {
			continue
		}
		seen[item.ProductID] = struct{}{}

		tok, err := token.DownloadToken()
		if err != nil {
			return nil, err
		}
		links = append(links, domain.DownloadLink{
			ID:           uuid.New().String(),
			OrderID:      order.ID,
			ProductID:    item.ProductID,
			Token:        tok,
			ExpiresAt:    now.AddDate(0, 0, expiryDays),
			MaxDownloads: maxDownloads,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return links, nil
}

func missingProducts(items []domain.LineItem, products map[string]domain.Product) []string {
	var missing []string
	seen := make(map[string]struct{})
	for _, item := range items {
		if _, ok := products[item.ProductID]; ok {
			continue
		}
		if _, dup := seen[item.ProductID]; dup {
			continue
		}
		seen[item.ProductID] = struct{}{}
		missing = append(missing, item.ProductID)
	}
	return missing
}

// insertLicenseKey regenerates the key on the rare collision with an existing one.
func insertLicenseKey(ctx context.Context, tx *sql.Tx, key domain.LicenseKey) error {
	for range licenseKeyAttempts {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO license_keys (id, order_id, product_id, key, max_activations, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (key) DO NOTHING
		`, key.ID, key.OrderID, key.ProductID, key.Key, key.MaxActivations, key.ExpiresAt, key.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert license key for %s: %w", key.ProductID, err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n == 1 {
			return nil
		}

		if key.Key, err = token.LicenseKey(); err != nil {
			return err
		}
	}
	return fmt.Errorf("license key collision for %s after %d attempts", key.ProductID, licenseKeyAttempts)
}
