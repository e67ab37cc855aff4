// Package downloads guards access to purchased files behind expiring,
// quota-limited tokens.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
	"github.com/joao-fontenele/storefront-fulfillment/internal/token"
)

const signTimeout = 10 * time.Second

var meter = otel.Meter("downloads")

// OrderAccess is what the gate needs to know about the order behind a link.
type OrderAccess struct {
	OrderID    string
	Status     domain.OrderStatus
	CustomerID string
	Items      []domain.LineItem
}

type LinkStore interface {
	GetByToken(ctx context.Context, token string) (*domain.DownloadLink, error)
	GetByID(ctx context.Context, id string) (*domain.DownloadLink, error)
	OrderAccess(ctx context.Context, orderID string) (*OrderAccess, error)
	// ConsumeDownload increments the counter only while the link is unexpired
	// and under quota, returning nil when it was not.
	ConsumeDownload(ctx context.Context, token string, now time.Time) (*domain.DownloadLink, error)
	// Refresh rotates the token, returning nil when maxRefreshes (if non-zero)
	// is already reached.
	Refresh(ctx context.Context, id, token string, expiresAt time.Time, maxRefreshes int) (*domain.DownloadLink, error)
	ListForCustomer(ctx context.Context, customerID string) ([]CustomerDownload, error)
}

type FileCatalog interface {
	ProductsByID(ctx context.Context, ids []string) (map[string]domain.Product, error)
	ListFiles(ctx context.Context, productID, versionID string) ([]domain.ProductFile, error)
}

type Signer interface {
	Sign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type GrantFile struct {
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	FileName    string `json:"fileName"`
	URL         string `json:"url"`
}

type Grant struct {
	Files              []GrantFile `json:"downloads"`
	RemainingDownloads int         `json:"remainingDownloads"`
	ExpiresAt          time.Time   `json:"expiresAt"`
}

type CustomerDownload struct {
	ID                 string    `json:"id"`
	OrderNumber        string    `json:"orderNumber"`
	ProductID          string    `json:"productId"`
	ProductName        string    `json:"productName"`
	Token              string    `json:"token"`
	Downloads          int       `json:"downloads"`
	MaxDownloads       int       `json:"maxDownloads"`
	RemainingDownloads int       `json:"remainingDownloads"`
	ExpiresAt          time.Time `json:"expiresAt"`
	IsExpired          bool      `json:"isExpired"`
	IsExhausted        bool      `json:"isExhausted"`
}

type Config struct {
	URLTTL time.Duration
	// RefreshDays is the default extension when a refresh names none.
	RefreshDays int
	// Zero means unlimited.
	MaxRefreshes int
}

type Gate struct {
	links   LinkStore
	catalog FileCatalog
	signer  Signer
	cfg     Config
	now     func() time.Time
	served  metric.Int64Counter
	logger  *slog.Logger
}

func NewGate(links LinkStore, catalog FileCatalog, signer Signer, cfg Config, logger *slog.Logger) *Gate {
	if cfg.URLTTL <= 0 {
		cfg.URLTTL = time.Hour
	}
	if cfg.RefreshDays <= 0 {
		cfg.RefreshDays = 7
	}

	served, err := meter.Int64Counter("downloads.requests",
		metric.WithDescription("Download token resolutions, by outcome"))
	if err != nil {
		logger.Warn("failed to create downloads counter", "error", err)
	}

	return &Gate{
		links:   links,
		catalog: catalog,
		signer:  signer,
		cfg:     cfg,
		now:     time.Now,
		served:  served,
		logger:  logger,
	}
}

// Resolve validates the token and returns signed URLs for the eligible files,
// consuming one download. productID optionally narrows an order with several
// digital products to one of them.
func (g *Gate) Resolve(ctx context.Context, tok, productID string) (*Grant, error) {
	grant, err := g.resolve(ctx, tok, productID)
	g.count(ctx, outcome(err))
	return grant, err
}

func (g *Gate) resolve(ctx context.Context, tok, productID string) (*Grant, error) {
	now := g.now()

	link, err := g.links.GetByToken(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("load link: %w", err)
	}
	if link == nil {
		return nil, domain.ErrLinkNotFound
	}
	if link.Expired(now) {
		return nil, domain.ErrLinkExpired
	}
	if link.Exhausted() {
		return nil, domain.ErrLinkQuotaExceeded
	}

	access, err := g.links.OrderAccess(ctx, link.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	if access == nil || access.Status != domain.OrderStatusCompleted {
		return nil, domain.ErrOrderNotFulfilled
	}

	files, err := g.resolveFiles(ctx, access.Items, productID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, domain.ErrNoFilesAvailable
	}

	signCtx, cancel := context.WithTimeout(ctx, signTimeout)
	defer cancel()
	for i := range files {
		url, err := g.signer.Sign(signCtx, files[i].URL, g.cfg.URLTTL)
		if err != nil {
			return nil, fmt.Errorf("sign %s: %w", files[i].FileName, err)
		}
		files[i].URL = url
	}

	consumed, err := g.links.ConsumeDownload(ctx, tok, now)
	if err != nil {
		return nil, fmt.Errorf("consume download: %w", err)
	}
	if consumed == nil {
		return nil, g.lostRace(ctx, tok, now)
	}

	g.logger.Info("download granted",
		"link_id", consumed.ID, "order_id", consumed.OrderID, "files", len(files), "downloads", consumed.Downloads)

	return &Grant{
		Files:              files,
		RemainingDownloads: consumed.Remaining(),
		ExpiresAt:          consumed.ExpiresAt,
	}, nil
}

// lostRace re-derives why the conditional increment matched no row.
func (g *Gate) lostRace(ctx context.Context, tok string, now time.Time) error {
	link, err := g.links.GetByToken(ctx, tok)
	if err != nil {
		return fmt.Errorf("reload link: %w", err)
	}
	switch {
	case link == nil:
		return domain.ErrLinkNotFound
	case !now.Before(link.ExpiresAt):
		return domain.ErrLinkExpired
	default:
		return domain.ErrLinkQuotaExceeded
	}
}

// resolveFiles lists the files for each digital line item: the purchased
// version's files first, else the base product's files. The returned URL
// field carries the object key until it is signed.
func (g *Gate) resolveFiles(ctx context.Context, items []domain.LineItem, productID string) ([]GrantFile, error) {
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	products, err := g.catalog.ProductsByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}

	digital := digitalItems(items, products)
	if productID != "" && distinctProducts(digital) > 1 {
		filtered := digital[:0:0]
		for _, item := range digital {
			if item.ProductID == productID {
				filtered = append(filtered, item)
			}
		}
		digital = filtered
	}

	var files []GrantFile
	seen := make(map[string]struct{})
	for _, item := range digital {
		key := item.ProductID + "\x00" + item.VersionID
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		productFiles, err := g.filesFor(ctx, item)
		if err != nil {
			return nil, err
		}
		for _, f := range productFiles {
			files = append(files, GrantFile{
				ProductID:   item.ProductID,
				ProductName: products[item.ProductID].Name,
				FileName:    f.FileName,
				URL:         f.FileKey,
			})
		}
	}
	return files, nil
}

func (g *Gate) filesFor(ctx context.Context, item domain.LineItem) ([]domain.ProductFile, error) {
	if item.VersionID != "" {
		files, err := g.catalog.ListFiles(ctx, item.ProductID, item.VersionID)
		if err != nil {
			return nil, fmt.Errorf("list version files: %w", err)
		}
		if len(files) > 0 {
			return files, nil
		}
	}

	files, err := g.catalog.ListFiles(ctx, item.ProductID, "")
	if err != nil {
		return nil, fmt.Errorf("list product files: %w", err)
	}
	return files, nil
}

// Refresh issues a new token for an expired or exhausted link owned by
// customerID. extensionDays <= 0 uses the configured default.
func (g *Gate) Refresh(ctx context.Context, linkID, customerID string, extensionDays int) (*domain.DownloadLink, error) {
	link, err := g.links.GetByID(ctx, linkID)
	if err != nil {
		return nil, fmt.Errorf("load link: %w", err)
	}
	if link == nil {
		return nil, domain.ErrLinkNotFound
	}

	access, err := g.links.OrderAccess(ctx, link.OrderID)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	if access == nil || access.CustomerID == "" || access.CustomerID != customerID {
		return nil, domain.ErrUnauthorized
	}

	if extensionDays <= 0 {
		extensionDays = g.cfg.RefreshDays
	}

	tok, err := token.DownloadToken()
	if err != nil {
		return nil, err
	}

	refreshed, err := g.links.Refresh(ctx, linkID, tok, g.now().AddDate(0, 0, extensionDays), g.cfg.MaxRefreshes)
	if err != nil {
		return nil, fmt.Errorf("refresh link: %w", err)
	}
	if refreshed == nil {
		return nil, domain.ErrRefreshLimitReached
	}

	g.logger.Info("download link refreshed",
		"link_id", linkID, "order_id", link.OrderID, "refresh_count", refreshed.RefreshCount)
	return refreshed, nil
}

func (g *Gate) ListForCustomer(ctx context.Context, customerID string) ([]CustomerDownload, error) {
	downloads, err := g.links.ListForCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	now := g.now()
	for i := range downloads {
		d := &downloads[i]
		d.IsExpired = now.After(d.ExpiresAt)
		d.IsExhausted = d.Downloads >= d.MaxDownloads
		d.RemainingDownloads = max(0, d.MaxDownloads-d.Downloads)
	}
	return downloads, nil
}

func digitalItems(items []domain.LineItem, products map[string]domain.Product) []domain.LineItem {
	var out []domain.LineItem
	for _, item := range items {
		if product, ok := products[item.ProductID]; ok && product.IsDigital() {
			out = append(out, item)
		}
	}
	return out
}

func distinctProducts(items []domain.LineItem) int {
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		seen[item.ProductID] = struct{}{}
	}
	return len(seen)
}

func (g *Gate) count(ctx context.Context, outcome string) {
	if g.served == nil {
		return
	}
	g.served.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func outcome(err error) string {
	if err == nil {
		return "granted"
	}
	var dErr *domain.Error
	if errors.As(err, &dErr) {
		return string(dErr.Code)
	}
	return "error"
}
