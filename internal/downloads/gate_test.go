package downloads

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
)

type memoryLinks struct {
	mu     sync.Mutex
	links  map[string]*domain.DownloadLink
	orders map[string]*OrderAccess
}

func newMemoryLinks() *memoryLinks {
	return &memoryLinks{
		links:  make(map[string]*domain.DownloadLink),
		orders: make(map[string]*OrderAccess),
	}
}

func (m *memoryLinks) add(link domain.DownloadLink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[link.ID] = &link
}

func (m *memoryLinks) get(id string) domain.DownloadLink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.links[id]
}

func (m *memoryLinks) GetByToken(_ context.Context, token string) (*domain.DownloadLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, link := range m.links {
		if link.Token == token {
			copied := *link
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memoryLinks) GetByID(_ context.Context, id string) (*domain.DownloadLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[id]
	if !ok {
		return nil, nil
	}
	copied := *link
	return &copied, nil
}

func (m *memoryLinks) OrderAccess(_ context.Context, orderID string) (*OrderAccess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[orderID], nil
}

func (m *memoryLinks) ConsumeDownload(_ context.Context, token string, now time.Time) (*domain.DownloadLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, link := range m.links {
		if link.Token == token && link.Downloads < link.MaxDownloads && link.ExpiresAt.After(now) {
			link.Downloads++
			copied := *link
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memoryLinks) Refresh(_ context.Context, id, token string, expiresAt time.Time, maxRefreshes int) (*domain.DownloadLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[id]
	if !ok || (maxRefreshes > 0 && link.RefreshCount >= maxRefreshes) {
		return nil, nil
	}
	link.Token = token
	link.Downloads = 0
	link.ExpiresAt = expiresAt
	link.RefreshCount++
	copied := *link
	return &copied, nil
}

func (m *memoryLinks) ListForCustomer(_ context.Context, customerID string) ([]CustomerDownload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CustomerDownload
	for _, link := range m.links {
		access := m.orders[link.OrderID]
		if access == nil || access.CustomerID != customerID {
			continue
		}
		out = append(out, CustomerDownload{
			ID: link.ID, ProductID: link.ProductID, Token: link.Token,
			Downloads: link.Downloads, MaxDownloads: link.MaxDownloads, ExpiresAt: link.ExpiresAt,
		})
	}
	return out, nil
}

type memoryCatalog struct {
	products map[string]domain.Product
	files    []domain.ProductFile
}

func (c *memoryCatalog) ProductsByID(_ context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product)
	for _, id := range ids {
		if p, ok := c.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (c *memoryCatalog) ListFiles(_ context.Context, productID, versionID string) ([]domain.ProductFile, error) {
	var out []domain.ProductFile
	for _, f := range c.files {
		if f.ProductID == productID && f.VersionID == versionID {
			out = append(out, f)
		}
	}
	return out, nil
}

type prefixSigner struct {
	err error
}

func (s prefixSigner) Sign(_ context.Context, key string, ttl time.Duration) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "https://blob.example/" + key + "?ttl=" + ttl.String(), nil
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestGate(links *memoryLinks, catalog *memoryCatalog, cfg Config) *Gate {
	gate := NewGate(links, catalog, prefixSigner{}, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	gate.now = func() time.Time { return testNow }
	return gate
}

func lineItem(productID, versionID string) domain.LineItem {
	return domain.LineItem{ProductID: productID, VersionID: versionID, Quantity: 1, Price: decimal.NewFromInt(10)}
}

func fixture() (*memoryLinks, *memoryCatalog) {
	links := newMemoryLinks()
	links.orders["order-1"] = &OrderAccess{
		OrderID:    "order-1",
		Status:     domain.OrderStatusCompleted,
		CustomerID: "cust-1",
		Items:      []domain.LineItem{lineItem("p1", "")},
	}
	links.add(domain.DownloadLink{
		ID: "link-1", OrderID: "order-1", ProductID: "p1", Token: "tok-1",
		ExpiresAt: testNow.AddDate(0, 0, 30), MaxDownloads: 5,
	})

	catalog := &memoryCatalog{
		products: map[string]domain.Product{
			"p1": {ID: "p1", Name: "Brush Pack", Type: domain.ProductTypeDigital},
			"p2": {ID: "p2", Name: "Font Pack", Type: domain.ProductTypeDigital},
			"p3": {ID: "p3", Name: "Poster", Type: domain.ProductTypePhysical},
		},
		files: []domain.ProductFile{
			{ProductID: "p1", FileName: "brushes.zip", FileKey: "products/p1/1-brushes.zip"},
			{ProductID: "p2", FileName: "fonts-v1.zip", FileKey: "products/p2/1-fonts-v1.zip"},
			{ProductID: "p2", VersionID: "v2", FileName: "fonts-v2.zip", FileKey: "products/p2/2-fonts-v2.zip"},
			{ProductID: "p2", VersionID: "v2", FileName: "fonts-v2-extras.zip", FileKey: "products/p2/3-fonts-v2-extras.zip"},
		},
	}
	return links, catalog
}

func TestGate_Resolve(t *testing.T) {
	t.Run("grants signed url and consumes one download", func(t *testing.T) {
		links, catalog := fixture()
		gate := newTestGate(links, catalog, Config{})

		grant, err := gate.Resolve(context.Background(), "tok-1", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(grant.Files) != 1 {
			t.Fatalf("expected 1 file, got %d", len(grant.Files))
		}
		if grant.Files[0].URL != "https://blob.example/products/p1/1-brushes.zip?ttl=1h0m0s" {
			t.Errorf("unexpected url %s", grant.Files[0].URL)
		}
		if grant.Files[0].ProductName != "Brush Pack" {
			t.Errorf("expected product name, got %s", grant.Files[0].ProductName)
		}
		if grant.RemainingDownloads != 4 {
			t.Errorf("expected 4 remaining, got %d", grant.RemainingDownloads)
		}
		if got := links.get("link-1").Downloads; got != 1 {
			t.Errorf("expected downloads 1, got %d", got)
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		links, catalog := fixture()
		gate := newTestGate(links, catalog, Config{})

		_, err := gate.Resolve(context.Background(), "nope", "")
		if !errors.Is(err, domain.ErrLinkNotFound) {
			t.Fatalf("expected link not found, got %v", err)
		}
	})

	t.Run("expired link does not change counter", func(t *testing.T) {
		links, catalog := fixture()
		links.links["link-1"].ExpiresAt = testNow.Add(-time.Second)
		gate := newTestGate(links, catalog, Config{})

		_, err := gate.Resolve(context.Background(), "tok-1", "")
		if !errors.Is(err, domain.ErrLinkExpired) {
			t.Fatalf("expected link expired, got %v", err)
		}
		if got := links.get("link-1").Downloads; got != 0 {
			t.Errorf("expected downloads 0, got %d", got)
		}
	})

	t.Run("exhausted link", func(t *testing.T) {
		links, catalog := fixture()
		links.links["link-1"].Downloads = 5
		gate := newTestGate(links, catalog, Config{})

		_, err := gate.Resolve(context.Background(), "tok-1", "")
		if !errors.Is(err, domain.ErrLinkQuotaExceeded) {
			t.Fatalf("expected quota exceeded, got %v", err)
		}
	})

	t.Run("refunded order", func(t *testing.T) {
		links, catalog := fixture()
		links.orders["order-1"].Status = domain.OrderStatusRefunded
		gate := newTestGate(links, catalog, Config{})

		_, err := gate.Resolve(context.Background(), "tok-1", "")
		if !errors.Is(err, domain.ErrOrderNotFulfilled) {
			t.Fatalf("expected order not fulfilled, got %v", err)
		}
		if got := links.get("link-1").Downloads; got != 0 {
			t.Errorf("expected downloads 0, got %d", got)
		}
	})

	t.Run("no files", func(t *testing.T) {
		links, catalog := fixture()
		catalog.files = nil
		gate := newTestGate(links, catalog, Config{})

		_, err := gate.Resolve(context.Background(), "tok-1", "")
		if !errors.Is(err, domain.ErrNoFilesAvailable) {
			t.Fatalf("expected no files, got %v", err)
		}
	})

	t.Run("signing failure leaves counter untouched", func(t *testing.T) {
		links, catalog := fixture()
		gate := newTestGate(links, catalog, Config{})
		gate.signer = prefixSigner{err: errors.New("blob store down")}

		_, err := gate.Resolve(context.Background(), "tok-1", "")
		if err == nil {
			t.Fatal("expected error")
		}
		if got := links.get("link-1").Downloads; got != 0 {
			t.Errorf("expected downloads 0, got %d", got)
		}
	})

	t.Run("version files take precedence over base files", func(t *testing.T) {
		links, catalog := fixture()
		links.orders["order-1"].Items = []domain.LineItem{lineItem("p2", "v2")}
		gate := newTestGate(links, catalog, Config{})

		grant, err := gate.Resolve(context.Background(), "tok-1", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(grant.Files) != 2 {
			t.Fatalf("expected 2 version files, got %d", len(grant.Files))
		}
		for _, f := range grant.Files {
			if f.FileName == "fonts-v1.zip" {
				t.Errorf("base file should not be served when version files exist")
			}
		}
	})

	t.Run("falls back to base files when version has none", func(t *testing.T) {
		links, catalog := fixture()
		links.orders["order-1"].Items = []domain.LineItem{lineItem("p2", "v9")}
		gate := newTestGate(links, catalog, Config{})

		grant, err := gate.Resolve(context.Background(), "tok-1", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(grant.Files) != 1 || grant.Files[0].FileName != "fonts-v1.zip" {
			t.Fatalf("expected base file, got %+v", grant.Files)
		}
	})

	t.Run("product filter narrows multi product orders", func(t *testing.T) {
		links, catalog := fixture()
		links.orders["order-1"].Items = []domain.LineItem{lineItem("p1", ""), lineItem("p2", ""), lineItem("p3", "")}
		gate := newTestGate(links, catalog, Config{})

		all, err := gate.Resolve(context.Background(), "tok-1", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(all.Files) != 2 {
			t.Fatalf("expected 2 files without filter, got %d", len(all.Files))
		}

		filtered, err := gate.Resolve(context.Background(), "tok-1", "p2")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(filtered.Files) != 1 || filtered.Files[0].ProductID != "p2" {
			t.Fatalf("expected only p2 files, got %+v", filtered.Files)
		}
	})

	t.Run("product filter ignored for single product orders", func(t *testing.T) {
		links, catalog := fixture()
		gate := newTestGate(links, catalog, Config{})

		grant, err := gate.Resolve(context.Background(), "tok-1", "other")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(grant.Files) != 1 {
			t.Fatalf("expected 1 file, got %d", len(grant.Files))
		}
	})

	t.Run("concurrent requests never exceed quota", func(t *testing.T) {
		links, catalog := fixture()
		gate := newTestGate(links, catalog, Config{})

		var wg sync.WaitGroup
		var mu sync.Mutex
		granted, rejected := 0, 0
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := gate.Resolve(context.Background(), "tok-1", "")
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					granted++
				case errors.Is(err, domain.ErrLinkQuotaExceeded):
					rejected++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		if granted != 5 || rejected != 5 {
			t.Errorf("expected 5 granted and 5 rejected, got %d and %d", granted, rejected)
		}
		if got := links.get("link-1").Downloads; got != 5 {
			t.Errorf("expected downloads 5, got %d", got)
		}
	})
}

func TestGate_Refresh(t *testing.T) {
	t.Run("rotates token and resets counter", func(t *testing.T) {
		links, catalog := fixture()
		links.links["link-1"].Downloads = 5
		gate := newTestGate(links, catalog, Config{})

		refreshed, err := gate.Refresh(context.Background(), "link-1", "cust-1", 0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if refreshed.Token == "tok-1" || len(refreshed.Token) != 64 {
			t.Errorf("expected a new 64 char token, got %s", refreshed.Token)
		}
		if refreshed.Downloads != 0 {
			t.Errorf("expected downloads reset, got %d", refreshed.Downloads)
		}
		if !refreshed.ExpiresAt.Equal(testNow.AddDate(0, 0, 7)) {
			t.Errorf("expected 7 day extension, got %s", refreshed.ExpiresAt)
		}
		if refreshed.RefreshCount != 1 {
			t.Errorf("expected refresh count 1, got %d", refreshed.RefreshCount)
		}

		if _, err := gate.Resolve(context.Background(), "tok-1", ""); !errors.Is(err, domain.ErrLinkNotFound) {
			t.Errorf("expected old token to be gone, got %v", err)
		}
		if _, err := gate.Resolve(context.Background(), refreshed.Token, ""); err != nil {
			t.Errorf("expected new token to work, got %v", err)
		}
	})

	t.Run("explicit extension", func(t *testing.T) {
		links, catalog := fixture()
		gate := newTestGate(links, catalog, Config{})

		refreshed, err := gate.Refresh(context.Background(), "link-1", "cust-1", 14)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !refreshed.ExpiresAt.Equal(testNow.AddDate(0, 0, 14)) {
			t.Errorf("expected 14 day extension, got %s", refreshed.ExpiresAt)
		}
	})

	t.Run("other customer is rejected", func(t *testing.T) {
		links, catalog := fixture()
		gate := newTestGate(links, catalog, Config{})

		_, err := gate.Refresh(context.Background(), "link-1", "cust-2", 0)
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("expected unauthorized, got %v", err)
		}
		if got := links.get("link-1").Token; got != "tok-1" {
			t.Errorf("expected token unchanged, got %s", got)
		}
	})

	t.Run("guest order cannot be refreshed", func(t *testing.T) {
		links, catalog := fixture()
		links.orders["order-1"].CustomerID = ""
		gate := newTestGate(links, catalog, Config{})

		_, err := gate.Refresh(context.Background(), "link-1", "", 0)
		if !errors.Is(err, domain.ErrUnauthorized) {
			t.Fatalf("expected unauthorized, got %v", err)
		}
	})

	t.Run("unknown link", func(t *testing.T) {
		links, catalog := fixture()
		gate := newTestGate(links, catalog, Config{})

		_, err := gate.Refresh(context.Background(), "missing", "cust-1", 0)
		if !errors.Is(err, domain.ErrLinkNotFound) {
			t.Fatalf("expected link not found, got %v", err)
		}
	})

	t.Run("refresh cap", func(t *testing.T) {
		links, catalog := fixture()
		gate := newTestGate(links, catalog, Config{MaxRefreshes: 1})

		if _, err := gate.Refresh(context.Background(), "link-1", "cust-1", 0); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		_, err := gate.Refresh(context.Background(), "link-1", "cust-1", 0)
		if !errors.Is(err, domain.ErrRefreshLimitReached) {
			t.Fatalf("expected refresh limit, got %v", err)
		}
	})
}

func TestGate_ListForCustomer(t *testing.T) {
	links, catalog := fixture()
	links.add(domain.DownloadLink{
		ID: "link-2", OrderID: "order-1", ProductID: "p2", Token: "tok-2",
		ExpiresAt: testNow.Add(-time.Hour), Downloads: 5, MaxDownloads: 5,
	})
	gate := newTestGate(links, catalog, Config{})

	downloads, err := gate.ListForCustomer(context.Background(), "cust-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(downloads) != 2 {
		t.Fatalf("expected 2 downloads, got %d", len(downloads))
	}

	for _, d := range downloads {
		switch d.ID {
		case "link-1":
			if d.IsExpired || d.IsExhausted || d.RemainingDownloads != 5 {
				t.Errorf("unexpected flags for active link: %+v", d)
			}
		case "link-2":
			if !d.IsExpired || !d.IsExhausted || d.RemainingDownloads != 0 {
				t.Errorf("unexpected flags for spent link: %+v", d)
			}
		}
	}
}
