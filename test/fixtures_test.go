//go:build integration

package test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/storefront-fulfillment/internal/catalog"
	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
	"github.com/joao-fontenele/storefront-fulfillment/internal/downloads"
	"github.com/joao-fontenele/storefront-fulfillment/internal/fulfillment"
)

type engine struct {
	db      *sql.DB
	orders  *fulfillment.OrderRepository
	catalog *catalog.Repository
	runner  *fulfillment.TaskRunner
	service *fulfillment.Service
	gate    *downloads.Gate
}

type urlSigner struct{}

func (urlSigner) Sign(_ context.Context, key string, ttl time.Duration) (string, error) {
	return "https://blob.test/" + key + "?ttl=" + ttl.String(), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(db *sql.DB, fulfilled, downloadsReady fulfillment.Publisher) *engine {
	logger := quietLogger()

	catalogRepo := catalog.NewRepository(db)
	orderRepo := fulfillment.NewOrderRepository(db)
	issuer := fulfillment.NewIssuer(catalogRepo, fulfillment.IssuerConfig{
		LicenseMaxActivations: 3,
		LinkExpiryDays:        30,
		LinkMaxDownloads:      5,
	}, logger)
	ledger := fulfillment.NewLedger(decimal.RequireFromString("0.10"), logger)
	runner := fulfillment.NewTaskRunner(db, issuer, ledger, 5, downloadsReady, logger)

	service := fulfillment.NewService(
		fulfillment.NewGuard(orderRepo),
		fulfillment.NewMaterializer(db, orderRepo, "OG", logger),
		runner,
		orderRepo,
		fulfilled,
		logger,
	)

	gate := downloads.NewGate(downloads.NewLinkRepository(db), catalogRepo, urlSigner{}, downloads.Config{
		URLTTL:      time.Hour,
		RefreshDays: 7,
	}, logger)

	return &engine{
		db:      db,
		orders:  orderRepo,
		catalog: catalogRepo,
		runner:  runner,
		service: service,
		gate:    gate,
	}
}

func checkoutEvent(sessionID, items string, extra map[string]string) fulfillment.PaymentEvent {
	metadata := map[string]string{"items": items, "userId": "guest"}
	for k, v := range extra {
		metadata[k] = v
	}
	return fulfillment.PaymentEvent{
		EventID:         "evt_" + sessionID,
		SessionID:       sessionID,
		PaymentIntentID: "pi_" + sessionID,
		AmountTotal:     2000,
		Currency:        "usd",
		Email:           "buyer@example.com",
		Metadata:        metadata,
	}
}

func mustExec(t *testing.T, db *sql.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func seedProduct(t *testing.T, db *sql.DB, id, productType, price string, requiresLicense bool) {
	t.Helper()
	mustExec(t, db, `
		INSERT INTO products (id, name, type, price, requires_license)
		VALUES ($1, $2, $3, $4, $5)
	`, id, "Product "+id, productType, price, requiresLicense)
}

func seedVersion(t *testing.T, db *sql.DB, id, productID string) {
	t.Helper()
	mustExec(t, db, `INSERT INTO product_versions (id, product_id, name) VALUES ($1, $2, $3)`, id, productID, id)
}

func seedFile(t *testing.T, db *sql.DB, productID, versionID, fileName string) {
	t.Helper()
	var version sql.NullString
	if versionID != "" {
		version = sql.NullString{String: versionID, Valid: true}
	}
	mustExec(t, db, `
		INSERT INTO product_files (id, product_id, version_id, file_name, file_key)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New().String(), productID, version, fileName, "products/"+productID+"/"+fileName)
}

func seedDiscount(t *testing.T, db *sql.DB, code string, expiresAt *time.Time) string {
	t.Helper()
	id := uuid.New().String()
	mustExec(t, db, `INSERT INTO discounts (id, code, expires_at) VALUES ($1, $2, $3)`, id, code, expiresAt)
	return id
}

func seedAffiliate(t *testing.T, db *sql.DB, code string) string {
	t.Helper()
	id := uuid.New().String()
	mustExec(t, db, `INSERT INTO affiliates (id, code) VALUES ($1, $2)`, id, code)
	return id
}

func seedCustomer(t *testing.T, db *sql.DB, userID string) string {
	t.Helper()
	id := uuid.New().String()
	mustExec(t, db, `INSERT INTO customers (id, user_id, email) VALUES ($1, $2, $3)`, id, userID, userID+"@example.com")
	return id
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := db.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []any
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) downloadsReady() []domain.DownloadsReadyEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.DownloadsReadyEvent
	for _, event := range p.events {
		if ready, ok := event.(domain.DownloadsReadyEvent); ok {
			out = append(out, ready)
		}
	}
	return out
}

// failInserts makes every insert into table raise until the returned func is
// called.
func failInserts(t *testing.T, db *sql.DB, table string) func() {
	t.Helper()
	mustExec(t, db, `
		CREATE OR REPLACE FUNCTION fail_insert() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'insert into % rejected', TG_TABLE_NAME;
		END;
		$$ LANGUAGE plpgsql
	`)
	mustExec(t, db, `CREATE TRIGGER fail_insert BEFORE INSERT ON `+table+` FOR EACH ROW EXECUTE FUNCTION fail_insert()`)
	return func() {
		mustExec(t, db, `DROP TRIGGER IF EXISTS fail_insert ON `+table)
	}
}
