//go:build integration

package test

import (
	"context"
	"testing"
	"time"

	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
	"github.com/joao-fontenele/storefront-fulfillment/internal/downloads"
	"github.com/joao-fontenele/storefront-fulfillment/internal/fulfillment"
)

type taskState struct {
	status    string
	attempts  int
	nextRetry time.Time
	lastError string
}

func loadTask(t *testing.T, e *engine, orderID string, kind fulfillment.TaskKind) taskState {
	t.Helper()
	var s taskState
	if err := e.db.QueryRow(`
		SELECT status, attempts, next_retry, COALESCE(last_error, '')
		FROM fulfillment_tasks WHERE order_id = $1 AND kind = $2
	`, orderID, kind).Scan(&s.status, &s.attempts, &s.nextRetry, &s.lastError); err != nil {
		t.Fatalf("load task: %v", err)
	}
	return s
}

func TestEntitlementFailureRecovery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db := OpenDB(ctx, t, pg.ConnStr)
	seedProduct(t, db, "p1", "DIGITAL", "15.00", false)
	seedProduct(t, db, "lic", "DIGITAL", "49.00", true)

	t.Run("failing license task backs off and parks", func(t *testing.T) {
		e := newEngine(db, nil, nil)
		restore := failInserts(t, db, "license_keys")
		defer restore()

		result, err := e.service.FulfillCheckout(ctx, checkoutEvent("sess_lic_fail", `[{"productId":"lic","quantity":1,"price":49}]`, nil))
		if err != nil {
			t.Fatalf("fulfill: %v", err)
		}
		if result.LicenseKeys != 0 {
			t.Errorf("expected no keys, got %d", result.LicenseKeys)
		}

		order, err := e.orders.GetByID(ctx, result.OrderID)
		if err != nil || order == nil {
			t.Fatalf("load order: %v", err)
		}
		if order.Status != domain.OrderStatusCompleted {
			t.Errorf("expected order to stay COMPLETED, got %s", order.Status)
		}

		task := loadTask(t, e, result.OrderID, fulfillment.TaskLicenseKeys)
		if task.status != "pending" || task.attempts != 1 {
			t.Errorf("expected pending after 1 attempt, got %s after %d", task.status, task.attempts)
		}
		if !task.nextRetry.After(time.Now()) {
			t.Errorf("expected next retry in the future, got %s", task.nextRetry)
		}
		if task.lastError == "" {
			t.Error("expected last error recorded")
		}

		previous := task.nextRetry
		for range 3 {
			if _, err := e.runner.Run(ctx, result.OrderID, fulfillment.TaskLicenseKeys); !domain.IsCode(err, domain.ErrCodeEntitlementIssuance) {
				t.Fatalf("expected entitlement issuance error, got %v", err)
			}
		}
		task = loadTask(t, e, result.OrderID, fulfillment.TaskLicenseKeys)
		if task.status != "pending" || task.attempts != 4 {
			t.Errorf("expected pending after 4 attempts, got %s after %d", task.status, task.attempts)
		}
		if !task.nextRetry.After(previous) {
			t.Errorf("expected retry to back off past %s, got %s", previous, task.nextRetry)
		}

		if _, err := e.runner.Run(ctx, result.OrderID, fulfillment.TaskLicenseKeys); err == nil {
			t.Fatal("expected fifth attempt to fail")
		}
		task = loadTask(t, e, result.OrderID, fulfillment.TaskLicenseKeys)
		if task.status != "failed" || task.attempts != 5 {
			t.Errorf("expected failed after 5 attempts, got %s after %d", task.status, task.attempts)
		}

		failed, err := e.runner.FailedTasks(ctx, 10)
		if err != nil {
			t.Fatalf("failed tasks: %v", err)
		}
		if len(failed) != 1 || failed[0].OrderID != result.OrderID || failed[0].Kind != fulfillment.TaskLicenseKeys {
			t.Errorf("expected the license task parked, got %+v", failed)
		}

		restore()

		issued, err := e.runner.Reissue(ctx, result.OrderID)
		if err != nil {
			t.Fatalf("reissue: %v", err)
		}
		if issued != 1 {
			t.Errorf("expected 1 key issued on reissue, got %d", issued)
		}
		if n := countRows(t, db, `SELECT COUNT(*) FROM license_keys WHERE order_id = $1`, result.OrderID); n != 1 {
			t.Errorf("expected 1 license key, got %d", n)
		}
		if task := loadTask(t, e, result.OrderID, fulfillment.TaskLicenseKeys); task.status != "done" {
			t.Errorf("expected task done, got %s", task.status)
		}
	})

	t.Run("retrier backfill announces downloads", func(t *testing.T) {
		ready := &recordingPublisher{}
		e := newEngine(db, nil, ready)
		restore := failInserts(t, db, "download_links")
		defer restore()

		result, err := e.service.FulfillCheckout(ctx, checkoutEvent("sess_backfill", `[{"productId":"p1","quantity":1,"price":15}]`, nil))
		if err != nil {
			t.Fatalf("fulfill: %v", err)
		}
		if result.DownloadLinks != 0 {
			t.Errorf("expected no inline links, got %d", result.DownloadLinks)
		}
		if events := ready.downloadsReady(); len(events) != 0 {
			t.Fatalf("expected no downloads event before backfill, got %+v", events)
		}

		restore()
		mustExec(t, db, `UPDATE fulfillment_tasks SET next_retry = NOW() - INTERVAL '1 second' WHERE order_id = $1`, result.OrderID)

		retrier, err := fulfillment.NewRetrier(e.runner, fulfillment.RetrierConfig{Interval: time.Second, BatchSize: 10}, quietLogger())
		if err != nil {
			t.Fatalf("new retrier: %v", err)
		}
		if _, err := retrier.Drain(ctx); err != nil {
			t.Fatalf("drain: %v", err)
		}

		events := ready.downloadsReady()
		if len(events) != 1 {
			t.Fatalf("expected 1 downloads event, got %d", len(events))
		}
		if events[0].OrderID != result.OrderID || events[0].DownloadLinks != 1 || events[0].Email != "buyer@example.com" {
			t.Errorf("unexpected downloads event %+v", events[0])
		}

		if _, err := retrier.Drain(ctx); err != nil {
			t.Fatalf("second drain: %v", err)
		}
		if n := len(ready.downloadsReady()); n != 1 {
			t.Errorf("expected no further downloads events, got %d", n)
		}
	})
}

func TestCheckoutDegradedReferences(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db := OpenDB(ctx, t, pg.ConnStr)
	e := newEngine(db, nil, nil)
	seedProduct(t, db, "p1", "DIGITAL", "15.00", false)

	t.Run("unknown product keeps snapshot price", func(t *testing.T) {
		result, err := e.service.FulfillCheckout(ctx, checkoutEvent("sess_ghost",
			`[{"productId":"ghost","quantity":1,"price":7.5},{"productId":"p1","quantity":1,"price":15}]`, nil))
		if err != nil {
			t.Fatalf("fulfill: %v", err)
		}

		order, err := e.orders.GetByID(ctx, result.OrderID)
		if err != nil || order == nil {
			t.Fatalf("load order: %v", err)
		}
		if order.Status != domain.OrderStatusCompleted {
			t.Errorf("expected COMPLETED, got %s", order.Status)
		}
		if order.Total.StringFixed(2) != "22.50" {
			t.Errorf("expected total 22.50, got %s", order.Total.StringFixed(2))
		}
		if n := countRows(t, db, `SELECT COUNT(*) FROM order_items WHERE order_id = $1`, result.OrderID); n != 2 {
			t.Errorf("expected 2 order items, got %d", n)
		}
		if n := countRows(t, db, `SELECT COUNT(*) FROM download_links WHERE order_id = $1 AND product_id = 'ghost'`, result.OrderID); n != 0 {
			t.Errorf("expected no link for unknown product, got %d", n)
		}
		if n := countRows(t, db, `SELECT COUNT(*) FROM license_keys WHERE order_id = $1 AND product_id = 'ghost'`, result.OrderID); n != 0 {
			t.Errorf("expected no key for unknown product, got %d", n)
		}
		if result.DownloadLinks != 1 {
			t.Errorf("expected p1 link issued, got %d", result.DownloadLinks)
		}
	})

	t.Run("inactive affiliate and unknown discount are dropped", func(t *testing.T) {
		affiliateID := seedAffiliate(t, db, "retired")
		mustExec(t, db, `UPDATE affiliates SET active = FALSE WHERE id = $1`, affiliateID)

		result, err := e.service.FulfillCheckout(ctx, checkoutEvent("sess_dropped", `[{"productId":"p1","quantity":1,"price":15}]`,
			map[string]string{"discountCode": "NOSUCHCODE", "affiliateId": affiliateID}))
		if err != nil {
			t.Fatalf("fulfill: %v", err)
		}

		order, err := e.orders.GetByID(ctx, result.OrderID)
		if err != nil || order == nil {
			t.Fatalf("load order: %v", err)
		}
		if order.Status != domain.OrderStatusCompleted {
			t.Errorf("expected COMPLETED, got %s", order.Status)
		}
		if order.DiscountID != "" || order.AffiliateID != "" {
			t.Errorf("expected no attribution, got discount %q affiliate %q", order.DiscountID, order.AffiliateID)
		}
		if n := countRows(t, db, `SELECT total_sales FROM affiliates WHERE id = $1`, affiliateID); n != 0 {
			t.Errorf("expected inactive affiliate not credited, got %d sales", n)
		}
		if n := countRows(t, db, `SELECT COUNT(*) FROM fulfillment_tasks WHERE order_id = $1`, result.OrderID); n != 2 {
			t.Errorf("expected only entitlement tasks, got %d", n)
		}
	})

	t.Run("non uuid discount id falls back to code", func(t *testing.T) {
		discountID := seedDiscount(t, db, "FALLBACK", nil)

		result, err := e.service.FulfillCheckout(ctx, checkoutEvent("sess_fallback", `[{"productId":"p1","quantity":1,"price":15}]`,
			map[string]string{"discountId": "not-a-uuid", "discountCode": "FALLBACK"}))
		if err != nil {
			t.Fatalf("fulfill: %v", err)
		}

		order, err := e.orders.GetByID(ctx, result.OrderID)
		if err != nil || order == nil {
			t.Fatalf("load order: %v", err)
		}
		if order.DiscountID != discountID {
			t.Errorf("expected discount %s, got %q", discountID, order.DiscountID)
		}
	})

	t.Run("mid transaction failure leaves no rows", func(t *testing.T) {
		restore := failInserts(t, db, "payments")
		defer restore()

		_, err := e.service.FulfillCheckout(ctx, checkoutEvent("sess_rollback", `[{"productId":"p1","quantity":1,"price":15}]`, nil))
		if !domain.IsCode(err, domain.ErrCodeTransactionFailure) {
			t.Fatalf("expected transaction failure, got %v", err)
		}

		if n := countRows(t, db, `SELECT COUNT(*) FROM orders WHERE stripe_session_id = 'sess_rollback'`); n != 0 {
			t.Errorf("expected no order, got %d", n)
		}
		if n := countRows(t, db, `
			SELECT COUNT(*) FROM order_items i
			LEFT JOIN orders o ON o.id = i.order_id
			WHERE o.id IS NULL OR o.stripe_session_id = 'sess_rollback'
		`); n != 0 {
			t.Errorf("expected no order items, got %d", n)
		}
		if n := countRows(t, db, `SELECT COUNT(*) FROM payments WHERE transaction_id = 'pi_sess_rollback'`); n != 0 {
			t.Errorf("expected no payment, got %d", n)
		}

		restore()
		if _, err := e.service.FulfillCheckout(ctx, checkoutEvent("sess_rollback", `[{"productId":"p1","quantity":1,"price":15}]`, nil)); err != nil {
			t.Fatalf("expected redelivery to succeed after rollback, got %v", err)
		}
		if n := countRows(t, db, `SELECT COUNT(*) FROM orders WHERE stripe_session_id = 'sess_rollback'`); n != 1 {
			t.Errorf("expected 1 order after redelivery, got %d", n)
		}
	})
}

func TestConsumeDownloadAtExpiry(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db := OpenDB(ctx, t, pg.ConnStr)
	e := newEngine(db, nil, nil)
	seedProduct(t, db, "p1", "DIGITAL", "15.00", false)

	result, err := e.service.FulfillCheckout(ctx, checkoutEvent("sess_boundary", `[{"productId":"p1","quantity":1,"price":15}]`, nil))
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	links := downloads.NewLinkRepository(db)
	tok := linkToken(t, e, result.OrderID, "p1")
	link, err := links.GetByToken(ctx, tok)
	if err != nil || link == nil {
		t.Fatalf("load link: %v", err)
	}

	consumed, err := links.ConsumeDownload(ctx, tok, link.ExpiresAt)
	if err != nil {
		t.Fatalf("consume at expiry: %v", err)
	}
	if consumed == nil || consumed.Downloads != 1 {
		t.Fatalf("expected a download counted at exactly the expiry, got %+v", consumed)
	}

	late, err := links.ConsumeDownload(ctx, tok, link.ExpiresAt.Add(time.Microsecond))
	if err != nil {
		t.Fatalf("consume after expiry: %v", err)
	}
	if late != nil {
		t.Errorf("expected no download after expiry, got %+v", late)
	}
}
