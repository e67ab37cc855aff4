package fulfillment

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
)

type TaskKind string

const (
	TaskLicenseKeys     TaskKind = "license_keys"
	TaskDownloadLinks   TaskKind = "download_links"
	TaskDiscountUsage   TaskKind = "discount_usage"
	TaskAffiliateCredit TaskKind = "affiliate_credit"
)

type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
)

const (
	maxRetryDelay = time.Minute
	// Inline execution gets this long before the retrier may pick a task up.
	taskGracePeriod = time.Minute
)

type Task struct {
	ID        string     `json:"id"`
	OrderID   string     `json:"order_id"`
	Kind      TaskKind   `json:"kind"`
	Status    TaskStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	NextRetry time.Time  `json:"next_retry"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TaskRunner executes fulfillment tasks. Each task runs in its own transaction
// that also marks it done, so a task takes effect at most once.
type TaskRunner struct {
	db          *sql.DB
	issuer      *Issuer
	ledger      *Ledger
	maxAttempts int
	// downloads receives a DownloadsReadyEvent after new links commit. May be nil.
	downloads Publisher
	logger    *slog.Logger
}

func NewTaskRunner(db *sql.DB, issuer *Issuer, ledger *Ledger, maxAttempts int, downloads Publisher, logger *slog.Logger) *TaskRunner {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &TaskRunner{db: db, issuer: issuer, ledger: ledger, maxAttempts: maxAttempts, downloads: downloads, logger: logger}
}

// Run claims and executes the task. It returns the number of entitlements
// issued, and 0 with no error when the task is already done or held by another
// runner.
func (r *TaskRunner) Run(ctx context.Context, orderID string, kind TaskKind) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var taskID string
	var attempts int
	err = tx.QueryRowContext(ctx, `
		SELECT id, attempts
		FROM fulfillment_tasks
		WHERE order_id = $1 AND kind = $2 AND status = $3
		FOR UPDATE SKIP LOCKED
	`, orderID, kind, TaskStatusPending).Scan(&taskID, &attempts)
	if err != nil {
		if isNoRows(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("claim task: %w", err)
	}

	order, issued, runErr := r.execute(ctx, tx, orderID, kind)
	if runErr == nil {
		_, runErr = tx.ExecContext(ctx, `
			UPDATE fulfillment_tasks
			SET status = $2, attempts = attempts + 1, last_error = NULL, updated_at = NOW()
			WHERE id = $1
		`, taskID, TaskStatusDone)
	}
	if runErr == nil {
		runErr = tx.Commit()
	}
	if runErr != nil {
		_ = tx.Rollback()
		r.recordFailure(ctx, taskID, orderID, kind, attempts+1, runErr)
		return 0, taskError(kind, runErr)
	}

	if kind == TaskDownloadLinks && issued > 0 {
		r.notifyDownloads(ctx, order, issued)
	}
	return issued, nil
}

func (r *TaskRunner) execute(ctx context.Context, tx *sql.Tx, orderID string, kind TaskKind) (*domain.Order, int, error) {
	order, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if err != nil {
		return nil, 0, fmt.Errorf("load order: %w", err)
	}
	if order.Items, err = loadLineItems(ctx, tx, orderID); err != nil {
		return nil, 0, fmt.Errorf("load line items: %w", err)
	}

	var issued int
	switch kind {
	case TaskLicenseKeys:
		issued, err = r.issuer.IssueLicenseKeys(ctx, tx, order)
	case TaskDownloadLinks:
		issued, err = r.issuer.IssueDownloadLinks(ctx, tx, order)
	case TaskDiscountUsage:
		err = r.ledger.ApplyDiscount(ctx, tx, order)
	case TaskAffiliateCredit:
		err = r.ledger.CreditAffiliate(ctx, tx, order)
	default:
		err = fmt.Errorf("unknown task kind %q", kind)
	}
	return order, issued, err
}

// notifyDownloads is best effort; the links are already committed.
func (r *TaskRunner) notifyDownloads(ctx context.Context, order *domain.Order, issued int) {
	if r.downloads == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	event := domain.DownloadsReadyEvent{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		Email:         order.Email,
		DownloadLinks: issued,
		Timestamp:     time.Now().UTC(),
	}
	if err := r.downloads.Publish(ctx, order.ID, event); err != nil {
		r.logger.Error("failed to publish downloads ready event", "error", err, "order_id", order.ID)
	}
}

func (r *TaskRunner) recordFailure(ctx context.Context, taskID, orderID string, kind TaskKind, attempts int, cause error) {
	status := TaskStatusPending
	if attempts >= r.maxAttempts {
		status = TaskStatusFailed
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE fulfillment_tasks
		SET status = $2, attempts = $3, last_error = $4, next_retry = $5, updated_at = NOW()
		WHERE id = $1
	`, taskID, status, attempts, cause.Error(), time.Now().Add(retryDelay(attempts)))
	if err != nil {
		r.logger.Error("failed to record task failure", "error", err, "task_id", taskID)
		return
	}

	if status == TaskStatusFailed {
		r.logger.Error("fulfillment task parked for manual reissue",
			"error", cause, "order_id", orderID, "kind", kind, "attempts", attempts)
		return
	}
	r.logger.Warn("fulfillment task failed, will retry",
		"error", cause, "order_id", orderID, "kind", kind, "attempts", attempts)
}

// DueTasks lists pending tasks whose retry time has passed.
func (r *TaskRunner) DueTasks(ctx context.Context, limit int) ([]Task, error) {
	return r.listTasks(ctx, `
		WHERE status = 'pending' AND next_retry <= NOW()
		ORDER BY next_retry
		LIMIT $1
	`, limit)
}

// FailedTasks lists tasks that exhausted their attempts.
func (r *TaskRunner) FailedTasks(ctx context.Context, limit int) ([]Task, error) {
	return r.listTasks(ctx, `
		WHERE status = 'failed'
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
}

func (r *TaskRunner) listTasks(ctx context.Context, clause string, limit int) ([]Task, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, kind, status, attempts, COALESCE(last_error, ''), next_retry, updated_at
		FROM fulfillment_tasks
	`+clause, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.OrderID, &t.Kind, &t.Status, &t.Attempts, &t.LastError, &t.NextRetry, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return tasks, nil
}

// Reissue resets the order's failed tasks and runs every pending one.
func (r *TaskRunner) Reissue(ctx context.Context, orderID string) (int, error) {
	if _, err := r.db.ExecContext(ctx, `
		UPDATE fulfillment_tasks
		SET status = 'pending', attempts = 0, next_retry = NOW(), updated_at = NOW()
		WHERE order_id = $1 AND status = 'failed'
	`, orderID); err != nil {
		return 0, fmt.Errorf("reset failed tasks: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT kind FROM fulfillment_tasks WHERE order_id = $1 AND status = 'pending'
	`, orderID)
	if err != nil {
		return 0, err
	}
	var kinds []TaskKind
	for rows.Next() {
		var kind TaskKind
		if err := rows.Scan(&kind); err != nil {
			_ = rows.Close()
			return 0, err
		}
		kinds = append(kinds, kind)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	total := 0
	for _, kind := range kinds {
		n, err := r.Run(ctx, orderID, kind)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// retryDelay doubles per attempt from one second, capped at a minute.
func retryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	if attempts > 6 {
		return maxRetryDelay
	}
	return min(time.Duration(1<<attempts)*time.Second, maxRetryDelay)
}

func taskError(kind TaskKind, err error) error {
	switch kind {
	case TaskDiscountUsage, TaskAffiliateCredit:
		return domain.WrapError(domain.ErrCodeLedgerUpdate, fmt.Sprintf("ledger update failed: %s", kind), err)
	default:
		return domain.WrapError(domain.ErrCodeEntitlementIssuance, fmt.Sprintf("entitlement issuance failed: %s", kind), err)
	}
}
