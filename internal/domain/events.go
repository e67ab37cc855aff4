package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event-type header values.
const (
	EventTypeOrderFulfilled = "order.fulfilled"
	EventTypeDownloadsReady = "downloads.ready"
)

// OrderFulfilledEvent is published once per newly materialized order.
type OrderFulfilledEvent struct {
	OrderID       string          `json:"order_id"`
	OrderNumber   string          `json:"order_number"`
	Email         string          `json:"email"`
	Total         decimal.Decimal `json:"total"`
	Currency      string          `json:"currency"`
	Items         []LineItem      `json:"items"`
	DownloadLinks int             `json:"download_links"`
	LicenseKeys   int             `json:"license_keys"`
	Timestamp     time.Time       `json:"timestamp"`
}

// DownloadsReadyEvent is published whenever a download_links task issues new
// links, whether inline, from the retrier or from a manual reissue.
type DownloadsReadyEvent struct {
	OrderID       string    `json:"order_id"`
	OrderNumber   string    `json:"order_number"`
	Email         string    `json:"email"`
	DownloadLinks int       `json:"download_links"`
	Timestamp     time.Time `json:"timestamp"`
}
