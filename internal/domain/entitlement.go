package domain

import "time"

type LicenseKey struct {
	ID             string     `json:"id"`
	OrderID        string     `json:"order_id"`
	ProductID      string     `json:"product_id"`
	Key            string     `json:"key"`
	MaxActivations int        `json:"max_activations"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type DownloadLink struct {
	ID           string    `json:"id"`
	OrderID      string    `json:"order_id"`
	ProductID    string    `json:"product_id"`
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Downloads    int       `json:"downloads"`
	MaxDownloads int       `json:"max_downloads"`
	RefreshCount int       `json:"refresh_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (l DownloadLink) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

func (l DownloadLink) Exhausted() bool {
	return l.Downloads >= l.MaxDownloads
}

func (l DownloadLink) Remaining() int {
	return max(0, l.MaxDownloads-l.Downloads)
}
