package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ProductType string

const (
	ProductTypeDigital  ProductType = "DIGITAL"
	ProductTypePhysical ProductType = "PHYSICAL"
	ProductTypeService  ProductType = "SERVICE"
)

type Product struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Type            ProductType     `json:"type"`
	Price           decimal.Decimal `json:"price"`
	RequiresLicense bool            `json:"requires_license"`
	// Zero means the issuer default applies.
	LicenseMaxActivations int `json:"license_max_activations,omitempty"`
	// Zero means license keys never expire.
	LicenseValidDays int `json:"license_valid_days,omitempty"`
}

func (p Product) IsDigital() bool {
	return p.Type == ProductTypeDigital
}

type ProductFile struct {
	ID          string    `json:"id"`
	ProductID   string    `json:"product_id"`
	VersionID   string    `json:"version_id,omitempty"`
	FileName    string    `json:"file_name"`
	FileKey     string    `json:"file_key"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

type Discount struct {
	ID         string
	Code       string
	Active     bool
	UsageCount int
	UsageLimit *int
	ExpiresAt  *time.Time
}

// Applicable reports whether the discount may still be attributed to a new order.
func (d Discount) Applicable(now time.Time) bool {
	if !d.Active {
		return false
	}
	if d.ExpiresAt != nil && !now.Before(*d.ExpiresAt) {
		return false
	}
	if d.UsageLimit != nil && d.UsageCount >= *d.UsageLimit {
		return false
	}
	return true
}

type Affiliate struct {
	ID            string
	Code          string
	Active        bool
	TotalSales    int
	TotalEarnings decimal.Decimal
}
