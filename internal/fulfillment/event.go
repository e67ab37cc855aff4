package fulfillment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/joao-fontenele/storefront-fulfillment/internal/domain"
)

// PaymentEvent is the verified, processor-agnostic view of a completed checkout.
type PaymentEvent struct {
	EventID         string
	SessionID       string
	PaymentIntentID string
	// AmountTotal is in minor currency units.
	AmountTotal int64
	Currency    string
	Email       string
	Metadata    map[string]string
}

type MetadataItem struct {
	ProductID string              `json:"productId"`
	VersionID string              `json:"versionId,omitempty"`
	Quantity  int                 `json:"quantity"`
	Price     decimal.NullDecimal `json:"price"`
	Name      string              `json:"name,omitempty"`
}

type Metadata struct {
	Items         []MetadataItem
	UserID        string
	DiscountID    string
	DiscountCode  string
	AffiliateID   string
	AffiliateCode string
}

const (
	guestUserID = "guest"
	// maxItemQuantity caps one line; each licensed unit mints a key in the
	// same transaction.
	maxItemQuantity = 100
)

// ParseMetadata validates the checkout metadata. Every failure is a
// MalformedEventPayload: retrying the event reproduces the same data.
func ParseMetadata(raw map[string]string) (*Metadata, error) {
	encoded, ok := raw["items"]
	if !ok || strings.TrimSpace(encoded) == "" {
		return nil, malformed("metadata.items is missing", nil)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(encoded)))
	dec.DisallowUnknownFields()

	var items []MetadataItem
	if err := dec.Decode(&items); err != nil {
		return nil, malformed("metadata.items is not a valid item list", err)
	}
	if dec.More() {
		return nil, malformed("metadata.items has trailing data", nil)
	}
	if len(items) == 0 {
		return nil, malformed("metadata.items is empty", nil)
	}

	for i, item := range items {
		if strings.TrimSpace(item.ProductID) == "" {
			return nil, malformed(fmt.Sprintf("metadata.items[%d].productId is empty", i), nil)
		}
		if item.Quantity < 1 || item.Quantity > maxItemQuantity {
			return nil, malformed(fmt.Sprintf("metadata.items[%d].quantity must be between 1 and %d", i, maxItemQuantity), nil)
		}
		if !item.Price.Valid {
			return nil, malformed(fmt.Sprintf("metadata.items[%d].price is missing", i), nil)
		}
		if item.Price.Decimal.IsNegative() {
			return nil, malformed(fmt.Sprintf("metadata.items[%d].price must not be negative", i), nil)
		}
	}

	meta := &Metadata{
		Items:         items,
		DiscountID:    strings.TrimSpace(raw["discountId"]),
		DiscountCode:  strings.TrimSpace(raw["discountCode"]),
		AffiliateID:   strings.TrimSpace(raw["affiliateId"]),
		AffiliateCode: strings.TrimSpace(raw["affiliateCode"]),
	}
	if userID := strings.TrimSpace(raw["userId"]); userID != guestUserID {
		meta.UserID = userID
	}

	return meta, nil
}

// LineItems converts the metadata items into order line items, keeping the
// captured prices.
func (m *Metadata) LineItems() []domain.LineItem {
	items := make([]domain.LineItem, 0, len(m.Items))
	for _, item := range m.Items {
		items = append(items, domain.LineItem{
			ProductID: item.ProductID,
			VersionID: item.VersionID,
			Quantity:  item.Quantity,
			Price:     item.Price.Decimal,
		})
	}
	return items
}

func malformed(message string, err error) error {
	return domain.WrapError(domain.ErrCodeMalformedPayload, message, err)
}
