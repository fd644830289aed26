package entities

import "time"

type PolicyType string

const (
	PolicyDelivery PolicyType = "delivery"
	PolicyExchange PolicyType = "exchange"
	PolicyPayment  PolicyType = "payment"
	PolicyWarranty PolicyType = "warranty"
	PolicyGeneral  PolicyType = "general"
)

// CatalogItem is a product or service offered by a business.
type CatalogItem struct {
	ID          string    `json:"id"`
	BusinessID  string    `json:"business_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       *float64  `json:"price"` // nil means not disclosed
	Stock       *int      `json:"stock"`
	Category    string    `json:"category"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

type Policy struct {
	ID          string     `json:"id"`
	BusinessID  string     `json:"business_id"`
	Type        PolicyType `json:"type"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"created_at"`
}

type Promotion struct {
	ID                 string     `json:"id"`
	BusinessID         string     `json:"business_id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	DiscountPercentage *float64   `json:"discount_percentage"`
	DiscountAmount     *float64   `json:"discount_amount"`
	ValidFrom          time.Time  `json:"valid_from"`
	ValidUntil         *time.Time `json:"valid_until"`
	Active             bool       `json:"active"`
	CreatedAt          time.Time  `json:"created_at"`
}

// ValidAt reports whether the promotion window covers now. A zero ValidFrom means "since always".
func (p Promotion) ValidAt(now time.Time) bool {
	if !p.Active {
		return false
	}
	if !p.ValidFrom.IsZero() && p.ValidFrom.After(now) {
		return false
	}
	return p.ValidUntil == nil || p.ValidUntil.After(now)
}
