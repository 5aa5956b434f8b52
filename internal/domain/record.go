package domain

import (
	"fmt"
	"time"
)

// Availability is the stock state extracted from a product page.
type Availability string

const (
	AvailabilityInStock    Availability = "in_stock"
	AvailabilityLowStock   Availability = "low_stock"
	AvailabilityOutOfStock Availability = "out_of_stock"
	AvailabilityPreOrder   Availability = "pre_order"
	AvailabilityUnknown    Availability = "unknown"
)

// pixToleranceFactor allows a pix price to marginally exceed the listed price
// to absorb rounding on pages that display pix totals with fees included.
const pixToleranceFactor = 1.05

// InstallmentPlan is one entry of a product's installment offer, e.g.
// "10x de R$ 129,90 sem juros".
type InstallmentPlan struct {
	Value    float64 `json:"value"`
	Times    int     `json:"times"`
	Interest bool    `json:"interest_flag"`
}

// PriceRecord is the validated result of one successful extraction. Records
// are written once and never mutated.
type PriceRecord struct {
	URLID            string
	CheckedAt        time.Time
	Price            float64
	OldPrice         *float64
	PixPrice         *float64
	Installments     []InstallmentPlan
	Availability     Availability
	AvailabilityText string
	Seller           string
	PromotionLabels  []string
	PromotionEnd     *time.Time
	StrategyID       string
	// Confidence is the minimum field-level confidence among required fields.
	Confidence float64
}

// Validate checks the record invariants. A record that fails validation must
// not be persisted as an "ok" outcome.
func (r *PriceRecord) Validate() error {
	if r.Price < 0 {
		return fmt.Errorf("%w: price %.2f is negative", ErrInvalidRecord, r.Price)
	}
	if r.PixPrice != nil && *r.PixPrice > r.Price*pixToleranceFactor {
		return fmt.Errorf("%w: pix price %.2f exceeds price %.2f", ErrInvalidRecord, *r.PixPrice, r.Price)
	}
	if r.OldPrice != nil && *r.OldPrice < r.Price {
		return fmt.Errorf("%w: old price %.2f below price %.2f", ErrInvalidRecord, *r.OldPrice, r.Price)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.3f out of range", ErrInvalidRecord, r.Confidence)
	}
	return nil
}
