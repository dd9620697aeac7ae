package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// exactlyOne reports whether precisely one of fixed/percent is set, with
// the percent inside [0, 100].
func exactlyOne(fixed *decimal.Decimal, percent *decimal.Decimal) bool {
	if (fixed == nil) == (percent == nil) {
		return false
	}
	if fixed != nil {
		return fixed.Sign() >= 0
	}
	return percent.Sign() >= 0 && percent.LessThanOrEqual(decimal.NewFromInt(100))
}

func (r CustomerPriceRule) PriceFieldsValid() bool {
	return exactlyOne(r.FixedPrice, r.PercentOff)
}

func (t VolumeTier) PriceFieldsValid() bool {
	return exactlyOne(t.FixedPrice, t.PercentOff)
}

// Overlaps reports whether two quantity ranges of the same product
// intersect. MaxQty 0 is treated as unbounded.
func (t VolumeTier) Overlaps(other VolumeTier) bool {
	if t.SKU != other.SKU {
		return false
	}
	tMax, oMax := t.MaxQty, other.MaxQty
	if tMax == 0 {
		tMax = int(^uint(0) >> 1)
	}
	if oMax == 0 {
		oMax = int(^uint(0) >> 1)
	}
	return t.MinQty <= oMax && other.MinQty <= tMax
}

// Covers reports whether qty falls inside the tier's range.
func (t VolumeTier) Covers(qty int) bool {
	if qty < t.MinQty {
		return false
	}
	return t.MaxQty == 0 || qty <= t.MaxQty
}

// InWindow reports whether at falls inside the rule's validity window.
// Nil bounds are open.
func InWindow(from *time.Time, until *time.Time, at time.Time) bool {
	if from != nil && at.Before(*from) {
		return false
	}
	if until != nil && at.After(*until) {
		return false
	}
	return true
}
