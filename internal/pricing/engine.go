package pricing

import (
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"beautika/backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// RuleSet is a point-in-time snapshot of every rule that can influence a
// quote for one customer. The engine never touches the repository; callers
// assemble (and may cache) the snapshot.
type RuleSet struct {
	Customer    *domain.Customer           `json:"customer,omitempty"`
	Tier        *domain.LoyaltyTier        `json:"tier,omitempty"`
	PriceRules  []domain.CustomerPriceRule `json:"price_rules,omitempty"`
	VolumeTiers []domain.VolumeTier        `json:"volume_tiers,omitempty"`
	Discounts   []domain.DiscountRule      `json:"discounts,omitempty"`
	// UsageByRule holds this customer's historical application count per
	// discount rule id, for per-user limits.
	UsageByRule map[string]int `json:"usage_by_rule,omitempty"`
	At          time.Time      `json:"at"`
}

// Quote is a resolved unit price for one order line, before promotional
// discount rules.
type Quote struct {
	SKU             string
	Qty             int
	UnitPrice       decimal.Decimal
	OriginalPrice   decimal.Decimal
	Source          domain.PriceSource
	DiscountPercent decimal.Decimal
}

// Line is one priced order line fed into discount application.
type Line struct {
	Product   *domain.Product
	Qty       int
	UnitPrice decimal.Decimal
}

// Application is one discount rule firing on an order.
type Application struct {
	RuleID      string
	RuleName    string
	Amount      decimal.Decimal
	Calculation json.RawMessage
}

type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// ResolveUnitPrice walks the price waterfall for one line: customer price
// rule, then volume tier, then loyalty tier percent, then base price. The
// first applicable layer wins outright; layers never combine.
func (e *Engine) ResolveUnitPrice(rs *RuleSet, product *domain.Product, qty int) Quote {
	quote := Quote{
		SKU:           product.SKU,
		Qty:           qty,
		UnitPrice:     product.BasePrice,
		OriginalPrice: product.BasePrice,
		Source:        domain.PriceSourceBase,
	}

	if rule := bestPriceRule(rs, product); rule != nil {
		quote.UnitPrice = applyFixedOrPercent(product.BasePrice, rule.FixedPrice, rule.PercentOff)
		quote.Source = domain.PriceSourceCustomerList
		quote.DiscountPercent = percentOffBase(product.BasePrice, quote.UnitPrice)
		return quote
	}

	if tier := matchVolumeTier(rs, product.SKU, qty); tier != nil {
		quote.UnitPrice = applyFixedOrPercent(product.BasePrice, tier.FixedPrice, tier.PercentOff)
		quote.Source = domain.PriceSourceVolumeTier
		quote.DiscountPercent = percentOffBase(product.BasePrice, quote.UnitPrice)
		return quote
	}

	if rs.Tier != nil && rs.Tier.DiscountPercent.Sign() > 0 {
		quote.UnitPrice = discountByPercent(product.BasePrice, rs.Tier.DiscountPercent)
		quote.Source = domain.PriceSourceLoyaltyTier
		quote.DiscountPercent = rs.Tier.DiscountPercent
		return quote
	}

	return quote
}

// bestPriceRule picks the winning customer price rule for a product:
// narrowest scope first, then highest priority.
func bestPriceRule(rs *RuleSet, product *domain.Product) *domain.CustomerPriceRule {
	var best *domain.CustomerPriceRule
	for i := range rs.PriceRules {
		rule := &rs.PriceRules[i]
		if !rule.Active || !rule.Scope.Matches(product) {
			continue
		}
		if !domain.InWindow(rule.ValidFrom, rule.ValidUntil, rs.At) {
			continue
		}
		if best == nil || ruleBeats(rule, best) {
			best = rule
		}
	}
	return best
}

func ruleBeats(candidate, incumbent *domain.CustomerPriceRule) bool {
	cs, is := candidate.Scope.Specificity(), incumbent.Scope.Specificity()
	if cs != is {
		return cs > is
	}
	return candidate.Priority > incumbent.Priority
}

func matchVolumeTier(rs *RuleSet, sku string, qty int) *domain.VolumeTier {
	for i := range rs.VolumeTiers {
		tier := &rs.VolumeTiers[i]
		if tier.Active && tier.SKU == sku && tier.Covers(qty) {
			return tier
		}
	}
	return nil
}

func applyFixedOrPercent(base decimal.Decimal, fixed *decimal.Decimal, percent *decimal.Decimal) decimal.Decimal {
	if fixed != nil {
		return *fixed
	}
	return discountByPercent(base, *percent)
}

func discountByPercent(base decimal.Decimal, percent decimal.Decimal) decimal.Decimal {
	return base.Sub(base.Mul(percent).Div(hundred)).Round(2)
}

func percentOffBase(base decimal.Decimal, unit decimal.Decimal) decimal.Decimal {
	if base.Sign() <= 0 {
		return decimal.Zero
	}
	return base.Sub(unit).Mul(hundred).Div(base).Round(2)
}

// ApplyDiscountRules evaluates promotional rules over priced lines in
// priority order. The first non-stackable rule that fires blocks every
// later non-stackable rule; stackable rules always accumulate. The
// combined discount never exceeds the subtotal.
func (e *Engine) ApplyDiscountRules(rs *RuleSet, lines []Line) (decimal.Decimal, []Application) {
	subtotal := decimal.Zero
	totalQty := 0
	for _, line := range lines {
		subtotal = subtotal.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Qty))))
		totalQty += line.Qty
	}

	rules := make([]domain.DiscountRule, len(rs.Discounts))
	copy(rules, rs.Discounts)
	sort.SliceStable(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	total := decimal.Zero
	var applications []Application
	nonStackableFired := false

	for i := range rules {
		rule := &rules[i]
		if nonStackableFired && !rule.Stackable {
			continue
		}
		if !eligible(rs, rule, subtotal, totalQty) {
			continue
		}
		amount, calc := e.ruleAmount(rule, lines)
		if rule.MaxDiscountAmount != nil && amount.GreaterThan(*rule.MaxDiscountAmount) {
			amount = *rule.MaxDiscountAmount
			calc["capped_at"] = rule.MaxDiscountAmount.String()
		}
		if remaining := subtotal.Sub(total); amount.GreaterThan(remaining) {
			amount = remaining
		}
		if amount.Sign() <= 0 {
			continue
		}
		total = total.Add(amount)
		raw, _ := json.Marshal(calc)
		applications = append(applications, Application{
			RuleID:      rule.ID,
			RuleName:    rule.Name,
			Amount:      amount,
			Calculation: raw,
		})
		if !rule.Stackable {
			nonStackableFired = true
		}
	}
	return total, applications
}

func eligible(rs *RuleSet, rule *domain.DiscountRule, subtotal decimal.Decimal, totalQty int) bool {
	if !rule.Active {
		return false
	}
	if !domain.InWindow(rule.ValidFrom, rule.ValidUntil, rs.At) {
		return false
	}
	if rule.CustomerID != "" && (rs.Customer == nil || rs.Customer.ID != rule.CustomerID) {
		return false
	}
	if rule.TierID != "" && (rs.Customer == nil || rs.Customer.TierID != rule.TierID) {
		return false
	}
	if rule.MinOrderAmount.Sign() > 0 && subtotal.LessThan(rule.MinOrderAmount) {
		return false
	}
	if rule.MinOrderQty > 0 && totalQty < rule.MinOrderQty {
		return false
	}
	if rule.UsageLimit > 0 && rule.UsageCount >= rule.UsageLimit {
		return false
	}
	if rule.PerUserLimit > 0 && rs.UsageByRule[rule.ID] >= rule.PerUserLimit {
		return false
	}
	return true
}

// ruleAmount computes a rule's discount over the lines its scope covers.
func (e *Engine) ruleAmount(rule *domain.DiscountRule, lines []Line) (decimal.Decimal, map[string]string) {
	calc := map[string]string{"type": string(rule.Type)}

	scopedAmount := decimal.Zero
	scopedQty := 0
	for _, line := range lines {
		if rule.Scope.Matches(line.Product) {
			scopedAmount = scopedAmount.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Qty))))
			scopedQty += line.Qty
		}
	}
	calc["scoped_amount"] = scopedAmount.String()

	switch rule.Type {
	case domain.DiscountPercentage:
		calc["percent"] = rule.Percent.String()
		return scopedAmount.Mul(rule.Percent).Div(hundred).Round(2), calc

	case domain.DiscountFixedAmount:
		amount := rule.Amount
		if amount.GreaterThan(scopedAmount) {
			amount = scopedAmount
		}
		return amount, calc

	case domain.DiscountBuyXGetY:
		// Every buy+get units of a scoped line yields get free units,
		// valued at that line's unit price.
		group := rule.BuyQty + rule.GetQty
		if group <= 0 {
			return decimal.Zero, calc
		}
		amount := decimal.Zero
		freeUnits := 0
		for _, line := range lines {
			if !rule.Scope.Matches(line.Product) {
				continue
			}
			free := (line.Qty / group) * rule.GetQty
			if free <= 0 {
				continue
			}
			freeUnits += free
			amount = amount.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(free))))
		}
		calc["free_units"] = strconv.Itoa(freeUnits)
		return amount, calc

	case domain.DiscountFreeItem:
		// The free item must be in the order; its line price is waived up
		// to the configured quantity.
		for _, line := range lines {
			if line.Product.SKU != rule.FreeSKU {
				continue
			}
			qty := rule.FreeQty
			if qty > line.Qty {
				qty = line.Qty
			}
			calc["free_sku"] = rule.FreeSKU
			calc["free_qty"] = strconv.Itoa(qty)
			return line.UnitPrice.Mul(decimal.NewFromInt(int64(qty))), calc
		}
		return decimal.Zero, calc

	case domain.DiscountBundlePrice:
		if rule.BundleQty <= 0 || scopedQty < rule.BundleQty {
			return decimal.Zero, calc
		}
		avgUnit := scopedAmount.Div(decimal.NewFromInt(int64(scopedQty)))
		bundles := scopedQty / rule.BundleQty
		regular := avgUnit.Mul(decimal.NewFromInt(int64(rule.BundleQty)))
		perBundle := regular.Sub(rule.BundlePrice)
		if perBundle.Sign() <= 0 {
			return decimal.Zero, calc
		}
		calc["bundles"] = strconv.Itoa(bundles)
		return perBundle.Mul(decimal.NewFromInt(int64(bundles))).Round(2), calc
	}

	return decimal.Zero, calc
}

