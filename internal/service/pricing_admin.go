package service

import (
	"context"
	"strings"

	"beautika/backend/internal/domain"
	"beautika/backend/internal/pricing"
	"beautika/backend/internal/store"
)

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	if product.SKU == "" || product.Name == "" || product.BasePrice.Sign() <= 0 {
		return nil, store.ErrValidation
	}
	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "product_create", "product", created.SKU, map[string]any{
		"name":       created.Name,
		"base_price": created.BasePrice.String(),
	}, "")
	return created, nil
}

func (s *Service) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	if strings.TrimSpace(customer.Name) == "" {
		return nil, store.ErrValidation
	}
	created, err := s.repo.CreateCustomer(ctx, customer)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "customer_create", "customer", created.ID, map[string]any{
		"name": created.Name,
	}, "")
	return created, nil
}

// CreateCustomerPriceRule installs a negotiated price. Exactly one of
// fixed price and percent off must be set; the store rejects anything
// else.
func (s *Service) CreateCustomerPriceRule(ctx context.Context, rule domain.CustomerPriceRule) (*domain.CustomerPriceRule, error) {
	if rule.CustomerID == "" || !rule.Scope.Valid() {
		return nil, store.ErrValidation
	}
	created, err := s.repo.CreateCustomerPriceRule(ctx, rule)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "price_rule_create", "price_rule", created.ID, map[string]any{
		"customer_id": created.CustomerID,
		"scope":       string(created.Scope.Kind),
		"target":      created.Scope.Target,
	}, "")
	s.invalidateRules(ctx, created.CustomerID)
	return created, nil
}

func (s *Service) CreateVolumeTier(ctx context.Context, tier domain.VolumeTier) (*domain.VolumeTier, error) {
	tier.SKU = strings.ToUpper(strings.TrimSpace(tier.SKU))
	if tier.SKU == "" || tier.MinQty < 1 {
		return nil, store.ErrValidation
	}
	created, err := s.repo.CreateVolumeTier(ctx, tier)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "volume_tier_create", "volume_tier", created.ID, map[string]any{
		"sku":     created.SKU,
		"min_qty": created.MinQty,
		"max_qty": created.MaxQty,
	}, "")
	return created, nil
}

func (s *Service) CreateLoyaltyTier(ctx context.Context, tier domain.LoyaltyTier) (*domain.LoyaltyTier, error) {
	if strings.TrimSpace(tier.Name) == "" || tier.MinSpend.Sign() < 0 {
		return nil, store.ErrValidation
	}
	created, err := s.repo.CreateLoyaltyTier(ctx, tier)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "loyalty_tier_create", "loyalty_tier", created.ID, map[string]any{
		"name":      created.Name,
		"min_spend": created.MinSpend.String(),
	}, "")
	return created, nil
}

func (s *Service) CreateDiscountRule(ctx context.Context, rule domain.DiscountRule) (*domain.DiscountRule, error) {
	if strings.TrimSpace(rule.Name) == "" || !rule.Scope.Valid() {
		return nil, store.ErrValidation
	}
	created, err := s.repo.CreateDiscountRule(ctx, rule)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "discount_rule_create", "discount_rule", created.ID, map[string]any{
		"name": created.Name,
		"type": string(created.Type),
	}, "")
	s.invalidateRules(ctx, created.CustomerID)
	return created, nil
}

func (s *Service) SetDiscountRuleActive(ctx context.Context, ruleID string, active bool) (*domain.DiscountRule, error) {
	if ruleID == "" {
		return nil, store.ErrValidation
	}
	updated, err := s.repo.UpdateDiscountRuleActive(ctx, ruleID, active)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "discount_rule_toggle", "discount_rule", updated.ID, map[string]any{
		"active": active,
	}, "")
	s.invalidateRules(ctx, updated.CustomerID)
	return updated, nil
}

// QuotePrices previews the resolved unit price per line for a customer
// without locking anything in. Useful for cart display; the quote is not
// a reservation.
func (s *Service) QuotePrices(ctx context.Context, customerID string, lines []domain.OrderLineRequest) ([]pricing.Quote, error) {
	if customerID == "" {
		return nil, store.ErrValidation
	}
	items := normalizeLines(lines)
	if len(items) == 0 {
		return nil, store.ErrValidation
	}

	customer, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	skus := make([]string, 0, len(items))
	for _, line := range items {
		skus = append(skus, line.SKU)
	}
	products, err := s.repo.GetProductsBySKUs(ctx, skus)
	if err != nil {
		return nil, err
	}
	rs, err := s.ruleSet(ctx, customer)
	if err != nil {
		return nil, err
	}

	quotes := make([]pricing.Quote, 0, len(items))
	for _, line := range items {
		product, ok := products[line.SKU]
		if !ok {
			continue
		}
		quotes = append(quotes, s.engine.ResolveUnitPrice(rs, &product, line.Qty))
	}
	return quotes, nil
}
