package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"beautika/backend/internal/domain"
	"beautika/backend/internal/pricing"
	"beautika/backend/internal/store"
)

// CreateOrder resolves and locks prices, applies discount rules and hands
// the repository one atomic order write that allocates batch stock
// first-expired-first. Retries with the same idempotency key return the
// original order.
func (s *Service) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (*domain.Order, error) {
	if req.CustomerID == "" || req.IdempotencyKey == "" {
		return nil, store.ErrValidation
	}
	items := normalizeLines(req.Items)
	if len(items) == 0 {
		return nil, store.ErrValidation
	}

	if existing, err := s.repo.FindOrderByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	customer, err := s.repo.GetCustomer(ctx, req.CustomerID)
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
	for _, line := range items {
		product, ok := products[line.SKU]
		if !ok {
			return nil, fmt.Errorf("sku %s unavailable", line.SKU)
		}
		if line.Qty < product.MinOrderQty {
			return nil, fmt.Errorf("%w: %s below minimum order qty %d", store.ErrValidation, line.SKU, product.MinOrderQty)
		}
		if product.OrderIncrement > 1 && line.Qty%product.OrderIncrement != 0 {
			return nil, fmt.Errorf("%w: %s qty must be a multiple of %d", store.ErrValidation, line.SKU, product.OrderIncrement)
		}
	}

	rs, err := s.ruleSet(ctx, customer)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	orderItems := make([]domain.OrderItem, 0, len(items))
	pricedLines := make([]pricing.Line, 0, len(items))
	subtotal := decimal.Zero
	for _, line := range items {
		product := products[line.SKU]
		quote := s.engine.ResolveUnitPrice(rs, &product, line.Qty)
		orderItems = append(orderItems, domain.OrderItem{
			SKU:               line.SKU,
			Name:              product.Name,
			Qty:               line.Qty,
			UnitPrice:         quote.UnitPrice,
			OriginalUnitPrice: quote.OriginalPrice,
			PriceSource:       quote.Source,
			DiscountPercent:   quote.DiscountPercent,
			PriceLockedAt:     now,
		})
		pricedLines = append(pricedLines, pricing.Line{
			Product:   &product,
			Qty:       line.Qty,
			UnitPrice: quote.UnitPrice,
		})
		subtotal = subtotal.Add(quote.UnitPrice.Mul(decimal.NewFromInt(int64(line.Qty))))
	}

	discountTotal, applications := s.engine.ApplyDiscountRules(rs, pricedLines)
	discounts := make([]domain.OrderDiscount, 0, len(applications))
	running := subtotal
	for _, app := range applications {
		discounts = append(discounts, domain.OrderDiscount{
			RuleID:         app.RuleID,
			RuleName:       app.RuleName,
			OriginalAmount: running,
			DiscountAmount: app.Amount,
			FinalAmount:    running.Sub(app.Amount),
			Calculation:    app.Calculation,
		})
		running = running.Sub(app.Amount)
	}

	order := domain.Order{
		CustomerID:     customer.ID,
		WarehouseID:    req.WarehouseID,
		IdempotencyKey: req.IdempotencyKey,
		RequestID:      RequestIDFromContext(ctx),
		DiscountTotal:  discountTotal,
		Items:          orderItems,
		Discounts:      discounts,
	}

	created, err := s.repo.CreateOrder(ctx, order)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "order_create", "order", created.ID, map[string]any{
		"customer_id": created.CustomerID,
		"subtotal":    created.Subtotal.String(),
		"discount":    created.DiscountTotal.String(),
		"total":       created.Total.String(),
		"items":       len(created.Items),
	}, "audit:order_create:"+created.IdempotencyKey)
	s.publish(ctx, "order.created", "order", created.ID, created.CustomerID)

	return created, nil
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if orderID == "" {
		return nil, store.ErrValidation
	}
	return s.repo.FindOrderByID(ctx, orderID)
}

// RecordPayment confirms a payment against the order ledger. The
// idempotency key derives from the caller reference when one is given,
// otherwise from (order, method, amount); a bare retry of the same
// confirmation is a no-op, while a second instalment of the same amount
// must carry its own reference.
func (s *Service) RecordPayment(ctx context.Context, req domain.RecordPaymentRequest) (*domain.PaymentLogEntry, *domain.Order, error) {
	if req.OrderID == "" || req.Method == "" || req.Amount.Sign() <= 0 {
		return nil, nil, store.ErrValidation
	}

	key := "pay:" + req.OrderID + ":ref:" + req.Reference
	if req.Reference == "" {
		key = "pay:" + req.OrderID + ":" + req.Method + ":" + req.Amount.String()
	}

	entry, order, err := s.repo.RecordPayment(ctx, domain.PaymentLogEntry{
		OrderID:        req.OrderID,
		IdempotencyKey: key,
		Reference:      req.Reference,
		Method:         req.Method,
		Amount:         req.Amount,
		Status:         domain.PaymentConfirmed,
		RequestID:      RequestIDFromContext(ctx),
	})
	if err != nil {
		return nil, nil, err
	}

	s.logAudit(ctx, "payment_record", "order", order.ID, map[string]any{
		"amount":         entry.Amount.String(),
		"method":         entry.Method,
		"payment_status": order.PaymentStatus,
	}, "audit:"+key)
	if order.PaymentStatus == domain.PaymentStatusPaid {
		s.publish(ctx, "order.paid", "order", order.ID, order.CustomerID)
	}
	return entry, order, nil
}

func (s *Service) ShipOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.repo.MarkOrderShipped(ctx, orderID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "order_ship", "order", order.ID, nil, "audit:ship:"+order.ID)
	s.publish(ctx, "order.shipped", "order", order.ID, order.CustomerID)
	return order, nil
}

// CompleteOrder marks the order delivered, awards loyalty points from the
// paid total and the customer's tier multiplier, accrues period spend and
// re-evaluates the tier.
func (s *Service) CompleteOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	customer, err := s.repo.GetCustomer(ctx, order.CustomerID)
	if err != nil {
		return nil, err
	}

	multiplier := decimal.NewFromInt(1)
	if customer.TierID != "" {
		tiers, err := s.repo.ListLoyaltyTiers(ctx)
		if err != nil {
			return nil, err
		}
		for _, tier := range tiers {
			if tier.ID == customer.TierID && tier.PointsMultiplier.Sign() > 0 {
				multiplier = tier.PointsMultiplier
			}
		}
	}
	points := order.Total.
		Div(decimal.NewFromInt(s.opts.PointsEarnDivisor)).
		Mul(multiplier).
		Floor().
		IntPart()

	now := time.Now().UTC()
	completed, err := s.repo.CompleteOrder(ctx, orderID, points, now)
	if err != nil {
		return nil, err
	}

	if points > 0 {
		if _, err := s.repo.AddPoints(ctx, customer.ID, points, domain.PointTxEarn, completed.ID, "ord:"+completed.ID+":points"); err != nil {
			return nil, err
		}
	}

	year, quarter := periodOf(now)
	if _, err := s.repo.AccrueLoyaltyPeriod(ctx, customer.ID, year, quarter, completed.Total); err != nil {
		return nil, err
	}
	if _, err := s.repo.AccrueLoyaltyPeriod(ctx, customer.ID, year, 0, completed.Total); err != nil {
		return nil, err
	}

	promoted, err := s.repo.UpdateCustomerTier(ctx, customer.ID, completed.Total)
	if err != nil {
		return nil, err
	}
	if promoted != nil {
		s.logAudit(ctx, "tier_promote", "customer", customer.ID, map[string]any{
			"tier":      promoted.Name,
			"from_tier": customer.TierID,
			"to_tier":   promoted.ID,
			"min_spend": promoted.MinSpend.String(),
		}, "audit:tier:"+customer.ID+":"+promoted.ID)
		s.publish(ctx, "customer.tier_changed", "customer", customer.ID, customer.ID)
		s.invalidateRules(ctx, customer.ID)
	}

	s.logAudit(ctx, "order_complete", "order", completed.ID, map[string]any{
		"points_earned": points,
	}, "audit:complete:"+completed.ID)
	s.publish(ctx, "order.delivered", "order", completed.ID, completed.CustomerID)

	return completed, nil
}

// CancelOrder is idempotent: cancelling an already-cancelled order
// returns the original cancellation record without touching stock or
// payments again.
func (s *Service) CancelOrder(ctx context.Context, orderID string, reason string) (*domain.OrderCancellation, *domain.Order, error) {
	if orderID == "" {
		return nil, nil, store.ErrValidation
	}
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{ID: "system", Role: "system"}
	}

	cancellation, order, err := s.repo.CancelOrder(ctx, domain.OrderCancellation{
		OrderID:     orderID,
		Reason:      strings.TrimSpace(reason),
		CancelledBy: actor.ID,
	})
	if err != nil {
		return nil, nil, err
	}

	s.logAudit(ctx, "order_cancel", "order", order.ID, map[string]any{
		"reason": cancellation.Reason,
	}, "audit:cancel:"+order.ID)
	s.publish(ctx, "order.cancelled", "order", order.ID, order.CustomerID)
	return cancellation, order, nil
}

// normalizeLines uppercases SKUs, drops empty lines and merges duplicate
// SKUs into one line.
func normalizeLines(lines []domain.OrderLineRequest) []domain.OrderLineRequest {
	merged := make(map[string]int, len(lines))
	order := make([]string, 0, len(lines))
	for _, line := range lines {
		sku := strings.ToUpper(strings.TrimSpace(line.SKU))
		if sku == "" || line.Qty < 1 {
			continue
		}
		if _, seen := merged[sku]; !seen {
			order = append(order, sku)
		}
		merged[sku] += line.Qty
	}
	result := make([]domain.OrderLineRequest, 0, len(order))
	for _, sku := range order {
		result = append(result, domain.OrderLineRequest{SKU: sku, Qty: merged[sku]})
	}
	return result
}

func periodOf(t time.Time) (int, int) {
	return t.Year(), (int(t.Month())-1)/3 + 1
}
