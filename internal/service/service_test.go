package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"beautika/backend/internal/domain"
	"beautika/backend/internal/store"
	"beautika/backend/internal/store/memory"
)

const testCustomer = "cust-salon-melati"

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	return New(repo, nil, nil, nil, Options{}), repo
}

func createOrder(t *testing.T, svc *Service, sku string, qty int, key string) *domain.Order {
	t.Helper()
	order, err := svc.CreateOrder(context.Background(), domain.CreateOrderRequest{
		CustomerID:     testCustomer,
		IdempotencyKey: key,
		Items:          []domain.OrderLineRequest{{SKU: sku, Qty: qty}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return order
}

func deliverOrder(t *testing.T, svc *Service, sku string, qty int, key string) *domain.Order {
	t.Helper()
	ctx := context.Background()
	order := createOrder(t, svc, sku, qty, key)
	if _, _, err := svc.RecordPayment(ctx, domain.RecordPaymentRequest{
		OrderID:   order.ID,
		Amount:    order.Total,
		Method:    "transfer",
		Reference: "PAY-" + key,
	}); err != nil {
		t.Fatalf("record payment: %v", err)
	}
	if _, err := svc.ShipOrder(ctx, order.ID); err != nil {
		t.Fatalf("ship order: %v", err)
	}
	delivered, err := svc.CompleteOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("complete order: %v", err)
	}
	return delivered
}

func TestCreateOrderAllocatesOldestExpiryFirst(t *testing.T) {
	svc, _ := newTestService()

	// 246 units spans both seeded batches; the earlier expiry must drain
	// completely before the later one is touched.
	order := createOrder(t, svc, "BTK-SHP-250", 246, "idem-fefo")

	if len(order.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(order.Items))
	}
	allocs := order.Items[0].Allocations
	if len(allocs) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(allocs))
	}
	if allocs[0].BatchID != "batch-shp250-a" || allocs[0].Qty != 240 {
		t.Fatalf("expected 240 units from batch-shp250-a first, got %d from %s", allocs[0].Qty, allocs[0].BatchID)
	}
	if allocs[1].BatchID != "batch-shp250-b" || allocs[1].Qty != 6 {
		t.Fatalf("expected 6 units from batch-shp250-b, got %d from %s", allocs[1].Qty, allocs[1].BatchID)
	}
	if !order.Subtotal.Equal(decimal.NewFromInt(20910000)) {
		t.Fatalf("expected subtotal 20910000, got %s", order.Subtotal)
	}
	if order.Status != domain.OrderStatusPendingPayment || order.PaymentStatus != domain.PaymentStatusUnpaid {
		t.Fatalf("unexpected initial state %s/%s", order.Status, order.PaymentStatus)
	}

	stock, err := svc.CheckStock(context.Background(), []string{"BTK-SHP-250"})
	if err != nil {
		t.Fatalf("check stock: %v", err)
	}
	if stock["BTK-SHP-250"] != 234 {
		t.Fatalf("expected 234 units left, got %d", stock["BTK-SHP-250"])
	}
}

func TestCreateOrderIdempotentRetry(t *testing.T) {
	svc, _ := newTestService()

	first := createOrder(t, svc, "BTK-SHP-250", 6, "idem-retry")
	second := createOrder(t, svc, "BTK-SHP-250", 6, "idem-retry")
	if first.ID != second.ID {
		t.Fatalf("retry created a second order: %s vs %s", first.ID, second.ID)
	}

	stock, err := svc.CheckStock(context.Background(), []string{"BTK-SHP-250"})
	if err != nil {
		t.Fatalf("check stock: %v", err)
	}
	if stock["BTK-SHP-250"] != 474 {
		t.Fatalf("expected stock consumed once (474), got %d", stock["BTK-SHP-250"])
	}
}

func TestCreateOrderEnforcesMinimumAndIncrement(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.CreateOrder(ctx, domain.CreateOrderRequest{
		CustomerID:     testCustomer,
		IdempotencyKey: "idem-below-min",
		Items:          []domain.OrderLineRequest{{SKU: "BTK-SHP-250", Qty: 3}},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error below minimum, got %v", err)
	}

	_, err = svc.CreateOrder(ctx, domain.CreateOrderRequest{
		CustomerID:     testCustomer,
		IdempotencyKey: "idem-bad-increment",
		Items:          []domain.OrderLineRequest{{SKU: "BTK-SHP-250", Qty: 8}},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error off increment, got %v", err)
	}
}

func TestCreateOrderInsufficientStock(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.CreateOrder(context.Background(), domain.CreateOrderRequest{
		CustomerID:     testCustomer,
		IdempotencyKey: "idem-short",
		Items:          []domain.OrderLineRequest{{SKU: "BTK-MSK-500", Qty: 62}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
}

func TestPaymentLedgerIdempotentByReference(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	order := createOrder(t, svc, "LVA-BLC-500", 2, "idem-pay-ref")
	half := decimal.NewFromInt(210000)

	_, updated, err := svc.RecordPayment(ctx, domain.RecordPaymentRequest{
		OrderID: order.ID, Amount: half, Method: "transfer", Reference: "TRF-001",
	})
	if err != nil {
		t.Fatalf("first instalment: %v", err)
	}
	if updated.PaymentStatus != domain.PaymentStatusPartiallyPaid {
		t.Fatalf("expected partially_paid, got %s", updated.PaymentStatus)
	}

	// Bank retry of the same confirmation must not double-count.
	_, updated, err = svc.RecordPayment(ctx, domain.RecordPaymentRequest{
		OrderID: order.ID, Amount: half, Method: "transfer", Reference: "TRF-001",
	})
	if err != nil {
		t.Fatalf("retried instalment: %v", err)
	}
	if !updated.AmountPaid.Equal(half) {
		t.Fatalf("retry double-counted: paid %s", updated.AmountPaid)
	}

	// A genuine second instalment of the same amount carries its own
	// reference and settles the order.
	_, updated, err = svc.RecordPayment(ctx, domain.RecordPaymentRequest{
		OrderID: order.ID, Amount: half, Method: "transfer", Reference: "TRF-002",
	})
	if err != nil {
		t.Fatalf("second instalment: %v", err)
	}
	if updated.PaymentStatus != domain.PaymentStatusPaid {
		t.Fatalf("expected paid, got %s", updated.PaymentStatus)
	}
	if updated.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected processing after full payment, got %s", updated.Status)
	}
	if updated.BalanceDue.Sign() != 0 {
		t.Fatalf("expected zero balance, got %s", updated.BalanceDue)
	}
}

func TestPaymentWithoutReferenceDedupesOnAmount(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	order := createOrder(t, svc, "LVA-BLC-500", 2, "idem-pay-noref")
	amount := decimal.NewFromInt(100000)

	for i := 0; i < 2; i++ {
		if _, _, err := svc.RecordPayment(ctx, domain.RecordPaymentRequest{
			OrderID: order.ID, Amount: amount, Method: "cash",
		}); err != nil {
			t.Fatalf("payment %d: %v", i, err)
		}
	}

	got, err := svc.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !got.AmountPaid.Equal(amount) {
		t.Fatalf("unreferenced retry double-counted: paid %s", got.AmountPaid)
	}
}

func TestPaymentOnCancelledOrderRejected(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	order := createOrder(t, svc, "LVA-BLC-500", 2, "idem-pay-cancelled")
	if _, _, err := svc.CancelOrder(ctx, order.ID, "duplicate PO"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, _, err := svc.RecordPayment(ctx, domain.RecordPaymentRequest{
		OrderID: order.ID, Amount: decimal.NewFromInt(420000), Method: "transfer", Reference: "TRF-LATE",
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestCancelOrderIdempotent(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	order := createOrder(t, svc, "BTK-SHP-250", 6, "idem-cancel")

	first, cancelled, err := svc.CancelOrder(ctx, order.ID, "customer changed mind")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	stock, err := svc.CheckStock(ctx, []string{"BTK-SHP-250"})
	if err != nil {
		t.Fatalf("check stock: %v", err)
	}
	if stock["BTK-SHP-250"] != 480 {
		t.Fatalf("expected stock restored to 480, got %d", stock["BTK-SHP-250"])
	}

	second, _, err := svc.CancelOrder(ctx, order.ID, "retry")
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second cancel created a new record: %s vs %s", second.ID, first.ID)
	}
	stock, _ = svc.CheckStock(ctx, []string{"BTK-SHP-250"})
	if stock["BTK-SHP-250"] != 480 {
		t.Fatalf("second cancel touched stock: %d", stock["BTK-SHP-250"])
	}
}

func TestShipRequiresProcessingStatus(t *testing.T) {
	svc, _ := newTestService()

	order := createOrder(t, svc, "LVA-BLC-500", 2, "idem-ship-early")
	if _, err := svc.ShipOrder(context.Background(), order.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for unpaid order, got %v", err)
	}
}

func TestCompleteOrderAwardsPoints(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	delivered := deliverOrder(t, svc, "LVA-BLC-500", 2, "idem-points")
	if delivered.Status != domain.OrderStatusDelivered {
		t.Fatalf("expected delivered, got %s", delivered.Status)
	}
	// 420000 / 10000 at the silver multiplier of 1.
	if delivered.PointsEarned != 42 {
		t.Fatalf("expected 42 points earned, got %d", delivered.PointsEarned)
	}

	customer, err := repo.GetCustomer(ctx, testCustomer)
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if customer.Points != 42 {
		t.Fatalf("expected balance 42, got %d", customer.Points)
	}

	history, err := svc.PointHistory(ctx, testCustomer, 10)
	if err != nil {
		t.Fatalf("point history: %v", err)
	}
	if len(history) != 1 || history[0].Type != domain.PointTxEarn || history[0].BalanceAfter != 42 {
		t.Fatalf("unexpected history %+v", history)
	}

	year, quarter := periodOf(time.Now().UTC())
	tier, err := svc.EvaluatePeriodTier(ctx, testCustomer, year, quarter)
	if err != nil {
		t.Fatalf("evaluate period tier: %v", err)
	}
	if tier.Name != "Silver" {
		t.Fatalf("expected Silver on 420k period spend, got %s", tier.Name)
	}
}

func TestTierPromotionOnHighSpend(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	// 480 units of shampoo at 85000 crosses the 25M gold threshold.
	delivered := deliverOrder(t, svc, "BTK-SHP-250", 480, "idem-gold")
	if delivered.PointsEarned != 4080 {
		t.Fatalf("expected 4080 points at the pre-promotion multiplier, got %d", delivered.PointsEarned)
	}

	customer, err := repo.GetCustomer(ctx, testCustomer)
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if customer.TierID != "tier-gold" {
		t.Fatalf("expected promotion to tier-gold, got %s", customer.TierID)
	}

	year, quarter := periodOf(time.Now().UTC())
	tier, err := svc.EvaluatePeriodTier(ctx, testCustomer, year, quarter)
	if err != nil {
		t.Fatalf("evaluate period tier: %v", err)
	}
	if tier.Name != "Gold" {
		t.Fatalf("expected Gold period tier, got %s", tier.Name)
	}

	events, err := svc.ListAuditEvents(ctx, "customer", testCustomer, 10)
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	var promote *domain.AuditEvent
	for i := range events {
		if events[i].Action == "tier_promote" {
			promote = &events[i]
		}
	}
	if promote == nil {
		t.Fatalf("expected a tier_promote audit event, got %d events", len(events))
	}
	var meta map[string]any
	if err := json.Unmarshal(promote.Meta, &meta); err != nil {
		t.Fatalf("decode tier_promote meta: %v", err)
	}
	if meta["from_tier"] != "tier-silver" || meta["to_tier"] != "tier-gold" {
		t.Fatalf("expected promotion recorded as tier-silver to tier-gold, got %v", meta)
	}
}

func TestSpendPointsRequiresBalance(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.SpendPoints(ctx, testCustomer, 10, "", "spend-broke"); !errors.Is(err, store.ErrInsufficientPoints) {
		t.Fatalf("expected insufficient points, got %v", err)
	}

	if _, err := svc.AddPoints(ctx, testCustomer, 100, "", "grant-1"); err != nil {
		t.Fatalf("add points: %v", err)
	}
	tx, err := svc.SpendPoints(ctx, testCustomer, 40, "", "spend-1")
	if err != nil {
		t.Fatalf("spend points: %v", err)
	}
	if tx.BalanceAfter != 60 {
		t.Fatalf("expected balance 60, got %d", tx.BalanceAfter)
	}
}

func TestPointGrantIdempotent(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.AddPoints(ctx, testCustomer, 50, "", "grant-dup"); err != nil {
			t.Fatalf("add points %d: %v", i, err)
		}
	}
	customer, err := repo.GetCustomer(ctx, testCustomer)
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if customer.Points != 50 {
		t.Fatalf("duplicate grant applied twice: balance %d", customer.Points)
	}
}

func TestVolumeTierPricing(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	fixed := decimal.NewFromInt(80000)
	if _, err := svc.CreateVolumeTier(ctx, domain.VolumeTier{
		SKU:        "BTK-SHP-250",
		MinQty:     12,
		FixedPrice: &fixed,
	}); err != nil {
		t.Fatalf("create volume tier: %v", err)
	}

	quotes, err := svc.QuotePrices(ctx, testCustomer, []domain.OrderLineRequest{
		{SKU: "BTK-SHP-250", Qty: 6},
	})
	if err != nil {
		t.Fatalf("quote below tier: %v", err)
	}
	if quotes[0].Source != domain.PriceSourceBase || !quotes[0].UnitPrice.Equal(decimal.NewFromInt(85000)) {
		t.Fatalf("expected base price below the tier, got %s from %s", quotes[0].UnitPrice, quotes[0].Source)
	}

	order := createOrder(t, svc, "BTK-SHP-250", 12, "idem-volume")
	item := order.Items[0]
	if item.PriceSource != domain.PriceSourceVolumeTier {
		t.Fatalf("expected volume_tier source, got %s", item.PriceSource)
	}
	if !item.UnitPrice.Equal(fixed) {
		t.Fatalf("expected unit price 80000, got %s", item.UnitPrice)
	}
	if !order.Subtotal.Equal(decimal.NewFromInt(960000)) {
		t.Fatalf("expected subtotal 960000, got %s", order.Subtotal)
	}
}

func TestCustomerPriceRuleBeatsVolumeTier(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	tierPrice := decimal.NewFromInt(80000)
	if _, err := svc.CreateVolumeTier(ctx, domain.VolumeTier{
		SKU: "BTK-SHP-250", MinQty: 12, FixedPrice: &tierPrice,
	}); err != nil {
		t.Fatalf("create volume tier: %v", err)
	}
	negotiated := decimal.NewFromInt(78000)
	if _, err := svc.CreateCustomerPriceRule(ctx, domain.CustomerPriceRule{
		CustomerID: testCustomer,
		Scope:      domain.ProductScope("BTK-SHP-250"),
		FixedPrice: &negotiated,
	}); err != nil {
		t.Fatalf("create price rule: %v", err)
	}

	quotes, err := svc.QuotePrices(ctx, testCustomer, []domain.OrderLineRequest{
		{SKU: "BTK-SHP-250", Qty: 12},
	})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if quotes[0].Source != domain.PriceSourceCustomerList {
		t.Fatalf("expected the negotiated price to win, got %s", quotes[0].Source)
	}
	if !quotes[0].UnitPrice.Equal(negotiated) {
		t.Fatalf("expected 78000, got %s", quotes[0].UnitPrice)
	}
}

func TestPercentageDiscountCappedAtMax(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	maxAmount := decimal.NewFromInt(50000)
	if _, err := svc.CreateDiscountRule(ctx, domain.DiscountRule{
		Name:              "Ten percent capped",
		Type:              domain.DiscountPercentage,
		Scope:             domain.GlobalScope(),
		Percent:           decimal.NewFromInt(10),
		MaxDiscountAmount: &maxAmount,
	}); err != nil {
		t.Fatalf("create discount rule: %v", err)
	}

	order := createOrder(t, svc, "BTK-SHP-250", 12, "idem-capped")
	// 10% of 1020000 would be 102000; the cap holds it at 50000.
	if !order.DiscountTotal.Equal(maxAmount) {
		t.Fatalf("expected discount capped at 50000, got %s", order.DiscountTotal)
	}
	if !order.Total.Equal(decimal.NewFromInt(970000)) {
		t.Fatalf("expected total 970000, got %s", order.Total)
	}
	if len(order.Discounts) != 1 {
		t.Fatalf("expected 1 discount application, got %d", len(order.Discounts))
	}
}

func TestNonStackableDiscountBlocksLater(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.CreateDiscountRule(ctx, domain.DiscountRule{
		Name:     "Season ten percent",
		Type:     domain.DiscountPercentage,
		Scope:    domain.GlobalScope(),
		Percent:  decimal.NewFromInt(10),
		Priority: 10,
	}); err != nil {
		t.Fatalf("create rule A: %v", err)
	}
	if _, err := svc.CreateDiscountRule(ctx, domain.DiscountRule{
		Name:     "Flat twenty thousand",
		Type:     domain.DiscountFixedAmount,
		Scope:    domain.GlobalScope(),
		Amount:   decimal.NewFromInt(20000),
		Priority: 5,
	}); err != nil {
		t.Fatalf("create rule B: %v", err)
	}
	if _, err := svc.CreateDiscountRule(ctx, domain.DiscountRule{
		Name:      "Loyal extra",
		Type:      domain.DiscountFixedAmount,
		Scope:     domain.GlobalScope(),
		Amount:    decimal.NewFromInt(10000),
		Stackable: true,
		Priority:  1,
	}); err != nil {
		t.Fatalf("create rule C: %v", err)
	}

	order := createOrder(t, svc, "BTK-SHP-250", 12, "idem-stacking")
	// The 10% rule fires first and blocks the second non-stackable rule;
	// the stackable one still accumulates: 102000 + 10000.
	if !order.DiscountTotal.Equal(decimal.NewFromInt(112000)) {
		t.Fatalf("expected discount 112000, got %s", order.DiscountTotal)
	}
	if len(order.Discounts) != 2 {
		t.Fatalf("expected 2 applications, got %d", len(order.Discounts))
	}
	if order.Discounts[0].RuleName != "Season ten percent" || order.Discounts[1].RuleName != "Loyal extra" {
		t.Fatalf("unexpected application order: %s, %s", order.Discounts[0].RuleName, order.Discounts[1].RuleName)
	}
}

func TestDiscountUsageLimitExhausts(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.CreateDiscountRule(ctx, domain.DiscountRule{
		Name:       "One shot five percent",
		Type:       domain.DiscountPercentage,
		Scope:      domain.GlobalScope(),
		Percent:    decimal.NewFromInt(5),
		UsageLimit: 1,
	}); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	first := createOrder(t, svc, "BTK-SHP-250", 6, "idem-usage-1")
	if first.DiscountTotal.Sign() <= 0 {
		t.Fatalf("expected the first order to get the discount")
	}
	second := createOrder(t, svc, "BTK-SHP-250", 6, "idem-usage-2")
	if second.DiscountTotal.Sign() != 0 {
		t.Fatalf("expected the exhausted rule to stop firing, got %s", second.DiscountTotal)
	}
}

func TestReturnLifecycleSettlesOnce(t *testing.T) {
	svc, repo := newTestService()
	ctx := WithActor(context.Background(), domain.Actor{ID: "ops-rina", Role: "ops"})

	delivered := deliverOrder(t, svc, "LVA-BLC-500", 2, "idem-return")
	if delivered.PointsEarned != 42 {
		t.Fatalf("expected 42 points earned, got %d", delivered.PointsEarned)
	}

	ret, err := svc.RequestReturn(ctx, domain.RequestReturnRequest{
		OrderID: delivered.ID,
		Reason:  "one tub arrived dented",
		Items:   []domain.ReturnLineRequest{{SKU: "LVA-BLC-500", Qty: 1, Restock: true}},
	})
	if err != nil {
		t.Fatalf("request return: %v", err)
	}
	if ret.Status != domain.ReturnStatusRequested {
		t.Fatalf("expected requested, got %s", ret.Status)
	}

	// A second request for more than what is left to return must fail.
	if _, err := svc.RequestReturn(ctx, domain.RequestReturnRequest{
		OrderID: delivered.ID,
		Items:   []domain.ReturnLineRequest{{SKU: "LVA-BLC-500", Qty: 2, Restock: true}},
	}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected over-return rejection, got %v", err)
	}

	ret, err = svc.ApproveReturn(ctx, ret.ID, nil)
	if err != nil {
		t.Fatalf("approve return: %v", err)
	}
	if ret.ApprovedBy != "ops-rina" {
		t.Fatalf("expected approver ops-rina, got %s", ret.ApprovedBy)
	}

	ret, err = svc.MarkReturnReceived(ctx, ret.ID, []domain.ReturnReceiptLine{
		{SKU: "LVA-BLC-500", Qty: 1, Condition: domain.ReturnConditionUnopened},
	})
	if err != nil {
		t.Fatalf("mark received: %v", err)
	}
	if ret.Status != domain.ReturnStatusInspected {
		t.Fatalf("expected inspected once conditions are set, got %s", ret.Status)
	}

	settled, err := svc.CompleteReturn(ctx, ret.ID)
	if err != nil {
		t.Fatalf("complete return: %v", err)
	}
	if settled.Status != domain.ReturnStatusCompleted {
		t.Fatalf("expected completed, got %s", settled.Status)
	}
	if !settled.ReturnValue.Equal(decimal.NewFromInt(210000)) {
		t.Fatalf("expected return value 210000, got %s", settled.ReturnValue)
	}
	if !settled.RefundAmount.Equal(decimal.NewFromInt(210000)) {
		t.Fatalf("expected refund 210000 with no restocking fee, got %s", settled.RefundAmount)
	}

	customer, err := repo.GetCustomer(ctx, testCustomer)
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	// Half of the order value came back, so half of the 42 points go.
	if customer.Points != 21 {
		t.Fatalf("expected 21 points after reversal, got %d", customer.Points)
	}

	stock, err := svc.CheckStock(ctx, []string{"LVA-BLC-500"})
	if err != nil {
		t.Fatalf("check stock: %v", err)
	}
	if stock["LVA-BLC-500"] != 47 {
		t.Fatalf("expected restock to 47, got %d", stock["LVA-BLC-500"])
	}

	// Completing again returns the settled record and repeats nothing.
	again, err := svc.CompleteReturn(ctx, ret.ID)
	if err != nil {
		t.Fatalf("re-complete return: %v", err)
	}
	if !again.CompletedAt.Equal(*settled.CompletedAt) {
		t.Fatalf("re-completion rewrote the record")
	}
	customer, _ = repo.GetCustomer(ctx, testCustomer)
	if customer.Points != 21 {
		t.Fatalf("re-completion reversed points again: %d", customer.Points)
	}
	stock, _ = svc.CheckStock(ctx, []string{"LVA-BLC-500"})
	if stock["LVA-BLC-500"] != 47 {
		t.Fatalf("re-completion restocked again: %d", stock["LVA-BLC-500"])
	}
}

func TestReturnRefundUsesApprovedQuantity(t *testing.T) {
	svc, repo := newTestService()
	ctx := WithActor(context.Background(), domain.Actor{ID: "ops-rina", Role: "ops"})

	delivered := deliverOrder(t, svc, "LVA-BLC-500", 3, "idem-partial-receipt")
	if delivered.PointsEarned != 63 {
		t.Fatalf("expected 63 points earned, got %d", delivered.PointsEarned)
	}

	ret, err := svc.RequestReturn(ctx, domain.RequestReturnRequest{
		OrderID: delivered.ID,
		Reason:  "two tubs unused after colour line swap",
		Items:   []domain.ReturnLineRequest{{SKU: "LVA-BLC-500", Qty: 2, Restock: true}},
	})
	if err != nil {
		t.Fatalf("request return: %v", err)
	}
	if _, err := svc.ApproveReturn(ctx, ret.ID, nil); err != nil {
		t.Fatalf("approve return: %v", err)
	}

	// Only one of the two approved tubs makes it back to the warehouse.
	ret, err = svc.MarkReturnReceived(ctx, ret.ID, []domain.ReturnReceiptLine{
		{SKU: "LVA-BLC-500", Qty: 1, Condition: domain.ReturnConditionUnopened},
	})
	if err != nil {
		t.Fatalf("mark received: %v", err)
	}

	settled, err := svc.CompleteReturn(ctx, ret.ID)
	if err != nil {
		t.Fatalf("complete return: %v", err)
	}
	// The refund is owed on the approved quantity, not the received one.
	if !settled.ReturnValue.Equal(decimal.NewFromInt(420000)) {
		t.Fatalf("expected return value 420000 for 2 approved tubs, got %s", settled.ReturnValue)
	}
	if !settled.RefundAmount.Equal(decimal.NewFromInt(420000)) {
		t.Fatalf("expected refund 420000, got %s", settled.RefundAmount)
	}

	// Points reverse on the refunded share: 63 * 420000/630000 = 42.
	customer, err := repo.GetCustomer(ctx, testCustomer)
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if customer.Points != 21 {
		t.Fatalf("expected 21 points after reversal, got %d", customer.Points)
	}

	// Restock still follows the physically received unit.
	stock, err := svc.CheckStock(ctx, []string{"LVA-BLC-500"})
	if err != nil {
		t.Fatalf("check stock: %v", err)
	}
	if stock["LVA-BLC-500"] != 46 {
		t.Fatalf("expected stock 46 after restocking one tub, got %d", stock["LVA-BLC-500"])
	}
}

func TestReturnWindowClosed(t *testing.T) {
	repo := memory.NewSeeded()
	svc := New(repo, nil, nil, nil, Options{ReturnWindow: time.Nanosecond})

	delivered := deliverOrder(t, svc, "LVA-BLC-500", 2, "idem-window")
	_, err := svc.RequestReturn(context.Background(), domain.RequestReturnRequest{
		OrderID: delivered.ID,
		Items:   []domain.ReturnLineRequest{{SKU: "LVA-BLC-500", Qty: 1}},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected window-closed rejection, got %v", err)
	}
}

func TestRejectedReturnFreesQuota(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	delivered := deliverOrder(t, svc, "LVA-BLC-500", 2, "idem-reject")
	ret, err := svc.RequestReturn(ctx, domain.RequestReturnRequest{
		OrderID: delivered.ID,
		Items:   []domain.ReturnLineRequest{{SKU: "LVA-BLC-500", Qty: 2}},
	})
	if err != nil {
		t.Fatalf("request return: %v", err)
	}

	rejected, err := svc.RejectReturn(ctx, ret.ID, "outside policy")
	if err != nil {
		t.Fatalf("reject return: %v", err)
	}
	if rejected.Status != domain.ReturnStatusRejected || rejected.RejectedReason != "outside policy" {
		t.Fatalf("unexpected rejection state %s/%q", rejected.Status, rejected.RejectedReason)
	}

	// The rejected quantities no longer count against the order.
	if _, err := svc.RequestReturn(ctx, domain.RequestReturnRequest{
		OrderID: delivered.ID,
		Items:   []domain.ReturnLineRequest{{SKU: "LVA-BLC-500", Qty: 2}},
	}); err != nil {
		t.Fatalf("re-request after rejection: %v", err)
	}
}

func TestReturnRequiresDeliveredOrder(t *testing.T) {
	svc, _ := newTestService()

	order := createOrder(t, svc, "LVA-BLC-500", 2, "idem-return-early")
	_, err := svc.RequestReturn(context.Background(), domain.RequestReturnRequest{
		OrderID: order.ID,
		Items:   []domain.ReturnLineRequest{{SKU: "LVA-BLC-500", Qty: 1}},
	})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition before delivery, got %v", err)
	}
}

func TestExpirySweepRemovesExpiredStock(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.ReceiveBatch(ctx, domain.ReceiveBatchRequest{
		SKU:         "LVA-DEV-1L",
		BatchNumber: "L2399",
		SupplierID:  "sup-lavena",
		Qty:         60,
		ExpiresAt:   "2023-01-01",
	}); err != nil {
		t.Fatalf("receive batch: %v", err)
	}

	stock, err := svc.CheckStock(ctx, []string{"LVA-DEV-1L"})
	if err != nil {
		t.Fatalf("check stock: %v", err)
	}
	if stock["LVA-DEV-1L"] != 180 {
		t.Fatalf("expected 180 before the sweep, got %d", stock["LVA-DEV-1L"])
	}

	// Allocation never touches expired units even before the sweep flags
	// catch up with the counter.
	if _, err := svc.AllocateStock(ctx, "LVA-DEV-1L", 160); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected allocation to skip expired stock, got %v", err)
	}

	changed, err := svc.RefreshExpiryFlags(ctx)
	if err != nil {
		t.Fatalf("refresh expiry flags: %v", err)
	}
	if changed < 1 {
		t.Fatalf("expected the sweep to flag the expired batch")
	}
	stock, _ = svc.CheckStock(ctx, []string{"LVA-DEV-1L"})
	if stock["LVA-DEV-1L"] != 120 {
		t.Fatalf("expected 120 after the sweep, got %d", stock["LVA-DEV-1L"])
	}
}

func TestRecordDamageBoundedByAvailability(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.RecordDamage(ctx, "batch-srm100-a", 200, "flood"); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected damage beyond availability to fail, got %v", err)
	}

	batch, err := svc.RecordDamage(ctx, "batch-srm100-a", 10, "crushed carton")
	if err != nil {
		t.Fatalf("record damage: %v", err)
	}
	if batch.QtyAvailable != 80 || batch.QtyDamaged != 10 {
		t.Fatalf("unexpected counters after damage: available %d damaged %d", batch.QtyAvailable, batch.QtyDamaged)
	}

	stock, err := svc.CheckStock(ctx, []string{"BTK-SRM-100"})
	if err != nil {
		t.Fatalf("check stock: %v", err)
	}
	if stock["BTK-SRM-100"] != 80 {
		t.Fatalf("expected stock 80 after damage, got %d", stock["BTK-SRM-100"])
	}
}

func TestAuditTrailDedupesRetries(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	order := createOrder(t, svc, "BTK-SHP-250", 6, "idem-audit")
	createOrder(t, svc, "BTK-SHP-250", 6, "idem-audit")
	if _, _, err := svc.RecordPayment(ctx, domain.RecordPaymentRequest{
		OrderID: order.ID, Amount: order.Total, Method: "transfer", Reference: "TRF-AUDIT",
	}); err != nil {
		t.Fatalf("payment: %v", err)
	}
	if _, _, err := svc.RecordPayment(ctx, domain.RecordPaymentRequest{
		OrderID: order.ID, Amount: order.Total, Method: "transfer", Reference: "TRF-AUDIT",
	}); err != nil {
		t.Fatalf("payment retry: %v", err)
	}

	events, err := svc.ListAuditEvents(ctx, "order", order.ID, 50)
	if err != nil {
		t.Fatalf("list audit events: %v", err)
	}
	creates, payments := 0, 0
	for _, event := range events {
		switch event.Action {
		case "order_create":
			creates++
		case "payment_record":
			payments++
		}
	}
	if creates != 1 {
		t.Fatalf("expected 1 order_create event, got %d", creates)
	}
	if payments != 1 {
		t.Fatalf("expected 1 payment_record event, got %d", payments)
	}
}
