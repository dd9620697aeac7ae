package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"beautika/backend/internal/domain"
	"beautika/backend/internal/store"
)

func TestAllocateBatchesFirstExpiredFirst(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	allocations, err := s.AllocateBatches(ctx, "BTK-SHP-250", 250)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(allocations) != 2 {
		t.Fatalf("expected 2 allocations, got %d", len(allocations))
	}
	if allocations[0].BatchID != "batch-shp250-a" || allocations[0].Qty != 240 {
		t.Fatalf("expected the earlier-expiring batch drained first, got %+v", allocations[0])
	}
	if allocations[1].BatchID != "batch-shp250-b" || allocations[1].Qty != 10 {
		t.Fatalf("expected 10 from the later batch, got %+v", allocations[1])
	}

	drained, err := s.GetBatchByID(ctx, "batch-shp250-a")
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if drained.QtyAvailable != 0 || drained.QtySold != 240 || drained.IsActive {
		t.Fatalf("drained batch in wrong state: %+v", drained)
	}

	product, err := s.GetProductBySKU(ctx, "BTK-SHP-250")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 230 {
		t.Fatalf("expected stock 230, got %d", product.Stock)
	}
}

func TestAllocateBatchesAllOrNothing(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if _, err := s.AllocateBatches(ctx, "BTK-MSK-500", 61); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	// A failed plan must not consume anything.
	product, err := s.GetProductBySKU(ctx, "BTK-MSK-500")
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 60 {
		t.Fatalf("failed allocation consumed stock: %d", product.Stock)
	}
}

func TestAllocateSkipsExpiredBatches(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	past := time.Now().UTC().Add(-24 * time.Hour)
	if _, err := s.CreateBatch(ctx, domain.Batch{
		SKU:         "BTK-MSK-500",
		BatchNumber: "B-OLD",
		SupplierID:  "sup-beautika",
		QtyReceived: 100,
		ExpiresAt:   &past,
	}); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	// 100 expired units are visible on the counter but not sellable.
	if _, err := s.AllocateBatches(ctx, "BTK-MSK-500", 100); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected expired stock to be skipped, got %v", err)
	}
	allocations, err := s.AllocateBatches(ctx, "BTK-MSK-500", 60)
	if err != nil {
		t.Fatalf("allocate live stock: %v", err)
	}
	if len(allocations) != 1 || allocations[0].BatchID != "batch-msk500-a" {
		t.Fatalf("expected the live batch only, got %+v", allocations)
	}
}

func TestReleaseAllocationsRoundTrip(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	allocations, err := s.AllocateBatches(ctx, "BTK-SHP-250", 250)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := s.ReleaseAllocations(ctx, "BTK-SHP-250", allocations); err != nil {
		t.Fatalf("release: %v", err)
	}

	restored, err := s.GetBatchByID(ctx, "batch-shp250-a")
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if restored.QtyAvailable != 240 || restored.QtySold != 0 || !restored.IsActive {
		t.Fatalf("batch not restored: %+v", restored)
	}
	product, _ := s.GetProductBySKU(ctx, "BTK-SHP-250")
	if product.Stock != 480 {
		t.Fatalf("expected stock restored to 480, got %d", product.Stock)
	}
}

func TestRestockReturnFallsBackToReturnBatch(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if err := s.RestockReturn(ctx, "BTK-CND-250", "batch-gone", 6); err != nil {
		t.Fatalf("restock: %v", err)
	}

	batches, err := s.ListBatches(ctx, "BTK-CND-250", true, 50)
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	var returnBatch *domain.Batch
	for i := range batches {
		if batches[i].SupplierID == "returns" {
			returnBatch = &batches[i]
		}
	}
	if returnBatch == nil {
		t.Fatalf("expected a return batch to be created")
	}
	if returnBatch.QtyAvailable != 6 || returnBatch.BatchNumber != "RET-"+returnBatch.ID {
		t.Fatalf("unexpected return batch %+v", returnBatch)
	}
	product, _ := s.GetProductBySKU(ctx, "BTK-CND-250")
	if product.Stock != 186 {
		t.Fatalf("expected stock 186, got %d", product.Stock)
	}
}

func TestCreateBatchRejectsDuplicateIdentity(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	_, err := s.CreateBatch(ctx, domain.Batch{
		SKU:         "BTK-SHP-250",
		BatchNumber: "B2401",
		SupplierID:  "sup-beautika",
		QtyReceived: 10,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected duplicate (sku, batch, supplier) rejection, got %v", err)
	}
}

func TestRefreshExpiryFlagsMarksNearExpiry(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()
	now := time.Now().UTC()

	// A 100-day window catches the mask batch expiring in 90 days.
	changed, err := s.RefreshExpiryFlags(ctx, now, 100*24*time.Hour)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if changed < 1 {
		t.Fatalf("expected at least one flag change")
	}

	batch, err := s.GetBatchByID(ctx, "batch-msk500-a")
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if !batch.IsNearExpiry || batch.IsExpired || !batch.IsActive {
		t.Fatalf("unexpected flags %+v", batch)
	}

	// Running the sweep again with the same inputs is a no-op.
	changed, err = s.RefreshExpiryFlags(ctx, now, 100*24*time.Hour)
	if err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if changed != 0 {
		t.Fatalf("expected a stable second sweep, got %d changes", changed)
	}
}

func TestVolumeTierOverlapRejected(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	price := decimal.NewFromInt(80000)
	if _, err := s.CreateVolumeTier(ctx, domain.VolumeTier{
		SKU: "BTK-SHP-250", MinQty: 10, MaxQty: 20, FixedPrice: &price,
	}); err != nil {
		t.Fatalf("create tier: %v", err)
	}
	_, err := s.CreateVolumeTier(ctx, domain.VolumeTier{
		SKU: "BTK-SHP-250", MinQty: 15, MaxQty: 30, FixedPrice: &price,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected overlap rejection, got %v", err)
	}

	// An adjacent range on the same product is fine, as is any range on
	// another product.
	if _, err := s.CreateVolumeTier(ctx, domain.VolumeTier{
		SKU: "BTK-SHP-250", MinQty: 21, MaxQty: 0, FixedPrice: &price,
	}); err != nil {
		t.Fatalf("adjacent tier rejected: %v", err)
	}
	if _, err := s.CreateVolumeTier(ctx, domain.VolumeTier{
		SKU: "BTK-CND-250", MinQty: 10, MaxQty: 20, FixedPrice: &price,
	}); err != nil {
		t.Fatalf("other-product tier rejected: %v", err)
	}
}

func TestCustomerPriceRuleRequiresExactlyOnePriceField(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	fixed := decimal.NewFromInt(80000)
	percent := decimal.NewFromInt(10)

	_, err := s.CreateCustomerPriceRule(ctx, domain.CustomerPriceRule{
		CustomerID: "cust-salon-melati",
		Scope:      domain.ProductScope("BTK-SHP-250"),
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected rejection with neither field, got %v", err)
	}

	_, err = s.CreateCustomerPriceRule(ctx, domain.CustomerPriceRule{
		CustomerID: "cust-salon-melati",
		Scope:      domain.ProductScope("BTK-SHP-250"),
		FixedPrice: &fixed,
		PercentOff: &percent,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected rejection with both fields, got %v", err)
	}

	if _, err := s.CreateCustomerPriceRule(ctx, domain.CustomerPriceRule{
		CustomerID: "cust-salon-melati",
		Scope:      domain.ProductScope("BTK-SHP-250"),
		FixedPrice: &fixed,
	}); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}
}

func TestAddPointsIdempotentByKey(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	first, err := s.AddPoints(ctx, "cust-salon-melati", 30, domain.PointTxEarn, "", "grant-a")
	if err != nil {
		t.Fatalf("add points: %v", err)
	}
	second, err := s.AddPoints(ctx, "cust-salon-melati", 30, domain.PointTxEarn, "", "grant-a")
	if err != nil {
		t.Fatalf("repeat add: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("repeat minted a new transaction: %s vs %s", first.ID, second.ID)
	}

	customer, err := s.GetCustomer(ctx, "cust-salon-melati")
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if customer.Points != 30 {
		t.Fatalf("expected balance applied once, got %d", customer.Points)
	}
}

func TestSpendPointsChecksBalance(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if _, err := s.SpendPoints(ctx, "cust-salon-melati", 5, "", "spend-a"); !errors.Is(err, store.ErrInsufficientPoints) {
		t.Fatalf("expected insufficient points, got %v", err)
	}

	if _, err := s.AddPoints(ctx, "cust-salon-melati", 20, domain.PointTxEarn, "", "grant-b"); err != nil {
		t.Fatalf("add points: %v", err)
	}
	tx, err := s.SpendPoints(ctx, "cust-salon-melati", 20, "", "spend-b")
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if tx.Amount != -20 || tx.BalanceAfter != 0 {
		t.Fatalf("unexpected spend transaction %+v", tx)
	}
}

func TestUpdateCustomerTierPromotesAtThreshold(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	promoted, err := s.UpdateCustomerTier(ctx, "cust-salon-melati", decimal.NewFromInt(1000000))
	if err != nil {
		t.Fatalf("update tier: %v", err)
	}
	if promoted != nil {
		t.Fatalf("expected no promotion below the gold threshold, got %s", promoted.Name)
	}

	promoted, err = s.UpdateCustomerTier(ctx, "cust-salon-melati", decimal.NewFromInt(24000000))
	if err != nil {
		t.Fatalf("update tier: %v", err)
	}
	if promoted == nil || promoted.ID != "tier-gold" {
		t.Fatalf("expected promotion to gold at 25M lifetime spend, got %+v", promoted)
	}

	customer, _ := s.GetCustomer(ctx, "cust-salon-melati")
	if customer.TierID != "tier-gold" || !customer.TotalSpend.Equal(decimal.NewFromInt(25000000)) {
		t.Fatalf("customer not updated: tier %s spend %s", customer.TierID, customer.TotalSpend)
	}
}

func TestAccrueLoyaltyPeriodAccumulates(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if _, err := s.AccrueLoyaltyPeriod(ctx, "cust-salon-melati", 2026, 3, decimal.NewFromInt(400000)); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	period, err := s.AccrueLoyaltyPeriod(ctx, "cust-salon-melati", 2026, 3, decimal.NewFromInt(600000))
	if err != nil {
		t.Fatalf("accrue again: %v", err)
	}
	if !period.Spend.Equal(decimal.NewFromInt(1000000)) {
		t.Fatalf("expected period spend 1000000, got %s", period.Spend)
	}

	if _, err := s.GetLoyaltyPeriod(ctx, "cust-salon-melati", 2026, 4); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for an untouched quarter, got %v", err)
	}
}

func TestCreateOrderClampsDiscountToSubtotal(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	order, err := s.CreateOrder(ctx, domain.Order{
		CustomerID:     "cust-salon-melati",
		IdempotencyKey: "idem-clamp",
		DiscountTotal:  decimal.NewFromInt(99999999),
		Items: []domain.OrderItem{
			{SKU: "BTK-SHP-250", Qty: 6, UnitPrice: decimal.NewFromInt(85000)},
		},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if !order.DiscountTotal.Equal(order.Subtotal) {
		t.Fatalf("expected discount clamped to subtotal %s, got %s", order.Subtotal, order.DiscountTotal)
	}
	if order.Total.Sign() != 0 {
		t.Fatalf("expected zero total, got %s", order.Total)
	}
}

func TestSyncProductStockMatchesBatchAvailability(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	if _, err := s.AllocateBatches(ctx, "BTK-SHP-250", 250); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := s.RecordBatchDamage(ctx, "batch-shp250-b", 30, "leaking caps"); err != nil {
		t.Fatalf("damage: %v", err)
	}

	// 480 received, 250 sold, 30 written off.
	total, err := s.SyncProductStock(ctx, "BTK-SHP-250")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if total != 200 {
		t.Fatalf("expected reconciled stock 200, got %d", total)
	}
	product, _ := s.GetProductBySKU(ctx, "BTK-SHP-250")
	if product.Stock != total {
		t.Fatalf("counter %d diverges from reconciled %d", product.Stock, total)
	}
}

func TestAuditEventsDedupeAndFilter(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	event := domain.AuditEvent{
		IdempotencyKey: "audit:test:1",
		ActorID:        "ops-rina",
		ActorRole:      "ops",
		Action:         "order_create",
		EntityType:     "order",
		EntityID:       "ord-1",
	}
	for i := 0; i < 2; i++ {
		if err := s.CreateAuditEvent(ctx, event); err != nil {
			t.Fatalf("create audit event %d: %v", i, err)
		}
	}
	if err := s.CreateAuditEvent(ctx, domain.AuditEvent{
		ActorID: "system", ActorRole: "system",
		Action: "batch_receive", EntityType: "batch", EntityID: "batch-1",
	}); err != nil {
		t.Fatalf("create second event: %v", err)
	}

	events, err := s.ListAuditEvents(ctx, "order", "ord-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected dedupe to 1 order event, got %d", len(events))
	}
	all, err := s.ListAuditEvents(ctx, "", "", 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 events total, got %d", len(all))
	}
}
