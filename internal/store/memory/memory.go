package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"beautika/backend/internal/domain"
	"beautika/backend/internal/store"
	"beautika/backend/internal/xid"
)

// Store is a mutex-guarded Repository used by tests and dev mode. The
// store mutex stands in for the row locks the postgres implementation
// takes; every write method holds it for the whole operation.
type Store struct {
	mu               sync.RWMutex
	products         map[string]domain.Product
	batchesByID      map[string]*domain.Batch
	priceRulesByID   map[string]domain.CustomerPriceRule
	volumeTiersByID  map[string]domain.VolumeTier
	loyaltyTiersByID map[string]domain.LoyaltyTier
	discountsByID    map[string]domain.DiscountRule
	customersByID    map[string]domain.Customer
	pointTxByID      map[string]domain.PointTransaction
	pointTxByIdem    map[string]string
	loyaltyPeriods   map[string]domain.LoyaltyPeriod
	ordersByID       map[string]*domain.Order
	ordersByIdem     map[string]string
	paymentsByID     map[string]domain.PaymentLogEntry
	paymentsByIdem   map[string]string
	cancellations    map[string]domain.OrderCancellation
	returnsByID      map[string]*domain.OrderReturn
	auditEvents      []domain.AuditEvent
	auditIdem        map[string]struct{}
}

func New() *Store {
	return &Store{
		products:         make(map[string]domain.Product),
		batchesByID:      make(map[string]*domain.Batch),
		priceRulesByID:   make(map[string]domain.CustomerPriceRule),
		volumeTiersByID:  make(map[string]domain.VolumeTier),
		loyaltyTiersByID: make(map[string]domain.LoyaltyTier),
		discountsByID:    make(map[string]domain.DiscountRule),
		customersByID:    make(map[string]domain.Customer),
		pointTxByID:      make(map[string]domain.PointTransaction),
		pointTxByIdem:    make(map[string]string),
		loyaltyPeriods:   make(map[string]domain.LoyaltyPeriod),
		ordersByID:       make(map[string]*domain.Order),
		ordersByIdem:     make(map[string]string),
		paymentsByID:     make(map[string]domain.PaymentLogEntry),
		paymentsByIdem:   make(map[string]string),
		cancellations:    make(map[string]domain.OrderCancellation),
		returnsByID:      make(map[string]*domain.OrderReturn),
		auditEvents:      make([]domain.AuditEvent, 0, 128),
		auditIdem:        make(map[string]struct{}),
	}
}

// NewSeeded returns a store preloaded with a small hair-care catalog,
// loyalty tiers and a demo wholesale customer for dev/demo mode.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	products := []domain.Product{
		{SKU: "BTK-SHP-250", Name: "Smoothing Shampoo 250ml", Brand: "Beautika", Category: "shampoo", BasePrice: decimal.NewFromInt(85000), MinOrderQty: 6, OrderIncrement: 6, Active: true},
		{SKU: "BTK-SHP-1L", Name: "Smoothing Shampoo 1L Salon", Brand: "Beautika", Category: "shampoo", BasePrice: decimal.NewFromInt(240000), MinOrderQty: 1, OrderIncrement: 1, Active: true},
		{SKU: "BTK-CND-250", Name: "Repair Conditioner 250ml", Brand: "Beautika", Category: "conditioner", BasePrice: decimal.NewFromInt(92000), MinOrderQty: 6, OrderIncrement: 6, Active: true},
		{SKU: "BTK-MSK-500", Name: "Keratin Hair Mask 500ml", Brand: "Beautika", Category: "treatment", BasePrice: decimal.NewFromInt(175000), MinOrderQty: 2, OrderIncrement: 2, Active: true},
		{SKU: "BTK-SRM-100", Name: "Argan Hair Serum 100ml", Brand: "Beautika", Category: "treatment", BasePrice: decimal.NewFromInt(135000), MinOrderQty: 3, OrderIncrement: 3, Active: true},
		{SKU: "LVA-CLR-90", Name: "Permanent Color 6.1 90ml", Brand: "Lavena", Category: "color", BasePrice: decimal.NewFromInt(68000), MinOrderQty: 12, OrderIncrement: 12, Active: true},
		{SKU: "LVA-DEV-1L", Name: "Developer 20vol 1L", Brand: "Lavena", Category: "color", BasePrice: decimal.NewFromInt(95000), MinOrderQty: 4, OrderIncrement: 4, Active: true},
		{SKU: "LVA-BLC-500", Name: "Bleaching Powder 500g", Brand: "Lavena", Category: "color", BasePrice: decimal.NewFromInt(210000), MinOrderQty: 2, OrderIncrement: 1, Active: true},
	}
	for _, p := range products {
		s.products[p.SKU] = p
	}

	tiers := []domain.LoyaltyTier{
		{ID: "tier-silver", Name: "Silver", MinSpend: decimal.Zero, DiscountPercent: decimal.Zero, PointsMultiplier: decimal.NewFromInt(1), CreatedAt: now},
		{ID: "tier-gold", Name: "Gold", MinSpend: decimal.NewFromInt(25000000), DiscountPercent: decimal.NewFromInt(3), PointsMultiplier: decimal.NewFromFloat(1.5), CreatedAt: now},
		{ID: "tier-platinum", Name: "Platinum", MinSpend: decimal.NewFromInt(100000000), DiscountPercent: decimal.NewFromInt(5), PointsMultiplier: decimal.NewFromInt(2), CreatedAt: now},
	}
	for _, t := range tiers {
		s.loyaltyTiersByID[t.ID] = t
	}

	s.customersByID["cust-salon-melati"] = domain.Customer{
		ID:         "cust-salon-melati",
		Name:       "Salon Melati",
		TierID:     "tier-silver",
		Points:     0,
		TotalSpend: decimal.Zero,
		Active:     true,
		CreatedAt:  now,
	}

	expiry := func(days int) *time.Time {
		d := now.AddDate(0, 0, days)
		return &d
	}
	batches := []domain.Batch{
		{ID: "batch-shp250-a", SKU: "BTK-SHP-250", BatchNumber: "B2401", SupplierID: "sup-beautika", QtyReceived: 240, QtyAvailable: 240, ExpiresAt: expiry(120), IsActive: true, ReceivedAt: now.AddDate(0, -2, 0)},
		{ID: "batch-shp250-b", SKU: "BTK-SHP-250", BatchNumber: "B2402", SupplierID: "sup-beautika", QtyReceived: 240, QtyAvailable: 240, ExpiresAt: expiry(300), IsActive: true, ReceivedAt: now.AddDate(0, -1, 0)},
		{ID: "batch-cnd250-a", SKU: "BTK-CND-250", BatchNumber: "B2403", SupplierID: "sup-beautika", QtyReceived: 180, QtyAvailable: 180, ExpiresAt: expiry(200), IsActive: true, ReceivedAt: now.AddDate(0, -1, 0)},
		{ID: "batch-msk500-a", SKU: "BTK-MSK-500", BatchNumber: "B2404", SupplierID: "sup-beautika", QtyReceived: 60, QtyAvailable: 60, ExpiresAt: expiry(90), IsActive: true, ReceivedAt: now.AddDate(0, -3, 0)},
		{ID: "batch-srm100-a", SKU: "BTK-SRM-100", BatchNumber: "B2405", SupplierID: "sup-beautika", QtyReceived: 90, QtyAvailable: 90, ExpiresAt: expiry(400), IsActive: true, ReceivedAt: now},
		{ID: "batch-clr90-a", SKU: "LVA-CLR-90", BatchNumber: "L2401", SupplierID: "sup-lavena", QtyReceived: 360, QtyAvailable: 360, ExpiresAt: expiry(540), IsActive: true, ReceivedAt: now},
		{ID: "batch-dev1l-a", SKU: "LVA-DEV-1L", BatchNumber: "L2402", SupplierID: "sup-lavena", QtyReceived: 120, QtyAvailable: 120, IsActive: true, ReceivedAt: now},
		{ID: "batch-blc500-a", SKU: "LVA-BLC-500", BatchNumber: "L2403", SupplierID: "sup-lavena", QtyReceived: 48, QtyAvailable: 48, ExpiresAt: expiry(700), IsActive: true, ReceivedAt: now},
	}
	for _, b := range batches {
		batch := b
		s.batchesByID[batch.ID] = &batch
	}
	for sku := range s.products {
		s.recalcProductStockLocked(sku)
	}
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active || p.DeletedAt != nil {
			continue
		}
		products = append(products, p)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Brand == b.Brand {
			return cmpString(a.SKU, b.SKU)
		}
		return cmpString(a.Brand, b.Brand)
	})
	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.SKU == "" || product.Name == "" || product.BasePrice.Sign() <= 0 {
		return nil, store.ErrValidation
	}
	if product.MinOrderQty < 1 {
		product.MinOrderQty = 1
	}
	if product.OrderIncrement < 1 {
		product.OrderIncrement = 1
	}
	if _, exists := s.products[product.SKU]; exists {
		return nil, store.ErrValidation
	}
	product.Active = true
	product.Stock = 0
	s.products[product.SKU] = product
	created := product
	return &created, nil
}

func (s *Store) GetProductBySKU(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[sku]
	if !exists || product.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProductsBySKUs(_ context.Context, skus []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(skus))
	for _, sku := range skus {
		if p, ok := s.products[sku]; ok && p.Active && p.DeletedAt == nil {
			result[sku] = p
		}
	}
	return result, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.products[product.SKU]
	if !exists {
		return nil, store.ErrNotFound
	}
	if product.Name == "" || product.BasePrice.Sign() <= 0 {
		return nil, store.ErrValidation
	}
	product.Stock = existing.Stock
	s.products[product.SKU] = product
	updated := product
	return &updated, nil
}

func (s *Store) CreateBatch(_ context.Context, batch domain.Batch) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.SKU == "" || batch.QtyReceived < 1 {
		return nil, store.ErrValidation
	}
	if _, exists := s.products[batch.SKU]; !exists {
		return nil, store.ErrNotFound
	}
	for _, other := range s.batchesByID {
		if other.SKU == batch.SKU && other.BatchNumber == batch.BatchNumber && other.SupplierID == batch.SupplierID && other.DeletedAt == nil {
			return nil, store.ErrValidation
		}
	}
	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}
	if strings.TrimSpace(batch.BatchNumber) == "" {
		batch.BatchNumber = "MANUAL-" + batch.ID
	}
	batch.QtyAvailable = batch.QtyReceived
	batch.QtySold = 0
	batch.QtyDamaged = 0
	batch.IsActive = true
	batch.IsExpired = false

	saved := batch
	s.batchesByID[saved.ID] = &saved
	s.recalcProductStockLocked(saved.SKU)
	created := saved
	return &created, nil
}

func (s *Store) GetBatchByID(_ context.Context, batchID string) (*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, exists := s.batchesByID[batchID]
	if !exists || batch.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	copyBatch := cloneBatch(*batch)
	return &copyBatch, nil
}

func (s *Store) ListBatches(_ context.Context, sku string, includeInactive bool, limit int) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	result := make([]domain.Batch, 0, limit)
	for _, batch := range s.batchesByID {
		if batch.DeletedAt != nil {
			continue
		}
		if sku != "" && batch.SKU != sku {
			continue
		}
		if !includeInactive && !batch.IsActive {
			continue
		}
		result = append(result, cloneBatch(*batch))
	}
	slices.SortFunc(result, compareBatchFEFO)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// AllocateBatches consumes qty units of a product first-expired-first and
// returns the executed plan. Allocation is all-or-nothing.
func (s *Store) AllocateBatches(_ context.Context, sku string, qty int) ([]domain.BatchAllocation, error) {
	if qty < 1 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[sku]; !exists {
		return nil, store.ErrNotFound
	}
	allocations, err := s.allocateLocked(sku, qty, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.recalcProductStockLocked(sku)
	return allocations, nil
}

func (s *Store) allocateLocked(sku string, qty int, now time.Time) ([]domain.BatchAllocation, error) {
	candidates := make([]*domain.Batch, 0, 8)
	available := 0
	for _, batch := range s.batchesByID {
		if batch.SKU != sku || batch.DeletedAt != nil || !batch.IsActive {
			continue
		}
		if batch.ExpiresAt != nil && batch.ExpiresAt.Before(now) {
			continue
		}
		if batch.QtyAvailable < 1 {
			continue
		}
		candidates = append(candidates, batch)
		available += batch.QtyAvailable
	}
	if available < qty {
		return nil, store.ErrInsufficientStock
	}
	slices.SortFunc(candidates, func(a, b *domain.Batch) int {
		return compareBatchFEFO(*a, *b)
	})

	remaining := qty
	allocations := make([]domain.BatchAllocation, 0, len(candidates))
	for _, batch := range candidates {
		if remaining == 0 {
			break
		}
		used := remaining
		if used > batch.QtyAvailable {
			used = batch.QtyAvailable
		}
		batch.QtyAvailable -= used
		batch.QtySold += used
		if batch.QtyAvailable == 0 {
			batch.IsActive = false
		}
		remaining -= used
		allocations = append(allocations, domain.BatchAllocation{
			BatchID:     batch.ID,
			BatchNumber: batch.BatchNumber,
			Qty:         used,
			ExpiresAt:   batch.ExpiresAt,
		})
	}
	return allocations, nil
}

// ReleaseAllocations returns previously consumed units to their batches.
// A line whose batch no longer exists falls back to a bare product stock
// bump, matching orders created before batch tracking.
func (s *Store) ReleaseAllocations(_ context.Context, sku string, allocations []domain.BatchAllocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.products[sku]
	if !exists {
		return store.ErrNotFound
	}
	for _, alloc := range allocations {
		if alloc.Qty < 1 {
			continue
		}
		batch, ok := s.batchesByID[alloc.BatchID]
		if !ok || batch.DeletedAt != nil {
			product.Stock += alloc.Qty
			s.products[sku] = product
			continue
		}
		batch.QtyAvailable += alloc.Qty
		if batch.QtySold >= alloc.Qty {
			batch.QtySold -= alloc.Qty
		} else {
			batch.QtySold = 0
		}
		if !batch.IsExpired && batch.QtyAvailable > 0 {
			batch.IsActive = true
		}
	}
	s.recalcProductStockLocked(sku)
	return nil
}

// RestockReturn puts returned units back into their original batch, or a
// fresh return batch when the original is gone.
func (s *Store) RestockReturn(_ context.Context, sku string, batchID string, qty int) error {
	if qty < 1 {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[sku]; !exists {
		return store.ErrNotFound
	}
	if batch, ok := s.batchesByID[batchID]; ok && batch.DeletedAt == nil && batch.SKU == sku {
		batch.QtyAvailable += qty
		if batch.QtySold >= qty {
			batch.QtySold -= qty
		} else {
			batch.QtySold = 0
		}
		if !batch.IsExpired {
			batch.IsActive = true
		}
	} else {
		id := xid.New("batch")
		now := time.Now().UTC()
		s.batchesByID[id] = &domain.Batch{
			ID:           id,
			SKU:          sku,
			BatchNumber:  "RET-" + id,
			SupplierID:   "returns",
			QtyReceived:  qty,
			QtyAvailable: qty,
			IsActive:     true,
			ReceivedAt:   now,
		}
	}
	s.recalcProductStockLocked(sku)
	return nil
}

func (s *Store) RecordBatchDamage(_ context.Context, batchID string, qty int, _ string) (*domain.Batch, error) {
	if qty < 1 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, exists := s.batchesByID[batchID]
	if !exists || batch.DeletedAt != nil {
		return nil, store.ErrNotFound
	}
	if batch.QtyAvailable < qty {
		return nil, store.ErrInsufficientStock
	}
	batch.QtyAvailable -= qty
	batch.QtyDamaged += qty
	if batch.QtyAvailable == 0 {
		batch.IsActive = false
	}
	s.recalcProductStockLocked(batch.SKU)
	copyBatch := cloneBatch(*batch)
	return &copyBatch, nil
}

// SyncProductStock recomputes the denormalized stock counter from the sum
// of available units across active batches and returns the new value.
func (s *Store) SyncProductStock(_ context.Context, sku string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[sku]; !exists {
		return 0, store.ErrNotFound
	}
	return s.recalcProductStockLocked(sku), nil
}

func (s *Store) recalcProductStockLocked(sku string) int {
	total := 0
	for _, batch := range s.batchesByID {
		if batch.SKU != sku || batch.DeletedAt != nil || !batch.IsActive || batch.IsExpired {
			continue
		}
		total += batch.QtyAvailable
	}
	product := s.products[sku]
	product.Stock = total
	s.products[sku] = product
	return total
}

// RefreshExpiryFlags recomputes is_expired / is_near_expiry / is_active on
// every batch and returns the number of batches whose flags changed.
func (s *Store) RefreshExpiryFlags(_ context.Context, now time.Time, nearExpiryWindow time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	touchedSKUs := make(map[string]struct{})
	horizon := now.Add(nearExpiryWindow)
	for _, batch := range s.batchesByID {
		if batch.DeletedAt != nil {
			continue
		}
		expired := batch.ExpiresAt != nil && batch.ExpiresAt.Before(now)
		nearExpiry := !expired && batch.ExpiresAt != nil && batch.ExpiresAt.Before(horizon)
		active := !expired && batch.QtyAvailable > 0
		if expired != batch.IsExpired || nearExpiry != batch.IsNearExpiry || active != batch.IsActive {
			batch.IsExpired = expired
			batch.IsNearExpiry = nearExpiry
			batch.IsActive = active
			changed++
			touchedSKUs[batch.SKU] = struct{}{}
		}
	}
	for sku := range touchedSKUs {
		s.recalcProductStockLocked(sku)
	}
	return changed, nil
}

func (s *Store) CreateCustomerPriceRule(_ context.Context, rule domain.CustomerPriceRule) (*domain.CustomerPriceRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.CustomerID == "" || !rule.Scope.Valid() || !rule.PriceFieldsValid() {
		return nil, store.ErrValidation
	}
	if _, exists := s.customersByID[rule.CustomerID]; !exists {
		return nil, store.ErrNotFound
	}
	if rule.ID == "" {
		rule.ID = xid.New("cpr")
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	rule.Active = true
	s.priceRulesByID[rule.ID] = rule
	created := rule
	return &created, nil
}

func (s *Store) ListCustomerPriceRules(_ context.Context, customerID string) ([]domain.CustomerPriceRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.CustomerPriceRule, 0, 8)
	for _, rule := range s.priceRulesByID {
		if rule.CustomerID == customerID && rule.Active {
			result = append(result, rule)
		}
	}
	slices.SortFunc(result, func(a, b domain.CustomerPriceRule) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return cmpString(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) CreateVolumeTier(_ context.Context, tier domain.VolumeTier) (*domain.VolumeTier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tier.SKU == "" || tier.MinQty < 1 || !tier.PriceFieldsValid() {
		return nil, store.ErrValidation
	}
	if tier.MaxQty != 0 && tier.MaxQty < tier.MinQty {
		return nil, store.ErrValidation
	}
	if _, exists := s.products[tier.SKU]; !exists {
		return nil, store.ErrNotFound
	}
	for _, other := range s.volumeTiersByID {
		if other.Active && tier.Overlaps(other) {
			return nil, fmt.Errorf("%w: volume tier range overlaps %s", store.ErrValidation, other.ID)
		}
	}
	if tier.ID == "" {
		tier.ID = xid.New("vt")
	}
	if tier.CreatedAt.IsZero() {
		tier.CreatedAt = time.Now().UTC()
	}
	tier.Active = true
	s.volumeTiersByID[tier.ID] = tier
	created := tier
	return &created, nil
}

func (s *Store) ListVolumeTiers(_ context.Context, skus []string) ([]domain.VolumeTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	skuSet := make(map[string]struct{}, len(skus))
	for _, sku := range skus {
		skuSet[sku] = struct{}{}
	}
	result := make([]domain.VolumeTier, 0, 8)
	for _, tier := range s.volumeTiersByID {
		if !tier.Active {
			continue
		}
		if _, ok := skuSet[tier.SKU]; ok || len(skus) == 0 {
			result = append(result, tier)
		}
	}
	slices.SortFunc(result, func(a, b domain.VolumeTier) int {
		if a.SKU == b.SKU {
			return a.MinQty - b.MinQty
		}
		return cmpString(a.SKU, b.SKU)
	})
	return result, nil
}

func (s *Store) CreateLoyaltyTier(_ context.Context, tier domain.LoyaltyTier) (*domain.LoyaltyTier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tier.Name == "" || tier.MinSpend.Sign() < 0 {
		return nil, store.ErrValidation
	}
	if tier.ID == "" {
		tier.ID = xid.New("tier")
	}
	if tier.CreatedAt.IsZero() {
		tier.CreatedAt = time.Now().UTC()
	}
	if tier.PointsMultiplier.Sign() <= 0 {
		tier.PointsMultiplier = decimal.NewFromInt(1)
	}
	s.loyaltyTiersByID[tier.ID] = tier
	created := tier
	return &created, nil
}

func (s *Store) ListLoyaltyTiers(_ context.Context) ([]domain.LoyaltyTier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tiers := make([]domain.LoyaltyTier, 0, len(s.loyaltyTiersByID))
	for _, tier := range s.loyaltyTiersByID {
		tiers = append(tiers, tier)
	}
	slices.SortFunc(tiers, func(a, b domain.LoyaltyTier) int {
		return a.MinSpend.Cmp(b.MinSpend)
	})
	return tiers, nil
}

func (s *Store) CreateDiscountRule(_ context.Context, rule domain.DiscountRule) (*domain.DiscountRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rule.Name == "" || !rule.Scope.Valid() {
		return nil, store.ErrValidation
	}
	switch rule.Type {
	case domain.DiscountPercentage:
		if rule.Percent.Sign() <= 0 || rule.Percent.GreaterThan(decimal.NewFromInt(100)) {
			return nil, store.ErrValidation
		}
	case domain.DiscountFixedAmount:
		if rule.Amount.Sign() <= 0 {
			return nil, store.ErrValidation
		}
	case domain.DiscountBuyXGetY:
		if rule.BuyQty < 1 || rule.GetQty < 1 {
			return nil, store.ErrValidation
		}
	case domain.DiscountFreeItem:
		if rule.FreeSKU == "" || rule.FreeQty < 1 {
			return nil, store.ErrValidation
		}
	case domain.DiscountBundlePrice:
		if rule.BundleQty < 2 || rule.BundlePrice.Sign() <= 0 {
			return nil, store.ErrValidation
		}
	default:
		return nil, store.ErrValidation
	}
	if rule.ID == "" {
		rule.ID = xid.New("disc")
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	rule.UsageCount = 0
	rule.Active = true
	s.discountsByID[rule.ID] = rule
	created := rule
	return &created, nil
}

func (s *Store) ListDiscountRules(_ context.Context, at time.Time) ([]domain.DiscountRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.DiscountRule, 0, len(s.discountsByID))
	for _, rule := range s.discountsByID {
		if !rule.Active {
			continue
		}
		if !domain.InWindow(rule.ValidFrom, rule.ValidUntil, at) {
			continue
		}
		result = append(result, rule)
	}
	slices.SortFunc(result, func(a, b domain.DiscountRule) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return cmpString(a.ID, b.ID)
	})
	return result, nil
}

func (s *Store) UpdateDiscountRuleActive(_ context.Context, ruleID string, active bool) (*domain.DiscountRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, exists := s.discountsByID[ruleID]
	if !exists {
		return nil, store.ErrNotFound
	}
	rule.Active = active
	s.discountsByID[ruleID] = rule
	copyRule := rule
	return &copyRule, nil
}

func (s *Store) IncrementDiscountUsage(_ context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incrementDiscountUsageLocked(ruleID)
}

func (s *Store) incrementDiscountUsageLocked(ruleID string) error {
	rule, exists := s.discountsByID[ruleID]
	if !exists {
		return store.ErrNotFound
	}
	rule.UsageCount++
	s.discountsByID[ruleID] = rule
	return nil
}

func (s *Store) CountDiscountUsageByCustomer(_ context.Context, ruleID string, customerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, order := range s.ordersByID {
		if order.CustomerID != customerID {
			continue
		}
		for _, applied := range order.Discounts {
			if applied.RuleID == ruleID {
				count++
			}
		}
	}
	return count, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if customer.Name == "" {
		return nil, store.ErrValidation
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	if _, exists := s.customersByID[customer.ID]; exists {
		return nil, store.ErrValidation
	}
	customer.Active = true
	s.customersByID[customer.ID] = customer
	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(_ context.Context, customerID string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customersByID[customerID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyCustomer := customer
	return &copyCustomer, nil
}

// AddPoints applies a signed point movement to the customer balance. A
// repeated idempotency key returns the original transaction untouched.
func (s *Store) AddPoints(_ context.Context, customerID string, points int64, txType string, orderID string, idempotencyKey string) (*domain.PointTransaction, error) {
	if points == 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addPointsLocked(customerID, points, txType, orderID, idempotencyKey)
}

func (s *Store) addPointsLocked(customerID string, points int64, txType string, orderID string, idempotencyKey string) (*domain.PointTransaction, error) {
	if idempotencyKey != "" {
		if id, ok := s.pointTxByIdem[idempotencyKey]; ok {
			existing := s.pointTxByID[id]
			return &existing, nil
		}
	}
	customer, exists := s.customersByID[customerID]
	if !exists {
		return nil, store.ErrNotFound
	}
	customer.Points += points
	s.customersByID[customerID] = customer

	entry := domain.PointTransaction{
		ID:             xid.New("pts"),
		CustomerID:     customerID,
		Amount:         points,
		BalanceAfter:   customer.Points,
		Type:           txType,
		OrderID:        orderID,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	s.pointTxByID[entry.ID] = entry
	if idempotencyKey != "" {
		s.pointTxByIdem[idempotencyKey] = entry.ID
	}
	created := entry
	return &created, nil
}

// SpendPoints debits the balance after checking it covers the spend. The
// check happens under the store lock, mirroring the row lock the SQL
// implementation takes.
func (s *Store) SpendPoints(_ context.Context, customerID string, points int64, orderID string, idempotencyKey string) (*domain.PointTransaction, error) {
	if points < 1 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if idempotencyKey != "" {
		if id, ok := s.pointTxByIdem[idempotencyKey]; ok {
			existing := s.pointTxByID[id]
			return &existing, nil
		}
	}
	customer, exists := s.customersByID[customerID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if customer.Points < points {
		return nil, store.ErrInsufficientPoints
	}
	customer.Points -= points
	s.customersByID[customerID] = customer

	entry := domain.PointTransaction{
		ID:             xid.New("pts"),
		CustomerID:     customerID,
		Amount:         -points,
		BalanceAfter:   customer.Points,
		Type:           domain.PointTxSpend,
		OrderID:        orderID,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}
	s.pointTxByID[entry.ID] = entry
	if idempotencyKey != "" {
		s.pointTxByIdem[idempotencyKey] = entry.ID
	}
	created := entry
	return &created, nil
}

func (s *Store) ListPointTransactions(_ context.Context, customerID string, limit int) ([]domain.PointTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PointTransaction, 0, 32)
	for _, entry := range s.pointTxByID {
		if entry.CustomerID == customerID {
			result = append(result, entry)
		}
	}
	slices.SortFunc(result, func(a, b domain.PointTransaction) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// UpdateCustomerTier adds spend to the lifetime total and promotes the
// customer to the highest tier whose threshold the total now clears.
// Returns nil when the tier did not change.
func (s *Store) UpdateCustomerTier(_ context.Context, customerID string, additionalSpend decimal.Decimal) (*domain.LoyaltyTier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, exists := s.customersByID[customerID]
	if !exists {
		return nil, store.ErrNotFound
	}
	customer.TotalSpend = customer.TotalSpend.Add(additionalSpend)

	var best *domain.LoyaltyTier
	for _, tier := range s.loyaltyTiersByID {
		if tier.MinSpend.GreaterThan(customer.TotalSpend) {
			continue
		}
		if best == nil || tier.MinSpend.GreaterThan(best.MinSpend) {
			t := tier
			best = &t
		}
	}

	changed := best != nil && best.ID != customer.TierID
	if changed {
		customer.TierID = best.ID
	}
	s.customersByID[customerID] = customer
	if !changed {
		return nil, nil
	}
	promoted := *best
	return &promoted, nil
}

func (s *Store) AccrueLoyaltyPeriod(_ context.Context, customerID string, year int, quarter int, amount decimal.Decimal) (*domain.LoyaltyPeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.customersByID[customerID]; !exists {
		return nil, store.ErrNotFound
	}
	key := periodKey(customerID, year, quarter)
	period, ok := s.loyaltyPeriods[key]
	if !ok {
		period = domain.LoyaltyPeriod{
			ID:         xid.New("lp"),
			CustomerID: customerID,
			Year:       year,
			Quarter:    quarter,
			Spend:      decimal.Zero,
		}
	}
	period.Spend = period.Spend.Add(amount)
	period.UpdatedAt = time.Now().UTC()
	s.loyaltyPeriods[key] = period
	updated := period
	return &updated, nil
}

func (s *Store) GetLoyaltyPeriod(_ context.Context, customerID string, year int, quarter int) (*domain.LoyaltyPeriod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	period, ok := s.loyaltyPeriods[periodKey(customerID, year, quarter)]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyPeriod := period
	return &copyPeriod, nil
}

// CreateOrder locks prices into item snapshots, consumes batch stock
// first-expired-first, records discount applications and bumps their
// usage counters, all under one lock. A repeated idempotency key returns
// the original order untouched.
func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if order.IdempotencyKey == "" || len(order.Items) == 0 {
		return nil, store.ErrValidation
	}
	if existingID, ok := s.ordersByIdem[order.IdempotencyKey]; ok {
		return cloneOrder(s.ordersByID[existingID]), nil
	}
	if _, exists := s.customersByID[order.CustomerID]; !exists {
		return nil, store.ErrNotFound
	}

	now := time.Now().UTC()
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}

	subtotal := decimal.Zero
	for i := range order.Items {
		item := &order.Items[i]
		if item.Qty < 1 {
			return nil, store.ErrValidation
		}
		product, exists := s.products[item.SKU]
		if !exists || !product.Active || product.DeletedAt != nil {
			return nil, fmt.Errorf("sku %s unavailable", item.SKU)
		}
		allocations, err := s.allocateLocked(item.SKU, item.Qty, now)
		if err != nil {
			return nil, err
		}
		item.Allocations = allocations
		item.Name = product.Name
		if item.PriceLockedAt.IsZero() {
			item.PriceLockedAt = now
		}
		subtotal = subtotal.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Qty))))
		s.recalcProductStockLocked(item.SKU)
	}

	order.Subtotal = subtotal
	if order.DiscountTotal.GreaterThan(subtotal) {
		order.DiscountTotal = subtotal
	}
	order.Total = subtotal.Sub(order.DiscountTotal)
	order.AmountPaid = decimal.Zero
	order.BalanceDue = order.Total
	order.PaymentStatus = domain.PaymentStatusUnpaid
	order.Status = domain.OrderStatusPendingPayment

	for i := range order.Discounts {
		applied := &order.Discounts[i]
		if applied.ID == "" {
			applied.ID = xid.New("odsc")
		}
		applied.OrderID = order.ID
		applied.CreatedAt = now
		if err := s.incrementDiscountUsageLocked(applied.RuleID); err != nil {
			return nil, err
		}
	}

	saved := cloneOrder(&order)
	s.ordersByID[order.ID] = saved
	s.ordersByIdem[order.IdempotencyKey] = order.ID
	return cloneOrder(saved), nil
}

func (s *Store) FindOrderByID(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(order), nil
}

func (s *Store) FindOrderByIdempotency(_ context.Context, key string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orderID, ok := s.ordersByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneOrder(s.ordersByID[orderID]), nil
}

// RecordPayment appends a payment log entry and recomputes the order's
// paid totals. A repeated idempotency key returns the original entry with
// no double count.
func (s *Store) RecordPayment(_ context.Context, entry domain.PaymentLogEntry) (*domain.PaymentLogEntry, *domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[entry.OrderID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if entry.IdempotencyKey == "" {
		return nil, nil, store.ErrValidation
	}
	if existingID, ok := s.paymentsByIdem[entry.IdempotencyKey]; ok {
		existing := s.paymentsByID[existingID]
		return &existing, cloneOrder(order), nil
	}
	if entry.Amount.Sign() <= 0 {
		return nil, nil, store.ErrValidation
	}
	if order.Status == domain.OrderStatusCancelled {
		return nil, nil, store.ErrInvalidTransition
	}
	if entry.ID == "" {
		entry.ID = xid.New("pay")
	}
	if entry.Status == "" {
		entry.Status = domain.PaymentConfirmed
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.paymentsByID[entry.ID] = entry
	s.paymentsByIdem[entry.IdempotencyKey] = entry.ID

	s.recomputePaymentTotalsLocked(order)
	created := entry
	return &created, cloneOrder(order), nil
}

func (s *Store) recomputePaymentTotalsLocked(order *domain.Order) {
	paid := decimal.Zero
	for _, p := range s.paymentsByID {
		if p.OrderID != order.ID || p.DeletedAt != nil || p.Status != domain.PaymentConfirmed {
			continue
		}
		paid = paid.Add(p.Amount)
	}
	order.AmountPaid = paid
	order.BalanceDue = order.Total.Sub(paid)
	if order.BalanceDue.Sign() < 0 {
		order.BalanceDue = decimal.Zero
	}
	switch {
	case paid.Sign() == 0:
		order.PaymentStatus = domain.PaymentStatusUnpaid
	case paid.LessThan(order.Total):
		order.PaymentStatus = domain.PaymentStatusPartiallyPaid
	default:
		order.PaymentStatus = domain.PaymentStatusPaid
	}
	if order.PaymentStatus == domain.PaymentStatusPaid && order.Status == domain.OrderStatusPendingPayment {
		order.Status = domain.OrderStatusProcessing
	}
}

func (s *Store) ListPayments(_ context.Context, orderID string) ([]domain.PaymentLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.PaymentLogEntry, 0, 4)
	for _, p := range s.paymentsByID {
		if p.OrderID == orderID && p.DeletedAt == nil {
			result = append(result, p)
		}
	}
	slices.SortFunc(result, func(a, b domain.PaymentLogEntry) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) MarkOrderShipped(_ context.Context, orderID string, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusProcessing {
		return nil, store.ErrInvalidTransition
	}
	order.Status = domain.OrderStatusShipped
	order.ShippedAt = &at
	return cloneOrder(order), nil
}

func (s *Store) CompleteOrder(_ context.Context, orderID string, pointsEarned int64, at time.Time) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusShipped && order.Status != domain.OrderStatusProcessing {
		return nil, store.ErrInvalidTransition
	}
	order.Status = domain.OrderStatusDelivered
	order.DeliveredAt = &at
	order.PointsEarned = pointsEarned
	return cloneOrder(order), nil
}

// CancelOrder is idempotent: a second cancellation of the same order
// returns the stored cancellation row without touching inventory or
// payments again.
func (s *Store) CancelOrder(_ context.Context, cancellation domain.OrderCancellation) (*domain.OrderCancellation, *domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[cancellation.OrderID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	if existing, ok := s.cancellations[cancellation.OrderID]; ok {
		return &existing, cloneOrder(order), nil
	}
	if !order.CanBeCancelled() {
		return nil, nil, store.ErrInvalidTransition
	}

	now := time.Now().UTC()
	for _, item := range order.Items {
		if len(item.Allocations) == 0 {
			// Legacy line without batch data: plain stock bump.
			product := s.products[item.SKU]
			product.Stock += item.Qty
			s.products[item.SKU] = product
			continue
		}
		for _, alloc := range item.Allocations {
			if batch, ok := s.batchesByID[alloc.BatchID]; ok && batch.DeletedAt == nil {
				batch.QtyAvailable += alloc.Qty
				if batch.QtySold >= alloc.Qty {
					batch.QtySold -= alloc.Qty
				} else {
					batch.QtySold = 0
				}
				if !batch.IsExpired {
					batch.IsActive = true
				}
			} else {
				product := s.products[item.SKU]
				product.Stock += alloc.Qty
				s.products[item.SKU] = product
			}
		}
		s.recalcProductStockLocked(item.SKU)
	}

	for id, p := range s.paymentsByID {
		if p.OrderID != order.ID || p.DeletedAt != nil {
			continue
		}
		if p.Status == domain.PaymentPending || p.Status == domain.PaymentConfirmed {
			p.Status = domain.PaymentCancelled
			s.paymentsByID[id] = p
		}
	}

	if cancellation.ID == "" {
		cancellation.ID = xid.New("cxl")
	}
	if cancellation.CreatedAt.IsZero() {
		cancellation.CreatedAt = now
	}
	order.Status = domain.OrderStatusCancelled
	order.CancelledAt = &now
	s.recomputePaymentTotalsLocked(order)
	s.cancellations[cancellation.OrderID] = cancellation
	created := cancellation
	return &created, cloneOrder(order), nil
}

func (s *Store) CreateReturn(_ context.Context, ret domain.OrderReturn) (*domain.OrderReturn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.ordersByID[ret.OrderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Status != domain.OrderStatusDelivered {
		return nil, store.ErrInvalidTransition
	}
	if len(ret.Items) == 0 {
		return nil, store.ErrValidation
	}

	returned := s.returnedQtyLocked(ret.OrderID)
	orderQty := make(map[string]int, len(order.Items))
	unitPrice := make(map[string]decimal.Decimal, len(order.Items))
	for _, item := range order.Items {
		orderQty[item.SKU] += item.Qty
		unitPrice[item.SKU] = item.UnitPrice
	}
	for i := range ret.Items {
		line := &ret.Items[i]
		if line.QtyRequested < 1 {
			return nil, store.ErrValidation
		}
		if line.QtyRequested > orderQty[line.SKU]-returned[line.SKU] {
			return nil, fmt.Errorf("%w: return qty exceeds delivered qty for %s", store.ErrValidation, line.SKU)
		}
		line.UnitPrice = unitPrice[line.SKU]
	}

	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	if ret.RequestedAt.IsZero() {
		ret.RequestedAt = time.Now().UTC()
	}
	ret.Status = domain.ReturnStatusRequested
	saved := cloneReturn(&ret)
	s.returnsByID[ret.ID] = saved
	return cloneReturn(saved), nil
}

func (s *Store) GetReturnByID(_ context.Context, returnID string) (*domain.OrderReturn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ret, ok := s.returnsByID[returnID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneReturn(ret), nil
}

func (s *Store) GetReturnedQtyByOrder(_ context.Context, orderID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.returnedQtyLocked(orderID), nil
}

func (s *Store) returnedQtyLocked(orderID string) map[string]int {
	result := make(map[string]int)
	for _, ret := range s.returnsByID {
		if ret.OrderID != orderID || ret.Status == domain.ReturnStatusRejected {
			continue
		}
		for _, line := range ret.Items {
			result[line.SKU] += line.QtyRequested
		}
	}
	return result
}

func (s *Store) ApproveReturn(_ context.Context, returnID string, approvedBy string, approvedQty map[string]int, at time.Time) (*domain.OrderReturn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, ok := s.returnsByID[returnID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if ret.Status != domain.ReturnStatusRequested {
		return nil, store.ErrInvalidTransition
	}
	for i := range ret.Items {
		line := &ret.Items[i]
		qty, specified := approvedQty[line.SKU]
		if !specified {
			qty = line.QtyRequested
		}
		if qty < 0 || qty > line.QtyRequested {
			return nil, store.ErrValidation
		}
		line.QtyApproved = qty
	}
	ret.Status = domain.ReturnStatusApproved
	ret.ApprovedBy = approvedBy
	ret.ApprovedAt = &at
	return cloneReturn(ret), nil
}

// MarkReturnReceived records physical receipt. When every received line
// carries an inspection condition the return moves straight to inspected.
func (s *Store) MarkReturnReceived(_ context.Context, returnID string, receipts []domain.ReturnReceiptLine, at time.Time) (*domain.OrderReturn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, ok := s.returnsByID[returnID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if ret.Status != domain.ReturnStatusApproved {
		return nil, store.ErrInvalidTransition
	}
	byShipped := make(map[string]domain.ReturnReceiptLine, len(receipts))
	for _, receipt := range receipts {
		byShipped[receipt.SKU] = receipt
	}
	inspected := true
	for i := range ret.Items {
		line := &ret.Items[i]
		receipt, ok := byShipped[line.SKU]
		if !ok {
			line.QtyReceived = 0
			continue
		}
		qty := receipt.Qty
		if qty > line.QtyApproved {
			qty = line.QtyApproved
		}
		line.QtyReceived = qty
		line.Condition = receipt.Condition
		if qty > 0 && receipt.Condition == "" {
			inspected = false
		}
	}
	ret.ReceivedAt = &at
	if inspected {
		ret.Status = domain.ReturnStatusInspected
	} else {
		ret.Status = domain.ReturnStatusReceived
	}
	return cloneReturn(ret), nil
}

// CompleteReturn settles an inspected return: computes the refund, puts
// restockable units back into their source batches exactly once and
// reverses earned points exactly once. Re-invocation after completion
// returns the stored state unchanged.
func (s *Store) CompleteReturn(_ context.Context, returnID string, restockingFee decimal.Decimal, at time.Time) (*domain.OrderReturn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, ok := s.returnsByID[returnID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if ret.Status == domain.ReturnStatusCompleted {
		return cloneReturn(ret), nil
	}
	if ret.Status != domain.ReturnStatusInspected && ret.Status != domain.ReturnStatusReceived {
		return nil, store.ErrInvalidTransition
	}
	order, ok := s.ordersByID[ret.OrderID]
	if !ok {
		return nil, store.ErrNotFound
	}

	returnValue := decimal.Zero
	for _, line := range ret.Items {
		returnValue = returnValue.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.QtyApproved))))
	}
	if restockingFee.Sign() < 0 {
		restockingFee = decimal.Zero
	}
	refund := returnValue.Sub(restockingFee)
	if refund.Sign() < 0 {
		refund = decimal.Zero
	}
	ret.RestockingFee = restockingFee
	ret.ReturnValue = returnValue
	ret.RefundAmount = refund

	if ret.InventoryRestockedAt == nil {
		allocBySKU := make(map[string][]domain.BatchAllocation, len(order.Items))
		for _, item := range order.Items {
			allocBySKU[item.SKU] = append(allocBySKU[item.SKU], item.Allocations...)
		}
		for _, line := range ret.Items {
			if !line.Restock || line.Condition != domain.ReturnConditionUnopened || line.QtyReceived < 1 {
				continue
			}
			s.restockLineLocked(line.SKU, allocBySKU[line.SKU], line.QtyReceived)
			s.recalcProductStockLocked(line.SKU)
		}
		ret.InventoryRestockedAt = &at
	}

	if ret.LoyaltyReversedAt == nil && order.PointsEarned > 0 && order.Total.Sign() > 0 {
		share := returnValue.Div(order.Total)
		reversal := decimal.NewFromInt(order.PointsEarned).Mul(share).Floor().IntPart()
		if reversal > 0 {
			if _, err := s.addPointsLocked(order.CustomerID, -reversal, domain.PointTxReversal, order.ID, "ret:"+ret.ID+":points"); err != nil {
				return nil, err
			}
		}
		ret.LoyaltyReversedAt = &at
	}

	if refund.Sign() > 0 {
		key := "ret:" + ret.ID + ":refund"
		if _, ok := s.paymentsByIdem[key]; !ok {
			entry := domain.PaymentLogEntry{
				ID:             xid.New("pay"),
				OrderID:        order.ID,
				IdempotencyKey: key,
				Method:         "refund",
				Amount:         refund,
				Status:         domain.PaymentRefunded,
				CreatedAt:      at,
			}
			s.paymentsByID[entry.ID] = entry
			s.paymentsByIdem[key] = entry.ID
		}
	}

	ret.Status = domain.ReturnStatusCompleted
	ret.CompletedAt = &at
	return cloneReturn(ret), nil
}

// restockLineLocked walks the order's original allocations and puts units
// back where they came from, falling back to a return batch when no
// source batch survives.
func (s *Store) restockLineLocked(sku string, allocations []domain.BatchAllocation, qty int) {
	remaining := qty
	for _, alloc := range allocations {
		if remaining == 0 {
			return
		}
		batch, ok := s.batchesByID[alloc.BatchID]
		if !ok || batch.DeletedAt != nil {
			continue
		}
		back := remaining
		if back > alloc.Qty {
			back = alloc.Qty
		}
		batch.QtyAvailable += back
		if batch.QtySold >= back {
			batch.QtySold -= back
		} else {
			batch.QtySold = 0
		}
		if !batch.IsExpired {
			batch.IsActive = true
		}
		remaining -= back
	}
	if remaining > 0 {
		id := xid.New("batch")
		s.batchesByID[id] = &domain.Batch{
			ID:           id,
			SKU:          sku,
			BatchNumber:  "RET-" + id,
			SupplierID:   "returns",
			QtyReceived:  remaining,
			QtyAvailable: remaining,
			IsActive:     true,
			ReceivedAt:   time.Now().UTC(),
		}
	}
}

func (s *Store) RejectReturn(_ context.Context, returnID string, reason string, at time.Time) (*domain.OrderReturn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ret, ok := s.returnsByID[returnID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if ret.Status == domain.ReturnStatusCompleted || ret.Status == domain.ReturnStatusRejected {
		return nil, store.ErrInvalidTransition
	}
	ret.Status = domain.ReturnStatusRejected
	ret.RejectedReason = reason
	ret.CompletedAt = &at
	return cloneReturn(ret), nil
}

// CreateAuditEvent appends a governance record. A repeated idempotency
// key is silently ignored so retried operations do not duplicate their
// trail.
func (s *Store) CreateAuditEvent(_ context.Context, event domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.IdempotencyKey != "" {
		if _, seen := s.auditIdem[event.IdempotencyKey]; seen {
			return nil
		}
		s.auditIdem[event.IdempotencyKey] = struct{}{}
	}
	if event.ID == "" {
		event.ID = xid.New("audit")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.auditEvents = append(s.auditEvents, event)
	return nil
}

func (s *Store) ListAuditEvents(_ context.Context, entityType string, entityID string, limit int) ([]domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditEvent, 0, 64)
	for _, event := range s.auditEvents {
		if entityType != "" && event.EntityType != entityType {
			continue
		}
		if entityID != "" && event.EntityID != entityID {
			continue
		}
		result = append(result, event)
	}
	slices.SortFunc(result, func(a, b domain.AuditEvent) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func periodKey(customerID string, year int, quarter int) string {
	return fmt.Sprintf("%s:%d:%d", customerID, year, quarter)
}

func compareBatchFEFO(a domain.Batch, b domain.Batch) int {
	if a.ExpiresAt == nil && b.ExpiresAt != nil {
		return 1
	}
	if a.ExpiresAt != nil && b.ExpiresAt == nil {
		return -1
	}
	if a.ExpiresAt != nil && b.ExpiresAt != nil {
		if a.ExpiresAt.Before(*b.ExpiresAt) {
			return -1
		}
		if a.ExpiresAt.After(*b.ExpiresAt) {
			return 1
		}
	}
	return cmpString(a.ID, b.ID)
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneBatch(src domain.Batch) domain.Batch {
	dup := src
	if src.ExpiresAt != nil {
		expiry := src.ExpiresAt.UTC()
		dup.ExpiresAt = &expiry
	}
	return dup
}

func cloneOrder(src *domain.Order) *domain.Order {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.OrderItem, len(src.Items))
	copy(items, src.Items)
	for i := range items {
		allocs := make([]domain.BatchAllocation, len(src.Items[i].Allocations))
		copy(allocs, src.Items[i].Allocations)
		items[i].Allocations = allocs
	}
	dup.Items = items
	discounts := make([]domain.OrderDiscount, len(src.Discounts))
	copy(discounts, src.Discounts)
	dup.Discounts = discounts
	return &dup
}

func cloneReturn(src *domain.OrderReturn) *domain.OrderReturn {
	if src == nil {
		return nil
	}
	dup := *src
	items := make([]domain.ReturnItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return &dup
}
