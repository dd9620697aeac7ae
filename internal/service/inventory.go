package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"beautika/backend/internal/domain"
	"beautika/backend/internal/store"
)

// CheckStock reports available stock for the requested SKUs. Unknown or
// inactive SKUs come back as zero.
func (s *Service) CheckStock(ctx context.Context, skus []string) (map[string]int, error) {
	normalized := make([]string, 0, len(skus))
	for _, sku := range skus {
		if sku = strings.ToUpper(strings.TrimSpace(sku)); sku != "" {
			normalized = append(normalized, sku)
		}
	}
	products, err := s.repo.GetProductsBySKUs(ctx, normalized)
	if err != nil {
		return nil, err
	}
	result := make(map[string]int, len(normalized))
	for _, sku := range normalized {
		result[sku] = products[sku].Stock
	}
	return result, nil
}

func (s *Service) ReceiveBatch(ctx context.Context, req domain.ReceiveBatchRequest) (*domain.Batch, error) {
	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	if req.SKU == "" || req.Qty < 1 {
		return nil, store.ErrValidation
	}

	var expiresAt *time.Time
	if strings.TrimSpace(req.ExpiresAt) != "" {
		parsed, err := time.Parse("2006-01-02", req.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("%w: expires_at must be YYYY-MM-DD", store.ErrValidation)
		}
		expiresAt = &parsed
	}

	batch, err := s.repo.CreateBatch(ctx, domain.Batch{
		SKU:         req.SKU,
		BatchNumber: strings.TrimSpace(req.BatchNumber),
		SupplierID:  strings.TrimSpace(req.SupplierID),
		WarehouseID: req.WarehouseID,
		QtyReceived: req.Qty,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, "batch_receive", "batch", batch.ID, map[string]any{
		"sku":        batch.SKU,
		"qty":        batch.QtyReceived,
		"expires_at": req.ExpiresAt,
	}, "")
	return batch, nil
}

func (s *Service) ListBatches(ctx context.Context, sku string, includeInactive bool, limit int) ([]domain.Batch, error) {
	return s.repo.ListBatches(ctx, strings.ToUpper(strings.TrimSpace(sku)), includeInactive, limit)
}

// AllocateStock consumes stock first-expired-first outside of order
// creation, for manual reservations.
func (s *Service) AllocateStock(ctx context.Context, sku string, qty int) ([]domain.BatchAllocation, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" || qty < 1 {
		return nil, store.ErrValidation
	}
	allocations, err := s.repo.AllocateBatches(ctx, sku, qty)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "stock_allocate", "product", sku, map[string]any{
		"qty":     qty,
		"batches": len(allocations),
	}, "")
	return allocations, nil
}

func (s *Service) ReleaseStock(ctx context.Context, sku string, allocations []domain.BatchAllocation) error {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" || len(allocations) == 0 {
		return store.ErrValidation
	}
	if err := s.repo.ReleaseAllocations(ctx, sku, allocations); err != nil {
		return err
	}
	s.logAudit(ctx, "stock_release", "product", sku, map[string]any{
		"batches": len(allocations),
	}, "")
	return nil
}

func (s *Service) RecordDamage(ctx context.Context, batchID string, qty int, reason string) (*domain.Batch, error) {
	if batchID == "" || qty < 1 {
		return nil, store.ErrValidation
	}
	batch, err := s.repo.RecordBatchDamage(ctx, batchID, qty, reason)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "batch_damage", "batch", batch.ID, map[string]any{
		"sku":    batch.SKU,
		"qty":    qty,
		"reason": reason,
	}, "")
	return batch, nil
}

// SyncProductStock reconciles the denormalized product counter against
// the batch table and returns the corrected value.
func (s *Service) SyncProductStock(ctx context.Context, sku string) (int, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" {
		return 0, store.ErrValidation
	}
	return s.repo.SyncProductStock(ctx, sku)
}

// RefreshExpiryFlags runs the expiry sweep: recompute expired and
// near-expiry flags across all batches.
func (s *Service) RefreshExpiryFlags(ctx context.Context) (int, error) {
	changed, err := s.repo.RefreshExpiryFlags(ctx, time.Now().UTC(), s.opts.NearExpiryWindow)
	if err != nil {
		return 0, err
	}
	if changed > 0 {
		s.logAudit(ctx, "expiry_sweep", "batch", "all", map[string]any{
			"changed": changed,
		}, "")
	}
	return changed, nil
}
