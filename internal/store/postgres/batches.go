package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"beautika/backend/internal/domain"
	"beautika/backend/internal/store"
	"beautika/backend/internal/xid"
)

func (s *Store) CreateBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error) {
	batch.SKU = strings.ToUpper(strings.TrimSpace(batch.SKU))
	batch.BatchNumber = strings.TrimSpace(batch.BatchNumber)
	batch.SupplierID = strings.TrimSpace(batch.SupplierID)
	if batch.SKU == "" || batch.QtyReceived < 1 {
		return nil, store.ErrValidation
	}
	if batch.ID == "" {
		batch.ID = xid.New("batch")
	}
	if batch.BatchNumber == "" {
		batch.BatchNumber = "MANUAL-" + batch.ID
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}
	batch.QtyAvailable = batch.QtyReceived
	batch.IsActive = true

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM products WHERE sku = $1 AND deleted_at IS NULL)
	`, batch.SKU).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (
			id, sku, batch_number, supplier_id, warehouse_id, qty_received, qty_available,
			qty_sold, qty_damaged, expires_at, is_active, is_near_expiry, is_expired,
			received_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,0,0,$8,true,false,false,$9,now())
	`, batch.ID, batch.SKU, batch.BatchNumber, nullIfEmpty(batch.SupplierID), nullIfEmpty(batch.WarehouseID),
		batch.QtyReceived, batch.QtyAvailable, nullDate(batch.ExpiresAt), batch.ReceivedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now() WHERE sku = $1
	`, batch.SKU, batch.QtyReceived)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := batch
	return &created, nil
}

func (s *Store) GetBatchByID(ctx context.Context, batchID string) (*domain.Batch, error) {
	batch, err := scanBatch(s.db.QueryRowContext(ctx, `
		SELECT id, sku, batch_number, COALESCE(supplier_id,''), COALESCE(warehouse_id,''),
			qty_received, qty_available, qty_sold, qty_damaged, expires_at,
			is_active, is_near_expiry, is_expired, received_at
		FROM batches
		WHERE id = $1 AND deleted_at IS NULL
	`, batchID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return batch, nil
}

func (s *Store) ListBatches(ctx context.Context, sku string, includeInactive bool, limit int) ([]domain.Batch, error) {
	if limit < 1 {
		limit = 200
	}
	sku = strings.ToUpper(strings.TrimSpace(sku))

	query := `
		SELECT id, sku, batch_number, COALESCE(supplier_id,''), COALESCE(warehouse_id,''),
			qty_received, qty_available, qty_sold, qty_damaged, expires_at,
			is_active, is_near_expiry, is_expired, received_at
		FROM batches
		WHERE deleted_at IS NULL AND ($1 = '' OR sku = $1)
	`
	if !includeInactive {
		query += ` AND is_active = true`
	}
	query += `
		ORDER BY expires_at ASC NULLS LAST, id ASC
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, sku, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.Batch, 0, limit)
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *batch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

// AllocateBatches consumes stock first-expired-first. Each decrement is
// conditional on the quantity still being there; when a concurrent
// allocation stole the row the plan is retried once from scratch before
// giving up with ErrAllocationConflict.
func (s *Store) AllocateBatches(ctx context.Context, sku string, qty int) ([]domain.BatchAllocation, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" || qty < 1 {
		return nil, store.ErrValidation
	}

	for attempt := 0; attempt < 2; attempt++ {
		allocations, err := s.allocateOnce(ctx, sku, qty)
		if err == nil {
			return allocations, nil
		}
		if !errors.Is(err, store.ErrAllocationConflict) {
			return nil, err
		}
	}
	return nil, store.ErrAllocationConflict
}

func (s *Store) allocateOnce(ctx context.Context, sku string, qty int) ([]domain.BatchAllocation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	allocations, err := allocateInTx(ctx, tx, sku, qty)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return allocations, nil
}

// allocateInTx runs the FEFO plan inside the caller's transaction so
// order creation can allocate every line atomically.
func allocateInTx(ctx context.Context, tx *sql.Tx, sku string, qty int) ([]domain.BatchAllocation, error) {
	today := dateUTC(time.Now().UTC())

	rows, err := tx.QueryContext(ctx, `
		SELECT id, batch_number, expires_at, qty_available
		FROM batches
		WHERE sku = $1 AND is_active = true AND deleted_at IS NULL AND qty_available > 0
		ORDER BY expires_at ASC NULLS LAST, id ASC
		FOR UPDATE
	`, sku)
	if err != nil {
		return nil, err
	}
	type batchState struct {
		id        string
		number    string
		expiresAt *time.Time
		available int
	}
	batches := make([]batchState, 0, 8)
	for rows.Next() {
		var state batchState
		var expiry sql.NullTime
		if err := rows.Scan(&state.id, &state.number, &expiry, &state.available); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if expiry.Valid {
			e := dateUTC(expiry.Time)
			state.expiresAt = &e
		}
		batches = append(batches, state)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	available := 0
	for _, batch := range batches {
		if batch.expiresAt != nil && batch.expiresAt.Before(today) {
			continue
		}
		available += batch.available
	}
	if available < qty {
		return nil, store.ErrInsufficientStock
	}

	allocations := make([]domain.BatchAllocation, 0, 4)
	remaining := qty
	for _, batch := range batches {
		if remaining == 0 {
			break
		}
		if batch.expiresAt != nil && batch.expiresAt.Before(today) {
			continue
		}
		take := remaining
		if take > batch.available {
			take = batch.available
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE batches
			SET qty_available = qty_available - $1,
				qty_sold = qty_sold + $1,
				is_active = (qty_available - $1 > 0),
				updated_at = now()
			WHERE id = $2 AND qty_available >= $1
		`, take, batch.id)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, store.ErrAllocationConflict
		}

		allocations = append(allocations, domain.BatchAllocation{
			BatchID:     batch.id,
			BatchNumber: batch.number,
			Qty:         take,
			ExpiresAt:   batch.expiresAt,
		})
		remaining -= take
	}
	if remaining > 0 {
		return nil, store.ErrAllocationConflict
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now() WHERE sku = $1
	`, sku, qty)
	if err != nil {
		return nil, err
	}

	return allocations, nil
}

func (s *Store) ReleaseAllocations(ctx context.Context, sku string, allocations []domain.BatchAllocation) error {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" || len(allocations) == 0 {
		return store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := releaseInTx(ctx, tx, sku, allocations); err != nil {
		return err
	}

	return tx.Commit()
}

func releaseInTx(ctx context.Context, tx *sql.Tx, sku string, allocations []domain.BatchAllocation) error {
	total := 0
	for _, alloc := range allocations {
		if alloc.Qty < 1 {
			continue
		}
		total += alloc.Qty

		res, err := tx.ExecContext(ctx, `
			UPDATE batches
			SET qty_available = qty_available + $1,
				qty_sold = GREATEST(qty_sold - $1, 0),
				is_active = true,
				updated_at = now()
			WHERE id = $2 AND deleted_at IS NULL
		`, alloc.Qty, alloc.BatchID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		// Batch gone, fall through to the product counter only.
		_ = affected
	}
	if total == 0 {
		return nil
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now() WHERE sku = $1
	`, sku, total)
	return err
}

// RestockReturn puts returned goods back on the shelf: the original
// batch when it still exists, a dedicated returns batch otherwise.
func (s *Store) RestockReturn(ctx context.Context, sku string, batchID string, qty int) error {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" || qty < 1 {
		return store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	restocked := false
	if batchID != "" {
		res, err := tx.ExecContext(ctx, `
			UPDATE batches
			SET qty_available = qty_available + $1,
				qty_sold = GREATEST(qty_sold - $1, 0),
				is_active = true,
				updated_at = now()
			WHERE id = $2 AND deleted_at IS NULL
		`, qty, batchID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		restocked = affected > 0
	}
	if !restocked {
		id := xid.New("batch")
		_, err = tx.ExecContext(ctx, `
			INSERT INTO batches (
				id, sku, batch_number, supplier_id, warehouse_id, qty_received, qty_available,
				qty_sold, qty_damaged, expires_at, is_active, is_near_expiry, is_expired,
				received_at, updated_at
			)
			VALUES ($1,$2,$3,'returns',NULL,$4,$4,0,0,NULL,true,false,false,now(),now())
		`, id, sku, "RET-"+id, qty)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now() WHERE sku = $1
	`, sku, qty)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) RecordBatchDamage(ctx context.Context, batchID string, qty int, reason string) (*domain.Batch, error) {
	if batchID == "" || qty < 1 {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE batches
		SET qty_available = qty_available - $1,
			qty_damaged = qty_damaged + $1,
			is_active = (qty_available - $1 > 0),
			updated_at = now()
		WHERE id = $2 AND deleted_at IS NULL AND qty_available >= $1
	`, qty, batchID)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrInsufficientStock
	}

	batch, err := scanBatch(tx.QueryRowContext(ctx, `
		SELECT id, sku, batch_number, COALESCE(supplier_id,''), COALESCE(warehouse_id,''),
			qty_received, qty_available, qty_sold, qty_damaged, expires_at,
			is_active, is_near_expiry, is_expired, received_at
		FROM batches
		WHERE id = $1
	`, batchID))
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now() WHERE sku = $1
	`, batch.SKU, qty)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return batch, nil
}

// SyncProductStock reconciles the denormalized product counter with the
// sum of live batch availability and returns the corrected value.
func (s *Store) SyncProductStock(ctx context.Context, sku string) (int, error) {
	sku = strings.ToUpper(strings.TrimSpace(sku))
	if sku == "" {
		return 0, store.ErrValidation
	}

	var synced int
	err := s.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock = (
			SELECT COALESCE(SUM(qty_available), 0)::int
			FROM batches
			WHERE sku = $1 AND is_active = true AND is_expired = false AND deleted_at IS NULL
		), updated_at = now()
		WHERE sku = $1 AND deleted_at IS NULL
		RETURNING stock
	`, sku).Scan(&synced)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return synced, nil
}

func (s *Store) RefreshExpiryFlags(ctx context.Context, now time.Time, nearExpiryWindow time.Duration) (int, error) {
	today := dateUTC(now)
	horizon := dateUTC(now.Add(nearExpiryWindow))

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		UPDATE batches
		SET is_expired = (expires_at IS NOT NULL AND expires_at < $1),
			is_near_expiry = (expires_at IS NOT NULL AND expires_at >= $1 AND expires_at <= $2),
			is_active = (qty_available > 0 AND (expires_at IS NULL OR expires_at >= $1)),
			updated_at = now()
		WHERE deleted_at IS NULL
			AND (
				is_expired <> (expires_at IS NOT NULL AND expires_at < $1)
				OR is_near_expiry <> (expires_at IS NOT NULL AND expires_at >= $1 AND expires_at <= $2)
				OR is_active <> (qty_available > 0 AND (expires_at IS NULL OR expires_at >= $1))
			)
		RETURNING sku
	`, today, horizon)
	if err != nil {
		return 0, err
	}

	changed := 0
	touched := make(map[string]struct{})
	for rows.Next() {
		var sku string
		if err := rows.Scan(&sku); err != nil {
			_ = rows.Close()
			return 0, err
		}
		changed++
		touched[sku] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	for sku := range touched {
		_, err := tx.ExecContext(ctx, `
			UPDATE products
			SET stock = (
				SELECT COALESCE(SUM(qty_available), 0)::int
				FROM batches
				WHERE sku = $1 AND is_active = true AND is_expired = false AND deleted_at IS NULL
			), updated_at = now()
			WHERE sku = $1
		`, sku)
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return changed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*domain.Batch, error) {
	var batch domain.Batch
	var expiry sql.NullTime
	if err := row.Scan(
		&batch.ID,
		&batch.SKU,
		&batch.BatchNumber,
		&batch.SupplierID,
		&batch.WarehouseID,
		&batch.QtyReceived,
		&batch.QtyAvailable,
		&batch.QtySold,
		&batch.QtyDamaged,
		&expiry,
		&batch.IsActive,
		&batch.IsNearExpiry,
		&batch.IsExpired,
		&batch.ReceivedAt,
	); err != nil {
		return nil, err
	}
	batch.ReceivedAt = batch.ReceivedAt.UTC()
	if expiry.Valid {
		e := dateUTC(expiry.Time)
		batch.ExpiresAt = &e
	}
	return &batch, nil
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return dateUTC(*val)
}
