package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"beautika/backend/internal/domain"
	"beautika/backend/internal/store"
	"beautika/backend/internal/xid"
)

// CreateOrder writes the order, its price-locked items and discount
// applications in one serializable transaction, allocating batch stock
// first-expired-first per line. A duplicate idempotency key returns the
// stored order untouched.
func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if order.CustomerID == "" || order.IdempotencyKey == "" || len(order.Items) == 0 {
		return nil, store.ErrValidation
	}

	if existing, err := s.FindOrderByIdempotency(ctx, order.IdempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	subtotal := decimal.Zero
	for i := range order.Items {
		item := &order.Items[i]
		if item.Qty < 1 {
			return nil, store.ErrValidation
		}
		allocations, err := allocateInTx(ctx, tx, item.SKU, item.Qty)
		if err != nil {
			return nil, err
		}
		item.Allocations = allocations
		subtotal = subtotal.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Qty))))
	}

	order.Subtotal = subtotal
	if order.DiscountTotal.GreaterThan(subtotal) {
		order.DiscountTotal = subtotal
	}
	if order.DiscountTotal.Sign() < 0 {
		order.DiscountTotal = decimal.Zero
	}
	order.Total = subtotal.Sub(order.DiscountTotal)
	order.AmountPaid = decimal.Zero
	order.BalanceDue = order.Total
	order.Status = domain.OrderStatusPendingPayment
	order.PaymentStatus = domain.PaymentStatusUnpaid
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, customer_id, warehouse_id, idempotency_key, request_id, status,
			subtotal, discount_total, total, amount_paid, balance_due, payment_status,
			points_earned, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,0,$13)
	`, order.ID, order.CustomerID, nullIfEmpty(order.WarehouseID), order.IdempotencyKey,
		nullIfEmpty(order.RequestID), order.Status, order.Subtotal, order.DiscountTotal,
		order.Total, order.AmountPaid, order.BalanceDue, order.PaymentStatus, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.FindOrderByIdempotency(ctx, order.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	for _, item := range order.Items {
		allocationsJSON, err := json.Marshal(item.Allocations)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_items (
				order_id, sku, name, qty, unit_price, original_unit_price,
				price_source, discount_percent, price_locked_at, batch_allocations
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, order.ID, item.SKU, item.Name, item.Qty, item.UnitPrice, item.OriginalUnitPrice,
			string(item.PriceSource), item.DiscountPercent, item.PriceLockedAt, allocationsJSON)
		if err != nil {
			return nil, err
		}
	}

	for i := range order.Discounts {
		disc := &order.Discounts[i]
		if disc.ID == "" {
			disc.ID = xid.New("odisc")
		}
		disc.OrderID = order.ID
		if disc.CreatedAt.IsZero() {
			disc.CreatedAt = order.CreatedAt
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO order_discounts (
				id, order_id, rule_id, rule_name, original_amount, discount_amount,
				final_amount, calculation, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, disc.ID, disc.OrderID, disc.RuleID, disc.RuleName, disc.OriginalAmount,
			disc.DiscountAmount, disc.FinalAmount, []byte(disc.Calculation), disc.CreatedAt)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE discount_rules SET usage_count = usage_count + 1 WHERE id = $1
		`, disc.RuleID)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := order
	return &created, nil
}

func (s *Store) FindOrderByID(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.findOrder(ctx, "id", orderID)
}

func (s *Store) FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error) {
	return s.findOrder(ctx, "idempotency_key", key)
}

func (s *Store) findOrder(ctx context.Context, column string, value string) (*domain.Order, error) {
	if column != "id" && column != "idempotency_key" {
		return nil, store.ErrValidation
	}

	var order domain.Order
	var shippedAt, deliveredAt, cancelledAt sql.NullTime
	query := `
		SELECT id, customer_id, COALESCE(warehouse_id,''), idempotency_key, COALESCE(request_id,''),
			status, subtotal, discount_total, total, amount_paid, balance_due, payment_status,
			points_earned, created_at, shipped_at, delivered_at, cancelled_at
		FROM orders
		WHERE ` + column + ` = $1`

	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&order.ID,
		&order.CustomerID,
		&order.WarehouseID,
		&order.IdempotencyKey,
		&order.RequestID,
		&order.Status,
		&order.Subtotal,
		&order.DiscountTotal,
		&order.Total,
		&order.AmountPaid,
		&order.BalanceDue,
		&order.PaymentStatus,
		&order.PointsEarned,
		&order.CreatedAt,
		&shippedAt,
		&deliveredAt,
		&cancelledAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	order.CreatedAt = order.CreatedAt.UTC()
	if shippedAt.Valid {
		at := shippedAt.Time.UTC()
		order.ShippedAt = &at
	}
	if deliveredAt.Valid {
		at := deliveredAt.Time.UTC()
		order.DeliveredAt = &at
	}
	if cancelledAt.Valid {
		at := cancelledAt.Time.UTC()
		order.CancelledAt = &at
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, qty, unit_price, original_unit_price, price_source,
			discount_percent, price_locked_at, batch_allocations
		FROM order_items
		WHERE order_id = $1
		ORDER BY id ASC
	`, order.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0, 8)
	for rows.Next() {
		var item domain.OrderItem
		var source string
		var allocationsRaw []byte
		if err := rows.Scan(&item.SKU, &item.Name, &item.Qty, &item.UnitPrice, &item.OriginalUnitPrice,
			&source, &item.DiscountPercent, &item.PriceLockedAt, &allocationsRaw); err != nil {
			return nil, err
		}
		item.PriceSource = domain.PriceSource(source)
		item.PriceLockedAt = item.PriceLockedAt.UTC()
		if len(allocationsRaw) > 0 {
			if err := json.Unmarshal(allocationsRaw, &item.Allocations); err != nil {
				return nil, err
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	order.Items = items

	discountRows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, rule_id, rule_name, original_amount, discount_amount,
			final_amount, calculation, created_at
		FROM order_discounts
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, order.ID)
	if err != nil {
		return nil, err
	}
	defer discountRows.Close()

	discounts := make([]domain.OrderDiscount, 0, 4)
	for discountRows.Next() {
		var disc domain.OrderDiscount
		var calcRaw []byte
		if err := discountRows.Scan(&disc.ID, &disc.OrderID, &disc.RuleID, &disc.RuleName,
			&disc.OriginalAmount, &disc.DiscountAmount, &disc.FinalAmount, &calcRaw, &disc.CreatedAt); err != nil {
			return nil, err
		}
		disc.CreatedAt = disc.CreatedAt.UTC()
		if len(calcRaw) > 0 {
			disc.Calculation = json.RawMessage(calcRaw)
		}
		discounts = append(discounts, disc)
	}
	if err := discountRows.Err(); err != nil {
		return nil, err
	}
	if len(discounts) > 0 {
		order.Discounts = discounts
	}

	return &order, nil
}

// RecordPayment appends one entry to the payment ledger and recomputes
// the order's paid totals from confirmed entries. A duplicate
// idempotency key returns the stored entry and the order as it stands.
func (s *Store) RecordPayment(ctx context.Context, entry domain.PaymentLogEntry) (*domain.PaymentLogEntry, *domain.Order, error) {
	if entry.OrderID == "" || entry.IdempotencyKey == "" || entry.Amount.Sign() <= 0 {
		return nil, nil, store.ErrValidation
	}
	if entry.Status == "" {
		entry.Status = domain.PaymentConfirmed
	}
	if entry.ID == "" {
		entry.ID = xid.New("pay")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var orderStatus string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM orders WHERE id = $1 FOR UPDATE
	`, entry.OrderID).Scan(&orderStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}
	if orderStatus == domain.OrderStatusCancelled {
		return nil, nil, store.ErrInvalidTransition
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payment_log (id, order_id, idempotency_key, reference, method, amount, status, request_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.OrderID, entry.IdempotencyKey, nullIfEmpty(entry.Reference),
		entry.Method, entry.Amount, entry.Status, nullIfEmpty(entry.RequestID), entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, order, lookupErr := s.findPaymentWithOrder(ctx, entry.IdempotencyKey)
			if lookupErr == nil {
				return existing, order, nil
			}
		}
		return nil, nil, err
	}

	order, err := recomputePaymentTotals(ctx, tx, entry.OrderID)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	saved := entry
	return &saved, order, nil
}

// recomputePaymentTotals derives amount_paid from confirmed, non-deleted
// ledger entries only and moves a fully paid order into processing.
func recomputePaymentTotals(ctx context.Context, tx *sql.Tx, orderID string) (*domain.Order, error) {
	var paid decimal.Decimal
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM payment_log
		WHERE order_id = $1 AND status = $2 AND deleted_at IS NULL
	`, orderID, domain.PaymentConfirmed).Scan(&paid)
	if err != nil {
		return nil, err
	}

	var total decimal.Decimal
	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT total, status FROM orders WHERE id = $1
	`, orderID).Scan(&total, &status)
	if err != nil {
		return nil, err
	}

	balance := total.Sub(paid)
	if balance.Sign() < 0 {
		balance = decimal.Zero
	}
	paymentStatus := domain.PaymentStatusUnpaid
	if paid.GreaterThanOrEqual(total) && total.Sign() > 0 {
		paymentStatus = domain.PaymentStatusPaid
	} else if paid.Sign() > 0 {
		paymentStatus = domain.PaymentStatusPartiallyPaid
	}
	newStatus := status
	if paymentStatus == domain.PaymentStatusPaid && status == domain.OrderStatusPendingPayment {
		newStatus = domain.OrderStatusProcessing
	}

	var order domain.Order
	var shippedAt, deliveredAt, cancelledAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		UPDATE orders
		SET amount_paid = $2, balance_due = $3, payment_status = $4, status = $5
		WHERE id = $1
		RETURNING id, customer_id, COALESCE(warehouse_id,''), idempotency_key, COALESCE(request_id,''),
			status, subtotal, discount_total, total, amount_paid, balance_due, payment_status,
			points_earned, created_at, shipped_at, delivered_at, cancelled_at
	`, orderID, paid, balance, paymentStatus, newStatus).Scan(
		&order.ID,
		&order.CustomerID,
		&order.WarehouseID,
		&order.IdempotencyKey,
		&order.RequestID,
		&order.Status,
		&order.Subtotal,
		&order.DiscountTotal,
		&order.Total,
		&order.AmountPaid,
		&order.BalanceDue,
		&order.PaymentStatus,
		&order.PointsEarned,
		&order.CreatedAt,
		&shippedAt,
		&deliveredAt,
		&cancelledAt,
	)
	if err != nil {
		return nil, err
	}
	order.CreatedAt = order.CreatedAt.UTC()
	if shippedAt.Valid {
		at := shippedAt.Time.UTC()
		order.ShippedAt = &at
	}
	if deliveredAt.Valid {
		at := deliveredAt.Time.UTC()
		order.DeliveredAt = &at
	}
	if cancelledAt.Valid {
		at := cancelledAt.Time.UTC()
		order.CancelledAt = &at
	}
	return &order, nil
}

func (s *Store) findPaymentWithOrder(ctx context.Context, idempotencyKey string) (*domain.PaymentLogEntry, *domain.Order, error) {
	var entry domain.PaymentLogEntry
	var reference, requestID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, idempotency_key, reference, method, amount, status, request_id, created_at
		FROM payment_log
		WHERE idempotency_key = $1 AND deleted_at IS NULL
	`, idempotencyKey).Scan(&entry.ID, &entry.OrderID, &entry.IdempotencyKey, &reference,
		&entry.Method, &entry.Amount, &entry.Status, &requestID, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}
	if reference.Valid {
		entry.Reference = reference.String
	}
	if requestID.Valid {
		entry.RequestID = requestID.String
	}
	entry.CreatedAt = entry.CreatedAt.UTC()

	order, err := s.FindOrderByID(ctx, entry.OrderID)
	if err != nil {
		return nil, nil, err
	}
	return &entry, order, nil
}

func (s *Store) ListPayments(ctx context.Context, orderID string) ([]domain.PaymentLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, idempotency_key, COALESCE(reference,''), method, amount, status,
			COALESCE(request_id,''), created_at
		FROM payment_log
		WHERE order_id = $1 AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.PaymentLogEntry, 0, 4)
	for rows.Next() {
		var entry domain.PaymentLogEntry
		if err := rows.Scan(&entry.ID, &entry.OrderID, &entry.IdempotencyKey, &entry.Reference,
			&entry.Method, &entry.Amount, &entry.Status, &entry.RequestID, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) MarkOrderShipped(ctx context.Context, orderID string, at time.Time) (*domain.Order, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $2, shipped_at = $3
		WHERE id = $1 AND status = $4
	`, orderID, domain.OrderStatusShipped, at, domain.OrderStatusProcessing)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, lookupErr := s.FindOrderByID(ctx, orderID); errors.Is(lookupErr, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrInvalidTransition
	}
	return s.FindOrderByID(ctx, orderID)
}

func (s *Store) CompleteOrder(ctx context.Context, orderID string, pointsEarned int64, at time.Time) (*domain.Order, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET status = $2, delivered_at = $3, points_earned = $4
		WHERE id = $1 AND status IN ($5, $6)
	`, orderID, domain.OrderStatusDelivered, at, pointsEarned,
		domain.OrderStatusShipped, domain.OrderStatusProcessing)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, lookupErr := s.FindOrderByID(ctx, orderID); errors.Is(lookupErr, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, store.ErrInvalidTransition
	}
	return s.FindOrderByID(ctx, orderID)
}

// CancelOrder is idempotent through the unique cancellation row per
// order: a second cancel returns the original record without touching
// stock or payments again.
func (s *Store) CancelOrder(ctx context.Context, cancellation domain.OrderCancellation) (*domain.OrderCancellation, *domain.Order, error) {
	if cancellation.OrderID == "" {
		return nil, nil, store.ErrValidation
	}
	if cancellation.ID == "" {
		cancellation.ID = xid.New("cancel")
	}
	if cancellation.CreatedAt.IsZero() {
		cancellation.CreatedAt = time.Now().UTC()
	}
	if cancellation.CancelledBy == "" {
		cancellation.CancelledBy = "system"
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing domain.OrderCancellation
	err = tx.QueryRowContext(ctx, `
		SELECT id, order_id, reason, cancelled_by, created_at
		FROM order_cancellations
		WHERE order_id = $1
	`, cancellation.OrderID).Scan(&existing.ID, &existing.OrderID, &existing.Reason, &existing.CancelledBy, &existing.CreatedAt)
	if err == nil {
		existing.CreatedAt = existing.CreatedAt.UTC()
		order, lookupErr := s.FindOrderByID(ctx, cancellation.OrderID)
		if lookupErr != nil {
			return nil, nil, lookupErr
		}
		return &existing, order, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, err
	}

	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM orders WHERE id = $1 FOR UPDATE
	`, cancellation.OrderID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}
	probe := domain.Order{Status: status}
	if !probe.CanBeCancelled() {
		return nil, nil, store.ErrInvalidTransition
	}

	itemRows, err := tx.QueryContext(ctx, `
		SELECT sku, qty, batch_allocations FROM order_items WHERE order_id = $1
	`, cancellation.OrderID)
	if err != nil {
		return nil, nil, err
	}
	type lineState struct {
		sku         string
		qty         int
		allocations []domain.BatchAllocation
	}
	lines := make([]lineState, 0, 8)
	for itemRows.Next() {
		var line lineState
		var allocationsRaw []byte
		if err := itemRows.Scan(&line.sku, &line.qty, &allocationsRaw); err != nil {
			_ = itemRows.Close()
			return nil, nil, err
		}
		if len(allocationsRaw) > 0 {
			if err := json.Unmarshal(allocationsRaw, &line.allocations); err != nil {
				_ = itemRows.Close()
				return nil, nil, err
			}
		}
		lines = append(lines, line)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, nil, err
	}
	_ = itemRows.Close()

	for _, line := range lines {
		if len(line.allocations) > 0 {
			if err := releaseInTx(ctx, tx, line.sku, line.allocations); err != nil {
				return nil, nil, err
			}
			continue
		}
		// Legacy rows without an allocation plan bump the counter only.
		_, err := tx.ExecContext(ctx, `
			UPDATE products SET stock = stock + $2, updated_at = now() WHERE sku = $1
		`, line.sku, line.qty)
		if err != nil {
			return nil, nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payment_log
		SET status = $2
		WHERE order_id = $1 AND status IN ($3, $4) AND deleted_at IS NULL
	`, cancellation.OrderID, domain.PaymentCancelled, domain.PaymentPending, domain.PaymentConfirmed)
	if err != nil {
		return nil, nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_cancellations (id, order_id, reason, cancelled_by, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, cancellation.ID, cancellation.OrderID, cancellation.Reason, cancellation.CancelledBy, cancellation.CreatedAt)
	if err != nil {
		// A concurrent cancel won the unique order_id constraint; its
		// row is the cancellation of record.
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			return s.findCancellationWithOrder(ctx, cancellation.OrderID)
		}
		return nil, nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders SET status = $2, cancelled_at = $3 WHERE id = $1
	`, cancellation.OrderID, domain.OrderStatusCancelled, cancellation.CreatedAt)
	if err != nil {
		return nil, nil, err
	}

	// Cancelled entries no longer count toward amount_paid.
	order, err := recomputePaymentTotals(ctx, tx, cancellation.OrderID)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}

	saved := cancellation
	return &saved, order, nil
}

func (s *Store) findCancellationWithOrder(ctx context.Context, orderID string) (*domain.OrderCancellation, *domain.Order, error) {
	var existing domain.OrderCancellation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, order_id, reason, cancelled_by, created_at
		FROM order_cancellations
		WHERE order_id = $1
	`, orderID).Scan(&existing.ID, &existing.OrderID, &existing.Reason, &existing.CancelledBy, &existing.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}
	existing.CreatedAt = existing.CreatedAt.UTC()
	order, err := s.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return &existing, order, nil
}
