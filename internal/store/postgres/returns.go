package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"beautika/backend/internal/domain"
	"beautika/backend/internal/store"
	"beautika/backend/internal/xid"
)

func (s *Store) CreateReturn(ctx context.Context, ret domain.OrderReturn) (*domain.OrderReturn, error) {
	if ret.OrderID == "" || len(ret.Items) == 0 {
		return nil, store.ErrValidation
	}
	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	if ret.RequestedAt.IsZero() {
		ret.RequestedAt = time.Now().UTC()
	}
	ret.Status = domain.ReturnStatusRequested

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var orderStatus string
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM orders WHERE id = $1 FOR UPDATE
	`, ret.OrderID).Scan(&orderStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if orderStatus != domain.OrderStatusDelivered {
		return nil, store.ErrInvalidTransition
	}

	orderQty := make(map[string]int)
	unitPrice := make(map[string]decimal.Decimal)
	itemRows, err := tx.QueryContext(ctx, `
		SELECT sku, qty, unit_price FROM order_items WHERE order_id = $1
	`, ret.OrderID)
	if err != nil {
		return nil, err
	}
	for itemRows.Next() {
		var sku string
		var qty int
		var price decimal.Decimal
		if err := itemRows.Scan(&sku, &qty, &price); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		orderQty[sku] += qty
		unitPrice[sku] = price
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	returned, err := returnedQtyInTx(ctx, tx, ret.OrderID)
	if err != nil {
		return nil, err
	}

	for i := range ret.Items {
		item := &ret.Items[i]
		if item.QtyRequested < 1 {
			return nil, store.ErrValidation
		}
		remaining := orderQty[item.SKU] - returned[item.SKU]
		if item.QtyRequested > remaining {
			return nil, fmt.Errorf("%w: %s only %d returnable", store.ErrValidation, item.SKU, remaining)
		}
		item.UnitPrice = unitPrice[item.SKU]
	}

	itemsJSON, err := json.Marshal(ret.Items)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_returns (id, order_id, status, reason, restocking_fee, return_value, refund_amount, requested_at, items)
		VALUES ($1,$2,$3,$4,0,0,0,$5,$6)
	`, ret.ID, ret.OrderID, ret.Status, ret.Reason, ret.RequestedAt, itemsJSON)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := ret
	return &created, nil
}

func (s *Store) GetReturnByID(ctx context.Context, returnID string) (*domain.OrderReturn, error) {
	return scanReturn(s.db.QueryRowContext(ctx, `
		SELECT id, order_id, status, reason, restocking_fee, return_value, refund_amount,
			requested_at, approved_at, COALESCE(approved_by,''), received_at, completed_at,
			COALESCE(rejected_reason,''), inventory_restocked_at, loyalty_reversed_at, items
		FROM order_returns
		WHERE id = $1
	`, returnID))
}

func (s *Store) GetReturnedQtyByOrder(ctx context.Context, orderID string) (map[string]int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := returnedQtyInTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	return result, tx.Commit()
}

// returnedQtyInTx sums requested quantities across every non-rejected
// return for the order, per SKU.
func returnedQtyInTx(ctx context.Context, tx *sql.Tx, orderID string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT items FROM order_returns WHERE order_id = $1 AND status <> $2
	`, orderID, domain.ReturnStatusRejected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var items []domain.ReturnItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		for _, item := range items {
			result[item.SKU] += item.QtyRequested
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ApproveReturn(ctx context.Context, returnID string, approvedBy string, approvedQty map[string]int, at time.Time) (*domain.OrderReturn, error) {
	return s.mutateReturn(ctx, returnID, func(ret *domain.OrderReturn) error {
		if ret.Status != domain.ReturnStatusRequested {
			return store.ErrInvalidTransition
		}
		for i := range ret.Items {
			item := &ret.Items[i]
			item.QtyApproved = item.QtyRequested
			if approvedQty != nil {
				if qty, ok := approvedQty[item.SKU]; ok {
					if qty < 0 || qty > item.QtyRequested {
						return store.ErrValidation
					}
					item.QtyApproved = qty
				}
			}
		}
		ret.Status = domain.ReturnStatusApproved
		ret.ApprovedAt = &at
		ret.ApprovedBy = approvedBy
		return nil
	})
}

func (s *Store) MarkReturnReceived(ctx context.Context, returnID string, receipts []domain.ReturnReceiptLine, at time.Time) (*domain.OrderReturn, error) {
	return s.mutateReturn(ctx, returnID, func(ret *domain.OrderReturn) error {
		if ret.Status != domain.ReturnStatusApproved && ret.Status != domain.ReturnStatusReceived {
			return store.ErrInvalidTransition
		}
		for _, receipt := range receipts {
			for i := range ret.Items {
				item := &ret.Items[i]
				if item.SKU != receipt.SKU {
					continue
				}
				qty := receipt.Qty
				if qty > item.QtyApproved {
					qty = item.QtyApproved
				}
				item.QtyReceived = qty
				item.Condition = receipt.Condition
			}
		}
		ret.Status = domain.ReturnStatusReceived
		ret.ReceivedAt = &at

		inspected := true
		for _, item := range ret.Items {
			if item.QtyApproved > 0 && item.Condition == "" {
				inspected = false
				break
			}
		}
		if inspected {
			ret.Status = domain.ReturnStatusInspected
		}
		return nil
	})
}

// CompleteReturn settles the return inside one transaction: restock and
// loyalty reversal each run at most once, guarded by their own
// timestamps, so re-invoking a completed return is a pure read.
func (s *Store) CompleteReturn(ctx context.Context, returnID string, restockingFee decimal.Decimal, at time.Time) (*domain.OrderReturn, error) {
	if restockingFee.Sign() < 0 {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ret, err := lockReturn(ctx, tx, returnID)
	if err != nil {
		return nil, err
	}
	if ret.Status == domain.ReturnStatusCompleted {
		return ret, tx.Commit()
	}
	if ret.Status != domain.ReturnStatusInspected && ret.Status != domain.ReturnStatusReceived {
		return nil, store.ErrInvalidTransition
	}

	var order domain.Order
	err = tx.QueryRowContext(ctx, `
		SELECT id, customer_id, total, points_earned FROM orders WHERE id = $1 FOR UPDATE
	`, ret.OrderID).Scan(&order.ID, &order.CustomerID, &order.Total, &order.PointsEarned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	returnValue := decimal.Zero
	for _, item := range ret.Items {
		returnValue = returnValue.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.QtyApproved))))
	}
	refund := returnValue.Sub(restockingFee)
	if refund.Sign() < 0 {
		refund = decimal.Zero
	}

	if ret.InventoryRestockedAt == nil {
		allocationsBySKU, err := orderAllocationsInTx(ctx, tx, ret.OrderID)
		if err != nil {
			return nil, err
		}
		for _, item := range ret.Items {
			if !item.Restock || item.Condition != domain.ReturnConditionUnopened || item.QtyReceived < 1 {
				continue
			}
			if err := restockInTx(ctx, tx, item.SKU, allocationsBySKU[item.SKU], item.QtyReceived); err != nil {
				return nil, err
			}
		}
		ret.InventoryRestockedAt = &at
	}

	if ret.LoyaltyReversedAt == nil && order.PointsEarned > 0 && order.Total.Sign() > 0 {
		reversal := decimal.NewFromInt(order.PointsEarned).
			Mul(returnValue).
			Div(order.Total).
			Floor().
			IntPart()
		if reversal > 0 {
			if err := reversePointsInTx(ctx, tx, order.CustomerID, reversal, ret.OrderID, "ret:"+ret.ID+":points"); err != nil {
				return nil, err
			}
		}
		ret.LoyaltyReversedAt = &at
	}

	if refund.Sign() > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payment_log (id, order_id, idempotency_key, reference, method, amount, status, request_id, created_at)
			VALUES ($1,$2,$3,NULL,'refund',$4,$5,NULL,$6)
			ON CONFLICT (idempotency_key) DO NOTHING
		`, xid.New("pay"), ret.OrderID, "ret:"+ret.ID+":refund", refund, domain.PaymentRefunded, at)
		if err != nil {
			return nil, err
		}
	}

	ret.Status = domain.ReturnStatusCompleted
	ret.CompletedAt = &at
	ret.RestockingFee = restockingFee
	ret.ReturnValue = returnValue
	ret.RefundAmount = refund

	if err := saveReturn(ctx, tx, ret); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *Store) RejectReturn(ctx context.Context, returnID string, reason string, at time.Time) (*domain.OrderReturn, error) {
	return s.mutateReturn(ctx, returnID, func(ret *domain.OrderReturn) error {
		if ret.Status == domain.ReturnStatusCompleted || ret.Status == domain.ReturnStatusRejected {
			return store.ErrInvalidTransition
		}
		ret.Status = domain.ReturnStatusRejected
		ret.RejectedReason = reason
		return nil
	})
}

func (s *Store) mutateReturn(ctx context.Context, returnID string, mutate func(*domain.OrderReturn) error) (*domain.OrderReturn, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ret, err := lockReturn(ctx, tx, returnID)
	if err != nil {
		return nil, err
	}
	if err := mutate(ret); err != nil {
		return nil, err
	}
	if err := saveReturn(ctx, tx, ret); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ret, nil
}

func lockReturn(ctx context.Context, tx *sql.Tx, returnID string) (*domain.OrderReturn, error) {
	return scanReturn(tx.QueryRowContext(ctx, `
		SELECT id, order_id, status, reason, restocking_fee, return_value, refund_amount,
			requested_at, approved_at, COALESCE(approved_by,''), received_at, completed_at,
			COALESCE(rejected_reason,''), inventory_restocked_at, loyalty_reversed_at, items
		FROM order_returns
		WHERE id = $1
		FOR UPDATE
	`, returnID))
}

func saveReturn(ctx context.Context, tx *sql.Tx, ret *domain.OrderReturn) error {
	itemsJSON, err := json.Marshal(ret.Items)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE order_returns
		SET status = $2, restocking_fee = $3, return_value = $4, refund_amount = $5,
			approved_at = $6, approved_by = $7, received_at = $8, completed_at = $9,
			rejected_reason = $10, inventory_restocked_at = $11, loyalty_reversed_at = $12,
			items = $13
		WHERE id = $1
	`, ret.ID, ret.Status, ret.RestockingFee, ret.ReturnValue, ret.RefundAmount,
		nullTime(ret.ApprovedAt), nullIfEmpty(ret.ApprovedBy), nullTime(ret.ReceivedAt),
		nullTime(ret.CompletedAt), nullIfEmpty(ret.RejectedReason),
		nullTime(ret.InventoryRestockedAt), nullTime(ret.LoyaltyReversedAt), itemsJSON)
	return err
}

func scanReturn(row rowScanner) (*domain.OrderReturn, error) {
	var ret domain.OrderReturn
	var approvedAt, receivedAt, completedAt, restockedAt, reversedAt sql.NullTime
	var itemsRaw []byte
	err := row.Scan(
		&ret.ID,
		&ret.OrderID,
		&ret.Status,
		&ret.Reason,
		&ret.RestockingFee,
		&ret.ReturnValue,
		&ret.RefundAmount,
		&ret.RequestedAt,
		&approvedAt,
		&ret.ApprovedBy,
		&receivedAt,
		&completedAt,
		&ret.RejectedReason,
		&restockedAt,
		&reversedAt,
		&itemsRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	ret.RequestedAt = ret.RequestedAt.UTC()
	if approvedAt.Valid {
		at := approvedAt.Time.UTC()
		ret.ApprovedAt = &at
	}
	if receivedAt.Valid {
		at := receivedAt.Time.UTC()
		ret.ReceivedAt = &at
	}
	if completedAt.Valid {
		at := completedAt.Time.UTC()
		ret.CompletedAt = &at
	}
	if restockedAt.Valid {
		at := restockedAt.Time.UTC()
		ret.InventoryRestockedAt = &at
	}
	if reversedAt.Valid {
		at := reversedAt.Time.UTC()
		ret.LoyaltyReversedAt = &at
	}
	if len(itemsRaw) > 0 {
		if err := json.Unmarshal(itemsRaw, &ret.Items); err != nil {
			return nil, err
		}
	}
	return &ret, nil
}

// orderAllocationsInTx collects the original allocation plan per SKU so
// restocking targets the batches the goods actually came from.
func orderAllocationsInTx(ctx context.Context, tx *sql.Tx, orderID string) (map[string][]domain.BatchAllocation, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT sku, batch_allocations FROM order_items WHERE order_id = $1
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]domain.BatchAllocation)
	for rows.Next() {
		var sku string
		var raw []byte
		if err := rows.Scan(&sku, &raw); err != nil {
			return nil, err
		}
		if len(raw) == 0 {
			continue
		}
		var allocations []domain.BatchAllocation
		if err := json.Unmarshal(raw, &allocations); err != nil {
			return nil, err
		}
		result[sku] = append(result[sku], allocations...)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// restockInTx walks the original batches first and parks any leftover in
// a dedicated returns batch.
func restockInTx(ctx context.Context, tx *sql.Tx, sku string, allocations []domain.BatchAllocation, qty int) error {
	remaining := qty
	for _, alloc := range allocations {
		if remaining == 0 {
			break
		}
		take := remaining
		if take > alloc.Qty {
			take = alloc.Qty
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE batches
			SET qty_available = qty_available + $1,
				qty_sold = GREATEST(qty_sold - $1, 0),
				is_active = true,
				updated_at = now()
			WHERE id = $2 AND deleted_at IS NULL AND is_expired = false
		`, take, alloc.BatchID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			remaining -= take
		}
	}
	if remaining > 0 {
		id := xid.New("batch")
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batches (
				id, sku, batch_number, supplier_id, warehouse_id, qty_received, qty_available,
				qty_sold, qty_damaged, expires_at, is_active, is_near_expiry, is_expired,
				received_at, updated_at
			)
			VALUES ($1,$2,$3,'returns',NULL,$4,$4,0,0,NULL,true,false,false,now(),now())
		`, id, sku, "RET-"+id, remaining)
		if err != nil {
			return err
		}
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now() WHERE sku = $1
	`, sku, qty)
	return err
}

// reversePointsInTx debits earned points back off the customer balance.
// The balance may go negative; the earn already happened and the goods
// came back.
func reversePointsInTx(ctx context.Context, tx *sql.Tx, customerID string, points int64, orderID string, idempotencyKey string) error {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM point_transactions WHERE idempotency_key = $1)
	`, idempotencyKey).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `
		SELECT points FROM customers WHERE id = $1 FOR UPDATE
	`, customerID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	after := balance - points
	_, err = tx.ExecContext(ctx, `
		INSERT INTO point_transactions (id, customer_id, amount, balance_after, type, order_id, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
	`, xid.New("pts"), customerID, -points, after, domain.PointTxReversal, nullIfEmpty(orderID), idempotencyKey)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE customers SET points = $2, updated_at = now() WHERE id = $1
	`, customerID, after)
	return err
}
