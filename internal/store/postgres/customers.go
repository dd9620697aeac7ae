package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"beautika/backend/internal/domain"
	"beautika/backend/internal/store"
	"beautika/backend/internal/xid"
)

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	customer.Name = strings.TrimSpace(customer.Name)
	if customer.Name == "" {
		return nil, store.ErrValidation
	}
	if customer.ID == "" {
		customer.ID = xid.New("cust")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}
	customer.Active = true
	customer.Points = 0
	customer.TotalSpend = decimal.Zero

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, tier_id, points, total_spend, active, created_at, updated_at)
		VALUES ($1,$2,$3,0,0,true,$4,now())
	`, customer.ID, customer.Name, nullIfEmpty(customer.TierID), customer.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}
	created := customer
	return &created, nil
}

func (s *Store) GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	var customer domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(tier_id,''), points, total_spend, active, created_at
		FROM customers
		WHERE id = $1
	`, customerID).Scan(&customer.ID, &customer.Name, &customer.TierID, &customer.Points, &customer.TotalSpend, &customer.Active, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

// AddPoints appends one signed movement to the point ledger under the
// customer row lock. A duplicate idempotency key returns the stored
// entry without moving the balance.
func (s *Store) AddPoints(ctx context.Context, customerID string, points int64, txType string, orderID string, idempotencyKey string) (*domain.PointTransaction, error) {
	if customerID == "" || points == 0 {
		return nil, store.ErrValidation
	}
	return s.movePoints(ctx, customerID, points, txType, orderID, idempotencyKey, false)
}

// SpendPoints debits the balance; the check happens after the row lock
// so concurrent spends cannot overdraw.
func (s *Store) SpendPoints(ctx context.Context, customerID string, points int64, orderID string, idempotencyKey string) (*domain.PointTransaction, error) {
	if customerID == "" || points < 1 {
		return nil, store.ErrValidation
	}
	return s.movePoints(ctx, customerID, -points, domain.PointTxSpend, orderID, idempotencyKey, true)
}

func (s *Store) movePoints(ctx context.Context, customerID string, delta int64, txType string, orderID string, idempotencyKey string, checkBalance bool) (*domain.PointTransaction, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if idempotencyKey != "" {
		existing, err := findPointTransaction(ctx, tx, idempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	var balance int64
	err = tx.QueryRowContext(ctx, `
		SELECT points FROM customers WHERE id = $1 FOR UPDATE
	`, customerID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if checkBalance && balance+delta < 0 {
		return nil, store.ErrInsufficientPoints
	}

	entry := domain.PointTransaction{
		ID:             xid.New("pts"),
		CustomerID:     customerID,
		Amount:         delta,
		BalanceAfter:   balance + delta,
		Type:           txType,
		OrderID:        orderID,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO point_transactions (id, customer_id, amount, balance_after, type, order_id, idempotency_key, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.CustomerID, entry.Amount, entry.BalanceAfter, entry.Type,
		nullIfEmpty(entry.OrderID), nullIfEmpty(entry.IdempotencyKey), entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.findPointTransactionDirect(ctx, idempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE customers SET points = $2, updated_at = now() WHERE id = $1
	`, customerID, entry.BalanceAfter)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &entry, nil
}

func findPointTransaction(ctx context.Context, tx *sql.Tx, idempotencyKey string) (*domain.PointTransaction, error) {
	return scanPointTransaction(tx.QueryRowContext(ctx, `
		SELECT id, customer_id, amount, balance_after, type, COALESCE(order_id,''), COALESCE(idempotency_key,''), created_at
		FROM point_transactions
		WHERE idempotency_key = $1
	`, idempotencyKey))
}

func (s *Store) findPointTransactionDirect(ctx context.Context, idempotencyKey string) (*domain.PointTransaction, error) {
	return scanPointTransaction(s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, amount, balance_after, type, COALESCE(order_id,''), COALESCE(idempotency_key,''), created_at
		FROM point_transactions
		WHERE idempotency_key = $1
	`, idempotencyKey))
}

func scanPointTransaction(row rowScanner) (*domain.PointTransaction, error) {
	var entry domain.PointTransaction
	err := row.Scan(&entry.ID, &entry.CustomerID, &entry.Amount, &entry.BalanceAfter, &entry.Type, &entry.OrderID, &entry.IdempotencyKey, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return &entry, nil
}

func (s *Store) ListPointTransactions(ctx context.Context, customerID string, limit int) ([]domain.PointTransaction, error) {
	if limit < 1 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, amount, balance_after, type, COALESCE(order_id,''), COALESCE(idempotency_key,''), created_at
		FROM point_transactions
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.PointTransaction, 0, limit)
	for rows.Next() {
		entry, err := scanPointTransaction(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// UpdateCustomerTier folds additional spend into the lifetime total and
// promotes the customer to the highest tier whose threshold the new
// total clears. Returns nil when the tier is unchanged.
func (s *Store) UpdateCustomerTier(ctx context.Context, customerID string, additionalSpend decimal.Decimal) (*domain.LoyaltyTier, error) {
	if customerID == "" {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var currentTier string
	var totalSpend decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(tier_id,''), total_spend FROM customers WHERE id = $1 FOR UPDATE
	`, customerID).Scan(&currentTier, &totalSpend)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	newTotal := totalSpend.Add(additionalSpend)

	var best *domain.LoyaltyTier
	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, min_spend, discount_percent, points_multiplier, created_at
		FROM loyalty_tiers
		ORDER BY min_spend ASC
	`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var tier domain.LoyaltyTier
		if err := rows.Scan(&tier.ID, &tier.Name, &tier.MinSpend, &tier.DiscountPercent, &tier.PointsMultiplier, &tier.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if tier.MinSpend.LessThanOrEqual(newTotal) {
			qualified := tier
			best = &qualified
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	newTier := currentTier
	if best != nil {
		newTier = best.ID
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE customers SET total_spend = $2, tier_id = $3, updated_at = now() WHERE id = $1
	`, customerID, newTotal, nullIfEmpty(newTier))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if best == nil || best.ID == currentTier {
		return nil, nil
	}
	return best, nil
}

func (s *Store) AccrueLoyaltyPeriod(ctx context.Context, customerID string, year int, quarter int, amount decimal.Decimal) (*domain.LoyaltyPeriod, error) {
	if customerID == "" || year < 2000 || quarter < 0 || quarter > 4 {
		return nil, store.ErrValidation
	}
	if !s.caps.LoyaltyPeriods {
		return &domain.LoyaltyPeriod{CustomerID: customerID, Year: year, Quarter: quarter, Spend: amount}, nil
	}

	var period domain.LoyaltyPeriod
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO loyalty_periods (id, customer_id, year, quarter, spend, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (customer_id, year, quarter)
		DO UPDATE SET spend = loyalty_periods.spend + EXCLUDED.spend, updated_at = now()
		RETURNING id, customer_id, year, quarter, spend, updated_at
	`, xid.New("lp"), customerID, year, quarter, amount).Scan(
		&period.ID, &period.CustomerID, &period.Year, &period.Quarter, &period.Spend, &period.UpdatedAt)
	if err != nil {
		return nil, err
	}
	period.UpdatedAt = period.UpdatedAt.UTC()
	return &period, nil
}

func (s *Store) GetLoyaltyPeriod(ctx context.Context, customerID string, year int, quarter int) (*domain.LoyaltyPeriod, error) {
	if !s.caps.LoyaltyPeriods {
		return nil, store.ErrNotFound
	}

	var period domain.LoyaltyPeriod
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, year, quarter, spend, updated_at
		FROM loyalty_periods
		WHERE customer_id = $1 AND year = $2 AND quarter = $3
	`, customerID, year, quarter).Scan(
		&period.ID, &period.CustomerID, &period.Year, &period.Quarter, &period.Spend, &period.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	period.UpdatedAt = period.UpdatedAt.UTC()
	return &period, nil
}
