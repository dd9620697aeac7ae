package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"beautika/backend/internal/domain"
	"beautika/backend/internal/store"
	"beautika/backend/internal/xid"
)

func (s *Store) CreateCustomerPriceRule(ctx context.Context, rule domain.CustomerPriceRule) (*domain.CustomerPriceRule, error) {
	if rule.CustomerID == "" || !rule.Scope.Valid() {
		return nil, store.ErrValidation
	}
	if !rule.PriceFieldsValid() {
		return nil, fmt.Errorf("%w: exactly one of fixed_price and percent_off", store.ErrValidation)
	}
	if rule.ID == "" {
		rule.ID = xid.New("cpr")
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	rule.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customer_price_rules (
			id, customer_id, scope_kind, scope_target, fixed_price, percent_off,
			valid_from, valid_until, priority, active, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rule.ID, rule.CustomerID, string(rule.Scope.Kind), nullIfEmpty(rule.Scope.Target),
		nullDecimal(rule.FixedPrice), nullDecimal(rule.PercentOff), nullTime(rule.ValidFrom), nullTime(rule.ValidUntil),
		rule.Priority, rule.Active, rule.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := rule
	return &created, nil
}

func (s *Store) ListCustomerPriceRules(ctx context.Context, customerID string) ([]domain.CustomerPriceRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, scope_kind, COALESCE(scope_target,''), fixed_price, percent_off,
			valid_from, valid_until, priority, active, created_at
		FROM customer_price_rules
		WHERE customer_id = $1 AND active = true
		ORDER BY priority DESC, created_at ASC
	`, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]domain.CustomerPriceRule, 0, 16)
	for rows.Next() {
		var rule domain.CustomerPriceRule
		var kind string
		var fixedPrice, percentOff decimal.NullDecimal
		var validFrom, validUntil sql.NullTime
		if err := rows.Scan(&rule.ID, &rule.CustomerID, &kind, &rule.Scope.Target,
			&fixedPrice, &percentOff, &validFrom, &validUntil,
			&rule.Priority, &rule.Active, &rule.CreatedAt); err != nil {
			return nil, err
		}
		rule.Scope.Kind = domain.ScopeKind(kind)
		rule.FixedPrice = fromNullDecimal(fixedPrice)
		rule.PercentOff = fromNullDecimal(percentOff)
		rule.CreatedAt = rule.CreatedAt.UTC()
		if validFrom.Valid {
			at := validFrom.Time.UTC()
			rule.ValidFrom = &at
		}
		if validUntil.Valid {
			at := validUntil.Time.UTC()
			rule.ValidUntil = &at
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

func (s *Store) CreateVolumeTier(ctx context.Context, tier domain.VolumeTier) (*domain.VolumeTier, error) {
	tier.SKU = strings.ToUpper(strings.TrimSpace(tier.SKU))
	if tier.SKU == "" || tier.MinQty < 1 {
		return nil, store.ErrValidation
	}
	if tier.MaxQty != 0 && tier.MaxQty < tier.MinQty {
		return nil, store.ErrValidation
	}
	if !tier.PriceFieldsValid() {
		return nil, fmt.Errorf("%w: exactly one of fixed_price and percent_off", store.ErrValidation)
	}
	if tier.ID == "" {
		tier.ID = xid.New("vt")
	}
	if tier.CreatedAt.IsZero() {
		tier.CreatedAt = time.Now().UTC()
	}
	tier.Active = true

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, min_qty, max_qty
		FROM volume_tiers
		WHERE sku = $1 AND active = true
		FOR UPDATE
	`, tier.SKU)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var other domain.VolumeTier
		if err := rows.Scan(&other.ID, &other.MinQty, &other.MaxQty); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if tier.Overlaps(other) {
			_ = rows.Close()
			return nil, fmt.Errorf("%w: volume tier range overlaps %s", store.ErrValidation, other.ID)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO volume_tiers (id, sku, min_qty, max_qty, fixed_price, percent_off, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, tier.ID, tier.SKU, tier.MinQty, tier.MaxQty, nullDecimal(tier.FixedPrice), nullDecimal(tier.PercentOff), tier.Active, tier.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	created := tier
	return &created, nil
}

func (s *Store) ListVolumeTiers(ctx context.Context, skus []string) ([]domain.VolumeTier, error) {
	query := `
		SELECT id, sku, min_qty, max_qty, fixed_price, percent_off, active, created_at
		FROM volume_tiers
		WHERE active = true
	`
	args := []any{}
	if len(skus) > 0 {
		query += ` AND sku = ANY($1)`
		args = append(args, skus)
	}
	query += ` ORDER BY sku, min_qty ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tiers := make([]domain.VolumeTier, 0, 16)
	for rows.Next() {
		var tier domain.VolumeTier
		var fixedPrice, percentOff decimal.NullDecimal
		if err := rows.Scan(&tier.ID, &tier.SKU, &tier.MinQty, &tier.MaxQty, &fixedPrice, &percentOff, &tier.Active, &tier.CreatedAt); err != nil {
			return nil, err
		}
		tier.FixedPrice = fromNullDecimal(fixedPrice)
		tier.PercentOff = fromNullDecimal(percentOff)
		tier.CreatedAt = tier.CreatedAt.UTC()
		tiers = append(tiers, tier)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tiers, nil
}

func (s *Store) CreateLoyaltyTier(ctx context.Context, tier domain.LoyaltyTier) (*domain.LoyaltyTier, error) {
	tier.Name = strings.TrimSpace(tier.Name)
	if tier.Name == "" || tier.MinSpend.Sign() < 0 {
		return nil, store.ErrValidation
	}
	if tier.ID == "" {
		tier.ID = xid.New("tier")
	}
	if tier.CreatedAt.IsZero() {
		tier.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loyalty_tiers (id, name, min_spend, discount_percent, points_multiplier, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, tier.ID, tier.Name, tier.MinSpend, tier.DiscountPercent, tier.PointsMultiplier, tier.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}
	created := tier
	return &created, nil
}

func (s *Store) ListLoyaltyTiers(ctx context.Context) ([]domain.LoyaltyTier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, min_spend, discount_percent, points_multiplier, created_at
		FROM loyalty_tiers
		ORDER BY min_spend ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tiers := make([]domain.LoyaltyTier, 0, 8)
	for rows.Next() {
		var tier domain.LoyaltyTier
		if err := rows.Scan(&tier.ID, &tier.Name, &tier.MinSpend, &tier.DiscountPercent, &tier.PointsMultiplier, &tier.CreatedAt); err != nil {
			return nil, err
		}
		tier.CreatedAt = tier.CreatedAt.UTC()
		tiers = append(tiers, tier)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tiers, nil
}

func (s *Store) CreateDiscountRule(ctx context.Context, rule domain.DiscountRule) (*domain.DiscountRule, error) {
	rule.Name = strings.TrimSpace(rule.Name)
	if rule.Name == "" || !rule.Scope.Valid() {
		return nil, store.ErrValidation
	}
	switch rule.Type {
	case domain.DiscountPercentage:
		if rule.Percent.Sign() <= 0 {
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
		if rule.BundleQty < 1 || rule.BundlePrice.Sign() <= 0 {
			return nil, store.ErrValidation
		}
	default:
		return nil, fmt.Errorf("%w: unknown discount type %q", store.ErrValidation, rule.Type)
	}
	if rule.ID == "" {
		rule.ID = xid.New("disc")
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	rule.Active = true
	rule.UsageCount = 0

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discount_rules (
			id, name, type, scope_kind, scope_target, customer_id, tier_id,
			min_order_amount, min_order_qty, percent, amount, buy_qty, get_qty,
			free_sku, free_qty, bundle_qty, bundle_price, max_discount_amount,
			usage_limit, per_user_limit, usage_count, is_stackable, priority,
			valid_from, valid_until, active, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27)
	`, rule.ID, rule.Name, string(rule.Type), string(rule.Scope.Kind), nullIfEmpty(rule.Scope.Target),
		nullIfEmpty(rule.CustomerID), nullIfEmpty(rule.TierID), rule.MinOrderAmount, rule.MinOrderQty,
		rule.Percent, rule.Amount, rule.BuyQty, rule.GetQty, nullIfEmpty(rule.FreeSKU), rule.FreeQty,
		rule.BundleQty, rule.BundlePrice, nullDecimal(rule.MaxDiscountAmount), rule.UsageLimit, rule.PerUserLimit,
		rule.UsageCount, rule.Stackable, rule.Priority, nullTime(rule.ValidFrom), nullTime(rule.ValidUntil),
		rule.Active, rule.CreatedAt)
	if err != nil {
		return nil, err
	}
	created := rule
	return &created, nil
}

func (s *Store) ListDiscountRules(ctx context.Context, at time.Time) ([]domain.DiscountRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, scope_kind, COALESCE(scope_target,''), COALESCE(customer_id,''),
			COALESCE(tier_id,''), min_order_amount, min_order_qty, percent, amount,
			buy_qty, get_qty, COALESCE(free_sku,''), free_qty, bundle_qty, bundle_price,
			max_discount_amount, usage_limit, per_user_limit, usage_count, is_stackable,
			priority, valid_from, valid_until, active, created_at
		FROM discount_rules
		WHERE active = true
			AND (valid_from IS NULL OR valid_from <= $1)
			AND (valid_until IS NULL OR valid_until >= $1)
		ORDER BY priority DESC, created_at ASC
	`, at)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]domain.DiscountRule, 0, 16)
	for rows.Next() {
		rule, err := scanDiscountRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

func (s *Store) UpdateDiscountRuleActive(ctx context.Context, ruleID string, active bool) (*domain.DiscountRule, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE discount_rules SET active = $2 WHERE id = $1
	`, ruleID, active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	rule, err := scanDiscountRule(s.db.QueryRowContext(ctx, `
		SELECT id, name, type, scope_kind, COALESCE(scope_target,''), COALESCE(customer_id,''),
			COALESCE(tier_id,''), min_order_amount, min_order_qty, percent, amount,
			buy_qty, get_qty, COALESCE(free_sku,''), free_qty, bundle_qty, bundle_price,
			max_discount_amount, usage_limit, per_user_limit, usage_count, is_stackable,
			priority, valid_from, valid_until, active, created_at
		FROM discount_rules
		WHERE id = $1
	`, ruleID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return rule, nil
}

// IncrementDiscountUsage is monotonic. Cancellations and returns never
// decrement the counter.
func (s *Store) IncrementDiscountUsage(ctx context.Context, ruleID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE discount_rules SET usage_count = usage_count + 1 WHERE id = $1
	`, ruleID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CountDiscountUsageByCustomer(ctx context.Context, ruleID string, customerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)::int
		FROM order_discounts od
		JOIN orders o ON o.id = od.order_id
		WHERE od.rule_id = $1 AND o.customer_id = $2 AND o.status <> $3
	`, ruleID, customerID, domain.OrderStatusCancelled).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func scanDiscountRule(row rowScanner) (*domain.DiscountRule, error) {
	var rule domain.DiscountRule
	var ruleType, kind string
	var maxDiscount decimal.NullDecimal
	var validFrom, validUntil sql.NullTime
	if err := row.Scan(
		&rule.ID,
		&rule.Name,
		&ruleType,
		&kind,
		&rule.Scope.Target,
		&rule.CustomerID,
		&rule.TierID,
		&rule.MinOrderAmount,
		&rule.MinOrderQty,
		&rule.Percent,
		&rule.Amount,
		&rule.BuyQty,
		&rule.GetQty,
		&rule.FreeSKU,
		&rule.FreeQty,
		&rule.BundleQty,
		&rule.BundlePrice,
		&maxDiscount,
		&rule.UsageLimit,
		&rule.PerUserLimit,
		&rule.UsageCount,
		&rule.Stackable,
		&rule.Priority,
		&validFrom,
		&validUntil,
		&rule.Active,
		&rule.CreatedAt,
	); err != nil {
		return nil, err
	}
	rule.Type = domain.DiscountType(ruleType)
	rule.Scope.Kind = domain.ScopeKind(kind)
	rule.MaxDiscountAmount = fromNullDecimal(maxDiscount)
	rule.CreatedAt = rule.CreatedAt.UTC()
	if validFrom.Valid {
		at := validFrom.Time.UTC()
		rule.ValidFrom = &at
	}
	if validUntil.Valid {
		at := validUntil.Time.UTC()
		rule.ValidUntil = &at
	}
	return &rule, nil
}
