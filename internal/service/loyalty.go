package service

import (
	"context"

	"github.com/shopspring/decimal"

	"beautika/backend/internal/domain"
	"beautika/backend/internal/store"
)

// AddPoints credits points onto a customer balance. The idempotency key
// makes retried credits single-shot.
func (s *Service) AddPoints(ctx context.Context, customerID string, points int64, orderID string, idempotencyKey string) (*domain.PointTransaction, error) {
	if customerID == "" || points < 1 {
		return nil, store.ErrValidation
	}
	entry, err := s.repo.AddPoints(ctx, customerID, points, domain.PointTxEarn, orderID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "points_add", "customer", customerID, map[string]any{
		"points":        points,
		"balance_after": entry.BalanceAfter,
	}, auditKey("points_add", idempotencyKey))
	return entry, nil
}

// SpendPoints debits points; the balance check happens under the
// customer row lock so concurrent spends cannot overdraw.
func (s *Service) SpendPoints(ctx context.Context, customerID string, points int64, orderID string, idempotencyKey string) (*domain.PointTransaction, error) {
	if customerID == "" || points < 1 {
		return nil, store.ErrValidation
	}
	entry, err := s.repo.SpendPoints(ctx, customerID, points, orderID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "points_spend", "customer", customerID, map[string]any{
		"points":        points,
		"balance_after": entry.BalanceAfter,
	}, auditKey("points_spend", idempotencyKey))
	return entry, nil
}

func (s *Service) PointHistory(ctx context.Context, customerID string, limit int) ([]domain.PointTransaction, error) {
	if customerID == "" {
		return nil, store.ErrValidation
	}
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListPointTransactions(ctx, customerID, limit)
}

// UpdateTier folds additional spend into the lifetime total and promotes
// the customer when a higher threshold is cleared. Returns nil when the
// tier is unchanged.
func (s *Service) UpdateTier(ctx context.Context, customerID string, additionalSpend decimal.Decimal) (*domain.LoyaltyTier, error) {
	if customerID == "" {
		return nil, store.ErrValidation
	}
	current, err := s.repo.GetCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}
	promoted, err := s.repo.UpdateCustomerTier(ctx, customerID, additionalSpend)
	if err != nil {
		return nil, err
	}
	if promoted != nil {
		s.logAudit(ctx, "tier_promote", "customer", customerID, map[string]any{
			"tier":      promoted.Name,
			"from_tier": current.TierID,
			"to_tier":   promoted.ID,
		}, "audit:tier:"+customerID+":"+promoted.ID)
		s.invalidateRules(ctx, customerID)
	}
	return promoted, nil
}

// EvaluatePeriodTier reports the tier a customer's spend within one
// period qualifies for, against the same thresholds as lifetime
// qualification. It never mutates the customer's stored tier.
func (s *Service) EvaluatePeriodTier(ctx context.Context, customerID string, year int, quarter int) (*domain.LoyaltyTier, error) {
	if customerID == "" {
		return nil, store.ErrValidation
	}
	period, err := s.repo.GetLoyaltyPeriod(ctx, customerID, year, quarter)
	if err != nil {
		return nil, err
	}
	tiers, err := s.repo.ListLoyaltyTiers(ctx)
	if err != nil {
		return nil, err
	}
	var best *domain.LoyaltyTier
	for i := range tiers {
		if tiers[i].MinSpend.GreaterThan(period.Spend) {
			continue
		}
		if best == nil || tiers[i].MinSpend.GreaterThan(best.MinSpend) {
			best = &tiers[i]
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	qualified := *best
	return &qualified, nil
}

func auditKey(action string, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return "audit:" + action + ":" + idempotencyKey
}
