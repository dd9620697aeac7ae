package cache

import (
	"context"
	"time"

	"beautika/backend/internal/pricing"
)

// RuleSetCache holds short-lived pricing rule snapshots keyed per
// customer. Rule writes invalidate the customer's entry.
type RuleSetCache interface {
	Get(ctx context.Context, key string) (*pricing.RuleSet, bool, error)
	Set(ctx context.Context, key string, value *pricing.RuleSet, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopRuleSetCache struct{}

func (NoopRuleSetCache) Get(_ context.Context, _ string) (*pricing.RuleSet, bool, error) {
	return nil, false, nil
}

func (NoopRuleSetCache) Set(_ context.Context, _ string, _ *pricing.RuleSet, _ time.Duration) error {
	return nil
}

func (NoopRuleSetCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
