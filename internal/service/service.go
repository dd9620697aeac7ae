package service

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"beautika/backend/internal/cache"
	"beautika/backend/internal/domain"
	"beautika/backend/internal/notify"
	"beautika/backend/internal/pricing"
	"beautika/backend/internal/store"
	"beautika/backend/internal/xid"
)

type actorContextKey struct{}
type requestIDContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// WithRequestID attaches the correlation id that gets stamped onto every
// ledger write and audit row the request produces.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}

type Options struct {
	RuleCacheTTL      time.Duration
	PointsEarnDivisor int64
	NearExpiryWindow  time.Duration
	ReturnWindow      time.Duration
	RestockingFeeRate decimal.Decimal
}

type Service struct {
	repo     store.Repository
	engine   *pricing.Engine
	rules    cache.RuleSetCache
	notifier notify.Notifier
	opts     Options
}

func New(repo store.Repository, engine *pricing.Engine, rules cache.RuleSetCache, notifier notify.Notifier, opts Options) *Service {
	if engine == nil {
		engine = pricing.NewEngine()
	}
	if rules == nil {
		rules = cache.NoopRuleSetCache{}
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if opts.RuleCacheTTL <= 0 {
		opts.RuleCacheTTL = 30 * time.Second
	}
	if opts.PointsEarnDivisor <= 0 {
		opts.PointsEarnDivisor = 10000
	}
	if opts.NearExpiryWindow <= 0 {
		opts.NearExpiryWindow = 30 * 24 * time.Hour
	}
	if opts.ReturnWindow <= 0 {
		opts.ReturnWindow = 14 * 24 * time.Hour
	}
	if opts.RestockingFeeRate.Sign() < 0 {
		opts.RestockingFeeRate = decimal.Zero
	}

	return &Service{
		repo:     repo,
		engine:   engine,
		rules:    rules,
		notifier: notifier,
		opts:     opts,
	}
}

// ruleSet assembles the pricing snapshot for a customer, going through
// the cache first. The cache key is per customer; the short TTL bounds
// staleness for rule kinds that cannot be invalidated per key.
func (s *Service) ruleSet(ctx context.Context, customer *domain.Customer) (*pricing.RuleSet, error) {
	key := ruleCacheKey(customer.ID)
	if cached, hit, err := s.rules.Get(ctx, key); err == nil && hit {
		cached.At = time.Now().UTC()
		cached.Customer = customer
		return cached, nil
	} else if err != nil {
		log.Printf("[pricing] WARN: rule cache read failed customer=%s: %v", customer.ID, err)
	}

	now := time.Now().UTC()
	rs := &pricing.RuleSet{Customer: customer, At: now}

	priceRules, err := s.repo.ListCustomerPriceRules(ctx, customer.ID)
	if err != nil {
		return nil, err
	}
	rs.PriceRules = priceRules

	volumeTiers, err := s.repo.ListVolumeTiers(ctx, nil)
	if err != nil {
		return nil, err
	}
	rs.VolumeTiers = volumeTiers

	discounts, err := s.repo.ListDiscountRules(ctx, now)
	if err != nil {
		return nil, err
	}
	rs.Discounts = discounts

	if customer.TierID != "" {
		tiers, err := s.repo.ListLoyaltyTiers(ctx)
		if err != nil {
			return nil, err
		}
		for i := range tiers {
			if tiers[i].ID == customer.TierID {
				rs.Tier = &tiers[i]
				break
			}
		}
	}

	usage := make(map[string]int)
	for _, rule := range discounts {
		if rule.PerUserLimit <= 0 {
			continue
		}
		count, err := s.repo.CountDiscountUsageByCustomer(ctx, rule.ID, customer.ID)
		if err != nil {
			return nil, err
		}
		usage[rule.ID] = count
	}
	rs.UsageByRule = usage

	if err := s.rules.Set(ctx, key, rs, s.opts.RuleCacheTTL); err != nil {
		log.Printf("[pricing] WARN: rule cache write failed customer=%s: %v", customer.ID, err)
	}
	return rs, nil
}

func (s *Service) invalidateRules(ctx context.Context, customerID string) {
	if customerID == "" {
		return
	}
	if err := s.rules.Invalidate(ctx, ruleCacheKey(customerID)); err != nil {
		log.Printf("[pricing] WARN: rule cache invalidate failed customer=%s: %v", customerID, err)
	}
}

func ruleCacheKey(customerID string) string {
	return "rules:" + customerID
}

// logAudit writes a governance record. Failures are logged and swallowed;
// the business operation that produced the event has already committed.
func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, meta map[string]any, idempotencyKey string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{ID: "system", Role: "system"}
	}

	var raw json.RawMessage
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			raw = b
		}
	}

	if err := s.repo.CreateAuditEvent(ctx, domain.AuditEvent{
		ID:             xid.New("audit"),
		RequestID:      RequestIDFromContext(ctx),
		IdempotencyKey: idempotencyKey,
		ActorID:        actor.ID,
		ActorRole:      actor.Role,
		Action:         action,
		EntityType:     entityType,
		EntityID:       entityID,
		Meta:           raw,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		log.Printf("[audit] WARN: failed to write audit event action=%s entity=%s/%s: %v", action, entityType, entityID, err)
	}
}

// publish emits a state-change event fire-and-forget.
func (s *Service) publish(ctx context.Context, action string, entityType string, entityID string, customerID string) {
	err := s.notifier.Publish(ctx, notify.Event{
		RequestID:  RequestIDFromContext(ctx),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		CustomerID: customerID,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[notify] WARN: failed to publish %s for %s/%s: %v", action, entityType, entityID, err)
	}
}

func (s *Service) ListAuditEvents(ctx context.Context, entityType string, entityID string, limit int) ([]domain.AuditEvent, error) {
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListAuditEvents(ctx, entityType, entityID, limit)
}
