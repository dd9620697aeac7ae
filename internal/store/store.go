package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"beautika/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrAllocationConflict = errors.New("allocation conflict")
	ErrValidation         = errors.New("validation failed")
	ErrInvalidTransition  = errors.New("invalid state transition")
)

type Repository interface {
	// Catalog.
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error)
	GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)

	// Batch inventory. AllocateBatches consumes stock first-expired-first;
	// ReleaseAllocations reverses an executed plan.
	CreateBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error)
	GetBatchByID(ctx context.Context, batchID string) (*domain.Batch, error)
	ListBatches(ctx context.Context, sku string, includeInactive bool, limit int) ([]domain.Batch, error)
	AllocateBatches(ctx context.Context, sku string, qty int) ([]domain.BatchAllocation, error)
	ReleaseAllocations(ctx context.Context, sku string, allocations []domain.BatchAllocation) error
	RestockReturn(ctx context.Context, sku string, batchID string, qty int) error
	RecordBatchDamage(ctx context.Context, batchID string, qty int, reason string) (*domain.Batch, error)
	SyncProductStock(ctx context.Context, sku string) (int, error)
	RefreshExpiryFlags(ctx context.Context, now time.Time, nearExpiryWindow time.Duration) (int, error)

	// Pricing rules.
	CreateCustomerPriceRule(ctx context.Context, rule domain.CustomerPriceRule) (*domain.CustomerPriceRule, error)
	ListCustomerPriceRules(ctx context.Context, customerID string) ([]domain.CustomerPriceRule, error)
	CreateVolumeTier(ctx context.Context, tier domain.VolumeTier) (*domain.VolumeTier, error)
	// ListVolumeTiers with an empty sku list returns every active tier.
	ListVolumeTiers(ctx context.Context, skus []string) ([]domain.VolumeTier, error)
	CreateLoyaltyTier(ctx context.Context, tier domain.LoyaltyTier) (*domain.LoyaltyTier, error)
	ListLoyaltyTiers(ctx context.Context) ([]domain.LoyaltyTier, error)

	// Discount rules. IncrementDiscountUsage is monotonic.
	CreateDiscountRule(ctx context.Context, rule domain.DiscountRule) (*domain.DiscountRule, error)
	ListDiscountRules(ctx context.Context, at time.Time) ([]domain.DiscountRule, error)
	UpdateDiscountRuleActive(ctx context.Context, ruleID string, active bool) (*domain.DiscountRule, error)
	IncrementDiscountUsage(ctx context.Context, ruleID string) error
	CountDiscountUsageByCustomer(ctx context.Context, ruleID string, customerID string) (int, error)

	// Customers and the loyalty ledger.
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error)
	AddPoints(ctx context.Context, customerID string, points int64, txType string, orderID string, idempotencyKey string) (*domain.PointTransaction, error)
	SpendPoints(ctx context.Context, customerID string, points int64, orderID string, idempotencyKey string) (*domain.PointTransaction, error)
	ListPointTransactions(ctx context.Context, customerID string, limit int) ([]domain.PointTransaction, error)
	UpdateCustomerTier(ctx context.Context, customerID string, additionalSpend decimal.Decimal) (*domain.LoyaltyTier, error)
	AccrueLoyaltyPeriod(ctx context.Context, customerID string, year int, quarter int, amount decimal.Decimal) (*domain.LoyaltyPeriod, error)
	GetLoyaltyPeriod(ctx context.Context, customerID string, year int, quarter int) (*domain.LoyaltyPeriod, error)

	// Orders and the payment ledger.
	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	FindOrderByID(ctx context.Context, orderID string) (*domain.Order, error)
	FindOrderByIdempotency(ctx context.Context, key string) (*domain.Order, error)
	RecordPayment(ctx context.Context, entry domain.PaymentLogEntry) (*domain.PaymentLogEntry, *domain.Order, error)
	ListPayments(ctx context.Context, orderID string) ([]domain.PaymentLogEntry, error)
	MarkOrderShipped(ctx context.Context, orderID string, at time.Time) (*domain.Order, error)
	CompleteOrder(ctx context.Context, orderID string, pointsEarned int64, at time.Time) (*domain.Order, error)
	CancelOrder(ctx context.Context, cancellation domain.OrderCancellation) (*domain.OrderCancellation, *domain.Order, error)

	// Returns.
	CreateReturn(ctx context.Context, ret domain.OrderReturn) (*domain.OrderReturn, error)
	GetReturnByID(ctx context.Context, returnID string) (*domain.OrderReturn, error)
	GetReturnedQtyByOrder(ctx context.Context, orderID string) (map[string]int, error)
	ApproveReturn(ctx context.Context, returnID string, approvedBy string, approvedQty map[string]int, at time.Time) (*domain.OrderReturn, error)
	MarkReturnReceived(ctx context.Context, returnID string, receipts []domain.ReturnReceiptLine, at time.Time) (*domain.OrderReturn, error)
	CompleteReturn(ctx context.Context, returnID string, restockingFee decimal.Decimal, at time.Time) (*domain.OrderReturn, error)
	RejectReturn(ctx context.Context, returnID string, reason string, at time.Time) (*domain.OrderReturn, error)

	// Governance audit log.
	CreateAuditEvent(ctx context.Context, event domain.AuditEvent) error
	ListAuditEvents(ctx context.Context, entityType string, entityID string, limit int) ([]domain.AuditEvent, error)
}
