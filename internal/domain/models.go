package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	Brand          string          `json:"brand"`
	Category       string          `json:"category"`
	BasePrice      decimal.Decimal `json:"base_price"`
	Stock          int             `json:"stock"`
	MinOrderQty    int             `json:"min_order_qty"`
	OrderIncrement int             `json:"order_increment"`
	Active         bool            `json:"active"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
}

// Batch is a physical receipt of stock for one product. Identity is unique
// per (sku, batch_number, supplier_id). Counters never go negative and
// available never exceeds received.
type Batch struct {
	ID           string     `json:"id"`
	SKU          string     `json:"sku"`
	BatchNumber  string     `json:"batch_number"`
	SupplierID   string     `json:"supplier_id"`
	WarehouseID  string     `json:"warehouse_id,omitempty"`
	QtyReceived  int        `json:"qty_received"`
	QtyAvailable int        `json:"qty_available"`
	QtySold      int        `json:"qty_sold"`
	QtyDamaged   int        `json:"qty_damaged"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	IsActive     bool       `json:"is_active"`
	IsNearExpiry bool       `json:"is_near_expiry"`
	IsExpired    bool       `json:"is_expired"`
	ReceivedAt   time.Time  `json:"received_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// BatchAllocation is one line of an executed allocation plan, stored
// verbatim on the order item so reversal walks the exact batches that
// were consumed.
type BatchAllocation struct {
	BatchID     string     `json:"batch_id"`
	BatchNumber string     `json:"batch_number"`
	Qty         int        `json:"qty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// CustomerPriceRule is a negotiated price for one customer over a scope.
// Exactly one of FixedPrice or PercentOff must be set.
type CustomerPriceRule struct {
	ID         string           `json:"id"`
	CustomerID string           `json:"customer_id"`
	Scope      Scope            `json:"scope"`
	FixedPrice *decimal.Decimal `json:"fixed_price,omitempty"`
	PercentOff *decimal.Decimal `json:"percent_off,omitempty"`
	ValidFrom  *time.Time       `json:"valid_from,omitempty"`
	ValidUntil *time.Time       `json:"valid_until,omitempty"`
	Priority   int              `json:"priority"`
	Active     bool             `json:"active"`
	CreatedAt  time.Time        `json:"created_at"`
}

// VolumeTier maps a quantity range of one product to a price. Ranges for
// the same product may not overlap; MaxQty 0 means unbounded.
type VolumeTier struct {
	ID         string           `json:"id"`
	SKU        string           `json:"sku"`
	MinQty     int              `json:"min_qty"`
	MaxQty     int              `json:"max_qty"`
	FixedPrice *decimal.Decimal `json:"fixed_price,omitempty"`
	PercentOff *decimal.Decimal `json:"percent_off,omitempty"`
	Active     bool             `json:"active"`
	CreatedAt  time.Time        `json:"created_at"`
}

type LoyaltyTier struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	MinSpend         decimal.Decimal `json:"min_spend"`
	DiscountPercent  decimal.Decimal `json:"discount_percent"`
	PointsMultiplier decimal.Decimal `json:"points_multiplier"`
	CreatedAt        time.Time       `json:"created_at"`
}

type DiscountType string

const (
	DiscountPercentage  DiscountType = "percentage"
	DiscountFixedAmount DiscountType = "fixed_amount"
	DiscountBuyXGetY    DiscountType = "buy_x_get_y"
	DiscountFreeItem    DiscountType = "free_item"
	DiscountBundlePrice DiscountType = "bundle_price"
)

// DiscountRule is a promotional rule layered on top of resolved unit
// prices. UsageCount only ever increases, even when orders that used the
// rule are later cancelled or returned.
type DiscountRule struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Type              DiscountType     `json:"type"`
	Scope             Scope            `json:"scope"`
	CustomerID        string           `json:"customer_id,omitempty"`
	TierID            string           `json:"tier_id,omitempty"`
	MinOrderAmount    decimal.Decimal  `json:"min_order_amount"`
	MinOrderQty       int              `json:"min_order_qty"`
	Percent           decimal.Decimal  `json:"percent"`
	Amount            decimal.Decimal  `json:"amount"`
	BuyQty            int              `json:"buy_qty"`
	GetQty            int              `json:"get_qty"`
	FreeSKU           string           `json:"free_sku,omitempty"`
	FreeQty           int              `json:"free_qty"`
	BundleQty         int              `json:"bundle_qty"`
	BundlePrice       decimal.Decimal  `json:"bundle_price"`
	MaxDiscountAmount *decimal.Decimal `json:"max_discount_amount,omitempty"`
	UsageLimit        int              `json:"usage_limit"`
	PerUserLimit      int              `json:"per_user_limit"`
	UsageCount        int              `json:"usage_count"`
	Stackable         bool             `json:"is_stackable"`
	Priority          int              `json:"priority"`
	ValidFrom         *time.Time       `json:"valid_from,omitempty"`
	ValidUntil        *time.Time       `json:"valid_until,omitempty"`
	Active            bool             `json:"active"`
	CreatedAt         time.Time        `json:"created_at"`
}

// OrderDiscount is the per-application audit row written every time a
// discount rule fires on an order.
type OrderDiscount struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	RuleID         string          `json:"rule_id"`
	RuleName       string          `json:"rule_name"`
	OriginalAmount decimal.Decimal `json:"original_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	FinalAmount    decimal.Decimal `json:"final_amount"`
	Calculation    json.RawMessage `json:"calculation,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Customer struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	TierID     string          `json:"tier_id,omitempty"`
	Points     int64           `json:"points"`
	TotalSpend decimal.Decimal `json:"total_spend"`
	Active     bool            `json:"active"`
	CreatedAt  time.Time       `json:"created_at"`
}

// LoyaltyPeriod accumulates spend per (customer, year, quarter) for
// period-scoped tier qualification. Quarter 0 means the full year.
// Distinct from the customer's lifetime TotalSpend.
type LoyaltyPeriod struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customer_id"`
	Year       int             `json:"year"`
	Quarter    int             `json:"quarter"`
	Spend      decimal.Decimal `json:"spend"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type PriceSource string

const (
	PriceSourceCustomerList PriceSource = "customer_price_list"
	PriceSourceVolumeTier   PriceSource = "volume_tier"
	PriceSourceLoyaltyTier  PriceSource = "loyalty_tier"
	PriceSourceBase         PriceSource = "base_price"
)

// OrderItem carries an immutable price snapshot. Once PriceLockedAt is
// stamped the price fields are never recalculated, regardless of later
// rule changes.
type OrderItem struct {
	SKU               string            `json:"sku"`
	Name              string            `json:"name"`
	Qty               int               `json:"qty"`
	UnitPrice         decimal.Decimal   `json:"unit_price"`
	OriginalUnitPrice decimal.Decimal   `json:"original_unit_price"`
	PriceSource       PriceSource       `json:"price_source"`
	DiscountPercent   decimal.Decimal   `json:"discount_percent"`
	PriceLockedAt     time.Time         `json:"price_locked_at"`
	Allocations       []BatchAllocation `json:"batch_allocations,omitempty"`
}

type Order struct {
	ID             string          `json:"id"`
	CustomerID     string          `json:"customer_id"`
	WarehouseID    string          `json:"warehouse_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	RequestID      string          `json:"request_id,omitempty"`
	Status         string          `json:"status"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountTotal  decimal.Decimal `json:"discount_total"`
	Total          decimal.Decimal `json:"total"`
	AmountPaid     decimal.Decimal `json:"amount_paid"`
	BalanceDue     decimal.Decimal `json:"balance_due"`
	PaymentStatus  string          `json:"payment_status"`
	PointsEarned   int64           `json:"points_earned"`
	CreatedAt      time.Time       `json:"created_at"`
	ShippedAt      *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty"`
	Items          []OrderItem     `json:"items"`
	Discounts      []OrderDiscount `json:"discounts,omitempty"`
}

// CanBeCancelled reports whether the order may still be cancelled.
// Shipped goods go through the return flow instead.
func (o *Order) CanBeCancelled() bool {
	return o.Status == OrderStatusPendingPayment || o.Status == OrderStatusProcessing
}

type PaymentLogEntry struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"order_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Reference      string          `json:"reference,omitempty"`
	Method         string          `json:"method"`
	Amount         decimal.Decimal `json:"amount"`
	Status         string          `json:"status"`
	RequestID      string          `json:"request_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
}

// PointTransaction is one signed movement on a customer's point balance.
// Positive amounts earn, negative amounts spend. BalanceAfter snapshots
// the balance at commit time.
type PointTransaction struct {
	ID             string    `json:"id"`
	CustomerID     string    `json:"customer_id"`
	Amount         int64     `json:"amount"`
	BalanceAfter   int64     `json:"balance_after"`
	Type           string    `json:"type"`
	OrderID        string    `json:"order_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

type OrderCancellation struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"order_id"`
	Reason      string    `json:"reason"`
	CancelledBy string    `json:"cancelled_by"`
	CreatedAt   time.Time `json:"created_at"`
}

type ReturnItem struct {
	SKU          string          `json:"sku"`
	QtyRequested int             `json:"qty_requested"`
	QtyApproved  int             `json:"qty_approved"`
	QtyReceived  int             `json:"qty_received"`
	Condition    string          `json:"condition,omitempty"`
	Restock      bool            `json:"restock"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
}

type OrderReturn struct {
	ID                   string          `json:"id"`
	OrderID              string          `json:"order_id"`
	Status               string          `json:"status"`
	Reason               string          `json:"reason"`
	RestockingFee        decimal.Decimal `json:"restocking_fee"`
	ReturnValue          decimal.Decimal `json:"return_value"`
	RefundAmount         decimal.Decimal `json:"refund_amount"`
	RequestedAt          time.Time       `json:"requested_at"`
	ApprovedAt           *time.Time      `json:"approved_at,omitempty"`
	ApprovedBy           string          `json:"approved_by,omitempty"`
	ReceivedAt           *time.Time      `json:"received_at,omitempty"`
	CompletedAt          *time.Time      `json:"completed_at,omitempty"`
	RejectedReason       string          `json:"rejected_reason,omitempty"`
	InventoryRestockedAt *time.Time      `json:"inventory_restocked_at,omitempty"`
	LoyaltyReversedAt    *time.Time      `json:"loyalty_reversed_at,omitempty"`
	Items                []ReturnItem    `json:"items"`
}

// AuditEvent is an append-only governance record. Writing one must never
// fail the business transaction it describes.
type AuditEvent struct {
	ID             string          `json:"id"`
	RequestID      string          `json:"request_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ActorID        string          `json:"actor_id"`
	ActorRole      string          `json:"actor_role"`
	Action         string          `json:"action"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	Meta           json.RawMessage `json:"meta,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

type Actor struct {
	ID   string
	Role string
}

type OrderLineRequest struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

type CreateOrderRequest struct {
	CustomerID     string             `json:"customer_id"`
	WarehouseID    string             `json:"warehouse_id,omitempty"`
	IdempotencyKey string             `json:"idempotency_key"`
	Items          []OrderLineRequest `json:"items"`
}

type RecordPaymentRequest struct {
	OrderID   string          `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	Reference string          `json:"reference,omitempty"`
}

type ReceiveBatchRequest struct {
	SKU         string `json:"sku"`
	BatchNumber string `json:"batch_number"`
	SupplierID  string `json:"supplier_id"`
	WarehouseID string `json:"warehouse_id,omitempty"`
	Qty         int    `json:"qty"`
	ExpiresAt   string `json:"expires_at,omitempty"`
}

type ReturnLineRequest struct {
	SKU     string `json:"sku"`
	Qty     int    `json:"qty"`
	Restock bool   `json:"restock"`
}

type RequestReturnRequest struct {
	OrderID string              `json:"order_id"`
	Reason  string              `json:"reason"`
	Items   []ReturnLineRequest `json:"items"`
}

type ReturnReceiptLine struct {
	SKU       string `json:"sku"`
	Qty       int    `json:"qty"`
	Condition string `json:"condition"`
}

const (
	OrderStatusPendingPayment = "pending_payment"
	OrderStatusProcessing     = "processing"
	OrderStatusShipped        = "shipped"
	OrderStatusDelivered      = "delivered"
	OrderStatusCancelled      = "cancelled"
)

const (
	PaymentStatusUnpaid        = "unpaid"
	PaymentStatusPartiallyPaid = "partially_paid"
	PaymentStatusPaid          = "paid"
)

const (
	PaymentPending   = "pending"
	PaymentConfirmed = "confirmed"
	PaymentFailed    = "failed"
	PaymentRefunded  = "refunded"
	PaymentCancelled = "cancelled"
)

const (
	PointTxEarn     = "earn"
	PointTxSpend    = "spend"
	PointTxReversal = "reversal"
)

const (
	ReturnStatusRequested = "requested"
	ReturnStatusApproved  = "approved"
	ReturnStatusReceived  = "received"
	ReturnStatusInspected = "inspected"
	ReturnStatusCompleted = "completed"
	ReturnStatusRejected  = "rejected"
)

const (
	ReturnConditionUnopened = "unopened"
	ReturnConditionOpened   = "opened"
	ReturnConditionDamaged  = "damaged"
)
