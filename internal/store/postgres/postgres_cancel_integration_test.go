package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"beautika/backend/internal/domain"
)

func TestCancelOrderReleasesBatchStock(t *testing.T) {
	databaseURL := os.Getenv("BEAUTIKA_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set BEAUTIKA_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	sku := fmt.Sprintf("SKU-CANCEL-IT-%d", stamp)
	customerID := fmt.Sprintf("cust-cancel-it-%d", stamp)
	idempotencyKey := fmt.Sprintf("idem-cancel-it-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM payment_log WHERE order_id IN (SELECT id FROM orders WHERE customer_id = $1)`, customerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM order_cancellations WHERE order_id IN (SELECT id FROM orders WHERE customer_id = $1)`, customerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM order_items WHERE order_id IN (SELECT id FROM orders WHERE customer_id = $1)`, customerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM orders WHERE customer_id = $1`, customerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, customerID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM batches WHERE sku = $1`, sku)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE sku = $1`, sku)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (sku, name, brand, category, base_price, stock, min_order_qty, order_increment, active, created_at, updated_at)
		VALUES ($1, 'Cancel IT Shampoo', 'Beautika', 'shampoo', 85000, 0, 1, 1, true, now(), now())
	`, sku); err != nil {
		t.Fatalf("insert product: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, points, total_spend, active, created_at, updated_at)
		VALUES ($1, 'Cancel IT Salon', 0, 0, true, now(), now())
	`, customerID); err != nil {
		t.Fatalf("insert customer: %v", err)
	}

	if _, err := s.CreateBatch(ctx, domain.Batch{
		SKU:         sku,
		BatchNumber: fmt.Sprintf("B-IT-%d", stamp),
		SupplierID:  "sup-it",
		QtyReceived: 10,
	}); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	order, err := s.CreateOrder(ctx, domain.Order{
		CustomerID:     customerID,
		IdempotencyKey: idempotencyKey,
		Items: []domain.OrderItem{
			{SKU: sku, Name: "Cancel IT Shampoo", Qty: 4, PriceLockedAt: time.Now().UTC()},
		},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	product, err := s.GetProductBySKU(ctx, sku)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if product.Stock != 6 {
		t.Fatalf("expected stock 6 after allocation, got %d", product.Stock)
	}

	if _, _, err := s.RecordPayment(ctx, domain.PaymentLogEntry{
		OrderID:        order.ID,
		IdempotencyKey: fmt.Sprintf("pay-cancel-it-%d", stamp),
		Method:         "transfer",
		Amount:         decimal.NewFromInt(100000),
	}); err != nil {
		t.Fatalf("record payment: %v", err)
	}

	cancellation, cancelledOrder, err := s.CancelOrder(ctx, domain.OrderCancellation{
		OrderID:     order.ID,
		Reason:      "integration test cancel",
		CancelledBy: "tester",
	})
	if err != nil {
		t.Fatalf("cancel order: %v", err)
	}

	product, err = s.GetProductBySKU(ctx, sku)
	if err != nil {
		t.Fatalf("get product after cancel: %v", err)
	}
	if product.Stock != 10 {
		t.Fatalf("expected stock restored to 10, got %d", product.Stock)
	}

	if cancelledOrder.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled status, got %s", cancelledOrder.Status)
	}
	if !cancelledOrder.AmountPaid.IsZero() {
		t.Fatalf("expected amount_paid reset after cancelling the ledger, got %s", cancelledOrder.AmountPaid)
	}
	if cancelledOrder.PaymentStatus != domain.PaymentStatusUnpaid {
		t.Fatalf("expected unpaid after cancel, got %s", cancelledOrder.PaymentStatus)
	}

	payments, err := s.ListPayments(ctx, order.ID)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	for _, entry := range payments {
		if entry.Status != domain.PaymentCancelled {
			t.Fatalf("expected payment %s cancelled, got %s", entry.ID, entry.Status)
		}
	}

	// Concurrent duplicate cancels collapse onto the one cancellation row.
	results := make(chan *domain.OrderCancellation, 2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			c, _, err := s.CancelOrder(ctx, domain.OrderCancellation{
				OrderID:     order.ID,
				Reason:      "duplicate cancel",
				CancelledBy: "tester",
			})
			results <- c
			errs <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("duplicate cancel %d: %v", i, err)
		}
	}
	for i := 0; i < 2; i++ {
		if c := <-results; c == nil || c.ID != cancellation.ID {
			t.Fatalf("duplicate cancel returned a different record")
		}
	}
}
