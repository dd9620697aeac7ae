package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"beautika/backend/internal/domain"
	"beautika/backend/internal/store"
)

func TestCreateVolumeTierRejectsOverlapping(t *testing.T) {
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
	sku := fmt.Sprintf("SKU-TIER-IT-%d", stamp)

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM volume_tiers WHERE sku = $1`, sku)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE sku = $1`, sku)
	})

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO products (sku, name, brand, category, base_price, stock, min_order_qty, order_increment, active, created_at, updated_at)
		VALUES ($1, 'Tier IT Conditioner', 'Beautika', 'conditioner', 92000, 0, 1, 1, true, now(), now())
	`, sku); err != nil {
		t.Fatalf("insert product: %v", err)
	}

	price := decimal.NewFromInt(80000)
	if _, err := s.CreateVolumeTier(ctx, domain.VolumeTier{
		SKU: sku, MinQty: 10, MaxQty: 20, FixedPrice: &price,
	}); err != nil {
		t.Fatalf("create tier: %v", err)
	}
	if _, err := s.CreateVolumeTier(ctx, domain.VolumeTier{
		SKU: sku, MinQty: 15, MaxQty: 30, FixedPrice: &price,
	}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected overlap rejection, got %v", err)
	}
	if _, err := s.CreateVolumeTier(ctx, domain.VolumeTier{
		SKU: sku, MinQty: 21, MaxQty: 0, FixedPrice: &price,
	}); err != nil {
		t.Fatalf("adjacent tier rejected: %v", err)
	}
}
