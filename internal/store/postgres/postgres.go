package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"beautika/backend/internal/domain"
	"beautika/backend/internal/store"
)

type Store struct {
	db   *sql.DB
	caps Capabilities
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db}
	caps, err := probeCapabilities(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.caps = caps

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Caps() Capabilities {
	return s.caps
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, brand, category, base_price, stock, min_order_qty, order_increment, active
		FROM products
		WHERE active = true AND deleted_at IS NULL
		ORDER BY brand, category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.Brand, &p.Category, &p.BasePrice, &p.Stock, &p.MinOrderQty, &p.OrderIncrement, &p.Active); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	if product.SKU == "" || product.Name == "" || product.BasePrice.Sign() <= 0 {
		return nil, store.ErrValidation
	}
	if product.MinOrderQty < 1 {
		product.MinOrderQty = 1
	}
	if product.OrderIncrement < 1 {
		product.OrderIncrement = 1
	}

	product.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (sku, name, brand, category, base_price, stock, min_order_qty, order_increment, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,0,$6,$7,$8,now(),now())
	`, product.SKU, product.Name, product.Brand, product.Category, product.BasePrice, product.MinOrderQty, product.OrderIncrement, product.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrValidation
		}
		return nil, err
	}

	created := product
	created.Stock = 0
	return &created, nil
}

func (s *Store) GetProductBySKU(ctx context.Context, sku string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT sku, name, brand, category, base_price, stock, min_order_qty, order_increment, active
		FROM products
		WHERE sku = $1 AND deleted_at IS NULL
	`, sku).Scan(&product.SKU, &product.Name, &product.Brand, &product.Category, &product.BasePrice, &product.Stock, &product.MinOrderQty, &product.OrderIncrement, &product.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProductsBySKUs(ctx context.Context, skus []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(skus))
	if len(skus) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sku, name, brand, category, base_price, stock, min_order_qty, order_increment, active
		FROM products
		WHERE active = true AND deleted_at IS NULL AND sku = ANY($1)
	`, skus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.SKU, &p.Name, &p.Brand, &p.Category, &p.BasePrice, &p.Stock, &p.MinOrderQty, &p.OrderIncrement, &p.Active); err != nil {
			return nil, err
		}
		result[p.SKU] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	product.SKU = strings.ToUpper(strings.TrimSpace(product.SKU))
	if product.SKU == "" || product.Name == "" || product.BasePrice.Sign() <= 0 {
		return nil, store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, brand = $3, category = $4, base_price = $5, min_order_qty = $6,
			order_increment = $7, active = $8, updated_at = now()
		WHERE sku = $1 AND deleted_at IS NULL
	`, product.SKU, product.Name, product.Brand, product.Category, product.BasePrice, product.MinOrderQty, product.OrderIncrement, product.Active)
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

	updated := product
	return &updated, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}

func dateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullDecimal(val *decimal.Decimal) decimal.NullDecimal {
	if val == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *val, Valid: true}
}

func fromNullDecimal(val decimal.NullDecimal) *decimal.Decimal {
	if !val.Valid {
		return nil
	}
	d := val.Decimal
	return &d
}
