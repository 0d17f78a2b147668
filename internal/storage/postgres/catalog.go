package postgres

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

// InsertProduct добавляет товар каталога. Каталог ведётся вне ядра; метод нужен для сидов и тестов.
func (s *Store) InsertProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := s.now()
	if p.ID > 0 {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO products (id, name, category_id, base_price_minor, stock, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$6)
		`, p.ID, p.Name, p.CategoryID, p.BasePriceMinor, p.Stock, now)
		if err != nil {
			return domain.Product{}, fmt.Errorf("insert product: %w", err)
		}
		// Держим sequence впереди явно заданных id.
		if _, err := s.db.ExecContext(ctx, `
			SELECT setval(pg_get_serial_sequence('products', 'id'), GREATEST((SELECT MAX(id) FROM products), 1))
		`); err != nil {
			return domain.Product{}, fmt.Errorf("sync products sequence: %w", err)
		}
		return p, nil
	}

	if err := s.db.QueryRowContext(ctx, `
		INSERT INTO products (name, category_id, base_price_minor, stock, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$5)
		RETURNING id
	`, p.Name, p.CategoryID, p.BasePriceMinor, p.Stock, now).Scan(&p.ID); err != nil {
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}
	return p, nil
}

// InsertVariant добавляет размер товара.
func (s *Store) InsertVariant(ctx context.Context, v domain.ProductVariant) (domain.ProductVariant, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := s.db.QueryRowContext(ctx, `
		INSERT INTO product_sizes (product_id, size, stock, price_override_minor)
		VALUES ($1,$2,$3,$4)
		RETURNING id
	`, v.ProductID, v.Size, v.Stock, v.PriceOverrideMinor).Scan(&v.ID); err != nil {
		return domain.ProductVariant{}, fmt.Errorf("insert product size: %w", err)
	}
	return v, nil
}
