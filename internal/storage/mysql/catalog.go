package mysql

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
)

// InsertProduct добавляет товар каталога для сидов и тестов. Явный ID сохраняется как есть.
func (s *Store) InsertProduct(ctx context.Context, p domain.Product) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := s.now()
	row := productRow{
		ID:             p.ID,
		Name:           p.Name,
		CategoryID:     p.CategoryID,
		BasePriceMinor: p.BasePriceMinor,
		Stock:          p.Stock,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}
	p.ID = row.ID
	return p, nil
}

// InsertVariant добавляет размер товара.
func (s *Store) InsertVariant(ctx context.Context, v domain.ProductVariant) (domain.ProductVariant, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := productSizeRow{
		ID:                 v.ID,
		ProductID:          v.ProductID,
		Size:               v.Size,
		Stock:              v.Stock,
		PriceOverrideMinor: v.PriceOverrideMinor,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.ProductVariant{}, fmt.Errorf("insert product size: %w", err)
	}
	v.ID = row.ID
	return v, nil
}
