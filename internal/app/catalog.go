package app

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/campusstore/internal/domain"
	"github.com/vladislavdragonenkov/campusstore/internal/storage/memory"
)

// CatalogSeeder добавляет товары и размеры. Его реализуют postgres и mysql хранилища.
type CatalogSeeder interface {
	InsertProduct(ctx context.Context, p domain.Product) (domain.Product, error)
	InsertVariant(ctx context.Context, v domain.ProductVariant) (domain.ProductVariant, error)
}

// DemoProduct описывает товар демонстрационного каталога вместе с размерами.
type DemoProduct struct {
	Product  domain.Product
	Variants []domain.ProductVariant
}

// DemoCatalog возвращает небольшой каталог кампусного магазина для локального запуска и нагрузочных тестов.
func DemoCatalog() []DemoProduct {
	xlPrice := int64(420)
	return []DemoProduct{
		{
			Product: domain.Product{ID: 1, Name: "Uniform A", CategoryID: 1, BasePriceMinor: 450},
			Variants: []domain.ProductVariant{
				{Size: "S", Stock: 20},
				{Size: "M", Stock: 20},
				{Size: "L", Stock: 15},
			},
		},
		{
			Product: domain.Product{ID: 2, Name: "PE Uniform", CategoryID: 1, BasePriceMinor: 380},
			Variants: []domain.ProductVariant{
				{Size: "M", Stock: 10},
				{Size: "XL", Stock: 4, PriceOverrideMinor: &xlPrice},
			},
		},
		{Product: domain.Product{ID: 3, Name: "Lanyard", CategoryID: 2, BasePriceMinor: 80, Stock: 100}},
		{Product: domain.Product{ID: 4, Name: "ID Case", CategoryID: 2, BasePriceMinor: 60, Stock: 50}},
	}
}

// SeedCatalog записывает каталог через seeder и возвращает число добавленных строк остатка.
func SeedCatalog(ctx context.Context, seeder CatalogSeeder, catalog []DemoProduct) (int, error) {
	rows := 0
	for _, item := range catalog {
		product, err := seeder.InsertProduct(ctx, item.Product)
		if err != nil {
			return rows, fmt.Errorf("seed product %q: %w", item.Product.Name, err)
		}
		if len(item.Variants) == 0 {
			rows++
			continue
		}
		for _, v := range item.Variants {
			v.ProductID = product.ID
			if _, err := seeder.InsertVariant(ctx, v); err != nil {
				return rows, fmt.Errorf("seed size %s of %q: %w", v.Size, item.Product.Name, err)
			}
			rows++
		}
	}
	return rows, nil
}

// memorySeeder выдаёт id размерам сам, как это делает sequence в БД.
type memorySeeder struct {
	store         *memory.Store
	nextVariantID int64
}

func newMemorySeeder(store *memory.Store) *memorySeeder {
	return &memorySeeder{store: store}
}

func (s *memorySeeder) InsertProduct(_ context.Context, p domain.Product) (domain.Product, error) {
	s.store.UpsertProduct(p)
	return p, nil
}

func (s *memorySeeder) InsertVariant(_ context.Context, v domain.ProductVariant) (domain.ProductVariant, error) {
	if v.ID == 0 {
		s.nextVariantID++
		v.ID = s.nextVariantID
	}
	if err := s.store.UpsertVariant(v); err != nil {
		return domain.ProductVariant{}, err
	}
	return v, nil
}
