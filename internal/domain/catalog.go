package domain

import (
	"fmt"
	"sort"
)

// Product описывает товар каталога. Ядро меняет только колонку Stock, и только через леджер.
type Product struct {
	ID             int64
	Name           string
	CategoryID     int64
	BasePriceMinor int64
	// Stock используется, только если у товара нет размеров.
	Stock int32
}

// ProductVariant описывает размер товара. Если размеры есть, остаток учитывается по ним.
type ProductVariant struct {
	ID        int64
	ProductID int64
	Size      string
	Stock     int32
	// PriceOverrideMinor переопределяет базовую цену товара, nil — цена товара.
	PriceOverrideMinor *int64
}

// UnitPrice возвращает цену размера с учётом базовой цены товара.
func (v ProductVariant) UnitPrice(p Product) int64 {
	if v.PriceOverrideMinor != nil {
		return *v.PriceOverrideMinor
	}
	return p.BasePriceMinor
}

// StockKey адресует строку остатка. VariantID == 0 — остаток на уровне товара.
type StockKey struct {
	ProductID int64
	VariantID int64
}

func (k StockKey) String() string {
	if k.VariantID == 0 {
		return fmt.Sprintf("product=%d", k.ProductID)
	}
	return fmt.Sprintf("product=%d variant=%d", k.ProductID, k.VariantID)
}

// HasVariant сообщает, адресует ли ключ конкретный размер.
func (k StockKey) HasVariant() bool {
	return k.VariantID != 0
}

// Less задаёт глобальный порядок захвата блокировок.
func (k StockKey) Less(other StockKey) bool {
	if k.ProductID != other.ProductID {
		return k.ProductID < other.ProductID
	}
	return k.VariantID < other.VariantID
}

// SortedUniqueKeys возвращает ключи без повторов в порядке захвата блокировок.
func SortedUniqueKeys(keys []StockKey) []StockKey {
	seen := make(map[StockKey]struct{}, len(keys))
	out := make([]StockKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// StockLevel содержит снимок заблокированной строки остатка.
type StockLevel struct {
	Key        StockKey
	Stock      int32
	PriceMinor int64
	// HasVariants выставляется для строки товара, у которого есть размеры.
	HasVariants bool
}
