// Package cache holds the read-through cache for per-item variant options
// shown on issuance and restock forms.
package cache

import (
	"context"
	"fmt"
)

// VariantOption is one selectable size of an item with its stock on hand.
type VariantOption struct {
	VariantID uint   `json:"variant_id"`
	ItemID    uint   `json:"item_id"`
	SizeLabel string `json:"size_label"`
	Quantity  int    `json:"quantity"`
	Label     string `json:"label"`
}

func OptionLabel(size string, qty int) string {
	return fmt.Sprintf("%s (in stock: %d)", size, qty)
}

// Loader reads the options for one item from the database.
type Loader func(ctx context.Context, itemID uint) ([]VariantOption, error)

// VariantCache serves option lists and drops them whenever stock changes.
// Cached lists may be stale between a commit and its invalidation; stock
// validation never reads from here.
type VariantCache interface {
	Options(ctx context.Context, itemID uint, load Loader) ([]VariantOption, error)
	Invalidate(ctx context.Context, itemIDs ...uint)
}

// Noop always calls the loader.
type Noop struct{}

func (Noop) Options(ctx context.Context, itemID uint, load Loader) ([]VariantOption, error) {
	return load(ctx, itemID)
}

func (Noop) Invalidate(context.Context, ...uint) {}
