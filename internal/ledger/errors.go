package ledger

import (
	"fmt"
	"strings"
)

// Shortage describes one (item, size) that cannot cover a deduction.
type Shortage struct {
	ItemID    uint
	Label     string
	Size      string
	Needed    int
	Available int
}

func (s Shortage) String() string {
	return fmt.Sprintf("%s (%s): needs %d, has %d", labelOr(s.Label, s.ItemID), s.Size, s.Needed, s.Available)
}

// InsufficientStockError lists every line that would drive stock below zero.
// Nothing has been written when it is returned.
type InsufficientStockError struct {
	Shortages []Shortage
}

func (e *InsufficientStockError) Error() string {
	return "insufficient stock: " + strings.Join(e.Messages(), "; ")
}

func (e *InsufficientStockError) Messages() []string {
	out := make([]string, len(e.Shortages))
	for i, s := range e.Shortages {
		out[i] = s.String()
	}
	return out
}

// MissingVariantError is returned under the fail policy when no ledger row
// exists for an adjusted pair.
type MissingVariantError struct {
	Key
	Label string
}

func (e *MissingVariantError) Error() string {
	return fmt.Sprintf("no stock row for %s (%s)", labelOr(e.Label, e.ItemID), e.Size)
}

func (e *MissingVariantError) Messages() []string {
	return []string{e.Error()}
}

func labelOr(label string, itemID uint) string {
	if label != "" {
		return label
	}
	return fmt.Sprintf("item #%d", itemID)
}
