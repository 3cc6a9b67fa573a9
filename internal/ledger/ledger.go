// Package ledger keeps the per (item, size) stock quantities. Every change goes
// through a conditional update so a row can never drop below zero, even when
// two transactions race for the same stock.
package ledger

import (
	"errors"
	"fmt"
	"sort"

	"depot-backend/internal/config"
	"depot-backend/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Key struct {
	ItemID uint
	Size   string
}

func (k Key) less(o Key) bool {
	if k.ItemID != o.ItemID {
		return k.ItemID < o.ItemID
	}
	return k.Size < o.Size
}

// Delta is a signed change for one key. Label is the item name used in messages.
type Delta struct {
	Key
	Qty   int
	Label string
}

type Ledger struct {
	policy config.MissingVariantPolicy
	log    *zap.Logger
}

func New(policy config.MissingVariantPolicy, log *zap.Logger) *Ledger {
	if policy == "" {
		policy = config.MissingVariantSkip
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{policy: policy, log: log}
}

func (l *Ledger) Policy() config.MissingVariantPolicy { return l.policy }

// Quantity returns the stock for key, zero when no row exists.
func (l *Ledger) Quantity(tx *gorm.DB, key Key) (int, error) {
	var v models.ItemVariant
	err := tx.Where("item_id = ? AND size_label = ?", key.ItemID, key.Size).Limit(1).Find(&v).Error
	if err != nil {
		return 0, fmt.Errorf("read stock: %w", err)
	}
	return v.Quantity, nil
}

// ResolveBatch loads the current levels of all keys with one query. With
// forUpdate the rows stay locked until tx ends on databases that support it.
func (l *Ledger) ResolveBatch(tx *gorm.DB, keys []Key, forUpdate bool) (*Snapshot, error) {
	snap := &Snapshot{levels: make(map[Key]int, len(keys)), policy: l.policy}
	if len(keys) == 0 {
		return snap, nil
	}

	wanted := make(map[Key]struct{}, len(keys))
	seenItem := make(map[uint]struct{})
	itemIDs := make([]uint, 0, len(keys))
	for _, k := range keys {
		wanted[k] = struct{}{}
		if _, ok := seenItem[k.ItemID]; !ok {
			seenItem[k.ItemID] = struct{}{}
			itemIDs = append(itemIDs, k.ItemID)
		}
	}

	q := tx.Where("item_id IN ?", itemIDs).Order("item_id, size_label")
	if forUpdate && tx.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rows []models.ItemVariant
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("resolve stock: %w", err)
	}
	for _, r := range rows {
		k := Key{ItemID: r.ItemID, Size: r.SizeLabel}
		if _, ok := wanted[k]; ok {
			snap.levels[k] = r.Quantity
		}
	}
	return snap, nil
}

// Adjust applies one signed change. A deduction larger than the stock on hand
// leaves the row untouched and returns *InsufficientStockError; a missing row
// counts as zero stock there. An addition to a missing row is skipped or
// reported according to the policy.
func (l *Ledger) Adjust(tx *gorm.DB, d Delta) error {
	if d.Qty == 0 {
		return nil
	}
	q := tx.Model(&models.ItemVariant{}).Where("item_id = ? AND size_label = ?", d.ItemID, d.Size)
	if d.Qty < 0 {
		q = q.Where("quantity >= ?", -d.Qty)
	}
	res := q.Update("quantity", gorm.Expr("quantity + ?", d.Qty))
	if res.Error != nil {
		return fmt.Errorf("adjust stock: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var v models.ItemVariant
	if err := tx.Where("item_id = ? AND size_label = ?", d.ItemID, d.Size).Limit(1).Find(&v).Error; err != nil {
		return fmt.Errorf("read stock: %w", err)
	}
	if v.ID == 0 && (d.Qty > 0 || l.policy == config.MissingVariantFail) {
		return l.missing(d)
	}
	return &InsufficientStockError{Shortages: []Shortage{{
		ItemID: d.ItemID, Label: d.Label, Size: d.Size, Needed: -d.Qty, Available: v.Quantity,
	}}}
}

// ApplyAll sums the deltas per key and adjusts the keys in ascending order so
// concurrent writers lock rows in the same sequence.
func (l *Ledger) ApplyAll(tx *gorm.DB, deltas []Delta) error {
	for _, d := range Aggregate(deltas) {
		if err := l.Adjust(tx, d); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) missing(d Delta) error {
	if l.policy == config.MissingVariantFail {
		return &MissingVariantError{Key: d.Key, Label: d.Label}
	}
	l.log.Warn("stock row missing, adjustment skipped",
		zap.Uint("item_id", d.ItemID),
		zap.String("size", d.Size),
		zap.Int("qty", d.Qty),
	)
	return nil
}

// Aggregate merges deltas on the same key and drops the ones that cancel out.
func Aggregate(deltas []Delta) []Delta {
	idx := make(map[Key]int, len(deltas))
	out := make([]Delta, 0, len(deltas))
	for _, d := range deltas {
		if i, ok := idx[d.Key]; ok {
			out[i].Qty += d.Qty
			continue
		}
		idx[d.Key] = len(out)
		out = append(out, d)
	}
	kept := out[:0]
	for _, d := range out {
		if d.Qty != 0 {
			kept = append(kept, d)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Key.less(kept[j].Key) })
	return kept
}

// Keys returns the distinct keys referenced by deltas.
func Keys(deltas []Delta) []Key {
	seen := make(map[Key]struct{}, len(deltas))
	out := make([]Key, 0, len(deltas))
	for _, d := range deltas {
		if _, ok := seen[d.Key]; ok {
			continue
		}
		seen[d.Key] = struct{}{}
		out = append(out, d.Key)
	}
	return out
}

// IsStockError reports whether err came from a ledger validation rather than infrastructure.
func IsStockError(err error) bool {
	var ise *InsufficientStockError
	var mve *MissingVariantError
	return errors.As(err, &ise) || errors.As(err, &mve)
}
