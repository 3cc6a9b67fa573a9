package ledger

import "depot-backend/internal/config"

// Snapshot is an in-memory copy of ledger levels, used to validate several
// changes against the same starting point before writing any of them.
type Snapshot struct {
	levels map[Key]int
	policy config.MissingVariantPolicy
}

// Available returns the level for key and whether a ledger row exists.
func (s *Snapshot) Available(key Key) (int, bool) {
	q, ok := s.levels[key]
	return q, ok
}

// Check validates deltas against the snapshot without changing it. All
// shortages are collected into one *InsufficientStockError. A deduction from
// a key without a row counts as a shortage against zero stock, or as
// *MissingVariantError under the fail policy; additions to such a key follow
// the policy.
func (s *Snapshot) Check(deltas []Delta) error {
	var shortages []Shortage
	var missing *MissingVariantError
	for _, d := range Aggregate(deltas) {
		have, ok := s.levels[d.Key]
		if !ok && (d.Qty > 0 || s.policy == config.MissingVariantFail) {
			if s.policy == config.MissingVariantFail && missing == nil {
				missing = &MissingVariantError{Key: d.Key, Label: d.Label}
			}
			continue
		}
		if have+d.Qty < 0 {
			shortages = append(shortages, Shortage{
				ItemID: d.ItemID, Label: d.Label, Size: d.Size, Needed: -d.Qty, Available: have,
			})
		}
	}
	if len(shortages) > 0 {
		return &InsufficientStockError{Shortages: shortages}
	}
	if missing != nil {
		return missing
	}
	return nil
}

// Apply records deltas that were written to the database. Keys without a row stay absent.
func (s *Snapshot) Apply(deltas []Delta) {
	for _, d := range deltas {
		if _, ok := s.levels[d.Key]; ok {
			s.levels[d.Key] += d.Qty
		}
	}
}
