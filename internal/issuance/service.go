// Package issuance runs the outbound workflow: stock leaves the ledger when an
// issuance is released and comes back when it is returned or reverted.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"depot-backend/internal/audit"
	"depot-backend/internal/cache"
	"depot-backend/internal/ledger"
	"depot-backend/internal/models"
	"depot-backend/internal/workflow"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const entity = "issuance"

var transitions = map[models.IssuanceStatus][]models.IssuanceStatus{
	models.IssuancePending:  {models.IssuanceReleased, models.IssuanceCancelled},
	models.IssuanceReleased: {models.IssuanceIssued, models.IssuanceReturned},
}

// CanTransition reports whether to is reachable from from through a dedicated transition.
func CanTransition(from, to models.IssuanceStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type LineInput struct {
	ItemID   uint   `json:"item_id" validate:"required"`
	Size     string `json:"size" validate:"required,max=50"`
	Quantity int    `json:"quantity" validate:"gt=0"`
}

type CreateInput struct {
	SiteID   uint                  `json:"site_id" validate:"required"`
	IssuedTo string                `json:"issued_to" validate:"required,max=150"`
	Status   models.IssuanceStatus `json:"status" validate:"omitempty,oneof=pending released issued"`
	Note     string                `json:"note"`
	Lines    []LineInput           `json:"lines" validate:"min=1,dive"`
}

type UpdateInput struct {
	SiteID   uint        `json:"site_id" validate:"required"`
	IssuedTo string      `json:"issued_to" validate:"required,max=150"`
	Note     string      `json:"note"`
	Lines    []LineInput `json:"lines" validate:"min=1,dive"`
}

type ListFilter struct {
	Status models.IssuanceStatus
	SiteID uint
}

type Service struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	cache  cache.VariantCache
	log    *zap.Logger
	now    func() time.Time
}

func NewService(db *gorm.DB, l *ledger.Ledger, c cache.VariantCache, log *zap.Logger) *Service {
	if c == nil {
		c = cache.Noop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: db, ledger: l, cache: c, log: log, now: time.Now}
}

// Option changes how a single transition validates stock.
type Option func(*options)

type options struct {
	snapshot *ledger.Snapshot
}

// WithSnapshot validates against snap instead of a fresh ledger read and
// records the applied changes in snap after commit.
func WithSnapshot(snap *ledger.Snapshot) Option {
	return func(o *options) { o.snapshot = snap }
}

func (s *Service) Get(ctx context.Context, id uint) (*models.Issuance, error) {
	return load(s.db.WithContext(ctx), id)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]models.Issuance, error) {
	q := s.db.WithContext(ctx).Preload("Site").Preload("Items.Item").Order("id DESC")
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.SiteID != 0 {
		q = q.Where("site_id = ?", f.SiteID)
	}
	var out []models.Issuance
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list issuances: %w", err)
	}
	return out, nil
}

// StatusCounts returns the number of issuances per status, zero included.
func (s *Service) StatusCounts(ctx context.Context) (map[models.IssuanceStatus]int64, error) {
	var rows []struct {
		Status models.IssuanceStatus
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&models.Issuance{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count issuances: %w", err)
	}
	out := make(map[models.IssuanceStatus]int64, len(models.IssuanceStatuses))
	for _, st := range models.IssuanceStatuses {
		out[st] = 0
	}
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// Create stores the issuance with its lines. A released or issued initial
// status deducts stock in the same transaction.
func (s *Service) Create(ctx context.Context, in CreateInput, actor string) (*models.Issuance, error) {
	if err := workflow.Validate(in); err != nil {
		return nil, err
	}
	actor = workflow.Actor(actor)
	status := in.Status
	if status == "" {
		status = models.IssuancePending
	}

	var out *models.Issuance
	var applied []ledger.Delta
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkRefs(tx, in.SiteID, in.Lines); err != nil {
			return err
		}
		is := models.Issuance{
			SiteID:   in.SiteID,
			IssuedTo: in.IssuedTo,
			Note:     in.Note,
			Items:    buildLines(in.Lines),
		}
		is.StampStatus(models.IssuancePending, s.now())
		if err := tx.Create(&is).Error; err != nil {
			return fmt.Errorf("create issuance: %w", err)
		}

		loaded, err := load(tx, is.ID)
		if err != nil {
			return err
		}
		if status.ConsumesStock() {
			if applied, err = s.deduct(tx, loaded, status, options{}); err != nil {
				return err
			}
		}
		if err := audit.Write(tx, audit.Entry{
			EntityType:  audit.EntityIssuance,
			EntityID:    loaded.ID,
			Action:      string(loaded.Status),
			PerformedBy: actor,
			Note:        lineNote(loaded.Items),
		}); err != nil {
			return err
		}
		out = loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, out, applied, options{}, actor)
	return out, nil
}

// UpdatePending replaces the header and every line of a pending issuance.
func (s *Service) UpdatePending(ctx context.Context, id uint, in UpdateInput, actor string) (*models.Issuance, error) {
	if err := workflow.Validate(in); err != nil {
		return nil, err
	}
	actor = workflow.Actor(actor)

	var out *models.Issuance
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		is, err := load(tx, id)
		if err != nil {
			return err
		}
		if is.Status != models.IssuancePending {
			return fmt.Errorf("issuance #%d is %s: %w", id, is.Status, workflow.ErrNotEditable)
		}
		if err := checkRefs(tx, in.SiteID, in.Lines); err != nil {
			return err
		}

		res := tx.Model(&models.Issuance{}).
			Where("id = ? AND status = ?", id, models.IssuancePending).
			Updates(map[string]any{"site_id": in.SiteID, "issued_to": in.IssuedTo, "note": in.Note})
		if res.Error != nil {
			return fmt.Errorf("update issuance: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("issuance #%d changed concurrently: %w", id, workflow.ErrNotEditable)
		}
		if err := tx.Where("issuance_id = ?", id).Delete(&models.IssuanceItem{}).Error; err != nil {
			return fmt.Errorf("delete issuance lines: %w", err)
		}
		lines := buildLines(in.Lines)
		for i := range lines {
			lines[i].IssuanceID = id
		}
		if err := tx.Create(&lines).Error; err != nil {
			return fmt.Errorf("insert issuance lines: %w", err)
		}

		if out, err = load(tx, id); err != nil {
			return err
		}
		return audit.Write(tx, audit.Entry{
			EntityType:  audit.EntityIssuance,
			EntityID:    id,
			Action:      audit.ActionUpdated,
			PerformedBy: actor,
			Note:        lineNote(out.Items),
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Release deducts every line from the ledger and moves pending to released.
// Any shortage fails the whole release and nothing is written.
func (s *Service) Release(ctx context.Context, id uint, actor string, opts ...Option) (*models.Issuance, error) {
	return s.run(ctx, id, actor, opts, func(tx *gorm.DB, is *models.Issuance, o options) ([]ledger.Delta, error) {
		if is.Status != models.IssuancePending {
			return nil, invalid(is, models.IssuanceReleased)
		}
		return s.deduct(tx, is, models.IssuanceReleased, o)
	})
}

// Issue marks a released issuance as handed over. The ledger is not touched.
func (s *Service) Issue(ctx context.Context, id uint, actor string) (*models.Issuance, error) {
	return s.run(ctx, id, actor, nil, func(tx *gorm.DB, is *models.Issuance, o options) ([]ledger.Delta, error) {
		if !CanTransition(is.Status, models.IssuanceIssued) {
			return nil, invalid(is, models.IssuanceIssued)
		}
		from := is.Status
		is.StampStatus(models.IssuanceIssued, s.now())
		return nil, s.save(tx, is, from)
	})
}

// CanDelete reports whether an issuance in status st may be removed. Neither
// status ever holds a deduction.
func CanDelete(st models.IssuanceStatus) bool {
	return st == models.IssuancePending || st == models.IssuanceCancelled
}

// Delete removes a pending or cancelled issuance with its lines. The history
// stays and ends with a deleted entry.
func (s *Service) Delete(ctx context.Context, id uint, actor string) error {
	actor = workflow.Actor(actor)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		is, err := load(tx, id)
		if err != nil {
			return err
		}
		if !CanDelete(is.Status) || is.StockDeducted {
			return invalid(is, audit.ActionDeleted)
		}
		if err := tx.Where("issuance_id = ?", id).Delete(&models.IssuanceItem{}).Error; err != nil {
			return fmt.Errorf("delete issuance lines: %w", err)
		}
		res := tx.Where("id = ? AND status = ?", id, is.Status).Delete(&models.Issuance{})
		if res.Error != nil {
			return fmt.Errorf("delete issuance: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return invalid(is, audit.ActionDeleted)
		}
		return audit.Write(tx, audit.Entry{
			EntityType:  audit.EntityIssuance,
			EntityID:    id,
			Action:      audit.ActionDeleted,
			PerformedBy: actor,
			Note:        lineNote(is.Items),
		})
	})
	if err != nil {
		return err
	}
	s.log.Info("issuance deleted", zap.Uint("issuance_id", id), zap.String("actor", actor))
	return nil
}

// Cancel closes a pending issuance. The ledger is not touched.
func (s *Service) Cancel(ctx context.Context, id uint, actor string) (*models.Issuance, error) {
	return s.run(ctx, id, actor, nil, func(tx *gorm.DB, is *models.Issuance, o options) ([]ledger.Delta, error) {
		if !CanTransition(is.Status, models.IssuanceCancelled) {
			return nil, invalid(is, models.IssuanceCancelled)
		}
		from := is.Status
		is.StampStatus(models.IssuanceCancelled, s.now())
		return nil, s.save(tx, is, from)
	})
}

// Return moves a released issuance to returned. With restore, each line gives
// back min(requested, line quantity) units; a line absent from quantities
// returns its full quantity. Without restore only the status changes.
func (s *Service) Return(ctx context.Context, id uint, quantities map[uint]int, restore bool, actor string, opts ...Option) (*models.Issuance, error) {
	return s.run(ctx, id, actor, opts, func(tx *gorm.DB, is *models.Issuance, o options) ([]ledger.Delta, error) {
		if !CanTransition(is.Status, models.IssuanceReturned) {
			return nil, invalid(is, models.IssuanceReturned)
		}
		var deltas []ledger.Delta
		if restore && is.StockDeducted {
			deltas = ReturnDeltas(is, quantities)
		}
		if err := s.check(tx, deltas, o); err != nil {
			return nil, err
		}

		from := is.Status
		is.StampStatus(models.IssuanceReturned, s.now())
		is.StockDeducted = false
		if err := s.save(tx, is, from); err != nil {
			return nil, err
		}
		if err := s.ledger.ApplyAll(tx, deltas); err != nil {
			return nil, err
		}
		return deltas, nil
	})
}

// SetStatus is the direct status edit. Moving into released or issued from
// pending deducts stock once; moving back to pending restores it once; the
// other edges run the matching dedicated transition.
func (s *Service) SetStatus(ctx context.Context, id uint, to models.IssuanceStatus, actor string) (*models.Issuance, error) {
	if !to.Valid() {
		return nil, workflow.NewValidationError(fmt.Sprintf("unknown issuance status %q", to))
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case current.Status == to:
		return current, nil
	case current.Status == models.IssuancePending && to.ConsumesStock():
		return s.run(ctx, id, actor, nil, func(tx *gorm.DB, is *models.Issuance, o options) ([]ledger.Delta, error) {
			if is.Status != models.IssuancePending {
				return nil, invalid(is, to)
			}
			return s.deduct(tx, is, to, o)
		})
	case current.Status.ConsumesStock() && to == models.IssuancePending:
		return s.run(ctx, id, actor, nil, func(tx *gorm.DB, is *models.Issuance, o options) ([]ledger.Delta, error) {
			if !is.Status.ConsumesStock() {
				return nil, invalid(is, to)
			}
			return s.revert(tx, is)
		})
	case to == models.IssuanceReleased:
		return s.Release(ctx, id, actor)
	case to == models.IssuanceIssued:
		return s.Issue(ctx, id, actor)
	case to == models.IssuanceReturned:
		return s.Return(ctx, id, nil, true, actor)
	case to == models.IssuanceCancelled:
		return s.Cancel(ctx, id, actor)
	}
	return nil, invalid(current, to)
}

type txFunc func(tx *gorm.DB, is *models.Issuance, o options) ([]ledger.Delta, error)

// run loads the issuance, applies fn and writes the audit entry in one
// transaction. Cache and snapshot bookkeeping happen after commit.
func (s *Service) run(ctx context.Context, id uint, actor string, opts []Option, fn txFunc) (*models.Issuance, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	actor = workflow.Actor(actor)

	var out *models.Issuance
	var applied []ledger.Delta
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		is, err := load(tx, id)
		if err != nil {
			return err
		}
		if applied, err = fn(tx, is, o); err != nil {
			return err
		}
		out = is
		return audit.Write(tx, audit.Entry{
			EntityType:  audit.EntityIssuance,
			EntityID:    is.ID,
			Action:      string(is.Status),
			PerformedBy: actor,
			Note:        deltaNote(applied),
		})
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, out, applied, o, actor)
	return out, nil
}

// deduct validates and removes every line from the ledger, then moves the
// issuance to status and fills the released quantities. Going straight to
// issued stamps released_at as well.
func (s *Service) deduct(tx *gorm.DB, is *models.Issuance, to models.IssuanceStatus, o options) ([]ledger.Delta, error) {
	if is.StockDeducted {
		return nil, invalid(is, to)
	}
	deltas := LineDeltas(is, -1)
	if err := s.check(tx, deltas, o); err != nil {
		return nil, err
	}

	from := is.Status
	now := s.now()
	if to == models.IssuanceIssued {
		is.StampStatus(models.IssuanceReleased, now)
	}
	is.StampStatus(to, now)
	is.StockDeducted = true
	if err := s.save(tx, is, from); err != nil {
		return nil, err
	}
	if err := s.ledger.ApplyAll(tx, deltas); err != nil {
		return nil, err
	}

	err := tx.Model(&models.IssuanceItem{}).Where("issuance_id = ?", is.ID).
		Updates(map[string]any{"released_quantity": gorm.Expr("quantity"), "remaining_quantity": 0}).Error
	if err != nil {
		return nil, fmt.Errorf("update issuance lines: %w", err)
	}
	for i := range is.Items {
		q, zero := is.Items[i].Quantity, 0
		is.Items[i].ReleasedQuantity = &q
		is.Items[i].RemainingQuantity = &zero
	}
	return deltas, nil
}

// revert puts a released or issued issuance back to pending and restores its stock once.
func (s *Service) revert(tx *gorm.DB, is *models.Issuance) ([]ledger.Delta, error) {
	var deltas []ledger.Delta
	if is.StockDeducted {
		deltas = LineDeltas(is, 1)
	}

	from := is.Status
	is.StampStatus(models.IssuancePending, s.now())
	is.StockDeducted = false
	if err := s.save(tx, is, from); err != nil {
		return nil, err
	}
	if err := s.ledger.ApplyAll(tx, deltas); err != nil {
		return nil, err
	}

	err := tx.Model(&models.IssuanceItem{}).Where("issuance_id = ?", is.ID).
		Updates(map[string]any{"released_quantity": nil, "remaining_quantity": nil}).Error
	if err != nil {
		return nil, fmt.Errorf("update issuance lines: %w", err)
	}
	for i := range is.Items {
		is.Items[i].ReleasedQuantity = nil
		is.Items[i].RemainingQuantity = nil
	}
	return deltas, nil
}

// check validates deltas against the caller's snapshot, or a fresh locked read.
func (s *Service) check(tx *gorm.DB, deltas []ledger.Delta, o options) error {
	if len(deltas) == 0 {
		return nil
	}
	snap := o.snapshot
	if snap == nil {
		var err error
		if snap, err = s.ledger.ResolveBatch(tx, ledger.Keys(deltas), true); err != nil {
			return err
		}
	}
	return snap.Check(deltas)
}

// save writes the status columns only if the row still has status from.
func (s *Service) save(tx *gorm.DB, is *models.Issuance, from models.IssuanceStatus) error {
	res := tx.Model(&models.Issuance{}).
		Where("id = ? AND status = ?", is.ID, from).
		Updates(map[string]any{
			"status":         is.Status,
			"pending_at":     is.PendingAt,
			"released_at":    is.ReleasedAt,
			"issued_at":      is.IssuedAt,
			"returned_at":    is.ReturnedAt,
			"cancelled_at":   is.CancelledAt,
			"stock_deducted": is.StockDeducted,
		})
	if res.Error != nil {
		return fmt.Errorf("update issuance status: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return &workflow.InvalidTransitionError{Entity: entity, ID: is.ID, From: string(from), To: string(is.Status)}
	}
	return nil
}

func (s *Service) afterCommit(ctx context.Context, is *models.Issuance, applied []ledger.Delta, o options, actor string) {
	if o.snapshot != nil {
		o.snapshot.Apply(applied)
	}
	if len(applied) > 0 {
		s.cache.Invalidate(ctx, itemIDs(applied)...)
	}
	s.log.Info("issuance transition",
		zap.Uint("issuance_id", is.ID),
		zap.String("status", string(is.Status)),
		zap.String("actor", actor),
		zap.Int("ledger_changes", len(applied)),
	)
}

// LineDeltas turns every line into a ledger change of sign * quantity.
func LineDeltas(is *models.Issuance, sign int) []ledger.Delta {
	out := make([]ledger.Delta, 0, len(is.Items))
	for _, ln := range is.Items {
		out = append(out, ledger.Delta{
			Key:   ledger.Key{ItemID: ln.ItemID, Size: ln.Size},
			Qty:   sign * ln.Quantity,
			Label: itemName(ln.Item),
		})
	}
	return out
}

// ReturnDeltas computes the restore for each line: the requested amount keyed
// by line id, clamped to [0, line quantity]. Missing lines restore in full.
func ReturnDeltas(is *models.Issuance, quantities map[uint]int) []ledger.Delta {
	out := make([]ledger.Delta, 0, len(is.Items))
	for _, ln := range is.Items {
		qty := ln.Quantity
		if req, ok := quantities[ln.ID]; ok {
			qty = min(max(req, 0), ln.Quantity)
		}
		if qty == 0 {
			continue
		}
		out = append(out, ledger.Delta{
			Key:   ledger.Key{ItemID: ln.ItemID, Size: ln.Size},
			Qty:   qty,
			Label: itemName(ln.Item),
		})
	}
	return out
}

func load(tx *gorm.DB, id uint) (*models.Issuance, error) {
	var is models.Issuance
	err := tx.Preload("Site").Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("id")
	}).Preload("Items.Item").First(&is, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("issuance #%d: %w", id, workflow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load issuance: %w", err)
	}
	return &is, nil
}

func checkRefs(tx *gorm.DB, siteID uint, lines []LineInput) error {
	var n int64
	if err := tx.Model(&models.Site{}).Where("id = ?", siteID).Count(&n).Error; err != nil {
		return fmt.Errorf("check site: %w", err)
	}
	var problems []string
	if n == 0 {
		problems = append(problems, fmt.Sprintf("site #%d does not exist", siteID))
	}
	missing, err := missingItems(tx, lines)
	if err != nil {
		return err
	}
	for _, id := range missing {
		problems = append(problems, fmt.Sprintf("item #%d does not exist", id))
	}
	if len(problems) > 0 {
		return workflow.NewValidationError(problems...)
	}
	return nil
}

func missingItems(tx *gorm.DB, lines []LineInput) ([]uint, error) {
	ids := make([]uint, 0, len(lines))
	seen := make(map[uint]struct{}, len(lines))
	for _, ln := range lines {
		if _, ok := seen[ln.ItemID]; !ok {
			seen[ln.ItemID] = struct{}{}
			ids = append(ids, ln.ItemID)
		}
	}
	var found []uint
	if err := tx.Model(&models.Item{}).Where("id IN ?", ids).Pluck("id", &found).Error; err != nil {
		return nil, fmt.Errorf("check items: %w", err)
	}
	for _, id := range found {
		delete(seen, id)
	}
	var missing []uint
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func buildLines(in []LineInput) []models.IssuanceItem {
	out := make([]models.IssuanceItem, len(in))
	for i, ln := range in {
		out[i] = models.IssuanceItem{ItemID: ln.ItemID, Size: ln.Size, Quantity: ln.Quantity}
	}
	return out
}

func invalid(is *models.Issuance, to models.IssuanceStatus) error {
	return &workflow.InvalidTransitionError{Entity: entity, ID: is.ID, From: string(is.Status), To: string(to)}
}

func itemName(it *models.Item) string {
	if it == nil {
		return ""
	}
	return it.Name
}

func itemIDs(deltas []ledger.Delta) []uint {
	seen := make(map[uint]struct{}, len(deltas))
	out := make([]uint, 0, len(deltas))
	for _, d := range deltas {
		if _, ok := seen[d.ItemID]; !ok {
			seen[d.ItemID] = struct{}{}
			out = append(out, d.ItemID)
		}
	}
	return out
}

type noteLine struct {
	ItemID   uint   `json:"item_id"`
	Size     string `json:"size"`
	Quantity int    `json:"quantity"`
}

func lineNote(lines []models.IssuanceItem) map[string]any {
	out := make([]noteLine, len(lines))
	for i, ln := range lines {
		out[i] = noteLine{ItemID: ln.ItemID, Size: ln.Size, Quantity: ln.Quantity}
	}
	return map[string]any{"lines": out}
}

func deltaNote(deltas []ledger.Delta) any {
	if len(deltas) == 0 {
		return nil
	}
	out := make([]noteLine, len(deltas))
	for i, d := range deltas {
		out[i] = noteLine{ItemID: d.ItemID, Size: d.Size, Quantity: d.Qty}
	}
	return map[string]any{"ledger": out}
}
