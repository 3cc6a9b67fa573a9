// Package restock runs the inbound workflow: deliveries add to the ledger,
// possibly over several partial calls, and returns to the supplier take stock out.
package restock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"depot-backend/internal/audit"
	"depot-backend/internal/cache"
	"depot-backend/internal/ledger"
	"depot-backend/internal/models"
	"depot-backend/internal/workflow"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const entity = "restock"

var transitions = map[models.RestockStatus][]models.RestockStatus{
	models.RestockPending:   {models.RestockDelivered, models.RestockPartial, models.RestockCancelled},
	models.RestockPartial:   {models.RestockDelivered, models.RestockPartial, models.RestockReturned},
	models.RestockDelivered: {models.RestockReturned},
}

func CanTransition(from, to models.RestockStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanDeliver reports whether a restock in status s still accepts deliveries.
func CanDeliver(s models.RestockStatus) bool {
	return s == models.RestockPending || s == models.RestockPartial
}

type LineInput struct {
	ItemID   uint   `json:"item_id" validate:"required"`
	Size     string `json:"size" validate:"required,max=50"`
	Quantity int    `json:"quantity" validate:"gt=0"`
}

type CreateInput struct {
	SupplierName string               `json:"supplier_name" validate:"required,max=150"`
	OrderedBy    string               `json:"ordered_by" validate:"required,max=150"`
	OrderedAt    *time.Time           `json:"ordered_at"`
	Status       models.RestockStatus `json:"status" validate:"omitempty,oneof=pending delivered"`
	Note         string               `json:"note"`
	Lines        []LineInput          `json:"lines" validate:"min=1,dive"`
}

type UpdateInput struct {
	SupplierName string      `json:"supplier_name" validate:"required,max=150"`
	OrderedBy    string      `json:"ordered_by" validate:"required,max=150"`
	OrderedAt    *time.Time  `json:"ordered_at"`
	Note         string      `json:"note"`
	Lines        []LineInput `json:"lines" validate:"min=1,dive"`
}

type ListFilter struct {
	Status   models.RestockStatus
	Supplier string
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

type Option func(*options)

type options struct {
	snapshot *ledger.Snapshot
}

// WithSnapshot validates against snap instead of a fresh ledger read and
// records the applied changes in snap after commit.
func WithSnapshot(snap *ledger.Snapshot) Option {
	return func(o *options) { o.snapshot = snap }
}

func (s *Service) Get(ctx context.Context, id uint) (*models.Restock, error) {
	return load(s.db.WithContext(ctx), id)
}

func (s *Service) List(ctx context.Context, f ListFilter) ([]models.Restock, error) {
	q := s.db.WithContext(ctx).Preload("Items.Item").Order("id DESC")
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Supplier != "" {
		q = q.Where("LOWER(supplier_name) LIKE ?", "%"+strings.ToLower(f.Supplier)+"%")
	}
	var out []models.Restock
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list restocks: %w", err)
	}
	return out, nil
}

func (s *Service) StatusCounts(ctx context.Context) (map[models.RestockStatus]int64, error) {
	var rows []struct {
		Status models.RestockStatus
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&models.Restock{}).
		Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count restocks: %w", err)
	}
	out := make(map[models.RestockStatus]int64, len(models.RestockStatuses))
	for _, st := range models.RestockStatuses {
		out[st] = 0
	}
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// Create stores the restock with its lines. A delivered initial status books
// every line in full within the same transaction.
func (s *Service) Create(ctx context.Context, in CreateInput, actor string) (*models.Restock, error) {
	if err := workflow.Validate(in); err != nil {
		return nil, err
	}
	actor = workflow.Actor(actor)

	var out *models.Restock
	var applied []ledger.Delta
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := checkItems(tx, in.Lines); err != nil {
			return err
		}
		orderedAt := in.OrderedAt
		if orderedAt == nil {
			now := s.now()
			orderedAt = &now
		}
		r := models.Restock{
			SupplierName: in.SupplierName,
			OrderedBy:    in.OrderedBy,
			OrderedAt:    orderedAt,
			Status:       models.RestockPending,
			Note:         in.Note,
			Items:        buildLines(in.Lines),
		}
		if err := tx.Create(&r).Error; err != nil {
			return fmt.Errorf("create restock: %w", err)
		}

		loaded, err := load(tx, r.ID)
		if err != nil {
			return err
		}
		if in.Status == models.RestockDelivered {
			if applied, err = s.deliver(tx, loaded, nil, options{}); err != nil {
				return err
			}
		}
		if err := audit.Write(tx, audit.Entry{
			EntityType:  audit.EntityRestock,
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

// UpdatePending replaces the header and every line of a pending restock.
func (s *Service) UpdatePending(ctx context.Context, id uint, in UpdateInput, actor string) (*models.Restock, error) {
	if err := workflow.Validate(in); err != nil {
		return nil, err
	}
	actor = workflow.Actor(actor)

	var out *models.Restock
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := load(tx, id)
		if err != nil {
			return err
		}
		if r.Status != models.RestockPending {
			return fmt.Errorf("restock #%d is %s: %w", id, r.Status, workflow.ErrNotEditable)
		}
		if err := checkItems(tx, in.Lines); err != nil {
			return err
		}

		updates := map[string]any{"supplier_name": in.SupplierName, "ordered_by": in.OrderedBy, "note": in.Note}
		if in.OrderedAt != nil {
			updates["ordered_at"] = in.OrderedAt
		}
		res := tx.Model(&models.Restock{}).Where("id = ? AND status = ?", id, models.RestockPending).Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("update restock: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return fmt.Errorf("restock #%d changed concurrently: %w", id, workflow.ErrNotEditable)
		}
		if err := tx.Where("restock_id = ?", id).Delete(&models.RestockItem{}).Error; err != nil {
			return fmt.Errorf("delete restock lines: %w", err)
		}
		lines := buildLines(in.Lines)
		for i := range lines {
			lines[i].RestockID = id
		}
		if err := tx.Create(&lines).Error; err != nil {
			return fmt.Errorf("insert restock lines: %w", err)
		}

		if out, err = load(tx, id); err != nil {
			return err
		}
		return audit.Write(tx, audit.Entry{
			EntityType:  audit.EntityRestock,
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

// Deliver books received quantities. Each line takes min(requested,
// remaining); a line absent from quantities receives everything still
// outstanding. The restock ends delivered when nothing remains, else partial.
func (s *Service) Deliver(ctx context.Context, id uint, quantities map[uint]int, actor string, opts ...Option) (*models.Restock, error) {
	return s.run(ctx, id, actor, opts, func(tx *gorm.DB, r *models.Restock, o options) ([]ledger.Delta, error) {
		return s.deliver(tx, r, quantities, o)
	})
}

// Return sends stock back to the supplier. Each line gives back at most what
// was delivered; the whole return fails if any ledger row would go negative.
func (s *Service) Return(ctx context.Context, id uint, quantities map[uint]int, actor string, opts ...Option) (*models.Restock, error) {
	return s.run(ctx, id, actor, opts, func(tx *gorm.DB, r *models.Restock, o options) ([]ledger.Delta, error) {
		if !CanTransition(r.Status, models.RestockReturned) {
			return nil, invalid(r, models.RestockReturned)
		}
		deltas := ReturnDeltas(r, quantities)
		if err := s.check(tx, deltas, o); err != nil {
			return nil, err
		}
		from := r.Status
		r.StampStatus(models.RestockReturned, s.now())
		if err := s.save(tx, r, from); err != nil {
			return nil, err
		}
		if err := s.ledger.ApplyAll(tx, deltas); err != nil {
			return nil, err
		}
		return deltas, nil
	})
}

// CanDelete reports whether a restock in status st may be removed. Neither
// status ever booked a delivery.
func CanDelete(st models.RestockStatus) bool {
	return st == models.RestockPending || st == models.RestockCancelled
}

// Delete removes a pending or cancelled restock with its lines. The history
// stays and ends with a deleted entry.
func (s *Service) Delete(ctx context.Context, id uint, actor string) error {
	actor = workflow.Actor(actor)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := load(tx, id)
		if err != nil {
			return err
		}
		if !CanDelete(r.Status) {
			return invalid(r, audit.ActionDeleted)
		}
		if err := tx.Where("restock_id = ?", id).Delete(&models.RestockItem{}).Error; err != nil {
			return fmt.Errorf("delete restock lines: %w", err)
		}
		res := tx.Where("id = ? AND status = ?", id, r.Status).Delete(&models.Restock{})
		if res.Error != nil {
			return fmt.Errorf("delete restock: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return invalid(r, audit.ActionDeleted)
		}
		return audit.Write(tx, audit.Entry{
			EntityType:  audit.EntityRestock,
			EntityID:    id,
			Action:      audit.ActionDeleted,
			PerformedBy: actor,
			Note:        lineNote(r.Items),
		})
	})
	if err != nil {
		return err
	}
	s.log.Info("restock deleted", zap.Uint("restock_id", id), zap.String("actor", actor))
	return nil
}

// Cancel closes a pending restock. The ledger is not touched.
func (s *Service) Cancel(ctx context.Context, id uint, actor string) (*models.Restock, error) {
	return s.run(ctx, id, actor, nil, func(tx *gorm.DB, r *models.Restock, o options) ([]ledger.Delta, error) {
		if !CanTransition(r.Status, models.RestockCancelled) {
			return nil, invalid(r, models.RestockCancelled)
		}
		from := r.Status
		r.StampStatus(models.RestockCancelled, s.now())
		return nil, s.save(tx, r, from)
	})
}

type txFunc func(tx *gorm.DB, r *models.Restock, o options) ([]ledger.Delta, error)

func (s *Service) run(ctx context.Context, id uint, actor string, opts []Option, fn txFunc) (*models.Restock, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	actor = workflow.Actor(actor)

	var out *models.Restock
	var applied []ledger.Delta
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := load(tx, id)
		if err != nil {
			return err
		}
		if applied, err = fn(tx, r, o); err != nil {
			return err
		}
		out = r
		return audit.Write(tx, audit.Entry{
			EntityType:  audit.EntityRestock,
			EntityID:    r.ID,
			Action:      string(r.Status),
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

func (s *Service) deliver(tx *gorm.DB, r *models.Restock, quantities map[uint]int, o options) ([]ledger.Delta, error) {
	if !CanDeliver(r.Status) {
		return nil, invalid(r, models.RestockDelivered)
	}
	plan := DeliveryPlan(r, quantities)
	deltas := make([]ledger.Delta, 0, len(plan))
	for i, qty := range plan {
		if qty == 0 {
			continue
		}
		ln := r.Items[i]
		deltas = append(deltas, ledger.Delta{
			Key:   ledger.Key{ItemID: ln.ItemID, Size: ln.Size},
			Qty:   qty,
			Label: itemName(ln.Item),
		})
	}
	if len(deltas) == 0 {
		return nil, workflow.NewValidationError("nothing to deliver")
	}
	if err := s.check(tx, deltas, o); err != nil {
		return nil, err
	}

	outstanding := false
	for i := range r.Items {
		ln := &r.Items[i]
		delivered := ln.Delivered() + plan[i]
		remaining := ln.Quantity - delivered
		ln.DeliveredQuantity = &delivered
		ln.RemainingQuantity = &remaining
		if remaining > 0 {
			outstanding = true
		}
	}
	to := models.RestockDelivered
	if outstanding {
		to = models.RestockPartial
	}

	from := r.Status
	r.StampStatus(to, s.now())
	if err := s.save(tx, r, from); err != nil {
		return nil, err
	}
	if err := s.ledger.ApplyAll(tx, deltas); err != nil {
		return nil, err
	}
	for _, ln := range r.Items {
		err := tx.Model(&models.RestockItem{}).Where("id = ?", ln.ID).Updates(map[string]any{
			"delivered_quantity": *ln.DeliveredQuantity,
			"remaining_quantity": *ln.RemainingQuantity,
		}).Error
		if err != nil {
			return nil, fmt.Errorf("update restock line: %w", err)
		}
	}
	return deltas, nil
}

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
func (s *Service) save(tx *gorm.DB, r *models.Restock, from models.RestockStatus) error {
	res := tx.Model(&models.Restock{}).
		Where("id = ? AND status = ?", r.ID, from).
		Updates(map[string]any{
			"status":       r.Status,
			"delivered_at": r.DeliveredAt,
			"partial_at":   r.PartialAt,
			"returned_at":  r.ReturnedAt,
			"cancelled_at": r.CancelledAt,
		})
	if res.Error != nil {
		return fmt.Errorf("update restock status: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return &workflow.InvalidTransitionError{Entity: entity, ID: r.ID, From: string(from), To: string(r.Status)}
	}
	return nil
}

func (s *Service) afterCommit(ctx context.Context, r *models.Restock, applied []ledger.Delta, o options, actor string) {
	if o.snapshot != nil {
		o.snapshot.Apply(applied)
	}
	if len(applied) > 0 {
		s.cache.Invalidate(ctx, itemIDs(applied)...)
	}
	s.log.Info("restock transition",
		zap.Uint("restock_id", r.ID),
		zap.String("status", string(r.Status)),
		zap.String("actor", actor),
		zap.Int("ledger_changes", len(applied)),
	)
}

// DeliveryPlan returns, per line index, how many units this delivery books.
func DeliveryPlan(r *models.Restock, quantities map[uint]int) []int {
	plan := make([]int, len(r.Items))
	for i, ln := range r.Items {
		remaining := ln.Quantity - ln.Delivered()
		if remaining < 0 {
			remaining = 0
		}
		qty := remaining
		if req, ok := quantities[ln.ID]; ok {
			qty = min(max(req, 0), remaining)
		}
		plan[i] = qty
	}
	return plan
}

// ReturnDeltas computes the ledger deduction per line, clamped to what the line can give back.
func ReturnDeltas(r *models.Restock, quantities map[uint]int) []ledger.Delta {
	out := make([]ledger.Delta, 0, len(r.Items))
	for _, ln := range r.Items {
		limit := ln.Returnable()
		qty := limit
		if req, ok := quantities[ln.ID]; ok {
			qty = min(max(req, 0), limit)
		}
		if qty == 0 {
			continue
		}
		out = append(out, ledger.Delta{
			Key:   ledger.Key{ItemID: ln.ItemID, Size: ln.Size},
			Qty:   -qty,
			Label: itemName(ln.Item),
		})
	}
	return out
}

func load(tx *gorm.DB, id uint) (*models.Restock, error) {
	var r models.Restock
	err := tx.Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("id")
	}).Preload("Items.Item").First(&r, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("restock #%d: %w", id, workflow.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load restock: %w", err)
	}
	return &r, nil
}

func checkItems(tx *gorm.DB, lines []LineInput) error {
	ids := make([]uint, 0, len(lines))
	seen := make(map[uint]bool, len(lines))
	for _, ln := range lines {
		if !seen[ln.ItemID] {
			seen[ln.ItemID] = true
			ids = append(ids, ln.ItemID)
		}
	}
	var found []uint
	if err := tx.Model(&models.Item{}).Where("id IN ?", ids).Pluck("id", &found).Error; err != nil {
		return fmt.Errorf("check items: %w", err)
	}
	for _, id := range found {
		seen[id] = false
	}
	var problems []string
	for _, id := range ids {
		if seen[id] {
			problems = append(problems, fmt.Sprintf("item #%d does not exist", id))
		}
	}
	if len(problems) > 0 {
		return workflow.NewValidationError(problems...)
	}
	return nil
}

func buildLines(in []LineInput) []models.RestockItem {
	out := make([]models.RestockItem, len(in))
	for i, ln := range in {
		out[i] = models.RestockItem{ItemID: ln.ItemID, Size: ln.Size, Quantity: ln.Quantity}
	}
	return out
}

func invalid(r *models.Restock, to models.RestockStatus) error {
	return &workflow.InvalidTransitionError{Entity: entity, ID: r.ID, From: string(r.Status), To: string(to)}
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

func lineNote(lines []models.RestockItem) map[string]any {
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
