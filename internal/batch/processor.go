// Package batch applies one transition to many issuances or restocks. Stock
// checks run against a single in-memory snapshot that is updated after every
// applied entity, so entities later in the batch see what earlier ones took.
// Each entity commits on its own; one failure never undoes another.
package batch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"depot-backend/internal/issuance"
	"depot-backend/internal/ledger"
	"depot-backend/internal/models"
	"depot-backend/internal/restock"
	"depot-backend/internal/workflow"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Skip struct {
	ID     uint   `json:"id"`
	Reason string `json:"reason"`
}

// Report describes what one bulk call changed. Applied holds exactly the ids
// whose status moved.
type Report struct {
	RunID     string `json:"run_id"`
	Action    string `json:"action"`
	Requested int    `json:"requested"`
	Applied   []uint `json:"applied"`
	Skipped   []Skip `json:"skipped"`
}

func (r *Report) AppliedCount() int { return len(r.Applied) }
func (r *Report) SkippedCount() int { return len(r.Skipped) }

type Processor struct {
	db        *gorm.DB
	ledger    *ledger.Ledger
	issuances *issuance.Service
	restocks  *restock.Service
	log       *zap.Logger
}

func NewProcessor(db *gorm.DB, l *ledger.Ledger, is *issuance.Service, rs *restock.Service, log *zap.Logger) *Processor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Processor{db: db, ledger: l, issuances: is, restocks: rs, log: log}
}

// candidate is an entity found in the database with the pairs its lines touch.
type candidate struct {
	id     uint
	status string
	keys   []ledger.Key
}

type step struct {
	action   string
	eligible func(status string) bool
	snapshot bool
	apply    func(ctx context.Context, id uint, snap *ledger.Snapshot) error
}

func (p *Processor) BulkReleaseIssuances(ctx context.Context, ids []uint, actor string) (*Report, error) {
	return p.runIssuances(ctx, ids, step{
		action:   "issuance.release",
		eligible: is(models.IssuancePending),
		snapshot: true,
		apply: func(ctx context.Context, id uint, snap *ledger.Snapshot) error {
			_, err := p.issuances.Release(ctx, id, actor, issuance.WithSnapshot(snap))
			return err
		},
	})
}

func (p *Processor) BulkIssueIssuances(ctx context.Context, ids []uint, actor string) (*Report, error) {
	return p.runIssuances(ctx, ids, step{
		action:   "issuance.issue",
		eligible: is(models.IssuanceReleased),
		apply: func(ctx context.Context, id uint, _ *ledger.Snapshot) error {
			_, err := p.issuances.Issue(ctx, id, actor)
			return err
		},
	})
}

// BulkReturnIssuances returns every released issuance. quantities is keyed by
// issuance id, then line id; absent entries return in full.
func (p *Processor) BulkReturnIssuances(ctx context.Context, ids []uint, quantities map[uint]map[uint]int, restore bool, actor string) (*Report, error) {
	return p.runIssuances(ctx, ids, step{
		action:   "issuance.return",
		eligible: is(models.IssuanceReleased),
		snapshot: restore,
		apply: func(ctx context.Context, id uint, snap *ledger.Snapshot) error {
			var opts []issuance.Option
			if snap != nil {
				opts = append(opts, issuance.WithSnapshot(snap))
			}
			_, err := p.issuances.Return(ctx, id, quantities[id], restore, actor, opts...)
			return err
		},
	})
}

func (p *Processor) BulkCancelIssuances(ctx context.Context, ids []uint, actor string) (*Report, error) {
	return p.runIssuances(ctx, ids, step{
		action:   "issuance.cancel",
		eligible: is(models.IssuancePending),
		apply: func(ctx context.Context, id uint, _ *ledger.Snapshot) error {
			_, err := p.issuances.Cancel(ctx, id, actor)
			return err
		},
	})
}

// BulkDeleteIssuances removes every pending or cancelled issuance.
func (p *Processor) BulkDeleteIssuances(ctx context.Context, ids []uint, actor string) (*Report, error) {
	return p.runIssuances(ctx, ids, step{
		action:   "issuance.delete",
		eligible: func(s string) bool { return issuance.CanDelete(models.IssuanceStatus(s)) },
		apply: func(ctx context.Context, id uint, _ *ledger.Snapshot) error {
			return p.issuances.Delete(ctx, id, actor)
		},
	})
}

// BulkDeliverRestocks delivers every pending or partial restock. quantities is
// keyed by restock id, then line id; absent entries deliver what remains.
func (p *Processor) BulkDeliverRestocks(ctx context.Context, ids []uint, quantities map[uint]map[uint]int, actor string) (*Report, error) {
	return p.runRestocks(ctx, ids, step{
		action:   "restock.deliver",
		eligible: func(s string) bool { return restock.CanDeliver(models.RestockStatus(s)) },
		snapshot: true,
		apply: func(ctx context.Context, id uint, snap *ledger.Snapshot) error {
			_, err := p.restocks.Deliver(ctx, id, quantities[id], actor, restock.WithSnapshot(snap))
			return err
		},
	})
}

func (p *Processor) BulkReturnRestocks(ctx context.Context, ids []uint, quantities map[uint]map[uint]int, actor string) (*Report, error) {
	return p.runRestocks(ctx, ids, step{
		action: "restock.return",
		eligible: func(s string) bool {
			return restock.CanTransition(models.RestockStatus(s), models.RestockReturned)
		},
		snapshot: true,
		apply: func(ctx context.Context, id uint, snap *ledger.Snapshot) error {
			_, err := p.restocks.Return(ctx, id, quantities[id], actor, restock.WithSnapshot(snap))
			return err
		},
	})
}

func (p *Processor) BulkCancelRestocks(ctx context.Context, ids []uint, actor string) (*Report, error) {
	return p.runRestocks(ctx, ids, step{
		action:   "restock.cancel",
		eligible: func(s string) bool { return models.RestockStatus(s) == models.RestockPending },
		apply: func(ctx context.Context, id uint, _ *ledger.Snapshot) error {
			_, err := p.restocks.Cancel(ctx, id, actor)
			return err
		},
	})
}

// BulkDeleteRestocks removes every pending or cancelled restock.
func (p *Processor) BulkDeleteRestocks(ctx context.Context, ids []uint, actor string) (*Report, error) {
	return p.runRestocks(ctx, ids, step{
		action:   "restock.delete",
		eligible: func(s string) bool { return restock.CanDelete(models.RestockStatus(s)) },
		apply: func(ctx context.Context, id uint, _ *ledger.Snapshot) error {
			return p.restocks.Delete(ctx, id, actor)
		},
	})
}

func (p *Processor) runIssuances(ctx context.Context, ids []uint, st step) (*Report, error) {
	ids = normalize(ids)
	var rows []models.Issuance
	if err := p.db.WithContext(ctx).Preload("Items").Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load issuances: %w", err)
	}
	found := make(map[uint]candidate, len(rows))
	for _, r := range rows {
		c := candidate{id: r.ID, status: string(r.Status)}
		for _, ln := range r.Items {
			c.keys = append(c.keys, ledger.Key{ItemID: ln.ItemID, Size: ln.Size})
		}
		found[r.ID] = c
	}
	return p.run(ctx, ids, found, st)
}

func (p *Processor) runRestocks(ctx context.Context, ids []uint, st step) (*Report, error) {
	ids = normalize(ids)
	var rows []models.Restock
	if err := p.db.WithContext(ctx).Preload("Items").Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load restocks: %w", err)
	}
	found := make(map[uint]candidate, len(rows))
	for _, r := range rows {
		c := candidate{id: r.ID, status: string(r.Status)}
		for _, ln := range r.Items {
			c.keys = append(c.keys, ledger.Key{ItemID: ln.ItemID, Size: ln.Size})
		}
		found[r.ID] = c
	}
	return p.run(ctx, ids, found, st)
}

func (p *Processor) run(ctx context.Context, ids []uint, found map[uint]candidate, st step) (*Report, error) {
	rep := &Report{
		RunID:     uuid.NewString(),
		Action:    st.action,
		Requested: len(ids),
		Applied:   []uint{},
		Skipped:   []Skip{},
	}
	log := p.log.With(zap.String("run_id", rep.RunID), zap.String("action", st.action))

	var eligible []uint
	var keys []ledger.Key
	for _, id := range ids {
		c, ok := found[id]
		switch {
		case !ok:
			rep.Skipped = append(rep.Skipped, Skip{ID: id, Reason: "not found"})
		case !st.eligible(c.status):
			rep.Skipped = append(rep.Skipped, Skip{ID: id, Reason: "status is " + c.status})
		default:
			eligible = append(eligible, id)
			keys = append(keys, c.keys...)
		}
	}

	var snap *ledger.Snapshot
	if st.snapshot && len(eligible) > 0 {
		var err error
		if snap, err = p.ledger.ResolveBatch(p.db.WithContext(ctx), keys, false); err != nil {
			return nil, err
		}
	}

	for _, id := range eligible {
		if err := st.apply(ctx, id, snap); err != nil {
			if !workflow.Expected(err) {
				log.Error("bulk entity failed", zap.Uint("id", id), zap.Error(err))
			}
			rep.Skipped = append(rep.Skipped, Skip{ID: id, Reason: strings.Join(workflow.Messages(err), "; ")})
			continue
		}
		rep.Applied = append(rep.Applied, id)
	}

	log.Info("bulk run finished",
		zap.Int("requested", rep.Requested),
		zap.Int("applied", rep.AppliedCount()),
		zap.Int("skipped", rep.SkippedCount()),
	)
	return rep, nil
}

func is(want models.IssuanceStatus) func(string) bool {
	return func(s string) bool { return models.IssuanceStatus(s) == want }
}

// normalize drops duplicates and zero ids and sorts ascending.
func normalize(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
