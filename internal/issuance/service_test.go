package issuance

import (
	"context"
	"sync"
	"testing"

	"depot-backend/internal/audit"
	"depot-backend/internal/cache"
	"depot-backend/internal/config"
	"depot-backend/internal/ledger"
	"depot-backend/internal/models"
	"depot-backend/internal/testutil"
	"depot-backend/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type recordingCache struct {
	cache.Noop
	mu          sync.Mutex
	invalidated []uint
}

func (r *recordingCache) Invalidate(_ context.Context, ids ...uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, ids...)
}

type fixture struct {
	db    *gorm.DB
	svc   *Service
	cache *recordingCache
	site  models.Site
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	rc := &recordingCache{}
	return &fixture{
		db:    db,
		svc:   NewService(db, ledger.New(config.MissingVariantSkip, nil), rc, nil),
		cache: rc,
		site:  testutil.Site(t, db, "North Yard"),
	}
}

func (f *fixture) create(t *testing.T, lines ...LineInput) *models.Issuance {
	t.Helper()
	is, err := f.svc.Create(context.Background(), CreateInput{SiteID: f.site.ID, IssuedTo: "Crew A", Lines: lines}, "ana")
	require.NoError(t, err)
	return is
}

func TestReleaseInsufficientStockLeavesEverythingUntouched(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Create(&models.Item{ID: 42, Name: "Helmet"}).Error)
	require.NoError(t, f.db.Create(&models.ItemVariant{ItemID: 42, SizeLabel: "M", Quantity: 3}).Error)
	other := testutil.Variant(t, f.db, "Vest", "L", 10)

	is := f.create(t,
		LineInput{ItemID: 42, Size: "M", Quantity: 5},
		LineInput{ItemID: other.ItemID, Size: "L", Quantity: 2},
	)

	_, err := f.svc.Release(context.Background(), is.ID, "ana")
	var ise *ledger.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, []string{"Helmet (M): needs 5, has 3"}, workflow.Messages(err))

	got, err := f.svc.Get(context.Background(), is.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IssuancePending, got.Status)
	assert.Nil(t, got.ReleasedAt)
	assert.False(t, got.StockDeducted)
	assert.Equal(t, 3, testutil.Quantity(t, f.db, 42, "M"))
	assert.Equal(t, 10, testutil.Quantity(t, f.db, other.ItemID, "L"))
}

func TestReleaseThenFullReturnRestoresLedger(t *testing.T) {
	f := newFixture(t)
	a := testutil.Variant(t, f.db, "Gloves", "M", 9)
	b := testutil.Variant(t, f.db, "Boots", "42", 4)

	is := f.create(t,
		LineInput{ItemID: a.ItemID, Size: "M", Quantity: 3},
		LineInput{ItemID: a.ItemID, Size: "M", Quantity: 2},
		LineInput{ItemID: b.ItemID, Size: "42", Quantity: 4},
	)

	rel, err := f.svc.Release(context.Background(), is.ID, "ana")
	require.NoError(t, err)
	assert.Equal(t, models.IssuanceReleased, rel.Status)
	require.NotNil(t, rel.ReleasedAt)
	assert.True(t, rel.StockDeducted)
	assert.Equal(t, 4, testutil.Quantity(t, f.db, a.ItemID, "M"))
	assert.Equal(t, 0, testutil.Quantity(t, f.db, b.ItemID, "42"))
	for _, ln := range rel.Items {
		require.NotNil(t, ln.ReleasedQuantity)
		assert.Equal(t, ln.Quantity, *ln.ReleasedQuantity)
		assert.Equal(t, 0, *ln.RemainingQuantity)
	}
	assert.ElementsMatch(t, []uint{a.ItemID, b.ItemID}, f.cache.invalidated)

	ret, err := f.svc.Return(context.Background(), is.ID, nil, true, "bo")
	require.NoError(t, err)
	assert.Equal(t, models.IssuanceReturned, ret.Status)
	assert.False(t, ret.StockDeducted)
	assert.Equal(t, 9, testutil.Quantity(t, f.db, a.ItemID, "M"))
	assert.Equal(t, 4, testutil.Quantity(t, f.db, b.ItemID, "42"))

	// returned is terminal
	_, err = f.svc.Return(context.Background(), is.ID, nil, true, "bo")
	var ite *workflow.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, 9, testutil.Quantity(t, f.db, a.ItemID, "M"))
}

func TestReturnClampsQuantities(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Gloves", "M", 10)
	w := testutil.Variant(t, f.db, "Gloves", "L", 10)
	x := testutil.Variant(t, f.db, "Gloves", "S", 10)

	is := f.create(t,
		LineInput{ItemID: v.ItemID, Size: "M", Quantity: 4},
		LineInput{ItemID: w.ItemID, Size: "L", Quantity: 4},
		LineInput{ItemID: x.ItemID, Size: "S", Quantity: 4},
	)
	_, err := f.svc.Release(context.Background(), is.ID, "ana")
	require.NoError(t, err)

	ret, err := f.svc.Return(context.Background(), is.ID, map[uint]int{
		is.Items[0].ID: 50,
		is.Items[1].ID: -3,
	}, true, "ana")
	require.NoError(t, err)
	assert.Equal(t, models.IssuanceReturned, ret.Status)

	assert.Equal(t, 10, testutil.Quantity(t, f.db, v.ItemID, "M"), "clamped to line quantity")
	assert.Equal(t, 6, testutil.Quantity(t, f.db, w.ItemID, "L"), "negative means nothing back")
	assert.Equal(t, 10, testutil.Quantity(t, f.db, x.ItemID, "S"), "missing entry returns the full line")
}

func TestReturnWithoutRestore(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Gloves", "M", 5)
	is := f.create(t, LineInput{ItemID: v.ItemID, Size: "M", Quantity: 5})
	_, err := f.svc.Release(context.Background(), is.ID, "ana")
	require.NoError(t, err)

	ret, err := f.svc.Return(context.Background(), is.ID, nil, false, "ana")
	require.NoError(t, err)
	assert.Equal(t, models.IssuanceReturned, ret.Status)
	assert.NotNil(t, ret.ReturnedAt)
	assert.Equal(t, 0, testutil.Quantity(t, f.db, v.ItemID, "M"))
}

func TestTransitionEdges(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Gloves", "M", 50)
	ctx := context.Background()
	line := LineInput{ItemID: v.ItemID, Size: "M", Quantity: 1}

	pending := f.create(t, line)
	_, err := f.svc.Issue(ctx, pending.ID, "")
	assert.IsType(t, &workflow.InvalidTransitionError{}, err)
	_, err = f.svc.Return(ctx, pending.ID, nil, true, "")
	assert.IsType(t, &workflow.InvalidTransitionError{}, err)

	cancelled, err := f.svc.Cancel(ctx, pending.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.IssuanceCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CancelledAt)
	_, err = f.svc.Release(ctx, pending.ID, "")
	assert.IsType(t, &workflow.InvalidTransitionError{}, err)

	released := f.create(t, line)
	_, err = f.svc.Release(ctx, released.ID, "")
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, released.ID, "")
	assert.IsType(t, &workflow.InvalidTransitionError{}, err)
	_, err = f.svc.Release(ctx, released.ID, "")
	assert.IsType(t, &workflow.InvalidTransitionError{}, err)

	issued, err := f.svc.Issue(ctx, released.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.IssuanceIssued, issued.Status)
	assert.NotNil(t, issued.IssuedAt)
	assert.Equal(t, 49, testutil.Quantity(t, f.db, v.ItemID, "M"))

	_, err = f.svc.Return(ctx, released.ID, nil, true, "")
	assert.IsType(t, &workflow.InvalidTransitionError{}, err)

	_, err = f.svc.Release(ctx, 999, "")
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

func TestSetStatusDeductsAndRestoresExactlyOnce(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Gloves", "M", 10)
	ctx := context.Background()
	is := f.create(t, LineInput{ItemID: v.ItemID, Size: "M", Quantity: 4})

	same, err := f.svc.SetStatus(ctx, is.ID, models.IssuancePending, "ana")
	require.NoError(t, err)
	assert.Equal(t, models.IssuancePending, same.Status)
	assert.Equal(t, 10, testutil.Quantity(t, f.db, v.ItemID, "M"))

	issued, err := f.svc.SetStatus(ctx, is.ID, models.IssuanceIssued, "ana")
	require.NoError(t, err)
	assert.Equal(t, models.IssuanceIssued, issued.Status)
	assert.Equal(t, 6, testutil.Quantity(t, f.db, v.ItemID, "M"))

	again, err := f.svc.SetStatus(ctx, is.ID, models.IssuanceIssued, "ana")
	require.NoError(t, err)
	assert.Equal(t, models.IssuanceIssued, again.Status)
	assert.Equal(t, 6, testutil.Quantity(t, f.db, v.ItemID, "M"))

	back, err := f.svc.SetStatus(ctx, is.ID, models.IssuancePending, "ana")
	require.NoError(t, err)
	assert.Equal(t, models.IssuancePending, back.Status)
	assert.False(t, back.StockDeducted)
	assert.Nil(t, back.Items[0].ReleasedQuantity)
	assert.Equal(t, 10, testutil.Quantity(t, f.db, v.ItemID, "M"))

	rel, err := f.svc.SetStatus(ctx, is.ID, models.IssuanceReleased, "ana")
	require.NoError(t, err)
	assert.Equal(t, models.IssuanceReleased, rel.Status)
	assert.Equal(t, 6, testutil.Quantity(t, f.db, v.ItemID, "M"))

	ret, err := f.svc.SetStatus(ctx, is.ID, models.IssuanceReturned, "ana")
	require.NoError(t, err)
	assert.Equal(t, models.IssuanceReturned, ret.Status)
	assert.Equal(t, 10, testutil.Quantity(t, f.db, v.ItemID, "M"))

	_, err = f.svc.SetStatus(ctx, is.ID, models.IssuancePending, "ana")
	assert.IsType(t, &workflow.InvalidTransitionError{}, err)
	_, err = f.svc.SetStatus(ctx, is.ID, "partial", "ana")
	assert.IsType(t, &workflow.ValidationError{}, err)
	assert.Equal(t, 10, testutil.Quantity(t, f.db, v.ItemID, "M"))
}

func TestCreateWithStockConsumingStatus(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Gloves", "M", 3)
	ctx := context.Background()

	is, err := f.svc.Create(ctx, CreateInput{
		SiteID:   f.site.ID,
		IssuedTo: "Crew B",
		Status:   models.IssuanceReleased,
		Lines:    []LineInput{{ItemID: v.ItemID, Size: "M", Quantity: 2}},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, models.IssuanceReleased, is.Status)
	assert.True(t, is.StockDeducted)
	assert.Equal(t, 1, testutil.Quantity(t, f.db, v.ItemID, "M"))

	_, err = f.svc.Create(ctx, CreateInput{
		SiteID:   f.site.ID,
		IssuedTo: "Crew B",
		Status:   models.IssuanceIssued,
		Lines:    []LineInput{{ItemID: v.ItemID, Size: "M", Quantity: 2}},
	}, "")
	var ise *ledger.InsufficientStockError
	require.ErrorAs(t, err, &ise)

	var n int64
	require.NoError(t, f.db.Model(&models.Issuance{}).Count(&n).Error)
	assert.Equal(t, int64(1), n, "failed create leaves no row behind")

	recs, err := audit.List(f.db, audit.EntityIssuance, is.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "released", recs[0].Action)
	assert.Equal(t, "System", recs[0].PerformedBy)
}

func TestCreateIssuedStampsReleaseDate(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Gloves", "M", 5)
	ctx := context.Background()

	is, err := f.svc.Create(ctx, CreateInput{
		SiteID:   f.site.ID,
		IssuedTo: "Crew B",
		Status:   models.IssuanceIssued,
		Lines:    []LineInput{{ItemID: v.ItemID, Size: "M", Quantity: 2}},
	}, "")
	require.NoError(t, err)
	require.NotNil(t, is.ReleasedAt)
	require.NotNil(t, is.IssuedAt)
	assert.Equal(t, *is.ReleasedAt, *is.IssuedAt)
	assert.Equal(t, 2, *is.Items[0].ReleasedQuantity)

	got, err := f.svc.Get(ctx, is.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ReleasedAt)
	assert.Equal(t, 3, testutil.Quantity(t, f.db, v.ItemID, "M"))
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateInput{}, "")
	var ve *workflow.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Messages(), "site_id is required")

	_, err = f.svc.Create(ctx, CreateInput{SiteID: 77, IssuedTo: "X", Lines: []LineInput{{ItemID: 5, Size: "M", Quantity: 1}}}, "")
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, []string{"site #77 does not exist", "item #5 does not exist"}, ve.Messages())

	_, err = f.svc.Create(ctx, CreateInput{SiteID: f.site.ID, IssuedTo: "X", Status: models.IssuanceReturned,
		Lines: []LineInput{{ItemID: 5, Size: "M", Quantity: 1}}}, "")
	require.ErrorAs(t, err, &ve)
}

func TestUpdatePendingReplacesLines(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Gloves", "M", 10)
	ctx := context.Background()
	is := f.create(t, LineInput{ItemID: v.ItemID, Size: "M", Quantity: 1}, LineInput{ItemID: v.ItemID, Size: "M", Quantity: 2})

	upd, err := f.svc.UpdatePending(ctx, is.ID, UpdateInput{
		SiteID:   f.site.ID,
		IssuedTo: "Crew C",
		Note:     "swap",
		Lines:    []LineInput{{ItemID: v.ItemID, Size: "M", Quantity: 7}},
	}, "ana")
	require.NoError(t, err)
	assert.Equal(t, "Crew C", upd.IssuedTo)
	require.Len(t, upd.Items, 1)
	assert.Equal(t, 7, upd.Items[0].Quantity)

	var lines int64
	require.NoError(t, f.db.Model(&models.IssuanceItem{}).Where("issuance_id = ?", is.ID).Count(&lines).Error)
	assert.Equal(t, int64(1), lines)
	assert.Equal(t, 10, testutil.Quantity(t, f.db, v.ItemID, "M"))

	_, err = f.svc.Release(ctx, is.ID, "ana")
	require.NoError(t, err)
	_, err = f.svc.UpdatePending(ctx, is.ID, UpdateInput{
		SiteID: f.site.ID, IssuedTo: "Crew C", Lines: []LineInput{{ItemID: v.ItemID, Size: "M", Quantity: 1}},
	}, "ana")
	assert.ErrorIs(t, err, workflow.ErrNotEditable)
}

func TestAuditTrailNewestFirst(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Gloves", "M", 10)
	ctx := context.Background()
	is := f.create(t, LineInput{ItemID: v.ItemID, Size: "M", Quantity: 1})

	_, err := f.svc.Release(ctx, is.ID, "ana")
	require.NoError(t, err)
	_, err = f.svc.Issue(ctx, is.ID, "bo")
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, is.ID, "bo")
	require.Error(t, err)

	recs, err := audit.List(f.db, audit.EntityIssuance, is.ID)
	require.NoError(t, err)
	actions := make([]string, len(recs))
	for i, r := range recs {
		actions[i] = r.Action
	}
	assert.Equal(t, []string{"issued", "released", "pending"}, actions)
	assert.Equal(t, "bo", recs[0].PerformedBy)
	assert.NotEmpty(t, recs[1].Note)
}

func TestConcurrentReleasesNeverOversell(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Helmet", "M", 5)
	ctx := context.Background()

	ids := make([]uint, 4)
	for i := range ids {
		ids[i] = f.create(t, LineInput{ItemID: v.ItemID, Size: "M", Quantity: 2}).ID
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	released := 0
	for _, id := range ids {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			if _, err := f.svc.Release(ctx, id, "ana"); err == nil {
				mu.Lock()
				released++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 2, released)
	assert.Equal(t, 1, testutil.Quantity(t, f.db, v.ItemID, "M"))
}

func TestMissingVariantPolicy(t *testing.T) {
	db := testutil.NewDB(t)
	site := testutil.Site(t, db, "Depot")
	item := models.Item{Name: "Goggles"}
	require.NoError(t, db.Create(&item).Error)
	in := CreateInput{SiteID: site.ID, IssuedTo: "X", Lines: []LineInput{{ItemID: item.ID, Size: "One", Quantity: 1}}}
	ctx := context.Background()

	skip := NewService(db, ledger.New(config.MissingVariantSkip, nil), nil, nil)
	is, err := skip.Create(ctx, in, "")
	require.NoError(t, err)
	_, err = skip.Release(ctx, is.ID, "")
	var ise *ledger.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, []string{"Goggles (One): needs 1, has 0"}, workflow.Messages(err))
	got, err := skip.Get(ctx, is.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IssuancePending, got.Status)
	assert.False(t, got.StockDeducted)

	_, err = skip.Create(ctx, CreateInput{SiteID: site.ID, IssuedTo: "X", Status: models.IssuanceReleased, Lines: in.Lines}, "")
	require.ErrorAs(t, err, &ise)

	fail := NewService(db, ledger.New(config.MissingVariantFail, nil), nil, nil)
	is, err = fail.Create(ctx, in, "")
	require.NoError(t, err)
	_, err = fail.Release(ctx, is.ID, "")
	var mve *ledger.MissingVariantError
	require.ErrorAs(t, err, &mve)
}

func TestListAndCounts(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Gloves", "M", 10)
	ctx := context.Background()
	a := f.create(t, LineInput{ItemID: v.ItemID, Size: "M", Quantity: 1})
	f.create(t, LineInput{ItemID: v.ItemID, Size: "M", Quantity: 1})
	_, err := f.svc.Release(ctx, a.ID, "")
	require.NoError(t, err)

	list, err := f.svc.List(ctx, ListFilter{Status: models.IssuancePending})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "North Yard", list[0].Site.Name)

	counts, err := f.svc.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[models.IssuancePending])
	assert.Equal(t, int64(1), counts[models.IssuanceReleased])
	assert.Equal(t, int64(0), counts[models.IssuanceCancelled])
}

func TestDeleteOnlyPendingOrCancelled(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Gloves", "M", 10)
	ctx := context.Background()
	line := LineInput{ItemID: v.ItemID, Size: "M", Quantity: 2}
	pending := f.create(t, line)
	cancelled := f.create(t, line)
	released := f.create(t, line)
	_, err := f.svc.Cancel(ctx, cancelled.ID, "ana")
	require.NoError(t, err)
	_, err = f.svc.Release(ctx, released.ID, "ana")
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, pending.ID, "ana"))
	require.NoError(t, f.svc.Delete(ctx, cancelled.ID, "ana"))

	err = f.svc.Delete(ctx, released.ID, "ana")
	var ite *workflow.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, "deleted", ite.To)

	_, err = f.svc.Get(ctx, pending.ID)
	assert.ErrorIs(t, err, workflow.ErrNotFound)
	assert.ErrorIs(t, f.svc.Delete(ctx, pending.ID, "ana"), workflow.ErrNotFound)

	var lines int64
	require.NoError(t, f.db.Model(&models.IssuanceItem{}).Where("issuance_id = ?", pending.ID).Count(&lines).Error)
	assert.Zero(t, lines)
	assert.Equal(t, 8, testutil.Quantity(t, f.db, v.ItemID, "M"))

	recs, err := audit.List(f.db, audit.EntityIssuance, pending.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "deleted", recs[0].Action)
	assert.Equal(t, "ana", recs[0].PerformedBy)
}
