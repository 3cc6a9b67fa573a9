package batch

import (
	"context"
	"testing"

	"depot-backend/internal/config"
	"depot-backend/internal/issuance"
	"depot-backend/internal/ledger"
	"depot-backend/internal/models"
	"depot-backend/internal/restock"
	"depot-backend/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	db        *gorm.DB
	issuances *issuance.Service
	restocks  *restock.Service
	proc      *Processor
	site      models.Site
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	l := ledger.New(config.MissingVariantSkip, nil)
	is := issuance.NewService(db, l, nil, nil)
	rs := restock.NewService(db, l, nil, nil)
	return &fixture{
		db:        db,
		issuances: is,
		restocks:  rs,
		proc:      NewProcessor(db, l, is, rs, nil),
		site:      testutil.Site(t, db, "North Yard"),
	}
}

func (f *fixture) issuance(t *testing.T, status models.IssuanceStatus, lines ...issuance.LineInput) uint {
	t.Helper()
	is, err := f.issuances.Create(context.Background(), issuance.CreateInput{
		SiteID: f.site.ID, IssuedTo: "Crew A", Status: status, Lines: lines,
	}, "ana")
	require.NoError(t, err)
	return is.ID
}

func (f *fixture) restock(t *testing.T, status models.RestockStatus, lines ...restock.LineInput) uint {
	t.Helper()
	r, err := f.restocks.Create(context.Background(), restock.CreateInput{
		SupplierName: "Acme Supply", OrderedBy: "ana", Status: status, Lines: lines,
	}, "ana")
	require.NoError(t, err)
	return r.ID
}

func TestBulkReleaseUsesRunningSnapshot(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Helmet", "M", 4)
	line := issuance.LineInput{ItemID: v.ItemID, Size: "M", Quantity: 3}
	a := f.issuance(t, "", line)
	b := f.issuance(t, "", line)

	rep, err := f.proc.BulkReleaseIssuances(context.Background(), []uint{b, a}, "ana")
	require.NoError(t, err)

	assert.Equal(t, []uint{a}, rep.Applied)
	require.Len(t, rep.Skipped, 1)
	assert.Equal(t, b, rep.Skipped[0].ID)
	assert.Equal(t, "Helmet (M): needs 3, has 1", rep.Skipped[0].Reason)
	assert.Equal(t, 1, testutil.Quantity(t, f.db, v.ItemID, "M"))

	got, err := f.issuances.Get(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, models.IssuancePending, got.Status)
	assert.False(t, got.StockDeducted)
}

func TestBulkReleaseRejectsSizeWithoutStockRow(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Helmet", "M", 4)
	ok := f.issuance(t, "", issuance.LineInput{ItemID: v.ItemID, Size: "M", Quantity: 1})
	unknown := f.issuance(t, "", issuance.LineInput{ItemID: v.ItemID, Size: "XXL", Quantity: 2})

	rep, err := f.proc.BulkReleaseIssuances(context.Background(), []uint{ok, unknown}, "ana")
	require.NoError(t, err)
	assert.Equal(t, []uint{ok}, rep.Applied)
	assert.Equal(t, []Skip{{ID: unknown, Reason: "Helmet (XXL): needs 2, has 0"}}, rep.Skipped)
	assert.Equal(t, 3, testutil.Quantity(t, f.db, v.ItemID, "M"))

	got, err := f.issuances.Get(context.Background(), unknown)
	require.NoError(t, err)
	assert.Equal(t, models.IssuancePending, got.Status)
	assert.False(t, got.StockDeducted)
}

func TestBulkCancelOnlyTouchesPending(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Vest", "L", 20)
	line := issuance.LineInput{ItemID: v.ItemID, Size: "L", Quantity: 1}
	p1 := f.issuance(t, "", line)
	p2 := f.issuance(t, "", line)
	released := f.issuance(t, models.IssuanceReleased, line)
	issued := f.issuance(t, models.IssuanceIssued, line)

	rep, err := f.proc.BulkCancelIssuances(context.Background(), []uint{issued, p2, released, p1, p1, 999}, "ana")
	require.NoError(t, err)

	assert.Equal(t, 5, rep.Requested)
	assert.Equal(t, []uint{p1, p2}, rep.Applied)
	assert.Equal(t, 2, rep.AppliedCount())
	assert.Equal(t, 3, rep.SkippedCount())
	assert.Contains(t, rep.Skipped, Skip{ID: released, Reason: "status is released"})
	assert.Contains(t, rep.Skipped, Skip{ID: issued, Reason: "status is issued"})
	assert.Contains(t, rep.Skipped, Skip{ID: 999, Reason: "not found"})
	_, err = uuid.Parse(rep.RunID)
	assert.NoError(t, err)

	var cancelled int64
	require.NoError(t, f.db.Model(&models.Issuance{}).Where("status = ?", models.IssuanceCancelled).Count(&cancelled).Error)
	assert.EqualValues(t, rep.AppliedCount(), cancelled)
	assert.Equal(t, 18, testutil.Quantity(t, f.db, v.ItemID, "L"))
}

func TestBulkIssueAndReturn(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Gloves", "S", 10)
	line := issuance.LineInput{ItemID: v.ItemID, Size: "S", Quantity: 2}
	a := f.issuance(t, models.IssuanceReleased, line)
	b := f.issuance(t, models.IssuanceReleased, line)
	c := f.issuance(t, models.IssuanceReleased, line)
	ctx := context.Background()

	rep, err := f.proc.BulkIssueIssuances(ctx, []uint{a}, "ana")
	require.NoError(t, err)
	assert.Equal(t, []uint{a}, rep.Applied)

	got, err := f.issuances.Get(ctx, c)
	require.NoError(t, err)
	partial := map[uint]map[uint]int{c: {got.Items[0].ID: 1}}

	rep, err = f.proc.BulkReturnIssuances(ctx, []uint{a, b, c}, partial, true, "ana")
	require.NoError(t, err)
	assert.Equal(t, []uint{b, c}, rep.Applied)
	assert.Equal(t, []Skip{{ID: a, Reason: "status is issued"}}, rep.Skipped)
	assert.Equal(t, 4+2+1, testutil.Quantity(t, f.db, v.ItemID, "S"))
}

func TestBulkDeliverRestocks(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Boots", "42", 0)
	line := restock.LineInput{ItemID: v.ItemID, Size: "42", Quantity: 10}
	a := f.restock(t, "", line)
	b := f.restock(t, "", line)
	done := f.restock(t, models.RestockDelivered, line)

	r, err := f.restocks.Get(context.Background(), b)
	require.NoError(t, err)
	overrides := map[uint]map[uint]int{b: {r.Items[0].ID: 4}}

	rep, err := f.proc.BulkDeliverRestocks(context.Background(), []uint{a, b, done}, overrides, "ana")
	require.NoError(t, err)
	assert.Equal(t, []uint{a, b}, rep.Applied)
	assert.Equal(t, []Skip{{ID: done, Reason: "status is delivered"}}, rep.Skipped)
	assert.Equal(t, 10+10+4, testutil.Quantity(t, f.db, v.ItemID, "42"))

	r, err = f.restocks.Get(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, models.RestockPartial, r.Status)
}

func TestBulkReturnRestocksStopsAtShortage(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Helmet", "M", 0)
	line := restock.LineInput{ItemID: v.ItemID, Size: "M", Quantity: 5}
	a := f.restock(t, models.RestockDelivered, line)
	b := f.restock(t, models.RestockDelivered, line)
	f.issuance(t, models.IssuanceReleased, issuance.LineInput{ItemID: v.ItemID, Size: "M", Quantity: 4})
	require.Equal(t, 6, testutil.Quantity(t, f.db, v.ItemID, "M"))

	rep, err := f.proc.BulkReturnRestocks(context.Background(), []uint{a, b}, nil, "ana")
	require.NoError(t, err)
	assert.Equal(t, []uint{a}, rep.Applied)
	assert.Equal(t, []Skip{{ID: b, Reason: "Helmet (M): needs 5, has 1"}}, rep.Skipped)
	assert.Equal(t, 1, testutil.Quantity(t, f.db, v.ItemID, "M"))
}

func TestBulkCancelRestocks(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Helmet", "M", 0)
	line := restock.LineInput{ItemID: v.ItemID, Size: "M", Quantity: 5}
	a := f.restock(t, "", line)
	b := f.restock(t, models.RestockDelivered, line)

	rep, err := f.proc.BulkCancelRestocks(context.Background(), []uint{a, b}, "ana")
	require.NoError(t, err)
	assert.Equal(t, []uint{a}, rep.Applied)
	assert.Equal(t, 1, rep.SkippedCount())
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, []uint{1, 3, 7}, normalize([]uint{7, 0, 3, 1, 7, 3}))
	assert.Empty(t, normalize(nil))
}

func TestBulkDelete(t *testing.T) {
	f := newFixture(t)
	v := testutil.Variant(t, f.db, "Helmet", "M", 10)
	line := issuance.LineInput{ItemID: v.ItemID, Size: "M", Quantity: 1}
	pending := f.issuance(t, "", line)
	released := f.issuance(t, models.IssuanceReleased, line)

	rep, err := f.proc.BulkDeleteIssuances(context.Background(), []uint{pending, released}, "ana")
	require.NoError(t, err)
	assert.Equal(t, []uint{pending}, rep.Applied)
	assert.Equal(t, []Skip{{ID: released, Reason: "status is released"}}, rep.Skipped)
	assert.Equal(t, 9, testutil.Quantity(t, f.db, v.ItemID, "M"))

	rl := restock.LineInput{ItemID: v.ItemID, Size: "M", Quantity: 2}
	a := f.restock(t, "", rl)
	done := f.restock(t, models.RestockDelivered, rl)

	rep, err = f.proc.BulkDeleteRestocks(context.Background(), []uint{a, done}, "ana")
	require.NoError(t, err)
	assert.Equal(t, []uint{a}, rep.Applied)
	assert.Equal(t, []Skip{{ID: done, Reason: "status is delivered"}}, rep.Skipped)
	assert.Equal(t, 11, testutil.Quantity(t, f.db, v.ItemID, "M"))
}
