package audit

import (
	"encoding/json"
	"testing"

	"depot-backend/internal/models"
	"depot-backend/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndListNewestFirst(t *testing.T) {
	db := testutil.NewDB(t)

	require.NoError(t, Write(db, Entry{EntityType: EntityIssuance, EntityID: 7, Action: "pending", PerformedBy: "ana"}))
	require.NoError(t, Write(db, Entry{EntityType: EntityIssuance, EntityID: 7, Action: "released", PerformedBy: "ana",
		Note: map[string]any{"lines": 2}}))
	require.NoError(t, Write(db, Entry{EntityType: EntityIssuance, EntityID: 8, Action: "pending", PerformedBy: "bo"}))
	require.NoError(t, Write(db, Entry{EntityType: EntityRestock, EntityID: 7, Action: "delivered", PerformedBy: "System"}))

	recs, err := List(db, EntityIssuance, 7)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "released", recs[0].Action)
	assert.Equal(t, "pending", recs[1].Action)
	assert.Nil(t, recs[1].Note)

	var note map[string]int
	require.NoError(t, json.Unmarshal(recs[0].Note, &note))
	assert.Equal(t, 2, note["lines"])

	recs, err = List(db, EntityRestock, 7)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "System", recs[0].PerformedBy)
}

func TestWriteUnknownEntity(t *testing.T) {
	db := testutil.NewDB(t)
	assert.Error(t, Write(db, Entry{EntityType: "invoice", EntityID: 1, Action: "x"}))
	_, err := List(db, "invoice", 1)
	assert.Error(t, err)
}

func TestEntriesAreImmutable(t *testing.T) {
	db := testutil.NewDB(t)
	require.NoError(t, Write(db, Entry{EntityType: EntityRestock, EntityID: 1, Action: "pending", PerformedBy: "ana"}))

	var row models.RestockLog
	require.NoError(t, db.First(&row).Error)

	err := db.Model(&row).Update("action", "delivered").Error
	assert.ErrorIs(t, err, models.ErrImmutableLog)
	err = db.Delete(&row).Error
	assert.ErrorIs(t, err, models.ErrImmutableLog)

	var again models.RestockLog
	require.NoError(t, db.First(&again, row.ID).Error)
	assert.Equal(t, "pending", again.Action)
}
