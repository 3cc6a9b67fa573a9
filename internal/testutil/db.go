// Package testutil holds helpers shared by package tests.
package testutil

import (
	"path/filepath"
	"testing"

	"depot-backend/internal/database"
	"depot-backend/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDB returns a migrated sqlite database living in the test's temp dir.
// It has a single connection, so code under test must not use the outer
// handle while a transaction is open.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "depot.db") + "?_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// Variant seeds an item (created on first use by name) with one size row.
func Variant(t *testing.T, db *gorm.DB, itemName, size string, qty int) models.ItemVariant {
	t.Helper()
	item := models.Item{Name: itemName}
	require.NoError(t, db.Where(models.Item{Name: itemName}).FirstOrCreate(&item).Error)
	v := models.ItemVariant{ItemID: item.ID, SizeLabel: size, Quantity: qty}
	require.NoError(t, db.Create(&v).Error)
	return v
}

func Site(t *testing.T, db *gorm.DB, name string) models.Site {
	t.Helper()
	s := models.Site{Name: name}
	require.NoError(t, db.Create(&s).Error)
	return s
}

// Quantity reads the ledger row directly, -1 when it does not exist.
func Quantity(t *testing.T, db *gorm.DB, itemID uint, size string) int {
	t.Helper()
	var v models.ItemVariant
	err := db.Where("item_id = ? AND size_label = ?", itemID, size).Limit(1).Find(&v).Error
	require.NoError(t, err)
	if v.ID == 0 {
		return -1
	}
	return v.Quantity
}
