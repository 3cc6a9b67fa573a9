// Package catalog manages items, categories, sites and the stock rows behind
// them. Manual stock corrections go through the ledger like every workflow.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"depot-backend/internal/cache"
	"depot-backend/internal/ledger"
	"depot-backend/internal/models"
	"depot-backend/internal/workflow"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type CategoryInput struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"max=255"`
}

type ItemInput struct {
	Name        string `json:"name" validate:"required,max=150"`
	Description string `json:"description"`
	CategoryID  *uint  `json:"category_id"`
}

type SiteInput struct {
	Name     string `json:"name" validate:"required,max=100"`
	Location string `json:"location" validate:"max=255"`
}

type VariantInput struct {
	SizeLabel string `json:"size_label" validate:"required,max=50"`
	Quantity  int    `json:"quantity" validate:"gte=0"`
}

type ItemFilter struct {
	CategoryID uint
	Search     string
}

type Service struct {
	db     *gorm.DB
	ledger *ledger.Ledger
	cache  cache.VariantCache
	log    *zap.Logger
}

func NewService(db *gorm.DB, l *ledger.Ledger, c cache.VariantCache, log *zap.Logger) *Service {
	if c == nil {
		c = cache.Noop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: db, ledger: l, cache: c, log: log}
}

func (s *Service) ListCategories(ctx context.Context) ([]models.Category, error) {
	var out []models.Category
	if err := s.db.WithContext(ctx).Order("name asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return out, nil
}

func (s *Service) CreateCategory(ctx context.Context, in CategoryInput) (*models.Category, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := workflow.Validate(in); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	if err := unique(db, &models.Category{}, in.Name, 0); err != nil {
		return nil, err
	}
	cat := models.Category{Name: in.Name, Description: in.Description}
	if err := db.Create(&cat).Error; err != nil {
		return nil, fmt.Errorf("create category: %w", err)
	}
	return &cat, nil
}

func (s *Service) UpdateCategory(ctx context.Context, id uint, in CategoryInput) (*models.Category, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := workflow.Validate(in); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	var cat models.Category
	if err := first(db, &cat, id); err != nil {
		return nil, err
	}
	if err := unique(db, &models.Category{}, in.Name, id); err != nil {
		return nil, err
	}
	cat.Name, cat.Description = in.Name, in.Description
	if err := db.Save(&cat).Error; err != nil {
		return nil, fmt.Errorf("update category: %w", err)
	}
	return &cat, nil
}

// DeleteCategory removes the category and detaches its items.
func (s *Service) DeleteCategory(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cat models.Category
		if err := first(tx, &cat, id); err != nil {
			return err
		}
		if err := tx.Model(&models.Item{}).Where("category_id = ?", id).Update("category_id", nil).Error; err != nil {
			return fmt.Errorf("detach items: %w", err)
		}
		if err := tx.Delete(&cat).Error; err != nil {
			return fmt.Errorf("delete category: %w", err)
		}
		return nil
	})
}

func (s *Service) ListItems(ctx context.Context, f ItemFilter) ([]models.Item, error) {
	q := s.db.WithContext(ctx).Preload("Category").Preload("Variants", func(db *gorm.DB) *gorm.DB {
		return db.Order("size_label asc")
	})
	if f.CategoryID != 0 {
		q = q.Where("category_id = ?", f.CategoryID)
	}
	if term := strings.TrimSpace(f.Search); term != "" {
		q = q.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(term)+"%")
	}
	var out []models.Item
	if err := q.Order("name asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return out, nil
}

func (s *Service) GetItem(ctx context.Context, id uint) (*models.Item, error) {
	var it models.Item
	err := s.db.WithContext(ctx).Preload("Category").Preload("Variants", func(db *gorm.DB) *gorm.DB {
		return db.Order("size_label asc")
	}).First(&it, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, workflow.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load item: %w", err)
	}
	return &it, nil
}

func (s *Service) CreateItem(ctx context.Context, in ItemInput) (*models.Item, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := workflow.Validate(in); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	if err := unique(db, &models.Item{}, in.Name, 0); err != nil {
		return nil, err
	}
	if err := categoryExists(db, in.CategoryID); err != nil {
		return nil, err
	}
	it := models.Item{Name: in.Name, Description: in.Description, CategoryID: in.CategoryID}
	if err := db.Create(&it).Error; err != nil {
		return nil, fmt.Errorf("create item: %w", err)
	}
	return s.GetItem(ctx, it.ID)
}

func (s *Service) UpdateItem(ctx context.Context, id uint, in ItemInput) (*models.Item, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := workflow.Validate(in); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	var it models.Item
	if err := first(db, &it, id); err != nil {
		return nil, err
	}
	if err := unique(db, &models.Item{}, in.Name, id); err != nil {
		return nil, err
	}
	if err := categoryExists(db, in.CategoryID); err != nil {
		return nil, err
	}
	err := db.Model(&it).Select("name", "description", "category_id").Updates(models.Item{
		Name: in.Name, Description: in.Description, CategoryID: in.CategoryID,
	}).Error
	if err != nil {
		return nil, fmt.Errorf("update item: %w", err)
	}
	s.cache.Invalidate(ctx, id)
	return s.GetItem(ctx, id)
}

// DeleteItem removes an item and its stock rows. Items that appear on any
// issuance or restock line stay.
func (s *Service) DeleteItem(ctx context.Context, id uint) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var it models.Item
		if err := first(tx, &it, id); err != nil {
			return err
		}
		for _, m := range []any{&models.IssuanceItem{}, &models.RestockItem{}} {
			var n int64
			if err := tx.Model(m).Where("item_id = ?", id).Count(&n).Error; err != nil {
				return fmt.Errorf("count item references: %w", err)
			}
			if n > 0 {
				return workflow.NewValidationError(fmt.Sprintf("%s is used on %d issuance or restock lines", it.Name, n))
			}
		}
		if err := tx.Where("item_id = ?", id).Delete(&models.ItemVariant{}).Error; err != nil {
			return fmt.Errorf("delete variants: %w", err)
		}
		if err := tx.Delete(&it).Error; err != nil {
			return fmt.Errorf("delete item: %w", err)
		}
		return nil
	})
	if err == nil {
		s.cache.Invalidate(ctx, id)
	}
	return err
}

func (s *Service) ListSites(ctx context.Context) ([]models.Site, error) {
	var out []models.Site
	if err := s.db.WithContext(ctx).Order("name asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return out, nil
}

func (s *Service) CreateSite(ctx context.Context, in SiteInput) (*models.Site, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := workflow.Validate(in); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	if err := unique(db, &models.Site{}, in.Name, 0); err != nil {
		return nil, err
	}
	site := models.Site{Name: in.Name, Location: in.Location}
	if err := db.Create(&site).Error; err != nil {
		return nil, fmt.Errorf("create site: %w", err)
	}
	return &site, nil
}

func (s *Service) UpdateSite(ctx context.Context, id uint, in SiteInput) (*models.Site, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := workflow.Validate(in); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	var site models.Site
	if err := first(db, &site, id); err != nil {
		return nil, err
	}
	if err := unique(db, &models.Site{}, in.Name, id); err != nil {
		return nil, err
	}
	site.Name, site.Location = in.Name, in.Location
	if err := db.Save(&site).Error; err != nil {
		return nil, fmt.Errorf("update site: %w", err)
	}
	return &site, nil
}

func (s *Service) DeleteSite(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var site models.Site
		if err := first(tx, &site, id); err != nil {
			return err
		}
		var n int64
		if err := tx.Model(&models.Issuance{}).Where("site_id = ?", id).Count(&n).Error; err != nil {
			return fmt.Errorf("count issuances: %w", err)
		}
		if n > 0 {
			return workflow.NewValidationError(fmt.Sprintf("%s has %d issuances", site.Name, n))
		}
		if err := tx.Delete(&site).Error; err != nil {
			return fmt.Errorf("delete site: %w", err)
		}
		return nil
	})
}

// CreateVariant opens a stock row for a new size with its opening quantity.
func (s *Service) CreateVariant(ctx context.Context, itemID uint, in VariantInput) (*models.ItemVariant, error) {
	in.SizeLabel = strings.TrimSpace(in.SizeLabel)
	if err := workflow.Validate(in); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	var it models.Item
	if err := first(db, &it, itemID); err != nil {
		return nil, err
	}
	var n int64
	if err := db.Model(&models.ItemVariant{}).Where("item_id = ? AND size_label = ?", itemID, in.SizeLabel).Count(&n).Error; err != nil {
		return nil, fmt.Errorf("check variant: %w", err)
	}
	if n > 0 {
		return nil, workflow.NewValidationError(fmt.Sprintf("%s already has size %s", it.Name, in.SizeLabel))
	}
	v := models.ItemVariant{ItemID: itemID, SizeLabel: in.SizeLabel, Quantity: in.Quantity}
	if err := db.Create(&v).Error; err != nil {
		return nil, fmt.Errorf("create variant: %w", err)
	}
	s.cache.Invalidate(ctx, itemID)
	return &v, nil
}

// AdjustVariant applies a manual stock correction. A negative delta larger
// than the stock on hand is rejected with *ledger.InsufficientStockError.
func (s *Service) AdjustVariant(ctx context.Context, id uint, delta int, actor, reason string) (*models.ItemVariant, error) {
	if delta == 0 {
		return nil, workflow.NewValidationError("delta must not be zero")
	}
	var v models.ItemVariant
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Item").First(&v, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return workflow.ErrNotFound
			}
			return fmt.Errorf("load variant: %w", err)
		}
		label := ""
		if v.Item != nil {
			label = v.Item.Name
		}
		d := ledger.Delta{Key: ledger.Key{ItemID: v.ItemID, Size: v.SizeLabel}, Qty: delta, Label: label}
		if err := s.ledger.Adjust(tx, d); err != nil {
			return err
		}
		return tx.First(&v, id).Error
	})
	if err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, v.ItemID)
	s.log.Info("stock adjusted",
		zap.Uint("variant_id", v.ID),
		zap.Uint("item_id", v.ItemID),
		zap.String("size", v.SizeLabel),
		zap.Int("delta", delta),
		zap.Int("quantity", v.Quantity),
		zap.String("actor", workflow.Actor(actor)),
		zap.String("reason", reason),
	)
	return &v, nil
}

// DeleteVariant removes an empty stock row.
func (s *Service) DeleteVariant(ctx context.Context, id uint) error {
	var v models.ItemVariant
	db := s.db.WithContext(ctx)
	if err := first(db, &v, id); err != nil {
		return err
	}
	if v.Quantity != 0 {
		return workflow.NewValidationError(fmt.Sprintf("size %s still holds %d units", v.SizeLabel, v.Quantity))
	}
	if err := db.Delete(&v).Error; err != nil {
		return fmt.Errorf("delete variant: %w", err)
	}
	s.cache.Invalidate(ctx, v.ItemID)
	return nil
}

// VariantOptions lists the sizes of an item with their stock for form pickers.
func (s *Service) VariantOptions(ctx context.Context, itemID uint) ([]cache.VariantOption, error) {
	return s.cache.Options(ctx, itemID, s.loadOptions)
}

func (s *Service) loadOptions(ctx context.Context, itemID uint) ([]cache.VariantOption, error) {
	var rows []models.ItemVariant
	err := s.db.WithContext(ctx).Where("item_id = ?", itemID).Order("size_label asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load variant options: %w", err)
	}
	out := make([]cache.VariantOption, 0, len(rows))
	for _, r := range rows {
		out = append(out, cache.VariantOption{
			VariantID: r.ID,
			ItemID:    r.ItemID,
			SizeLabel: r.SizeLabel,
			Quantity:  r.Quantity,
			Label:     cache.OptionLabel(r.SizeLabel, r.Quantity),
		})
	}
	return out, nil
}

func first(db *gorm.DB, dest any, id uint) error {
	err := db.First(dest, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return workflow.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load record: %w", err)
	}
	return nil
}

// unique rejects a name already used by another row of the same table.
func unique(db *gorm.DB, model any, name string, exceptID uint) error {
	q := db.Model(model).Where("LOWER(name) = ?", strings.ToLower(name))
	if exceptID != 0 {
		q = q.Where("id <> ?", exceptID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return fmt.Errorf("check name: %w", err)
	}
	if n > 0 {
		return workflow.NewValidationError(fmt.Sprintf("name %q is already in use", name))
	}
	return nil
}

func categoryExists(db *gorm.DB, id *uint) error {
	if id == nil {
		return nil
	}
	var n int64
	if err := db.Model(&models.Category{}).Where("id = ?", *id).Count(&n).Error; err != nil {
		return fmt.Errorf("check category: %w", err)
	}
	if n == 0 {
		return workflow.NewValidationError(fmt.Sprintf("category %d does not exist", *id))
	}
	return nil
}
