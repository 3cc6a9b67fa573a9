package models

import "time"

type Category struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:100;not null;unique" json:"name"`
	Description string    `gorm:"size:255" json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Item struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"size:150;not null;unique" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	CategoryID  *uint     `gorm:"index" json:"category_id"`
	Category    *Category `json:"category,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Variants []ItemVariant `gorm:"foreignKey:ItemID;constraint:OnDelete:CASCADE" json:"variants,omitempty"`
}

// ItemVariant is one ledger row: the quantity on hand for an item in one size.
type ItemVariant struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ItemID    uint      `gorm:"not null;uniqueIndex:idx_item_variants_item_size,priority:1" json:"item_id"`
	Item      *Item     `json:"item,omitempty"`
	SizeLabel string    `gorm:"size:50;not null;uniqueIndex:idx_item_variants_item_size,priority:2" json:"size_label"`
	Quantity  int       `gorm:"not null;default:0;check:quantity >= 0" json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
