package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrImmutableLog is returned by the gorm hooks when code tries to change a written log row.
var ErrImmutableLog = errors.New("audit log entries are append-only")

// IssuanceLog: one row per issuance creation or status transition.
type IssuanceLog struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	IssuanceID  uint      `gorm:"index;not null" json:"issuance_id"`
	Action      string    `gorm:"size:30;not null" json:"action"`
	PerformedBy string    `gorm:"size:150;not null" json:"performed_by"`
	Note        *string   `gorm:"type:text" json:"note"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

func (l *IssuanceLog) BeforeUpdate(*gorm.DB) error { return ErrImmutableLog }
func (l *IssuanceLog) BeforeDelete(*gorm.DB) error { return ErrImmutableLog }

// RestockLog: one row per restock creation or status transition.
type RestockLog struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	RestockID   uint      `gorm:"index;not null" json:"restock_id"`
	Action      string    `gorm:"size:30;not null" json:"action"`
	PerformedBy string    `gorm:"size:150;not null" json:"performed_by"`
	Note        *string   `gorm:"type:text" json:"note"`
	CreatedAt   time.Time `gorm:"index" json:"created_at"`
}

func (l *RestockLog) BeforeUpdate(*gorm.DB) error { return ErrImmutableLog }
func (l *RestockLog) BeforeDelete(*gorm.DB) error { return ErrImmutableLog }
