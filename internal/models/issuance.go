package models

import "time"

type IssuanceStatus string

const (
	IssuancePending   IssuanceStatus = "pending"
	IssuanceReleased  IssuanceStatus = "released"
	IssuanceIssued    IssuanceStatus = "issued"
	IssuanceReturned  IssuanceStatus = "returned"
	IssuanceCancelled IssuanceStatus = "cancelled"
)

var IssuanceStatuses = []IssuanceStatus{
	IssuancePending,
	IssuanceReleased,
	IssuanceIssued,
	IssuanceReturned,
	IssuanceCancelled,
}

func (s IssuanceStatus) Valid() bool {
	for _, v := range IssuanceStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// ConsumesStock reports whether an issuance in this status holds a ledger deduction.
func (s IssuanceStatus) ConsumesStock() bool {
	return s == IssuanceReleased || s == IssuanceIssued
}

// Issuance: outbound allocation of stock to a site.
type Issuance struct {
	ID       uint           `gorm:"primaryKey" json:"id"`
	SiteID   uint           `gorm:"index;not null" json:"site_id"`
	Site     *Site          `json:"site,omitempty"`
	IssuedTo string         `gorm:"size:150;not null" json:"issued_to"`
	Status   IssuanceStatus `gorm:"size:20;index;not null;default:pending" json:"status"`

	PendingAt   *time.Time `gorm:"type:date" json:"pending_at"`
	ReleasedAt  *time.Time `gorm:"type:date" json:"released_at"`
	IssuedAt    *time.Time `gorm:"type:date" json:"issued_at"`
	PartialAt   *time.Time `gorm:"type:date" json:"partial_at"` // kept for schema compatibility, never stamped
	ReturnedAt  *time.Time `gorm:"type:date" json:"returned_at"`
	CancelledAt *time.Time `gorm:"type:date" json:"cancelled_at"`

	Note string `gorm:"type:text" json:"note"`

	// StockDeducted is true while the ledger holds this issuance's deduction.
	StockDeducted bool `gorm:"not null;default:false" json:"stock_deducted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Items []IssuanceItem `gorm:"foreignKey:IssuanceID;constraint:OnDelete:CASCADE" json:"items"`
}

// IssuanceItem: one requested (item, size, quantity) line of an issuance.
type IssuanceItem struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	IssuanceID        uint      `gorm:"index;not null" json:"issuance_id"`
	ItemID            uint      `gorm:"index;not null" json:"item_id"`
	Item              *Item     `json:"item,omitempty"`
	Size              string    `gorm:"size:50;not null" json:"size"`
	Quantity          int       `gorm:"not null" json:"quantity"`
	ReleasedQuantity  *int      `json:"released_quantity"`
	RemainingQuantity *int      `json:"remaining_quantity"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// StatusDate returns the date column that belongs to status s.
func (i *Issuance) StatusDate(s IssuanceStatus) **time.Time {
	switch s {
	case IssuancePending:
		return &i.PendingAt
	case IssuanceReleased:
		return &i.ReleasedAt
	case IssuanceIssued:
		return &i.IssuedAt
	case IssuanceReturned:
		return &i.ReturnedAt
	case IssuanceCancelled:
		return &i.CancelledAt
	}
	panic("models: unknown issuance status " + string(s))
}

// StampStatus sets the status and fills its date column if it is still empty.
func (i *Issuance) StampStatus(s IssuanceStatus, now time.Time) {
	i.Status = s
	field := i.StatusDate(s)
	if *field == nil {
		d := now
		*field = &d
	}
}

// CurrentStatusDate is the date shown next to the status in listings.
func (i *Issuance) CurrentStatusDate() *time.Time {
	if !i.Status.Valid() {
		return nil
	}
	return *i.StatusDate(i.Status)
}
