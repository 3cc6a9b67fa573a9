package models

import "time"

type RestockStatus string

const (
	RestockPending   RestockStatus = "pending"
	RestockDelivered RestockStatus = "delivered"
	RestockPartial   RestockStatus = "partial"
	RestockReturned  RestockStatus = "returned"
	RestockCancelled RestockStatus = "cancelled"
)

var RestockStatuses = []RestockStatus{
	RestockPending,
	RestockDelivered,
	RestockPartial,
	RestockReturned,
	RestockCancelled,
}

func (s RestockStatus) Valid() bool {
	for _, v := range RestockStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Restock: inbound replenishment order from a supplier.
type Restock struct {
	ID           uint          `gorm:"primaryKey" json:"id"`
	SupplierName string        `gorm:"size:150;not null" json:"supplier_name"`
	OrderedBy    string        `gorm:"size:150;not null" json:"ordered_by"`
	OrderedAt    *time.Time    `gorm:"type:date;not null" json:"ordered_at"`
	Status       RestockStatus `gorm:"size:20;index;not null;default:pending" json:"status"`

	DeliveredAt *time.Time `gorm:"type:date" json:"delivered_at"`
	PartialAt   *time.Time `gorm:"type:date" json:"partial_at"`
	ReturnedAt  *time.Time `gorm:"type:date" json:"returned_at"`
	CancelledAt *time.Time `gorm:"type:date" json:"cancelled_at"`

	Note string `gorm:"type:text" json:"note"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Items []RestockItem `gorm:"foreignKey:RestockID;constraint:OnDelete:CASCADE" json:"items"`
}

type RestockItem struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	RestockID         uint      `gorm:"index;not null" json:"restock_id"`
	ItemID            uint      `gorm:"index;not null" json:"item_id"`
	Item              *Item     `json:"item,omitempty"`
	Size              string    `gorm:"size:50;not null" json:"size"`
	Quantity          int       `gorm:"not null" json:"quantity"`
	DeliveredQuantity *int      `json:"delivered_quantity"`
	RemainingQuantity *int      `json:"remaining_quantity"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Delivered is the cumulative delivered quantity, zero before any delivery.
func (ri *RestockItem) Delivered() int {
	if ri.DeliveredQuantity == nil {
		return 0
	}
	return *ri.DeliveredQuantity
}

// Returnable is the most that can be sent back to the supplier for this line.
// Lines without a recorded delivery count as fully delivered.
func (ri *RestockItem) Returnable() int {
	if ri.DeliveredQuantity == nil {
		return ri.Quantity
	}
	return *ri.DeliveredQuantity
}

// StatusDate returns the date column that belongs to status s. Pending maps to
// ordered_at, which is set when the restock is created.
func (r *Restock) StatusDate(s RestockStatus) **time.Time {
	switch s {
	case RestockPending:
		return &r.OrderedAt
	case RestockDelivered:
		return &r.DeliveredAt
	case RestockPartial:
		return &r.PartialAt
	case RestockReturned:
		return &r.ReturnedAt
	case RestockCancelled:
		return &r.CancelledAt
	}
	panic("models: unknown restock status " + string(s))
}

func (r *Restock) StampStatus(s RestockStatus, now time.Time) {
	r.Status = s
	field := r.StatusDate(s)
	if *field == nil {
		d := now
		*field = &d
	}
}
