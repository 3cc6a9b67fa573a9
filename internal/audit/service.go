package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"depot-backend/internal/models"

	"gorm.io/gorm"
)

const (
	EntityIssuance = "issuance"
	EntityRestock  = "restock"
)

// Actions that are not a status name.
const (
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

type Entry struct {
	EntityType  string
	EntityID    uint
	Action      string
	PerformedBy string
	Note        any
}

// Record is the table-independent view of a log row.
type Record struct {
	ID          uint            `json:"id"`
	EntityType  string          `json:"entity_type"`
	EntityID    uint            `json:"entity_id"`
	Action      string          `json:"action"`
	PerformedBy string          `json:"performed_by"`
	Note        json.RawMessage `json:"note,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Write appends one entry inside tx, so it commits or rolls back with the
// transition it describes.
func Write(tx *gorm.DB, e Entry) error {
	var note *string
	if e.Note != nil {
		b, err := json.Marshal(e.Note)
		if err != nil {
			return fmt.Errorf("audit note: %w", err)
		}
		s := string(b)
		note = &s
	}

	var row any
	switch e.EntityType {
	case EntityIssuance:
		row = &models.IssuanceLog{IssuanceID: e.EntityID, Action: e.Action, PerformedBy: e.PerformedBy, Note: note}
	case EntityRestock:
		row = &models.RestockLog{RestockID: e.EntityID, Action: e.Action, PerformedBy: e.PerformedBy, Note: note}
	default:
		return fmt.Errorf("unknown audit entity type: %s", e.EntityType)
	}

	if err := tx.Create(row).Error; err != nil {
		return fmt.Errorf("audit log could not be saved: %w", err)
	}
	return nil
}

// List returns the history of one entity, newest first.
func List(db *gorm.DB, entityType string, entityID uint) ([]Record, error) {
	switch entityType {
	case EntityIssuance:
		var rows []models.IssuanceLog
		if err := db.Where("issuance_id = ?", entityID).Order("created_at DESC, id DESC").Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("list issuance logs: %w", err)
		}
		out := make([]Record, len(rows))
		for i, r := range rows {
			out[i] = Record{ID: r.ID, EntityType: entityType, EntityID: r.IssuanceID, Action: r.Action,
				PerformedBy: r.PerformedBy, Note: rawNote(r.Note), CreatedAt: r.CreatedAt}
		}
		return out, nil
	case EntityRestock:
		var rows []models.RestockLog
		if err := db.Where("restock_id = ?", entityID).Order("created_at DESC, id DESC").Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("list restock logs: %w", err)
		}
		out := make([]Record, len(rows))
		for i, r := range rows {
			out[i] = Record{ID: r.ID, EntityType: entityType, EntityID: r.RestockID, Action: r.Action,
				PerformedBy: r.PerformedBy, Note: rawNote(r.Note), CreatedAt: r.CreatedAt}
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown audit entity type: %s", entityType)
}

func rawNote(s *string) json.RawMessage {
	if s == nil {
		return nil
	}
	return json.RawMessage(*s)
}
