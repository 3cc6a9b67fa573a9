package audit

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// GET /api/audit-logs/:entity/:id
func ListHandler(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		entity := c.Params("entity")
		if entity != EntityIssuance && entity != EntityRestock {
			return fiber.NewError(fiber.StatusBadRequest, "entity must be issuance or restock")
		}
		id, err := strconv.ParseUint(c.Params("id"), 10, 64)
		if err != nil || id == 0 {
			return fiber.NewError(fiber.StatusBadRequest, "invalid id")
		}

		records, err := List(db.WithContext(c.UserContext()), entity, uint(id))
		if err != nil {
			return err
		}
		return c.JSON(records)
	}
}
