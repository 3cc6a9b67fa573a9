package restock

import (
	"strings"

	"depot-backend/internal/auth"
	"depot-backend/internal/models"
	"depot-backend/internal/workflow"

	"github.com/gofiber/fiber/v2"
)

type QuantitiesRequest struct {
	Quantities map[uint]int `json:"quantities"`
}

// GET /api/restocks?status=partial&supplier=acme
func ListHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		status := models.RestockStatus(c.Query("status"))
		if status != "" && !status.Valid() {
			return fiber.NewError(fiber.StatusBadRequest, "unknown status filter")
		}
		list, err := s.List(c.UserContext(), ListFilter{Status: status, Supplier: c.Query("supplier")})
		if err != nil {
			return err
		}
		return c.JSON(list)
	}
}

// GET /api/restocks/counts
func CountsHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		counts, err := s.StatusCounts(c.UserContext())
		if err != nil {
			return err
		}
		return c.JSON(counts)
	}
}

// GET /api/restocks/:id
func GetHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		r, err := s.Get(c.UserContext(), id)
		if err != nil {
			return err
		}
		return c.JSON(r)
	}
}

// POST /api/restocks
func CreateHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body CreateInput
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		r, err := s.Create(c.UserContext(), body, auth.ActorName(c))
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(r)
	}
}

// PUT /api/restocks/:id
func UpdateHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		var body UpdateInput
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		r, err := s.UpdatePending(c.UserContext(), id, body, auth.ActorName(c))
		if err != nil {
			return err
		}
		return c.JSON(r)
	}
}

// POST /api/restocks/:id/deliver
// Body (optional): {"quantities": {"<line id>": 4}}
func DeliverHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, body, err := idAndQuantities(c)
		if err != nil {
			return err
		}
		r, err := s.Deliver(c.UserContext(), id, body.Quantities, auth.ActorName(c))
		if err != nil {
			return err
		}
		return c.JSON(r)
	}
}

// POST /api/restocks/:id/return
func ReturnHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, body, err := idAndQuantities(c)
		if err != nil {
			return err
		}
		r, err := s.Return(c.UserContext(), id, body.Quantities, auth.ActorName(c))
		if err != nil {
			return err
		}
		return c.JSON(r)
	}
}

// POST /api/restocks/:id/cancel
func CancelHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		r, err := s.Cancel(c.UserContext(), id, auth.ActorName(c))
		if err != nil {
			return err
		}
		return c.JSON(r)
	}
}

// DELETE /api/restocks/:id
func DeleteHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		if err := s.Delete(c.UserContext(), id, auth.ActorName(c)); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// POST /api/restocks/import (multipart: file, supplier_name, ordered_by, note)
func ImportHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		fileHeader, err := c.FormFile("file")
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "file could not be uploaded: "+err.Error())
		}
		if !strings.HasSuffix(strings.ToLower(fileHeader.Filename), ".xlsx") {
			return fiber.NewError(fiber.StatusBadRequest, "only .xlsx files are accepted")
		}
		file, err := fileHeader.Open()
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "file could not be opened")
		}
		defer file.Close()

		r, err := s.ImportXLSX(c.UserContext(), file, ImportInput{
			SupplierName: c.FormValue("supplier_name"),
			OrderedBy:    c.FormValue("ordered_by"),
			Note:         c.FormValue("note"),
		}, auth.ActorName(c))
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(r)
	}
}

func idAndQuantities(c *fiber.Ctx) (uint, QuantitiesRequest, error) {
	var body QuantitiesRequest
	id, err := workflow.ParamID(c, "id")
	if err != nil {
		return 0, body, err
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return 0, body, fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
	}
	return id, body, nil
}
