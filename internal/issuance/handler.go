package issuance

import (
	"context"

	"depot-backend/internal/auth"
	"depot-backend/internal/models"
	"depot-backend/internal/workflow"

	"github.com/gofiber/fiber/v2"
)

type ReturnRequest struct {
	Restore    *bool        `json:"restore"`
	Quantities map[uint]int `json:"quantities"`
}

type StatusRequest struct {
	Status models.IssuanceStatus `json:"status" validate:"required"`
}

// GET /api/issuances?status=released&site_id=2
func ListHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		siteID, err := workflow.QueryID(c, "site_id")
		if err != nil {
			return err
		}
		status := models.IssuanceStatus(c.Query("status"))
		if status != "" && !status.Valid() {
			return fiber.NewError(fiber.StatusBadRequest, "unknown status filter")
		}
		list, err := s.List(c.UserContext(), ListFilter{Status: status, SiteID: siteID})
		if err != nil {
			return err
		}
		return c.JSON(list)
	}
}

// GET /api/issuances/counts
func CountsHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		counts, err := s.StatusCounts(c.UserContext())
		if err != nil {
			return err
		}
		return c.JSON(counts)
	}
}

// GET /api/issuances/:id
func GetHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		is, err := s.Get(c.UserContext(), id)
		if err != nil {
			return err
		}
		return c.JSON(is)
	}
}

// POST /api/issuances
func CreateHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body CreateInput
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		is, err := s.Create(c.UserContext(), body, auth.ActorName(c))
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(is)
	}
}

// PUT /api/issuances/:id
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
		is, err := s.UpdatePending(c.UserContext(), id, body, auth.ActorName(c))
		if err != nil {
			return err
		}
		return c.JSON(is)
	}
}

// POST /api/issuances/:id/release
func ReleaseHandler(s *Service) fiber.Handler {
	return simple(func(ctx context.Context, id uint, actor string) (*models.Issuance, error) {
		return s.Release(ctx, id, actor)
	})
}

// POST /api/issuances/:id/issue
func IssueHandler(s *Service) fiber.Handler {
	return simple(s.Issue)
}

// POST /api/issuances/:id/cancel
func CancelHandler(s *Service) fiber.Handler {
	return simple(s.Cancel)
}

// DELETE /api/issuances/:id
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

// POST /api/issuances/:id/return
// Body: {"restore": true, "quantities": {"<line id>": 2}}
func ReturnHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		var body ReturnRequest
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&body); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
			}
		}
		restore := body.Restore == nil || *body.Restore
		is, err := s.Return(c.UserContext(), id, body.Quantities, restore, auth.ActorName(c))
		if err != nil {
			return err
		}
		return c.JSON(is)
	}
}

// POST /api/issuances/:id/status
func SetStatusHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		var body StatusRequest
		if err := workflow.ParseBody(c, &body); err != nil {
			return err
		}
		is, err := s.SetStatus(c.UserContext(), id, body.Status, auth.ActorName(c))
		if err != nil {
			return err
		}
		return c.JSON(is)
	}
}

func simple(fn func(ctx context.Context, id uint, actor string) (*models.Issuance, error)) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		is, err := fn(c.UserContext(), id, auth.ActorName(c))
		if err != nil {
			return err
		}
		return c.JSON(is)
	}
}
