package catalog

import (
	"depot-backend/internal/auth"
	"depot-backend/internal/workflow"

	"github.com/gofiber/fiber/v2"
)

type AdjustRequest struct {
	Delta  int    `json:"delta" validate:"required"`
	Reason string `json:"reason" validate:"max=255"`
}

// GET /api/categories
func ListCategoriesHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		list, err := s.ListCategories(c.UserContext())
		if err != nil {
			return err
		}
		return c.JSON(list)
	}
}

// POST /api/categories (admin)
func CreateCategoryHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body CategoryInput
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		cat, err := s.CreateCategory(c.UserContext(), body)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(cat)
	}
}

// PUT /api/categories/:id (admin)
func UpdateCategoryHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		var body CategoryInput
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		cat, err := s.UpdateCategory(c.UserContext(), id, body)
		if err != nil {
			return err
		}
		return c.JSON(cat)
	}
}

// DELETE /api/categories/:id (admin)
func DeleteCategoryHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		if err := s.DeleteCategory(c.UserContext(), id); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// GET /api/items?category_id=1&search=helm
func ListItemsHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		categoryID, err := workflow.QueryID(c, "category_id")
		if err != nil {
			return err
		}
		list, err := s.ListItems(c.UserContext(), ItemFilter{CategoryID: categoryID, Search: c.Query("search")})
		if err != nil {
			return err
		}
		return c.JSON(list)
	}
}

// GET /api/items/:id
func GetItemHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		it, err := s.GetItem(c.UserContext(), id)
		if err != nil {
			return err
		}
		return c.JSON(it)
	}
}

// POST /api/items (admin)
func CreateItemHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body ItemInput
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		it, err := s.CreateItem(c.UserContext(), body)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(it)
	}
}

// PUT /api/items/:id (admin)
func UpdateItemHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		var body ItemInput
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		it, err := s.UpdateItem(c.UserContext(), id, body)
		if err != nil {
			return err
		}
		return c.JSON(it)
	}
}

// DELETE /api/items/:id (admin)
func DeleteItemHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		if err := s.DeleteItem(c.UserContext(), id); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// GET /api/items/:id/variant-options
func VariantOptionsHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		opts, err := s.VariantOptions(c.UserContext(), id)
		if err != nil {
			return err
		}
		return c.JSON(opts)
	}
}

// POST /api/items/:id/variants (admin)
func CreateVariantHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		var body VariantInput
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		v, err := s.CreateVariant(c.UserContext(), id, body)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(v)
	}
}

// POST /api/variants/:id/adjust (admin)
// Body: {"delta": -2, "reason": "damaged"}
func AdjustVariantHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		var body AdjustRequest
		if err := workflow.ParseBody(c, &body); err != nil {
			return err
		}
		v, err := s.AdjustVariant(c.UserContext(), id, body.Delta, auth.ActorName(c), body.Reason)
		if err != nil {
			return err
		}
		return c.JSON(v)
	}
}

// DELETE /api/variants/:id (admin)
func DeleteVariantHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		if err := s.DeleteVariant(c.UserContext(), id); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// GET /api/sites
func ListSitesHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		list, err := s.ListSites(c.UserContext())
		if err != nil {
			return err
		}
		return c.JSON(list)
	}
}

// POST /api/sites (admin)
func CreateSiteHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body SiteInput
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		site, err := s.CreateSite(c.UserContext(), body)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusCreated).JSON(site)
	}
}

// PUT /api/sites/:id (admin)
func UpdateSiteHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		var body SiteInput
		if err := c.BodyParser(&body); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		site, err := s.UpdateSite(c.UserContext(), id, body)
		if err != nil {
			return err
		}
		return c.JSON(site)
	}
}

// DELETE /api/sites/:id (admin)
func DeleteSiteHandler(s *Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := workflow.ParamID(c, "id")
		if err != nil {
			return err
		}
		if err := s.DeleteSite(c.UserContext(), id); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}
