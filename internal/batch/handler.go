package batch

import (
	"context"

	"depot-backend/internal/auth"
	"depot-backend/internal/workflow"

	"github.com/gofiber/fiber/v2"
)

type Request struct {
	IDs []uint `json:"ids" validate:"min=1,max=500"`
}

// QuantitiesRequest carries per-entity line overrides keyed by entity id, then line id.
type QuantitiesRequest struct {
	IDs        []uint                `json:"ids" validate:"min=1,max=500"`
	Quantities map[uint]map[uint]int `json:"quantities"`
}

type IssuanceReturnRequest struct {
	IDs        []uint                `json:"ids" validate:"min=1,max=500"`
	Quantities map[uint]map[uint]int `json:"quantities"`
	Restore    *bool                 `json:"restore"`
}

type plainRun func(ctx context.Context, ids []uint, actor string) (*Report, error)

func plain(run plainRun) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body Request
		if err := workflow.ParseBody(c, &body); err != nil {
			return err
		}
		rep, err := run(c.UserContext(), body.IDs, auth.ActorName(c))
		if err != nil {
			return err
		}
		return c.JSON(rep)
	}
}

type quantityRun func(ctx context.Context, ids []uint, quantities map[uint]map[uint]int, actor string) (*Report, error)

func withQuantities(run quantityRun) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body QuantitiesRequest
		if err := workflow.ParseBody(c, &body); err != nil {
			return err
		}
		rep, err := run(c.UserContext(), body.IDs, body.Quantities, auth.ActorName(c))
		if err != nil {
			return err
		}
		return c.JSON(rep)
	}
}

// POST /api/issuances/bulk/release
func ReleaseIssuancesHandler(p *Processor) fiber.Handler { return plain(p.BulkReleaseIssuances) }

// POST /api/issuances/bulk/issue
func IssueIssuancesHandler(p *Processor) fiber.Handler { return plain(p.BulkIssueIssuances) }

// POST /api/issuances/bulk/cancel
func CancelIssuancesHandler(p *Processor) fiber.Handler { return plain(p.BulkCancelIssuances) }

// POST /api/issuances/bulk/delete
func DeleteIssuancesHandler(p *Processor) fiber.Handler { return plain(p.BulkDeleteIssuances) }

// POST /api/issuances/bulk/return
// Body: {"ids": [1, 2], "restore": true, "quantities": {"1": {"10": 2}}}
func ReturnIssuancesHandler(p *Processor) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var body IssuanceReturnRequest
		if err := workflow.ParseBody(c, &body); err != nil {
			return err
		}
		restore := body.Restore == nil || *body.Restore
		rep, err := p.BulkReturnIssuances(c.UserContext(), body.IDs, body.Quantities, restore, auth.ActorName(c))
		if err != nil {
			return err
		}
		return c.JSON(rep)
	}
}

// POST /api/restocks/bulk/deliver
func DeliverRestocksHandler(p *Processor) fiber.Handler { return withQuantities(p.BulkDeliverRestocks) }

// POST /api/restocks/bulk/return
func ReturnRestocksHandler(p *Processor) fiber.Handler { return withQuantities(p.BulkReturnRestocks) }

// POST /api/restocks/bulk/cancel
func CancelRestocksHandler(p *Processor) fiber.Handler { return plain(p.BulkCancelRestocks) }

// POST /api/restocks/bulk/delete
func DeleteRestocksHandler(p *Processor) fiber.Handler { return plain(p.BulkDeleteRestocks) }
