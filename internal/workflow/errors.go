// Package workflow holds the failure types shared by the issuance and restock
// state machines and their mapping onto HTTP responses.
package workflow

import (
	"errors"
	"fmt"

	"depot-backend/internal/ledger"

	"github.com/gofiber/fiber/v2"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrNotEditable = errors.New("only pending records can be edited")
)

// InvalidTransitionError is returned before any side effect when the requested
// status is not reachable from the current one.
type InvalidTransitionError struct {
	Entity string
	ID     uint
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s #%d cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// ValidationError carries one message per rejected input field or line.
type ValidationError struct {
	Problems []string
}

func NewValidationError(problems ...string) *ValidationError {
	return &ValidationError{Problems: problems}
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return e.Problems[0]
	}
	return fmt.Sprintf("%d validation problems", len(e.Problems))
}

func (e *ValidationError) Messages() []string { return e.Problems }

// Messages returns the user-facing lines for err.
func Messages(err error) []string {
	var m interface{ Messages() []string }
	if errors.As(err, &m) {
		return m.Messages()
	}
	return []string{err.Error()}
}

// Status maps a workflow failure onto an HTTP status code.
func Status(err error) int {
	var ise *ledger.InsufficientStockError
	var mve *ledger.MissingVariantError
	var ite *InvalidTransitionError
	var ve *ValidationError
	switch {
	case errors.As(err, &ise):
		return fiber.StatusConflict
	case errors.As(err, &mve):
		return fiber.StatusConflict
	case errors.As(err, &ite):
		return fiber.StatusUnprocessableEntity
	case errors.As(err, &ve):
		return fiber.StatusBadRequest
	case errors.Is(err, ErrNotEditable):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, ErrNotFound):
		return fiber.StatusNotFound
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return fiber.StatusInternalServerError
}

// Expected reports whether err is a business outcome rather than an infrastructure failure.
func Expected(err error) bool {
	return Status(err) < fiber.StatusInternalServerError
}

// ErrorHandler renders errors as {"error": ..., "messages": [...]}. Internal
// failures hide their detail from the client.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := Status(err)
	msg := err.Error()
	messages := Messages(err)
	if code >= fiber.StatusInternalServerError {
		msg = "internal server error"
		messages = []string{msg}
	}
	return c.Status(code).JSON(fiber.Map{
		"error":    msg,
		"messages": messages,
	})
}
