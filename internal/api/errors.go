package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/moogar0880/problems"

	"github.com/dshills/pipeline-go/pipeline"
	"github.com/dshills/pipeline-go/pipeline/store"
)

func badRequest(c *fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c *fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusNotFound).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

// handleSchedulerError maps scheduler and store errors to problem responses.
func handleSchedulerError(c *fiber.Ctx, err error) error {
	var schedErr *pipeline.SchedulerError

	switch {
	case errors.Is(err, store.ErrDuplicateRun):
		return conflict(c, "run_exists", err.Error())

	case pipeline.IsValidationError(err):
		return badRequest(c, err.Error())

	case errors.Is(err, store.ErrNotFound):
		return notFound(c, "run not found")

	case errors.As(err, &schedErr) && schedErr.Code == "RUN_ACTIVE":
		return conflict(c, "run_active", err.Error())

	case errors.As(err, &schedErr) && schedErr.Code == "INVALID_TRANSITION":
		return conflict(c, "invalid_transition", err.Error())

	default:
		problem := problems.NewStatusProblem(fiber.StatusInternalServerError).
			WithInstance(c.Path()).
			WithType("internal_error").
			WithError(err)

		return c.Status(fiber.StatusInternalServerError).JSON(problem)
	}
}

func conflict(c *fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusConflict).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

var errInvalidID = errors.New("run id must be a positive integer")
