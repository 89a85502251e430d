package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/hoistci/hoist/pkg/compiler"
	"github.com/hoistci/hoist/pkg/execution"
	"github.com/hoistci/hoist/pkg/lease"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func gone(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(410).
		WithInstance(c.Path()).
		WithType("lease_reclaimed").
		WithDetail(detail)

	return c.Status(fiber.StatusGone).JSON(problem)
}

func unprocessable(c fiber.Ctx, problemType string, err error) error {
	problem := problems.NewStatusProblem(422).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(err.Error())

	return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleCompileError maps compiler failures onto problem responses. These
// are fatal for the submission, never for the scheduler.
func handleCompileError(c fiber.Ctx, err error) error {
	var (
		cycleErr  *compiler.CycleError
		refErr    *compiler.UnknownReferenceError
		matrixErr *compiler.MatrixExpansionError
	)

	switch {
	case errors.As(err, &cycleErr):
		return unprocessable(c, "dependency_cycle", err)
	case errors.As(err, &refErr):
		return unprocessable(c, "unknown_reference", err)
	case errors.As(err, &matrixErr):
		return unprocessable(c, "matrix_expansion", err)
	default:
		return unprocessable(c, "compile_error", err)
	}
}

// handleWorkerError maps lease manager failures onto problem responses.
func handleWorkerError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, lease.ErrWorkerReclaimed):
		return gone(c, "worker lease reclaimed, register again")
	case errors.Is(err, lease.ErrWorkerUnknown):
		return notFound(c, "worker not registered")
	case errors.Is(err, lease.ErrWorkerBusy):
		return badRequest(c, err.Error())
	case errors.Is(err, execution.ErrUnknownExecution):
		return notFound(c, "execution not found")
	default:
		return internalError(c, err)
	}
}
