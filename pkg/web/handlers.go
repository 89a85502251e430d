// Package web provides the HTTP surface of the orchestration core: the
// worker protocol, the run API and the cache protocol.
package web

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/hoistci/hoist/pkg/cache"
	"github.com/hoistci/hoist/pkg/compiler"
	"github.com/hoistci/hoist/pkg/execution"
	"github.com/hoistci/hoist/pkg/lease"
)

type APIHandlers struct {
	machine   *execution.Machine
	leases    *lease.Manager
	compiler  *compiler.Compiler
	artifacts cache.Store
	validator *validator.Validate
}

func NewAPIHandlers(
	machine *execution.Machine,
	leases *lease.Manager,
	pipelineCompiler *compiler.Compiler,
	artifacts cache.Store,
) *APIHandlers {
	return &APIHandlers{
		machine:   machine,
		leases:    leases,
		compiler:  pipelineCompiler,
		artifacts: artifacts,
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RegisterWorker creates a worker with a fresh lease.
func (h *APIHandlers) RegisterWorker(c fiber.Ctx) error {
	var req RegisterWorkerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	worker, err := h.leases.Register(c.Context(), req.Labels,
		time.Duration(req.LeaseDurationSeconds)*time.Second)
	if err != nil {
		return badRequest(c, err.Error())
	}

	return c.Status(fiber.StatusCreated).JSON(worker)
}

// Heartbeat renews a worker's lease. A reclaimed or unknown worker gets
// 410 Gone and must register again.
func (h *APIHandlers) Heartbeat(c fiber.Ctx) error {
	workerID := c.Params("id")

	worker, err := h.leases.Heartbeat(c.Context(), workerID)
	if err != nil {
		return handleWorkerError(c, err)
	}

	resp := HeartbeatResponse{
		WorkerID:       worker.ID,
		LeaseExpiresAt: worker.LeaseExpiresAt.Format(time.RFC3339),
		Assignment:     worker.Assignment,
	}

	if worker.Assignment != "" {
		if exec, err := h.machine.ExecutionSnapshot(worker.Assignment); err == nil {
			resp.CancelRequested = exec.CancelRequested
		}
	}

	return c.JSON(resp)
}

// GetAssignment returns the worker's current execution, or 204 when idle.
func (h *APIHandlers) GetAssignment(c fiber.Ctx) error {
	worker, err := h.leases.Worker(c.Params("id"))
	if err != nil {
		return handleWorkerError(c, err)
	}

	if worker.Assignment == "" {
		return c.SendStatus(fiber.StatusNoContent)
	}

	exec, err := h.machine.ExecutionSnapshot(worker.Assignment)
	if err != nil {
		return handleWorkerError(c, err)
	}

	return c.JSON(exec)
}

// ReportResult records a terminal outcome for the worker's assignment and
// releases the worker back to the idle pool.
func (h *APIHandlers) ReportResult(c fiber.Ctx) error {
	workerID := c.Params("id")

	var req ReportResultRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	worker, err := h.leases.Worker(workerID)
	if err != nil {
		return handleWorkerError(c, err)
	}

	if worker.Assignment != req.ExecutionID {
		return badRequest(c, "execution is not assigned to this worker")
	}

	switch req.Status {
	case "succeeded":
		err = h.machine.Complete(c.Context(), req.ExecutionID, req.ProducedArtifacts)
	case "failed":
		err = h.machine.Fail(c.Context(), req.ExecutionID, req.ErrorMessage)
	case "cancelled":
		err = h.machine.Cancel(c.Context(), req.ExecutionID, req.ErrorMessage)
	}

	if err != nil {
		if errors.Is(err, execution.ErrInvalidTransition) {
			return badRequest(c, err.Error())
		}

		return handleWorkerError(c, err)
	}

	h.leases.Release(c.Context(), workerID)

	exec, err := h.machine.ExecutionSnapshot(req.ExecutionID)
	if err != nil {
		return handleWorkerError(c, err)
	}

	return c.JSON(exec)
}

// DeregisterWorker removes a worker. Its assignment, if any, is requeued.
func (h *APIHandlers) DeregisterWorker(c fiber.Ctx) error {
	err := h.leases.Deregister(c.Context(), c.Params("id"))
	if err != nil {
		return handleWorkerError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// SubmitRun compiles a pipeline document against a trigger event and admits
// the resulting run. Events filtered out by the pipeline's triggers do not
// create a run.
func (h *APIHandlers) SubmitRun(c fiber.Ctx) error {
	var req SubmitRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	pipeline, err := h.compiler.CompilePipeline([]byte(req.Pipeline))
	if err != nil {
		return handleCompileError(c, err)
	}

	if !pipeline.Triggers.Matches(req.Event) {
		return c.JSON(fiber.Map{
			"triggered": false,
			"reason":    "trigger filters do not match event",
		})
	}

	run, err := h.compiler.CompileRun(pipeline, req.Event)
	if err != nil {
		return handleCompileError(c, err)
	}

	err = h.machine.AddRun(c.Context(), run)
	if err != nil {
		return internalError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(run)
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.machine.RunSnapshot(c.Params("id"))
	if err != nil {
		return notFound(c, "Run not found")
	}

	return c.JSON(fiber.Map{
		"run":    run,
		"status": run.Status(),
	})
}

func (h *APIHandlers) GetRunExecutions(c fiber.Ctx) error {
	run, err := h.machine.RunSnapshot(c.Params("id"))
	if err != nil {
		return notFound(c, "Run not found")
	}

	return c.JSON(run.Executions)
}

// CancelRun requests cooperative cancellation of every non-terminal
// execution in a run.
func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	err := h.machine.RequestCancel(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, execution.ErrUnknownRun) {
			return notFound(c, "Run not found")
		}

		return internalError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

// PutCacheEntry stores a blob under its content fingerprint. Writing an
// existing fingerprint is an idempotent no-op for identical content.
func (h *APIHandlers) PutCacheEntry(c fiber.Ctx) error {
	fingerprint := c.Params("fingerprint")
	if fingerprint == "" {
		return badRequest(c, "Fingerprint is required")
	}

	body := c.Body()
	if len(body) == 0 {
		return badRequest(c, "Empty cache entry")
	}

	blob := make([]byte, len(body))
	copy(blob, body)

	err := h.artifacts.Put(c.Context(), fingerprint, blob)
	if err != nil {
		return internalError(c, err)
	}

	return c.SendStatus(fiber.StatusCreated)
}

// GetCacheEntry returns the blob for a fingerprint, or 404 on a miss.
func (h *APIHandlers) GetCacheEntry(c fiber.Ctx) error {
	blob, ok, err := h.artifacts.Get(c.Context(), c.Params("fingerprint"))
	if err != nil {
		return internalError(c, err)
	}

	if !ok {
		return notFound(c, "Cache miss")
	}

	c.Set(fiber.HeaderContentType, fiber.MIMEOctetStream)

	return c.Send(blob)
}
