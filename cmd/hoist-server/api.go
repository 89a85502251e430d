package main

import (
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/hoistci/hoist/pkg/cache"
	"github.com/hoistci/hoist/pkg/compiler"
	"github.com/hoistci/hoist/pkg/execution"
	"github.com/hoistci/hoist/pkg/lease"
	"github.com/hoistci/hoist/pkg/web"
)

type API struct {
	logger    *slog.Logger
	machine   *execution.Machine
	leases    *lease.Manager
	compiler  *compiler.Compiler
	artifacts cache.Store
}

func NewAPI(
	logger *slog.Logger,
	machine *execution.Machine,
	leases *lease.Manager,
	pipelineCompiler *compiler.Compiler,
	artifacts cache.Store,
) *API {
	return &API{
		logger:    logger,
		machine:   machine,
		leases:    leases,
		compiler:  pipelineCompiler,
		artifacts: artifacts,
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.machine, a.leases, a.compiler, a.artifacts)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Hoist API")
	})

	w := app.Group("/workers")
	w.Post("/", handlers.RegisterWorker)
	w.Post("/:id/heartbeat", handlers.Heartbeat)
	w.Get("/:id/assignment", handlers.GetAssignment)
	w.Post("/:id/result", handlers.ReportResult)
	w.Delete("/:id", handlers.DeregisterWorker)

	r := app.Group("/runs")
	r.Post("/", handlers.SubmitRun)
	r.Get("/:id", handlers.GetRun)
	r.Get("/:id/executions", handlers.GetRunExecutions)
	r.Post("/:id/cancel", handlers.CancelRun)

	c := app.Group("/cache")
	c.Put("/:fingerprint", handlers.PutCacheEntry)
	c.Get("/:fingerprint", handlers.GetCacheEntry)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	a.logger.Info("Starting API server", "port", port)

	return app.Listen(":" + strconv.Itoa(port))
}
