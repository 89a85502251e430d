// Package main provides the Hoist server: API, scheduler and lease reaper
// in a single process.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/hoistci/hoist/pkg/cmd"
	"github.com/hoistci/hoist/pkg/compiler"
	"github.com/hoistci/hoist/pkg/execution"
	"github.com/hoistci/hoist/pkg/lease"
	"github.com/hoistci/hoist/pkg/log"
	"github.com/hoistci/hoist/pkg/otelhelper"
	"github.com/hoistci/hoist/pkg/scheduler"
)

func main() {
	command := &cli.Command{
		Name:                  "hoist-server",
		Usage:                 "Start the Hoist orchestration server",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewValidateCommand(),
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Persistence URL (postgres://... or a directory path)",
				Value:   "./data",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "API port",
				Value:   8080,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.DurationFlag{
				Name:    "tick-interval",
				Usage:   "Scheduler tick interval",
				Value:   time.Second,
				Sources: cli.EnvVars("TICK_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "reap-interval",
				Usage:   "Lease reaper interval",
				Value:   5 * time.Second,
				Sources: cli.EnvVars("REAP_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "lease-grace",
				Usage:   "Grace period after lease expiry before reclaiming a worker",
				Value:   30 * time.Second,
				Sources: cli.EnvVars("LEASE_GRACE"),
			},
			&cli.DurationFlag{
				Name:    "schedule-interval",
				Usage:   "Cron trigger poll interval",
				Value:   10 * time.Second,
				Sources: cli.EnvVars("SCHEDULE_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "max-running",
				Usage:   "Default cap on concurrently running executions per label (0 = unlimited)",
				Value:   0,
				Sources: cli.EnvVars("MAX_RUNNING"),
			},
			&cli.StringSliceFlag{
				Name:    "max-running-per-label",
				Usage:   "Per-label running caps as label=limit pairs",
				Sources: cli.EnvVars("MAX_RUNNING_PER_LABEL"),
			},
			&cli.StringFlag{
				Name:    "pipelines",
				Usage:   "Directory of pipeline documents registered for cron triggers",
				Value:   "",
				Sources: cli.EnvVars("PIPELINES_DIR"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the artifact cache (empty = in-memory LRU)",
				Value:   "",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.DurationFlag{
				Name:    "cache-ttl",
				Usage:   "TTL for redis cache entries",
				Value:   24 * time.Hour,
				Sources: cli.EnvVars("CACHE_TTL"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces for scheduler ticks",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
		},
		Action: run,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))
	logger := log.WithModule("hoist-server")

	logger.Info("Initializing Hoist server")

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), logger)
	if err != nil {
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.Error("Failed to close event bus", "error", err)
		}
	}()

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return fmt.Errorf("failed to create persistence: %w", err)
	}
	defer func() {
		if err := store.Close(ctx); err != nil {
			logger.Error("Failed to close persistence", "error", err)
		}
	}()

	artifacts, err := cmd.NewCacheStore(command.String("redis-url"), command.Duration("cache-ttl"))
	if err != nil {
		return fmt.Errorf("failed to create cache store: %w", err)
	}

	machine := execution.NewMachine(logger, eventBus, store)
	leases := lease.NewManager(logger, machine, eventBus, store, command.Duration("lease-grace"))

	schedulerConfig, err := parseSchedulerConfig(command)
	if err != nil {
		return err
	}

	dispatcher := scheduler.New(logger, machine, leases, schedulerConfig)

	if command.Bool("tracing") {
		tracer, err := otelhelper.NewTracer(ctx, "hoist-server")
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}

		dispatcher = dispatcher.WithTracer(tracer)
	}

	pipelineCompiler := compiler.New(logger)

	poller, err := loadSchedules(logger, pipelineCompiler, machine, command.String("pipelines"))
	if err != nil {
		return fmt.Errorf("failed to load scheduled pipelines: %w", err)
	}

	go leases.Start(ctx, command.Duration("reap-interval"))
	go dispatcher.Start(ctx, command.Duration("tick-interval"))

	if poller != nil {
		go poller.Start(ctx, command.Duration("schedule-interval"))
	}

	api := NewAPI(logger, machine, leases, pipelineCompiler, artifacts)

	return api.Start(command.Int("port"))
}
