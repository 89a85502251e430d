package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hoistci/hoist/pkg/compiler"
	"github.com/hoistci/hoist/pkg/execution"
	"github.com/hoistci/hoist/pkg/models"
	"github.com/hoistci/hoist/pkg/trigger"
)

// loadSchedules compiles every pipeline document in dir and registers a
// cron schedule for each one declaring a schedule expression. Returns nil
// when dir is empty or holds no scheduled pipelines.
func loadSchedules(
	logger *slog.Logger,
	pipelineCompiler *compiler.Compiler,
	machine *execution.Machine,
	dir string,
) (*trigger.Poller, error) {
	if dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipelines directory: %w", err)
	}

	pipelines := make(map[string]*models.Pipeline)

	fire := func(ctx context.Context, pipelineID string) error {
		pipeline, ok := pipelines[pipelineID]
		if !ok {
			return fmt.Errorf("unknown pipeline: %s", pipelineID)
		}

		run, err := pipelineCompiler.CompileRun(pipeline, models.TriggerEvent{Type: "schedule"})
		if err != nil {
			return err
		}

		return machine.AddRun(ctx, run)
	}

	poller := trigger.NewPoller(logger, fire)
	scheduled := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		source, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read pipeline %s: %w", entry.Name(), err)
		}

		pipeline, err := pipelineCompiler.CompilePipeline(source)
		if err != nil {
			return nil, fmt.Errorf("failed to compile pipeline %s: %w", entry.Name(), err)
		}

		if pipeline.Schedule == "" {
			continue
		}

		schedule, err := trigger.NewSchedule(pipeline.ID, pipeline.ID, pipeline.Schedule)
		if err != nil {
			return nil, fmt.Errorf("invalid schedule in %s: %w", entry.Name(), err)
		}

		pipelines[pipeline.ID] = pipeline
		poller.Add(schedule)
		scheduled++

		logger.Info("Registered scheduled pipeline",
			"pipeline", pipeline.Name, "schedule", pipeline.Schedule)
	}

	if scheduled == 0 {
		return nil, nil
	}

	return poller, nil
}
