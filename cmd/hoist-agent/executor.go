package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/hoistci/hoist/pkg/models"
)

// Result is the terminal outcome of one execution on this agent. Cancelled
// marks a cooperative cancellation observed at a step boundary; it is
// reported as such so the run finishes Cancelled rather than Failed.
type Result struct {
	Succeeded         bool
	Cancelled         bool
	ErrorMessage      string
	ProducedArtifacts []string
}

// Executor runs job steps as shell commands in the agent's working
// directory. Step content is opaque to the orchestrator; it is interpreted
// only here.
type Executor struct {
	logger  *slog.Logger
	workDir string
}

func NewExecutor(logger *slog.Logger, workDir string) *Executor {
	return &Executor{
		logger:  logger.With("module", "executor"),
		workDir: workDir,
	}
}

// Execute runs each step in order, stopping at the first failure. The
// cancelled callback is checked at step boundaries; a job-level timeout
// bounds the whole execution.
func (e *Executor) Execute(ctx context.Context, execution *models.JobExecution, cancelled func() bool) Result {
	if execution.TimeoutSecs > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, time.Duration(execution.TimeoutSecs)*time.Second)
		defer cancel()
	}

	env := os.Environ()
	for key, value := range execution.Env {
		env = append(env, key+"="+value)
	}

	for i, step := range execution.Steps {
		if cancelled() {
			return Result{Cancelled: true, ErrorMessage: "cancelled before step " + stepName(step, i)}
		}

		if err := ctx.Err(); err != nil {
			return Result{ErrorMessage: "timed out before step " + stepName(step, i)}
		}

		e.logger.InfoContext(ctx, "Running step",
			"execution_id", execution.ID, "step", stepName(step, i))

		cmd := exec.CommandContext(ctx, "sh", "-c", step.Run)
		cmd.Dir = e.workDir
		cmd.Env = env
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			if ctx.Err() != nil {
				return Result{ErrorMessage: fmt.Sprintf("step %s timed out", stepName(step, i))}
			}

			return Result{ErrorMessage: fmt.Sprintf("step %s failed: %v", stepName(step, i), err)}
		}
	}

	return Result{Succeeded: true}
}

func stepName(step models.Step, index int) string {
	if step.Name != "" {
		return step.Name
	}

	return fmt.Sprintf("#%d", index+1)
}
