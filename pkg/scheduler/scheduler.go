// Package scheduler assigns ready executions to idle workers, honoring
// capability labels, admission ceilings and failure propagation.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hoistci/hoist/pkg/execution"
	"github.com/hoistci/hoist/pkg/lease"
	"github.com/hoistci/hoist/pkg/models"
	"github.com/hoistci/hoist/pkg/otelhelper"
)

// Config tunes admission control. A zero ceiling means unlimited.
type Config struct {
	// MaxRunningPerLabel caps concurrently running executions per label.
	MaxRunningPerLabel map[string]int

	// DefaultMaxRunning caps labels absent from MaxRunningPerLabel.
	DefaultMaxRunning int
}

func (c Config) ceiling(label string) int {
	if limit, ok := c.MaxRunningPerLabel[label]; ok {
		return limit
	}

	return c.DefaultMaxRunning
}

// Scheduler drives the ready queue on each tick. It never blocks on step
// execution; workers report results asynchronously.
type Scheduler struct {
	logger  *slog.Logger
	machine *execution.Machine
	leases  *lease.Manager
	config  Config
	tracer  trace.Tracer
}

func New(logger *slog.Logger, machine *execution.Machine, leases *lease.Manager, config Config) *Scheduler {
	return &Scheduler{
		logger:  logger.With("module", "scheduler"),
		machine: machine,
		leases:  leases,
		config:  config,
	}
}

// WithTracer enables span emission per tick.
func (s *Scheduler) WithTracer(tracer trace.Tracer) *Scheduler {
	s.tracer = tracer

	return s
}

// Tick performs one scheduling pass: propagate failures, collect the ready
// set and match it against idle workers. Returns the number of assignments
// made.
func (s *Scheduler) Tick(ctx context.Context) int {
	if s.tracer != nil {
		var span trace.Span

		ctx, span = otelhelper.StartSpan(ctx, s.tracer, "scheduler.tick")
		defer span.End()
	}

	s.propagate(ctx)

	ready := s.readySet(ctx)
	if len(ready) == 0 {
		return 0
	}

	running := s.runningPerLabel()
	idle := s.leases.IdleWorkers()
	assigned := 0

	for _, candidate := range ready {
		if !s.admit(candidate, running) {
			s.logger.DebugContext(ctx, "Execution held back by admission ceiling",
				"execution_id", candidate.ID, "labels", candidate.Labels)

			continue
		}

		worker := pickWorker(idle, candidate.Labels)
		if worker == nil {
			continue
		}

		err := s.leases.Assign(ctx, worker.ID, candidate.ID)
		if err != nil {
			s.logger.WarnContext(ctx, "Assignment failed",
				"execution_id", candidate.ID, "worker_id", worker.ID, "error", err)

			if s.tracer != nil {
				otelhelper.SetError(trace.SpanFromContext(ctx), err,
					attribute.String(otelhelper.ExecutionIDKey, candidate.ID),
					attribute.String(otelhelper.WorkerIDKey, worker.ID))
			}

			continue
		}

		assigned++

		for _, label := range candidate.Labels {
			running[label]++
		}

		idle = removeWorker(idle, worker.ID)

		s.logger.InfoContext(ctx, "Execution assigned",
			"execution_id", candidate.ID, "job_id", candidate.JobID, "worker_id", worker.ID)
	}

	if s.tracer != nil {
		trace.SpanFromContext(ctx).SetAttributes(
			attribute.Int("hoist.scheduler.ready", len(ready)),
			attribute.Int("hoist.scheduler.assigned", assigned),
		)
	}

	return assigned
}

// Start runs the scheduling loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// propagate skips queued executions whose dependencies terminally failed
// (unless the job opted into running on failure) or whose predicate
// evaluates false once dependencies settle. Decisions are taken on a
// snapshot; a skip rejected because the execution moved on is a lost race,
// not an error.
func (s *Scheduler) propagate(ctx context.Context) {
	for _, run := range s.machine.SnapshotRuns() {
		if run.Terminal() {
			continue
		}

		for _, candidate := range run.Executions {
			if candidate.State != models.ExecutionQueued {
				continue
			}

			settled, unblocked := dependencyOutcome(run, candidate)
			if !settled {
				continue
			}

			if !unblocked {
				err := s.machine.Transition(ctx, candidate.ID, models.ExecutionSkipped)
				if err != nil && !errors.Is(err, execution.ErrInvalidTransition) {
					s.logger.ErrorContext(ctx, "Failed to skip execution",
						"execution_id", candidate.ID, "error", err)
				}

				continue
			}

			ok, err := s.evaluatePredicate(run, candidate)
			if err != nil {
				s.logger.ErrorContext(ctx, "Predicate evaluation failed, skipping execution",
					"execution_id", candidate.ID, "error", err)

				ok = false
			}

			if !ok {
				err = s.machine.Transition(ctx, candidate.ID, models.ExecutionSkipped)
				if err != nil && !errors.Is(err, execution.ErrInvalidTransition) {
					s.logger.ErrorContext(ctx, "Failed to skip execution",
						"execution_id", candidate.ID, "error", err)
				}
			}
		}
	}
}

// readySet returns queued executions whose dependencies are settled and
// successful (or opted in) and whose predicate holds, FIFO by enqueue time.
func (s *Scheduler) readySet(ctx context.Context) []*models.JobExecution {
	var ready []*models.JobExecution

	for _, run := range s.machine.SnapshotRuns() {
		if run.Terminal() {
			continue
		}

		for _, candidate := range run.Executions {
			if candidate.State != models.ExecutionQueued || candidate.CancelRequested {
				continue
			}

			settled, unblocked := dependencyOutcome(run, candidate)
			if !settled || !unblocked {
				continue
			}

			ok, err := s.evaluatePredicate(run, candidate)
			if err != nil || !ok {
				continue
			}

			ready = append(ready, candidate)
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].EnqueuedAt.Before(ready[j].EnqueuedAt)
	})

	return ready
}

// dependencyOutcome reports whether all dependency executions are terminal
// (settled) and whether the candidate may run: every dependency succeeded,
// or the candidate opted into running on failure.
func dependencyOutcome(run *models.Run, candidate *models.JobExecution) (settled, unblocked bool) {
	unblocked = true

	for _, need := range candidate.Needs {
		for _, dep := range run.ExecutionsForJob(need) {
			if !dep.State.Terminal() {
				return false, false
			}

			if !dep.State.Success() {
				unblocked = false
			}
		}
	}

	if !unblocked && candidate.RunOnFailure {
		unblocked = true
	}

	return true, unblocked
}

func (s *Scheduler) evaluatePredicate(run *models.Run, candidate *models.JobExecution) (bool, error) {
	if candidate.If == "" {
		return true, nil
	}

	predicate, err := models.CompilePredicate(candidate.If)
	if err != nil {
		return false, err
	}

	return predicate.Evaluate(models.PredicateContext{
		Branch:    run.Event.Branch,
		Event:     run.Event.Type,
		JobStatus: run.JobStatus,
	})
}

// admit checks the per-label running ceiling for every label the candidate
// requires.
func (s *Scheduler) admit(candidate *models.JobExecution, running map[string]int) bool {
	for _, label := range candidate.Labels {
		ceiling := s.config.ceiling(label)
		if ceiling > 0 && running[label] >= ceiling {
			return false
		}
	}

	return true
}

func (s *Scheduler) runningPerLabel() map[string]int {
	running := make(map[string]int)

	for _, run := range s.machine.SnapshotRuns() {
		for _, candidate := range run.Executions {
			if candidate.State != models.ExecutionRunning {
				continue
			}

			for _, label := range candidate.Labels {
				running[label]++
			}
		}
	}

	return running
}

// pickWorker chooses an idle worker whose labels cover the requirement,
// preferring exact capability matches.
func pickWorker(idle []*models.Worker, required []string) *models.Worker {
	var fallback *models.Worker

	for _, worker := range idle {
		if !worker.HasLabels(required) {
			continue
		}

		if worker.ExactLabels(required) {
			return worker
		}

		if fallback == nil {
			fallback = worker
		}
	}

	return fallback
}

func removeWorker(idle []*models.Worker, id string) []*models.Worker {
	out := idle[:0]

	for _, worker := range idle {
		if worker.ID != id {
			out = append(out, worker)
		}
	}

	return out
}
