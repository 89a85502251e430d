package scheduler

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoistci/hoist/pkg/execution"
	"github.com/hoistci/hoist/pkg/lease"
	"github.com/hoistci/hoist/pkg/models"
)

type fixture struct {
	machine   *execution.Machine
	leases    *lease.Manager
	scheduler *Scheduler
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()

	machine := execution.NewMachine(slog.Default(), nil, nil)
	leases := lease.NewManager(slog.Default(), machine, nil, nil, time.Minute)

	return &fixture{
		machine:   machine,
		leases:    leases,
		scheduler: New(slog.Default(), machine, leases, config),
	}
}

func (f *fixture) addWorker(t *testing.T, labels ...string) *models.Worker {
	t.Helper()

	worker, err := f.leases.Register(t.Context(), labels, time.Minute)
	require.NoError(t, err)

	return worker
}

func (f *fixture) addRun(t *testing.T, runID string, executions ...*models.JobExecution) *models.Run {
	t.Helper()

	run := &models.Run{ID: runID, PipelineID: "pipe", CreatedAt: time.Now().UTC()}

	for i, e := range executions {
		e.RunID = runID
		e.State = models.ExecutionQueued

		if e.EnqueuedAt.IsZero() {
			e.EnqueuedAt = run.CreatedAt.Add(time.Duration(i) * time.Millisecond)
		}

		run.Executions = append(run.Executions, e)
	}

	require.NoError(t, f.machine.AddRun(t.Context(), run))

	return run
}

func stateOf(t *testing.T, f *fixture, executionID string) models.ExecutionState {
	t.Helper()

	e, err := f.machine.Execution(executionID)
	require.NoError(t, err)

	return e.State
}

func TestScheduler_AssignsReadyToIdleWorker(t *testing.T) {
	f := newFixture(t, Config{})
	f.addWorker(t, "linux")
	f.addRun(t, "r1", &models.JobExecution{ID: "e1", JobID: "build", Labels: []string{"linux"}})

	assigned := f.scheduler.Tick(t.Context())
	assert.Equal(t, 1, assigned)
	assert.Equal(t, models.ExecutionRunning, stateOf(t, f, "e1"))
}

func TestScheduler_LabelSupersetMatching(t *testing.T) {
	f := newFixture(t, Config{})
	f.addWorker(t, "linux", "docker", "gpu")
	f.addRun(t, "r1",
		&models.JobExecution{ID: "e1", JobID: "build", Labels: []string{"linux", "docker"}},
		&models.JobExecution{ID: "e2", JobID: "win", Labels: []string{"windows"}},
	)

	assigned := f.scheduler.Tick(t.Context())
	assert.Equal(t, 1, assigned)
	assert.Equal(t, models.ExecutionRunning, stateOf(t, f, "e1"))
	assert.Equal(t, models.ExecutionQueued, stateOf(t, f, "e2"))
}

func TestScheduler_PrefersExactLabelMatch(t *testing.T) {
	f := newFixture(t, Config{})
	superset := f.addWorker(t, "linux", "gpu")
	exact := f.addWorker(t, "linux")
	f.addRun(t, "r1", &models.JobExecution{ID: "e1", JobID: "build", Labels: []string{"linux"}})

	require.Equal(t, 1, f.scheduler.Tick(t.Context()))

	e, err := f.machine.Execution("e1")
	require.NoError(t, err)
	assert.Equal(t, exact.ID, e.WorkerID)

	refreshed, err := f.leases.Worker(superset.ID)
	require.NoError(t, err)
	assert.True(t, refreshed.Idle())
}

func TestScheduler_FIFOWithinReadySet(t *testing.T) {
	f := newFixture(t, Config{})
	f.addWorker(t, "linux")

	now := time.Now().UTC()
	f.addRun(t, "r1",
		&models.JobExecution{ID: "late", JobID: "late", Labels: []string{"linux"}, EnqueuedAt: now.Add(time.Second)},
		&models.JobExecution{ID: "early", JobID: "early", Labels: []string{"linux"}, EnqueuedAt: now},
	)

	// One worker: only the earliest enqueued execution is assigned.
	require.Equal(t, 1, f.scheduler.Tick(t.Context()))
	assert.Equal(t, models.ExecutionRunning, stateOf(t, f, "early"))
	assert.Equal(t, models.ExecutionQueued, stateOf(t, f, "late"))
}

func TestScheduler_FailurePropagation(t *testing.T) {
	f := newFixture(t, Config{})
	f.addRun(t, "r1",
		&models.JobExecution{ID: "a", JobID: "a"},
		&models.JobExecution{ID: "b", JobID: "b", Needs: []string{"a"}},
		&models.JobExecution{ID: "c", JobID: "c", Needs: []string{"b"}},
	)

	require.NoError(t, f.machine.Transition(t.Context(), "a", models.ExecutionRunning))
	require.NoError(t, f.machine.Fail(t.Context(), "a", "boom"))

	// First tick skips b; second tick sees b settled and skips c.
	f.scheduler.Tick(t.Context())
	f.scheduler.Tick(t.Context())

	assert.Equal(t, models.ExecutionSkipped, stateOf(t, f, "b"))
	assert.Equal(t, models.ExecutionSkipped, stateOf(t, f, "c"))

	run, err := f.machine.Run("r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status())
}

func TestScheduler_RunOnFailureStillRuns(t *testing.T) {
	f := newFixture(t, Config{})
	f.addWorker(t, "linux")
	f.addRun(t, "r1",
		&models.JobExecution{ID: "a", JobID: "a"},
		&models.JobExecution{ID: "cleanup", JobID: "cleanup", Needs: []string{"a"}, RunOnFailure: true, Labels: []string{"linux"}},
	)

	require.NoError(t, f.machine.Transition(t.Context(), "a", models.ExecutionRunning))
	require.NoError(t, f.machine.Fail(t.Context(), "a", "boom"))

	require.Equal(t, 1, f.scheduler.Tick(t.Context()))
	assert.Equal(t, models.ExecutionRunning, stateOf(t, f, "cleanup"))
}

func TestScheduler_PredicateSkipsAfterDependenciesSettle(t *testing.T) {
	f := newFixture(t, Config{})
	f.addWorker(t, "linux")

	run := f.addRun(t, "r1",
		&models.JobExecution{ID: "a", JobID: "a", Labels: []string{"linux"}},
		&models.JobExecution{ID: "deploy", JobID: "deploy", Needs: []string{"a"},
			If: "branch == 'main'", Labels: []string{"linux"}},
	)
	run.Event = models.TriggerEvent{Type: "push", Branch: "feature"}

	require.Equal(t, 1, f.scheduler.Tick(t.Context()))
	require.NoError(t, f.machine.Complete(t.Context(), "a", nil))

	f.scheduler.Tick(t.Context())
	assert.Equal(t, models.ExecutionSkipped, stateOf(t, f, "deploy"))
}

func TestScheduler_PredicateOnJobStatus(t *testing.T) {
	f := newFixture(t, Config{})
	f.addWorker(t, "linux")
	f.addRun(t, "r1",
		&models.JobExecution{ID: "a", JobID: "a"},
		&models.JobExecution{ID: "notify", JobID: "notify", Needs: []string{"a"},
			RunOnFailure: true, If: "status.a == 'failed'", Labels: []string{"linux"}},
	)

	require.NoError(t, f.machine.Transition(t.Context(), "a", models.ExecutionRunning))
	require.NoError(t, f.machine.Fail(t.Context(), "a", "boom"))

	require.Equal(t, 1, f.scheduler.Tick(t.Context()))
	assert.Equal(t, models.ExecutionRunning, stateOf(t, f, "notify"))
}

func TestScheduler_AdmissionCeiling(t *testing.T) {
	f := newFixture(t, Config{MaxRunningPerLabel: map[string]int{"deploy": 1}})
	f.addWorker(t, "deploy")
	f.addWorker(t, "deploy")
	f.addRun(t, "r1",
		&models.JobExecution{ID: "e1", JobID: "d1", Labels: []string{"deploy"}},
		&models.JobExecution{ID: "e2", JobID: "d2", Labels: []string{"deploy"}},
	)

	// Ceiling of one admits a single deploy despite two idle workers.
	assert.Equal(t, 1, f.scheduler.Tick(t.Context()))
	assert.Equal(t, 0, f.scheduler.Tick(t.Context()))

	running := 0

	for _, id := range []string{"e1", "e2"} {
		if stateOf(t, f, id) == models.ExecutionRunning {
			running++
		}
	}

	assert.Equal(t, 1, running)
}

func TestScheduler_CancelledExecutionsNotScheduled(t *testing.T) {
	f := newFixture(t, Config{})
	f.addWorker(t, "linux")
	f.addRun(t, "r1", &models.JobExecution{ID: "e1", JobID: "build", Labels: []string{"linux"}})

	require.NoError(t, f.machine.RequestCancel(t.Context(), "r1"))

	assert.Equal(t, 0, f.scheduler.Tick(t.Context()))
	assert.Equal(t, models.ExecutionCancelled, stateOf(t, f, "e1"))
}

func TestScheduler_NoDoubleAssignment(t *testing.T) {
	f := newFixture(t, Config{})
	f.addWorker(t, "linux")
	f.addRun(t, "r1",
		&models.JobExecution{ID: "e1", JobID: "a", Labels: []string{"linux"}},
		&models.JobExecution{ID: "e2", JobID: "b", Labels: []string{"linux"}},
	)

	// Single worker, two ready executions: exactly one assignment per tick,
	// and the second tick finds no idle worker.
	assert.Equal(t, 1, f.scheduler.Tick(t.Context()))
	assert.Equal(t, 0, f.scheduler.Tick(t.Context()))
}

func TestScheduler_ConcurrentRandomDAG(t *testing.T) {
	f := newFixture(t, Config{})
	f.addWorker(t, "linux")
	f.addWorker(t, "linux")
	f.addWorker(t, "linux")

	seed := time.Now().UnixNano()
	t.Logf("seed %d", seed)
	rng := rand.New(rand.NewSource(seed))

	// Layered DAG: each job depends on a random subset of the previous
	// layer, so dependency edges vary between test executions.
	const (
		layers = 4
		width  = 3
	)

	var executions []*models.JobExecution
	var previous []string

	for layer := 0; layer < layers; layer++ {
		var current []string

		for i := 0; i < width; i++ {
			jobID := fmt.Sprintf("job-%d-%d", layer, i)

			var needs []string
			for _, dep := range previous {
				if rng.Intn(2) == 0 {
					needs = append(needs, dep)
				}
			}

			executions = append(executions, &models.JobExecution{
				ID:     "exec-" + jobID,
				JobID:  jobID,
				Labels: []string{"linux"},
				Needs:  needs,
			})
			current = append(current, jobID)
		}

		previous = current
	}

	f.addRun(t, "r1", executions...)

	ctx := t.Context()
	done := make(chan struct{})

	var wg sync.WaitGroup

	// Scheduling loop, plus the reaper it normally runs next to.
	wg.Add(1)
	go func() {
		defer wg.Done()

		for {
			select {
			case <-done:
				return
			default:
				f.scheduler.Tick(ctx)
				f.leases.Reap(ctx)
			}
		}
	}()

	// Workers finish whatever they see running.
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for {
				select {
				case <-done:
					return
				default:
				}

				for _, run := range f.machine.SnapshotRuns() {
					for _, e := range run.Executions {
						if e.State != models.ExecutionRunning {
							continue
						}

						if f.machine.Complete(ctx, e.ID, nil) == nil {
							f.leases.Release(ctx, e.WorkerID)
						}
					}
				}
			}
		}()
	}

	deadline := time.After(10 * time.Second)

	for {
		run, err := f.machine.RunSnapshot("r1")
		require.NoError(t, err)

		if run.Terminal() {
			break
		}

		select {
		case <-deadline:
			close(done)
			wg.Wait()
			t.Fatalf("run did not finish, status %s", run.Status())
		case <-time.After(5 * time.Millisecond):
		}
	}

	close(done)
	wg.Wait()

	run, err := f.machine.RunSnapshot("r1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, run.Status())

	// No execution may have started before every dependency finished
	// successfully.
	for _, e := range run.Executions {
		require.NotNil(t, e.StartedAt, e.ID)

		for _, need := range e.Needs {
			for _, dep := range run.ExecutionsForJob(need) {
				require.NotNil(t, dep.FinishedAt, dep.ID)
				assert.True(t, dep.State.Success(),
					"%s started on unfinished dependency %s", e.ID, dep.ID)
				assert.False(t, e.StartedAt.Before(*dep.FinishedAt),
					"%s started at %s before %s finished at %s",
					e.ID, e.StartedAt, dep.ID, dep.FinishedAt)
			}
		}
	}
}
