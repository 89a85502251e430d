package execution

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hoistci/hoist/pkg/eventbus"
	"github.com/hoistci/hoist/pkg/events"
	"github.com/hoistci/hoist/pkg/mocks"
	"github.com/hoistci/hoist/pkg/models"
)

// capturingBus records published events for assertions.
type capturingBus struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (b *capturingBus) Publish(_ context.Context, _ string, event eventbus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, event)

	return nil
}

func (b *capturingBus) ofType(eventType events.EventType) []eventbus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var matched []eventbus.Event

	for _, event := range b.events {
		if event.GetType() == eventType {
			matched = append(matched, event)
		}
	}

	return matched
}

func newTestRun(jobs ...*models.JobExecution) *models.Run {
	run := &models.Run{ID: "run-1", PipelineID: "pipe-1"}

	for _, execution := range jobs {
		execution.RunID = run.ID
		execution.State = models.ExecutionQueued
		run.Executions = append(run.Executions, execution)
	}

	return run
}

func newTestMachine(t *testing.T) (*Machine, *capturingBus) {
	t.Helper()

	bus := &capturingBus{}

	return NewMachine(slog.Default(), bus, nil), bus
}

func TestMachine_LegalLifecycle(t *testing.T) {
	machine, bus := newTestMachine(t)

	run := newTestRun(&models.JobExecution{ID: "e1", JobID: "build"})
	require.NoError(t, machine.AddRun(t.Context(), run))

	require.NoError(t, machine.Transition(t.Context(), "e1", models.ExecutionRunning))

	execution, err := machine.Execution("e1")
	require.NoError(t, err)
	assert.NotNil(t, execution.StartedAt)

	require.NoError(t, machine.Transition(t.Context(), "e1", models.ExecutionSucceeded))

	execution, err = machine.Execution("e1")
	require.NoError(t, err)
	assert.NotNil(t, execution.FinishedAt)

	transitions := bus.ofType(events.ExecutionTransitionedEvent)
	assert.Len(t, transitions, 2)

	// Single execution terminal means the run finished.
	assert.Len(t, bus.ofType(events.RunFinishedEvent), 1)
}

func TestMachine_IllegalTransitions(t *testing.T) {
	machine, _ := newTestMachine(t)

	run := newTestRun(&models.JobExecution{ID: "e1", JobID: "build"})
	require.NoError(t, machine.AddRun(t.Context(), run))

	// Queued cannot jump straight to Succeeded.
	err := machine.Transition(t.Context(), "e1", models.ExecutionSucceeded)
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, machine.Transition(t.Context(), "e1", models.ExecutionRunning))
	require.NoError(t, machine.Transition(t.Context(), "e1", models.ExecutionFailed))

	// Terminal states are final.
	err = machine.Transition(t.Context(), "e1", models.ExecutionRunning)
	require.ErrorIs(t, err, ErrInvalidTransition)

	err = machine.Transition(t.Context(), "e1", models.ExecutionQueued)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestMachine_UnknownExecution(t *testing.T) {
	machine, _ := newTestMachine(t)

	err := machine.Transition(t.Context(), "ghost", models.ExecutionRunning)
	require.ErrorIs(t, err, ErrUnknownExecution)
}

func TestMachine_DependencyGate(t *testing.T) {
	machine, _ := newTestMachine(t)

	run := newTestRun(
		&models.JobExecution{ID: "e1", JobID: "build"},
		&models.JobExecution{ID: "e2", JobID: "test", Needs: []string{"build"}},
	)
	require.NoError(t, machine.AddRun(t.Context(), run))

	// Dependent cannot start before its dependency succeeded.
	err := machine.Transition(t.Context(), "e2", models.ExecutionRunning)
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, machine.Transition(t.Context(), "e1", models.ExecutionRunning))
	require.NoError(t, machine.Transition(t.Context(), "e1", models.ExecutionSucceeded))

	require.NoError(t, machine.Transition(t.Context(), "e2", models.ExecutionRunning))
}

func TestMachine_RequeueOnWorkerLoss(t *testing.T) {
	machine, _ := newTestMachine(t)

	run := newTestRun(&models.JobExecution{ID: "e1", JobID: "build", RetryLimit: 1})
	require.NoError(t, machine.AddRun(t.Context(), run))

	require.NoError(t, machine.Assign(t.Context(), "e1", "w1"))
	require.NoError(t, machine.RequeueOnWorkerLoss(t.Context(), "e1"))

	execution, err := machine.Execution("e1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionQueued, execution.State)
	assert.Equal(t, 1, execution.RetryCount)

	// Budget exhausted: the next loss fails the execution.
	require.NoError(t, machine.Assign(t.Context(), "e1", "w2"))
	require.NoError(t, machine.RequeueOnWorkerLoss(t.Context(), "e1"))

	execution, err = machine.Execution("e1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionFailed, execution.State)
	assert.NotEmpty(t, execution.ErrorMessage)
}

func TestMachine_Complete(t *testing.T) {
	machine, _ := newTestMachine(t)

	run := newTestRun(&models.JobExecution{ID: "e1", JobID: "build"})
	require.NoError(t, machine.AddRun(t.Context(), run))
	require.NoError(t, machine.Assign(t.Context(), "e1", "w1"))

	require.NoError(t, machine.Complete(t.Context(), "e1", []string{"abc123"}))

	execution, err := machine.Execution("e1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionSucceeded, execution.State)
	assert.Equal(t, []string{"abc123"}, execution.ProducedArtifacts)
}

func TestMachine_RequestCancel(t *testing.T) {
	machine, bus := newTestMachine(t)

	run := newTestRun(
		&models.JobExecution{ID: "e1", JobID: "build"},
		&models.JobExecution{ID: "e2", JobID: "test", Needs: []string{"build"}},
	)
	require.NoError(t, machine.AddRun(t.Context(), run))

	require.NoError(t, machine.Transition(t.Context(), "e1", models.ExecutionRunning))
	require.NoError(t, machine.RequestCancel(t.Context(), run.ID))

	// Running execution only carries the flag; queued one cancels now.
	e1, err := machine.Execution("e1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, e1.State)
	assert.True(t, e1.CancelRequested)

	e2, err := machine.Execution("e2")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, e2.State)

	assert.Len(t, bus.ofType(events.RunCancelRequestEvent), 1)

	// Worker acknowledges at the next step boundary.
	require.NoError(t, machine.Transition(t.Context(), "e1", models.ExecutionCancelled))
	assert.Equal(t, models.RunStatusCancelled, run.Status())
}

func TestMachine_CancelAcknowledgedByWorker(t *testing.T) {
	machine, _ := newTestMachine(t)

	run := newTestRun(&models.JobExecution{ID: "e1", JobID: "build"})
	require.NoError(t, machine.AddRun(t.Context(), run))

	require.NoError(t, machine.Assign(t.Context(), "e1", "w1"))
	require.NoError(t, machine.RequestCancel(t.Context(), run.ID))

	// The worker observes the flag at a step boundary and reports back.
	require.NoError(t, machine.Cancel(t.Context(), "e1", "cancelled before step test"))

	execution, err := machine.Execution("e1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, execution.State)
	assert.Equal(t, "cancelled before step test", execution.ErrorMessage)
	assert.NotNil(t, execution.FinishedAt)
	assert.Equal(t, models.RunStatusCancelled, run.Status())
}

func TestMachine_AddRunTwice(t *testing.T) {
	machine, _ := newTestMachine(t)

	run := newTestRun(&models.JobExecution{ID: "e1", JobID: "build"})
	require.NoError(t, machine.AddRun(t.Context(), run))
	require.Error(t, machine.AddRun(t.Context(), run))
}

func TestMachine_PersistsRunsAndExecutions(t *testing.T) {
	store := &mocks.MockPersistence{}
	machine := NewMachine(slog.Default(), nil, store)

	run := newTestRun(&models.JobExecution{ID: "e1", JobID: "build"})

	store.On("SaveRun", mock.Anything, run).Return(nil).Once()
	store.On("SaveExecution", mock.Anything, run.Executions[0]).Return(nil).Times(2)

	require.NoError(t, machine.AddRun(t.Context(), run))
	require.NoError(t, machine.Transition(t.Context(), "e1", models.ExecutionRunning))
	require.NoError(t, machine.Transition(t.Context(), "e1", models.ExecutionSucceeded))

	store.AssertExpectations(t)
}

func TestMachine_TerminalRecordPersistedWithOutcome(t *testing.T) {
	store := &mocks.MockPersistence{}
	machine := NewMachine(slog.Default(), nil, store)

	run := newTestRun(
		&models.JobExecution{ID: "e1", JobID: "build"},
		&models.JobExecution{ID: "e2", JobID: "test"},
	)

	// Capture the record as it crosses the persistence boundary, not the
	// live pointer after the fact.
	saved := make(map[string]models.JobExecution)

	store.On("SaveRun", mock.Anything, run).Return(nil)
	store.On("SaveExecution", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			execution := args.Get(1).(*models.JobExecution)
			saved[execution.ID] = *execution
		}).
		Return(nil)

	require.NoError(t, machine.AddRun(t.Context(), run))

	require.NoError(t, machine.Assign(t.Context(), "e1", "w1"))
	require.NoError(t, machine.Complete(t.Context(), "e1", []string{"fp-1"}))

	require.NoError(t, machine.Assign(t.Context(), "e2", "w2"))
	require.NoError(t, machine.Fail(t.Context(), "e2", "step test failed"))

	assert.Equal(t, []string{"fp-1"}, saved["e1"].ProducedArtifacts)
	assert.Equal(t, models.ExecutionSucceeded, saved["e1"].State)
	assert.Equal(t, "step test failed", saved["e2"].ErrorMessage)
	assert.Equal(t, models.ExecutionFailed, saved["e2"].State)
}

func TestMachine_PersistenceErrorDoesNotBlockTransition(t *testing.T) {
	store := &mocks.MockPersistence{}
	machine := NewMachine(slog.Default(), nil, store)

	run := newTestRun(&models.JobExecution{ID: "e1", JobID: "build"})

	store.On("SaveRun", mock.Anything, run).Return(nil)
	store.On("SaveExecution", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	require.NoError(t, machine.AddRun(t.Context(), run))

	// The in-memory state machine stays authoritative when the store fails.
	require.NoError(t, machine.Transition(t.Context(), "e1", models.ExecutionRunning))
	assert.Equal(t, models.ExecutionRunning, stateOfExecution(t, machine, "e1"))
}

func stateOfExecution(t *testing.T, machine *Machine, executionID string) models.ExecutionState {
	t.Helper()

	execution, err := machine.Execution(executionID)
	require.NoError(t, err)

	return execution.State
}

func TestMachine_TimestampsMonotonic(t *testing.T) {
	machine, _ := newTestMachine(t)

	run := newTestRun(&models.JobExecution{ID: "e1", JobID: "build"})
	require.NoError(t, machine.AddRun(t.Context(), run))

	require.NoError(t, machine.Transition(t.Context(), "e1", models.ExecutionRunning))
	require.NoError(t, machine.Transition(t.Context(), "e1", models.ExecutionSucceeded))

	execution, err := machine.Execution("e1")
	require.NoError(t, err)
	require.NotNil(t, execution.StartedAt)
	require.NotNil(t, execution.FinishedAt)
	assert.False(t, execution.FinishedAt.Before(*execution.StartedAt))
}
