// Package execution holds the authoritative execution state store and the
// per-execution lifecycle state machine.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hoistci/hoist/pkg/eventbus"
	"github.com/hoistci/hoist/pkg/events"
	"github.com/hoistci/hoist/pkg/models"
	"github.com/hoistci/hoist/pkg/persistence"
)

var (
	// ErrInvalidTransition indicates a transition the state machine forbids.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnknownExecution indicates the execution id is not registered.
	ErrUnknownExecution = errors.New("unknown execution")

	// ErrUnknownRun indicates the run id is not registered.
	ErrUnknownRun = errors.New("unknown run")
)

// validTransitions is the complete lifecycle:
// Queued -> Running -> {Succeeded, Failed, Cancelled}; Queued -> {Skipped,
// Cancelled}; Running -> Queued once per retry budget on worker loss.
// Terminal states are final.
var validTransitions = map[models.ExecutionState][]models.ExecutionState{
	models.ExecutionQueued: {
		models.ExecutionRunning,
		models.ExecutionSkipped,
		models.ExecutionCancelled,
	},
	models.ExecutionRunning: {
		models.ExecutionSucceeded,
		models.ExecutionFailed,
		models.ExecutionCancelled,
		models.ExecutionQueued,
	},
}

func transitionAllowed(from, to models.ExecutionState) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}

	return false
}

// Machine is the single authoritative store for run and execution state.
// The shared mutex guards every mutable execution field; per-execution
// locks additionally serialize each execution's transitions so events and
// persisted records keep their order. Concurrent readers take snapshots.
type Machine struct {
	mu    sync.RWMutex
	runs  map[string]*models.Run
	execs map[string]*models.JobExecution
	locks map[string]*sync.Mutex

	bus         eventbus.EventPublisher
	persistence persistence.Persistence
	logger      *slog.Logger
}

// NewMachine creates a state machine. The event publisher is required; the
// persistence layer may be nil for purely in-memory operation.
func NewMachine(logger *slog.Logger, bus eventbus.EventPublisher, store persistence.Persistence) *Machine {
	return &Machine{
		runs:        make(map[string]*models.Run),
		execs:       make(map[string]*models.JobExecution),
		locks:       make(map[string]*sync.Mutex),
		bus:         bus,
		persistence: store,
		logger:      logger.With("module", "execution"),
	}
}

// AddRun registers a compiled run and its executions, persists them and
// announces the run start.
func (m *Machine) AddRun(ctx context.Context, run *models.Run) error {
	m.mu.Lock()

	if _, exists := m.runs[run.ID]; exists {
		m.mu.Unlock()

		return fmt.Errorf("run %s already registered", run.ID)
	}

	m.runs[run.ID] = run

	for _, execution := range run.Executions {
		m.execs[execution.ID] = execution
		m.locks[execution.ID] = &sync.Mutex{}
	}

	m.mu.Unlock()

	if m.persistence != nil {
		err := m.persistence.SaveRun(ctx, run)
		if err != nil {
			return fmt.Errorf("failed to persist run %s: %w", run.ID, err)
		}
	}

	started := events.RunStarted{
		BaseEvent:  events.NewBaseEvent(events.RunStartedEvent, run.ID),
		PipelineID: run.PipelineID,
		Event:      run.Event,
		Executions: len(run.Executions),
	}

	m.publish(ctx, run.ID, started)

	return nil
}

// Run returns the registered run, or ErrUnknownRun.
func (m *Machine) Run(runID string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrUnknownRun
	}

	return run, nil
}

// Execution returns the registered execution, or ErrUnknownExecution.
func (m *Machine) Execution(id string) (*models.JobExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	execution, ok := m.execs[id]
	if !ok {
		return nil, ErrUnknownExecution
	}

	return execution, nil
}

// ExecutionSnapshot returns a copy of the execution record, safe to read
// and serialize while transitions continue.
func (m *Machine) ExecutionSnapshot(id string) (*models.JobExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	execution, ok := m.execs[id]
	if !ok {
		return nil, ErrUnknownExecution
	}

	snapshot := *execution

	return &snapshot, nil
}

// RunSnapshot returns a copy of the run with copied execution records.
func (m *Machine) RunSnapshot(runID string) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrUnknownRun
	}

	return snapshotRun(run), nil
}

// SnapshotRuns returns copies of every run for scheduling decisions taken
// outside the machine's locks. Assignments planned from a stale snapshot
// are revalidated by the transition itself.
func (m *Machine) SnapshotRuns() []*models.Run {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Run, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, snapshotRun(run))
	}

	return out
}

func snapshotRun(run *models.Run) *models.Run {
	snapshot := *run
	snapshot.Executions = make([]*models.JobExecution, len(run.Executions))

	for i, execution := range run.Executions {
		copied := *execution
		snapshot.Executions[i] = &copied
	}

	return &snapshot
}

func (m *Machine) lockFor(id string) (*sync.Mutex, *models.JobExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lock, ok := m.locks[id]
	if !ok {
		return nil, nil, ErrUnknownExecution
	}

	return lock, m.execs[id], nil
}

// Transition moves an execution to a new state, emitting a transition event
// and persisting the result. Invalid transitions are rejected with
// ErrInvalidTransition; a dependency-order violation when entering Running
// is rejected too.
func (m *Machine) Transition(ctx context.Context, executionID string, to models.ExecutionState) error {
	return m.transition(ctx, executionID, to, nil)
}

// transition applies the state change and the optional field mutation under
// the locks, so the record persisted and published by afterTransition
// already carries them. Terminal records are never saved again.
func (m *Machine) transition(ctx context.Context, executionID string, to models.ExecutionState, apply func(*models.JobExecution)) error {
	lock, execution, err := m.lockFor(executionID)
	if err != nil {
		return err
	}

	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()

	from := execution.State

	if !transitionAllowed(from, to) {
		m.mu.Unlock()

		return fmt.Errorf("%w: %s -> %s for execution %s", ErrInvalidTransition, from, to, executionID)
	}

	if to == models.ExecutionRunning {
		err = m.dependenciesSatisfiedLocked(execution)
		if err != nil {
			m.mu.Unlock()

			return err
		}
	}

	now := time.Now().UTC()

	switch to {
	case models.ExecutionRunning:
		execution.StartedAt = &now
	case models.ExecutionQueued:
		// Requeue on worker loss.
		execution.RetryCount++
		execution.WorkerID = ""
		execution.StartedAt = nil
	case models.ExecutionSucceeded, models.ExecutionFailed, models.ExecutionSkipped, models.ExecutionCancelled:
		execution.FinishedAt = &now
		execution.WorkerID = ""
	}

	execution.State = to

	if apply != nil {
		apply(execution)
	}

	var finished *events.RunFinished

	if run := m.runs[execution.RunID]; run != nil && run.Terminal() {
		finished = &events.RunFinished{
			BaseEvent: events.NewBaseEvent(events.RunFinishedEvent, run.ID),
			Status:    run.Status(),
			Duration:  time.Since(run.CreatedAt),
		}
	}

	m.mu.Unlock()

	m.afterTransition(ctx, execution, from, to, finished)

	return nil
}

// RequeueOnWorkerLoss returns a lost execution to the queue, or fails it
// when the retry budget is spent.
func (m *Machine) RequeueOnWorkerLoss(ctx context.Context, executionID string) error {
	_, execution, err := m.lockFor(executionID)
	if err != nil {
		return err
	}

	m.mu.RLock()
	state := execution.State
	exhausted := execution.RetryCount >= execution.RetryLimit
	m.mu.RUnlock()

	if state != models.ExecutionRunning {
		return fmt.Errorf("%w: %s -> %s for execution %s",
			ErrInvalidTransition, state, models.ExecutionQueued, executionID)
	}

	if exhausted {
		return m.transitionWithMessage(ctx, executionID, models.ExecutionFailed, "worker lost, retry budget exhausted")
	}

	return m.Transition(ctx, executionID, models.ExecutionQueued)
}

// Fail marks an execution failed with a message.
func (m *Machine) Fail(ctx context.Context, executionID, message string) error {
	return m.transitionWithMessage(ctx, executionID, models.ExecutionFailed, message)
}

// Complete marks an execution succeeded and records the cache fingerprints
// of the artifacts the worker produced.
func (m *Machine) Complete(ctx context.Context, executionID string, artifacts []string) error {
	return m.transition(ctx, executionID, models.ExecutionSucceeded, func(execution *models.JobExecution) {
		execution.ProducedArtifacts = artifacts
	})
}

// Cancel finalizes a cooperative cancellation the worker acknowledged at a
// step boundary.
func (m *Machine) Cancel(ctx context.Context, executionID, message string) error {
	return m.transitionWithMessage(ctx, executionID, models.ExecutionCancelled, message)
}

func (m *Machine) transitionWithMessage(ctx context.Context, executionID string, to models.ExecutionState, message string) error {
	return m.transition(ctx, executionID, to, func(execution *models.JobExecution) {
		execution.ErrorMessage = message
	})
}

// Assign starts an execution on the given worker. The worker is recorded
// only when the transition is accepted, so a rejected start leaves no
// stale owner behind.
func (m *Machine) Assign(ctx context.Context, executionID, workerID string) error {
	return m.transition(ctx, executionID, models.ExecutionRunning, func(execution *models.JobExecution) {
		execution.WorkerID = workerID
	})
}

// RequestCancel flags all non-terminal executions of a run. Queued
// executions cancel immediately; running ones carry the flag until the
// worker acknowledges at a step boundary.
func (m *Machine) RequestCancel(ctx context.Context, runID string) error {
	run, err := m.Run(runID)
	if err != nil {
		return err
	}

	m.publish(ctx, runID, events.RunCancelRequested{
		BaseEvent: events.NewBaseEvent(events.RunCancelRequestEvent, runID),
	})

	for _, execution := range run.Executions {
		m.mu.Lock()
		state := execution.State
		execution.CancelRequested = true
		m.mu.Unlock()

		if state == models.ExecutionQueued {
			err = m.Transition(ctx, execution.ID, models.ExecutionCancelled)
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				return err
			}
		}
	}

	return nil
}

// dependenciesSatisfiedLocked enforces the core invariant: an execution may
// enter Running only when every dependency execution is terminal-successful
// (or terminal at all, when the job opted into running on failure). The
// caller holds the shared mutex.
func (m *Machine) dependenciesSatisfiedLocked(execution *models.JobExecution) error {
	run, ok := m.runs[execution.RunID]
	if !ok {
		return ErrUnknownRun
	}

	for _, need := range execution.Needs {
		for _, dep := range run.ExecutionsForJob(need) {
			if !dep.State.Terminal() {
				return fmt.Errorf("%w: dependency %s of %s is not terminal",
					ErrInvalidTransition, dep.ID, execution.ID)
			}

			if !dep.State.Success() && !execution.RunOnFailure {
				return fmt.Errorf("%w: dependency %s of %s did not succeed",
					ErrInvalidTransition, dep.ID, execution.ID)
			}
		}
	}

	return nil
}

// afterTransition publishes and persists outside the shared mutex; the
// entity lock is still held, so no concurrent transition mutates this
// execution until its record is out.
func (m *Machine) afterTransition(ctx context.Context, execution *models.JobExecution, from, to models.ExecutionState, finished *events.RunFinished) {
	event := events.ExecutionTransitioned{
		BaseEvent:   events.NewBaseEvent(events.ExecutionTransitionedEvent, execution.RunID),
		JobID:       execution.JobID,
		ExecutionID: execution.ID,
		OldState:    from,
		NewState:    to,
		RetryCount:  execution.RetryCount,
	}
	event.WorkerID = execution.WorkerID

	m.publish(ctx, execution.RunID, event)

	if m.persistence != nil {
		err := m.persistence.SaveExecution(ctx, execution)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to persist execution",
				"execution_id", execution.ID, "error", err)
		}
	}

	if finished != nil {
		m.publish(ctx, execution.RunID, *finished)
	}
}

func (m *Machine) publish(ctx context.Context, key string, event eventbus.Event) {
	if m.bus == nil {
		return
	}

	err := m.bus.Publish(ctx, key, event)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}
