// Package lease tracks ephemeral execution agents, their capability labels,
// health and lease lifetime.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hoistci/hoist/pkg/eventbus"
	"github.com/hoistci/hoist/pkg/events"
	"github.com/hoistci/hoist/pkg/execution"
	"github.com/hoistci/hoist/pkg/models"
	"github.com/hoistci/hoist/pkg/persistence"
)

var (
	// ErrWorkerReclaimed indicates the worker's lease expired and it must
	// re-register.
	ErrWorkerReclaimed = errors.New("worker lease reclaimed")

	// ErrWorkerUnknown indicates the worker id is not registered.
	ErrWorkerUnknown = errors.New("worker not registered")

	// ErrWorkerBusy indicates the worker already holds an assignment.
	ErrWorkerBusy = errors.New("worker already assigned")
)

// Manager owns the worker registry. Assignment is an exclusive transaction:
// at most one execution per worker at any time.
type Manager struct {
	mu      sync.Mutex
	workers map[string]*models.Worker

	machine     *execution.Machine
	bus         eventbus.EventPublisher
	persistence persistence.Persistence
	logger      *slog.Logger
	grace       time.Duration
	now         func() time.Time
}

// NewManager creates a lease manager. Workers whose heartbeat is overdue
// past lease expiry plus grace are reclaimed by Reap.
func NewManager(logger *slog.Logger, machine *execution.Machine, bus eventbus.EventPublisher, store persistence.Persistence, grace time.Duration) *Manager {
	return &Manager{
		workers:     make(map[string]*models.Worker),
		machine:     machine,
		bus:         bus,
		persistence: store,
		logger:      logger.With("module", "lease"),
		grace:       grace,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Register creates a worker with the given capability labels and lease
// duration.
func (m *Manager) Register(ctx context.Context, labels []string, leaseDuration time.Duration) (*models.Worker, error) {
	if len(labels) == 0 {
		return nil, errors.New("worker must register at least one capability label")
	}

	if leaseDuration <= 0 {
		return nil, errors.New("lease duration must be positive")
	}

	now := m.now()
	worker := &models.Worker{
		ID:            "worker-" + uuid.New().String()[:8],
		Labels:        labels,
		LeaseDuration: leaseDuration,
		RegisteredAt:  now,
	}
	worker.RenewLease(now)

	m.mu.Lock()
	m.workers[worker.ID] = worker
	m.mu.Unlock()

	m.persist(ctx, worker)

	registered := events.WorkerRegistered{
		BaseEvent:      events.NewBaseEvent(events.WorkerRegisteredEvent, ""),
		Labels:         labels,
		LeaseExpiresAt: worker.LeaseExpiresAt,
	}
	registered.WorkerID = worker.ID

	m.publish(ctx, worker.ID, registered)

	m.logger.InfoContext(ctx, "Worker registered",
		"worker_id", worker.ID, "labels", labels, "lease", leaseDuration)

	return worker, nil
}

// Heartbeat renews the lease. Dead or unknown workers get
// ErrWorkerReclaimed and must register again.
func (m *Manager) Heartbeat(ctx context.Context, workerID string) (*models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	worker, ok := m.workers[workerID]
	if !ok || worker.Dead {
		return nil, ErrWorkerReclaimed
	}

	worker.RenewLease(m.now())
	m.persist(ctx, worker)

	return worker, nil
}

// Deregister removes a worker, requeueing its assignment if any.
func (m *Manager) Deregister(ctx context.Context, workerID string) error {
	m.mu.Lock()

	worker, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()

		return ErrWorkerUnknown
	}

	assignment := worker.Assignment
	delete(m.workers, workerID)
	m.mu.Unlock()

	if assignment != "" {
		err := m.machine.RequeueOnWorkerLoss(ctx, assignment)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to requeue execution on deregister",
				"worker_id", workerID, "execution_id", assignment, "error", err)
		}
	}

	if m.persistence != nil {
		err := m.persistence.DeleteWorker(ctx, workerID)
		if err != nil {
			m.logger.ErrorContext(ctx, "Failed to delete worker", "worker_id", workerID, "error", err)
		}
	}

	deregistered := events.WorkerDeregistered{
		BaseEvent: events.NewBaseEvent(events.WorkerDeregisteredEvent, ""),
	}
	deregistered.WorkerID = workerID

	m.publish(ctx, workerID, deregistered)

	return nil
}

// Assign gives the execution to the worker. The transaction is exclusive:
// a busy or dead worker rejects the assignment.
func (m *Manager) Assign(ctx context.Context, workerID, executionID string) error {
	m.mu.Lock()

	worker, ok := m.workers[workerID]
	if !ok {
		m.mu.Unlock()

		return ErrWorkerUnknown
	}

	if worker.Dead {
		m.mu.Unlock()

		return ErrWorkerReclaimed
	}

	if worker.Assignment != "" {
		m.mu.Unlock()

		return fmt.Errorf("%w: %s holds %s", ErrWorkerBusy, workerID, worker.Assignment)
	}

	worker.Assignment = executionID
	m.mu.Unlock()

	err := m.machine.Assign(ctx, executionID, workerID)
	if err != nil {
		m.mu.Lock()
		worker.Assignment = ""
		m.mu.Unlock()

		return err
	}

	m.persist(ctx, worker)

	return nil
}

// Release clears the worker's assignment after a result is reported.
func (m *Manager) Release(ctx context.Context, workerID string) {
	m.mu.Lock()

	worker, ok := m.workers[workerID]
	if ok {
		worker.Assignment = ""
	}

	m.mu.Unlock()

	if ok {
		m.persist(ctx, worker)
	}
}

// Worker returns the registered worker. A reclaimed worker is reported as
// such so callers fence any result it still tries to deliver.
func (m *Manager) Worker(workerID string) (*models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	worker, ok := m.workers[workerID]
	if !ok {
		return nil, ErrWorkerUnknown
	}

	if worker.Dead {
		return nil, ErrWorkerReclaimed
	}

	return worker, nil
}

// IdleWorkers returns alive, unassigned workers.
func (m *Manager) IdleWorkers() []*models.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()

	var idle []*models.Worker

	for _, worker := range m.workers {
		if worker.Idle() {
			idle = append(idle, worker)
		}
	}

	return idle
}

// Reap reclaims every worker whose heartbeat is overdue past the grace
// timeout: the worker is marked dead, its assignment is stripped and
// requeued with the retry count incremented. Stripping the assignment
// before the execution is handed out again fences a zombie agent that
// comes back and tries to report a result for work it no longer owns.
// Workers reclaimed on a previous pass are destroyed.
func (m *Manager) Reap(ctx context.Context) {
	now := m.now()

	m.mu.Lock()

	type reclaim struct {
		worker      *models.Worker
		executionID string
	}

	var reclaimed []reclaim

	for id, worker := range m.workers {
		if worker.Dead {
			delete(m.workers, id)

			continue
		}

		if worker.LeaseOverdue(now, m.grace) {
			worker.Dead = true
			reclaimed = append(reclaimed, reclaim{worker: worker, executionID: worker.Assignment})
			worker.Assignment = ""
		}
	}

	m.mu.Unlock()

	for _, r := range reclaimed {
		m.logger.WarnContext(ctx, "Reclaiming worker with overdue lease",
			"worker_id", r.worker.ID, "last_heartbeat", r.worker.LastHeartbeat)

		if r.executionID != "" {
			err := m.machine.RequeueOnWorkerLoss(ctx, r.executionID)
			if err != nil {
				m.logger.ErrorContext(ctx, "Failed to requeue execution of reclaimed worker",
					"worker_id", r.worker.ID, "execution_id", r.executionID, "error", err)
			}
		}

		event := events.WorkerReclaimed{
			BaseEvent:   events.NewBaseEvent(events.WorkerReclaimedEvent, ""),
			ExecutionID: r.executionID,
			LastSeen:    r.worker.LastHeartbeat,
		}
		event.WorkerID = r.worker.ID

		m.publish(ctx, r.worker.ID, event)

		m.persist(ctx, r.worker)
	}
}

// Start runs the reaper loop until the context is cancelled.
func (m *Manager) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Reap(ctx)
		}
	}
}

func (m *Manager) persist(ctx context.Context, worker *models.Worker) {
	if m.persistence == nil {
		return
	}

	err := m.persistence.SaveWorker(ctx, worker)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to persist worker", "worker_id", worker.ID, "error", err)
	}
}

func (m *Manager) publish(ctx context.Context, key string, event eventbus.Event) {
	if m.bus == nil {
		return
	}

	err := m.bus.Publish(ctx, key, event)
	if err != nil {
		m.logger.ErrorContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}
