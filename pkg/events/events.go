// Package events defines event types emitted on run and execution state
// changes for external log and metrics collection.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/hoistci/hoist/pkg/models"
)

type EventType string

// Topic carries every orchestrator event.
const Topic = "hoist.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RunStartedEvent       EventType = "run.started"
	RunFinishedEvent      EventType = "run.finished"
	RunCancelRequestEvent EventType = "run.cancel_requested"

	ExecutionTransitionedEvent EventType = "execution.transitioned"

	WorkerRegisteredEvent   EventType = "worker.registered"
	WorkerDeregisteredEvent EventType = "worker.deregistered"
	WorkerReclaimedEvent    EventType = "worker.reclaimed"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, runID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
	}
}

type RunStarted struct {
	BaseEvent

	PipelineID string              `json:"pipeline_id"`
	Event      models.TriggerEvent `json:"event"`
	Executions int                 `json:"executions"`
}

func (e RunStarted) GetType() EventType {
	return RunStartedEvent
}

type RunFinished struct {
	BaseEvent

	Status   models.RunStatus `json:"status"`
	Duration time.Duration    `json:"duration"`
}

func (e RunFinished) GetType() EventType {
	return RunFinishedEvent
}

type RunCancelRequested struct {
	BaseEvent
}

func (e RunCancelRequested) GetType() EventType {
	return RunCancelRequestEvent
}

// ExecutionTransitioned is emitted on every accepted state transition.
type ExecutionTransitioned struct {
	BaseEvent

	JobID       string                `json:"job_id"`
	ExecutionID string                `json:"execution_id"`
	OldState    models.ExecutionState `json:"old_state"`
	NewState    models.ExecutionState `json:"new_state"`
	RetryCount  int                   `json:"retry_count"`
}

func (e ExecutionTransitioned) GetType() EventType {
	return ExecutionTransitionedEvent
}

type WorkerRegistered struct {
	BaseEvent

	Labels         []string  `json:"labels"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

func (e WorkerRegistered) GetType() EventType {
	return WorkerRegisteredEvent
}

type WorkerDeregistered struct {
	BaseEvent
}

func (e WorkerDeregistered) GetType() EventType {
	return WorkerDeregisteredEvent
}

// WorkerReclaimed is emitted when a worker's heartbeat is overdue past the
// grace timeout and its lease is reclaimed.
type WorkerReclaimed struct {
	BaseEvent

	ExecutionID string `json:"execution_id,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

func (e WorkerReclaimed) GetType() EventType {
	return WorkerReclaimedEvent
}
