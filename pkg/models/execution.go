package models

import "time"

// ExecutionState is the lifecycle state of a JobExecution.
type ExecutionState string

const (
	ExecutionQueued    ExecutionState = "queued"
	ExecutionRunning   ExecutionState = "running"
	ExecutionSucceeded ExecutionState = "succeeded"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionSkipped   ExecutionState = "skipped"
	ExecutionCancelled ExecutionState = "cancelled"
)

// Terminal reports whether the state is final. No transition leaves a
// terminal state.
func (s ExecutionState) Terminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionSkipped, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// Success reports whether the state unblocks dependents.
func (s ExecutionState) Success() bool {
	return s == ExecutionSucceeded
}

// JobExecution is the runtime instance of a Job within a Run. Matrix jobs
// produce one execution per axis combination; Axes holds that combination.
type JobExecution struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
	JobID string `json:"job_id"`

	State ExecutionState `json:"state"`

	Needs        []string          `json:"needs,omitempty"`
	Steps        []Step            `json:"steps"`
	Labels       []string          `json:"labels,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Axes         map[string]string `json:"axes,omitempty"`
	Artifacts    []string          `json:"artifacts,omitempty"`
	If           string            `json:"if,omitempty"`
	RunOnFailure bool              `json:"run_on_failure,omitempty"`
	TimeoutSecs  int               `json:"timeout_seconds,omitempty"`

	RetryCount int `json:"retry_count"`
	RetryLimit int `json:"retry_limit"`

	// WorkerID is a weak reference, lookup only. Valid while Running.
	WorkerID string `json:"worker_id,omitempty"`

	CancelRequested bool `json:"cancel_requested,omitempty"`

	EnqueuedAt time.Time  `json:"enqueued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// ProducedArtifacts are cache fingerprints reported by the worker.
	ProducedArtifacts []string `json:"produced_artifacts,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
}
