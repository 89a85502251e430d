package models

import "time"

// RunStatus is derived from the states of a run's executions.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is one instantiation of a Pipeline against a trigger event. The
// embedded pipeline copy is immutable for the lifetime of the run.
type Run struct {
	ID         string          `json:"id"`
	PipelineID string          `json:"pipeline_id"`
	Pipeline   *Pipeline       `json:"pipeline"`
	Event      TriggerEvent    `json:"event"`
	Executions []*JobExecution `json:"executions"`

	// Order is a topological ordering of job ids consistent with the
	// declared dependencies.
	Order []string `json:"order"`

	CreatedAt time.Time `json:"created_at"`
}

// Execution returns the execution with the given id, or nil.
func (r *Run) Execution(id string) *JobExecution {
	for _, e := range r.Executions {
		if e.ID == id {
			return e
		}
	}

	return nil
}

// ExecutionsForJob returns all executions expanded from the given job.
func (r *Run) ExecutionsForJob(jobID string) []*JobExecution {
	var out []*JobExecution

	for _, e := range r.Executions {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}

	return out
}

// Terminal reports whether every execution has reached a terminal state.
func (r *Run) Terminal() bool {
	for _, e := range r.Executions {
		if !e.State.Terminal() {
			return false
		}
	}

	return true
}

// Status derives the overall run status. A run is terminal only when all
// executions are terminal; any failure makes the run failed, any
// cancellation without failure makes it cancelled.
func (r *Run) Status() RunStatus {
	started := false
	failed := false
	cancelled := false

	for _, e := range r.Executions {
		switch e.State {
		case ExecutionRunning:
			started = true
		case ExecutionFailed:
			failed = true
		case ExecutionCancelled:
			cancelled = true
		case ExecutionSucceeded, ExecutionSkipped:
			started = true
		case ExecutionQueued:
		}
	}

	if !r.Terminal() {
		if started {
			return RunStatusRunning
		}

		return RunStatusPending
	}

	switch {
	case failed:
		return RunStatusFailed
	case cancelled:
		return RunStatusCancelled
	default:
		return RunStatusSucceeded
	}
}

// JobStatus aggregates the state of a job's executions for predicate
// evaluation: failed if any execution failed, succeeded only when all did.
func (r *Run) JobStatus(jobID string) ExecutionState {
	execs := r.ExecutionsForJob(jobID)
	if len(execs) == 0 {
		return ExecutionSkipped
	}

	allSucceeded := true

	for _, e := range execs {
		switch e.State {
		case ExecutionFailed:
			return ExecutionFailed
		case ExecutionCancelled:
			return ExecutionCancelled
		case ExecutionSucceeded:
		case ExecutionSkipped:
			allSucceeded = false
		default:
			return ExecutionQueued
		}
	}

	if allSucceeded {
		return ExecutionSucceeded
	}

	return ExecutionSkipped
}
