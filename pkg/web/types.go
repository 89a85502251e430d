package web

import "github.com/hoistci/hoist/pkg/models"

// RegisterWorkerRequest is the body of POST /workers.
type RegisterWorkerRequest struct {
	Labels               []string `json:"labels"                 validate:"required,min=1,dive,min=1"`
	LeaseDurationSeconds int      `json:"lease_duration_seconds" validate:"required,gt=0"`
}

// HeartbeatResponse renews the lease and carries the cooperative cancel
// flag for the worker's current assignment, if any.
type HeartbeatResponse struct {
	WorkerID        string `json:"worker_id"`
	LeaseExpiresAt  string `json:"lease_expires_at"`
	Assignment      string `json:"assignment,omitempty"`
	CancelRequested bool   `json:"cancel_requested"`
}

// SubmitRunRequest is the body of POST /runs: a pipeline document plus the
// trigger event to instantiate it against.
type SubmitRunRequest struct {
	Pipeline string              `json:"pipeline" validate:"required"`
	Event    models.TriggerEvent `json:"event"    validate:"required"`
}

// ReportResultRequest is the body of POST /workers/:id/result. A worker
// that observed the cooperative cancel flag reports "cancelled" instead of
// "failed" so the run finishes Cancelled.
type ReportResultRequest struct {
	ExecutionID       string   `json:"execution_id"                 validate:"required"`
	Status            string   `json:"status"                       validate:"required,oneof=succeeded failed cancelled"`
	ErrorMessage      string   `json:"error_message,omitempty"`
	ProducedArtifacts []string `json:"produced_artifacts,omitempty"`
}
