package models

import (
	"slices"
	"time"
)

// Worker is an ephemeral execution agent holding a lease. It is created on
// registration and destroyed on lease expiry or explicit deregistration.
type Worker struct {
	ID            string        `json:"id"`
	Labels        []string      `json:"labels"         validate:"required,min=1"`
	LeaseDuration time.Duration `json:"lease_duration" validate:"required,gt=0"`

	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	RegisteredAt   time.Time `json:"registered_at"`

	// Assignment holds at most one JobExecution id.
	Assignment string `json:"assignment,omitempty"`

	Dead bool `json:"dead,omitempty"`
}

// Idle reports whether the worker is alive and unassigned.
func (w *Worker) Idle() bool {
	return !w.Dead && w.Assignment == ""
}

// HasLabels reports whether the worker's capability set is a superset of
// the required labels.
func (w *Worker) HasLabels(required []string) bool {
	for _, label := range required {
		if !slices.Contains(w.Labels, label) {
			return false
		}
	}

	return true
}

// ExactLabels reports whether the worker's capability set matches the
// required labels exactly. The scheduler prefers exact matches on ties.
func (w *Worker) ExactLabels(required []string) bool {
	return len(w.Labels) == len(required) && w.HasLabels(required)
}

// LeaseOverdue reports whether the lease expired more than grace ago.
func (w *Worker) LeaseOverdue(now time.Time, grace time.Duration) bool {
	return now.After(w.LeaseExpiresAt.Add(grace))
}

// RenewLease extends the lease from now.
func (w *Worker) RenewLease(now time.Time) {
	w.LastHeartbeat = now
	w.LeaseExpiresAt = now.Add(w.LeaseDuration)
}
