// Package trigger provides scheduled pipeline triggers.
package trigger

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a scheduled trigger entry. It carries the cron expression and
// the precomputed next execution time so a single poller can fire due
// pipelines without individual timers.
type Schedule struct {
	// ID uniquely identifies this schedule entry.
	ID string `json:"id" validate:"required"`

	// PipelineID identifies the pipeline this schedule fires.
	PipelineID string `json:"pipeline_id" validate:"required"`

	// CronExpression uses the standard 5-field cron format.
	CronExpression string `json:"cron_expression" validate:"required"`

	// NextDueAt is the precomputed next execution time.
	NextDueAt time.Time `json:"next_due_at" validate:"required"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Active schedules are the only ones the poller considers.
	Active bool `json:"active"`
}

// NewSchedule creates a Schedule with the first execution time calculated
// from now.
func NewSchedule(id, pipelineID, cronExpression string) (*Schedule, error) {
	now := time.Now().UTC()
	schedule := &Schedule{
		ID:             id,
		PipelineID:     pipelineID,
		CronExpression: cronExpression,
		CreatedAt:      now,
		UpdatedAt:      now,
		Active:         true,
	}

	err := schedule.calculateNextDueAt(now)
	if err != nil {
		return nil, err
	}

	return schedule, nil
}

// UpdateNextDueAt advances the next execution time past now.
func (s *Schedule) UpdateNextDueAt() error {
	return s.calculateNextDueAt(time.Now().UTC())
}

func (s *Schedule) calculateNextDueAt(referenceTime time.Time) error {
	if s.CronExpression == "" {
		return errors.New("cron expression cannot be empty")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	spec, err := parser.Parse(s.CronExpression)
	if err != nil {
		return err
	}

	s.NextDueAt = spec.Next(referenceTime)
	s.UpdatedAt = referenceTime

	return nil
}

// Due reports whether the schedule should fire at the given time.
func (s *Schedule) Due(now time.Time) bool {
	return s.Active && !s.NextDueAt.After(now)
}
