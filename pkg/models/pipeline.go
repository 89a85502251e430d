// Package models defines the core domain models for pipeline orchestration.
package models

import (
	"path"
	"time"
)

// Pipeline is a declarative definition of jobs and their dependencies.
// It is immutable once compiled into a Run.
type Pipeline struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"     validate:"required,min=3"`
	Jobs     []*Job            `json:"jobs"     validate:"required,min=1,dive"`
	Triggers TriggerFilter     `json:"triggers"`
	Env      map[string]string `json:"env,omitempty"`
	Schedule string            `json:"schedule,omitempty"` // optional cron expression
	Metadata map[string]any    `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Job returns the job with the given id, or nil.
func (p *Pipeline) Job(id string) *Job {
	for _, j := range p.Jobs {
		if j.ID == id {
			return j
		}
	}

	return nil
}

// Job is a named unit of work within a pipeline.
type Job struct {
	ID           string              `json:"id"    validate:"required,min=1"`
	Needs        []string            `json:"needs,omitempty"`
	If           string              `json:"if,omitempty"` // predicate expression, empty means always
	Matrix       map[string][]string `json:"matrix,omitempty"`
	Steps        []Step              `json:"steps" validate:"required,min=1,dive"`
	Labels       []string            `json:"labels,omitempty"` // required worker capabilities
	Env          map[string]string   `json:"env,omitempty"`
	Artifacts    []string            `json:"artifacts,omitempty"` // paths uploaded after a successful run
	RunOnFailure bool                `json:"run_on_failure,omitempty"`
	Retries      int                 `json:"retries,omitempty"         validate:"gte=0,lte=10"`
	TimeoutSecs  int                 `json:"timeout_seconds,omitempty" validate:"gte=0"`
}

// Step is an opaque command executed by the assigned worker. The core never
// interprets step content.
type Step struct {
	Name string `json:"name,omitempty"`
	Run  string `json:"run" validate:"required"`
}

// TriggerFilter restricts which trigger events start a run.
type TriggerFilter struct {
	Branches []string `json:"branches,omitempty"`
	Paths    []string `json:"paths,omitempty"`
}

// TriggerEvent is the external event a run is instantiated against.
type TriggerEvent struct {
	Type   string   `json:"type"` // push, pull_request, schedule, manual
	Branch string   `json:"branch,omitempty"`
	Paths  []string `json:"paths,omitempty"` // changed paths, for path filters
}

// Matches reports whether the event passes the filter. An empty filter
// matches everything; branch and path patterns use path.Match globs.
func (f TriggerFilter) Matches(event TriggerEvent) bool {
	if len(f.Branches) > 0 && !matchAny(f.Branches, event.Branch) {
		return false
	}

	if len(f.Paths) > 0 {
		matched := false

		for _, p := range event.Paths {
			if matchAny(f.Paths, p) {
				matched = true

				break
			}
		}

		if !matched {
			return false
		}
	}

	return true
}

func matchAny(patterns []string, value string) bool {
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, value); err == nil && ok {
			return true
		}
	}

	return false
}
