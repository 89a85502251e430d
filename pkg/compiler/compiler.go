// Package compiler turns declarative pipeline documents into validated runs:
// a DAG of job executions with dependency edges, conditionals and matrix
// expansion.
package compiler

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/hoistci/hoist/pkg/models"
)

// maxMatrixExpansions caps the cartesian product of a single job's axes.
const maxMatrixExpansions = 256

type Compiler struct {
	logger   *slog.Logger
	validate *validator.Validate
}

func New(logger *slog.Logger) *Compiler {
	return &Compiler{
		logger:   logger.With("module", "compiler"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// document mirrors the YAML authoring surface of a pipeline.
type document struct {
	Name     string            `yaml:"name"`
	Schedule string            `yaml:"schedule"`
	Env      map[string]string `yaml:"env"`
	Triggers struct {
		Branches []string `yaml:"branches"`
		Paths    []string `yaml:"paths"`
	} `yaml:"triggers"`
	Jobs []struct {
		ID           string              `yaml:"id"`
		Needs        []string            `yaml:"needs"`
		If           string              `yaml:"if"`
		Matrix       map[string][]string `yaml:"matrix"`
		Steps        []struct {
			Name string `yaml:"name"`
			Run  string `yaml:"run"`
		} `yaml:"steps"`
		Labels       []string          `yaml:"labels"`
		Env          map[string]string `yaml:"env"`
		Artifacts    []string          `yaml:"artifacts"`
		RunOnFailure bool              `yaml:"run_on_failure"`
		Retries      int               `yaml:"retries"`
		TimeoutSecs  int               `yaml:"timeout_seconds"`
	} `yaml:"jobs"`
}

// CompilePipeline parses and validates a pipeline document. The returned
// pipeline is ready to be instantiated into runs.
func (c *Compiler) CompilePipeline(source []byte) (*models.Pipeline, error) {
	var raw any

	err := yaml.Unmarshal(source, &raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pipeline document: %w", err)
	}

	err = validateDocument(raw)
	if err != nil {
		return nil, err
	}

	var doc document

	err = yaml.Unmarshal(source, &doc)
	if err != nil {
		return nil, fmt.Errorf("failed to decode pipeline document: %w", err)
	}

	pipeline := &models.Pipeline{
		ID:        uuid.New().String(),
		Name:      doc.Name,
		Schedule:  doc.Schedule,
		Env:       doc.Env,
		Triggers:  models.TriggerFilter{Branches: doc.Triggers.Branches, Paths: doc.Triggers.Paths},
		CreatedAt: time.Now().UTC(),
	}

	for _, j := range doc.Jobs {
		job := &models.Job{
			ID:           j.ID,
			Needs:        j.Needs,
			If:           j.If,
			Matrix:       j.Matrix,
			Labels:       j.Labels,
			Env:          j.Env,
			Artifacts:    j.Artifacts,
			RunOnFailure: j.RunOnFailure,
			Retries:      j.Retries,
			TimeoutSecs:  j.TimeoutSecs,
		}

		for _, s := range j.Steps {
			job.Steps = append(job.Steps, models.Step{Name: s.Name, Run: s.Run})
		}

		pipeline.Jobs = append(pipeline.Jobs, job)
	}

	err = c.validate.Struct(pipeline)
	if err != nil {
		return nil, fmt.Errorf("pipeline failed validation: %w", err)
	}

	err = c.validateGraph(pipeline)
	if err != nil {
		return nil, err
	}

	return pipeline, nil
}

// Compile parses a document and instantiates a run against the trigger
// event in one step.
func (c *Compiler) Compile(source []byte, event models.TriggerEvent) (*models.Run, error) {
	pipeline, err := c.CompilePipeline(source)
	if err != nil {
		return nil, err
	}

	return c.CompileRun(pipeline, event)
}

// CompileRun instantiates a pipeline into a run: one queued execution per
// job, matrix jobs expanded to one execution per cartesian combination.
func (c *Compiler) CompileRun(pipeline *models.Pipeline, event models.TriggerEvent) (*models.Run, error) {
	order, err := topologicalOrder(pipeline)
	if err != nil {
		return nil, err
	}

	run := &models.Run{
		ID:         uuid.New().String(),
		PipelineID: pipeline.ID,
		Pipeline:   pipeline,
		Event:      event,
		Order:      order,
		CreatedAt:  time.Now().UTC(),
	}

	now := time.Now().UTC()

	for _, jobID := range order {
		job := pipeline.Job(jobID)

		combinations, err := expandMatrix(job)
		if err != nil {
			return nil, err
		}

		for _, axes := range combinations {
			execution := &models.JobExecution{
				ID:           uuid.New().String(),
				RunID:        run.ID,
				JobID:        job.ID,
				State:        models.ExecutionQueued,
				Needs:        job.Needs,
				Steps:        job.Steps,
				Labels:       job.Labels,
				Env:          mergeEnv(pipeline.Env, job.Env, axes),
				Axes:         axes,
				Artifacts:    job.Artifacts,
				If:           job.If,
				RunOnFailure: job.RunOnFailure,
				TimeoutSecs:  job.TimeoutSecs,
				RetryLimit:   job.Retries,
				EnqueuedAt:   now,
			}
			run.Executions = append(run.Executions, execution)
		}
	}

	c.logger.Info("Compiled run",
		"run_id", run.ID,
		"pipeline", pipeline.Name,
		"jobs", len(pipeline.Jobs),
		"executions", len(run.Executions),
	)

	return run, nil
}

// validateGraph checks dependency references and acyclicity.
func (c *Compiler) validateGraph(pipeline *models.Pipeline) error {
	seen := make(map[string]struct{}, len(pipeline.Jobs))

	for _, job := range pipeline.Jobs {
		if _, ok := seen[job.ID]; ok {
			return fmt.Errorf("duplicate job id %q", job.ID)
		}

		seen[job.ID] = struct{}{}
	}

	for _, job := range pipeline.Jobs {
		for _, need := range job.Needs {
			if pipeline.Job(need) == nil {
				return &UnknownReferenceError{JobID: job.ID, Reference: need}
			}
		}

		if job.If != "" {
			_, err := models.CompilePredicate(job.If)
			if err != nil {
				return fmt.Errorf("job %q has an invalid condition: %w", job.ID, err)
			}
		}
	}

	return detectCycle(pipeline)
}

// detectCycle runs a three-color depth-first search and reports the first
// cycle found.
func detectCycle(pipeline *models.Pipeline) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int, len(pipeline.Jobs))

	var stack []string

	var visit func(id string) *CycleError

	visit = func(id string) *CycleError {
		color[id] = gray
		stack = append(stack, id)

		for _, need := range pipeline.Job(id).Needs {
			switch color[need] {
			case gray:
				// Slice the stack back to where the cycle entered.
				start := 0

				for i, s := range stack {
					if s == need {
						start = i

						break
					}
				}

				cycle := append(append([]string{}, stack[start:]...), need)

				return &CycleError{Cycle: cycle}
			case white:
				if err := visit(need); err != nil {
					return err
				}
			}
		}

		color[id] = black
		stack = stack[:len(stack)-1]

		return nil
	}

	for _, job := range pipeline.Jobs {
		if color[job.ID] == white {
			if err := visit(job.ID); err != nil {
				return err
			}
		}
	}

	return nil
}

// topologicalOrder returns job ids in an order consistent with declared
// dependencies (Kahn's algorithm, declaration order on ties).
func topologicalOrder(pipeline *models.Pipeline) ([]string, error) {
	indegree := make(map[string]int, len(pipeline.Jobs))
	dependents := make(map[string][]string, len(pipeline.Jobs))

	for _, job := range pipeline.Jobs {
		indegree[job.ID] += 0

		for _, need := range job.Needs {
			if pipeline.Job(need) == nil {
				return nil, &UnknownReferenceError{JobID: job.ID, Reference: need}
			}

			indegree[job.ID]++
			dependents[need] = append(dependents[need], job.ID)
		}
	}

	var ready []string

	for _, job := range pipeline.Jobs {
		if indegree[job.ID] == 0 {
			ready = append(ready, job.ID)
		}
	}

	order := make([]string, 0, len(pipeline.Jobs))

	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, dependent := range dependents[id] {
			indegree[dependent]--

			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(pipeline.Jobs) {
		if err := detectCycle(pipeline); err != nil {
			return nil, err
		}

		return nil, &CycleError{Cycle: []string{"unknown"}}
	}

	return order, nil
}

// expandMatrix returns the cartesian product of a job's axes. Jobs without
// a matrix expand to a single empty combination.
func expandMatrix(job *models.Job) ([]map[string]string, error) {
	if len(job.Matrix) == 0 {
		return []map[string]string{nil}, nil
	}

	axes := make([]string, 0, len(job.Matrix))
	total := 1

	for axis, values := range job.Matrix {
		if axis == "" {
			return nil, &MatrixExpansionError{JobID: job.ID, Reason: "axis with empty name"}
		}

		if len(values) == 0 {
			return nil, &MatrixExpansionError{JobID: job.ID, Reason: fmt.Sprintf("axis %q has no values", axis)}
		}

		axes = append(axes, axis)
		total *= len(values)
	}

	if total > maxMatrixExpansions {
		return nil, &MatrixExpansionError{
			JobID:  job.ID,
			Reason: fmt.Sprintf("%d combinations exceed the limit of %d", total, maxMatrixExpansions),
		}
	}

	sort.Strings(axes)

	combinations := []map[string]string{{}}

	for _, axis := range axes {
		next := make([]map[string]string, 0, len(combinations)*len(job.Matrix[axis]))

		for _, combination := range combinations {
			for _, value := range job.Matrix[axis] {
				expanded := make(map[string]string, len(combination)+1)

				for k, v := range combination {
					expanded[k] = v
				}

				expanded[axis] = value
				next = append(next, expanded)
			}
		}

		combinations = next
	}

	return combinations, nil
}

// mergeEnv layers pipeline env, job env and matrix axis bindings, later
// layers winning.
func mergeEnv(layers ...map[string]string) map[string]string {
	merged := make(map[string]string)

	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}

	if len(merged) == 0 {
		return nil
	}

	return merged
}
