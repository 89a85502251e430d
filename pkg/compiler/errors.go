package compiler

import (
	"fmt"
	"strings"
)

// CycleError indicates the declared dependencies form a cycle. Compilation
// fails and no executions are created.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// UnknownReferenceError indicates a job depends on a nonexistent job.
type UnknownReferenceError struct {
	JobID     string
	Reference string
}

func (e *UnknownReferenceError) Error() string {
	return fmt.Sprintf("job %q depends on unknown job %q", e.JobID, e.Reference)
}

// MatrixExpansionError indicates malformed matrix axes.
type MatrixExpansionError struct {
	JobID  string
	Reason string
}

func (e *MatrixExpansionError) Error() string {
	return fmt.Sprintf("invalid matrix for job %q: %s", e.JobID, e.Reason)
}
