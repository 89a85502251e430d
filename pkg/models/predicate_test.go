package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalPredicate(t *testing.T, expression string, ctx PredicateContext) bool {
	t.Helper()

	predicate, err := CompilePredicate(expression)
	require.NoError(t, err)

	result, err := predicate.Evaluate(ctx)
	require.NoError(t, err)

	return result
}

func TestCompilePredicate_EmptyIsTrue(t *testing.T) {
	assert.True(t, evalPredicate(t, "", PredicateContext{}))
	assert.True(t, evalPredicate(t, "   ", PredicateContext{}))
}

func TestPredicate_BranchComparison(t *testing.T) {
	ctx := PredicateContext{Branch: "main", Event: "push"}

	assert.True(t, evalPredicate(t, "branch == 'main'", ctx))
	assert.False(t, evalPredicate(t, "branch == 'develop'", ctx))
	assert.True(t, evalPredicate(t, "branch != 'develop'", ctx))
	assert.True(t, evalPredicate(t, `branch == "main"`, ctx))
}

func TestPredicate_BooleanOperators(t *testing.T) {
	ctx := PredicateContext{Branch: "main", Event: "push"}

	assert.True(t, evalPredicate(t, "branch == 'main' && event == 'push'", ctx))
	assert.False(t, evalPredicate(t, "branch == 'main' && event == 'schedule'", ctx))
	assert.True(t, evalPredicate(t, "branch == 'other' || event == 'push'", ctx))
	assert.False(t, evalPredicate(t, "!(branch == 'main')", ctx))
	assert.True(t, evalPredicate(t, "!(branch == 'main' && event == 'schedule')", ctx))
}

func TestPredicate_Precedence(t *testing.T) {
	// && binds tighter than ||.
	ctx := PredicateContext{Branch: "main", Event: "schedule"}

	assert.True(t, evalPredicate(t, "branch == 'main' || branch == 'x' && event == 'push'", ctx))
	assert.False(t, evalPredicate(t, "(branch == 'main' || branch == 'x') && event == 'push'", ctx))
}

func TestPredicate_JobStatus(t *testing.T) {
	ctx := PredicateContext{
		Branch: "main",
		JobStatus: func(jobID string) ExecutionState {
			if jobID == "build" {
				return ExecutionSucceeded
			}

			return ExecutionFailed
		},
	}

	assert.True(t, evalPredicate(t, "status.build == 'succeeded'", ctx))
	assert.True(t, evalPredicate(t, "status.lint != 'succeeded'", ctx))
	assert.False(t, evalPredicate(t, "status.lint == 'succeeded'", ctx))
}

func TestPredicate_JobStatusUnavailable(t *testing.T) {
	predicate, err := CompilePredicate("status.build == 'succeeded'")
	require.NoError(t, err)

	_, err = predicate.Evaluate(PredicateContext{})
	require.Error(t, err)
}

func TestPredicate_Literals(t *testing.T) {
	assert.True(t, evalPredicate(t, "true", PredicateContext{}))
	assert.False(t, evalPredicate(t, "false", PredicateContext{}))
	assert.True(t, evalPredicate(t, "false || true", PredicateContext{}))
}

func TestCompilePredicate_Errors(t *testing.T) {
	invalid := []string{
		"branch ==",
		"branch == main",    // unquoted literal
		"branch = 'main'",   // single equals
		"(branch == 'main'", // unbalanced
		"branch == 'main' &&",
		"branch == 'main' garbage",
		"&& branch == 'main'",
	}

	for _, expression := range invalid {
		_, err := CompilePredicate(expression)
		require.Error(t, err, expression)
	}
}

func TestPredicate_UnknownVariableFailsAtEvaluation(t *testing.T) {
	predicate, err := CompilePredicate("version == 'v1'")
	require.NoError(t, err)

	_, err = predicate.Evaluate(PredicateContext{})
	require.Error(t, err)
}

func TestPredicate_UnterminatedString(t *testing.T) {
	_, err := CompilePredicate("branch == 'main")
	require.Error(t, err)
}
