package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConditionEvaluate(t *testing.T) {
	e := NewConditionEvaluator()

	got, err := e.Evaluate(`input.mode == "fast"`, map[string]any{"mode": "fast"}, nil)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = e.Evaluate(`input.mode == "fast"`, map[string]any{"mode": "slow"}, nil)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestConditionDollarNormalization(t *testing.T) {
	e := NewConditionEvaluator()

	got, err := e.Evaluate(`$.count > 5`, map[string]any{"count": 7}, nil)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestConditionReadsResults(t *testing.T) {
	e := NewConditionEvaluator()

	results := map[string]any{
		"scan": map[string]any{
			"outcome": OutcomeSuccess,
			"output":  map[string]any{"vulns": 0},
		},
	}
	got, err := e.Evaluate(`results.scan.outcome == "success" && results.scan.output.vulns == 0`, nil, results)
	require.NoError(t, err)
	assert.True(t, got)
}

func TestConditionErrors(t *testing.T) {
	e := NewConditionEvaluator()

	_, err := e.Evaluate("", nil, nil)
	assert.Error(t, err)

	_, err = e.Evaluate("input.a ==", nil, nil)
	assert.Error(t, err)

	// Non-boolean expressions are rejected
	_, err = e.Evaluate(`input.count`, map[string]any{"count": 3}, nil)
	assert.Error(t, err)
}

func TestConditionCaching(t *testing.T) {
	e := NewConditionEvaluator()

	_, err := e.Evaluate(`input.a == 1`, map[string]any{"a": 1}, nil)
	require.NoError(t, err)
	_, err = e.Evaluate(`input.a == 1`, map[string]any{"a": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, e.CacheSize())

	_, err = e.Evaluate(`input.b == 2`, map[string]any{"b": 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, e.CacheSize())
}
