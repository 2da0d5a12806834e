package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDependenciesValueAndScanRoundTrip(t *testing.T) {
	deps := Dependencies{"a", "b", "c"}

	raw, err := deps.Value()
	require.NoError(t, err)

	var scanned Dependencies
	require.NoError(t, scanned.Scan(raw))
	assert.Equal(t, deps, scanned)
}

func TestDependenciesScanHandlesNilAndEmpty(t *testing.T) {
	var d Dependencies
	require.NoError(t, d.Scan(nil))
	assert.Nil(t, d)

	require.NoError(t, d.Scan([]byte{}))
	assert.Nil(t, d)
}

func TestDependenciesValueEmptyRendersEmptyArray(t *testing.T) {
	var d Dependencies
	raw, err := d.Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", raw)
}

func TestDependenciesSatisfiedRequiresEveryDependencyTerminalOK(t *testing.T) {
	byID := map[string]TaskStatus{
		"a": TaskCompleted,
		"b": TaskSkipped,
		"c": TaskRunning,
	}
	assert.True(t, DependenciesSatisfied([]string{"a", "b"}, byID))
	assert.False(t, DependenciesSatisfied([]string{"a", "c"}, byID))
	assert.False(t, DependenciesSatisfied([]string{"missing"}, byID))
}

func TestAnyDependencyFailedDetectsFailedDependency(t *testing.T) {
	byID := map[string]TaskStatus{"a": TaskCompleted, "b": TaskFailed}
	assert.True(t, AnyDependencyFailed([]string{"a", "b"}, byID))
	assert.False(t, AnyDependencyFailed([]string{"a"}, byID))
}

func TestTaskStatusIsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskFailed, TaskSkipped}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	nonTerminal := []TaskStatus{TaskPending, TaskReady, TaskRunning}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "%s should not be terminal", s)
	}
}

func TestTaskStatusIsDependencySatisfying(t *testing.T) {
	assert.True(t, TaskCompleted.IsDependencySatisfying())
	assert.True(t, TaskSkipped.IsDependencySatisfying())
	assert.False(t, TaskFailed.IsDependencySatisfying())
	assert.False(t, TaskRunning.IsDependencySatisfying())
}
