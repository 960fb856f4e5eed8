package task

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protoreel/worker/internal/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.TaskStatus
		ok       bool
	}{
		{models.TaskStatusQueued, models.TaskStatusInProgress, true},
		{models.TaskStatusQueued, models.TaskStatusFailed, true},
		{models.TaskStatusQueued, models.TaskStatusFinished, false},
		{models.TaskStatusInProgress, models.TaskStatusFinished, true},
		{models.TaskStatusInProgress, models.TaskStatusFailed, true},
		{models.TaskStatusInProgress, models.TaskStatusQueued, false},
		{models.TaskStatusFinished, models.TaskStatusFailed, false},
		{models.TaskStatusFinished, models.TaskStatusInProgress, false},
		{models.TaskStatusFailed, models.TaskStatusFinished, false},
		{models.TaskStatusFailed, models.TaskStatusInProgress, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestStateTerminalIsSticky(t *testing.T) {
	s := NewState()
	require.NoError(t, s.TransitionTo(models.TaskStatusInProgress))
	require.NoError(t, s.TransitionTo(models.TaskStatusFinished))

	assert.Error(t, s.TransitionTo(models.TaskStatusFailed))
	assert.Equal(t, models.TaskStatusFinished, s.Status())
}

func TestFinishExactlyOneWinner(t *testing.T) {
	s := NewState()
	require.NoError(t, s.TransitionTo(models.TaskStatusInProgress))

	// Success path and failure path race to record the outcome
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	outcomes := []models.TaskStatus{
		models.TaskStatusFinished,
		models.TaskStatusFailed,
		models.TaskStatusFailed,
		models.TaskStatusFinished,
	}
	for _, outcome := range outcomes {
		wg.Add(1)
		go func(to models.TaskStatus) {
			defer wg.Done()
			if s.Finish(to) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(outcome)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.True(t, s.Status().IsTerminal())
}

func TestFinishRejectsNonTerminal(t *testing.T) {
	s := NewState()
	assert.False(t, s.Finish(models.TaskStatusInProgress))
	assert.Equal(t, models.TaskStatusQueued, s.Status())
}
