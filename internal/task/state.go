package task

import (
	"fmt"
	"sync"

	"github.com/protoreel/worker/internal/models"
)

// validTransitions encodes the task lifecycle. Statuses only move forward;
// finished and failed are terminal and accept nothing.
var validTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskStatusQueued:     {models.TaskStatusInProgress, models.TaskStatusFailed},
	models.TaskStatusInProgress: {models.TaskStatusFinished, models.TaskStatusFailed},
	models.TaskStatusFinished:   {},
	models.TaskStatusFailed:     {},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to models.TaskStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// State is the in-memory status of one running task. All transitions go
// through TransitionTo under a single lock, so exactly one terminal
// transition can ever win even when the render loop, the signal handler and
// the monitor race to record an outcome.
type State struct {
	mu     sync.Mutex
	status models.TaskStatus
}

func NewState() *State {
	return &State{status: models.TaskStatusQueued}
}

func (s *State) Status() models.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// TransitionTo advances the task status, rejecting illegal moves. A terminal
// status is sticky: once finished or failed, every further attempt errors.
func (s *State) TransitionTo(to models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !CanTransition(s.status, to) {
		return fmt.Errorf("invalid task transition %s -> %s", s.status, to)
	}
	s.status = to
	return nil
}

// Finish attempts the terminal transition to the given status and reports
// whether this caller won it. Losing simply means another path already
// recorded an outcome.
func (s *State) Finish(to models.TaskStatus) bool {
	if !to.IsTerminal() {
		return false
	}
	return s.TransitionTo(to) == nil
}
