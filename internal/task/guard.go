package task

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"

	"github.com/protoreel/worker/internal/models"
)

// Store is the subset of the task store the guard needs.
type Store interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	UpdateTaskResult(ctx context.Context, id string, resultURL string) error
	UpdateTaskError(ctx context.Context, id string, errMsg string) error
}

// Notifier delivers lifecycle webhooks. Implementations must be best-effort:
// a webhook failure never changes the task outcome.
type Notifier interface {
	TaskStarted(ctx context.Context, taskID string)
	TaskFinished(ctx context.Context, taskID string, result *models.FinalResult)
	TaskFailed(ctx context.Context, taskID string, errMsg string)
}

// Cleaner reclaims a task's scratch space after its outcome is recorded.
type Cleaner interface {
	AfterTask(taskID string)
}

// Guard wraps the execution of one render so that every exit path, whether a
// clean finish, a render error, a panic or a delivered signal, converges on
// exactly one terminal status with its webhook and store update, followed by
// cleanup. The render itself never observes signals; it sees them as context
// cancellation and unwinds through the normal error path.
type Guard struct {
	store    Store
	notifier Notifier
	cleaner  Cleaner
}

func NewGuard(store Store, notifier Notifier, cleaner Cleaner) *Guard {
	return &Guard{store: store, notifier: notifier, cleaner: cleaner}
}

// Run executes render under the lifecycle guard and returns the final result
// or the error recorded on the task. Re-running a task that already finished
// short-circuits to its stored result without rendering again.
func (g *Guard) Run(ctx context.Context, taskID string, render func(ctx context.Context) (*models.FinalResult, error)) (*models.FinalResult, error) {
	// Idempotency: delivery retries for an already-finished task return the
	// recorded result instead of rendering twice.
	if existing, err := g.store.GetTask(ctx, taskID); err == nil && existing != nil {
		if existing.Status == models.TaskStatusFinished {
			log.Printf("[Task %s] Already finished, returning stored result", taskID)
			result := &models.FinalResult{}
			if existing.ResultURL != nil {
				result.R2URL = *existing.ResultURL
			}
			return result, nil
		}
	}

	state := NewState()
	if err := state.TransitionTo(models.TaskStatusInProgress); err != nil {
		return nil, err
	}

	log.Printf("[Task %s] Started", taskID)
	if err := g.store.UpdateTaskStatus(ctx, taskID, models.TaskStatusInProgress); err != nil {
		log.Printf("[Task %s] Failed to record in_progress status: %v", taskID, err)
	}
	if g.notifier != nil {
		g.notifier.TaskStarted(ctx, taskID)
	}

	result, renderErr := g.invoke(ctx, taskID, render)

	// A delivered signal surfaces as context cancellation; name it so the
	// stored error distinguishes shutdown from a genuine render failure.
	if renderErr != nil && ctx.Err() != nil {
		renderErr = fmt.Errorf("terminated by signal: %v", ctx.Err())
	}

	if renderErr != nil {
		g.fail(ctx, state, taskID, renderErr)
	} else {
		g.finish(ctx, state, taskID, result)
	}

	// Cleanup strictly after the terminal status is recorded, so a crash
	// mid-cleanup can never leave a task without an outcome.
	if g.cleaner != nil {
		g.cleaner.AfterTask(taskID)
	}

	return result, renderErr
}

// invoke runs render with panic containment. A panicking scene or codec bug
// fails the one task instead of taking the worker down.
func (g *Guard) invoke(ctx context.Context, taskID string, render func(ctx context.Context) (*models.FinalResult, error)) (result *models.FinalResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Task %s] PANIC during render: %v\n%s", taskID, r, debug.Stack())
			result = nil
			err = fmt.Errorf("render panicked: %v", r)
		}
	}()
	return render(ctx)
}

func (g *Guard) finish(ctx context.Context, state *State, taskID string, result *models.FinalResult) {
	if !state.Finish(models.TaskStatusFinished) {
		log.Printf("[Task %s] Outcome already recorded, dropping finish", taskID)
		return
	}

	log.Printf("[Task %s] Finished: %s", taskID, result.R2URL)
	// Store and webhook updates run on a fresh context: a cancelled task
	// context must not block recording the outcome.
	updateCtx := context.WithoutCancel(ctx)
	if err := g.store.UpdateTaskResult(updateCtx, taskID, result.R2URL); err != nil {
		log.Printf("[Task %s] Failed to record result: %v", taskID, err)
	}
	if g.notifier != nil {
		g.notifier.TaskFinished(updateCtx, taskID, result)
	}
}

func (g *Guard) fail(ctx context.Context, state *State, taskID string, renderErr error) {
	if !state.Finish(models.TaskStatusFailed) {
		log.Printf("[Task %s] Outcome already recorded, dropping failure: %v", taskID, renderErr)
		return
	}

	log.Printf("[Task %s] Failed: %v", taskID, renderErr)
	updateCtx := context.WithoutCancel(ctx)
	if err := g.store.UpdateTaskError(updateCtx, taskID, renderErr.Error()); err != nil {
		log.Printf("[Task %s] Failed to record error: %v", taskID, err)
	}
	if g.notifier != nil {
		g.notifier.TaskFailed(updateCtx, taskID, renderErr.Error())
	}
}
