package worker

import (
	"context"
	"log"
	"time"

	"github.com/protoreel/worker/internal/db"
	"github.com/protoreel/worker/internal/models"
	"github.com/protoreel/worker/internal/monitor"
	"github.com/protoreel/worker/internal/queue"
	"github.com/protoreel/worker/internal/task"
)

const dequeueTimeout = 5 * time.Second

// Worker is the queue consumer: it pops render jobs off Redis and runs each
// one through the lifecycle guard and the renderer. Jobs execute one at a
// time; parallelism lives inside a render (scene scheduling), not across
// renders, because a single render already saturates the box.
type Worker struct {
	db       *db.DB
	queue    *queue.Queue
	guard    *task.Guard
	renderer *Renderer
	monitor  *monitor.Monitor // nil when memory monitoring is disabled
}

func New(database *db.DB, q *queue.Queue, guard *task.Guard, renderer *Renderer, mon *monitor.Monitor) *Worker {
	return &Worker{
		db:       database,
		queue:    q,
		guard:    guard,
		renderer: renderer,
		monitor:  mon,
	}
}

// Start consumes the render queue until ctx is cancelled. An in-flight render
// sees the cancellation as a context error and fails through the guard, so
// its terminal status still lands before Start returns.
func (w *Worker) Start(ctx context.Context) {
	log.Printf("[Worker] Consuming %s", queue.QueueRenderTasks)

	for {
		if ctx.Err() != nil {
			log.Printf("[Worker] Shutting down")
			return
		}

		job, err := w.queue.Dequeue(ctx, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				log.Printf("[Worker] Shutting down")
				return
			}
			log.Printf("[Worker] Dequeue failed, backing off: %v", err)
			select {
			case <-time.After(2 * time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if job == nil {
			continue // timeout, nothing queued
		}

		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *queue.Job) {
	log.Printf("[Worker] Picked up task %s", job.TaskID)

	// Each task starts with a clean pressure slate; a previous task's latched
	// emergency must not fail this one
	if w.monitor != nil {
		w.monitor.Reset()
	}

	_, err := w.guard.Run(ctx, job.TaskID, func(ctx context.Context) (*models.FinalResult, error) {
		return w.renderer.RenderTask(ctx, job.TaskID, job.Request)
	})
	if err != nil {
		log.Printf("[Worker] Task %s failed: %v", job.TaskID, err)
		return
	}

	log.Printf("[Worker] Task %s done", job.TaskID)
}

// StartSweeper periodically fails tasks stuck in a non-terminal status longer
// than timeout. Catches work orphaned by a crashed or OOM-killed worker.
func (w *Worker) StartSweeper(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("[Worker] Stuck-task sweeper running every %s (timeout %s)", interval, timeout)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.db.FailStuckTasks(ctx, timeout)
			if err != nil {
				log.Printf("[Worker] Sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[Worker] Swept %d stuck tasks", n)
			}
		}
	}
}
