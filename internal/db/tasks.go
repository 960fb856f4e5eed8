package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/protoreel/worker/internal/models"
)

func (db *DB) CreateTask(ctx context.Context, task *models.Task) error {
	query := `
		INSERT INTO tasks (id, status, payload)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		task.ID, task.Status, task.Payload,
	).Scan(&task.CreatedAt, &task.UpdatedAt)
}

func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	query := `
		SELECT
			id, status, payload, result_url, error,
			started_at, finished_at, created_at, updated_at
		FROM tasks
		WHERE id = $1
	`

	task := &models.Task{Payload: &models.RenderRequest{}}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&task.ID, &task.Status, task.Payload, &task.ResultURL, &task.Error,
		&task.StartedAt, &task.FinishedAt, &task.CreatedAt, &task.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

// UpdateTaskStatus advances a task's status. Terminal statuses only land on
// rows that are not already terminal, so a sweeper and a live render racing
// to finish the same task cannot both record an outcome.
func (db *DB) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	now := time.Now()

	if status.IsTerminal() {
		query := `
			UPDATE tasks
			SET status = $1, finished_at = $2, updated_at = $2
			WHERE id = $3 AND status NOT IN ($4, $5)
		`
		res, err := db.ExecContext(ctx, query, status, now, id,
			models.TaskStatusFinished, models.TaskStatusFailed)
		if err != nil {
			return err
		}
		logIfAlreadyTerminal(res, id, status)
		return nil
	}

	query := `UPDATE tasks SET status = $1, started_at = $2, updated_at = $2 WHERE id = $3`
	_, err := db.ExecContext(ctx, query, status, now, id)
	return err
}

func (db *DB) UpdateTaskResult(ctx context.Context, id string, resultURL string) error {
	query := `
		UPDATE tasks
		SET status = $1, result_url = $2, finished_at = $3, updated_at = $3
		WHERE id = $4 AND status NOT IN ($1, $5)
	`
	res, err := db.ExecContext(ctx, query,
		models.TaskStatusFinished, resultURL, time.Now(), id, models.TaskStatusFailed)
	if err != nil {
		return err
	}
	logIfAlreadyTerminal(res, id, models.TaskStatusFinished)
	return nil
}

func (db *DB) UpdateTaskError(ctx context.Context, id string, errorMessage string) error {
	query := `
		UPDATE tasks
		SET status = $1, error = $2, finished_at = $3, updated_at = $3
		WHERE id = $4 AND status NOT IN ($1, $5)
	`
	res, err := db.ExecContext(ctx, query,
		models.TaskStatusFailed, errorMessage, time.Now(), id, models.TaskStatusFinished)
	if err != nil {
		return err
	}
	logIfAlreadyTerminal(res, id, models.TaskStatusFailed)
	return nil
}

// logIfAlreadyTerminal notes a terminal update that matched no row: someone
// else recorded an outcome first and this one is dropped, which is the
// intended resolution of the race.
func logIfAlreadyTerminal(res sql.Result, id string, status models.TaskStatus) {
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		log.Printf("[DB] Task %s already terminal, dropping %s update", id, status)
	}
}

// FailStuckTasks fails tasks that have been queued or in progress longer
// than timeout. Catches tasks orphaned by a crashed or OOM-killed worker,
// which would otherwise sit in_progress forever.
func (db *DB) FailStuckTasks(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-timeout)
	query := `
		UPDATE tasks
		SET status = $1, error = $2, finished_at = now(), updated_at = now()
		WHERE status IN ($3, $4)
		  AND created_at < $5
	`

	res, err := db.ExecContext(ctx, query,
		models.TaskStatusFailed,
		fmt.Sprintf("task exceeded %s timeout", timeout),
		models.TaskStatusQueued, models.TaskStatusInProgress,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stuck tasks: %w", err)
	}

	return res.RowsAffected()
}
