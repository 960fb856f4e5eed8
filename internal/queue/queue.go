package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/protoreel/worker/internal/models"
)

// QueueRenderTasks is the list the backend pushes render work onto and the
// worker loop pops from.
const QueueRenderTasks = "queue:render_tasks"

type Queue struct {
	client *redis.Client
}

// Job is one queued render: the task ID plus its full declarative payload.
type Job struct {
	TaskID    string                `json:"task_id"`
	Request   *models.RenderRequest `json:"request_dict"`
	CreatedAt time.Time             `json:"created_at"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// EnqueueRender pushes a render job onto the queue.
func (q *Queue) EnqueueRender(ctx context.Context, taskID string, request *models.RenderRequest) error {
	job := &Job{
		TaskID:    taskID,
		Request:   request,
		CreatedAt: time.Now(),
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, QueueRenderTasks, data).Err()
}

// Dequeue blocks up to timeout waiting for a render job. Returns (nil, nil)
// when the timeout elapses with nothing queued.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, QueueRenderTasks).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// Length reports how many renders are waiting. Exposed on the health
// endpoint.
func (q *Queue) Length(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, QueueRenderTasks).Result()
}
