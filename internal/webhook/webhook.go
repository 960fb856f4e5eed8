package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/protoreel/worker/internal/models"
	"github.com/protoreel/worker/internal/retry"
)

// ---------------------------------------------------------------------------
// Backend lifecycle webhooks
// The worker reports task progress to the backend: task-started when a
// render begins, task-finished with the video URL, task-failed with the
// error. Delivery is best-effort with retries; a webhook that never lands
// does not change the task outcome.
// ---------------------------------------------------------------------------

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	policy  retry.Policy
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
		policy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			MaxDelay:    10 * time.Second,
		},
	}
}

type payload struct {
	TaskID   string  `json:"task_id"`
	VideoURL string  `json:"video_url,omitempty"`
	Duration float64 `json:"duration,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// TaskStarted reports that a render began.
func (c *Client) TaskStarted(ctx context.Context, taskID string) {
	c.deliver(ctx, "task-started", payload{TaskID: taskID})
}

// TaskFinished reports a successful render with the uploaded video URL.
func (c *Client) TaskFinished(ctx context.Context, taskID string, result *models.FinalResult) {
	p := payload{TaskID: taskID}
	if result != nil {
		p.VideoURL = result.R2URL
		p.Duration = result.DurationSec
	}
	c.deliver(ctx, "task-finished", p)
}

// TaskFailed reports a failed render with its error message.
func (c *Client) TaskFailed(ctx context.Context, taskID string, errMsg string) {
	c.deliver(ctx, "task-failed", payload{TaskID: taskID, Error: errMsg})
}

func (c *Client) deliver(ctx context.Context, event string, p payload) {
	if c.baseURL == "" {
		return
	}

	body, err := json.Marshal(p)
	if err != nil {
		log.Printf("[Webhook] Failed to marshal %s payload: %v", event, err)
		return
	}

	url := fmt.Sprintf("%s/webhooks/%s", c.baseURL, event)

	err = c.policy.Do(ctx, "webhook "+event, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
		}
		return nil
	})
	if err != nil {
		// Best-effort: log and move on
		log.Printf("[Webhook] Failed to deliver %s for task %s: %v", event, p.TaskID, err)
		return
	}

	log.Printf("[Webhook] Delivered %s for task %s", event, p.TaskID)
}
