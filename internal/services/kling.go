package services

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

	"github.com/golang-jwt/jwt/v5"

	"github.com/protoreel/worker/internal/retry"
)

// ---------------------------------------------------------------------------
// KlingAI Video Service
// Animates a still image into a short video clip (image-to-video). Auth is a
// short-lived JWT signed with the account's secret key. Like Luma, generation
// is asynchronous: create a task, poll until it succeeds, download the MP4.
// ---------------------------------------------------------------------------

const (
	klingBaseURL         = "https://api-singapore.klingai.com/v1"
	klingDefaultModel    = "kling-v1"
	klingMode            = "pro"
	klingCFGScale        = 0.5
	klingTokenTTL        = 30 * time.Minute
	klingPollInterval    = 5 * time.Second
	klingMaxPollDuration = 10 * time.Minute
)

var klingModels = map[string]bool{
	"kling-v1":          true,
	"kling-v1-5":        true,
	"kling-v1-6":        true,
	"kling-v2-master":   true,
	"kling-v2-1":        true,
	"kling-v2-1-master": true,
	"kling-v2-5-turbo":  true,
}

type KlingService struct {
	accessKey    string
	secretKey    string
	baseURL      string
	pollInterval time.Duration
	client       *http.Client
	policy       retry.Policy
}

func NewKlingService(accessKey, secretKey string) *KlingService {
	return &KlingService{
		accessKey:    accessKey,
		secretKey:    secretKey,
		baseURL:      klingBaseURL,
		pollInterval: klingPollInterval,
		client:       &http.Client{Timeout: 60 * time.Second},
		policy:       retry.Default,
	}
}

// authToken signs a fresh JWT for one API call. Kling rejects tokens older
// than their exp claim, so tokens are minted per request instead of cached.
func (s *KlingService) authToken() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": s.accessKey,
		"exp": now.Add(klingTokenTTL).Unix(),
		"nbf": now.Add(-5 * time.Second).Unix(),
	})
	signed, err := token.SignedString([]byte(s.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign kling token: %w", err)
	}
	return signed, nil
}

// validateKlingSettings checks the knobs against what image2video accepts.
// Resolution is implied by the model tier, so only model, duration and aspect
// are checked.
func validateKlingSettings(s VideoSettings) error {
	if s.Model != "" && !klingModels[s.Model] {
		return fmt.Errorf("unsupported kling model %q", s.Model)
	}
	if s.Duration != "" {
		if _, err := klingDuration(s.Duration); err != nil {
			return err
		}
	}
	if s.AspectRatio != "" && !lumaAspects[s.AspectRatio] {
		return fmt.Errorf("unsupported aspect ratio %q", s.AspectRatio)
	}
	return nil
}

// klingDuration converts the request's "5s" form to the API's bare-seconds
// string, bounds-checked to the 1-30s the API accepts.
func klingDuration(d string) (string, error) {
	trimmed := strings.TrimSuffix(d, "s")
	var secs int
	if _, err := fmt.Sscanf(trimmed, "%d", &secs); err != nil {
		return "", fmt.Errorf("unsupported video duration %q", d)
	}
	if secs < 1 || secs > 30 {
		return "", fmt.Errorf("unsupported video duration %q (1-30s)", d)
	}
	return fmt.Sprintf("%d", secs), nil
}

type klingCreateRequest struct {
	ModelName string  `json:"model_name"`
	Mode      string  `json:"mode"`
	Duration  string  `json:"duration,omitempty"`
	Image     string  `json:"image"`
	Prompt    string  `json:"prompt,omitempty"`
	CFGScale  float64 `json:"cfg_scale"`
}

// klingEnvelope is the common response wrapper: code 0 means success,
// anything else carries a message.
type klingEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type klingTask struct {
	TaskID     string `json:"task_id"`
	TaskStatus string `json:"task_status"` // submitted, processing, succeed, failed
	TaskMsg    string `json:"task_status_msg,omitempty"`
	TaskResult struct {
		Videos []struct {
			URL string `json:"url"`
		} `json:"videos"`
	} `json:"task_result"`
}

// GenerateVideo animates imageURL guided by the prompt and returns the raw
// MP4 bytes. Blocks while polling, same shape as the Luma client.
func (s *KlingService) GenerateVideo(ctx context.Context, prompt, imageURL string, settings VideoSettings) ([]byte, error) {
	if imageURL == "" {
		return nil, fmt.Errorf("kling requires a source image")
	}
	if err := validateKlingSettings(settings); err != nil {
		return nil, err
	}

	if settings.Model == "" {
		settings.Model = klingDefaultModel
	}
	duration := ""
	if settings.Duration != "" {
		duration, _ = klingDuration(settings.Duration)
	}

	task, err := s.createTask(ctx, prompt, imageURL, settings.Model, duration)
	if err != nil {
		return nil, err
	}

	log.Printf("[Kling] Task started: %s (model=%s)", task.TaskID, settings.Model)

	deadline := time.Now().Add(klingMaxPollDuration)
	pollCount := 0
	for task.TaskStatus != "succeed" {
		if task.TaskStatus == "failed" {
			return nil, fmt.Errorf("video generation failed: %s", task.TaskMsg)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("video generation timed out after %v (polled %d times)", klingMaxPollDuration, pollCount)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("video generation cancelled: %w", ctx.Err())
		case <-time.After(s.pollInterval):
		}

		pollCount++
		task, err = s.getTask(ctx, task.TaskID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll kling task (attempt %d): %w", pollCount, err)
		}
		log.Printf("[Kling] Poll %d: status=%s", pollCount, task.TaskStatus)
	}

	if len(task.TaskResult.Videos) == 0 || task.TaskResult.Videos[0].URL == "" {
		return nil, fmt.Errorf("succeeded kling task %s has no video asset", task.TaskID)
	}

	log.Printf("[Kling] Video ready, downloading...")
	return s.download(ctx, task.TaskResult.Videos[0].URL)
}

func (s *KlingService) createTask(ctx context.Context, prompt, imageURL, model, duration string) (*klingTask, error) {
	reqBody := klingCreateRequest{
		ModelName: model,
		Mode:      klingMode,
		Duration:  duration,
		Image:     imageURL,
		Prompt:    prompt,
		CFGScale:  klingCFGScale,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal kling request: %w", err)
	}

	var task *klingTask
	err = s.policy.Do(ctx, "kling create task", func(ctx context.Context) error {
		token, err := s.authToken()
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/videos/image2video", bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create kling request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("kling request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read kling response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("kling returned status %d: %s", resp.StatusCode, truncateString(string(body), 500))
		}

		task, err = decodeKlingTask(body)
		if err != nil {
			return err
		}
		if task.TaskID == "" {
			return fmt.Errorf("kling response missing task id")
		}
		return nil
	})
	return task, err
}

func (s *KlingService) getTask(ctx context.Context, id string) (*klingTask, error) {
	token, err := s.authToken()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+"/videos/image2video/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create kling poll request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kling poll failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read kling poll response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kling poll returned status %d: %s", resp.StatusCode, truncateString(string(body), 500))
	}

	return decodeKlingTask(body)
}

func decodeKlingTask(body []byte) (*klingTask, error) {
	env := klingEnvelope{}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode kling response: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("kling error %d: %s", env.Code, env.Message)
	}

	task := &klingTask{}
	if err := json.Unmarshal(env.Data, task); err != nil {
		return nil, fmt.Errorf("failed to decode kling task: %w", err)
	}
	return task, nil
}

func (s *KlingService) download(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := s.policy.Do(ctx, "kling download", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
		if err != nil {
			return fmt.Errorf("failed to create download request: %w", err)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("video download failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("video download returned status %d", resp.StatusCode)
		}

		data, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read video body: %w", err)
		}
		if len(data) == 0 {
			return fmt.Errorf("downloaded video is empty")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[Kling] Video downloaded (%d bytes)", len(data))
	return data, nil
}
