package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/protoreel/worker/internal/retry"
)

// ---------------------------------------------------------------------------
// Luma Dream Machine Video Service
// Generates short video clips from text prompts. Generation is asynchronous:
// we create a generation, poll until it completes, then download the MP4.
// ---------------------------------------------------------------------------

const (
	lumaBaseURL         = "https://api.lumalabs.ai/dream-machine/v1"
	lumaDefaultModel    = "ray-2"
	lumaPollInterval    = 10 * time.Second
	lumaMaxPollDuration = 10 * time.Minute // max wait for a single generation
)

var (
	lumaModels      = map[string]bool{"ray-2": true, "ray-flash-2": true, "ray-1-6": true}
	lumaResolutions = map[string]bool{"540p": true, "720p": true, "1080p": true, "1440p": true}
	lumaDurations   = map[string]bool{"5s": true, "9s": true}
	lumaAspects     = map[string]bool{"9:16": true, "16:9": true, "1:1": true, "4:3": true, "3:4": true}
)

// VideoSettings are the per-scene generation knobs from the request payload.
// Zero values fall back to the service defaults.
type VideoSettings struct {
	Model       string
	Resolution  string
	AspectRatio string
	Duration    string
}

type LumaService struct {
	apiKey string
	client *http.Client
	policy retry.Policy
}

func NewLumaService(apiKey string) *LumaService {
	return &LumaService{
		apiKey: apiKey,
		client: &http.Client{Timeout: 60 * time.Second},
		policy: retry.Default,
	}
}

// ValidateSettings checks the requested knobs against what the API accepts,
// so a bad payload fails fast instead of after minutes of polling.
func ValidateSettings(s VideoSettings) error {
	if s.Model != "" && !lumaModels[s.Model] {
		return fmt.Errorf("unsupported video model %q", s.Model)
	}
	if s.Resolution != "" && !lumaResolutions[s.Resolution] {
		return fmt.Errorf("unsupported video resolution %q", s.Resolution)
	}
	if s.Duration != "" && !lumaDurations[s.Duration] {
		return fmt.Errorf("unsupported video duration %q (use 5s or 9s)", s.Duration)
	}
	if s.AspectRatio != "" && !lumaAspects[s.AspectRatio] {
		return fmt.Errorf("unsupported aspect ratio %q", s.AspectRatio)
	}
	// ray-1-6 predates the resolution and duration knobs
	if s.Model == "ray-1-6" && (s.Resolution != "" || s.Duration != "") {
		return fmt.Errorf("model ray-1-6 does not support resolution or duration settings")
	}
	return nil
}

type lumaGenerationRequest struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model"`
	Resolution  string `json:"resolution,omitempty"`
	Duration    string `json:"duration,omitempty"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

type lumaGeneration struct {
	ID            string `json:"id"`
	State         string `json:"state"` // queued, dreaming, completed, failed
	FailureReason string `json:"failure_reason,omitempty"`
	Assets        struct {
		Video string `json:"video"`
	} `json:"assets"`
}

// GenerateVideo creates a video from a text prompt and returns the raw MP4
// bytes. Blocks the calling goroutine while polling; each scene runs in its
// own scheduler slot, so this is the intended shape.
func (s *LumaService) GenerateVideo(ctx context.Context, prompt string, settings VideoSettings) ([]byte, error) {
	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	if settings.Model == "" {
		settings.Model = lumaDefaultModel
	}
	if settings.AspectRatio == "" {
		settings.AspectRatio = "9:16"
	}

	gen, err := s.createGeneration(ctx, prompt, settings)
	if err != nil {
		return nil, err
	}

	log.Printf("[Luma] Generation started: %s (model=%s)", gen.ID, settings.Model)

	// Poll until done, cancelled, or timed out
	deadline := time.Now().Add(lumaMaxPollDuration)
	pollCount := 0
	for gen.State != "completed" {
		if gen.State == "failed" {
			return nil, fmt.Errorf("video generation failed: %s", gen.FailureReason)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("video generation timed out after %v (polled %d times)", lumaMaxPollDuration, pollCount)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("video generation cancelled: %w", ctx.Err())
		case <-time.After(lumaPollInterval):
		}

		pollCount++
		gen, err = s.getGeneration(ctx, gen.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll generation (attempt %d): %w", pollCount, err)
		}
		log.Printf("[Luma] Poll %d: state=%s", pollCount, gen.State)
	}

	if gen.Assets.Video == "" {
		return nil, fmt.Errorf("completed generation %s has no video asset", gen.ID)
	}

	log.Printf("[Luma] Video ready, downloading...")
	return s.download(ctx, gen.Assets.Video)
}

func (s *LumaService) createGeneration(ctx context.Context, prompt string, settings VideoSettings) (*lumaGeneration, error) {
	reqBody := lumaGenerationRequest{
		Prompt:      prompt,
		Model:       settings.Model,
		Resolution:  settings.Resolution,
		Duration:    settings.Duration,
		AspectRatio: settings.AspectRatio,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal luma request: %w", err)
	}

	var gen *lumaGeneration
	err = s.policy.Do(ctx, "luma create generation", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, "POST", lumaBaseURL+"/generations", bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create luma request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.apiKey)

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("luma request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read luma response: %w", err)
		}
		if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
			return fmt.Errorf("luma returned status %d: %s", resp.StatusCode, truncateString(string(body), 500))
		}

		gen = &lumaGeneration{}
		if err := json.Unmarshal(body, gen); err != nil {
			return fmt.Errorf("failed to decode luma response: %w", err)
		}
		if gen.ID == "" {
			return fmt.Errorf("luma response missing generation id")
		}
		return nil
	})
	return gen, err
}

func (s *LumaService) getGeneration(ctx context.Context, id string) (*lumaGeneration, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", lumaBaseURL+"/generations/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create luma poll request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("luma poll failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read luma poll response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("luma poll returned status %d: %s", resp.StatusCode, truncateString(string(body), 500))
	}

	gen := &lumaGeneration{}
	if err := json.Unmarshal(body, gen); err != nil {
		return nil, fmt.Errorf("failed to decode luma poll response: %w", err)
	}
	return gen, nil
}

func (s *LumaService) download(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := s.policy.Do(ctx, "luma download", func(ctx context.Context) error {
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

	log.Printf("[Luma] Video downloaded (%d bytes)", len(data))
	return data, nil
}
