package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/protoreel/worker/internal/retry"
)

// ---------------------------------------------------------------------------
// Freepik Image Service
// Uses the Freepik text-to-image API. The endpoint is synchronous and
// returns base64-encoded images in the response body.
// ---------------------------------------------------------------------------

const freepikBaseURL = "https://api.freepik.com"

type FreepikService struct {
	apiKey string
	client *http.Client
	policy retry.Policy
}

func NewFreepikService(apiKey string) *FreepikService {
	return &FreepikService{
		apiKey: apiKey,
		client: &http.Client{Timeout: 120 * time.Second},
		policy: retry.Default,
	}
}

type freepikRequest struct {
	Prompt    string        `json:"prompt"`
	NumImages int           `json:"num_images"`
	Image     *freepikImage `json:"image,omitempty"`
}

type freepikImage struct {
	Size string `json:"size"`
}

type freepikResponse struct {
	Data []struct {
		Base64 string `json:"base64"`
	} `json:"data"`
}

// GenerateImage renders a still image from a text prompt and returns the raw
// image bytes.
func (s *FreepikService) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	reqBody := freepikRequest{
		Prompt:    prompt,
		NumImages: 1,
		Image:     &freepikImage{Size: "social_story_9_16"},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal freepik request: %w", err)
	}

	log.Printf("[Freepik] Generating image (promptLen=%d)", len(prompt))

	var imageData []byte
	err = s.policy.Do(ctx, "freepik image", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, "POST", freepikBaseURL+"/v1/ai/text-to-image", bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create freepik request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-freepik-api-key", s.apiKey)

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("freepik request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read freepik response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("freepik returned status %d: %s", resp.StatusCode, truncateString(string(body), 500))
		}

		var parsed freepikResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return fmt.Errorf("failed to decode freepik response: %w", err)
		}
		if len(parsed.Data) == 0 || parsed.Data[0].Base64 == "" {
			return fmt.Errorf("no image in freepik response")
		}

		imageData, err = base64.StdEncoding.DecodeString(parsed.Data[0].Base64)
		if err != nil {
			return fmt.Errorf("failed to decode freepik image: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[Freepik] Image generated (%d bytes)", len(imageData))
	return imageData, nil
}
