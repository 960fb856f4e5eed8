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

	"github.com/protoreel/worker/internal/retry"
)

// ---------------------------------------------------------------------------
// Chatterbox Text-to-Speech Service
// Calls a self-hosted Chatterbox TTS server to synthesize narration. Supports
// zero-shot voice cloning: pass an audio_prompt_url with a short voice sample
// and the generated speech matches that voice.
// ---------------------------------------------------------------------------

const (
	chatterboxExaggeration = 0.5 // neutral emotional intensity
	chatterboxCFGWeight    = 0.5
)

// ChatterboxService handles text-to-speech via a Chatterbox TTS server.
type ChatterboxService struct {
	baseURL string
	apiKey  string
	client  *http.Client
	policy  retry.Policy
}

// Ensure ChatterboxService implements TTSService at compile time.
var _ TTSService = (*ChatterboxService)(nil)

func NewChatterboxService(baseURL, apiKey string) *ChatterboxService {
	return &ChatterboxService{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 120 * time.Second},
		policy:  retry.Default,
	}
}

type chatterboxRequest struct {
	Text           string  `json:"text"`
	AudioPromptURL string  `json:"audio_prompt_url,omitempty"`
	Exaggeration   float64 `json:"exaggeration"`
	CFGWeight      float64 `json:"cfg_weight"`
}

// GenerateSpeech converts text to speech. The response body is the raw WAV
// audio. Transient server errors are retried under the shared policy.
func (s *ChatterboxService) GenerateSpeech(ctx context.Context, text, audioPromptURL string) (*TTSResponse, error) {
	reqBody := chatterboxRequest{
		Text:           text,
		AudioPromptURL: audioPromptURL,
		Exaggeration:   chatterboxExaggeration,
		CFGWeight:      chatterboxCFGWeight,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chatterbox request: %w", err)
	}

	log.Printf("[Chatterbox] Generating speech (textLen=%d, voiceClone=%v)", len(text), audioPromptURL != "")

	var audioData []byte
	err = s.policy.Do(ctx, "chatterbox tts", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/generate-audio", bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create chatterbox request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.apiKey != "" {
			req.Header.Set("X-API-Key", s.apiKey)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("chatterbox request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return fmt.Errorf("chatterbox returned status %d: %s", resp.StatusCode, string(body))
		}

		audioData, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read chatterbox audio response: %w", err)
		}
		if len(audioData) == 0 {
			return fmt.Errorf("chatterbox returned empty audio")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	durationMs := estimateAudioDuration(text)
	log.Printf("[Chatterbox] Speech generated (%d bytes, estimated %dms)", len(audioData), durationMs)

	return &TTSResponse{
		AudioData:  audioData,
		DurationMs: durationMs,
		Format:     "wav",
	}, nil
}

// estimateAudioDuration approximates spoken duration from text length at a
// typical narration pace (~150 words per minute). Callers that need the real
// duration probe the generated file with ffprobe instead.
func estimateAudioDuration(text string) int {
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return words * 60000 / 150
}
