package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIService struct {
	client *openai.Client
}

func NewOpenAIService(apiKey string) *OpenAIService {
	return &OpenAIService{
		client: openai.NewClient(apiKey),
	}
}

// GenerateImage renders a still image from a text prompt with DALL-E 3 and
// returns the raw PNG bytes. Portrait size to match the 1080x1920 reel canvas.
func (s *OpenAIService) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	log.Printf("[OpenAI] Generating image (promptLen=%d)", len(prompt))

	resp, err := s.client.CreateImage(ctx, openai.ImageRequest{
		Model:          openai.CreateImageModelDallE3,
		Prompt:         prompt,
		Size:           openai.CreateImageSize1024x1792,
		Quality:        openai.CreateImageQualityHD,
		N:              1,
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return nil, fmt.Errorf("openai image request failed: %w", err)
	}

	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no image in openai response")
	}

	imageData, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, fmt.Errorf("failed to decode openai image: %w", err)
	}

	log.Printf("[OpenAI] Image generated (%d bytes)", len(imageData))
	return imageData, nil
}

// ---------------------------------------------------------------------------
// Whisper transcription: word-level timestamps for subtitle generation
// ---------------------------------------------------------------------------

// WordTimestamp represents a single word with its precise timing from Whisper.
// Used to generate word-by-word highlighted subtitles.
type WordTimestamp struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"` // seconds
	End   float64 `json:"end"`   // seconds
}

// TranscribeAudio sends narration audio to OpenAI Whisper and returns
// word-level timestamps. The caller is responsible for adding any time
// offset if silence was prepended afterwards.
func (s *OpenAIService) TranscribeAudio(ctx context.Context, audioData []byte, language string) ([]WordTimestamp, error) {
	if language == "" {
		language = "en"
	}

	resp, err := s.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		Reader:   bytes.NewReader(audioData),
		FilePath: "narration.wav", // Filename hint for the API (required by the library)
		Format:   openai.AudioResponseFormatVerboseJSON,
		Language: language,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularityWord,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcription failed: %w", err)
	}

	if len(resp.Words) == 0 {
		return nil, fmt.Errorf("whisper returned no word timestamps (text: %q)", resp.Text)
	}

	words := make([]WordTimestamp, len(resp.Words))
	for i, w := range resp.Words {
		words[i] = WordTimestamp{
			Word:  strings.TrimSpace(w.Word),
			Start: w.Start,
			End:   w.End,
		}
	}

	log.Printf("[Whisper] Transcribed %d words (duration: %.1fs, text: %q)",
		len(words), resp.Duration, truncateString(resp.Text, 80))

	return words, nil
}

// truncateString truncates a string to maxLen and appends "..." if truncated.
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
