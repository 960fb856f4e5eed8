package services

import (
	"context"
	"fmt"
	"log"
	"sync"

	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Gemini Image Service
// Uses the Google Gen AI SDK for two operations: generating a still image
// from a text prompt, and editing an existing image with an instruction
// (prompt_edit_image on top of a downloaded image_url).
// ---------------------------------------------------------------------------

const geminiImageModel = "gemini-2.5-flash-image"

type GeminiService struct {
	apiKey string

	mu     sync.Mutex
	client *genai.Client
}

func NewGeminiService(apiKey string) *GeminiService {
	return &GeminiService{apiKey: apiKey}
}

// getClient lazily builds the SDK client. Safe for parallel scenes.
func (s *GeminiService) getClient(ctx context.Context) (*genai.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	s.client = client
	return client, nil
}

// GenerateImage renders a still image from a text prompt and returns the raw
// image bytes. Each call is independent, safe for parallel execution across
// scenes.
func (s *GeminiService) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	log.Printf("[Gemini] Generating image (promptLen=%d)", len(prompt))

	parts := []*genai.Part{
		genai.NewPartFromText(composeScenePrompt(prompt)),
	}
	return s.generate(ctx, parts)
}

// EditImage applies an instruction to an existing image (e.g. "make it
// nighttime", "add falling snow") and returns the edited image bytes.
func (s *GeminiService) EditImage(ctx context.Context, imageData []byte, mimeType, instruction string) ([]byte, error) {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	log.Printf("[Gemini] Editing image (%d bytes, instructionLen=%d)", len(imageData), len(instruction))

	parts := []*genai.Part{
		genai.NewPartFromBytes(imageData, mimeType),
		genai.NewPartFromText(instruction),
	}
	return s.generate(ctx, parts)
}

func (s *GeminiService) generate(ctx context.Context, parts []*genai.Part) ([]byte, error) {
	client, err := s.getClient(ctx)
	if err != nil {
		return nil, err
	}

	contents := []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}

	resp, err := client.Models.GenerateContent(ctx, geminiImageModel, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("no candidates in gemini response")
	}

	var textParts []string
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			log.Printf("[Gemini] Image ready (%d bytes)", len(part.InlineData.Data))
			return part.InlineData.Data, nil
		}
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
	}

	if len(textParts) > 0 {
		return nil, fmt.Errorf("gemini returned text instead of image: %s", truncateString(textParts[0], 200))
	}
	return nil, fmt.Errorf("no image data in gemini response")
}

// composeScenePrompt frames the scene description for a vertical reel canvas.
func composeScenePrompt(basePrompt string) string {
	return fmt.Sprintf("SCENE TO DEPICT:\n%s\n\nOutput: Portrait 9:16, highest quality, suitable for a full-screen vertical video.", basePrompt)
}
