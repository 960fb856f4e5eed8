package services

import "context"

// ---------------------------------------------------------------------------
// TTSService is the common interface for text-to-speech providers.
// The renderer only sees this interface, so the narration backend can be
// swapped without touching the scene pipeline.
// ---------------------------------------------------------------------------

// TTSResponse is the common response type from any TTS provider.
type TTSResponse struct {
	AudioData  []byte
	DurationMs int
	Format     string // "wav", "mp3", etc.
}

// TTSService is the interface that any TTS provider must implement.
type TTSService interface {
	// GenerateSpeech converts text to audio. audioPromptURL optionally points
	// to a short voice sample the provider clones; empty means the provider's
	// default voice.
	GenerateSpeech(ctx context.Context, text, audioPromptURL string) (*TTSResponse, error)
}
