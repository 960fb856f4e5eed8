package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protoreel/worker/internal/cache"
	"github.com/protoreel/worker/internal/config"
	"github.com/protoreel/worker/internal/models"
	"github.com/protoreel/worker/internal/services"
)

type fakeTTS struct {
	calls int32
	audio []byte
}

func (f *fakeTTS) GenerateSpeech(ctx context.Context, text, audioPromptURL string) (*services.TTSResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	return &services.TTSResponse{AudioData: f.audio, DurationMs: 1000, Format: "wav"}, nil
}

type fakeImageProvider struct {
	calls int32
	data  []byte
}

func (f *fakeImageProvider) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.data, nil
}

func newTestRenderer(t *testing.T, tts services.TTSService, providers map[models.ImageProvider]ImageProvider) (*Renderer, *cache.Store) {
	t.Helper()
	return newTestRendererWithStore(t, cache.New(t.TempDir(), time.Hour, 100), tts, providers)
}

func newTestRendererWithStore(t *testing.T, store *cache.Store, tts services.TTSService, providers map[models.ImageProvider]ImageProvider) (*Renderer, *cache.Store) {
	t.Helper()
	cfg := &config.Config{
		DefaultImageProvider: "gemini",
		OutputDir:            t.TempDir(),
		TempDir:              t.TempDir(),
	}
	return NewRenderer(cfg, store, nil, nil, tts, nil, nil, nil, nil, nil, nil, providers), store
}

func TestGenerateNarrationReusesCacheEntry(t *testing.T) {
	tts := &fakeTTS{audio: []byte("RIFF-fake-wav")}
	r, _ := newTestRenderer(t, tts, nil)

	path1, err := r.generateNarration(context.Background(), "hello world", "")
	require.NoError(t, err)
	path2, err := r.generateNarration(context.Background(), "hello world", "")
	require.NoError(t, err)

	assert.Equal(t, path1, path2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&tts.calls))

	data, err := os.ReadFile(path1)
	require.NoError(t, err)
	assert.Equal(t, tts.audio, data)
}

func TestGenerateNarrationKeyIncludesVoice(t *testing.T) {
	tts := &fakeTTS{audio: []byte("RIFF-fake-wav")}
	r, _ := newTestRenderer(t, tts, nil)

	path1, err := r.generateNarration(context.Background(), "hello", "")
	require.NoError(t, err)
	path2, err := r.generateNarration(context.Background(), "hello", "https://voices.example.com/ref.wav")
	require.NoError(t, err)

	// Same text with a different voice reference is a different artifact
	assert.NotEqual(t, path1, path2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&tts.calls))
}

func TestResolveSceneNarration(t *testing.T) {
	audio := []byte("downloaded-audio")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write(audio)
	}))
	defer server.Close()

	tts := &fakeTTS{audio: []byte("synthesized")}
	r, _ := newTestRenderer(t, tts, nil)
	taskDir := t.TempDir()

	// Synthesized from text
	path, err := r.resolveSceneNarration(context.Background(), taskDir, 0, models.SceneInput{NarrationText: "speak this"})
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("synthesized"), data)

	// Pre-rendered URL
	path, err = r.resolveSceneNarration(context.Background(), taskDir, 1, models.SceneInput{Narration: server.URL + "/n.wav"})
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, audio, data)

	// Silent scene
	path, err = r.resolveSceneNarration(context.Background(), taskDir, 2, models.SceneInput{})
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestResolveSceneImageUsesDefaultProvider(t *testing.T) {
	provider := &fakeImageProvider{data: []byte("png-bytes")}
	r, _ := newTestRenderer(t, nil, map[models.ImageProvider]ImageProvider{
		models.ImageProviderGemini: provider,
	})

	scene := models.SceneInput{Type: models.SceneTypeImage, PromptImage: "a red fox"}
	path, temp, err := r.resolveSceneImage(context.Background(), t.TempDir(), 0, scene)
	require.NoError(t, err)
	assert.Empty(t, temp) // cached artifacts are not per-scene temp files

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.calls))

	// Same prompt again hits the cache
	_, _, err = r.resolveSceneImage(context.Background(), t.TempDir(), 1, scene)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&provider.calls))
}

func TestResolveSceneImageUnknownProvider(t *testing.T) {
	r, _ := newTestRenderer(t, nil, map[models.ImageProvider]ImageProvider{})

	scene := models.SceneInput{Type: models.SceneTypeImage, PromptImage: "x", ImageProvider: models.ImageProviderOpenAI}
	_, _, err := r.resolveSceneImage(context.Background(), t.TempDir(), 0, scene)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestResolveSceneImageDownloadsProvidedURL(t *testing.T) {
	image := []byte("jpeg-bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write(image)
	}))
	defer server.Close()

	r, _ := newTestRenderer(t, nil, nil)
	taskDir := t.TempDir()

	scene := models.SceneInput{Type: models.SceneTypeImage, ImageURL: server.URL + "/pic.jpg"}
	path, temp, err := r.resolveSceneImage(context.Background(), taskDir, 0, scene)
	require.NoError(t, err)
	require.Len(t, temp, 1) // downloads are per-scene temp files

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, image, data)
}

func TestResolveSceneVideoUnconfiguredProviders(t *testing.T) {
	r, _ := newTestRenderer(t, nil, nil)

	// Neither luma nor kling is wired; prompt_video must fail cleanly
	scene := models.SceneInput{Type: models.SceneTypeVideo, PromptVideo: "a wave crashing"}
	_, _, err := r.resolveSceneVideo(context.Background(), t.TempDir(), 0, scene)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "luma provider")
	assert.Contains(t, err.Error(), "not configured")

	scene.VideoProvider = models.VideoProviderKling
	scene.ImageURL = "https://example.com/still.png"
	_, _, err = r.resolveSceneVideo(context.Background(), t.TempDir(), 0, scene)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kling provider")
	assert.Contains(t, err.Error(), "not configured")
}

func TestRendererWithDisabledCache(t *testing.T) {
	tts := &fakeTTS{audio: []byte("RIFF-fake-wav")}
	provider := &fakeImageProvider{data: []byte("png-bytes")}
	r, _ := newTestRendererWithStore(t, cache.NewDisabled(), tts, map[models.ImageProvider]ImageProvider{
		models.ImageProviderGemini: provider,
	})

	// Narration generates fresh per call, unique path each time
	path1, err := r.generateNarration(context.Background(), "hello", "")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(path1) })
	path2, err := r.generateNarration(context.Background(), "hello", "")
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(path2) })
	assert.NotEqual(t, path1, path2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&tts.calls))

	// Generated images come back flagged as scene-local temp files
	scene := models.SceneInput{Type: models.SceneTypeImage, PromptImage: "a red fox"}
	path, temp, err := r.resolveSceneImage(context.Background(), t.TempDir(), 0, scene)
	require.NoError(t, err)
	t.Cleanup(func() { os.Remove(path) })
	assert.Equal(t, []string{path}, temp)
}

func TestRenderTaskRejectsBadRequests(t *testing.T) {
	r, _ := newTestRenderer(t, nil, nil)

	_, err := r.RenderTask(context.Background(), "t1", nil)
	require.Error(t, err)

	_, err = r.RenderTask(context.Background(), "t1", &models.RenderRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid render request")
}
