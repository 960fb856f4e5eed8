package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/protoreel/worker/internal/cache"
	"github.com/protoreel/worker/internal/cleanup"
	"github.com/protoreel/worker/internal/config"
	"github.com/protoreel/worker/internal/models"
	"github.com/protoreel/worker/internal/scheduler"
	"github.com/protoreel/worker/internal/services"
	"github.com/protoreel/worker/internal/storage"
)

// ImageProvider is the common surface of the image generation backends
// (OpenAI, Freepik, Gemini).
type ImageProvider interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

// Renderer turns one declarative RenderRequest into an uploaded video:
// scenes are rendered in parallel through the scheduler, concatenated in
// input order, post-processed (CTA logo, duration clamp) and pushed to R2.
type Renderer struct {
	cfg      *config.Config
	store    *cache.Store
	cleaner  *cleanup.Coordinator
	sched    *scheduler.Scheduler
	tts      services.TTSService
	whisper  *services.OpenAIService // word timestamps for subtitles, nil disables them
	gemini   *services.GeminiService // image edits, nil disables prompt_edit_image
	luma     *services.LumaService   // text-to-video, nil disables the luma provider
	kling    *services.KlingService  // image-to-video, nil disables the kling provider
	ffmpeg   *services.FFmpegService
	storage  *storage.Storage
	imagePvs map[models.ImageProvider]ImageProvider
}

func NewRenderer(
	cfg *config.Config,
	store *cache.Store,
	cleaner *cleanup.Coordinator,
	sched *scheduler.Scheduler,
	tts services.TTSService,
	whisper *services.OpenAIService,
	gemini *services.GeminiService,
	luma *services.LumaService,
	kling *services.KlingService,
	ffmpeg *services.FFmpegService,
	stor *storage.Storage,
	imageProviders map[models.ImageProvider]ImageProvider,
) *Renderer {
	return &Renderer{
		cfg:      cfg,
		store:    store,
		cleaner:  cleaner,
		sched:    sched,
		tts:      tts,
		whisper:  whisper,
		gemini:   gemini,
		luma:     luma,
		kling:    kling,
		ffmpeg:   ffmpeg,
		storage:  stor,
		imagePvs: imageProviders,
	}
}

// sceneJob carries the per-scene inputs resolved before scheduling: the
// immutable scene plus whatever the global request layers on top (a slice of
// the shared narration track, the request-level logo).
type sceneJob struct {
	narrationPath    string // pre-cut narration for this scene, overrides scene-level audio
	durationMsShared int    // duration implied by the shared narration slice, 0 when unused
	logo             *models.LogoConfig
}

// RenderTask renders the full request and returns the uploaded result.
func (r *Renderer) RenderTask(ctx context.Context, taskID string, req *models.RenderRequest) (*models.FinalResult, error) {
	if req == nil {
		return nil, fmt.Errorf("missing render request")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid render request: %w", err)
	}

	taskDir, err := r.cleaner.TaskDir(taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to create task workspace: %w", err)
	}

	jobs := make([]sceneJob, len(req.Scenes))

	// Request-level logo on every scene when asked for
	if req.Logo != nil && req.Logo.ShowInAllScenes {
		for i := range jobs {
			jobs[i].logo = req.Logo
		}
	}

	// Global narration: one TTS call, duration split evenly across scenes.
	// Each scene gets its slice of the track and its duration follows the
	// slice rather than the declared scene duration.
	if req.NarrationText != "" {
		if err := r.splitSharedNarration(ctx, taskDir, req, jobs); err != nil {
			return nil, err
		}
	}

	results, err := r.sched.Render(ctx, req.Scenes, func(ctx context.Context, idx int, scene models.SceneInput) (*models.RenderResult, error) {
		return r.renderScene(ctx, taskDir, idx, scene, jobs[idx])
	})
	if err != nil {
		return nil, err
	}

	clipPaths := make([]string, len(results))
	for i, res := range results {
		clipPaths[i] = res.ClipPath
	}

	log.Printf("[Renderer] All %d scenes rendered, assembling final video", len(clipPaths))

	combined := filepath.Join(taskDir, "combined.mp4")
	if err := r.assembleClips(ctx, clipPaths, combined, req.Transition); err != nil {
		return nil, err
	}

	finalPath := combined

	// CTA logo over the assembled video
	if req.Logo != nil && req.Logo.CTAScreen {
		logoPath := filepath.Join(taskDir, "logo_final"+filepath.Ext(req.Logo.URL))
		if err := services.DownloadFile(ctx, req.Logo.URL, logoPath); err != nil {
			return nil, fmt.Errorf("failed to download logo: %w", err)
		}
		withLogo := filepath.Join(taskDir, "combined_logo.mp4")
		if err := r.ffmpeg.OverlayLogo(ctx, finalPath, logoPath, withLogo, req.Logo.Position, req.Logo.Opacity, req.Logo.MarginPx); err != nil {
			return nil, err
		}
		finalPath = withLogo
	}

	// Clamp to the platform duration window
	clamped, err := r.ffmpeg.EnforceReelBounds(ctx, finalPath, filepath.Join(taskDir, "clamped.mp4"))
	if err != nil {
		return nil, err
	}
	finalPath = clamped

	durationMs, err := r.ffmpeg.GetVideoDuration(ctx, finalPath)
	if err != nil {
		return nil, err
	}

	// Move the finished video to the output dir; the task dir is reclaimed
	// after the terminal status lands
	if err := os.MkdirAll(r.cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	outputPath := filepath.Join(r.cfg.OutputDir, req.OutputFilename)
	if err := copyFile(finalPath, outputPath); err != nil {
		return nil, fmt.Errorf("failed to place final video: %w", err)
	}

	url, err := r.storage.UploadFile(ctx, storage.VideoKey(taskID, req.OutputFilename), outputPath, "video/mp4")
	if err != nil {
		return nil, fmt.Errorf("failed to upload final video: %w", err)
	}

	return &models.FinalResult{
		R2URL:       url,
		LocalPath:   outputPath,
		DurationSec: float64(durationMs) / 1000,
	}, nil
}

// assembleClips joins the rendered clips in order. A plain cut uses the
// stream-copy concat; a configured transition crossfades each joint, probing
// the real clip durations so the fade offsets line up.
func (r *Renderer) assembleClips(ctx context.Context, clipPaths []string, outputPath string, transition *models.TransitionConfig) error {
	transitionType, fadeSec := transition.Resolve()
	if transitionType == models.TransitionNone || fadeSec <= 0 || len(clipPaths) < 2 {
		return r.ffmpeg.ConcatenateClips(ctx, clipPaths, outputPath)
	}

	durations := make([]float64, len(clipPaths))
	for i, path := range clipPaths {
		ms, err := r.ffmpeg.GetVideoDuration(ctx, path)
		if err != nil {
			return fmt.Errorf("failed to probe clip %d for transition: %w", i, err)
		}
		durations[i] = float64(ms) / 1000
	}

	return r.ffmpeg.CrossfadeClips(ctx, clipPaths, durations, outputPath, transitionType, fadeSec)
}

// splitSharedNarration synthesizes the request-level narration once and cuts
// it into equal slices, one per scene.
func (r *Renderer) splitSharedNarration(ctx context.Context, taskDir string, req *models.RenderRequest, jobs []sceneJob) error {
	narrPath, err := r.generateNarration(ctx, req.NarrationText, req.AudioPromptURL)
	if err != nil {
		return fmt.Errorf("shared narration failed: %w", err)
	}
	if r.store.Disabled() {
		// Pass-through artifacts are ours to reclaim once the slices exist
		defer cleanup.RemovePaths(narrPath)
	}

	totalMs, err := r.ffmpeg.GetAudioDuration(ctx, narrPath)
	if err != nil {
		return fmt.Errorf("failed to probe shared narration: %w", err)
	}

	perSceneMs := totalMs / len(jobs)
	log.Printf("[Renderer] Shared narration is %dms, %dms per scene across %d scenes", totalMs, perSceneMs, len(jobs))

	for i := range jobs {
		segPath := filepath.Join(taskDir, fmt.Sprintf("narration_seg_%d.aac", i))
		start := float64(i*perSceneMs) / 1000
		length := float64(perSceneMs) / 1000
		if i == len(jobs)-1 {
			// Last slice absorbs the division remainder
			length = float64(totalMs-i*perSceneMs) / 1000
		}
		if err := r.ffmpeg.ExtractAudioSegment(ctx, narrPath, segPath, start, length); err != nil {
			return fmt.Errorf("failed to cut narration slice %d: %w", i, err)
		}
		jobs[i].narrationPath = segPath
		jobs[i].durationMsShared = int(length * 1000)
	}

	return nil
}

// renderScene produces one clip on disk. Intermediate artifacts are removed
// as soon as the clip exists; only the returned clip outlives the scene.
func (r *Renderer) renderScene(ctx context.Context, taskDir string, idx int, scene models.SceneInput, job sceneJob) (*models.RenderResult, error) {
	sceneID := scene.TraceID(idx)
	log.Printf("[Renderer] Scene %s: type=%s duration=%ds", sceneID, scene.Type, scene.DurationSec)

	var intermediates []string
	defer func() { cleanup.RemovePaths(intermediates...) }()

	durationMs := scene.DurationSec * 1000
	if job.durationMsShared > 0 {
		durationMs = job.durationMsShared
	}

	// --- narration ---
	narrationPath := job.narrationPath
	if narrationPath == "" {
		var err error
		narrationPath, err = r.resolveSceneNarration(ctx, taskDir, idx, scene)
		if err != nil {
			return nil, err
		}
		if scene.NarrationText != "" && r.store.Disabled() {
			// Synthesized in pass-through mode: the file is scene-local
			intermediates = append(intermediates, narrationPath)
		}
		if narrationPath != "" && job.durationMsShared == 0 {
			// Audio-driven scenes stretch to fit their narration
			narrMs, err := r.ffmpeg.GetAudioDuration(ctx, narrationPath)
			if err != nil {
				return nil, fmt.Errorf("failed to probe narration: %w", err)
			}
			if narrMs > durationMs {
				durationMs = narrMs
			}
		}
	}

	// --- subtitles ---
	subtitlePath := ""
	if scene.Subtitle && narrationPath != "" && r.whisper != nil {
		path, err := r.generateSubtitles(ctx, taskDir, idx, narrationPath)
		if err != nil {
			// Subtitles are decoration; a transcription hiccup must not kill
			// the scene
			log.Printf("[Renderer] Scene %s: subtitle generation failed, continuing without: %v", sceneID, err)
		} else {
			subtitlePath = path
			intermediates = append(intermediates, path)
		}
	}

	// --- visual + composition ---
	clipPath := filepath.Join(taskDir, fmt.Sprintf("clip_%d.mp4", idx))

	switch scene.Type {
	case models.SceneTypeImage:
		imagePath, temp, err := r.resolveSceneImage(ctx, taskDir, idx, scene)
		if err != nil {
			return nil, err
		}
		intermediates = append(intermediates, temp...)
		if err := r.ffmpeg.RenderImageClip(ctx, imagePath, narrationPath, clipPath, durationMs, subtitlePath, scene.Animation); err != nil {
			return nil, err
		}

	case models.SceneTypeVideo:
		videoPath, temp, err := r.resolveSceneVideo(ctx, taskDir, idx, scene)
		if err != nil {
			return nil, err
		}
		intermediates = append(intermediates, temp...)
		if err := r.ffmpeg.RenderVideoClip(ctx, videoPath, narrationPath, clipPath, durationMs, subtitlePath); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unknown scene type %q", scene.Type)
	}

	// --- overlays ---
	if scene.Text != nil {
		withText := filepath.Join(taskDir, fmt.Sprintf("clip_%d_text.mp4", idx))
		if err := r.ffmpeg.DrawTextOverlay(ctx, clipPath, withText, scene.Text.Content, scene.Text.Position, scene.Text.Color, scene.Text.FontSize); err != nil {
			return nil, err
		}
		intermediates = append(intermediates, clipPath)
		clipPath = withText
	}

	logo := scene.Logo
	if logo == nil {
		logo = job.logo
	}
	if logo != nil {
		logoPath := filepath.Join(taskDir, fmt.Sprintf("logo_%d%s", idx, filepath.Ext(logo.URL)))
		if err := services.DownloadFile(ctx, logo.URL, logoPath); err != nil {
			return nil, fmt.Errorf("failed to download logo: %w", err)
		}
		intermediates = append(intermediates, logoPath)

		withLogo := filepath.Join(taskDir, fmt.Sprintf("clip_%d_logo.mp4", idx))
		if err := r.ffmpeg.OverlayLogo(ctx, clipPath, logoPath, withLogo, logo.Position, logo.Opacity, logo.MarginPx); err != nil {
			return nil, err
		}
		intermediates = append(intermediates, clipPath)
		clipPath = withLogo
	}

	// --- background music ---
	if scene.Music != "" {
		musicPath := filepath.Join(taskDir, fmt.Sprintf("music_%d%s", idx, filepath.Ext(scene.Music)))
		if err := services.DownloadFile(ctx, scene.Music, musicPath); err != nil {
			return nil, fmt.Errorf("failed to download music: %w", err)
		}
		intermediates = append(intermediates, musicPath)

		withMusic := filepath.Join(taskDir, fmt.Sprintf("clip_%d_music.mp4", idx))
		if err := r.ffmpeg.MixBackgroundMusic(ctx, clipPath, musicPath, withMusic, scene.MusicVolume); err != nil {
			return nil, err
		}
		intermediates = append(intermediates, clipPath)
		clipPath = withMusic
	}

	log.Printf("[Renderer] Scene %s: clip ready at %s", sceneID, clipPath)

	return &models.RenderResult{
		SceneIndex: idx,
		SceneID:    sceneID,
		ClipPath:   clipPath,
		DurationMs: durationMs,
	}, nil
}

// resolveSceneNarration returns the narration audio path for a scene, or ""
// when the scene is silent. Synthesized narration goes through the cache, so
// scenes sharing the same text and voice reuse one generation.
func (r *Renderer) resolveSceneNarration(ctx context.Context, taskDir string, idx int, scene models.SceneInput) (string, error) {
	switch {
	case scene.NarrationText != "":
		path, err := r.generateNarration(ctx, scene.NarrationText, scene.AudioPromptURL)
		if err != nil {
			return "", fmt.Errorf("narration failed: %w", err)
		}
		return path, nil

	case scene.Narration != "":
		path := filepath.Join(taskDir, fmt.Sprintf("narration_%d%s", idx, filepath.Ext(scene.Narration)))
		if err := services.DownloadFile(ctx, scene.Narration, path); err != nil {
			return "", fmt.Errorf("failed to download narration: %w", err)
		}
		return path, nil

	default:
		return "", nil
	}
}

// narrationInputs is the cache fingerprint for synthesized speech. Everything
// that changes the audio must be listed here.
type narrationInputs struct {
	Text           string `json:"text"`
	AudioPromptURL string `json:"audio_prompt_url"`
	Provider       string `json:"provider"`
}

func (r *Renderer) generateNarration(ctx context.Context, text, audioPromptURL string) (string, error) {
	key := cache.Key(narrationInputs{Text: text, AudioPromptURL: audioPromptURL, Provider: "chatterbox"})

	path, cached, err := r.store.GetOrFill(ctx, key, ".wav", func(ctx context.Context, dest string) error {
		resp, err := r.tts.GenerateSpeech(ctx, text, audioPromptURL)
		if err != nil {
			return err
		}
		return os.WriteFile(dest, resp.AudioData, 0644)
	})
	if err != nil {
		return "", err
	}
	if cached {
		log.Printf("[Renderer] Narration served from cache")
	}
	return path, nil
}

// imageInputs is the cache fingerprint for generated images.
type imageInputs struct {
	Prompt   string `json:"prompt"`
	Provider string `json:"provider"`
}

// editInputs is the cache fingerprint for provider-edited images.
type editInputs struct {
	SourceURL   string `json:"source_url"`
	Instruction string `json:"instruction"`
}

// resolveSceneImage returns the path of the still image for an image scene,
// plus any temp files the caller should reclaim after compositing.
func (r *Renderer) resolveSceneImage(ctx context.Context, taskDir string, idx int, scene models.SceneInput) (string, []string, error) {
	// Generated image
	if scene.PromptImage != "" {
		providerName := scene.ImageProvider
		if providerName == "" {
			providerName = models.ImageProvider(r.cfg.DefaultImageProvider)
		}
		provider, ok := r.imagePvs[providerName]
		if !ok {
			return "", nil, fmt.Errorf("image provider %q not configured", providerName)
		}

		key := cache.Key(imageInputs{Prompt: scene.PromptImage, Provider: string(providerName)})
		path, _, err := r.store.GetOrFill(ctx, key, ".png", func(ctx context.Context, dest string) error {
			data, err := provider.GenerateImage(ctx, scene.PromptImage)
			if err != nil {
				return err
			}
			return os.WriteFile(dest, data, 0644)
		})
		if err != nil {
			return "", nil, fmt.Errorf("image generation failed: %w", err)
		}
		return path, r.passThroughTemp(path), nil
	}

	// Provided image, optionally run through an AI edit
	if scene.PromptEditImage != "" {
		if r.gemini == nil {
			return "", nil, fmt.Errorf("prompt_edit_image requires the gemini provider")
		}

		key := cache.Key(editInputs{SourceURL: scene.ImageURL, Instruction: scene.PromptEditImage})
		path, _, err := r.store.GetOrFill(ctx, key, ".png", func(ctx context.Context, dest string) error {
			data, mimeType, err := services.DownloadBytes(ctx, scene.ImageURL)
			if err != nil {
				return err
			}
			edited, err := r.gemini.EditImage(ctx, data, mimeType, scene.PromptEditImage)
			if err != nil {
				return err
			}
			return os.WriteFile(dest, edited, 0644)
		})
		if err != nil {
			return "", nil, fmt.Errorf("image edit failed: %w", err)
		}
		return path, r.passThroughTemp(path), nil
	}

	path := filepath.Join(taskDir, fmt.Sprintf("image_%d%s", idx, filepath.Ext(scene.ImageURL)))
	if err := services.DownloadFile(ctx, scene.ImageURL, path); err != nil {
		return "", nil, fmt.Errorf("failed to download image: %w", err)
	}
	return path, []string{path}, nil
}

// videoInputs is the cache fingerprint for generated videos.
type videoInputs struct {
	Prompt      string `json:"prompt"`
	Provider    string `json:"provider"`
	ImageURL    string `json:"image_url"`
	Model       string `json:"model"`
	Resolution  string `json:"resolution"`
	AspectRatio string `json:"aspect_ratio"`
	Duration    string `json:"duration"`
}

// resolveSceneVideo returns the path of the source video for a video scene,
// plus any temp files the caller should reclaim after compositing.
func (r *Renderer) resolveSceneVideo(ctx context.Context, taskDir string, idx int, scene models.SceneInput) (string, []string, error) {
	if scene.PromptVideo != "" {
		provider := scene.VideoProvider
		if provider == "" {
			provider = models.VideoProviderLuma
		}

		settings := services.VideoSettings{
			Model:       scene.VideoModel,
			Resolution:  scene.VideoResolution,
			AspectRatio: scene.VideoAspectRatio,
			Duration:    scene.VideoDuration,
		}

		var generate func(ctx context.Context) ([]byte, error)
		switch provider {
		case models.VideoProviderKling:
			if r.kling == nil {
				return "", nil, fmt.Errorf("prompt_video requires the kling provider, which is not configured")
			}
			generate = func(ctx context.Context) ([]byte, error) {
				return r.kling.GenerateVideo(ctx, scene.PromptVideo, scene.ImageURL, settings)
			}
		default:
			if r.luma == nil {
				return "", nil, fmt.Errorf("prompt_video requires the luma provider, which is not configured")
			}
			generate = func(ctx context.Context) ([]byte, error) {
				return r.luma.GenerateVideo(ctx, scene.PromptVideo, settings)
			}
		}

		key := cache.Key(videoInputs{
			Prompt:      scene.PromptVideo,
			Provider:    string(provider),
			ImageURL:    scene.ImageURL,
			Model:       settings.Model,
			Resolution:  settings.Resolution,
			AspectRatio: settings.AspectRatio,
			Duration:    settings.Duration,
		})
		path, _, err := r.store.GetOrFill(ctx, key, ".mp4", func(ctx context.Context, dest string) error {
			data, err := generate(ctx)
			if err != nil {
				return err
			}
			return os.WriteFile(dest, data, 0644)
		})
		if err != nil {
			return "", nil, fmt.Errorf("video generation failed: %w", err)
		}
		return path, r.passThroughTemp(path), nil
	}

	path := filepath.Join(taskDir, fmt.Sprintf("video_%d%s", idx, filepath.Ext(scene.VideoURL)))
	if err := services.DownloadFile(ctx, scene.VideoURL, path); err != nil {
		return "", nil, fmt.Errorf("failed to download video: %w", err)
	}
	return path, []string{path}, nil
}

func (r *Renderer) generateSubtitles(ctx context.Context, taskDir string, idx int, narrationPath string) (string, error) {
	audioData, err := os.ReadFile(narrationPath)
	if err != nil {
		return "", fmt.Errorf("failed to read narration for transcription: %w", err)
	}

	words, err := r.whisper.TranscribeAudio(ctx, audioData, "")
	if err != nil {
		return "", err
	}

	path := filepath.Join(taskDir, fmt.Sprintf("subtitles_%d.ass", idx))
	if err := services.GenerateASSSubtitles(words, path, 0); err != nil {
		return "", err
	}
	return path, nil
}

// passThroughTemp marks a generated artifact as scene-local when the cache is
// in pass-through mode: nothing else will ever resolve to that file, so the
// scene reclaims it with its other intermediates.
func (r *Renderer) passThroughTemp(path string) []string {
	if r.store.Disabled() {
		return []string{path}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
