package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Enums

type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusFinished   TaskStatus = "finished"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal reports whether no further status transition is allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusFinished || s == TaskStatusFailed
}

type SceneType string

const (
	SceneTypeImage SceneType = "image"
	SceneTypeVideo SceneType = "video"
)

type ImageProvider string

const (
	ImageProviderOpenAI  ImageProvider = "openai"
	ImageProviderFreepik ImageProvider = "freepik"
	ImageProviderGemini  ImageProvider = "gemini"
)

type VideoProvider string

const (
	VideoProviderLuma  VideoProvider = "luma"
	VideoProviderKling VideoProvider = "kling"
)

// Animation modes applied to still images when rendering an image scene.
const (
	AnimationZoomIn    = "zoom_in"
	AnimationZoomOut   = "zoom_out"
	AnimationPulse     = "pulse"
	AnimationDriftUp   = "drift_up"
	AnimationDriftDown = "drift_down"
)

// Transition types applied between consecutive scene clips.
const (
	TransitionCrossfade = "crossfade"
	TransitionFade      = "fade"
	TransitionNone      = "none"
)

const defaultTransitionDurationSec = 1.0

// transitionPresets maps named presets to a concrete type and duration.
var transitionPresets = map[string]struct {
	transitionType string
	durationSec    float64
}{
	"smooth":   {TransitionCrossfade, 1.5},
	"quick":    {TransitionCrossfade, 0.5},
	"dramatic": {TransitionCrossfade, 2.0},
	"none":     {TransitionNone, 0},
}

// TransitionConfig selects how consecutive clips are joined. Either a preset
// or an explicit type plus duration; the preset wins when both are set.
type TransitionConfig struct {
	Type        string  `json:"type,omitempty" validate:"omitempty,oneof=crossfade fade none"`
	DurationSec float64 `json:"duration,omitempty" validate:"omitempty,gte=0,lte=5"`
	Preset      string  `json:"preset,omitempty" validate:"omitempty,oneof=smooth quick dramatic none"`
}

// Resolve returns the effective transition type and duration, applying the
// preset and falling back to a 1s crossfade for unset fields.
func (t *TransitionConfig) Resolve() (string, float64) {
	if t == nil {
		return TransitionNone, 0
	}
	if t.Preset != "" {
		p := transitionPresets[t.Preset]
		return p.transitionType, p.durationSec
	}
	transitionType := t.Type
	if transitionType == "" {
		transitionType = TransitionCrossfade
	}
	duration := t.DurationSec
	if duration == 0 && transitionType != TransitionNone {
		duration = defaultTransitionDurationSec
	}
	return transitionType, duration
}

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Models

// Task is one render job as persisted in the external task store.
// The worker only ever creates it, flips its status forward, and attaches
// a result URL or an error message.
type Task struct {
	ID         string         `json:"id"`
	Status     TaskStatus     `json:"status"`
	Payload    *RenderRequest `json:"payload,omitempty"`
	ResultURL  *string        `json:"result_url,omitempty"`
	Error      *string        `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// TextOverlay is a static text layer rendered on top of a scene.
type TextOverlay struct {
	Content  string `json:"content" validate:"required"`
	Position string `json:"position,omitempty"` // "top", "center", "bottom"
	FontSize int    `json:"fontsize,omitempty"`
	Color    string `json:"color,omitempty"`
}

// LogoConfig places a logo image over a scene or the final video.
type LogoConfig struct {
	URL             string  `json:"url" validate:"required,url"`
	Position        string  `json:"position,omitempty" validate:"omitempty,oneof=top-left top-right bottom-left bottom-right center"`
	Opacity         float64 `json:"opacity,omitempty" validate:"omitempty,gte=0,lte=1"`
	ShowInAllScenes bool    `json:"show_in_all_scenes,omitempty"`
	CTAScreen       bool    `json:"cta_screen,omitempty"` // Also show on the final concatenated video
	MarginPx        int     `json:"margin,omitempty"`
}

// SceneInput is one entry in the request payload. Immutable once scheduled.
type SceneInput struct {
	// Optional explicit identifier; when empty a positional one is derived
	// for tracing (see TraceID).
	ID string `json:"id,omitempty"`

	Type SceneType `json:"type" validate:"required,oneof=image video"`

	// Image sources: exactly one of image_url / prompt_image for image scenes
	ImageURL        string        `json:"image_url,omitempty" validate:"omitempty,url"`
	PromptImage     string        `json:"prompt_image,omitempty"`
	PromptEditImage string        `json:"prompt_edit_image,omitempty"` // AI edit applied on top of image_url
	ImageProvider   ImageProvider `json:"image_provider,omitempty" validate:"omitempty,oneof=openai freepik gemini"`

	// Video sources: exactly one of video_url / prompt_video for video scenes
	VideoURL         string        `json:"video_url,omitempty" validate:"omitempty,url"`
	PromptVideo      string        `json:"prompt_video,omitempty"`
	VideoProvider    VideoProvider `json:"video_provider,omitempty" validate:"omitempty,oneof=luma kling"`
	VideoResolution  string        `json:"video_resolution,omitempty" validate:"omitempty,oneof=540p 720p 1080p 1440p"`
	VideoAspectRatio string        `json:"video_aspect_ratio,omitempty" validate:"omitempty,oneof=9:16 16:9 1:1 4:3 3:4"`
	VideoDuration    string        `json:"video_duration,omitempty"` // "5s", "10s", ...
	VideoModel       string        `json:"video_model,omitempty"`

	// Audio
	Narration      string  `json:"narration,omitempty" validate:"omitempty,url"` // pre-rendered narration audio URL
	NarrationText  string  `json:"narration_text,omitempty"`                     // text to synthesize
	AudioPromptURL string  `json:"audio_prompt_url,omitempty" validate:"omitempty,url"`
	Music          string  `json:"music,omitempty" validate:"omitempty,url"`
	MusicVolume    float64 `json:"music_volume,omitempty" validate:"omitempty,gte=0,lte=1"`

	DurationSec int `json:"duration" validate:"required,gte=1,lte=90"`

	Text      *TextOverlay `json:"text,omitempty"`
	Subtitle  bool         `json:"subtitle,omitempty"`
	Logo      *LogoConfig  `json:"logo,omitempty"`
	Animation string       `json:"animation,omitempty" validate:"omitempty,oneof=zoom_in zoom_out pulse drift_up drift_down"`
}

// TraceID returns the identifier used in logs and errors for this scene:
// the explicit ID when set, otherwise a positional one.
func (s *SceneInput) TraceID(idx int) string {
	if s.ID != "" {
		return s.ID
	}
	return fmt.Sprintf("scene_%d", idx)
}

// RenderRequest is the full declarative description of one video.
type RenderRequest struct {
	OutputFilename string       `json:"output_filename" validate:"required"`
	Scenes         []SceneInput `json:"scenes" validate:"required,min=1,dive"`

	// Global narration: generated once, duration split evenly across scenes.
	NarrationText  string `json:"narration_text,omitempty"`
	AudioPromptURL string `json:"audio_prompt_url,omitempty" validate:"omitempty,url"`

	Logo       *LogoConfig       `json:"logo,omitempty"`
	Transition *TransitionConfig `json:"transition,omitempty"`
	Theme      string            `json:"theme,omitempty"`
}

func (r *RenderRequest) Value() (driver.Value, error) {
	return json.Marshal(r)
}

func (r *RenderRequest) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("unexpected payload column type %T", value)
	}
	return json.Unmarshal(bytes, r)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the request against field constraints plus the per-scene
// source rules that tags alone cannot express.
func (r *RenderRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}

	for i := range r.Scenes {
		scene := &r.Scenes[i]
		switch scene.Type {
		case SceneTypeImage:
			if scene.ImageURL == "" && scene.PromptImage == "" {
				return fmt.Errorf("scene %s: image_url or prompt_image required for image scene", scene.TraceID(i))
			}
		case SceneTypeVideo:
			if scene.VideoURL == "" && scene.PromptVideo == "" {
				return fmt.Errorf("scene %s: video_url or prompt_video required for video scene", scene.TraceID(i))
			}
			if scene.VideoProvider == VideoProviderKling && scene.ImageURL == "" {
				return fmt.Errorf("scene %s: image_url required for the kling provider (image-to-video)", scene.TraceID(i))
			}
		}
	}

	return nil
}

// RenderResult is the per-scene output of the scheduler: a rendered clip on
// disk tagged with its original index so concatenation preserves input order.
type RenderResult struct {
	SceneIndex int
	SceneID    string
	ClipPath   string
	DurationMs int
}

// FinalResult describes the assembled video after upload.
type FinalResult struct {
	R2URL       string  `json:"r2_url"`
	LocalPath   string  `json:"local_path"`
	DurationSec float64 `json:"duration"`
}

// DTOs for the HTTP surface

type ProcessTaskRequest struct {
	TaskID      string         `json:"task_id" validate:"required"`
	RequestDict *RenderRequest `json:"request_dict" validate:"required"`
}

type ProcessTaskResponse struct {
	Status TaskStatus   `json:"status"`
	Result *FinalResult `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

type CreateTaskRequest struct {
	RequestDict *RenderRequest `json:"request_dict" validate:"required"`
}

type CreateTaskResponse struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
}
