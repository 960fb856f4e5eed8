package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() *RenderRequest {
	return &RenderRequest{
		OutputFilename: "reel.mp4",
		Scenes: []SceneInput{
			{Type: SceneTypeImage, ImageURL: "https://cdn.example.com/a.png", DurationSec: 5},
			{Type: SceneTypeVideo, PromptVideo: "waves at sunset", DurationSec: 5},
		},
	}
}

func TestValidateAcceptsWellFormedRequest(t *testing.T) {
	require.NoError(t, validRequest().Validate())
}

func TestValidateRequiresOutputFilename(t *testing.T) {
	req := validRequest()
	req.OutputFilename = ""
	require.Error(t, req.Validate())
}

func TestValidateRequiresScenes(t *testing.T) {
	req := validRequest()
	req.Scenes = nil
	require.Error(t, req.Validate())
}

func TestValidateRequiresImageSource(t *testing.T) {
	req := validRequest()
	req.Scenes[0].ImageURL = ""

	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image_url or prompt_image")
	assert.Contains(t, err.Error(), "scene_0")
}

func TestValidateRequiresVideoSource(t *testing.T) {
	req := validRequest()
	req.Scenes[1].PromptVideo = ""
	req.Scenes[1].ID = "outro"

	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "video_url or prompt_video")
	assert.Contains(t, err.Error(), "outro")
}

func TestValidateRejectsOutOfRangeDuration(t *testing.T) {
	req := validRequest()
	req.Scenes[0].DurationSec = 0
	require.Error(t, req.Validate())

	req = validRequest()
	req.Scenes[0].DurationSec = 91
	require.Error(t, req.Validate())
}

func TestValidateKlingRequiresSourceImage(t *testing.T) {
	req := validRequest()
	req.Scenes[1].VideoProvider = VideoProviderKling

	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "image_url required for the kling provider")

	req.Scenes[1].ImageURL = "https://cdn.example.com/still.png"
	require.NoError(t, req.Validate())
}

func TestValidateRejectsUnknownAnimation(t *testing.T) {
	req := validRequest()
	req.Scenes[0].Animation = "spin"
	require.Error(t, req.Validate())

	for _, mode := range []string{AnimationZoomIn, AnimationZoomOut, AnimationPulse, AnimationDriftUp, AnimationDriftDown} {
		req.Scenes[0].Animation = mode
		require.NoError(t, req.Validate(), mode)
	}
}

func TestTransitionResolve(t *testing.T) {
	var unset *TransitionConfig
	transitionType, duration := unset.Resolve()
	assert.Equal(t, TransitionNone, transitionType)
	assert.Equal(t, 0.0, duration)

	transitionType, duration = (&TransitionConfig{}).Resolve()
	assert.Equal(t, TransitionCrossfade, transitionType)
	assert.Equal(t, 1.0, duration)

	transitionType, duration = (&TransitionConfig{Type: TransitionFade, DurationSec: 0.75}).Resolve()
	assert.Equal(t, TransitionFade, transitionType)
	assert.Equal(t, 0.75, duration)

	transitionType, duration = (&TransitionConfig{Type: TransitionNone}).Resolve()
	assert.Equal(t, TransitionNone, transitionType)
	assert.Equal(t, 0.0, duration)

	// Preset overrides explicit fields
	transitionType, duration = (&TransitionConfig{Type: TransitionFade, DurationSec: 3, Preset: "quick"}).Resolve()
	assert.Equal(t, TransitionCrossfade, transitionType)
	assert.Equal(t, 0.5, duration)

	transitionType, duration = (&TransitionConfig{Preset: "dramatic"}).Resolve()
	assert.Equal(t, TransitionCrossfade, transitionType)
	assert.Equal(t, 2.0, duration)
}

func TestValidateRejectsUnknownTransition(t *testing.T) {
	req := validRequest()
	req.Transition = &TransitionConfig{Type: "wipe"}
	require.Error(t, req.Validate())

	req.Transition = &TransitionConfig{Preset: "smooth"}
	require.NoError(t, req.Validate())
}

func TestTraceID(t *testing.T) {
	s := &SceneInput{}
	assert.Equal(t, "scene_3", s.TraceID(3))

	s.ID = "intro"
	assert.Equal(t, "intro", s.TraceID(0))
}

func TestTaskStatusIsTerminal(t *testing.T) {
	assert.False(t, TaskStatusQueued.IsTerminal())
	assert.False(t, TaskStatusInProgress.IsTerminal())
	assert.True(t, TaskStatusFinished.IsTerminal())
	assert.True(t, TaskStatusFailed.IsTerminal())
}
