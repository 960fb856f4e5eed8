package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protoreel/worker/internal/models"
)

func testScenes(n int) []models.SceneInput {
	scenes := make([]models.SceneInput, n)
	for i := range scenes {
		scenes[i] = models.SceneInput{
			Type:        models.SceneTypeImage,
			PromptImage: fmt.Sprintf("prompt %d", i),
			DurationSec: 5,
		}
	}
	return scenes
}

func TestRenderPreservesInputOrder(t *testing.T) {
	s := New(4, nil)

	// Completion order is deliberately scrambled: scene 0 finishes last,
	// scene 2 first
	delays := []time.Duration{60 * time.Millisecond, 30 * time.Millisecond, 5 * time.Millisecond}

	results, err := s.Render(context.Background(), testScenes(3), func(ctx context.Context, idx int, scene models.SceneInput) (*models.RenderResult, error) {
		time.Sleep(delays[idx])
		return &models.RenderResult{
			SceneIndex: idx,
			SceneID:    scene.TraceID(idx),
			ClipPath:   fmt.Sprintf("/tmp/clip_%d.mp4", idx),
		}, nil
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, result := range results {
		assert.Equal(t, i, result.SceneIndex)
		assert.Equal(t, fmt.Sprintf("/tmp/clip_%d.mp4", i), result.ClipPath)
	}
}

func TestRenderBoundsConcurrency(t *testing.T) {
	const workers = 2
	s := New(workers, nil)

	var inFlight, peak int32
	_, err := s.Render(context.Background(), testScenes(8), func(ctx context.Context, idx int, scene models.SceneInput) (*models.RenderResult, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return &models.RenderResult{SceneIndex: idx}, nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(workers))
}

func TestRenderSingleSceneRunsInline(t *testing.T) {
	s := New(4, nil)

	results, err := s.Render(context.Background(), testScenes(1), func(ctx context.Context, idx int, scene models.SceneInput) (*models.RenderResult, error) {
		return &models.RenderResult{SceneIndex: idx, ClipPath: "/tmp/only.mp4"}, nil
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "/tmp/only.mp4", results[0].ClipPath)
}

func TestRenderFirstErrorCancelsRemaining(t *testing.T) {
	s := New(4, nil)

	var cancelled int32
	_, err := s.Render(context.Background(), testScenes(4), func(ctx context.Context, idx int, scene models.SceneInput) (*models.RenderResult, error) {
		if idx == 1 {
			return nil, errors.New("provider rejected prompt")
		}
		select {
		case <-ctx.Done():
			atomic.AddInt32(&cancelled, 1)
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
			return &models.RenderResult{SceneIndex: idx}, nil
		}
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scene scene_1", "error names the failing scene")
	assert.Contains(t, err.Error(), "provider rejected prompt")
	assert.Greater(t, atomic.LoadInt32(&cancelled), int32(0), "siblings observe cancellation")
}

func TestRenderErrorUsesExplicitSceneID(t *testing.T) {
	s := New(2, nil)
	scenes := testScenes(1)
	scenes[0].ID = "intro"

	_, err := s.Render(context.Background(), scenes, func(ctx context.Context, idx int, scene models.SceneInput) (*models.RenderResult, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scene intro")
}

type fixedGate struct {
	exceeded bool
	reason   string
}

func (g *fixedGate) Exceeded() (bool, string) { return g.exceeded, g.reason }

func TestRenderAbortsOnMemoryGate(t *testing.T) {
	gate := &fixedGate{exceeded: true, reason: "memory usage 6000MB exceeded emergency threshold 5000MB"}
	s := New(4, gate)

	var rendered int32
	_, err := s.Render(context.Background(), testScenes(3), func(ctx context.Context, idx int, scene models.SceneInput) (*models.RenderResult, error) {
		atomic.AddInt32(&rendered, 1)
		return &models.RenderResult{SceneIndex: idx}, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "emergency threshold")
	assert.Equal(t, int32(0), atomic.LoadInt32(&rendered), "no scene starts once the gate is tripped")
}

// countingGate trips only after every scene has rendered, modeling an
// emergency that latches while the last scenes are still in flight.
type countingGate struct {
	rendered *int32
	trigger  int32
}

func (g *countingGate) Exceeded() (bool, string) {
	if atomic.LoadInt32(g.rendered) >= g.trigger {
		return true, "memory usage 6000MB exceeded emergency threshold 5000MB"
	}
	return false, ""
}

func TestRenderAbortsOnGateLatchedDuringLastScenes(t *testing.T) {
	var rendered int32
	gate := &countingGate{rendered: &rendered, trigger: 3}
	s := New(4, gate)

	_, err := s.Render(context.Background(), testScenes(3), func(ctx context.Context, idx int, scene models.SceneInput) (*models.RenderResult, error) {
		atomic.AddInt32(&rendered, 1)
		return &models.RenderResult{SceneIndex: idx}, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "emergency threshold")
	assert.Equal(t, int32(3), atomic.LoadInt32(&rendered), "all scenes ran before the gate latched")
}

func TestRenderSingleSceneChecksGateAfterRender(t *testing.T) {
	var rendered int32
	gate := &countingGate{rendered: &rendered, trigger: 1}
	s := New(4, gate)

	_, err := s.Render(context.Background(), testScenes(1), func(ctx context.Context, idx int, scene models.SceneInput) (*models.RenderResult, error) {
		atomic.AddInt32(&rendered, 1)
		return &models.RenderResult{SceneIndex: idx}, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "emergency threshold")
}

func TestRenderEmptySceneList(t *testing.T) {
	s := New(4, nil)
	_, err := s.Render(context.Background(), nil, func(ctx context.Context, idx int, scene models.SceneInput) (*models.RenderResult, error) {
		return nil, nil
	})
	assert.Error(t, err)
}
