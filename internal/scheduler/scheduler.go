package scheduler

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/protoreel/worker/internal/models"
)

// RenderFunc renders one scene to a clip on disk. idx is the scene's
// position in the request; the returned result must carry it so assembly
// can order clips by input position.
type RenderFunc func(ctx context.Context, idx int, scene models.SceneInput) (*models.RenderResult, error)

// MemoryGate is the view of the resource monitor the scheduler polls
// between scene starts. A latched emergency aborts the task before the next
// scene begins rather than mid-ffmpeg.
type MemoryGate interface {
	Exceeded() (bool, string)
}

// Scheduler fans scenes out over a bounded worker pool. Completion order is
// arbitrary; result order always matches input order. The first scene error
// cancels the remaining work and fails the task with that error, tagged with
// the failing scene's identifier.
type Scheduler struct {
	workers int
	gate    MemoryGate
}

func New(workers int, gate MemoryGate) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{workers: workers, gate: gate}
}

// Render runs render for every scene and returns the results in input order.
func (s *Scheduler) Render(ctx context.Context, scenes []models.SceneInput, render RenderFunc) ([]models.RenderResult, error) {
	if len(scenes) == 0 {
		return nil, fmt.Errorf("no scenes to render")
	}

	// A single scene runs inline: same semantics, no pool overhead
	if len(scenes) == 1 {
		if err := s.checkGate(); err != nil {
			return nil, err
		}
		result, err := render(ctx, 0, scenes[0])
		if err != nil {
			return nil, fmt.Errorf("scene %s: %w", scenes[0].TraceID(0), err)
		}
		if err := s.checkGate(); err != nil {
			return nil, err
		}
		return []models.RenderResult{*result}, nil
	}

	log.Printf("[Scheduler] Rendering %d scenes with %d workers", len(scenes), s.workers)

	results := make([]models.RenderResult, len(scenes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for i := range scenes {
		g.Go(func() error {
			// Gate and cancellation are checked at scene start, the only
			// point where aborting is cheap
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := s.checkGate(); err != nil {
				return err
			}

			scene := scenes[i]
			result, err := render(gctx, i, scene)
			if err != nil {
				return fmt.Errorf("scene %s: %w", scene.TraceID(i), err)
			}
			results[i] = *result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// An emergency latched after the last scene started has no further scene
	// start to catch it; re-check before handing clips to assembly
	if err := s.checkGate(); err != nil {
		return nil, err
	}

	return results, nil
}

func (s *Scheduler) checkGate() error {
	if s.gate == nil {
		return nil
	}
	if exceeded, reason := s.gate.Exceeded(); exceeded {
		return fmt.Errorf("aborting render: %s", reason)
	}
	return nil
}
