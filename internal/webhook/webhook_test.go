package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protoreel/worker/internal/models"
)

type captured struct {
	path string
	auth string
	body payload
}

func newCapturingServer(t *testing.T) (*httptest.Server, func() []captured) {
	t.Helper()
	var mu sync.Mutex
	var got []captured

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		got = append(got, captured{path: r.URL.Path, auth: r.Header.Get("Authorization"), body: p})
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))

	return server, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), got...)
	}
}

func TestLifecycleEvents(t *testing.T) {
	server, events := newCapturingServer(t)
	defer server.Close()

	c := New(server.URL, "worker-key")
	ctx := context.Background()

	c.TaskStarted(ctx, "t1")
	c.TaskFinished(ctx, "t1", &models.FinalResult{R2URL: "https://cdn.example.com/v.mp4", DurationSec: 15})
	c.TaskFailed(ctx, "t1", "scene scene_0: boom")

	got := events()
	require.Len(t, got, 3)

	assert.Equal(t, "/webhooks/task-started", got[0].path)
	assert.Equal(t, "Bearer worker-key", got[0].auth)
	assert.Equal(t, "t1", got[0].body.TaskID)

	assert.Equal(t, "/webhooks/task-finished", got[1].path)
	assert.Equal(t, "https://cdn.example.com/v.mp4", got[1].body.VideoURL)
	assert.Equal(t, 15.0, got[1].body.Duration)

	assert.Equal(t, "/webhooks/task-failed", got[2].path)
	assert.Equal(t, "scene scene_0: boom", got[2].body.Error)
}

func TestDeliveryFailureIsSwallowed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden) // non-retryable, fails fast
	}))
	defer server.Close()

	c := New(server.URL, "")
	// Must not panic or block; failures only log
	c.TaskStarted(context.Background(), "t1")
}

func TestEmptyBaseURLIsNoop(t *testing.T) {
	c := New("", "key")
	c.TaskStarted(context.Background(), "t1")
	c.TaskFailed(context.Background(), "t1", "err")
}
