package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVideoKey(t *testing.T) {
	assert.Equal(t, "videos/task-123/final.mp4", VideoKey("task-123", "final.mp4"))
}

func TestPublicURL(t *testing.T) {
	s := &Storage{publicBaseURL: "https://cdn.example.com"}
	assert.Equal(t, "https://cdn.example.com/videos/t1/out.mp4", s.PublicURL(VideoKey("t1", "out.mp4")))
}
