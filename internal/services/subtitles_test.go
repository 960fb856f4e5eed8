package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkWordsBreaksAtSentenceEnd(t *testing.T) {
	words := []WordTimestamp{
		{Word: "The", Start: 0.0, End: 0.2},
		{Word: "end.", Start: 0.2, End: 0.5},
		{Word: "New", Start: 0.6, End: 0.8},
		{Word: "sentence", Start: 0.8, End: 1.2},
		{Word: "starts", Start: 1.2, End: 1.5},
		{Word: "here", Start: 1.5, End: 1.8},
		{Word: "now", Start: 1.8, End: 2.0},
	}

	chunks := chunkWords(words, 4)

	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 2, "sentence end forces an early break")
	assert.Len(t, chunks[1], 4, "next chunk fills to the target size")
}

func TestFormatASSTime(t *testing.T) {
	assert.Equal(t, "0:00:00.00", formatASSTime(0))
	assert.Equal(t, "0:00:01.50", formatASSTime(1.5))
	assert.Equal(t, "0:01:05.25", formatASSTime(65.25))
	assert.Equal(t, "1:00:00.00", formatASSTime(3600))
	assert.Equal(t, "0:00:00.00", formatASSTime(-5), "negative clamps to zero")
}

func TestBuildHighlightedChunkText(t *testing.T) {
	chunk := []WordTimestamp{
		{Word: "the"},
		{Word: "history"},
		{Word: "of"},
	}

	text := buildHighlightedChunkText(chunk, 1)
	assert.Contains(t, text, "THE")
	assert.Contains(t, text, "HISTORY")
	assert.Contains(t, text, "OF")
	assert.Contains(t, text, "\\bord8}HISTORY{\\r}", "active word carries the highlight override")
	assert.NotContains(t, text, "\\bord8}THE", "inactive words stay default")
}

func TestGenerateASSSubtitles(t *testing.T) {
	words := []WordTimestamp{
		{Word: "hello", Start: 0.0, End: 0.4},
		{Word: "world", Start: 0.4, End: 0.9},
	}

	path := filepath.Join(t.TempDir(), "scene.ass")
	require.NoError(t, GenerateASSSubtitles(words, path, 0.5))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "PlayResX: 1080")
	assert.Contains(t, content, "PlayResY: 1920")
	assert.Contains(t, content, "HELLO")
	assert.Contains(t, content, "0:00:00.50", "offset shifts timestamps")
}

func TestGenerateASSSubtitlesEmptyWords(t *testing.T) {
	err := GenerateASSSubtitles(nil, filepath.Join(t.TempDir(), "x.ass"), 0)
	assert.Error(t, err)
}
