package services

import (
	"fmt"
	"os"
	"strings"
)

// ---------------------------------------------------------------------------
// Word-Highlight ASS Subtitle Generator
//
// Generates word-by-word highlighted subtitles in ASS (Advanced SubStation
// Alpha) format from Whisper word timestamps. Words are shown in small
// chunks with the currently spoken word outlined in a colored "pill".
// Styled for the portrait reel canvas (1080x1920).
// ---------------------------------------------------------------------------

const (
	// How many words to show at once
	wordsPerChunk = 4

	// Must match a font installed in the worker container
	subtitleFontName = "Noto Sans"
	subtitleFontSize = 62

	// ASS colors are in &HAABBGGRR format (hex, BGR not RGB)
	assColorWhite     = "&H00FFFFFF"
	assColorBlack     = "&H00000000"
	assColorHighlight = "&H0000A5FF" // #FFA500 orange in BGR
	assColorSemiBlack = "&H80000000"

	outlineNormal    = 3
	outlineHighlight = 8

	// Distance from the bottom of the 1920-height canvas
	subtitleMarginV = 220
)

// GenerateASSSubtitles writes a word-highlight subtitle file for one scene.
// offsetSec shifts all timestamps, e.g. when silence was prepended to the
// narration after transcription.
func GenerateASSSubtitles(words []WordTimestamp, outputPath string, offsetSec float64) error {
	if len(words) == 0 {
		return fmt.Errorf("no words to generate subtitles from")
	}

	chunks := chunkWords(words, wordsPerChunk)

	var sb strings.Builder

	sb.WriteString("[Script Info]\n")
	sb.WriteString("ScriptType: v4.00+\n")
	sb.WriteString(fmt.Sprintf("PlayResX: %d\n", outputWidth))
	sb.WriteString(fmt.Sprintf("PlayResY: %d\n", outputHeight))
	sb.WriteString("WrapStyle: 0\n")
	sb.WriteString("ScaledBorderAndShadow: yes\n")
	sb.WriteString("\n")

	sb.WriteString("[V4+ Styles]\n")
	sb.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	sb.WriteString(fmt.Sprintf(
		"Style: Default,%s,%d,%s,%s,%s,%s,-1,0,0,0,100,100,1,0,1,%d,0,2,30,30,%d,1\n",
		subtitleFontName, subtitleFontSize,
		assColorWhite,
		assColorWhite,
		assColorBlack,
		assColorSemiBlack,
		outlineNormal,
		subtitleMarginV,
	))
	sb.WriteString("\n")

	sb.WriteString("[Events]\n")
	sb.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")

	for _, chunk := range chunks {
		for wordIdx, word := range chunk {
			startTime := word.Start + offsetSec
			var endTime float64
			if wordIdx < len(chunk)-1 {
				// End when the next word starts for a seamless handoff
				endTime = chunk[wordIdx+1].Start + offsetSec
			} else {
				endTime = word.End + offsetSec
			}

			sb.WriteString(fmt.Sprintf(
				"Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n",
				formatASSTime(startTime),
				formatASSTime(endTime),
				buildHighlightedChunkText(chunk, wordIdx),
			))
		}
	}

	if err := os.WriteFile(outputPath, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write ASS subtitle file: %w", err)
	}

	return nil
}

// chunkWords groups words into display chunks, breaking early at sentence
// boundaries so chunks read naturally.
func chunkWords(words []WordTimestamp, chunkSize int) [][]WordTimestamp {
	var chunks [][]WordTimestamp
	var current []WordTimestamp

	for _, word := range words {
		current = append(current, word)

		isSentenceEnd := strings.ContainsAny(word.Word, ".!?")
		if len(current) >= chunkSize || (isSentenceEnd && len(current) >= 2) {
			chunks = append(chunks, current)
			current = nil
		}
	}

	if len(current) > 0 {
		chunks = append(chunks, current)
	}

	return chunks
}

// buildHighlightedChunkText builds the ASS-formatted text for a chunk where
// the word at activeIdx carries a thick colored outline.
//
// Output example: "THE {\3c&H0000A5FF&\bord8}HISTORY{\r} OF COFFEE"
func buildHighlightedChunkText(chunk []WordTimestamp, activeIdx int) string {
	var parts []string

	for i, word := range chunk {
		cleanWord := strings.ToUpper(strings.TrimSpace(word.Word))
		if cleanWord == "" {
			continue
		}

		if i == activeIdx {
			parts = append(parts, fmt.Sprintf(
				"{\\3c%s\\bord%d}%s{\\r}",
				assColorHighlight, outlineHighlight, cleanWord,
			))
		} else {
			parts = append(parts, cleanWord)
		}
	}

	return strings.Join(parts, " ")
}

// formatASSTime converts seconds to the ASS timestamp format H:MM:SS.CC.
func formatASSTime(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}

	hours := int(seconds) / 3600
	minutes := (int(seconds) % 3600) / 60
	secs := int(seconds) % 60
	centiseconds := int((seconds - float64(int(seconds))) * 100)

	return fmt.Sprintf("%d:%02d:%02d.%02d", hours, minutes, secs, centiseconds)
}
