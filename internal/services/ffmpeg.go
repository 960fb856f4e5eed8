package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Output / rendering constants. Portrait reel canvas (1080x1920) at 30fps.
const (
	outputWidth  = 1080
	outputHeight = 1920
	videoFPS     = 30

	// Reel duration bounds: platforms reject videos shorter than ~3s, and
	// reels cap out at 90s.
	minReelSec = 3.0
	maxReelSec = 90.0

	// Slow push-in applied to still images so they read as video: 1.0 -> 1.12
	// over the clip.
	imageZoomRange = 0.12

	// Pulse animation: steady zoom level plus a sine wobble around it.
	pulseZoomBase      = 1.06
	pulseZoomAmplitude = 0.05

	// Drift animations: fixed zoom with a vertical pan across 15% of the frame.
	driftZoom  = 1.12
	driftRange = 0.15

	logoWidthPx        = 180
	defaultLogoMargin  = 40
	defaultLogoOpacity = 1.0
)

// ---------------------------------------------------------------------------
// FFmpegService
// Every visual composition step shells out to ffmpeg/ffprobe. Each method is
// one pass; the renderer chains passes through intermediate files in the
// task's scratch directory.
// ---------------------------------------------------------------------------

type FFmpegService struct {
	tempDir string
}

func NewFFmpegService(tempDir string) (*FFmpegService, error) {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &FFmpegService{tempDir: tempDir}, nil
}

func (s *FFmpegService) run(ctx context.Context, label string, args []string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg %s failed: %w", label, err)
	}
	return nil
}

// RenderImageClip turns a still image into a video clip with a subtle motion
// effect, scaled and cropped to the reel canvas. animation selects the motion
// mode (zoom_in, zoom_out, pulse, drift_up, drift_down); empty means zoom_in.
// audioPath carries the scene's narration; when empty a silent stereo track is
// generated so every clip has an audio stream for concatenation. If
// subtitlePath is non-empty, ASS subtitles are burned in.
func (s *FFmpegService) RenderImageClip(ctx context.Context, imagePath, audioPath, outputPath string, durationMs int, subtitlePath, animation string) error {
	durationSec := float64(durationMs) / 1000
	totalFrames := durationMs * videoFPS / 1000
	if totalFrames < videoFPS {
		totalFrames = videoFPS
	}

	// Scale up before zoompan so the pan window has resolution headroom
	zExpr, xExpr, yExpr := zoomPanExpr(animation, totalFrames)
	vf := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,zoompan=z='%s':x='%s':y='%s':d=%d:s=%dx%d:fps=%d",
		outputWidth*2, outputHeight*2,
		outputWidth*2, outputHeight*2,
		zExpr, xExpr, yExpr, totalFrames,
		outputWidth, outputHeight, videoFPS,
	)
	if subtitlePath != "" {
		vf += fmt.Sprintf(",ass='%s'", escapeFFmpegFilterPath(subtitlePath))
		log.Printf("[FFmpeg] Burning in subtitles from %s", subtitlePath)
	}

	log.Printf("[FFmpeg] Rendering image clip (duration=%.1fs)", durationSec)

	args := []string{"-i", imagePath}
	if audioPath != "" {
		args = append(args, "-i", audioPath)
	} else {
		args = append(args, "-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=44100")
	}
	args = append(args,
		"-vf", vf,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-b:a", "192k",
		"-pix_fmt", "yuv420p",
		"-t", fmt.Sprintf("%.3f", durationSec),
		"-y",
		outputPath,
	)

	return s.run(ctx, "render image clip", args)
}

// zoomPanExpr returns the zoompan z/x/y expressions for an animation mode.
// Expressions are in ffmpeg filter syntax with `on` as the frame counter.
func zoomPanExpr(animation string, totalFrames int) (z, x, y string) {
	centerX := "iw/2-(iw/zoom/2)"
	centerY := "ih/2-(ih/zoom/2)"

	switch animation {
	case "zoom_out":
		z = fmt.Sprintf("%.2f-%.2f*on/%d", 1+imageZoomRange, imageZoomRange, totalFrames)
		return z, centerX, centerY
	case "pulse":
		z = fmt.Sprintf("%.2f+%.2f*sin(2*PI*on/%d)", pulseZoomBase, pulseZoomAmplitude, totalFrames)
		return z, centerX, centerY
	case "drift_up":
		z = fmt.Sprintf("%.2f", driftZoom)
		y = fmt.Sprintf("(ih-ih/zoom)*(0.5-%.2f*on/%d)", driftRange, totalFrames)
		return z, centerX, y
	case "drift_down":
		z = fmt.Sprintf("%.2f", driftZoom)
		y = fmt.Sprintf("(ih-ih/zoom)*(0.5+%.2f*on/%d)", driftRange, totalFrames)
		return z, centerX, y
	default: // zoom_in
		z = fmt.Sprintf("1.0+%.2f*on/%d", imageZoomRange, totalFrames)
		return z, centerX, centerY
	}
}

// RenderVideoClip normalizes a source video (downloaded or AI-generated) to
// the reel canvas and the scene duration. The source's own audio track is
// replaced by the narration; with no narration the clip is silent. A source
// shorter than the scene duration gets its last frame frozen via tpad.
func (s *FFmpegService) RenderVideoClip(ctx context.Context, videoPath, audioPath, outputPath string, durationMs int, subtitlePath string) error {
	durationSec := float64(durationMs) / 1000

	filterExpr := fmt.Sprintf(
		"[0:v]scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d,fps=%d,tpad=stop_mode=clone:stop_duration=%.0f",
		outputWidth, outputHeight,
		outputWidth, outputHeight,
		videoFPS,
		maxReelSec,
	)
	if subtitlePath != "" {
		filterExpr += fmt.Sprintf(",ass='%s'", escapeFFmpegFilterPath(subtitlePath))
		log.Printf("[FFmpeg] Burning in subtitles from %s", subtitlePath)
	}
	filterExpr += "[v]"

	log.Printf("[FFmpeg] Rendering video clip (duration=%.1fs)", durationSec)

	args := []string{"-i", videoPath}
	if audioPath != "" {
		args = append(args, "-i", audioPath)
	} else {
		args = append(args, "-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=44100")
	}
	args = append(args,
		"-filter_complex", filterExpr,
		"-map", "[v]",
		"-map", "1:a",
		"-c:v", "libx264",
		"-c:a", "aac",
		"-b:a", "192k",
		"-pix_fmt", "yuv420p",
		"-t", fmt.Sprintf("%.3f", durationSec),
		"-y",
		outputPath,
	)

	return s.run(ctx, "render video clip", args)
}

// OverlayLogo stamps a logo image onto a video. position is one of top-left,
// top-right, bottom-left, bottom-right, center; opacity in [0,1].
func (s *FFmpegService) OverlayLogo(ctx context.Context, videoPath, logoPath, outputPath, position string, opacity float64, marginPx int) error {
	if marginPx <= 0 {
		marginPx = defaultLogoMargin
	}
	if opacity <= 0 || opacity > 1 {
		opacity = defaultLogoOpacity
	}

	var x, y string
	m := fmt.Sprintf("%d", marginPx)
	switch position {
	case "top-left":
		x, y = m, m
	case "bottom-left":
		x, y = m, fmt.Sprintf("H-h-%d", marginPx)
	case "bottom-right":
		x, y = fmt.Sprintf("W-w-%d", marginPx), fmt.Sprintf("H-h-%d", marginPx)
	case "center":
		x, y = "(W-w)/2", "(H-h)/2"
	default: // top-right
		x, y = fmt.Sprintf("W-w-%d", marginPx), m
	}

	filterComplex := fmt.Sprintf(
		"[1:v]scale=%d:-1,format=rgba,colorchannelmixer=aa=%.2f[logo];[0:v][logo]overlay=%s:%s[v]",
		logoWidthPx, opacity, x, y,
	)

	log.Printf("[FFmpeg] Overlaying logo (position=%s, opacity=%.2f)", position, opacity)

	args := []string{
		"-i", videoPath,
		"-i", logoPath,
		"-filter_complex", filterComplex,
		"-map", "[v]",
		"-map", "0:a?",
		"-c:v", "libx264",
		"-c:a", "copy",
		"-pix_fmt", "yuv420p",
		"-y",
		outputPath,
	}

	return s.run(ctx, "overlay logo", args)
}

// DrawTextOverlay burns a static text layer onto a video. position is one of
// top, center, bottom.
func (s *FFmpegService) DrawTextOverlay(ctx context.Context, videoPath, outputPath, content, position, color string, fontSize int) error {
	if fontSize <= 0 {
		fontSize = 64
	}
	if color == "" {
		color = "white"
	}

	var y string
	switch position {
	case "top":
		y = "h*0.12"
	case "center":
		y = "(h-text_h)/2"
	default: // bottom
		y = "h*0.82"
	}

	drawtext := fmt.Sprintf(
		"drawtext=text='%s':fontcolor=%s:fontsize=%d:x=(w-text_w)/2:y=%s:borderw=4:bordercolor=black",
		escapeDrawtext(content), color, fontSize, y,
	)

	args := []string{
		"-i", videoPath,
		"-vf", drawtext,
		"-c:v", "libx264",
		"-c:a", "copy",
		"-pix_fmt", "yuv420p",
		"-y",
		outputPath,
	}

	return s.run(ctx, "draw text", args)
}

// MixBackgroundMusic mixes looping background music under the narration
// track. volume in (0,1] scales the music; narration stays at full volume.
func (s *FFmpegService) MixBackgroundMusic(ctx context.Context, videoPath, musicPath, outputPath string, volume float64) error {
	if volume <= 0 || volume > 1 {
		volume = 0.2
	}

	log.Printf("[FFmpeg] Mixing background music (volume=%.2f)", volume)

	// amix with duration=first ends when the video's own audio ends;
	// dropout_transition smooths the music cutoff
	filterComplex := fmt.Sprintf(
		"[0:a]volume=1.0[narration];[1:a]volume=%.2f[music];[narration][music]amix=inputs=2:duration=first:dropout_transition=3[aout]",
		volume,
	)

	args := []string{
		"-i", videoPath,
		"-stream_loop", "-1",
		"-i", musicPath,
		"-filter_complex", filterComplex,
		"-map", "0:v",
		"-map", "[aout]",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-shortest",
		"-y",
		outputPath,
	}

	return s.run(ctx, "mix background music", args)
}

// ConcatenateClips joins rendered clips into one video in slice order. All
// clips share the same codec parameters, so streams are copied without
// re-encoding.
func (s *FFmpegService) ConcatenateClips(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	// Unique list file per call: concats from parallel tasks must not clobber
	// each other
	listPath := filepath.Join(s.tempDir, fmt.Sprintf("concat_%s.txt", uuid.New().String()))
	f, err := os.Create(listPath)
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}
	for _, path := range clipPaths {
		fmt.Fprintf(f, "file '%s'\n", path)
	}
	f.Close()
	defer os.Remove(listPath)

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	}

	return s.run(ctx, "concatenate", args)
}

// CrossfadeClips joins clips with an xfade transition between each pair and a
// matching audio crossfade. transition is "crossfade" (blend) or "fade"
// (through black). durations holds each clip's length in seconds and must
// align with clipPaths. Unlike ConcatenateClips this re-encodes, and the
// result is shorter than the sum of inputs by (n-1) * fadeSec.
func (s *FFmpegService) CrossfadeClips(ctx context.Context, clipPaths []string, durations []float64, outputPath, transition string, fadeSec float64) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}
	if len(durations) != len(clipPaths) {
		return fmt.Errorf("durations/clips length mismatch: %d vs %d", len(durations), len(clipPaths))
	}
	if len(clipPaths) == 1 {
		return s.ConcatenateClips(ctx, clipPaths, outputPath)
	}

	offsets := xfadeOffsets(durations, fadeSec)

	xfadeKind := "fade"
	if transition == "fade" {
		xfadeKind = "fadeblack"
	}

	log.Printf("[FFmpeg] Joining %d clips with %s transitions (fade=%.1fs)", len(clipPaths), transition, fadeSec)

	var filter strings.Builder
	prevV, prevA := "[0:v]", "[0:a]"
	for i := 1; i < len(clipPaths); i++ {
		outV := fmt.Sprintf("[v%d]", i)
		outA := fmt.Sprintf("[a%d]", i)
		fmt.Fprintf(&filter, "%s[%d:v]xfade=transition=%s:duration=%.3f:offset=%.3f%s;",
			prevV, i, xfadeKind, fadeSec, offsets[i-1], outV)
		fmt.Fprintf(&filter, "%s[%d:a]acrossfade=d=%.3f%s;",
			prevA, i, fadeSec, outA)
		prevV, prevA = outV, outA
	}

	args := make([]string, 0, 2*len(clipPaths)+12)
	for _, path := range clipPaths {
		args = append(args, "-i", path)
	}
	args = append(args,
		"-filter_complex", strings.TrimSuffix(filter.String(), ";"),
		"-map", prevV,
		"-map", prevA,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-b:a", "192k",
		"-pix_fmt", "yuv420p",
		"-y",
		outputPath,
	)

	return s.run(ctx, "crossfade concatenate", args)
}

// xfadeOffsets computes the xfade offset for each of the n-1 transitions:
// the time on the combined timeline where clip i+1 starts fading in. Each
// crossfade overlaps the clips by fadeSec, so the running total shrinks by
// one fade per joint.
func xfadeOffsets(durations []float64, fadeSec float64) []float64 {
	offsets := make([]float64, 0, len(durations)-1)
	elapsed := 0.0
	for _, d := range durations[:len(durations)-1] {
		elapsed += d - fadeSec
		if elapsed < 0 {
			elapsed = 0
		}
		offsets = append(offsets, elapsed)
	}
	return offsets
}

// EnforceReelBounds clamps the final video to the platform duration window:
// shorter than 3s gets its last frame frozen out to 3s, longer than 90s is
// trimmed. Returns the path to use, which is the input itself when the video
// is already within bounds.
func (s *FFmpegService) EnforceReelBounds(ctx context.Context, videoPath, outputPath string) (string, error) {
	durationMs, err := s.GetVideoDuration(ctx, videoPath)
	if err != nil {
		return "", err
	}
	durationSec := float64(durationMs) / 1000

	switch {
	case durationSec < minReelSec:
		log.Printf("[FFmpeg] Video is %.1fs, padding to %.0fs minimum", durationSec, minReelSec)
		pad := minReelSec - durationSec
		args := []string{
			"-i", videoPath,
			"-vf", fmt.Sprintf("tpad=stop_mode=clone:stop_duration=%.3f", pad),
			"-af", fmt.Sprintf("apad=pad_dur=%.3f", pad),
			"-c:v", "libx264",
			"-c:a", "aac",
			"-pix_fmt", "yuv420p",
			"-y",
			outputPath,
		}
		if err := s.run(ctx, "pad to minimum", args); err != nil {
			return "", err
		}
		return outputPath, nil

	case durationSec > maxReelSec:
		log.Printf("[FFmpeg] Video is %.1fs, trimming to %.0fs maximum", durationSec, maxReelSec)
		args := []string{
			"-i", videoPath,
			"-t", fmt.Sprintf("%.0f", maxReelSec),
			"-c:v", "libx264",
			"-c:a", "aac",
			"-pix_fmt", "yuv420p",
			"-y",
			outputPath,
		}
		if err := s.run(ctx, "trim to maximum", args); err != nil {
			return "", err
		}
		return outputPath, nil

	default:
		return videoPath, nil
	}
}

// PrependSilence adds a silence buffer at the start of an audio file so the
// first word is not clipped by player start-up.
func (s *FFmpegService) PrependSilence(ctx context.Context, inputAudioPath, outputAudioPath string, silenceMs int) error {
	delayFilter := fmt.Sprintf("adelay=%d|%d", silenceMs, silenceMs)

	args := []string{
		"-i", inputAudioPath,
		"-af", delayFilter,
		"-y",
		outputAudioPath,
	}

	return s.run(ctx, "prepend silence", args)
}

// ExtractAudioSegment cuts [startSec, startSec+durationSec) out of an audio
// file. Used to split one global narration track across scenes.
func (s *FFmpegService) ExtractAudioSegment(ctx context.Context, inputPath, outputPath string, startSec, durationSec float64) error {
	args := []string{
		"-i", inputPath,
		"-ss", fmt.Sprintf("%.3f", startSec),
		"-t", fmt.Sprintf("%.3f", durationSec),
		"-c:a", "aac",
		"-b:a", "192k",
		"-y",
		outputPath,
	}

	return s.run(ctx, "extract audio segment", args)
}

// GetAudioDuration returns the duration of an audio file in milliseconds.
func (s *FFmpegService) GetAudioDuration(ctx context.Context, audioPath string) (int, error) {
	return s.probeDuration(ctx, audioPath)
}

// GetVideoDuration returns the duration of a video file in milliseconds.
func (s *FFmpegService) GetVideoDuration(ctx context.Context, videoPath string) (int, error) {
	return s.probeDuration(ctx, videoPath)
}

func (s *FFmpegService) probeDuration(ctx context.Context, path string) (int, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}

	return int(durationSec * 1000), nil
}

// escapeFFmpegFilterPath escapes special characters in file paths for FFmpeg
// filter syntax. Filter strings treat colons, backslashes, and single quotes
// specially.
func escapeFFmpegFilterPath(path string) string {
	path = strings.ReplaceAll(path, "\\", "\\\\")
	path = strings.ReplaceAll(path, ":", "\\:")
	path = strings.ReplaceAll(path, "'", "'\\''")
	return path
}

// escapeDrawtext escapes text for the drawtext filter.
func escapeDrawtext(text string) string {
	text = strings.ReplaceAll(text, "\\", "\\\\")
	text = strings.ReplaceAll(text, "'", "")
	text = strings.ReplaceAll(text, ":", "\\:")
	text = strings.ReplaceAll(text, "%", "\\%")
	return text
}
