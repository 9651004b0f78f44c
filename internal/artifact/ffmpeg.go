// internal/artifact/ffmpeg.go
package artifact

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xkilldash9x/webpilot/internal/config"
)

// videoName is written next to the frames it was made from.
const videoName = "output.mp4"

// commandRunner runs an external program and returns its combined output.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// execRunner runs the real binary.
func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FFmpegEncoder turns a frame folder into an H.264 slideshow.
type FFmpegEncoder struct {
	binary    string
	framerate float64
	// width and height are the output size; frames are letterboxed into it.
	width  int
	height int
	// run is replaced in tests.
	run commandRunner
}

// NewFFmpegEncoder creates an encoder from the artifact settings.
func NewFFmpegEncoder(cfg config.ArtifactConfig) *FFmpegEncoder {
	return &FFmpegEncoder{
		binary:    cfg.FFmpegPath,
		framerate: cfg.Framerate,
		width:     cfg.Width,
		height:    cfg.Height,
		run:       execRunner,
	}
}

// Args builds the ffmpeg command line for the frames in dir.
func (e *FFmpegEncoder) Args(dir, output string) []string {
	// Scale down to fit, then pad to the exact size in black.
	filter := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:-1:-1:color=black",
		e.width, e.height, e.width, e.height)
	return []string{
		"-y",
		"-framerate", strconv.FormatFloat(e.framerate, 'f', -1, 64),
		// Frames are numbered from zero with no gaps.
		"-start_number", "0",
		"-i", filepath.Join(dir, framePattern),
		"-c:v", "libx264",
		// yuv420p is what browsers and phones can play.
		"-pix_fmt", "yuv420p",
		"-vf", filter,
		output,
	}
}

// Encode writes output.mp4 into dir and returns its path.
func (e *FFmpegEncoder) Encode(ctx context.Context, dir string) (string, error) {
	output := filepath.Join(dir, videoName)
	// ffmpeg's stderr is the only useful diagnostic, so it goes into the error.
	if out, err := e.run(ctx, e.binary, e.Args(dir, output)...); err != nil {
		return "", fmt.Errorf("ffmpeg failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return output, nil
}
