// internal/artifact/publisher.go
package artifact

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/config"
)

// Encoder turns a frame folder into a video file.
type Encoder interface {
	Encode(ctx context.Context, dir string) (string, error)
}

// VideoPublisher encodes a run's frames and uploads the result. The frame
// folder is removed afterwards whether or not publication worked.
type VideoPublisher struct {
	encoder  Encoder
	uploader Uploader
	// keepFrames leaves the frame folder on disk for debugging.
	keepFrames bool
	logger     *zap.Logger
}

var _ schemas.ArtifactPublisher = (*VideoPublisher)(nil)

// NewVideoPublisher creates a publisher from explicit parts.
func NewVideoPublisher(encoder Encoder, up Uploader, keepFrames bool, logger *zap.Logger) *VideoPublisher {
	return &VideoPublisher{encoder: encoder, uploader: up, keepFrames: keepFrames, logger: logger.Named("artifact")}
}

// NewPublisherFromConfig uploads to Cloudinary when it is configured and to
// the local scans folder otherwise.
func NewPublisherFromConfig(cfg config.ArtifactConfig, logger *zap.Logger) (*VideoPublisher, error) {
	// Local serving is the default.
	var up Uploader = NewLocalUploader(cfg.ScansDir, cfg.PublicURL)
	if cfg.Cloudinary.Configured() {
		cld, err := NewCloudinaryUploader(cfg.Cloudinary)
		if err != nil {
			return nil, err
		}
		up = cld
	} else {
		logger.Info("Cloudinary not configured, videos are served locally.")
	}
	return NewVideoPublisher(NewFFmpegEncoder(cfg), up, cfg.KeepFrames, logger), nil
}

// Publish returns the video URL, or "" when dir holds no frames.
func (p *VideoPublisher) Publish(ctx context.Context, dir, sessionID string) (string, error) {
	// Frames are removed even when encoding or upload fails.
	defer p.cleanup(dir)

	frames, err := listFrames(dir)
	if err != nil {
		return "", fmt.Errorf("failed to list frames: %w", err)
	}
	// Runs that failed before the first screenshot have nothing to encode.
	if len(frames) == 0 {
		p.logger.Warn("No screenshots found for video.", zap.String("dir", dir))
		return "", nil
	}

	p.logger.Info("Creating video.", zap.Int("frames", len(frames)), zap.String("session_id", sessionID))
	// 1. Encode.
	video, err := p.encoder.Encode(ctx, dir)
	if err != nil {
		return "", err
	}
	// 2. Upload.
	url, err := p.uploader.Upload(ctx, video, sessionID)
	if err != nil {
		return "", err
	}
	p.logger.Info("Video published.", zap.String("url", url))
	return url, nil
}

// cleanup removes the frame folder unless keepFrames is set.
func (p *VideoPublisher) cleanup(dir string) {
	if p.keepFrames {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		p.logger.Warn("Failed to remove frame directory.", zap.String("dir", dir), zap.Error(err))
	}
}
