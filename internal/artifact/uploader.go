// internal/artifact/uploader.go
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"

	"github.com/xkilldash9x/webpilot/internal/config"
)

// Uploader makes an encoded video reachable and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, videoPath, sessionID string) (string, error)
}

// -- Cloudinary --

// CloudinaryUploader stores videos on Cloudinary as <folder>/<sessionID>.
type CloudinaryUploader struct {
	cld    *cloudinary.Cloudinary
	folder string
}

// NewCloudinaryUploader creates an uploader from credentials.
func NewCloudinaryUploader(cfg config.CloudinaryConfig) (*CloudinaryUploader, error) {
	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create cloudinary client: %w", err)
	}
	return &CloudinaryUploader{cld: cld, folder: cfg.Folder}, nil
}

// PublicID is the asset id a session's video is stored under.
func (u *CloudinaryUploader) PublicID(sessionID string) string {
	if u.folder == "" {
		return sessionID
	}
	return u.folder + "/" + sessionID
}

// Upload sends the video and returns its secure URL.
func (u *CloudinaryUploader) Upload(ctx context.Context, videoPath, sessionID string) (string, error) {
	resp, err := u.cld.Upload.Upload(ctx, videoPath, uploader.UploadParams{
		PublicID:     u.PublicID(sessionID),
		ResourceType: "video",
		// Session ids are unique, so overwriting only matters on a retried upload.
		Overwrite: api.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("cloudinary upload failed: %w", err)
	}
	// Cloudinary reports some failures in the body with a nil error.
	if resp.Error.Message != "" {
		return "", fmt.Errorf("cloudinary upload rejected: %s", resp.Error.Message)
	}
	if resp.SecureURL == "" {
		return "", errors.New("cloudinary returned no URL")
	}
	return resp.SecureURL, nil
}

// -- Local --

// LocalUploader moves videos under <scansDir>/videos, served at
// <publicURL>/scans/videos/.
type LocalUploader struct {
	videosDir string
	publicURL string
}

// NewLocalUploader creates the fallback uploader.
func NewLocalUploader(scansDir, publicURL string) *LocalUploader {
	return &LocalUploader{
		videosDir: filepath.Join(scansDir, "videos"),
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

// Upload moves the video into the served folder.
func (u *LocalUploader) Upload(_ context.Context, videoPath, sessionID string) (string, error) {
	if err := os.MkdirAll(u.videosDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create videos directory: %w", err)
	}
	// One file per session, named after it.
	name := sessionID + ".mp4"
	dst := filepath.Join(u.videosDir, name)
	if err := moveFile(videoPath, dst); err != nil {
		return "", err
	}
	return u.publicURL + path.Join("/scans/videos", name), nil
}

// moveFile renames src to dst, copying when they are on different devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// Rename fails across filesystems; fall back to a copy.
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open video: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy video: %w", err)
	}
	return out.Close()
}
