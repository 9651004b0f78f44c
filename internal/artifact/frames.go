// internal/artifact/frames.go
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	framePrefix  = "step_"
	framePattern = framePrefix + "%04d.png"
	dirTimestamp = "20060102_150405"
)

// FrameStore is the ordered screenshot folder of one run. Frames are named by
// a monotonic index so lexical order is capture order.
type FrameStore struct {
	dir string

	mu    sync.Mutex
	count int
}

// NewFrameStore creates <root>/<YYYYmmdd_HHMMSS>_<sessionID>.
func NewFrameStore(root, sessionID string, now time.Time) (*FrameStore, error) {
	dir := filepath.Join(root, fmt.Sprintf("%s_%s", now.Format(dirTimestamp), sessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create frame directory: %w", err)
	}
	return &FrameStore{dir: dir}, nil
}

// Dir is the folder holding the frames.
func (s *FrameStore) Dir() string { return s.dir }

// Count is the number of frames written so far.
func (s *FrameStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Save writes one PNG frame at index.
func (s *FrameStore) Save(index int, png []byte) error {
	if index < 0 {
		return fmt.Errorf("negative frame index %d", index)
	}
	path := filepath.Join(s.dir, FrameName(index))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return fmt.Errorf("failed to write frame %d: %w", index, err)
	}
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	return nil
}

// FrameName is the file name of the frame at index.
func FrameName(index int) string {
	return fmt.Sprintf(framePattern, index)
}

// listFrames returns the frame files in dir in capture order.
func listFrames(dir string) ([]string, error) {
	frames, err := filepath.Glob(filepath.Join(dir, framePrefix+"*.png"))
	if err != nil {
		return nil, err
	}
	return frames, nil
}
