// Package storage persists captured frames under a per-day directory tree.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gocv.io/x/gocv"

	"edgecam/internal/logger"
)

const (
	dayLayout   = "2006-01-02"
	stampLayout = "20060102T150405"
)

// Kind distinguishes the stored variants of a frame.
type Kind string

const (
	KindRaw       Kind = "raw"
	KindAnnotated Kind = "annotated"
)

// ErrBadFrameName is returned by ParseFrameName for files not written by a FrameStore.
var ErrBadFrameName = errors.New("not a frame file name")

// FrameStore writes JPEG frames to <root>/<YYYY-MM-DD>/<camera>_<YYYYMMDDTHHMMSS>_<kind>.jpg.
type FrameStore struct {
	root   string
	logger *logger.Logger
}

// NewFrameStore creates a store rooted at root.
func NewFrameStore(root string, log *logger.Logger) *FrameStore {
	if log == nil {
		log = logger.NewNop()
	}
	return &FrameStore{root: root, logger: log.Named("frames")}
}

// Root returns the store's base directory.
func (s *FrameStore) Root() string {
	return s.root
}

// Path returns where a frame captured at t would be stored.
func (s *FrameStore) Path(cameraID string, kind Kind, t time.Time) string {
	t = t.UTC()
	name := fmt.Sprintf("%s_%s_%s.jpg", cameraID, t.Format(stampLayout), kind)
	return filepath.Join(s.root, t.Format(dayLayout), name)
}

// Save encodes frame as JPEG and returns the written path.
func (s *FrameStore) Save(cameraID string, kind Kind, frame gocv.Mat, t time.Time) (string, error) {
	if frame.Empty() {
		return "", errors.New("cannot save empty frame")
	}

	path := s.Path(cameraID, kind, t)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create day directory: %w", err)
	}
	if !gocv.IMWrite(path, frame) {
		return "", fmt.Errorf("failed to write frame %s", path)
	}

	s.logger.Debug("frame saved", logger.String("path", path), logger.String("kind", string(kind)))
	return path, nil
}

// Remove deletes a stored frame. A file that is already gone is not an error.
func (s *FrameStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove frame %s: %w", path, err)
	}
	return nil
}

// RawFrames lists every raw frame below dir, in lexical order.
func RawFrames(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if _, _, kind, perr := ParseFrameName(d.Name()); perr == nil && kind == KindRaw {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	return out, nil
}

// ParseFrameName extracts camera id, capture time and kind from a stored file name.
// Camera ids may contain underscores.
func ParseFrameName(name string) (cameraID string, t time.Time, kind Kind, err error) {
	base := strings.TrimSuffix(filepath.Base(name), ".jpg")
	if base == filepath.Base(name) {
		return "", time.Time{}, "", fmt.Errorf("%w: %s", ErrBadFrameName, name)
	}

	i := strings.LastIndex(base, "_")
	if i <= 0 {
		return "", time.Time{}, "", fmt.Errorf("%w: %s", ErrBadFrameName, name)
	}
	kind = Kind(base[i+1:])
	if kind != KindRaw && kind != KindAnnotated {
		return "", time.Time{}, "", fmt.Errorf("%w: %s", ErrBadFrameName, name)
	}
	base = base[:i]

	j := strings.LastIndex(base, "_")
	if j <= 0 {
		return "", time.Time{}, "", fmt.Errorf("%w: %s", ErrBadFrameName, name)
	}
	t, err = time.ParseInLocation(stampLayout, base[j+1:], time.UTC)
	if err != nil {
		return "", time.Time{}, "", fmt.Errorf("%w: %s", ErrBadFrameName, name)
	}
	return base[:j], t, kind, nil
}
