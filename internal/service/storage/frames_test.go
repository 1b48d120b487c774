package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

var captured = time.Date(2025, 6, 7, 8, 9, 10, 0, time.UTC)

func TestPath(t *testing.T) {
	s := NewFrameStore("/data/frames", nil)

	assert.Equal(t, "/data/frames/2025-06-07/cam1_20250607T080910_raw.jpg", s.Path("cam1", KindRaw, captured))
	assert.Equal(t, "/data/frames/2025-06-07/cam1_20250607T080910_annotated.jpg",
		s.Path("cam1", KindAnnotated, captured.In(time.FixedZone("X", 7200))))
}

func TestSave_WritesJPEGIntoDayDirectory(t *testing.T) {
	root := t.TempDir()
	s := NewFrameStore(root, nil)

	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(20, 20, 20, 0), 48, 64, gocv.MatTypeCV8UC3)
	defer frame.Close()

	path, err := s.Save("front_door", KindRaw, frame, captured)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "2025-06-07", "front_door_20250607T080910_raw.jpg"), path)

	back := gocv.IMRead(path, gocv.IMReadColor)
	defer back.Close()
	assert.Equal(t, 64, back.Cols())
	assert.Equal(t, 48, back.Rows())
}

func TestSave_EmptyFrame(t *testing.T) {
	s := NewFrameStore(t.TempDir(), nil)

	_, err := s.Save("cam1", KindRaw, gocv.NewMat(), captured)
	assert.Error(t, err)
}

func TestRemove_IgnoresMissingFile(t *testing.T) {
	dir := t.TempDir()
	s := NewFrameStore(dir, nil)
	path := filepath.Join(dir, "x.jpg")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))

	require.NoError(t, s.Remove(path))
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, s.Remove(path))
}

func TestParseFrameName(t *testing.T) {
	cam, ts, kind, err := ParseFrameName("/x/2025-06-07/front_door_20250607T080910_annotated.jpg")
	require.NoError(t, err)
	assert.Equal(t, "front_door", cam)
	assert.Equal(t, captured, ts)
	assert.Equal(t, KindAnnotated, kind)

	for _, bad := range []string{
		"cam1_20250607T080910_raw.png",
		"cam1_20250607T080910_thumb.jpg",
		"cam1_notatime_raw.jpg",
		"_raw.jpg",
		"2025-06-07_08-09_10.000_cam1_person_.jpg",
	} {
		_, _, _, err := ParseFrameName(bad)
		assert.ErrorIs(t, err, ErrBadFrameName, bad)
	}
}

func TestRawFrames(t *testing.T) {
	root := t.TempDir()
	day := filepath.Join(root, "2025-06-07")
	require.NoError(t, os.MkdirAll(day, 0755))
	for _, name := range []string{
		"cam1_20250607T080910_raw.jpg",
		"cam1_20250607T080910_annotated.jpg",
		"cam2_20250607T081010_raw.jpg",
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(day, name), []byte("x"), 0644))
	}

	got, err := RawFrames(root)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(day, "cam1_20250607T080910_raw.jpg"),
		filepath.Join(day, "cam2_20250607T081010_raw.jpg"),
	}, got)
}
