package ai

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"edgecam/internal/service/detection"
)

func TestNewDetector_MissingModel(t *testing.T) {
	_, err := NewDetector(filepath.Join(t.TempDir(), "missing.pb"), "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model file not found")
}

func TestTrack_UnloadedDetector(t *testing.T) {
	d := &Detector{labels: cocoLabels(), trackers: make(map[string]*tracker)}

	_, err := d.Track(context.Background(), gocv.NewMat(), detection.TrackOptions{})
	assert.ErrorIs(t, err, ErrNetworkNotLoaded)
	assert.NoError(t, d.Close())
}

func TestLabels_CoverVehicleAndPersonClasses(t *testing.T) {
	labels := cocoLabels()
	for id, name := range map[int]string{1: "person", 3: "car", 4: "motorcycle", 6: "bus", 8: "truck"} {
		assert.Equal(t, name, labels[id])
	}
	assert.Equal(t, []int{1, 3}, detection.ResolveClassFilter([]string{"Car", "person"}, labels))
}

func TestTracker_KeepsIDsForOverlappingBoxes(t *testing.T) {
	tr := newTracker()

	first := []detection.Box{
		{ClassID: 1, XYXY: [4]float64{0, 0, 100, 100}},
		{ClassID: 3, XYXY: [4]float64{200, 200, 300, 300}},
	}
	tr.assign(first)
	require.NotNil(t, first[0].TrackID)
	require.NotNil(t, first[1].TrackID)
	assert.Equal(t, 1, *first[0].TrackID)
	assert.Equal(t, 2, *first[1].TrackID)

	second := []detection.Box{
		{ClassID: 3, XYXY: [4]float64{205, 205, 305, 305}},
		{ClassID: 1, XYXY: [4]float64{10, 10, 110, 110}},
		{ClassID: 1, XYXY: [4]float64{500, 500, 600, 600}},
	}
	tr.assign(second)
	assert.Equal(t, 2, *second[0].TrackID)
	assert.Equal(t, 1, *second[1].TrackID)
	assert.Equal(t, 3, *second[2].TrackID)
}

func TestTracker_ClassMismatchStartsNewTrack(t *testing.T) {
	tr := newTracker()

	a := []detection.Box{{ClassID: 1, XYXY: [4]float64{0, 0, 10, 10}}}
	tr.assign(a)
	b := []detection.Box{{ClassID: 18, XYXY: [4]float64{0, 0, 10, 10}}}
	tr.assign(b)

	assert.NotEqual(t, *a[0].TrackID, *b[0].TrackID)
}

func TestTracker_ExpiresStaleTracks(t *testing.T) {
	tr := newTracker()
	tr.assign([]detection.Box{{ClassID: 1, XYXY: [4]float64{0, 0, 10, 10}}})

	for i := 0; i <= trackMaxMisses; i++ {
		tr.assign(nil)
	}
	assert.Empty(t, tr.tracks)
}

func TestAssignTracks_CamerasKeepSeparateHistories(t *testing.T) {
	d := &Detector{labels: cocoLabels()}
	person := [4]float64{0, 0, 100, 100}

	front := []detection.Box{{ClassID: 1, XYXY: person}}
	d.assignTracks("front", front, true)

	back := []detection.Box{
		{ClassID: 1, XYXY: [4]float64{300, 300, 400, 400}},
		{ClassID: 1, XYXY: [4]float64{5, 5, 105, 105}},
	}
	d.assignTracks("back", back, true)
	assert.Equal(t, 1, *back[0].TrackID)
	assert.Equal(t, 2, *back[1].TrackID, "a box on another camera must not join the front track")

	require.Len(t, d.trackers["front"].tracks, 1)
	assert.Equal(t, person, d.trackers["front"].tracks[0].box)
	assert.Len(t, d.trackers["back"].tracks, 2)

	again := []detection.Box{{ClassID: 1, XYXY: [4]float64{2, 2, 102, 102}}}
	d.assignTracks("front", again, true)
	assert.Equal(t, *front[0].TrackID, *again[0].TrackID)
}

func TestAssignTracks_NoPersistResetsOnlyThatCamera(t *testing.T) {
	d := &Detector{labels: cocoLabels()}
	d.assignTracks("front", []detection.Box{{ClassID: 1, XYXY: [4]float64{0, 0, 10, 10}}}, true)
	d.assignTracks("back", []detection.Box{{ClassID: 1, XYXY: [4]float64{0, 0, 10, 10}}}, true)

	d.assignTracks("front", nil, false)
	assert.Empty(t, d.trackers["front"].tracks)
	assert.Len(t, d.trackers["back"].tracks, 1)
}

func TestIoU(t *testing.T) {
	assert.InDelta(t, 1.0, iou([4]float64{0, 0, 10, 10}, [4]float64{0, 0, 10, 10}), 1e-9)
	assert.InDelta(t, 0.0, iou([4]float64{0, 0, 10, 10}, [4]float64{20, 20, 30, 30}), 1e-9)
	assert.InDelta(t, 25.0/175.0, iou([4]float64{0, 0, 10, 10}, [4]float64{5, 5, 15, 15}), 1e-9)
}
