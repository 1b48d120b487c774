// Package metadata builds the per-capture FrameMeta record.
package metadata

import (
	"encoding/json"
	"math"
	"time"

	"edgecam/internal/models"
)

var (
	peopleClasses  = map[string]struct{}{"person": {}}
	vehicleClasses = map[string]struct{}{"car": {}, "truck": {}, "bus": {}, "motorcycle": {}}
)

// Builder assembles FrameMeta values for a fixed model name.
type Builder struct {
	model string
	now   func() time.Time
}

// NewBuilder creates a Builder. A nil clock uses time.Now.
func NewBuilder(model string, now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{model: model, now: now}
}

// Build summarizes one cycle. The timestamp is taken at call time.
func (b *Builder) Build(cameraID string, width, height int, dets []models.Detection, inferenceMs float64, targets []string) models.FrameMeta {
	if targets == nil {
		targets = []string{}
	}
	if dets == nil {
		dets = []models.Detection{}
	}

	return models.FrameMeta{
		TimestampUTC: models.FormatMetaTime(b.now()),
		CameraID:     cameraID,
		Image:        models.ImageInfo{Width: width, Height: height},
		Compute:      models.ComputeInfo{InferenceMs: inferenceMs, Model: b.model},
		Targets:      targets,
		Detections:   dets,
		People:       summarize(dets, peopleClasses),
		Vehicles:     summarize(dets, vehicleClasses),
	}
}

// Fallback is the minimal meta sent for rows stored without one.
func Fallback(timestampUTC, cameraID string, count int) []byte {
	payload := map[string]any{
		"timestamp_utc": timestampUTC,
		"camera_id":     cameraID,
		"people":        map[string]int{"count": count},
	}
	out, _ := json.Marshal(payload)
	return out
}

func summarize(dets []models.Detection, classes map[string]struct{}) models.CategorySummary {
	var (
		n   int
		sum float64
	)
	for _, d := range dets {
		if _, ok := classes[d.ClassName]; ok {
			n++
			sum += d.Confidence
		}
	}
	if n == 0 {
		return models.CategorySummary{}
	}
	return models.CategorySummary{Count: n, ConfidenceAvg: round3(sum / float64(n))}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
