// Package detection wraps the object detector behind a failure-proof adapter.
package detection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"edgecam/internal/logger"
	"edgecam/internal/models"
)

// DefaultConfidence is the minimum detector confidence requested per call.
const DefaultConfidence = 0.20

// ErrDetectorUnavailable is reported when no detector was configured.
var ErrDetectorUnavailable = errors.New("detector unavailable")

// TrackOptions are passed to the detector on every call.
type TrackOptions struct {
	// Classes restricts detection to these class ids. Nil means every class.
	Classes    []int
	// Camera scopes track ids; boxes from different cameras never share a track.
	Camera     string
	Persist    bool
	Confidence float64
}

// Box is a raw detector result in pixel coordinates.
type Box struct {
	ClassID    int
	Confidence float64
	XYXY       [4]float64
	TrackID    *int
}

// Detector locates and tracks objects in a frame.
type Detector interface {
	Track(ctx context.Context, frame gocv.Mat, opts TrackOptions) ([]Box, error)
	// Labels maps class ids to class names.
	Labels() map[int]string
}

// Status classifies a detection outcome.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
)

// Outcome is the result of one detection call. A degraded outcome carries no detections.
type Outcome struct {
	Status      Status
	Detections  []models.Detection
	Classes     []int
	InferenceMs float64
	Reason      error
}

// Degraded reports whether the detector failed.
func (o Outcome) Degraded() bool {
	return o.Status == StatusDegraded
}

// Adapter serializes detector calls and converts its output.
type Adapter struct {
	detector   Detector
	confidence float64
	logger     *logger.Logger

	mu sync.Mutex
}

// NewAdapter creates an adapter around det. A nil detector yields degraded outcomes.
func NewAdapter(det Detector, confidence float64, log *logger.Logger) *Adapter {
	if confidence <= 0 {
		confidence = DefaultConfidence
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Adapter{
		detector:   det,
		confidence: confidence,
		logger:     log.Named("detection"),
	}
}

// Labels returns the detector's class names, or nil without a detector.
func (a *Adapter) Labels() map[int]string {
	if a.detector == nil {
		return nil
	}
	return a.detector.Labels()
}

// Run detects objects of the target classes in frame. It never panics and never
// returns an error; failures are reported through a degraded Outcome.
func (a *Adapter) Run(ctx context.Context, frame gocv.Mat, targets []string) Outcome {
	return a.RunCamera(ctx, "", frame, targets)
}

// RunCamera is Run with track ids kept per camera.
func (a *Adapter) RunCamera(ctx context.Context, camera string, frame gocv.Mat, targets []string) (out Outcome) {
	if a.detector == nil {
		return Outcome{Status: StatusDegraded, Reason: ErrDetectorUnavailable}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Status: StatusDegraded, Reason: fmt.Errorf("detector panic: %v", r)}
		}
	}()

	labels := a.detector.Labels()
	classes := ResolveClassFilter(targets, labels)
	if classes == nil && len(targets) > 0 && !hasWildcard(targets) {
		a.logger.Warn("no target matched a known class, detecting everything",
			logger.Strings("targets", targets))
	}

	start := time.Now()
	boxes, err := a.detector.Track(ctx, frame, TrackOptions{
		Classes:    classes,
		Camera:     camera,
		Persist:    true,
		Confidence: a.confidence,
	})
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		return Outcome{Status: StatusDegraded, Reason: err}
	}

	return Outcome{
		Status:      StatusOK,
		Detections:  normalize(boxes, labels, classes),
		Classes:     classes,
		InferenceMs: elapsed,
	}
}

// ResolveClassFilter maps target names to detector class ids.
// A nil result means detect every class: either a wildcard ("all" or "*") was requested
// or none of the targets matched a known class name.
func ResolveClassFilter(targets []string, labels map[int]string) []int {
	if hasWildcard(targets) {
		return nil
	}

	byName := make(map[string]int, len(labels))
	for id, name := range labels {
		byName[strings.ToLower(name)] = id
	}

	seen := make(map[int]struct{})
	var ids []int
	for _, t := range targets {
		id, ok := byName[strings.ToLower(strings.TrimSpace(t))]
		if !ok {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Ints(ids)
	return ids
}

func hasWildcard(targets []string) bool {
	for _, t := range targets {
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "all", "*":
			return true
		}
	}
	return false
}

// normalize converts raw boxes and drops any whose class falls outside a non-nil filter.
func normalize(boxes []Box, labels map[int]string, classes []int) []models.Detection {
	var allowed map[int]struct{}
	if classes != nil {
		allowed = make(map[int]struct{}, len(classes))
		for _, id := range classes {
			allowed[id] = struct{}{}
		}
	}

	dets := make([]models.Detection, 0, len(boxes))
	for _, b := range boxes {
		if allowed != nil {
			if _, ok := allowed[b.ClassID]; !ok {
				continue
			}
		}
		name, ok := labels[b.ClassID]
		if !ok {
			name = strconv.Itoa(b.ClassID)
		}
		var track *int
		if b.TrackID != nil {
			id := *b.TrackID
			track = &id
		}
		dets = append(dets, models.Detection{
			ClassID:    b.ClassID,
			ClassName:  name,
			Confidence: b.Confidence,
			BBoxXYXY:   b.XYXY,
			TrackID:    track,
		})
	}
	return dets
}
