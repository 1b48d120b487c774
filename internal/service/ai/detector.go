package ai

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"edgecam/internal/logger"
	"edgecam/internal/service/detection"
)

// ErrNetworkNotLoaded is returned by Track when the model could not be loaded.
var ErrNetworkNotLoaded = errors.New("detection network not initialized")

// Detector runs an SSD-style DNN through OpenCV and tracks boxes across frames.
// It implements detection.Detector.
type Detector struct {
	mu         sync.Mutex
	net        gocv.Net
	loaded     bool
	modelPath  string
	configPath string
	labels     map[int]string
	trackers   map[string]*tracker
	logger     *logger.Logger
}

// NewDetector loads the network from the model and config files.
func NewDetector(modelPath, configPath string, log *logger.Logger) (*Detector, error) {
	if log == nil {
		log = logger.NewNop()
	}
	d := &Detector{
		modelPath:  modelPath,
		configPath: configPath,
		labels:     cocoLabels(),
		trackers:   make(map[string]*tracker),
		logger:     log.Named("ai"),
	}
	if err := d.initializeNet(); err != nil {
		return nil, err
	}
	return d, nil
}

// initializeNet loads the DNN network and sets backend/target preferences.
func (d *Detector) initializeNet() error {
	if _, err := os.Stat(d.modelPath); err != nil {
		return fmt.Errorf("model file not found: %s: %w", d.modelPath, err)
	}
	if d.configPath != "" {
		if _, err := os.Stat(d.configPath); err != nil {
			return fmt.Errorf("model config file not found: %s: %w", d.configPath, err)
		}
	}

	net := gocv.ReadNet(d.modelPath, d.configPath)
	if net.Empty() {
		return fmt.Errorf("failed to load network from %s", d.modelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return fmt.Errorf("failed to set preferable backend: %w", err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return fmt.Errorf("failed to set preferable target: %w", err)
	}

	d.net = net
	d.loaded = true
	d.logger.Info("detection network initialized", logger.String("model", d.modelPath))
	return nil
}

// Labels implements detection.Detector.
func (d *Detector) Labels() map[int]string {
	return d.labels
}

// Track implements detection.Detector.
func (d *Detector) Track(ctx context.Context, frame gocv.Mat, opts detection.TrackOptions) ([]detection.Box, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded {
		return nil, ErrNetworkNotLoaded
	}
	if frame.Empty() {
		return nil, errors.New("frame is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blob := gocv.BlobFromImage(frame, 1.0/127.5, image.Pt(300, 300), gocv.NewScalar(127.5, 127.5, 127.5, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")

	output := d.net.Forward("")
	defer output.Close()

	rows := output.Reshape(1, output.Total()/7)
	defer rows.Close()

	var allowed map[int]struct{}
	if opts.Classes != nil {
		allowed = make(map[int]struct{}, len(opts.Classes))
		for _, id := range opts.Classes {
			allowed[id] = struct{}{}
		}
	}

	w, h := float64(frame.Cols()), float64(frame.Rows())
	var boxes []detection.Box
	for i := 0; i < rows.Rows(); i++ {
		confidence := float64(rows.GetFloatAt(i, 2))
		if confidence < opts.Confidence {
			continue
		}
		classID := int(rows.GetFloatAt(i, 1))
		if allowed != nil {
			if _, ok := allowed[classID]; !ok {
				continue
			}
		}
		boxes = append(boxes, detection.Box{
			ClassID:    classID,
			Confidence: confidence,
			XYXY: [4]float64{
				clamp(float64(rows.GetFloatAt(i, 3))*w, w),
				clamp(float64(rows.GetFloatAt(i, 4))*h, h),
				clamp(float64(rows.GetFloatAt(i, 5))*w, w),
				clamp(float64(rows.GetFloatAt(i, 6))*h, h),
			},
		})
	}

	d.assignTracks(opts.Camera, boxes, opts.Persist)

	d.logger.Debug("frame processed", logger.Int("boxes", len(boxes)))
	return boxes, nil
}

// assignTracks numbers boxes against the camera's own track history.
// The caller holds d.mu.
func (d *Detector) assignTracks(camera string, boxes []detection.Box, persist bool) {
	if d.trackers == nil {
		d.trackers = make(map[string]*tracker)
	}
	tr, ok := d.trackers[camera]
	if !ok {
		tr = newTracker()
		d.trackers[camera] = tr
	}
	if !persist {
		tr.reset()
	}
	tr.assign(boxes)
}

// Close releases the network.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded {
		return nil
	}
	d.loaded = false
	return d.net.Close()
}

func clamp(v, limit float64) float64 {
	if v < 0 {
		return 0
	}
	if v > limit {
		return limit
	}
	return v
}
