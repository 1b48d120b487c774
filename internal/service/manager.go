// Package service drives the per-camera capture cycle.
package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"edgecam/internal/logger"
	"edgecam/internal/metrics"
	"edgecam/internal/models"
	"edgecam/internal/mqttclient"
	"edgecam/internal/repository"
	"edgecam/internal/service/annotate"
	"edgecam/internal/service/detection"
	"edgecam/internal/service/metadata"
	"edgecam/internal/service/storage"
)

// FrameGrabber acquires one frame per call; the bool reports a live frame.
type FrameGrabber interface {
	Grab(ctx context.Context, camera models.Camera) (gocv.Mat, bool)
}

// TargetResolver returns the target class names for a camera key.
type TargetResolver interface {
	Resolve(ctx context.Context, cameraKey string) []string
}

// DetectionRunner runs detection for a camera's frame and never fails.
type DetectionRunner interface {
	RunCamera(ctx context.Context, camera string, frame gocv.Mat, targets []string) detection.Outcome
}

// Broadcaster pushes live-view messages.
type Broadcaster interface {
	Broadcast(message []byte) bool
	GetClientCount() int
}

// Publisher sends capture events to a broker.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Deps are the collaborators of a Manager. Hub, Publisher and Metrics are optional.
type Deps struct {
	Grabber   FrameGrabber
	Targets   TargetResolver
	Detector  DetectionRunner
	Builder   *metadata.Builder
	Frames    *storage.FrameStore
	Outbox    repository.OutboxRepository
	Hub       Broadcaster
	Publisher Publisher
	Metrics   *metrics.Metrics
}

// Options control the capture schedule.
type Options struct {
	Cameras          []models.Camera
	CaptureEvery     time.Duration
	DetectionEnabled bool
	DeviceID         string
	BaseTopic        string
}

// CycleResult describes one finished capture cycle.
type CycleResult struct {
	RowID         int64
	CaptureID     string
	Count         int
	RawPath       string
	AnnotatedPath *string
	Placeholder   bool
	Degraded      bool
	Meta          models.FrameMeta
}

// Manager owns the capture workers and the last-capture bookkeeping.
type Manager struct {
	deps   Deps
	opts   Options
	logger *logger.Logger
	now    func() time.Time

	mu           sync.RWMutex
	lastCapture  *time.Time
	lastByCamera map[string]time.Time
	lastCounts   map[string]int
}

// NewManager creates a Manager.
func NewManager(deps Deps, opts Options, log *logger.Logger) *Manager {
	if opts.CaptureEvery <= 0 {
		opts.CaptureEvery = 60 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Manager{
		deps:         deps,
		opts:         opts,
		logger:       log.Named("capture"),
		now:          time.Now,
		lastByCamera: make(map[string]time.Time),
		lastCounts:   make(map[string]int),
	}
}

// Run starts one worker per camera and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i, cam := range m.opts.Cameras {
		wg.Add(1)
		go func(workerID int, cam models.Camera) {
			defer wg.Done()
			m.worker(ctx, workerID, cam)
		}(i, cam)
	}

	m.logger.Info("capture workers started",
		logger.Int("cameras", len(m.opts.Cameras)),
		logger.Duration("every", m.opts.CaptureEvery))
	wg.Wait()
	m.logger.Info("all capture workers stopped")
	return nil
}

func (m *Manager) worker(ctx context.Context, workerID int, cam models.Camera) {
	log := m.logger.With(logger.Int("worker", workerID), logger.String("camera", cam.ResolvedID()))
	log.Info("capture worker started")

	ticker := time.NewTicker(m.opts.CaptureEvery)
	defer ticker.Stop()

	for {
		m.safeCycle(ctx, cam, log)

		select {
		case <-ctx.Done():
			log.Info("capture worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// safeCycle runs one cycle and keeps the worker alive whatever happens inside it.
func (m *Manager) safeCycle(ctx context.Context, cam models.Camera, log *logger.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("capture cycle panicked",
				logger.Any("panic", r),
				logger.String("stack", string(debug.Stack())))
		}
	}()

	res, err := m.RunCycle(ctx, cam)
	if err != nil {
		log.Error("capture cycle failed", logger.Err(err))
		return
	}
	log.Info("capture stored",
		logger.Int64("row_id", res.RowID),
		logger.Int("count", res.Count),
		logger.Bool("placeholder", res.Placeholder),
		logger.Bool("annotated", res.AnnotatedPath != nil))
}

// RunCycle acquires, detects, stores and enqueues one capture for cam.
// Only an outbox insert failure is returned; every other fault degrades the cycle.
func (m *Manager) RunCycle(ctx context.Context, cam models.Camera) (CycleResult, error) {
	start := time.Now()
	camID := cam.ResolvedID()

	frame, live := m.deps.Grabber.Grab(ctx, cam)
	defer frame.Close()

	capturedAt := m.now().UTC()
	res := CycleResult{Placeholder: !live}
	width, height := frame.Cols(), frame.Rows()

	rawPath, err := m.deps.Frames.Save(camID, storage.KindRaw, frame, capturedAt)
	if err != nil {
		m.logger.Error("failed to save raw frame", logger.String("camera", camID), logger.Err(err))
		rawPath = ""
	}
	res.RawPath = rawPath

	var (
		dets      []models.Detection
		targets   []string
		inference float64
		annotated gocv.Mat
	)
	switch {
	case rawPath == "":
		// nothing usable to detect on
	case !m.opts.DetectionEnabled:
		// raw + meta only
	default:
		targets = m.deps.Targets.Resolve(ctx, cam.ResolvedKey())
		out := m.deps.Detector.RunCamera(ctx, camID, frame, targets)
		if out.Degraded() {
			res.Degraded = true
			targets = nil
			m.logger.Warn("detector degraded, storing frame without detections",
				logger.String("camera", camID), logger.Err(out.Reason))
			break
		}

		dets = out.Detections
		inference = out.InferenceMs
		if inference <= 0 {
			inference = float64(time.Since(start).Microseconds()) / 1000.0
		}

		if len(dets) > 0 {
			annotated, err = annotate.Draw(frame, dets)
			if err != nil {
				m.logger.Warn("annotation failed", logger.String("camera", camID), logger.Err(err))
				break
			}
			defer annotated.Close()
			path, err := m.deps.Frames.Save(camID, storage.KindAnnotated, annotated, capturedAt)
			if err != nil {
				m.logger.Warn("failed to save annotated frame", logger.String("camera", camID), logger.Err(err))
				break
			}
			res.AnnotatedPath = &path
		}
	}

	res.Count = len(dets)
	res.Meta = m.deps.Builder.Build(camID, width, height, dets, inference, targets)
	metaJSON, err := json.Marshal(res.Meta)
	if err != nil {
		return res, fmt.Errorf("failed to encode meta: %w", err)
	}

	row := &models.OutboxRow{
		TimestampUTC:  res.Meta.TimestampUTC,
		CameraID:      camID,
		Count:         res.Count,
		MetaJSON:      string(metaJSON),
		RawPath:       rawPath,
		AnnotatedPath: res.AnnotatedPath,
	}
	id, err := m.deps.Outbox.Insert(ctx, row)
	if err != nil {
		return res, fmt.Errorf("failed to enqueue capture: %w", err)
	}
	res.RowID = id
	res.CaptureID = row.CaptureID

	m.recordCapture(camID, capturedAt, res.Count)
	m.deps.Metrics.RecordCycle(camID, res.Placeholder, res.Count, res.Degraded)
	m.publishEvent(camID, res)
	if res.AnnotatedPath != nil {
		m.sendToViewers(camID, res, annotated)
	} else {
		m.sendToViewers(camID, res, frame)
	}
	return res, nil
}

func (m *Manager) recordCapture(camID string, at time.Time, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := at
	m.lastCapture = &t
	m.lastByCamera[camID] = at
	m.lastCounts[camID] = count
}

// LastCapture returns the time of the most recent stored capture, or nil.
func (m *Manager) LastCapture() *time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.lastCapture == nil {
		return nil
	}
	t := *m.lastCapture
	return &t
}

// CameraStatus is the last known state of one camera.
type CameraStatus struct {
	CameraID    string     `json:"camera_id"`
	LastCapture *time.Time `json:"last_capture_utc"`
	LastCount   int        `json:"last_count"`
}

// Cameras returns the status of every configured camera, in configuration order.
func (m *Manager) Cameras() []CameraStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]CameraStatus, 0, len(m.opts.Cameras))
	for _, cam := range m.opts.Cameras {
		id := cam.ResolvedID()
		st := CameraStatus{CameraID: id, LastCount: m.lastCounts[id]}
		if t, ok := m.lastByCamera[id]; ok {
			st.LastCapture = &t
		}
		out = append(out, st)
	}
	return out
}

type captureEvent struct {
	CameraID     string `json:"camera_id"`
	CaptureID    string `json:"capture_id"`
	TimestampUTC string `json:"timestamp_utc"`
	Count        int    `json:"count"`
	Annotated    bool   `json:"annotated"`
	Placeholder  bool   `json:"placeholder"`
}

func (m *Manager) publishEvent(camID string, res CycleResult) {
	if m.deps.Publisher == nil {
		return
	}
	payload, err := json.Marshal(captureEvent{
		CameraID:     camID,
		CaptureID:    res.CaptureID,
		TimestampUTC: res.Meta.TimestampUTC,
		Count:        res.Count,
		Annotated:    res.AnnotatedPath != nil,
		Placeholder:  res.Placeholder,
	})
	if err != nil {
		return
	}
	topic := mqttclient.CaptureTopic(m.opts.BaseTopic, m.opts.DeviceID, camID)
	if err := m.deps.Publisher.Publish(topic, 0, false, payload); err != nil {
		m.logger.Warn("capture event publish failed", logger.String("topic", topic), logger.Err(err))
	}
}

type liveMessage struct {
	Camera       string `json:"camera"`
	TimestampUTC string `json:"timestamp_utc"`
	Count        int    `json:"count"`
	Image        string `json:"image"`
}

// sendToViewers pushes the frame to live-view clients, skipping the encode when nobody listens.
func (m *Manager) sendToViewers(camID string, res CycleResult, frame gocv.Mat) {
	if m.deps.Hub == nil || m.deps.Hub.GetClientCount() == 0 || frame.Empty() {
		return
	}

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, frame)
	if err != nil {
		m.logger.Warn("failed to encode live frame", logger.Err(err))
		return
	}
	defer buf.Close()

	msg, err := json.Marshal(liveMessage{
		Camera:       camID,
		TimestampUTC: res.Meta.TimestampUTC,
		Count:        res.Count,
		Image:        base64.StdEncoding.EncodeToString(buf.GetBytes()),
	})
	if err != nil {
		return
	}
	if !m.deps.Hub.Broadcast(msg) {
		m.logger.Debug("live queue full, frame dropped", logger.String("camera", camID))
	}
}
