// Package capture acquires frames from camera sources.
//
// A source is opened per grab, warmed up for a bounded window, and only frames that are not
// uniformly black are accepted. When no usable frame arrives a flat gray placeholder of the
// configured size is returned so the pipeline always has something to process.
package capture

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gocv.io/x/gocv"

	"edgecam/internal/logger"
	"edgecam/internal/models"
)

const (
	// DefaultWarmup bounds how long a freshly opened source may take to deliver a frame.
	DefaultWarmup = 3 * time.Second
	// DefaultPoll is the delay between reads during warm-up.
	DefaultPoll = 20 * time.Millisecond

	placeholderLevel = 20
	darkThreshold    = 1.0
)

// Source is an opened camera stream. *gocv.VideoCapture satisfies it.
type Source interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// SourceOpener opens a camera source by URI, device index or file path.
type SourceOpener interface {
	Open(source string) (Source, error)
}

// VideoCaptureOpener opens sources through OpenCV's FFmpeg backend.
type VideoCaptureOpener struct{}

// Open implements SourceOpener.
func (VideoCaptureOpener) Open(source string) (Source, error) {
	var device interface{} = source
	if idx, err := strconv.Atoi(strings.TrimSpace(source)); err == nil {
		device = idx
	}

	vc, err := gocv.OpenVideoCaptureWithAPI(device, gocv.VideoCaptureFFmpeg)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture %q: %w", source, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("capture %q is not opened", source)
	}
	vc.Set(gocv.VideoCaptureBufferSize, 1)
	return vc, nil
}

// Acquirer grabs single frames from cameras.
type Acquirer struct {
	opener SourceOpener
	width  int
	height int
	warmup time.Duration
	poll   time.Duration
	logger *logger.Logger
}

// Option customizes an Acquirer.
type Option func(*Acquirer)

// WithWarmup overrides the warm-up window.
func WithWarmup(d time.Duration) Option {
	return func(a *Acquirer) { a.warmup = d }
}

// WithPoll overrides the warm-up read interval.
func WithPoll(d time.Duration) Option {
	return func(a *Acquirer) { a.poll = d }
}

// NewAcquirer creates an Acquirer producing width×height placeholders when a source fails.
func NewAcquirer(opener SourceOpener, width, height int, log *logger.Logger, opts ...Option) *Acquirer {
	if opener == nil {
		opener = VideoCaptureOpener{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	a := &Acquirer{
		opener: opener,
		width:  width,
		height: height,
		warmup: DefaultWarmup,
		poll:   DefaultPoll,
		logger: log.Named("capture"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Grab returns one frame for the camera and whether it came from the live source.
// The caller owns the returned Mat and must Close it.
func (a *Acquirer) Grab(ctx context.Context, camera models.Camera) (gocv.Mat, bool) {
	if !camera.HasSource() {
		return a.Placeholder(), false
	}

	src, err := a.opener.Open(camera.Source)
	if err != nil {
		a.logger.Warn("camera unreachable, using placeholder",
			logger.String("camera", camera.ResolvedID()),
			logger.Err(err))
		return a.Placeholder(), false
	}
	defer src.Close()

	if frame, ok := a.warmUp(ctx, src); ok {
		return frame, true
	}

	a.logger.Warn("no usable frame within warm-up window, using placeholder",
		logger.String("camera", camera.ResolvedID()),
		logger.Duration("warmup", a.warmup))
	return a.Placeholder(), false
}

func (a *Acquirer) warmUp(ctx context.Context, src Source) (gocv.Mat, bool) {
	frame := gocv.NewMat()
	deadline := time.Now().Add(a.warmup)

	for time.Now().Before(deadline) {
		if src.Read(&frame) && !frame.Empty() && Usable(frame.ToBytes()) {
			return frame, true
		}

		select {
		case <-ctx.Done():
			frame.Close()
			return gocv.Mat{}, false
		case <-time.After(a.poll):
		}
	}

	frame.Close()
	return gocv.Mat{}, false
}

// Placeholder returns a flat (20,20,20) BGR frame of the configured size.
func (a *Acquirer) Placeholder() gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(
		gocv.NewScalar(placeholderLevel, placeholderLevel, placeholderLevel, 0),
		a.height, a.width, gocv.MatTypeCV8UC3)
}

// Usable reports whether raw pixel data is not a uniformly black decoder frame:
// its mean or variance must exceed 1.0.
func Usable(pixels []byte) bool {
	mean, variance := Stats(pixels)
	return mean > darkThreshold || variance > darkThreshold
}

// Stats returns the mean and population variance of the pixel bytes.
func Stats(pixels []byte) (mean, variance float64) {
	if len(pixels) == 0 {
		return 0, 0
	}

	var sum float64
	for _, p := range pixels {
		sum += float64(p)
	}
	mean = sum / float64(len(pixels))

	var sq float64
	for _, p := range pixels {
		d := float64(p) - mean
		sq += d * d
	}
	return mean, sq / float64(len(pixels))
}
