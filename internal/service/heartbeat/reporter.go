// Package heartbeat periodically reports device liveness to a remote endpoint.
package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"edgecam/internal/logger"
	"edgecam/internal/metrics"
	"edgecam/internal/models"
)

const (
	// DefaultTimeout bounds one heartbeat request.
	DefaultTimeout = 15 * time.Second
	// DefaultMaxDelay caps the delay between failing heartbeats.
	DefaultMaxDelay = 300 * time.Second
)

// ErrRejected is returned when the endpoint answers with a non-2xx status.
var ErrRejected = errors.New("heartbeat rejected")

// Publisher mirrors heartbeats to a message broker.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Payload is the JSON body of one heartbeat.
type Payload struct {
	DeviceID        string       `json:"deviceId"`
	Hostname        string       `json:"hostname"`
	LocalIP         *string      `json:"localIp"`
	CaptureSinceUtc *string      `json:"captureSinceUtc"`
	LastCaptureUtc  *string      `json:"lastCaptureUtc"`
	AppVersion      string       `json:"appVersion"`
	Status          string       `json:"status"`
	System          *SystemStats `json:"system,omitempty"`
}

// Config controls the reporter.
type Config struct {
	URL        string
	DeviceID   string
	AppVersion string
	Interval   time.Duration
	Timeout    time.Duration
	MaxDelay   time.Duration
}

// Reporter sends heartbeats on its own schedule.
type Reporter struct {
	cfg         Config
	client      *http.Client
	lastCapture func() *time.Time
	hostname    string
	localIP     func() *string
	stats       StatsCollector
	publisher   Publisher
	topic       string
	metrics     *metrics.Metrics
	logger      *logger.Logger

	mu           sync.Mutex
	captureSince *string
	delay        time.Duration
}

// Option customizes a Reporter.
type Option func(*Reporter)

// WithPublisher mirrors every payload, retained, to topic.
func WithPublisher(p Publisher, topic string) Option {
	return func(r *Reporter) {
		r.publisher = p
		r.topic = topic
	}
}

// WithStats attaches a system stats collector.
func WithStats(s StatsCollector) Option {
	return func(r *Reporter) { r.stats = s }
}

// WithLocalIP overrides local address discovery.
func WithLocalIP(f func() *string) Option {
	return func(r *Reporter) { r.localIP = f }
}

// WithMetrics attaches pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reporter) { r.metrics = m }
}

// NewReporter creates a reporter. lastCapture returns the most recent capture time or nil.
func NewReporter(cfg Config, client *http.Client, lastCapture func() *time.Time, log *logger.Logger, opts ...Option) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if client == nil {
		client = http.DefaultClient
	}
	if lastCapture == nil {
		lastCapture = func() *time.Time { return nil }
	}
	if log == nil {
		log = logger.NewNop()
	}
	hostname, _ := os.Hostname()

	r := &Reporter{
		cfg:         cfg,
		client:      client,
		lastCapture: lastCapture,
		hostname:    hostname,
		localIP:     LocalIP,
		logger:      log.Named("heartbeat"),
		delay:       cfg.Interval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sends heartbeats until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	r.logger.Info("heartbeat loop started", logger.Duration("interval", r.cfg.Interval))

	ip := r.localIP()
	for {
		err := r.Beat(ctx, ip)
		delay := r.next(err == nil)
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("heartbeat failed",
				logger.Err(err),
				logger.Duration("retry_in", delay))
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("heartbeat loop stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Beat sends one heartbeat. localIP may be nil.
func (r *Reporter) Beat(ctx context.Context, localIP *string) error {
	payload := r.payload(ctx, localIP)
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode heartbeat: %w", err)
	}

	if r.publisher != nil {
		if err := r.publisher.Publish(r.topic, 1, true, body); err != nil {
			r.logger.Warn("heartbeat mirror publish failed", logger.String("topic", r.topic), logger.Err(err))
		}
	}

	if r.cfg.URL == "" {
		return nil
	}

	err = r.post(ctx, body)
	r.metrics.RecordHeartbeat(err == nil)
	if err == nil {
		r.logger.Debug("heartbeat ok")
	}
	return err
}

func (r *Reporter) post(ctx context.Context, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.AppVersion != "" {
		req.Header.Set("User-Agent", "edgecam/"+r.cfg.AppVersion)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	return nil
}

func (r *Reporter) payload(ctx context.Context, localIP *string) Payload {
	var last *string
	if t := r.lastCapture(); t != nil {
		s := models.FormatMetaTime(*t)
		last = &s
	}

	r.mu.Lock()
	if r.captureSince == nil && last != nil {
		first := *last
		r.captureSince = &first
	}
	since := r.captureSince
	r.mu.Unlock()

	p := Payload{
		DeviceID:        r.cfg.DeviceID,
		Hostname:        r.hostname,
		LocalIP:         localIP,
		CaptureSinceUtc: since,
		LastCaptureUtc:  last,
		AppVersion:      r.cfg.AppVersion,
		Status:          "ok",
	}
	if r.stats != nil {
		s := r.stats(ctx)
		p.System = &s
	}
	return p
}

// next returns the delay before the following heartbeat: the interval after a success,
// otherwise double the previous delay capped at MaxDelay.
func (r *Reporter) next(ok bool) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ok {
		r.delay = r.cfg.Interval
	} else {
		r.delay = min(r.delay*2, r.cfg.MaxDelay)
	}
	return r.delay
}
