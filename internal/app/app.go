// Package app wires the capture, sync and heartbeat loops together.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"edgecam/internal/config"
	"edgecam/internal/logger"
	"edgecam/internal/metrics"
	"edgecam/internal/mqttclient"
	"edgecam/internal/repository/sqlite"
	"edgecam/internal/route"
	"edgecam/internal/service"
	"edgecam/internal/service/ai"
	"edgecam/internal/service/capture"
	"edgecam/internal/service/detection"
	"edgecam/internal/service/heartbeat"
	"edgecam/internal/service/metadata"
	"edgecam/internal/service/storage"
	"edgecam/internal/service/syncer"
	"edgecam/internal/service/targets"
	"edgecam/internal/service/websocket"
)

const shutdownTimeout = 5 * time.Second

// App owns the long-lived components of the agent.
type App struct {
	config  *config.Config
	logger  *logger.Logger
	client  *http.Client
	metrics *metrics.Metrics

	db     *sqlite.DB
	outbox *sqlite.OutboxRepository
	frames *storage.FrameStore
	engine *syncer.Engine

	detector *ai.Detector
	mqtt     *mqttclient.Client
}

// NewApp opens the outbox and builds the sync side. The capture side is
// built by Run so that one-shot commands do not load the model.
func NewApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.NewNop()
	}

	m, err := metrics.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	db, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	a := &App{
		config:  cfg,
		logger:  log,
		client:  newHTTPClient(cfg.VerifyTLS),
		metrics: m,
		db:      db,
		outbox:  sqlite.NewOutboxRepository(db),
		frames:  storage.NewFrameStore(cfg.FrameRoot, log),
	}

	uploader, err := a.newUploader(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.engine = syncer.NewEngine(a.outbox, uploader, syncer.Config{
		BatchSize:          cfg.SyncBatchSize,
		Interval:           cfg.SyncEvery,
		BackoffStart:       cfg.BackoffStart,
		BackoffMax:         cfg.BackoffMax,
		DeleteRawAfterSync: cfg.DeleteRawAfterSync,
	}, log, syncer.WithMetrics(m))

	return a, nil
}

// newHTTPClient returns the client shared by the resolver, uploader and heartbeat.
// Per-request timeouts are set by each caller.
func newHTTPClient(verifyTLS bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !verifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &http.Client{Transport: transport}
}

func (a *App) newUploader(ctx context.Context) (syncer.Uploader, error) {
	switch a.config.UploadBackend {
	case "minio":
		up, err := syncer.NewMinIOUploader(ctx, syncer.MinIOConfig{
			Endpoint:  a.config.MinIO.Endpoint,
			AccessKey: a.config.MinIO.AccessKey,
			SecretKey: a.config.MinIO.SecretKey,
			Bucket:    a.config.MinIO.Bucket,
			UseSSL:    a.config.MinIO.UseSSL,
		}, a.config.UploadTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to set up minio uploader: %w", err)
		}
		a.logger.Info("uploading to object store",
			logger.String("endpoint", a.config.MinIO.Endpoint),
			logger.String("bucket", a.config.MinIO.Bucket))
		return up, nil
	default:
		if a.config.APIURL == "" {
			a.logger.Warn("API_URL not set, uploads will fail and back off until it is configured")
		}
		return syncer.NewHTTPUploader(a.config.APIURL, a.client, a.config.UploadTimeout,
			"edgecam/"+a.config.AppVersion), nil
	}
}

// Run starts every loop and blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	a.mqtt = a.connectMQTT()

	hub := websocket.NewHubService(a.logger)
	resolver := targets.NewResolver(a.config.TargetsURL, a.config.TargetsTTL, a.client, a.logger,
		targets.WithTimeout(a.config.TargetsTimeout))

	deps := service.Deps{
		Grabber: capture.NewAcquirer(capture.VideoCaptureOpener{}, a.config.FrameWidth, a.config.FrameHeight,
			a.logger, capture.WithWarmup(a.config.WarmupWindow)),
		Targets:  resolver,
		Detector: detection.NewAdapter(a.loadDetector(), a.config.Confidence, a.logger),
		Builder:  metadata.NewBuilder(a.config.ModelName, nil),
		Frames:   a.frames,
		Outbox:   a.outbox,
		Hub:      hub,
		Metrics:  a.metrics,
	}
	if a.mqtt != nil {
		deps.Publisher = a.mqtt
	}
	manager := service.NewManager(deps, service.Options{
		Cameras:          a.config.Cameras,
		CaptureEvery:     a.config.CaptureEvery,
		DetectionEnabled: a.config.DetectionOn,
		DeviceID:         a.config.HeartbeatDeviceID,
		BaseTopic:        a.config.MQTT.BaseTopic,
	}, a.logger)

	hbOpts := []heartbeat.Option{
		heartbeat.WithStats(heartbeat.HostStats(a.config.FrameRoot)),
		heartbeat.WithMetrics(a.metrics),
	}
	if a.mqtt != nil {
		hbOpts = append(hbOpts, heartbeat.WithPublisher(a.mqtt,
			mqttclient.HeartbeatTopic(a.config.MQTT.BaseTopic, a.config.HeartbeatDeviceID)))
	}
	reporter := heartbeat.NewReporter(heartbeat.Config{
		URL:        a.config.HeartbeatURL,
		DeviceID:   a.config.HeartbeatDeviceID,
		AppVersion: a.config.AppVersion,
		Interval:   a.config.HeartbeatEvery,
	}, a.client, manager.LastCapture, a.logger, hbOpts...)

	a.logger.Info("edgecam starting",
		logger.String("device", a.config.HeartbeatDeviceID),
		logger.String("version", a.config.AppVersion),
		logger.Int("cameras", len(a.config.Cameras)),
		logger.String("frames", a.config.FrameRoot),
		logger.Bool("detection", a.config.DetectionOn))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return manager.Run(ctx) })
	g.Go(func() error { return a.engine.Run(ctx) })
	g.Go(func() error { return reporter.Run(ctx) })

	if a.config.StatusPort > 0 {
		srv := &http.Server{
			Addr: net.JoinHostPort("", strconv.Itoa(a.config.StatusPort)),
			Handler: route.SetupRoutes(route.Deps{
				DeviceID: a.config.HeartbeatDeviceID,
				Version:  a.config.AppVersion,
				Token:    a.config.StatusToken,
				LogDir:   a.config.LogDirectory,
				Cameras:  manager,
				Outbox:   a.outbox,
				Backoff:  a.engine.Backoff(),
				Hub:      hub,
				Metrics:  a.metrics.Handler(),
			}, a.logger.Named("status")),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error { return a.serve(ctx, srv) })
	}

	return g.Wait()
}

func (a *App) serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("status server listening", logger.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("status server shutdown incomplete", logger.Err(err))
		}
		return nil
	}
}

// loadDetector returns nil when detection is off or the model cannot be loaded;
// the adapter then reports every cycle as degraded.
func (a *App) loadDetector() detection.Detector {
	if !a.config.DetectionOn {
		return nil
	}
	det, err := ai.NewDetector(a.config.ModelPath, a.config.ModelConfig, a.logger)
	if err != nil {
		a.logger.Error("failed to load detection model, frames will be stored without detections",
			logger.String("model", a.config.ModelPath), logger.Err(err))
		return nil
	}
	a.detector = det
	a.logger.Info("detection model loaded", logger.String("model", a.config.ModelPath))
	return det
}

// connectMQTT returns nil when no broker is configured. An unreachable broker
// is retried in the background and publishes fail fast until it connects.
func (a *App) connectMQTT() *mqttclient.Client {
	if !a.config.MQTT.Enabled() {
		return nil
	}
	cli, err := mqttclient.NewClient(mqttclient.Config{
		Host:     a.config.MQTT.Host,
		Port:     a.config.MQTT.Port,
		Username: a.config.MQTT.Username,
		Password: a.config.MQTT.Password,
		ClientID: "edgecam-" + a.config.HeartbeatDeviceID,
	}, a.logger)
	if err != nil {
		a.logger.Warn("mqtt disabled", logger.Err(err))
		return nil
	}
	return cli
}

// SyncOnce runs a single sync pass.
func (a *App) SyncOnce(ctx context.Context) (syncer.PassResult, error) {
	return a.engine.AttemptSync(ctx)
}

// Close releases the model, the broker connection and the database.
func (a *App) Close() error {
	if a.detector != nil {
		if err := a.detector.Close(); err != nil {
			a.logger.Warn("failed to close detector", logger.Err(err))
		}
	}
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	return a.db.Close()
}

// Backfill enqueues unknown raw frames found under dir.
func (a *App) Backfill(ctx context.Context, dir string) (BackfillResult, error) {
	return Backfill(ctx, a.outbox, dir, a.logger)
}
