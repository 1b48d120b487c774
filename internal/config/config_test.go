package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgecam/internal/models"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HEARTBEAT_DEVICE_ID", "dev-1")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 1280, cfg.FrameWidth)
	assert.Equal(t, 720, cfg.FrameHeight)
	assert.Equal(t, 3*time.Second, cfg.WarmupWindow)
	assert.Equal(t, 60*time.Second, cfg.CaptureEvery)
	assert.True(t, cfg.DetectionOn)
	assert.InDelta(t, 0.20, cfg.Confidence, 1e-9)
	assert.Equal(t, 300*time.Second, cfg.TargetsTTL)
	assert.Equal(t, 5*time.Second, cfg.UploadTimeout)
	assert.Equal(t, 5*time.Second, cfg.BackoffStart)
	assert.Equal(t, 300*time.Second, cfg.BackoffMax)
	assert.Equal(t, 20, cfg.SyncBatchSize)
	assert.Equal(t, "http", cfg.UploadBackend)
	assert.True(t, cfg.VerifyTLS)
	assert.False(t, cfg.DeleteRawAfterSync)
	assert.Equal(t, "dev-1", cfg.HeartbeatDeviceID)
	assert.False(t, cfg.MQTT.Enabled())
	assert.Equal(t, []models.Camera{{ID: "cam1"}}, cfg.Cameras)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("FRAME_WIDTH", "640")
	t.Setenv("FRAME_HEIGHT", "480")
	t.Setenv("CAPTURE_EVERY_SEC", "2.5")
	t.Setenv("DETECTION_ENABLED", "false")
	t.Setenv("REMOTE_TARGETS_URL", "  http://cfg.local/targets  ")
	t.Setenv("UPLOAD_BACKEND", "MinIO")
	t.Setenv("REQUESTS_VERIFY_TLS", "false")
	t.Setenv("MQTT_HOST", "broker")
	t.Setenv("MQTT_BASE_TOPIC", "site/")
	t.Setenv("CAMERA_ID", "gate")
	t.Setenv("CAMERA_KEY", "gate-key")
	t.Setenv("CAMERA_SOURCE", "rtsp://10.0.0.2/live")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 640, cfg.FrameWidth)
	assert.Equal(t, 480, cfg.FrameHeight)
	assert.Equal(t, 2500*time.Millisecond, cfg.CaptureEvery)
	assert.False(t, cfg.DetectionOn)
	assert.Equal(t, "http://cfg.local/targets", cfg.TargetsURL)
	assert.Equal(t, "minio", cfg.UploadBackend)
	assert.False(t, cfg.VerifyTLS)
	assert.True(t, cfg.MQTT.Enabled())
	assert.Equal(t, "site", cfg.MQTT.BaseTopic)
	assert.Equal(t, []models.Camera{{ID: "gate", Key: "gate-key", Source: "rtsp://10.0.0.2/live"}}, cfg.Cameras)
}

func TestLoad_CameraListFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edgecam.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
FRAME_WIDTH: 800
cameras:
  - id: front
    key: front-door
    source: rtsp://10.0.0.3/live
  - id: yard
    source: "0"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 800, cfg.FrameWidth)
	assert.Equal(t, []models.Camera{
		{ID: "front", Key: "front-door", Source: "rtsp://10.0.0.3/live"},
		{ID: "yard", Source: "0"},
	}, cfg.Cameras)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("BACKOFF_START", "10")
	t.Setenv("BACKOFF_MAX", "5")
	t.Setenv("FRAME_WIDTH", "0")
	t.Setenv("UPLOAD_BACKEND", "ftp")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BACKOFF_MAX")
	assert.Contains(t, err.Error(), "frame size")
	assert.Contains(t, err.Error(), `"ftp"`)
}
