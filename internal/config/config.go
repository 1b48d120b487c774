package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"edgecam/internal/models"
)

type Config struct {
	// Capture
	FrameRoot    string
	FrameWidth   int
	FrameHeight  int
	WarmupWindow time.Duration
	CaptureEvery time.Duration
	Cameras      []models.Camera
	DetectionOn  bool
	Confidence   float64
	ModelName    string
	ModelPath    string
	ModelConfig  string
	DBPath       string

	// Targets
	TargetsURL     string
	TargetsTTL     time.Duration
	TargetsTimeout time.Duration

	// Sync
	APIURL             string
	UploadBackend      string // http | minio
	UploadTimeout      time.Duration
	SyncEvery          time.Duration
	SyncBatchSize      int
	BackoffStart       time.Duration
	BackoffMax         time.Duration
	DeleteRawAfterSync bool
	VerifyTLS          bool

	// Heartbeat
	HeartbeatURL      string
	HeartbeatEvery    time.Duration
	HeartbeatDeviceID string
	AppVersion        string

	// Logging
	LogDirectory string
	LogLevel     string

	// Local status server
	StatusPort  int
	StatusToken string

	MQTT  MQTTConfig
	MinIO MinIOConfig
}

type MQTTConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	BaseTopic string
}

// Enabled reports whether an MQTT broker was configured.
func (c MQTTConfig) Enabled() bool { return c.Host != "" }

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Load reads .env (when present), the optional YAML config file and the environment.
// Environment variables win over file values; both win over defaults.
func Load(configFile string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if configFile == "" {
		configFile = os.Getenv("EDGECAM_CONFIG")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		FrameRoot:    v.GetString("FRAME_ROOT"),
		FrameWidth:   v.GetInt("FRAME_WIDTH"),
		FrameHeight:  v.GetInt("FRAME_HEIGHT"),
		WarmupWindow: seconds(v.GetFloat64("WARMUP_SECONDS")),
		CaptureEvery: seconds(v.GetFloat64("CAPTURE_EVERY_SEC")),
		DetectionOn:  v.GetBool("DETECTION_ENABLED"),
		Confidence:   v.GetFloat64("DETECTION_CONFIDENCE"),
		ModelName:    v.GetString("MODEL_NAME"),
		ModelPath:    v.GetString("MODEL_PATH"),
		ModelConfig:  v.GetString("MODEL_CONFIG_PATH"),
		DBPath:       v.GetString("DB_PATH"),

		TargetsURL:     strings.TrimSpace(v.GetString("REMOTE_TARGETS_URL")),
		TargetsTTL:     seconds(v.GetFloat64("REMOTE_TARGETS_TTL_SEC")),
		TargetsTimeout: seconds(v.GetFloat64("TARGETS_TIMEOUT_SEC")),

		APIURL:             strings.TrimSpace(v.GetString("API_URL")),
		UploadBackend:      strings.ToLower(v.GetString("UPLOAD_BACKEND")),
		UploadTimeout:      seconds(v.GetFloat64("UPLOAD_TIMEOUT_SEC")),
		SyncEvery:          seconds(v.GetFloat64("SYNC_EVERY_SEC")),
		SyncBatchSize:      v.GetInt("SYNC_BATCH_SIZE"),
		BackoffStart:       seconds(v.GetFloat64("BACKOFF_START")),
		BackoffMax:         seconds(v.GetFloat64("BACKOFF_MAX")),
		DeleteRawAfterSync: v.GetBool("DELETE_RAW_AFTER_SUCCESS_SYNC"),
		VerifyTLS:          v.GetBool("REQUESTS_VERIFY_TLS"),

		HeartbeatURL:      strings.TrimSpace(v.GetString("HEARTBEAT_URL")),
		HeartbeatEvery:    seconds(v.GetFloat64("HEARTBEAT_EVERY_SEC")),
		HeartbeatDeviceID: v.GetString("HEARTBEAT_DEVICE_ID"),
		AppVersion:        v.GetString("HEARTBEAT_APP_VERSION"),

		LogDirectory: v.GetString("LOG_DIR"),
		LogLevel:     v.GetString("LOG_LEVEL"),

		StatusPort:  v.GetInt("STATUS_PORT"),
		StatusToken: v.GetString("STATUS_TOKEN"),

		MQTT: MQTTConfig{
			Host:      v.GetString("MQTT_HOST"),
			Port:      v.GetInt("MQTT_PORT"),
			Username:  v.GetString("MQTT_USERNAME"),
			Password:  v.GetString("MQTT_PASSWORD"),
			BaseTopic: strings.TrimSuffix(v.GetString("MQTT_BASE_TOPIC"), "/"),
		},
		MinIO: MinIOConfig{
			Endpoint:  v.GetString("MINIO_ENDPOINT"),
			AccessKey: v.GetString("MINIO_ACCESS_KEY"),
			SecretKey: v.GetString("MINIO_SECRET_KEY"),
			Bucket:    v.GetString("MINIO_BUCKET"),
			UseSSL:    v.GetBool("MINIO_USE_SSL"),
		},
	}

	if err := v.UnmarshalKey("cameras", &cfg.Cameras); err != nil {
		return nil, fmt.Errorf("failed to parse cameras: %w", err)
	}
	if len(cfg.Cameras) == 0 {
		cfg.Cameras = []models.Camera{{
			ID:     v.GetString("CAMERA_ID"),
			Key:    v.GetString("CAMERA_KEY"),
			Source: v.GetString("CAMERA_SOURCE"),
		}}
	}
	if cfg.HeartbeatDeviceID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.HeartbeatDeviceID = host
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("FRAME_ROOT", filepath.Join(".", "frames"))
	v.SetDefault("FRAME_WIDTH", 1280)
	v.SetDefault("FRAME_HEIGHT", 720)
	v.SetDefault("WARMUP_SECONDS", 3)
	v.SetDefault("CAPTURE_EVERY_SEC", 60)
	v.SetDefault("DETECTION_ENABLED", true)
	v.SetDefault("DETECTION_CONFIDENCE", 0.20)
	v.SetDefault("MODEL_NAME", "ssd_mobilenet_v1_coco")
	v.SetDefault("MODEL_PATH", filepath.Join(".", "models", "frozen_inference_graph.pb"))
	v.SetDefault("MODEL_CONFIG_PATH", filepath.Join(".", "models", "ssd_mobilenet_v1_coco_2017_11_17.pbtxt"))
	v.SetDefault("DB_PATH", filepath.Join(".", "data", "edgecam.db"))

	v.SetDefault("REMOTE_TARGETS_URL", "")
	v.SetDefault("REMOTE_TARGETS_TTL_SEC", 300)
	v.SetDefault("TARGETS_TIMEOUT_SEC", 30)

	v.SetDefault("API_URL", "")
	v.SetDefault("UPLOAD_BACKEND", "http")
	v.SetDefault("UPLOAD_TIMEOUT_SEC", 5)
	v.SetDefault("SYNC_EVERY_SEC", 10)
	v.SetDefault("SYNC_BATCH_SIZE", 20)
	v.SetDefault("BACKOFF_START", 5)
	v.SetDefault("BACKOFF_MAX", 300)
	v.SetDefault("DELETE_RAW_AFTER_SUCCESS_SYNC", false)
	v.SetDefault("REQUESTS_VERIFY_TLS", true)

	v.SetDefault("HEARTBEAT_URL", "")
	v.SetDefault("HEARTBEAT_EVERY_SEC", 60)
	v.SetDefault("HEARTBEAT_DEVICE_ID", "")
	v.SetDefault("HEARTBEAT_APP_VERSION", "dev")

	v.SetDefault("LOG_DIR", filepath.Join(".", "logs"))
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("STATUS_PORT", 8080)
	v.SetDefault("STATUS_TOKEN", "")

	v.SetDefault("MQTT_HOST", "")
	v.SetDefault("MQTT_PORT", 1883)
	v.SetDefault("MQTT_USERNAME", "")
	v.SetDefault("MQTT_PASSWORD", "")
	v.SetDefault("MQTT_BASE_TOPIC", "edgecam")

	v.SetDefault("MINIO_ENDPOINT", "localhost:9000")
	v.SetDefault("MINIO_ACCESS_KEY", "")
	v.SetDefault("MINIO_SECRET_KEY", "")
	v.SetDefault("MINIO_BUCKET", "edgecam-captures")
	v.SetDefault("MINIO_USE_SSL", false)

	v.SetDefault("CAMERA_ID", "cam1")
	v.SetDefault("CAMERA_KEY", "")
	v.SetDefault("CAMERA_SOURCE", "")
}

// Validate checks sizes and intervals that would otherwise break the loops.
func (c *Config) Validate() error {
	var errs []error
	if c.FrameWidth <= 0 || c.FrameHeight <= 0 {
		errs = append(errs, fmt.Errorf("frame size must be positive, got %dx%d", c.FrameWidth, c.FrameHeight))
	}
	if c.CaptureEvery <= 0 {
		errs = append(errs, errors.New("CAPTURE_EVERY_SEC must be positive"))
	}
	if c.SyncEvery <= 0 {
		errs = append(errs, errors.New("SYNC_EVERY_SEC must be positive"))
	}
	if c.SyncBatchSize <= 0 {
		errs = append(errs, errors.New("SYNC_BATCH_SIZE must be positive"))
	}
	if c.BackoffStart <= 0 {
		errs = append(errs, errors.New("BACKOFF_START must be positive"))
	}
	if c.BackoffMax < c.BackoffStart {
		errs = append(errs, errors.New("BACKOFF_MAX must not be lower than BACKOFF_START"))
	}
	if c.TargetsTTL <= 0 {
		errs = append(errs, errors.New("REMOTE_TARGETS_TTL_SEC must be positive"))
	}
	if c.HeartbeatEvery <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_EVERY_SEC must be positive"))
	}
	if c.UploadBackend != "http" && c.UploadBackend != "minio" {
		errs = append(errs, fmt.Errorf("unknown UPLOAD_BACKEND %q", c.UploadBackend))
	}
	return errors.Join(errs...)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
