// Package mqttclient is a thin publisher over the Paho MQTT client.
package mqttclient

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"edgecam/internal/logger"
)

const (
	publishTimeout = 5 * time.Second
	retryInterval  = 10 * time.Second
)

var (
	// ErrPublishTimeout is returned when the broker does not acknowledge a publish in time.
	ErrPublishTimeout = errors.New("mqtt publish timeout")
	// ErrNotConnected is returned by Publish while the broker is unreachable.
	ErrNotConnected = errors.New("mqtt broker not connected")
)

// Config holds broker connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
}

// Client publishes messages to a broker and reconnects automatically.
type Client struct {
	client mqtt.Client
	logger *logger.Logger
}

// NewClient starts connecting to the broker described by cfg and returns without
// waiting. An unreachable broker is retried in the background until Close.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.NewNop()
	}
	log = log.Named("mqtt")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(retryInterval)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("broker connection lost", logger.Err(err))
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("broker connected", logger.String("host", cfg.Host), logger.Int("port", cfg.Port))
	})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if cfg.Host == "" {
		return nil, errors.New("mqtt host is empty")
	}

	cli := mqtt.NewClient(opts)
	cli.Connect()
	log.Info("connecting to broker", logger.String("host", cfg.Host), logger.Int("port", cfg.Port))

	return &Client{client: cli, logger: log}, nil
}

// Publish sends payload to topic and waits for the broker acknowledgement.
// It fails fast with ErrNotConnected while the broker is down.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Close disconnects from the broker and stops any pending connect retry.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect(250)
	}
}

// Topic joins topic levels, dropping empty ones and stray separators.
func Topic(levels ...string) string {
	parts := make([]string, 0, len(levels))
	for _, l := range levels {
		l = strings.Trim(l, "/")
		if l != "" {
			parts = append(parts, l)
		}
	}
	return strings.Join(parts, "/")
}

// HeartbeatTopic is where device heartbeats are mirrored.
func HeartbeatTopic(base, deviceID string) string {
	return Topic(base, deviceID, "heartbeat")
}

// CaptureTopic is where capture events for one camera are published.
func CaptureTopic(base, deviceID, cameraID string) string {
	return Topic(base, deviceID, cameraID, "capture")
}
