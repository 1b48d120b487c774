package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"edgecam/internal/logger"
)

// Upgrader upgrades HTTP connections to WebSocket; CheckOrigin allows all origins.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	defaultReadTimeout = 60 * time.Second
	defaultPingPeriod  = 54 * time.Second
	controlWriteWait   = 5 * time.Second
)

// LiveOptions tune the viewer keepalive. Zero values use 60s and 54s.
// PingPeriod must stay below ReadTimeout so a pong lands before the deadline.
type LiveOptions struct {
	ReadTimeout time.Duration
	PingPeriod  time.Duration
}

func (o LiveOptions) withDefaults() LiveOptions {
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = defaultPingPeriod
	}
	return o
}

// ClientRegistry tracks live-view connections.
type ClientRegistry interface {
	Register(ctx context.Context, client *websocket.Conn)
	Unregister(ctx context.Context, client *websocket.Conn)
}

// LiveWebsocketHandler handles viewer connections over WebSocket and
// registers them in the hub to receive every stored frame. Viewers are pinged
// every PingPeriod; one that stops answering is dropped after ReadTimeout.
func LiveWebsocketHandler(hub ClientRegistry, opts LiveOptions, log *logger.Logger) http.HandlerFunc {
	opts = opts.withDefaults()
	return func(w http.ResponseWriter, r *http.Request) {
		connection, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", logger.Err(err))
			return
		}
		connection.SetReadLimit(512)
		connection.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		connection.SetPongHandler(func(string) error {
			connection.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
			return nil
		})

		defer connection.Close()

		done := make(chan struct{})
		defer close(done)
		go keepAlive(connection, opts.PingPeriod, done, log)

		hub.Register(r.Context(), connection)
		defer func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), time.Second)
			defer cancel()
			hub.Unregister(ctx, connection)
		}()

		log.Info("viewer connected", logger.String("remote", r.RemoteAddr))

		for {
			if _, _, err := connection.ReadMessage(); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Info("viewer disconnected", logger.String("remote", r.RemoteAddr))
				} else {
					log.Warn("viewer disconnected with error", logger.String("remote", r.RemoteAddr), logger.Err(err))
				}
				return
			}
		}
	}
}

// keepAlive pings the viewer until done is closed or a ping cannot be written.
func keepAlive(connection *websocket.Conn, period time.Duration, done <-chan struct{}, log *logger.Logger) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := connection.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait)); err != nil {
				log.Debug("viewer ping failed", logger.Err(err))
				return
			}
		}
	}
}
