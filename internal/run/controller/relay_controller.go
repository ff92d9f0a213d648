package controller

import (
	"context"
	"net/http"
	"time"

	"runbox/internal/run/events"
	"runbox/pkg/utils/logger"
	"runbox/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = 50 * time.Second
)

// Subscriber opens a live view of one run's events.
type Subscriber interface {
	Subscribe(ctx context.Context, runID string) (*events.Subscription, error)
}

// RelayConfig tunes the websocket relay.
type RelayConfig struct {
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

// RelayController upgrades clients to websockets and forwards run events verbatim.
type RelayController struct {
	subscriber Subscriber
	upgrader   websocket.Upgrader
	cfg        RelayConfig
}

func NewRelayController(subscriber Subscriber, cfg RelayConfig) *RelayController {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &RelayController{
		subscriber: subscriber,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		cfg: cfg,
	}
}

// Register mounts the stream route on group.
func (h *RelayController) Register(group gin.IRoutes) {
	group.GET("/runs/:runId/stream", h.Stream)
}

// Stream relays every event published for the run until either side goes away.
// The subscription is opened before the upgrade so the subscribed frame means events will follow.
func (h *RelayController) Stream(c *gin.Context) {
	runID := c.Param("runId")
	if runID == "" {
		response.BadRequest(c, "Invalid run id")
		return
	}
	ctx, cancel := context.WithCancel(logger.WithRunID(c.Request.Context(), runID))
	defer cancel()

	sub, err := h.subscriber.Subscribe(ctx, runID)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer func() {
		_ = sub.Close()
	}()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		logger.Warn(ctx, "websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() {
		_ = conn.Close()
	}()
	logger.Info(ctx, "relay client connected", zap.String("client_ip", c.ClientIP()))

	go h.readLoop(conn, cancel)
	h.writeLoop(ctx, conn, sub)
	logger.Info(ctx, "relay client disconnected")
}

// readLoop discards client frames and cancels ctx once the peer is gone.
func (h *RelayController) readLoop(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *RelayController) writeLoop(ctx context.Context, conn *websocket.Conn, sub *events.Subscription) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.cfg.WriteWait))
			return
		case payload, ok := <-sub.Events():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug(ctx, "relay write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}
