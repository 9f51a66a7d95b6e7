package stream

import (
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Client frames are ignored, so the read buffer only has to hold
	// control frames.
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 4096
	// pingInterval keeps idle connections alive through proxies.
	pingInterval = 30 * time.Second
)

// Handler upgrades a request to a WebSocket and streams events to it until
// the client disconnects or the Broadcaster closes.
type Handler struct {
	bc     *Broadcaster
	logger *slog.Logger
	// writeTimeout bounds every frame and control write.
	writeTimeout time.Duration
}

// NewHandler creates a Handler backed by bc. writeTimeout <= 0 uses 10
// seconds.
func NewHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{bc: bc, logger: logger, writeTimeout: writeTimeout}
}

// ServeHTTP upgrades the connection, registers a client under a fresh uuid
// and writes its frames until either side goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin:     sameOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("stream: upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	client := h.bc.Register(clientID)
	defer h.bc.Unregister(clientID)

	h.logger.Info("stream: client connected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)
	defer func() {
		h.logger.Info("stream: client disconnected",
			slog.String("client_id", clientID),
			slog.Int64("dropped", client.Dropped.Load()),
		)
	}()

	// Client frames are discarded; the read loop only detects close.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-readDone:
			return
		case frame, ok := <-client.Send():
			if !ok {
				h.closeNormal(conn)
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("stream: write failed", slog.String("client_id", clientID), slog.Any("error", err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
		}
	}
}

// closeNormal tells the client the server is going away. Errors are
// ignored; the connection is closed right after.
func (h *Handler) closeNormal(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.writeTimeout))
}

// sameOrigin accepts non-browser clients (no Origin header) and browsers on
// the page served from the same host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}
