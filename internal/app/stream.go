package app

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamSendBuffer   = 64
	streamWriteTimeout = 5 * time.Second
	streamPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// StreamMessage is one frame on /api/events/stream.
type StreamMessage struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

type streamConn struct {
	conn *websocket.Conn
	send chan []byte
}

// streamHub fans messages out to WebSocket subscribers. Broadcast never blocks: a
// subscriber whose buffer is full misses the frame.
type streamHub struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[*streamConn]struct{}
}

func newStreamHub(logger *slog.Logger) *streamHub {
	return &streamHub{logger: logger, conns: make(map[*streamConn]struct{})}
}

func (h *streamHub) Broadcast(msg StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal stream message", "type", msg.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.conns {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("stream subscriber too slow, frame dropped", "type", msg.Type)
		}
	}
}

// Count returns the number of connected subscribers.
func (h *streamHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *streamHub) add(c *streamConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *streamHub) remove(c *streamConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams frames until the client goes away.
func (h *streamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket connection", "error", err)
		return
	}

	c := &streamConn{conn: conn, send: make(chan []byte, streamSendBuffer)}
	h.add(c)
	h.logger.Info("stream client subscribed", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go h.writeLoop(c, done)

	defer func() {
		h.remove(c)
		close(done)
		_ = conn.Close()
		h.logger.Info("stream client unsubscribed", "remote", r.RemoteAddr)
	}()

	// Clients are not expected to send anything; reading detects the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("stream connection closed unexpectedly", "error", err)
			}
			return
		}
	}
}

func (h *streamHub) writeLoop(c *streamConn, done <-chan struct{}) {
	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("stream write failed", "error", err)
				_ = c.conn.Close()
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}
