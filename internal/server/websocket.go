package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/airmslabs/airms-gateway/internal/models"
)

// Stream message types.
const (
	StreamTypeReport    = "report"
	StreamTypeHeartbeat = "heartbeat"
)

// StreamMessage is one frame on the live risk stream.
type StreamMessage struct {
	Type      string             `json:"type"`
	Report    *models.RiskReport `json:"report,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

const (
	writeDeadline     = 10 * time.Second
	heartbeatInterval = 30 * time.Second

	// clientBuffer bounds per-client queued reports. A client that cannot
	// drain its buffer is dropped rather than blocking the pipeline.
	clientBuffer = 16
)

// ReportHub fans completed risk reports out to connected websocket clients.
// It implements the orchestrator's report sink; emission never blocks on a
// slow client.
type ReportHub struct {
	allowedOrigins []string
	upgrader       websocket.Upgrader
	logger         *zap.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	conn *websocket.Conn
	send chan *StreamMessage
	done chan struct{}
	once sync.Once
}

// NewReportHub creates the hub. Origins follow the server config: an entry
// of "*" allows any origin, and requests without an Origin header
// (non-browser clients) are always allowed.
func NewReportHub(allowedOrigins []string, logger *zap.Logger) *ReportHub {
	h := &ReportHub{
		allowedOrigins: allowedOrigins,
		clients:        make(map[*streamClient]struct{}),
		logger:         logger,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return h.originAllowed(r.Header.Get("Origin"))
		},
	}
	return h
}

// originAllowed applies the allowed-origins policy to one Origin header.
func (h *ReportHub) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleStream upgrades the connection and streams reports until the client
// disconnects.
func (h *ReportHub) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Debug("websocket upgrade rejected", zap.Error(err))
		return
	}

	client := &streamClient{
		conn: conn,
		send: make(chan *StreamMessage, clientBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("risk stream client connected", zap.Int("clients", count))

	go client.writePump()
	client.readPump()

	h.remove(client)
	h.logger.Info("risk stream client disconnected")
}

// EmitReport queues the report for every connected client. Clients whose
// buffers are full are dropped.
func (h *ReportHub) EmitReport(report *models.RiskReport) {
	msg := &StreamMessage{
		Type:      StreamTypeReport,
		Report:    report,
		Timestamp: time.Now().UTC(),
	}

	h.mu.Lock()
	var stale []*streamClient
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			stale = append(stale, client)
		}
	}
	for _, client := range stale {
		delete(h.clients, client)
	}
	h.mu.Unlock()

	for _, client := range stale {
		client.close()
		h.logger.Warn("risk stream client dropped, buffer full")
	}
}

// ClientCount returns the number of connected stream clients.
func (h *ReportHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all clients and rejects new ones.
func (h *ReportHub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*streamClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*streamClient]struct{})
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
}

func (h *ReportHub) remove(client *streamClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

// ─── Stream client ──────────────────────────────────────────────────────────

// writePump serializes all writes to the connection: queued reports and the
// heartbeat.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-c.done:
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteJSON(&StreamMessage{
				Type:      StreamTypeHeartbeat,
				Timestamp: time.Now().UTC(),
			}); err != nil {
				c.close()
				return
			}
		}
	}
}

// readPump discards inbound frames; the stream is one-way. It returns when
// the client disconnects.
func (c *streamClient) readPump() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.close()
			return
		}
	}
}

func (c *streamClient) close() {
	c.once.Do(func() { close(c.done) })
}
