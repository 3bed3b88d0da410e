package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/huykn/offline-cache/cache"
)

// MessageType defines the type of hub message.
type MessageType string

const (
	// MessageTypeAlert carries an Alert to display.
	MessageTypeAlert MessageType = "alert"

	// MessageTypeDismiss asks clients to remove an alert.
	MessageTypeDismiss MessageType = "dismiss"

	// MessageTypeNavigate asks clients to open a location.
	MessageTypeNavigate MessageType = "navigate"

	// MessageTypeAction is sent by a client when the user selects an
	// action on an alert.
	MessageTypeAction MessageType = "action"
)

// Message is the envelope of every hub message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DismissData identifies the alert to remove.
type DismissData struct {
	AlertID string `json:"alert_id"`
}

// NavigateData is the location to open.
type NavigateData struct {
	Target string `json:"target"`
}

// ActionData is an action selected by the user.
type ActionData struct {
	AlertID string `json:"alert_id"`
	Action  string `json:"action"`
}

// Hub pushes alerts to connected UI clients over WebSocket and receives
// their action selections. It implements Presenter and Navigator and is
// mounted as an http.Handler.
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	onAction   func(ctx context.Context, alertID, action string)
	onActionMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	originPatterns []string
	logger         cache.Logger
}

// NewHub creates a hub and starts its broadcast loop. Browser connections
// are accepted from the hub's own host and from hosts matching
// originPatterns, e.g. "app.example" or "*.app.example".
func NewHub(logger cache.Logger, originPatterns ...string) *Hub {
	if logger == nil {
		logger = cache.NewNoOpLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,

		originPatterns: originPatterns,
	}

	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

// OnAction registers the handler of client action messages.
func (h *Hub) OnAction(fn func(ctx context.Context, alertID, action string)) {
	h.onActionMu.Lock()
	defer h.onActionMu.Unlock()
	h.onAction = fn
}

// Show broadcasts an alert.
func (h *Hub) Show(ctx context.Context, alert Alert) error {
	return h.send(MessageTypeAlert, alert)
}

// Dismiss broadcasts the removal of an alert.
func (h *Hub) Dismiss(ctx context.Context, alertID string) error {
	return h.send(MessageTypeDismiss, DismissData{AlertID: alertID})
}

// Navigate broadcasts a navigation.
func (h *Hub) Navigate(ctx context.Context, target string) error {
	return h.send(MessageTypeNavigate, NavigateData{Target: target})
}

func (h *Hub) send(t MessageType, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := Message{Type: t, Timestamp: time.Now(), Data: data}

	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	default:
		h.logger.Warn("Hub: broadcast channel full, dropping message", "type", t)
	}
	return nil
}

// ServeHTTP upgrades the connection to WebSocket and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn("Hub: WebSocket upgrade failed", "error", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	clientCount := len(h.clients)
	h.clientsMu.Unlock()

	h.logger.Info("Hub: client connected", "clients", clientCount)

	h.readLoop(conn)
}

// readLoop handles client messages until the connection closes.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)

	for {
		_, data, err := conn.Read(h.ctx)
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != MessageTypeAction {
			continue
		}
		var action ActionData
		if err := json.Unmarshal(msg.Data, &action); err != nil || action.AlertID == "" {
			continue
		}

		h.onActionMu.RLock()
		fn := h.onAction
		h.onActionMu.RUnlock()
		if fn != nil {
			fn(h.ctx, action.AlertID, action.Action)
		}
	}
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("Hub: failed to marshal message", "error", err)
				continue
			}

			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					h.logger.Warn("Hub: failed to send to client", "error", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, exists := h.clients[conn]; exists {
		delete(h.clients, conn)
		clientCount := len(h.clients)
		h.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Info("Hub: client disconnected", "clients", clientCount)
	} else {
		h.clientsMu.Unlock()
	}
}

// ClientCount returns the current number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and stops the broadcast loop.
func (h *Hub) Close() error {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
	return nil
}
