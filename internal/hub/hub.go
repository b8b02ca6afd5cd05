// Package hub maintains the set of connected viewer sessions and fans
// stream-availability and viewer-count changes out to them over
// WebSocket.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"streamcast/internal/stream"
	"streamcast/pkg/logging"
)

// Message is one server→viewer event frame
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Event types pushed to viewers
const (
	TypeViewerCount  = "viewerCount"
	TypeStreamStatus = "streamStatus"
)

// StreamStatusData is the payload of a streamStatus event
type StreamStatusData struct {
	Live bool   `json:"live"`
	Path string `json:"path"`
}

// ViewerCountData is the payload of a viewerCount event
type ViewerCountData struct {
	Count int `json:"count"`
}

// RequestHandler services signaling requests arriving on a viewer's
// notification channel (the peer-connection delivery leg). Errors are
// reported to the requesting viewer only.
type RequestHandler interface {
	HandleRequest(sessionID string, action string, data json.RawMessage) (interface{}, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub maintains the set of active viewer sessions. All session-set
// mutations and broadcasts flow through the Run loop, which gives every
// viewer the same global ordering of live-state transitions.
type Hub struct {
	sessions   map[*Session]bool
	register   chan *Session
	unregister chan *Session
	broadcast  chan Message
	state      *stream.State
	logger     logging.Logger
	mutex      sync.RWMutex

	// requests services signaling frames from viewers; nil disables
	// the peer-connection leg
	requests RequestHandler
	// onDisconnect releases per-session resources (negotiation state)
	onDisconnect func(sessionID string)
	// onCountChange is an optional observation hook for metrics
	onCountChange func(count int)

	pullMutex   sync.Mutex
	pullClients map[string]bool
}

// NewHub creates a hub bound to the authoritative stream state
func NewHub(state *stream.State, logger logging.Logger) *Hub {
	return &Hub{
		sessions:    make(map[*Session]bool),
		register:    make(chan *Session),
		unregister:  make(chan *Session),
		broadcast:   make(chan Message, 256),
		state:       state,
		logger:      logger,
		pullClients: make(map[string]bool),
	}
}

// SetRequestHandler wires the signaling handler for the peer-connection
// leg. Must be called before Run.
func (h *Hub) SetRequestHandler(rh RequestHandler) {
	h.requests = rh
}

// SetDisconnectFunc wires per-session teardown. Must be called before Run.
func (h *Hub) SetDisconnectFunc(fn func(sessionID string)) {
	h.onDisconnect = fn
}

// SetCountChangeFunc wires a viewer-count observation hook. Must be
// called before Run.
func (h *Hub) SetCountChangeFunc(fn func(count int)) {
	h.onCountChange = fn
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case session := <-h.register:
			h.addSession(session)

		case session := <-h.unregister:
			h.removeSession(session)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

func (h *Hub) addSession(session *Session) {
	h.mutex.Lock()
	h.sessions[session] = true
	count := len(h.sessions)
	h.mutex.Unlock()

	h.logger.WithFields(logging.Fields{
		"session_id":   session.ID,
		"viewer_count": count,
	}).Info("Viewer connected")

	// Every session, the new one included, learns the new count; only
	// the new session needs the current live state.
	h.broadcastMessage(newMessage(TypeViewerCount, ViewerCountData{Count: count}))
	snap := h.state.Get()
	session.deliver(newMessage(TypeStreamStatus, StreamStatusData{Live: snap.Live, Path: snap.Path}))

	if h.onCountChange != nil {
		h.onCountChange(count)
	}
}

func (h *Hub) removeSession(session *Session) {
	h.mutex.Lock()
	_, ok := h.sessions[session]
	if ok {
		delete(h.sessions, session)
		close(session.send)
	}
	count := len(h.sessions)
	h.mutex.Unlock()

	if !ok {
		return
	}

	h.logger.WithFields(logging.Fields{
		"session_id":   session.ID,
		"viewer_count": count,
	}).Info("Viewer disconnected")

	if h.onDisconnect != nil {
		h.onDisconnect(session.ID)
	}
	h.broadcastMessage(newMessage(TypeViewerCount, ViewerCountData{Count: count}))

	if h.onCountChange != nil {
		h.onCountChange(count)
	}
}

// broadcastMessage fans a message out to every connected session.
// Delivery is best effort per recipient: a session stuck mid-disconnect
// is evicted, never allowed to block the others.
func (h *Hub) broadcastMessage(message Message) {
	payload, err := json.Marshal(message)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal broadcast message")
		return
	}

	h.mutex.Lock()
	var evicted []*Session
	for session := range h.sessions {
		select {
		case session.send <- payload:
		default:
			delete(h.sessions, session)
			close(session.send)
			evicted = append(evicted, session)
		}
	}
	count := len(h.sessions)
	h.mutex.Unlock()

	if len(evicted) == 0 {
		return
	}

	// An evicted session gets the same teardown as a clean disconnect:
	// its negotiation state is released and the remaining viewers learn
	// the new count. The reader's later unregister finds the session
	// already gone and is a no-op.
	for _, session := range evicted {
		h.logger.WithField("session_id", session.ID).Warn("Evicted unresponsive viewer session")
		if h.onDisconnect != nil {
			h.onDisconnect(session.ID)
		}
	}
	if h.onCountChange != nil {
		h.onCountChange(count)
	}
	h.broadcastMessage(newMessage(TypeViewerCount, ViewerCountData{Count: count}))
}

// BroadcastStreamStatus fans an availability change out to every
// session. Transitions are queued in call order and drained by the Run
// loop, so all sessions observe them in the same global sequence.
func (h *Hub) BroadcastStreamStatus(live bool, path string) {
	h.broadcast <- newMessage(TypeStreamStatus, StreamStatusData{Live: live, Path: path})
}

// ViewerCount returns the number of connected viewer sessions
func (h *Hub) ViewerCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.sessions)
}

// LiveState returns a point-in-time snapshot of the stream state
func (h *Hub) LiveState() stream.Snapshot {
	return h.state.Get()
}

// PullClientConnected records a pull client served directly by the
// ingest protocol server. These are tallied separately from WebSocket
// viewer sessions.
func (h *Hub) PullClientConnected(connectionID string) {
	h.pullMutex.Lock()
	defer h.pullMutex.Unlock()
	h.pullClients[connectionID] = true
}

// PullClientDisconnected removes a protocol pull client
func (h *Hub) PullClientDisconnected(connectionID string) {
	h.pullMutex.Lock()
	defer h.pullMutex.Unlock()
	delete(h.pullClients, connectionID)
}

// PullClientCount returns the number of protocol pull clients
func (h *Hub) PullClientCount() int {
	h.pullMutex.Lock()
	defer h.pullMutex.Unlock()
	return len(h.pullClients)
}

// Stats returns hub statistics for health reporting
func (h *Hub) Stats() map[string]interface{} {
	return map[string]interface{}{
		"viewer_sessions": h.ViewerCount(),
		"pull_clients":    h.PullClientCount(),
	}
}

// Close disconnects every session, used during graceful shutdown
func (h *Hub) Close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for session := range h.sessions {
		delete(h.sessions, session)
		close(session.send)
	}
}

// ServeWS upgrades an HTTP request and registers the viewer session
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	session := newSession(h, conn)
	h.register <- session

	go session.writePump()
	go session.readPump()
}

func newMessage(msgType string, data interface{}) Message {
	return Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
