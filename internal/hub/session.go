package hub

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"streamcast/pkg/logging"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192
)

// Session is one connected viewer
type Session struct {
	ID          string
	ConnectedAt time.Time

	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// request is a signaling frame from the viewer
type request struct {
	ID     string          `json:"id"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// response answers a signaling frame
type response struct {
	ID    string      `json:"id"`
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

func newSession(h *Hub, conn *websocket.Conn) *Session {
	return &Session{
		ID:          uuid.New().String(),
		ConnectedAt: time.Now().UTC(),
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, 256),
	}
}

// deliver queues a message for this session only
func (s *Session) deliver(message Message) {
	payload, err := json.Marshal(message)
	if err != nil {
		s.hub.logger.WithError(err).Error("Failed to marshal session message")
		return
	}
	s.sendBytes(payload)
}

func (s *Session) sendBytes(payload []byte) {
	defer func() {
		// send may close concurrently during disconnect; dropping the
		// frame is the correct best-effort outcome.
		_ = recover()
	}()
	select {
	case s.send <- payload:
	default:
	}
}

// readPump pumps frames from the WebSocket connection into the hub
func (s *Session) readPump() {
	defer func() {
		s.hub.unregister <- s
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.logger.WithError(err).WithField("session_id", s.ID).Error("WebSocket connection error")
			}
			break
		}

		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			s.hub.logger.WithError(err).WithField("session_id", s.ID).Warn("Invalid signaling frame")
			continue
		}
		s.handleRequest(req)
	}
}

// handleRequest dispatches a signaling frame and answers it. A failure
// here reaches the requesting viewer only; it never affects other
// viewers or the ingest path.
func (s *Session) handleRequest(req request) {
	if s.hub.requests == nil {
		s.respond(response{ID: req.ID, OK: false, Error: "signaling not available"})
		return
	}

	data, err := s.hub.requests.HandleRequest(s.ID, req.Action, req.Data)
	if err != nil {
		s.hub.logger.WithFields(logging.Fields{
			"session_id": s.ID,
			"action":     req.Action,
			"error":      err.Error(),
		}).Warn("Signaling request failed")
		s.respond(response{ID: req.ID, OK: false, Error: err.Error()})
		return
	}
	s.respond(response{ID: req.ID, OK: true, Data: data})
}

func (s *Session) respond(resp response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.hub.logger.WithError(err).Error("Failed to marshal signaling response")
		return
	}
	s.sendBytes(payload)
}

// writePump pumps queued messages to the WebSocket connection
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
