package daemon

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SafeConn serializes writes to a WebSocket connection.
type SafeConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  bool
}

// NewSafeConn wraps a connection.
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteJSON writes JSON under the write lock. Writes to a closed
// connection are silently dropped.
func (sc *SafeConn) WriteJSON(v any) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	if sc.closed {
		return nil
	}
	return sc.conn.WriteJSON(v)
}

// Close marks the connection closed and closes it.
func (sc *SafeConn) Close() error {
	sc.writeMu.Lock()
	sc.closed = true
	sc.writeMu.Unlock()
	return sc.conn.Close()
}

// handleWebSocket streams engine events to a client until it
// disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade error: %v", err)
		return
	}

	safeConn := NewSafeConn(conn)
	defer safeConn.Close()

	sessionID := fmt.Sprintf("ws_%d", time.Now().UnixNano())
	s.logger.Info("WebSocket client connected: %s", sessionID)

	safeConn.WriteJSON(map[string]any{
		"type": "connection_status",
		"data": map[string]any{"connected": true, "session_id": sessionID},
	})

	eventCh := s.bus.Subscribe(sessionID)
	defer s.bus.Unsubscribe(sessionID)

	// Reader goroutine: the client sends nothing we act on, but reading
	// is how gorilla surfaces close frames.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-readDone:
			s.logger.Info("WebSocket client disconnected: %s", sessionID)
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if err := safeConn.WriteJSON(event); err != nil {
				s.logger.Warn("WebSocket write error for %s: %v", sessionID, err)
				return
			}
		case <-ping.C:
			if err := safeConn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
				return
			}
		}
	}
}
