package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ontree-co/flashnode/internal/broadcast"
	"github.com/ontree-co/flashnode/internal/logging"
)

const (
	heartbeatInterval = 30 * time.Second
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
	wsPingPeriod      = wsPongWait * 9 / 10
	wsMaxMessageSize  = 4096
)

// clientMessage is what observers may send over the websocket
type clientMessage struct {
	Type string `json:"type"`
}

// handleEvents handles GET /events, a Server-Sent Events view of the live channel
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)
	logging.Debugf("SSE client connected from %s", r.RemoteAddr)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			frame, err := event.SSE()
			if err != nil {
				logging.Errorf("Failed to encode SSE event: %v", err)
				continue
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprint(w, "event: heartbeat\ndata: ping\n\n")
			flusher.Flush()

		case <-r.Context().Done():
			logging.Debugf("SSE client disconnected from %s", r.RemoteAddr)
			return

		case <-s.closing:
			return
		}
	}
}

// handleWebSocket handles GET /ws. The server pushes every live event; a client may send
// {"type":"request_status"} and receives a status_update in reply.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		logging.Warnf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)
	logging.Debugf("WebSocket client connected from %s", r.RemoteAddr)

	requests := make(chan string, 8)
	done := make(chan struct{})
	go readClient(conn, requests, done)

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeEvent(conn, event); err != nil {
				return
			}

		case request := <-requests:
			switch request {
			case "request_status":
				if err := writeEvent(conn, s.hub.StatusEvent()); err != nil {
					return
				}
			default:
				logging.Debugf("Ignoring websocket message of type %q", request)
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}

		case <-done:
			logging.Debugf("WebSocket client disconnected from %s", r.RemoteAddr)
			return

		case <-s.closing:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, event broadcast.Event) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(event)
}

// readClient forwards client requests until the connection fails, then closes done
func readClient(conn *websocket.Conn, requests chan<- string, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logging.Debugf("Ignoring malformed websocket message: %v", err)
			continue
		}
		select {
		case requests <- msg.Type:
		default:
			// Client is flooding requests faster than we answer them
		}
	}
}
