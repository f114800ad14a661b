package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	subscriberBuffer = 256
	pingInterval     = 30 * time.Second
	writeWait        = 10 * time.Second
)

func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.hub == nil {
			writeError(w, http.StatusServiceUnavailable, "events disabled")
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		// Set SSE headers
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		events, unsubscribe := s.hub.Subscribe(subscriberBuffer)
		defer unsubscribe()

		for {
			select {
			case <-r.Context().Done():
				return
			case env, open := <-events:
				if !open {
					return
				}
				data, err := json.Marshal(env)
				if err != nil {
					s.logger.Warn("encoding event", "type", env.Type, "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\n", env.Type)
				fmt.Fprintf(w, "data: %s\n\n", data)
				flusher.Flush()
			}
		}
	}
}

func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.hub == nil {
			writeError(w, http.StatusServiceUnavailable, "events disabled")
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		events, unsubscribe := s.hub.Subscribe(subscriberBuffer)
		defer unsubscribe()

		// The stream is one-way; reading only detects the client going away.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						s.logger.Debug("websocket read error", "error", err)
					}
					return
				}
			}
		}()

		ping := time.NewTicker(pingInterval)
		defer ping.Stop()

		for {
			select {
			case <-closed:
				return
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case env, open := <-events:
				if !open {
					conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscriber dropped"))
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(env); err != nil {
					s.logger.Debug("websocket write failed", "error", err)
					return
				}
			}
		}
	}
}
