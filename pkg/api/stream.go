package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/driftworks/toolflow/pkg/broadcast"
	"github.com/driftworks/toolflow/pkg/bus"
	"github.com/driftworks/toolflow/pkg/logging"
)

const (
	streamBufferSize = 128
	writeTimeout     = 10 * time.Second
	pingInterval     = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin enforcement happens at the upstream proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleStream bridges the message's broadcast subjects onto a WebSocket.
// Delivery is best-effort: a slow client's frames are dropped on overflow
// and it reconciles from the next full-state push.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		return
	}
	defer conn.Close()

	frames := make(chan []byte, streamBufferSize)
	handler := func(msg *bus.Message) {
		select {
		case frames <- msg.Data:
		default:
			recordStreamDropped()
		}
	}

	ctx := r.Context()
	flowSub, err := s.cfg.Transport.Subscribe(ctx, broadcast.FlowSubject(messageID), handler)
	if err != nil {
		s.cfg.Logger.Warn(logging.CategoryAPI, "stream_subscribe_failed", err.Error(), map[string]any{
			"message_id": messageID,
		})
		return
	}
	defer flowSub.Unsubscribe()

	deltaSub, err := s.cfg.Transport.Subscribe(ctx, broadcast.DeltaSubject(messageID), handler)
	if err != nil {
		s.cfg.Logger.Warn(logging.CategoryAPI, "stream_subscribe_failed", err.Error(), map[string]any{
			"message_id": messageID,
		})
		return
	}
	defer deltaSub.Unsubscribe()

	// Reader exists only to observe close and control frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-frames:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}
