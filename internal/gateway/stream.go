// ABOUTME: Live notification feeds over Server-Sent Events and WebSocket
// ABOUTME: Both subscribe to the broadcaster, optionally filtered by observer_id

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/callwatch/internal/notify"
)

const (
	// keepaliveInterval is how often idle streams get a heartbeat.
	keepaliveInterval = 30 * time.Second

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	// the API has no browser session to protect
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleNotificationStream handles GET /api/notifications/stream as SSE.
// Without observer_id every notification is streamed.
func (g *Gateway) handleNotificationStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	observerID := r.URL.Query().Get("observer_id")
	ch, subID := g.broadcaster.Subscribe(r.Context(), observerID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "subscribed", map[string]string{"subscription_id": subID, "observer_id": observerID})
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case n, ok := <-ch:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(n.Kind), n)
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// handleNotificationSocket handles GET /api/notifications/ws. Each
// notification is one JSON text frame. Client frames are ignored apart from
// close and pong.
func (g *Gateway) handleNotificationSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		g.logger.Warn("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	observerID := r.URL.Query().Get("observer_id")
	ch, subID := g.broadcaster.Subscribe(r.Context(), observerID)
	defer g.broadcaster.Unsubscribe(observerID, subID)

	log := g.logger.With("sub_id", subID, "observer_id", observerID)
	log.Debug("websocket client connected")

	closed := make(chan struct{})
	go g.readSocket(ws, closed)

	ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := ws.WriteJSON(map[string]string{"event": "subscribed", "subscription_id": subID}); err != nil {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Debug("websocket client disconnected")
			return
		case <-ping.C:
			ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case n, ok := <-ch:
			if !ok {
				ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := g.writeSocketNotification(ws, n); err != nil {
				log.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

func (g *Gateway) writeSocketNotification(ws *websocket.Conn, n *notify.Notification) error {
	ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.WriteJSON(n)
}

// readSocket drains client frames so control messages are processed, and
// closes done when the connection ends.
func (g *Gateway) readSocket(ws *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	ws.SetReadLimit(4096)
	ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("websocket closed unexpectedly", "error", err)
			}
			return
		}
	}
}
