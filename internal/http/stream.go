package httpx

import (
	"net/http"
	"time"

	"github.com/splax/togglemetrics/internal/events"
	"github.com/splax/togglemetrics/internal/ws"
)

func (r *Router) handleEventsWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(events.Topic, client)
	go func() {
		defer func() {
			r.hub.Unregister(events.Topic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleEventsStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	client.SetWriteDeadlineFunc(http.NewResponseController(w).SetWriteDeadline)
	r.hub.Register(events.Topic, client)
	defer func() {
		r.hub.Unregister(events.Topic, client)
		client.Close()
	}()

	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if client.Closed() {
				return
			}
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}
