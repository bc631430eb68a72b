package hub

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/c360/chatrelay/errors"
)

type connectedEvent struct {
	Type     string `json:"type"`
	ClientID string `json:"clientId"`
	Message  string `json:"message"`
}

// responseSink writes and flushes one chunk at a time under a write deadline.
type responseSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
}

func (s *responseSink) Write(chunk []byte) error {
	if err := s.rc.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	if _, err := s.w.Write(chunk); err != nil {
		return err
	}
	return s.rc.Flush()
}

// ServeHTTP streams events to one subscriber identified by the clientId
// query parameter. It implements GET /events. Allowed origins are set by
// the gateway middleware in front of it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet:
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sub, err := h.Register(r.URL.Query().Get("clientId"))
	if errors.Is(err, errors.ErrThrottled) {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.cfg.RetryAfter/time.Second)))
		http.Error(w, "Too many reconnections, please wait a few seconds", http.StatusTooManyRequests)
		return
	}
	if err != nil {
		h.logger.Error("Failed to register subscriber", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer h.Unregister(sub)

	if last := r.Header.Get("Last-Event-ID"); last != "" {
		// events are not replayed across reconnects
		h.logger.Debug("Client resumed stream", "client_id", sub.ID, "last_event_id", last)
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache, no-transform")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	connected, err := json.Marshal(connectedEvent{Type: "connected", ClientID: sub.ID, Message: "SSE Connected"})
	if err != nil {
		return
	}
	preamble := [][]byte{retryFrame(h.cfg.ClientRetry), dataFrame(connected)}

	sink := &responseSink{w: w, rc: http.NewResponseController(w), timeout: h.cfg.WriteTimeout}
	if err := sub.Stream(r.Context(), sink, preamble, h.cfg.HeartbeatInterval, h.now); err != nil {
		h.logger.Info("Subscriber stream ended", "client_id", sub.ID, "error", err)
	}
}
