package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inbound is a client frame. Only review_decision is understood.
type inbound struct {
	Type     string `json:"type"`
	Feedback string `json:"feedback"`
}

// ack answers an inbound frame.
type ack struct {
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RegisterWebSocket registers the /stream/ws endpoint.
func (h *StreamingHandler) RegisterWebSocket(mux *http.ServeMux) {
	var verifier *TokenVerifier
	if h.reviews != nil {
		verifier = h.reviews.verifier
	}
	mux.HandleFunc("/stream/ws", requireAuth(verifier, h.logger, h.handleWS))
}

func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	p, ok := parseStreamParams(r)
	if !ok {
		http.Error(w, "thread_id required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	logger := h.logger.With(zap.String("thread_id", p.threadID))

	ch := h.mgr.Subscribe(p.threadID, 256)
	defer h.mgr.Unsubscribe(p.threadID, ch)

	if p.since > 0 {
		for _, ev := range h.backlog(r.Context(), p) {
			if !p.wants(ev) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// the reader never writes; acks go through the writer loop
	acks := make(chan ack, 8)
	closed := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	send := func(a ack) bool {
		select {
		case acks <- a:
			return true
		case <-done:
			return false
		}
	}
	go func() {
		defer close(closed)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg inbound
			var reply ack
			switch {
			case json.Unmarshal(data, &msg) != nil || msg.Type != "review_decision":
				reply = ack{Type: "error", Error: "unsupported message"}
			case h.reviews == nil:
				reply = ack{Type: "review_ack", Error: "reviews are not accepted on this stream"}
			default:
				status, err := h.reviews.Submit(r.Context(), p.threadID, msg.Feedback)
				if err != nil {
					logger.Info("Websocket review decision refused", zap.Error(err))
					reply = ack{Type: "review_ack", Error: sanitizeErr(err.Error())}
				} else {
					reply = ack{Type: "review_ack", Status: status}
				}
			}
			if !send(reply) {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case a := <-acks:
			if err := conn.WriteJSON(a); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !p.wants(ev) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
