package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/streaming"
)

// StreamingHandler serves thread events over SSE and websocket.
type StreamingHandler struct {
	mgr     *streaming.Manager
	reviews *ReviewHandler
	logger  *zap.Logger
}

// NewStreamingHandler wires the event manager. reviews may be nil, in which
// case inbound websocket decisions are refused.
func NewStreamingHandler(mgr *streaming.Manager, reviews *ReviewHandler, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, reviews: reviews, logger: logger}
}

// RegisterRoutes registers SSE and websocket routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/sse", h.handleSSE)
	h.RegisterWebSocket(mux)
}

type streamParams struct {
	threadID string
	since    uint64
	types    map[string]struct{}
}

func parseStreamParams(r *http.Request) (streamParams, bool) {
	p := streamParams{threadID: r.URL.Query().Get("thread_id"), types: map[string]struct{}{}}
	if p.threadID == "" {
		return p, false
	}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				p.types[t] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			p.since = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && p.since == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			p.since = n
		}
	}
	return p, true
}

func (p streamParams) wants(ev streaming.Event) bool {
	if len(p.types) == 0 {
		return true
	}
	_, ok := p.types[ev.Type]
	return ok
}

// backlog returns events after since, falling back to the Redis mirror when
// the local ring has nothing, e.g. after a restart.
func (h *StreamingHandler) backlog(ctx context.Context, p streamParams) []streaming.Event {
	events := h.mgr.ReplaySince(p.threadID, p.since)
	if len(events) > 0 {
		return events
	}
	mirrored, err := h.mgr.ReadMirror(ctx, p.threadID, p.since)
	if err != nil {
		h.logger.Debug("Event mirror read failed", zap.String("thread_id", p.threadID), zap.Error(err))
		return nil
	}
	return mirrored
}

// handleSSE streams events for a thread via Server-Sent Events.
// GET /stream/sse?thread_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	p, ok := parseStreamParams(r)
	if !ok {
		http.Error(w, `{"error":"thread_id required"}`, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.mgr.Subscribe(p.threadID, 256)
	defer h.mgr.Unsubscribe(p.threadID, ch)

	fmt.Fprintf(w, ": connected to thread %s\n\n", p.threadID)
	if p.since > 0 {
		for _, ev := range h.backlog(r.Context(), p) {
			if p.wants(ev) {
				writeSSE(w, ev)
			}
		}
	}
	flusher.Flush()

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", zap.String("thread_id", p.threadID))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if p.wants(evt) {
				writeSSE(w, evt)
				flusher.Flush()
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
}
