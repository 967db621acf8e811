package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DurableWorkflow is the Temporal-backed variant: runs start remotely and
// decisions travel as signals.
type DurableWorkflow interface {
	Start(ctx context.Context, threadID, topic string) (string, error)
	Review(ctx context.Context, threadID, feedback string) error
}

// DurableHandler exposes the durable backend under /durable.
type DurableHandler struct {
	workflow DurableWorkflow
	verifier *TokenVerifier
	logger   *zap.Logger
}

func NewDurableHandler(workflow DurableWorkflow, verifier *TokenVerifier, logger *zap.Logger) *DurableHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DurableHandler{workflow: workflow, verifier: verifier, logger: logger}
}

func (h *DurableHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/durable/reports", requireAuth(h.verifier, h.logger, h.handleStart))
	mux.HandleFunc("/durable/reviews/decision", requireAuth(h.verifier, h.logger, h.handleDecision))
}

func (h *DurableHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		http.Error(w, `{"error":"topic is required"}`, http.StatusBadRequest)
		return
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}
	runID, err := h.workflow.Start(r.Context(), req.ThreadID, req.Topic)
	if err != nil {
		h.logger.Error("Durable start failed", zap.String("thread_id", req.ThreadID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": sanitizeErr(err.Error())})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "thread_id": req.ThreadID, "run_id": runID})
}

func (h *DurableHandler) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req decisionRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.ThreadID == "" {
		http.Error(w, `{"error":"thread_id and feedback are required"}`, http.StatusBadRequest)
		return
	}
	if err := h.workflow.Review(r.Context(), req.ThreadID, req.Feedback); err != nil {
		h.logger.Warn("Durable review signal failed", zap.String("thread_id", req.ThreadID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": sanitizeErr(err.Error())})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "signaled", "thread_id": req.ThreadID, "reviewer": Reviewer(r.Context())})
}
