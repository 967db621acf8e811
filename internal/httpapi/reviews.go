package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/approval"
	"github.com/Kocoro-lab/reportflow/internal/executor"
)

// Workflow is the executor surface the transport drives.
type Workflow interface {
	Run(ctx context.Context, threadID, topic string) (*executor.Result, error)
	Resume(ctx context.Context, threadID, feedback string) (*executor.Result, error)
	Inspect(ctx context.Context, threadID string) (*executor.State, error)
	Busy(threadID string) bool
}

// Submission outcomes.
const (
	StatusDelivered = "delivered"
	StatusResuming  = "resuming"
)

// ReviewHandler accepts reviewer decisions and report requests.
type ReviewHandler struct {
	workflow Workflow
	inbox    *approval.Inbox
	verifier *TokenVerifier
	logger   *zap.Logger

	// base outlives requests; background runs stop when it is cancelled
	base context.Context
	wg   sync.WaitGroup

	mu       sync.Mutex
	inflight map[string]bool
}

func NewReviewHandler(base context.Context, workflow Workflow, inbox *approval.Inbox, verifier *TokenVerifier, logger *zap.Logger) *ReviewHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReviewHandler{workflow: workflow, inbox: inbox, verifier: verifier, logger: logger, base: base, inflight: make(map[string]bool)}
}

// RegisterRoutes registers review routes on the provided mux.
func (h *ReviewHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/reviews/decision", requireAuth(h.verifier, h.logger, h.handleDecision))
	mux.HandleFunc("/reports", requireAuth(h.verifier, h.logger, h.handleStart))
	mux.HandleFunc("/threads/state", h.handleState)
}

// Wait blocks until background runs started by the handler return.
func (h *ReviewHandler) Wait() { h.wg.Wait() }

type decisionRequest struct {
	ThreadID string `json:"thread_id"`
	Feedback string `json:"feedback"`
}

func (h *ReviewHandler) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req decisionRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.logger.Warn("Review decision decode error", zap.Error(err))
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.ThreadID == "" {
		http.Error(w, `{"error":"thread_id is required"}`, http.StatusBadRequest)
		return
	}

	status, err := h.Submit(r.Context(), req.ThreadID, req.Feedback)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    status,
		"thread_id": req.ThreadID,
		"reviewer":  Reviewer(r.Context()),
	})
}

// Submit routes feedback to a run waiting in this process, or resumes a
// suspended thread in the background. A thread that is running but not
// waiting for review, such as one replanning after a rejection, yields
// ErrThreadBusy so the reviewer can retry.
func (h *ReviewHandler) Submit(ctx context.Context, threadID, feedback string) (string, error) {
	if h.inbox != nil && h.inbox.Deliver(threadID, feedback) {
		h.logger.Info("Review decision delivered", zap.String("thread_id", threadID))
		return StatusDelivered, nil
	}

	release, err := h.reserve(threadID)
	if err != nil {
		return "", err
	}
	st, err := h.workflow.Inspect(ctx, threadID)
	if err != nil {
		release()
		return "", err
	}
	if st.Stage != executor.StageAwaitingApproval {
		release()
		return "", fmt.Errorf("%w: thread %s is %s", executor.ErrNotSuspended, threadID, st.Stage)
	}

	h.background(threadID, "resume", release, func(ctx context.Context) (*executor.Result, error) {
		return h.workflow.Resume(ctx, threadID, feedback)
	})
	return StatusResuming, nil
}

// reserve marks threadID as driven by this handler until release is called.
func (h *ReviewHandler) reserve(threadID string) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inflight[threadID] || h.workflow.Busy(threadID) {
		return nil, fmt.Errorf("%w: %s", executor.ErrThreadBusy, threadID)
	}
	h.inflight[threadID] = true
	return func() {
		h.mu.Lock()
		delete(h.inflight, threadID)
		h.mu.Unlock()
	}, nil
}

type startRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Topic    string `json:"topic"`
}

func (h *ReviewHandler) handleStart(w http.ResponseWriter, r *http.Request) {
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
	release, err := h.reserve(req.ThreadID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.background(req.ThreadID, "run", release, func(ctx context.Context) (*executor.Result, error) {
		return h.workflow.Run(ctx, req.ThreadID, req.Topic)
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "thread_id": req.ThreadID})
}

func (h *ReviewHandler) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	threadID := r.URL.Query().Get("thread_id")
	if threadID == "" {
		http.Error(w, `{"error":"thread_id required"}`, http.StatusBadRequest)
		return
	}
	st, err := h.workflow.Inspect(r.Context(), threadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *ReviewHandler) background(threadID, entry string, release func(), fn func(context.Context) (*executor.Result, error)) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		res, err := fn(h.base)
		release()
		logger := h.logger.With(zap.String("thread_id", threadID), zap.String("entry", entry))
		switch {
		case err != nil:
			logger.Warn("Background workflow ended with error", zap.Error(err))
		case res.Suspended:
			logger.Info("Background workflow suspended")
		default:
			logger.Info("Background workflow compiled")
		}
	}()
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, executor.ErrThreadNotFound):
		status = http.StatusNotFound
	case errors.Is(err, executor.ErrNotSuspended), errors.Is(err, executor.ErrThreadBusy):
		status = http.StatusConflict
	case errors.Is(err, executor.ErrCheckpointUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"error": sanitizeErr(err.Error())})
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sanitizeErr trims error messages for safe client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}
