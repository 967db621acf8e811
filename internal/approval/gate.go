// Package approval implements the human review gate between planning and research.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/metrics"
	"github.com/Kocoro-lab/reportflow/internal/report"
	"github.com/Kocoro-lab/reportflow/internal/streaming"
)

// ErrNoDecision is returned when an in-process wait ends without any
// decision or timeout, e.g. because the gate was shut down.
var ErrNoDecision = errors.New("approval: no decision")

// Decision is the resolution of a review.
type Decision string

const (
	Pending  Decision = "pending"
	Approved Decision = "approved"
	Rejected Decision = "rejected"
)

// Cause explains how a decision was reached.
type Cause string

const (
	CauseFeedback    Cause = "feedback"
	CauseTimeout     Cause = "timeout"
	CauseReviewLimit Cause = "review_limit"
)

// State is the persisted review state of one thread.
type State struct {
	Decision      Decision `json:"decision"`
	ReviewCount   int      `json:"review_count"`
	Feedback      string   `json:"feedback,omitempty"`
	History       []string `json:"history,omitempty"`
	LimitNotified bool     `json:"limit_notified,omitempty"`
}

// Payload is what the reviewer sees.
type Payload struct {
	ThreadID string
	Topic    string
	Units    []report.Unit
}

// Outcome is the result of one gate evaluation. Suspended means no decision
// was taken and the caller must persist and wait for Resume.
type Outcome struct {
	State     State
	Cause     Cause
	Suspended bool
}

// Channel pushes review notifications to the external reviewer.
type Channel interface {
	Notify(ctx context.Context, threadID, eventType string, data map[string]any) error
}

// Gate is the approval gate.
type Gate struct {
	mu      sync.RWMutex
	policy  Policy
	channel Channel
	inbox   *Inbox
	logger  *zap.Logger
}

func NewGate(policy Policy, channel Channel, inbox *Inbox, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if inbox == nil {
		inbox = NewInbox()
	}
	return &Gate{policy: policy.normalized(), channel: channel, inbox: inbox, logger: logger}
}

// SetPolicy swaps the policy for subsequent evaluations.
func (g *Gate) SetPolicy(p Policy) {
	g.mu.Lock()
	g.policy = p.normalized()
	g.mu.Unlock()
}

// Policy returns the active policy.
func (g *Gate) Policy() Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// Inbox returns the decision inbox fed by the transport.
func (g *Gate) Inbox() *Inbox { return g.inbox }

// Request emits a review request and resolves it. With the review cap
// reached it force-approves without asking. Without in-process waiting it
// returns a suspended outcome immediately.
func (g *Gate) Request(ctx context.Context, payload Payload, state State) (Outcome, error) {
	policy := g.Policy()
	state.Decision = Pending

	if policy.LimitReached(state.ReviewCount) {
		return g.force(ctx, payload.ThreadID, state, policy), nil
	}

	// register before notifying so a fast reviewer cannot miss the waiter
	var (
		decisions <-chan string
		release   func()
	)
	if policy.WaitInProcess {
		decisions, release = g.inbox.wait(payload.ThreadID)
		defer release()
	}

	g.notify(ctx, payload.ThreadID, streaming.EventPlanReviewRequested, map[string]any{
		"topic":        payload.Topic,
		"units":        unitSummaries(payload.Units),
		"review_count": state.ReviewCount,
		"max_reviews":  policy.MaxReviews,
		"timeout":      policy.Timeout.String(),
	})

	if !policy.WaitInProcess {
		return Outcome{State: state, Suspended: true}, nil
	}

	timer := time.NewTimer(policy.Timeout)
	defer timer.Stop()
	select {
	case feedback, ok := <-decisions:
		if !ok {
			return Outcome{State: state}, ErrNoDecision
		}
		return g.Evaluate(ctx, payload.ThreadID, state, feedback), nil
	case <-timer.C:
		return g.timeout(ctx, payload.ThreadID, state, policy), nil
	case <-ctx.Done():
		return Outcome{State: state}, ctx.Err()
	}
}

// Evaluate resolves externally supplied feedback against state.
func (g *Gate) Evaluate(ctx context.Context, threadID string, state State, feedback string) Outcome {
	policy := g.Policy()
	if policy.LimitReached(state.ReviewCount) {
		return g.force(ctx, threadID, state, policy)
	}

	if policy.IsApproval(feedback) {
		state.Decision = Approved
		state.Feedback = feedback
	} else {
		state.Decision = Rejected
		state.ReviewCount++
		state.Feedback = feedback
		if feedback != "" {
			state.History = append(state.History, feedback)
		}
	}
	g.record(ctx, threadID, state, CauseFeedback)
	return Outcome{State: state, Cause: CauseFeedback}
}

func (g *Gate) timeout(ctx context.Context, threadID string, state State, policy Policy) Outcome {
	g.logger.Info("Review timed out",
		zap.String("thread_id", threadID),
		zap.Duration("timeout", policy.Timeout),
		zap.String("action", string(policy.TimeoutAction)),
	)
	g.notify(ctx, threadID, streaming.EventApprovalTimeout, map[string]any{
		"action":  string(policy.TimeoutAction),
		"timeout": policy.Timeout.String(),
	})

	switch policy.TimeoutAction {
	case TimeoutSuspend:
		return Outcome{State: state, Cause: CauseTimeout, Suspended: true}
	case TimeoutReject:
		state.Decision = Rejected
		state.ReviewCount++
		state.Feedback = ""
	default:
		state.Decision = Approved
		state.Feedback = ""
	}
	g.record(ctx, threadID, state, CauseTimeout)
	return Outcome{State: state, Cause: CauseTimeout}
}

func (g *Gate) force(ctx context.Context, threadID string, state State, policy Policy) Outcome {
	state.Decision = Approved
	if !state.LimitNotified {
		state.LimitNotified = true
		g.logger.Warn("Review limit reached, forcing approval",
			zap.String("thread_id", threadID),
			zap.Int("review_count", state.ReviewCount),
			zap.Int("max_reviews", policy.MaxReviews),
		)
		g.notify(ctx, threadID, streaming.EventReviewLimitReached, map[string]any{
			"review_count": state.ReviewCount,
			"max_reviews":  policy.MaxReviews,
		})
	}
	g.record(ctx, threadID, state, CauseReviewLimit)
	return Outcome{State: state, Cause: CauseReviewLimit}
}

func (g *Gate) record(ctx context.Context, threadID string, state State, cause Cause) {
	metrics.ApprovalDecisions.WithLabelValues(string(state.Decision), string(cause)).Inc()
	g.logger.Info("Review resolved",
		zap.String("thread_id", threadID),
		zap.String("decision", string(state.Decision)),
		zap.String("cause", string(cause)),
		zap.Int("review_count", state.ReviewCount),
	)
	g.notify(ctx, threadID, streaming.EventApprovalDecision, map[string]any{
		"decision":     string(state.Decision),
		"cause":        string(cause),
		"review_count": state.ReviewCount,
		"feedback":     state.Feedback,
	})
}

func (g *Gate) notify(ctx context.Context, threadID, eventType string, data map[string]any) {
	if g.channel == nil {
		return
	}
	if err := g.channel.Notify(ctx, threadID, eventType, data); err != nil {
		g.logger.Warn("Review notification failed",
			zap.String("thread_id", threadID),
			zap.String("type", eventType),
			zap.Error(err),
		)
	}
}

func unitSummaries(units []report.Unit) []map[string]any {
	out := make([]map[string]any, 0, len(units))
	for _, u := range units {
		out = append(out, map[string]any{
			"id":                u.ID,
			"name":              u.Name,
			"description":       u.Description,
			"requires_research": u.RequiresResearch,
		})
	}
	return out
}
