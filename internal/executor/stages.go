package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kocoro-lab/reportflow/internal/approval"
	"github.com/Kocoro-lab/reportflow/internal/planner"
	"github.com/Kocoro-lab/reportflow/internal/report"
	"github.com/Kocoro-lab/reportflow/internal/research"
	"github.com/Kocoro-lab/reportflow/internal/streaming"
	"github.com/Kocoro-lab/reportflow/internal/tracing"
)

// PrepareUnits makes a freshly planned unit set safe to run: every unit is
// NotStarted with a unique id, and the set is capped at maxUnits. Dropped
// units are reported as notices.
func PrepareUnits(units []report.Unit, maxUnits int) ([]report.Unit, []string) {
	var notices []string
	if maxUnits > 0 && len(units) > maxUnits {
		notices = append(notices, fmt.Sprintf("The plan had %d sections; only the first %d were written.", len(units), maxUnits))
		units = units[:maxUnits]
	}
	out := make([]report.Unit, 0, len(units))
	seen := make(map[string]bool, len(units))
	for _, u := range units {
		if u.ID == "" || seen[u.ID] {
			u.ID = uuid.NewString()
		}
		seen[u.ID] = true
		out = append(out, report.NewUnit(u.ID, u.Name, u.Description, u.RequiresResearch))
	}
	return out, notices
}

// Siblings concatenates the content of completed research units in declared
// order, for units that are synthesized from the rest of the report.
func Siblings(units []report.Unit) string {
	var parts []string
	for _, u := range units {
		if u.RequiresResearch && u.Status == report.StatusCompleted && strings.TrimSpace(u.Content) != "" {
			parts = append(parts, strings.TrimSpace(u.Content))
		}
	}
	return strings.Join(parts, "\n\n")
}

// plan replaces the unit set. Every earlier rejection is passed along.
func (e *Executor) plan(ctx context.Context, st *State) (err error) {
	ctx, span := tracing.StartSpan(ctx, "executor.planning", "thread_id", st.ThreadID)
	defer func() { tracing.End(span, err) }()

	units, err := e.deps.Planner.Plan(ctx, planner.Input{
		ThreadID: st.ThreadID,
		Topic:    st.Topic,
		Feedback: append([]string(nil), st.Approval.History...),
	})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPlanningFailed, err)
	}
	if len(units) == 0 {
		return fmt.Errorf("%w: planner returned no units", ErrPlanningFailed)
	}

	units, notices := PrepareUnits(units, e.config().MaxUnits)
	for _, n := range notices {
		e.logger.Warn("Plan truncated", zap.String("thread_id", st.ThreadID), zap.String("notice", n))
	}
	st.Units = units
	st.Notices = notices
	st.Document = nil
	e.logger.Info("Plan ready",
		zap.String("thread_id", st.ThreadID),
		zap.Int("units", len(units)),
		zap.Int("review_count", st.Approval.ReviewCount),
	)
	return e.transition(st, StageAwaitingApproval)
}

// awaitApproval checkpoints, then asks the gate. It reports true when the
// thread must wait for Resume.
func (e *Executor) awaitApproval(ctx context.Context, st *State) (bool, error) {
	st.Approval.Decision = approval.Pending
	if err := e.save(ctx, st, string(StageAwaitingApproval)); err != nil {
		return false, err
	}

	outcome, err := e.deps.Gate.Request(ctx, approval.Payload{
		ThreadID: st.ThreadID,
		Topic:    st.Topic,
		Units:    st.Units,
	}, st.Approval)
	if errors.Is(err, approval.ErrNoDecision) {
		e.suspended(ctx, st, "no decision")
		return true, nil
	}
	if err != nil {
		return false, err
	}
	st.Approval = outcome.State
	if outcome.Suspended {
		reason := "awaiting review"
		if outcome.Cause == approval.CauseTimeout {
			reason = "review timed out"
		}
		e.suspended(ctx, st, reason)
		return true, nil
	}
	if outcome.Cause == approval.CauseReviewLimit {
		// a resume must not announce the limit twice
		if err := e.save(ctx, st, string(StageAwaitingApproval)); err != nil {
			return false, err
		}
	}
	return false, e.decide(st)
}

func (e *Executor) suspended(ctx context.Context, st *State, reason string) {
	e.logger.Info("Workflow suspended", zap.String("thread_id", st.ThreadID), zap.String("reason", reason))
	e.notify(ctx, st.ThreadID, streaming.EventWorkflowSuspended, map[string]any{
		"stage":        string(st.Stage),
		"reason":       reason,
		"review_count": st.Approval.ReviewCount,
	})
}

// research fans out one pipeline per pending research unit and joins on all
// of them. A failed unit never fails the stage.
func (e *Executor) research(ctx context.Context, st *State) (err error) {
	ctx, span := tracing.StartSpan(ctx, "executor.researching", "thread_id", st.ThreadID)
	defer func() { tracing.End(span, err) }()

	if err := e.save(ctx, st, string(StageResearching)); err != nil {
		return err
	}
	if err := e.fanOut(ctx, st, st.Pending(true), func(gctx context.Context, job research.Job) report.Unit {
		return e.deps.Units.Run(gctx, job)
	}); err != nil {
		return err
	}
	return e.transition(st, StageFinalizing)
}

// finalize runs after the research join: synthesized units get the completed
// research content, then the document is compiled in declared order.
func (e *Executor) finalize(ctx context.Context, st *State) (err error) {
	ctx, span := tracing.StartSpan(ctx, "executor.finalizing", "thread_id", st.ThreadID)
	defer func() { tracing.End(span, err) }()

	if pending := st.Pending(true); len(pending) > 0 {
		return fmt.Errorf("finalizing with %d research units still open", len(pending))
	}
	siblings := Siblings(st.Units)
	if err := e.fanOut(ctx, st, st.Pending(false), func(gctx context.Context, job research.Job) report.Unit {
		return e.deps.Units.Synthesize(gctx, job, siblings)
	}); err != nil {
		return err
	}

	doc, err := e.deps.Compiler.Compile(st.ThreadID, st.Topic, st.Units, st.Notices)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	st.Document = doc
	if err := e.transition(st, StageCompiled); err != nil {
		return err
	}
	if err := e.save(ctx, st, string(StageCompiled)); err != nil {
		return err
	}
	e.logger.Info("Report compiled",
		zap.String("thread_id", st.ThreadID),
		zap.Int("sections", len(doc.Sections)),
		zap.Strings("gaps", doc.Gaps),
	)
	e.notify(ctx, st.ThreadID, streaming.EventReportCompiled, map[string]any{
		"sections": len(doc.Sections),
		"gaps":     doc.Gaps,
		"degraded": doc.Degraded(),
	})
	return nil
}

// fanOut runs fn for the units at idx, at most MaxConcurrentUnits at a time,
// checkpointing after each one reaches a terminal state. Each goroutine owns
// its unit value; results are written back under mu.
func (e *Executor) fanOut(ctx context.Context, st *State, idx []int, fn func(context.Context, research.Job) report.Unit) error {
	if len(idx) == 0 {
		return ctx.Err()
	}
	jobs := make([]research.Job, len(idx))
	for n, i := range idx {
		jobs[n] = research.Job{ThreadID: st.ThreadID, Topic: st.Topic, Unit: st.Units[i]}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.config().MaxConcurrentUnits)
	for n, i := range idx {
		job := jobs[n]
		g.Go(func() error {
			done := fn(gctx, job)
			if !done.Status.IsTerminal() {
				return fmt.Errorf("unit %s returned non-terminal status %s", done.ID, done.Status)
			}
			mu.Lock()
			defer mu.Unlock()
			st.Units[i] = done
			return e.save(context.WithoutCancel(gctx), st, string(st.Stage))
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
