package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Kocoro-lab/reportflow/internal/approval"
	"github.com/Kocoro-lab/reportflow/internal/executor"
	"github.com/Kocoro-lab/reportflow/internal/report"
	"github.com/Kocoro-lab/reportflow/internal/research"
	"github.com/Kocoro-lab/reportflow/internal/streaming"
)

// ReviewSignal carries a ReviewDecision to a running ReportWorkflow.
const ReviewSignal = "review-decision"

// ReviewDecision is the reviewer's free-text feedback.
type ReviewDecision struct {
	Feedback string `json:"feedback"`
}

// ReportInput starts a ReportWorkflow. The policy travels with the input so
// replays evaluate decisions identically.
type ReportInput struct {
	ThreadID           string
	Topic              string
	Policy             approval.Policy
	MaxUnits           int
	MaxConcurrentUnits int
}

// ReportOutput is the compiled document and the final review state.
type ReportOutput struct {
	Document *report.Document
	Review   approval.State
}

// ReportWorkflow runs plan, review, research fan-out, synthesis and compile
// as durable steps. Reviewer decisions arrive as ReviewSignal.
func ReportWorkflow(ctx workflow.Context, in ReportInput) (*ReportOutput, error) {
	logger := workflow.GetLogger(ctx)
	if in.ThreadID == "" {
		in.ThreadID = workflow.GetInfo(ctx).WorkflowExecution.ID
	}
	policy := in.Policy
	if policy.Timeout <= 0 {
		policy.Timeout = approval.DefaultPolicy().Timeout
	}
	if len(policy.Vocabulary) == 0 {
		policy.Vocabulary = approval.DefaultVocabulary()
	}
	limit := in.MaxConcurrentUnits
	if limit <= 0 {
		limit = executor.DefaultConfig().MaxConcurrentUnits
	}

	planCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})
	unitCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Minute,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	})
	notifyCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 10 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 1},
	})
	notify := func(eventType string, data map[string]any) {
		_ = workflow.ExecuteActivity(notifyCtx, NotifyActivity, NotifyInput{
			ThreadID: in.ThreadID,
			Type:     eventType,
			Data:     data,
		}).Get(ctx, nil)
	}

	signals := workflow.GetSignalChannel(ctx, ReviewSignal)
	state := approval.State{Decision: approval.Pending}
	var plan PlanOutput
	for {
		if err := workflow.ExecuteActivity(planCtx, PlanActivity, PlanInput{
			ThreadID: in.ThreadID,
			Topic:    in.Topic,
			Feedback: state.History,
			MaxUnits: in.MaxUnits,
		}).Get(ctx, &plan); err != nil {
			return nil, err
		}

		state = review(ctx, signals, policy, state, in, plan.Units, notify)
		if state.Decision == approval.Approved {
			break
		}
		logger.Info("Plan rejected, re-planning", "review_count", state.ReviewCount)
	}

	units := append([]report.Unit(nil), plan.Units...)
	runUnits(ctx, unitCtx, ResearchActivity, in, units, true, "", limit)
	siblings := executor.Siblings(units)
	runUnits(ctx, unitCtx, SynthesizeActivity, in, units, false, siblings, limit)

	var doc report.Document
	if err := workflow.ExecuteActivity(planCtx, CompileActivity, CompileInput{
		ThreadID: in.ThreadID,
		Topic:    in.Topic,
		Units:    units,
		Notices:  plan.Notices,
	}).Get(ctx, &doc); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	notify(streaming.EventReportCompiled, map[string]any{
		"sections": len(doc.Sections),
		"gaps":     doc.Gaps,
		"degraded": doc.Degraded(),
	})
	return &ReportOutput{Document: &doc, Review: state}, nil
}

// review resolves one review round. It mirrors the in-process gate: the cap
// forces approval and is announced once, the timer applies the timeout
// action, and a suspend action keeps waiting for a signal.
func review(ctx workflow.Context, signals workflow.ReceiveChannel, policy approval.Policy, state approval.State,
	in ReportInput, units []report.Unit, notify func(string, map[string]any)) approval.State {
	state.Decision = approval.Pending

	if policy.LimitReached(state.ReviewCount) {
		state.Decision = approval.Approved
		if !state.LimitNotified {
			state.LimitNotified = true
			notify(streaming.EventReviewLimitReached, map[string]any{
				"review_count": state.ReviewCount,
				"max_reviews":  policy.MaxReviews,
			})
		}
		notify(streaming.EventApprovalDecision, map[string]any{"decision": string(state.Decision), "cause": string(approval.CauseReviewLimit)})
		return state
	}

	names := make([]string, 0, len(units))
	for _, u := range units {
		names = append(names, u.Name)
	}
	notify(streaming.EventPlanReviewRequested, map[string]any{
		"topic":        in.Topic,
		"sections":     names,
		"review_count": state.ReviewCount,
		"timeout":      policy.Timeout.String(),
	})

	var (
		decision ReviewDecision
		received bool
	)
	timerCtx, cancelTimer := workflow.WithCancel(ctx)
	defer cancelTimer()

	sel := workflow.NewSelector(ctx)
	sel.AddReceive(signals, func(c workflow.ReceiveChannel, _ bool) {
		c.Receive(ctx, &decision)
		received = true
	})
	if policy.TimeoutAction != approval.TimeoutSuspend {
		sel.AddFuture(workflow.NewTimer(timerCtx, policy.Timeout), func(workflow.Future) {})
	}
	sel.Select(ctx)

	cause := approval.CauseFeedback
	switch {
	case received && policy.IsApproval(decision.Feedback):
		state.Decision = approval.Approved
		state.Feedback = decision.Feedback
	case received:
		state.Decision = approval.Rejected
		state.ReviewCount++
		state.Feedback = decision.Feedback
		if decision.Feedback != "" {
			state.History = append(state.History, decision.Feedback)
		}
	default:
		cause = approval.CauseTimeout
		notify(streaming.EventApprovalTimeout, map[string]any{"action": string(policy.TimeoutAction)})
		if policy.TimeoutAction == approval.TimeoutReject {
			state.Decision = approval.Rejected
			state.ReviewCount++
		} else {
			state.Decision = approval.Approved
		}
		state.Feedback = ""
	}
	notify(streaming.EventApprovalDecision, map[string]any{
		"decision":     string(state.Decision),
		"cause":        string(cause),
		"review_count": state.ReviewCount,
	})
	return state
}

// runUnits executes one activity per open unit of the given kind, at most
// limit at a time, and writes results back in place. An activity that fails
// after its retries leaves the unit Failed with a placeholder.
func runUnits(ctx, actx workflow.Context, activityName string, in ReportInput, units []report.Unit,
	researchUnits bool, siblings string, limit int) {
	var idx []int
	for i, u := range units {
		if u.RequiresResearch == researchUnits && !u.Status.IsTerminal() {
			idx = append(idx, i)
		}
	}

	sel := workflow.NewSelector(ctx)
	inflight := 0
	for _, i := range idx {
		if inflight == limit {
			sel.Select(ctx)
			inflight--
		}
		job := research.Job{ThreadID: in.ThreadID, Topic: in.Topic, Unit: units[i]}
		var f workflow.Future
		if researchUnits {
			f = workflow.ExecuteActivity(actx, activityName, job)
		} else {
			f = workflow.ExecuteActivity(actx, activityName, SynthesizeInput{Job: job, Siblings: siblings})
		}
		sel.AddFuture(f, func(f workflow.Future) {
			var done report.Unit
			if err := f.Get(ctx, &done); err != nil {
				done = units[i]
				_ = done.Fail(err.Error(), report.Placeholder(done.Name))
			}
			units[i] = done
		})
		inflight++
	}
	for ; inflight > 0; inflight-- {
		sel.Select(ctx)
	}
}
