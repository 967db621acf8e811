package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/reportflow/internal/approval"
	"github.com/Kocoro-lab/reportflow/internal/executor"
	"github.com/Kocoro-lab/reportflow/internal/planner"
	"github.com/Kocoro-lab/reportflow/internal/report"
	"github.com/Kocoro-lab/reportflow/internal/research"
)

// Activity names.
const (
	PlanActivity       = "PlanReport"
	ResearchActivity   = "ResearchUnit"
	SynthesizeActivity = "SynthesizeUnit"
	CompileActivity    = "CompileReport"
	NotifyActivity     = "NotifyReviewer"
)

// PlanInput asks for a fresh unit set.
type PlanInput struct {
	ThreadID string
	Topic    string
	Feedback []string
	MaxUnits int
}

// PlanOutput is a prepared unit set.
type PlanOutput struct {
	Units   []report.Unit
	Notices []string
}

// SynthesizeInput carries a unit and the research content it is written from.
type SynthesizeInput struct {
	Job      research.Job
	Siblings string
}

// CompileInput is the final unit set in declared order.
type CompileInput struct {
	ThreadID string
	Topic    string
	Units    []report.Unit
	Notices  []string
}

// NotifyInput is one event for the review channel.
type NotifyInput struct {
	ThreadID string
	Type     string
	Data     map[string]any
}

// Activities adapts the in-process components to Temporal activities.
type Activities struct {
	Planner  planner.Planner
	Units    executor.UnitRunner
	Compiler executor.Compiler
	Notifier approval.Channel
	Logger   *zap.Logger
}

// Registry is the subset of worker.Registry used by Register; the test
// workflow environment satisfies it too.
type Registry interface {
	RegisterWorkflow(w interface{})
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

var _ Registry = worker.Worker(nil)

// Register adds the workflow and its activities to a worker.
func Register(w Registry, a *Activities) {
	w.RegisterWorkflow(ReportWorkflow)
	w.RegisterActivityWithOptions(a.Plan, activity.RegisterOptions{Name: PlanActivity})
	w.RegisterActivityWithOptions(a.Research, activity.RegisterOptions{Name: ResearchActivity})
	w.RegisterActivityWithOptions(a.Synthesize, activity.RegisterOptions{Name: SynthesizeActivity})
	w.RegisterActivityWithOptions(a.Compile, activity.RegisterOptions{Name: CompileActivity})
	w.RegisterActivityWithOptions(a.Notify, activity.RegisterOptions{Name: NotifyActivity})
}

func (a *Activities) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.NewNop()
	}
	return a.Logger
}

// Plan runs the planner and prepares ids outside the workflow, where
// randomness is allowed.
func (a *Activities) Plan(ctx context.Context, in PlanInput) (PlanOutput, error) {
	units, err := a.Planner.Plan(ctx, planner.Input{ThreadID: in.ThreadID, Topic: in.Topic, Feedback: in.Feedback})
	if err != nil {
		return PlanOutput{}, fmt.Errorf("%w: %w", executor.ErrPlanningFailed, err)
	}
	if len(units) == 0 {
		return PlanOutput{}, fmt.Errorf("%w: planner returned no units", executor.ErrPlanningFailed)
	}
	units, notices := executor.PrepareUnits(units, in.MaxUnits)
	return PlanOutput{Units: units, Notices: notices}, nil
}

func (a *Activities) Research(ctx context.Context, job research.Job) (report.Unit, error) {
	a.logger().Debug("Research activity", zap.String("thread_id", job.ThreadID), zap.String("unit_id", job.Unit.ID))
	return a.Units.Run(ctx, job), nil
}

func (a *Activities) Synthesize(ctx context.Context, in SynthesizeInput) (report.Unit, error) {
	return a.Units.Synthesize(ctx, in.Job, in.Siblings), nil
}

func (a *Activities) Compile(_ context.Context, in CompileInput) (*report.Document, error) {
	return a.Compiler.Compile(in.ThreadID, in.Topic, in.Units, in.Notices)
}

// Notify never fails the workflow; delivery is best-effort.
func (a *Activities) Notify(ctx context.Context, in NotifyInput) error {
	if a.Notifier == nil {
		return nil
	}
	if err := a.Notifier.Notify(ctx, in.ThreadID, in.Type, in.Data); err != nil {
		a.logger().Warn("Review notification failed", zap.String("thread_id", in.ThreadID), zap.Error(err))
	}
	return nil
}
