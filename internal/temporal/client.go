package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"

	"github.com/Kocoro-lab/reportflow/internal/approval"
)

// WorkflowID is the Temporal workflow id used for a thread.
func WorkflowID(threadID string) string { return "report-" + threadID }

// PolicySource returns the approval policy a new run should carry.
type PolicySource func() approval.Policy

// Starter starts ReportWorkflows and delivers review signals.
type Starter struct {
	client             client.Client
	taskQueue          string
	policy             PolicySource
	maxUnits           int
	maxConcurrentUnits int
}

func NewStarter(c client.Client, taskQueue string, policy PolicySource, maxUnits, maxConcurrentUnits int) *Starter {
	return &Starter{client: c, taskQueue: taskQueue, policy: policy, maxUnits: maxUnits, maxConcurrentUnits: maxConcurrentUnits}
}

// Start launches a run for threadID and returns its run id.
func (s *Starter) Start(ctx context.Context, threadID, topic string) (string, error) {
	run, err := s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(threadID),
		TaskQueue: s.taskQueue,
	}, ReportWorkflow, ReportInput{
		ThreadID:           threadID,
		Topic:              topic,
		Policy:             s.policy(),
		MaxUnits:           s.maxUnits,
		MaxConcurrentUnits: s.maxConcurrentUnits,
	})
	if err != nil {
		return "", fmt.Errorf("start report workflow: %w", err)
	}
	return run.GetRunID(), nil
}

// Review signals the reviewer's feedback to the latest run of threadID.
func (s *Starter) Review(ctx context.Context, threadID, feedback string) error {
	if err := s.client.SignalWorkflow(ctx, WorkflowID(threadID), "", ReviewSignal, ReviewDecision{Feedback: feedback}); err != nil {
		return fmt.Errorf("signal review: %w", err)
	}
	return nil
}
