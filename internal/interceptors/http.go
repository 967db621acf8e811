package interceptors

import (
	"context"
	"net/http"

	"go.temporal.io/sdk/activity"
)

// Header names set on provider requests issued from a Temporal activity.
const (
	HeaderWorkflowID = "X-Workflow-ID"
	HeaderRunID      = "X-Run-ID"
)

// WorkflowHTTPRoundTripper tags outgoing requests with the workflow that
// issued them so provider-side logs can be joined with workflow history.
type WorkflowHTTPRoundTripper struct {
	base http.RoundTripper
}

func NewWorkflowHTTPRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &WorkflowHTTPRoundTripper{base: base}
}

func (w *WorkflowHTTPRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	info, ok := activityInfo(ctx)
	if !ok || info.WorkflowExecution.ID == "" {
		return w.base.RoundTrip(req)
	}
	// RoundTrippers must not mutate the caller's request.
	req = req.Clone(ctx)
	req.Header.Set(HeaderWorkflowID, info.WorkflowExecution.ID)
	req.Header.Set(HeaderRunID, info.WorkflowExecution.RunID)
	return w.base.RoundTrip(req)
}

// activityInfo reports the activity info of ctx; GetInfo panics outside an
// activity context.
func activityInfo(ctx context.Context) (info activity.Info, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return activity.GetInfo(ctx), true
}
