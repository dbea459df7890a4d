// Package interceptors tags outgoing provider requests with the execution
// they belong to.
package interceptors

import (
	"context"
	"net/http"

	"go.temporal.io/sdk/activity"

	"github.com/Kocoro-lab/chatflow/internal/tracing"
)

// Header names set on outgoing requests.
const (
	HeaderWorkflowID  = "X-Workflow-ID"
	HeaderRunID       = "X-Run-ID"
	HeaderTraceparent = "traceparent"
)

// WorkflowHTTPRoundTripper adds workflow and trace metadata to outgoing HTTP requests
type WorkflowHTTPRoundTripper struct {
	base http.RoundTripper
}

// NewWorkflowHTTPRoundTripper wraps base; nil uses http.DefaultTransport.
func NewWorkflowHTTPRoundTripper(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &WorkflowHTTPRoundTripper{base: base}
}

// NewHTTPClient returns a client whose transport is a WorkflowHTTPRoundTripper.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: NewWorkflowHTTPRoundTripper(nil)}
}

// RoundTrip implements http.RoundTripper. The request is cloned before any
// header is added.
func (w *WorkflowHTTPRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	headers := map[string]string{}
	if id, run := workflowExecution(ctx); id != "" {
		headers[HeaderWorkflowID] = id
		headers[HeaderRunID] = run
	}
	if tp := tracing.W3CTraceparent(ctx); tp != "" && req.Header.Get(HeaderTraceparent) == "" {
		headers[HeaderTraceparent] = tp
	}
	if len(headers) == 0 {
		return w.base.RoundTrip(req)
	}
	out := req.Clone(ctx)
	for k, v := range headers {
		out.Header.Set(k, v)
	}
	return w.base.RoundTrip(out)
}

// workflowExecution reads the workflow ids when ctx belongs to an activity.
func workflowExecution(ctx context.Context) (id, runID string) {
	// activity.GetInfo panics outside an activity context (e.g. the HTTP
	// handlers or tests).
	defer func() {
		if r := recover(); r != nil {
			id, runID = "", ""
		}
	}()
	info := activity.GetInfo(ctx)
	return info.WorkflowExecution.ID, info.WorkflowExecution.RunID
}
