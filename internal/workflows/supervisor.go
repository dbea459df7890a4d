package workflows

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/intent"
	"github.com/Kocoro-lab/chatflow/internal/metrics"
	"github.com/Kocoro-lab/chatflow/internal/tracing"
)

// Supervisor node names, in execution order.
const (
	NodeAnalyzeIntent    = "analyze_intent"
	NodeRouteDecision    = "route_decision"
	NodeSimpleChat       = "simple_chat"
	NodeReportResearcher = "report_researcher"
	NodeErrorHandler     = "error_handler"
	NodeFormatResponse   = "format_response"
)

const (
	chatNodeApology   = "I encountered an error while processing your message."
	reportNodeApology = "I encountered an error while helping with your research request."
	noResponse        = "No response generated"
	unknownError      = "An unknown error occurred"
	defaultConfidence = 0.5
	contextWindow     = 3
)

// DialogueRunner runs the dialogue sub-workflow.
type DialogueRunner interface {
	Run(ctx context.Context, in Input) DialogueOutput
}

// ReportRunner runs the report sub-workflow.
type ReportRunner interface {
	Run(ctx context.Context, in ReportInput) ReportOutput
}

// State is the supervisor's working state; observers receive a copy after
// every node.
type State struct {
	Input           Input                  `json:"input"`
	RoutingDecision string                 `json:"routing_decision"`
	RoutingReason   string                 `json:"routing_reason"`
	Context         map[string]interface{} `json:"conversation_context"`
	Output          Output                 `json:"output"`
	Report          *ReportOutput          `json:"report,omitempty"`

	confidenceSet bool
}

// NodeEvent is delivered after a node finishes.
type NodeEvent struct {
	Node  string
	State State
}

// NodeObserver is notified after each node.
type NodeObserver func(ctx context.Context, ev NodeEvent)

// Supervisor is AnalyzeIntent -> RouteDecision -> {SimpleChat | ReportResearcher |
// ErrorHandler} -> FormatResponse.
type Supervisor struct {
	classifier *intent.Classifier
	dialogue   DialogueRunner
	report     ReportRunner
	now        func() time.Time
	logger     *zap.Logger
}

// NewSupervisor composes the classifier and both sub-workflows.
func NewSupervisor(classifier *intent.Classifier, dialogue DialogueRunner, report ReportRunner, now func() time.Time, logger *zap.Logger) *Supervisor {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{classifier: classifier, dialogue: dialogue, report: report, now: now, logger: logger}
}

// Run executes the state machine; the returned Output is always fully populated.
func (s *Supervisor) Run(ctx context.Context, in Input) Output {
	return s.run(ctx, in, "sync", nil)
}

// RunObserved is Run with a per-node callback.
func (s *Supervisor) RunObserved(ctx context.Context, in Input, observe NodeObserver) Output {
	return s.run(ctx, in, "observed", observe)
}

func (s *Supervisor) run(ctx context.Context, in Input, mode string, observe NodeObserver) Output {
	start := time.Now()
	st := &State{Input: in, Context: map[string]interface{}{}}

	step := func(node string, fn func(ctx context.Context, st *State)) {
		nctx, span := tracing.StartNodeSpan(ctx, "supervisor", node, in.ThreadID)
		fn(nctx, st)
		var spanErr error
		if st.Output.Error && st.Output.ErrorMessage != "" {
			spanErr = errors.New(st.Output.ErrorMessage)
		}
		tracing.End(span, spanErr)
		if observe != nil {
			observe(ctx, NodeEvent{Node: node, State: st.snapshot()})
		}
	}

	step(NodeAnalyzeIntent, s.analyzeIntent)
	step(NodeRouteDecision, s.routeDecision)

	next := s.route(st)
	metrics.WorkflowsStarted.WithLabelValues(next, mode).Inc()
	switch next {
	case NodeSimpleChat:
		step(NodeSimpleChat, s.simpleChat)
	case NodeReportResearcher:
		step(NodeReportResearcher, s.reportResearcher)
	default:
		step(NodeErrorHandler, s.errorHandler)
	}
	step(NodeFormatResponse, s.formatResponse)

	status := "success"
	if st.Output.Error {
		status = "error"
	}
	metrics.RecordWorkflowMetrics(st.Output.WorkflowUsed, mode, status, time.Since(start).Seconds())
	s.logger.Info("Supervisor completed",
		zap.String("thread_id", in.ThreadID),
		zap.String("routing_decision", st.RoutingDecision),
		zap.String("workflow_used", st.Output.WorkflowUsed),
		zap.Bool("error", st.Output.Error),
	)
	return st.Output
}

func (s *Supervisor) analyzeIntent(_ context.Context, st *State) {
	defer func() {
		if r := recover(); r != nil {
			st.Output.Error = true
			st.Output.ErrorMessage = fmt.Sprintf("Error in intent analysis: %v", r)
			st.RoutingDecision = intent.DecisionSimpleChat
		}
	}()
	st.Output.Timestamp = s.now()
	st.Output.Error = false

	contents := make([]string, 0, len(st.Input.History))
	for _, h := range st.Input.History {
		contents = append(contents, h.Content)
	}
	c := s.classifier.Classify(st.Input.Message, intent.RecentContext(contents, contextWindow))
	metrics.RecordIntent(c.Decision, c.Confidence)

	st.RoutingDecision = c.Decision
	st.RoutingReason = c.Reason
	st.Output.RoutingReason = c.Reason
	st.Output.WorkflowUsed = c.Decision
	st.Output.ConfidenceScore = c.Confidence
	st.confidenceSet = true
}

// routeDecision only carries the decision into the shared context.
func (s *Supervisor) routeDecision(_ context.Context, st *State) {
	st.Context["routing_decision"] = st.RoutingDecision
	st.Context["routing_reason"] = st.RoutingReason
	st.Context["confidence_score"] = st.Output.ConfidenceScore
}

func (s *Supervisor) route(st *State) string {
	if st.Output.Error {
		return NodeErrorHandler
	}
	switch st.RoutingDecision {
	case intent.DecisionReportResearcher:
		return NodeReportResearcher
	case intent.DecisionSimpleChat:
		return NodeSimpleChat
	default:
		return NodeErrorHandler
	}
}

func (s *Supervisor) simpleChat(ctx context.Context, st *State) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Simple chat node failed", zap.Any("panic", r))
			st.Output.Error = true
			st.Output.ErrorMessage = fmt.Sprintf("Error in simple chat: %v", r)
			st.Output.Response = chatNodeApology
		}
	}()
	out := s.dialogue.Run(ctx, st.Input)
	st.Output.Response = out.Response
	st.Output.WorkflowUsed = WorkflowSimpleChat
	st.Output.AnalysisType = ""
}

func (s *Supervisor) reportResearcher(ctx context.Context, st *State) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Report researcher node failed", zap.Any("panic", r))
			st.Output.Error = true
			st.Output.ErrorMessage = fmt.Sprintf("Error in report research: %v", r)
			st.Output.Response = reportNodeApology
		}
	}()
	out := s.report.Run(ctx, ReportInput{Message: st.Input.Message, History: st.Input.History})

	response := out.Response
	if utf8.RuneCountInString(strings.TrimSpace(response)) < DefaultMinContentLength {
		topic := out.Context.Topic
		if topic == "" {
			topic = DeriveTopic(st.Input.Message)
		}
		response = AnalysisFallback(topic, s.now())
	}
	analysisType := out.AnalysisType
	if analysisType == "" {
		analysisType = "general"
	}

	st.Output.Response = response
	st.Output.WorkflowUsed = WorkflowReportResearcher
	st.Output.AnalysisType = analysisType
	st.Report = &out
	st.Context["topic"] = out.Context.Topic
	st.Context["analysis_type"] = analysisType
	st.Context["phase"] = out.Phase
}

func (s *Supervisor) errorHandler(_ context.Context, st *State) {
	msg := st.Output.ErrorMessage
	if msg == "" {
		msg = unknownError
	}
	st.Output.Response = "I'm sorry, but I encountered an error: " + msg
	st.Output.WorkflowUsed = WorkflowErrorHandler
	st.Output.ConfidenceScore = 0
	st.confidenceSet = true
}

// formatResponse fills any missing output field; running it twice changes nothing.
func (s *Supervisor) formatResponse(_ context.Context, st *State) {
	if st.Output.Response == "" {
		st.Output.Response = noResponse
	}
	if st.Output.Timestamp.IsZero() {
		st.Output.Timestamp = s.now()
	}
	if st.Output.WorkflowUsed == "" {
		st.Output.WorkflowUsed = WorkflowUnknown
	}
	if !st.confidenceSet {
		st.Output.ConfidenceScore = defaultConfidence
		st.confidenceSet = true
	}
}

func (st *State) snapshot() State {
	cp := *st
	cp.Context = make(map[string]interface{}, len(st.Context))
	for k, v := range st.Context {
		cp.Context[k] = v
	}
	if st.Report != nil {
		r := *st.Report
		cp.Report = &r
	}
	return cp
}
