package workflows

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/formatting"
	"github.com/Kocoro-lab/chatflow/internal/llm"
	"github.com/Kocoro-lab/chatflow/internal/metrics"
	"github.com/Kocoro-lab/chatflow/internal/tools"
)

// Report phases.
const (
	PhaseAnalysis  = "analysis"
	PhaseResearch  = "research"
	PhaseWriting   = "writing"
	PhaseReviewing = "reviewing"
)

// DefaultMinContentLength is the content-sufficiency threshold in characters.
const DefaultMinContentLength = 50

const (
	defaultTopic     = "Research Topic"
	topicWordBudget  = 7
	defaultFramework = "SWOT"
)

var (
	marketTerms    = []string{"market", "business", "industry", "competitive"}
	technicalTerms = []string{"technical", "technology", "system", "implementation"}

	outlineTerms = []string{"outline", "structure", "plan"}
	writingTerms = []string{"write", "draft", "section"}
	reviewTerms  = []string{"review", "edit", "revise"}
)

// ReportConfig is the explicit configuration of the report sub-workflow.
type ReportConfig struct {
	Model            string
	Temperature      float64
	MaxTokens        int64
	MinContentLength int
	HistoryLimit     int
	Now              func() time.Time
}

// DefaultReportConfig returns the analytical defaults.
func DefaultReportConfig() ReportConfig {
	return ReportConfig{
		Temperature:      0.3,
		MinContentLength: DefaultMinContentLength,
		HistoryLimit:     DefaultHistoryLimit,
		Now:              time.Now,
	}
}

// ResearchContext accumulates state across one report execution.
type ResearchContext struct {
	Topic             string            `json:"topic"`
	AnalysisType      string            `json:"analysis_type"`
	Phase             string            `json:"phase"`
	Outline           string            `json:"outline,omitempty"`
	Sections          map[string]string `json:"sections"`
	Sources           []string          `json:"sources"`
	AnalysisFramework string            `json:"analysis_framework"`
}

// ReportInput is one report request. Phase, when set to a known phase,
// overrides keyword detection.
type ReportInput struct {
	Message string         `json:"message"`
	History []HistoryEntry `json:"conversation_history"`
	Phase   string         `json:"phase,omitempty"`
}

// ReportOutput is the report sub-workflow result. Response is always at
// least the sufficiency threshold long.
type ReportOutput struct {
	Response     string          `json:"response"`
	AnalysisType string          `json:"analysis_type"`
	Phase        string          `json:"phase"`
	CurrentStep  string          `json:"current_step"`
	Context      ResearchContext `json:"research_context"`
	UsedFallback bool            `json:"used_fallback"`
	ToolsUsed    []string        `json:"tools_used,omitempty"`
	Error        bool            `json:"error"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

type phase struct {
	prompt   func(rc ResearchContext, request string) string
	tools    *tools.Registry
	fallback func(topic string, now time.Time) string
}

// ReportWorkflow is Initialize -> one of the four phases.
type ReportWorkflow struct {
	gen    llm.Generator
	cfg    ReportConfig
	phases map[string]phase
	logger *zap.Logger
}

// NewReportWorkflow binds a generator; each phase gets its own tool subset.
func NewReportWorkflow(gen llm.Generator, cfg ReportConfig, logger *zap.Logger) *ReportWorkflow {
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = DefaultMinContentLength
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReportWorkflow{
		gen:    gen,
		cfg:    cfg,
		logger: logger,
		phases: map[string]phase{
			PhaseAnalysis: {
				prompt:   analysisPrompt,
				tools:    tools.NewRegistry(tools.ReportOutlineTool()),
				fallback: AnalysisFallback,
			},
			PhaseResearch: {
				prompt:   researchPrompt,
				tools:    tools.NewRegistry(tools.ResearchSourcesTool(), tools.DataPatternsTool()),
				fallback: ResearchFallback,
			},
			PhaseWriting: {
				prompt:   func(ResearchContext, string) string { return writingPrompt },
				tools:    tools.NewRegistry(tools.FormatSectionTool()),
				fallback: AnalysisFallback,
			},
			PhaseReviewing: {
				prompt:   func(ResearchContext, string) string { return reviewPrompt },
				fallback: AnalysisFallback,
			},
		},
	}
}

// Run never fails. Generation errors and short output produce the phase's
// templated report; a panic produces the analysis template with Error set.
func (w *ReportWorkflow) Run(ctx context.Context, in ReportInput) (out ReportOutput) {
	var rc ResearchContext
	defer func() {
		if r := recover(); r != nil {
			if rc.Topic == "" {
				rc.Topic = defaultTopic
			}
			if rc.Phase == "" {
				rc.Phase = PhaseAnalysis
			}
			w.logger.Error("Report workflow panicked", zap.String("phase", rc.Phase), zap.Any("panic", r))
			out = ReportOutput{
				Response:     AnalysisFallback(rc.Topic, w.cfg.Now()),
				AnalysisType: rc.AnalysisType,
				Phase:        rc.Phase,
				CurrentStep:  "error",
				Context:      rc,
				UsedFallback: true,
				Error:        true,
				ErrorMessage: fmt.Sprintf("Error in %s phase: %v", rc.Phase, r),
			}
		}
	}()
	rc = w.Initialize(in)
	return w.runPhase(ctx, in, &rc)
}

// Initialize derives the research context from the request.
func (w *ReportWorkflow) Initialize(in ReportInput) ResearchContext {
	lower := strings.ToLower(in.Message)
	rc := ResearchContext{
		Topic:             DeriveTopic(in.Message),
		AnalysisType:      DetectAnalysisType(lower),
		Phase:             DetectPhase(lower),
		Sections:          map[string]string{},
		Sources:           []string{},
		AnalysisFramework: defaultFramework,
	}
	if _, ok := w.phases[in.Phase]; ok {
		rc.Phase = in.Phase
	}
	return rc
}

func (w *ReportWorkflow) runPhase(ctx context.Context, in ReportInput, rc *ResearchContext) ReportOutput {
	p, ok := w.phases[rc.Phase]
	if !ok {
		rc.Phase = PhaseAnalysis
		p = w.phases[PhaseAnalysis]
	}
	log := w.logger.With(zap.String("phase", rc.Phase), zap.String("analysis_type", rc.AnalysisType))

	history := TrimHistory(in.History, w.cfg.HistoryLimit)
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: p.prompt(*rc, in.Message)})
	messages = append(messages, transcript(history)...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: in.Message})

	out := ReportOutput{AnalysisType: rc.AnalysisType, Phase: rc.Phase}

	var text string
	resp, err := w.gen.Generate(ctx, llm.Request{
		Model:       w.cfg.Model,
		Temperature: w.cfg.Temperature,
		MaxTokens:   w.cfg.MaxTokens,
		Messages:    messages,
		Tools:       toolSpecs(p.tools),
	})
	if err != nil {
		log.Warn("Report generation failed, using template", zap.Error(err))
	} else {
		results, used := runTools(ctx, p.tools, resp.ToolCalls)
		w.record(rc, resp.ToolCalls, results)
		out.ToolsUsed = used
		text = combine(resp.Content, results)
	}

	if w.sufficient(text) {
		if rc.Phase == PhaseResearch && len(rc.Sources) > 0 {
			text = formatting.WithSources(text, rc.Sources)
		}
		out.Response = text
	} else {
		log.Info("Report content below threshold, using template",
			zap.Int("length", utf8.RuneCountInString(strings.TrimSpace(text))),
			zap.Int("threshold", w.cfg.MinContentLength),
		)
		metrics.ReportFallbacks.WithLabelValues(rc.AnalysisType).Inc()
		out.Response = p.fallback(rc.Topic, w.cfg.Now())
		out.UsedFallback = true
	}

	out.CurrentStep = rc.Phase + "_completed"
	out.Context = *rc
	return out
}

// record folds tool results into the research context.
func (w *ReportWorkflow) record(rc *ResearchContext, calls []llm.ToolCall, results []string) {
	for i, call := range calls {
		switch call.Name {
		case tools.ReportOutlineName:
			rc.Outline = results[i]
		case tools.ResearchSourcesName:
			rc.Sources = append(rc.Sources, results[i])
		case tools.DataPatternsName:
			rc.AnalysisFramework = strings.ToUpper(tools.StringArg(call.Arguments, "analysis_framework", defaultFramework))
		case tools.FormatSectionName:
			rc.Sections[tools.StringArg(call.Arguments, "section_title", "Section")] = results[i]
		}
	}
}

// sufficient reports whether text passes the content-sufficiency gate.
func (w *ReportWorkflow) sufficient(text string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(text)) >= w.cfg.MinContentLength
}

// DetectAnalysisType maps a lowercased request to market, technical or general.
func DetectAnalysisType(lower string) string {
	switch {
	case containsAnyTerm(lower, marketTerms):
		return tools.AnalysisMarket
	case containsAnyTerm(lower, technicalTerms):
		return tools.AnalysisTechnical
	default:
		return tools.AnalysisGeneral
	}
}

// DetectPhase maps a lowercased request to a phase. Keywords never select
// the research phase; anything unmatched is analysis.
func DetectPhase(lower string) string {
	switch {
	case containsAnyTerm(lower, outlineTerms):
		return PhaseAnalysis
	case containsAnyTerm(lower, writingTerms):
		return PhaseWriting
	case containsAnyTerm(lower, reviewTerms):
		return PhaseReviewing
	default:
		return PhaseAnalysis
	}
}

// DeriveTopic extracts the report subject, falling back to the whole request.
func DeriveTopic(message string) string {
	topic := message
	if _, subject, ok := formatting.Subject(message, topicWordBudget); ok {
		topic = subject
	}
	topic = strings.TrimSpace(strings.NewReplacer("?", "", "!", "").Replace(topic))
	if topic == "" {
		return defaultTopic
	}
	return topic
}

func containsAnyTerm(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
