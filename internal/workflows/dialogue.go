package workflows

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/chatflow/internal/llm"
	"github.com/Kocoro-lab/chatflow/internal/metrics"
	"github.com/Kocoro-lab/chatflow/internal/tools"
)

const (
	dialogueApology      = "I'm sorry, I couldn't generate a response."
	dialogueErrorApology = "I encountered an error while processing your request. Please try again or rephrase your question."
)

// DialogueConfig is the explicit configuration of the dialogue sub-workflow.
type DialogueConfig struct {
	Model        string
	Temperature  float64
	MaxTokens    int64
	HistoryLimit int
}

// DefaultDialogueConfig returns the conversational defaults.
func DefaultDialogueConfig() DialogueConfig {
	return DialogueConfig{Temperature: 0.7, HistoryLimit: DefaultHistoryLimit}
}

// DialogueOutput is the dialogue sub-workflow result. Error marks a recovered
// generation failure; Response is still populated.
type DialogueOutput struct {
	Response            string   `json:"response"`
	ConversationUpdated bool     `json:"conversation_updated"`
	ToolsUsed           []string `json:"tools_used,omitempty"`
	Error               bool     `json:"error"`
	ErrorMessage        string   `json:"error_message,omitempty"`
}

// DialogueWorkflow is Initialize -> Generate -> Finalize.
type DialogueWorkflow struct {
	gen    llm.Generator
	tools  *tools.Registry
	cfg    DialogueConfig
	logger *zap.Logger
}

// NewDialogueWorkflow binds a generator and tool registry.
func NewDialogueWorkflow(gen llm.Generator, registry *tools.Registry, cfg DialogueConfig, logger *zap.Logger) *DialogueWorkflow {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DialogueWorkflow{gen: gen, tools: registry, cfg: cfg, logger: logger}
}

type dialogueState struct {
	messages  []llm.Message
	response  string
	generated bool
	out       DialogueOutput
}

// Run never fails: every path ends in Finalize with a non-empty response.
func (w *DialogueWorkflow) Run(ctx context.Context, in Input) DialogueOutput {
	st := &dialogueState{}
	func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("Dialogue workflow panicked", zap.Any("panic", r))
				st.response = dialogueErrorApology
				st.out.Error = true
				st.out.ErrorMessage = fmt.Sprintf("Error in dialogue: %v", r)
			}
		}()
		w.initialize(st, in)
		if !st.generated {
			w.generate(ctx, st)
		}
	}()
	w.finalize(st)
	return st.out
}

func (w *DialogueWorkflow) initialize(st *dialogueState, in Input) {
	history := TrimHistory(in.History, w.cfg.HistoryLimit)
	st.messages = make([]llm.Message, 0, len(history)+2)
	st.messages = append(st.messages, llm.Message{Role: llm.RoleSystem, Content: dialoguePersona})
	st.messages = append(st.messages, transcript(history)...)
	st.messages = append(st.messages, llm.Message{Role: llm.RoleUser, Content: in.Message})
}

func (w *DialogueWorkflow) generate(ctx context.Context, st *dialogueState) {
	resp, err := w.gen.Generate(ctx, llm.Request{
		Model:       w.cfg.Model,
		Temperature: w.cfg.Temperature,
		MaxTokens:   w.cfg.MaxTokens,
		Messages:    st.messages,
		Tools:       toolSpecs(w.tools),
	})
	if err != nil {
		w.logger.Warn("Dialogue generation failed", zap.Error(err))
		st.response = dialogueErrorApology
		st.out.Error = true
		st.out.ErrorMessage = fmt.Sprintf("Error in generate_response: %v", err)
		return
	}

	results, used := runTools(ctx, w.tools, resp.ToolCalls)
	st.out.ToolsUsed = used
	st.response = combine(resp.Content, results)
	st.generated = true
	st.out.ConversationUpdated = true
}

func (w *DialogueWorkflow) finalize(st *dialogueState) {
	if strings.TrimSpace(st.response) == "" {
		st.response = dialogueApology
	}
	st.out.Response = st.response
	st.out.ConversationUpdated = true
}

// toolSpecs describes a registry to the generation service.
func toolSpecs(registry *tools.Registry) []llm.ToolSpec {
	ts := registry.Tools()
	if len(ts) == 0 {
		return nil
	}
	specs := make([]llm.ToolSpec, len(ts))
	for i, t := range ts {
		specs[i] = llm.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
	}
	return specs
}

// runTools executes the requested calls in order and returns their text results.
func runTools(ctx context.Context, registry *tools.Registry, calls []llm.ToolCall) (results, used []string) {
	for _, call := range calls {
		metrics.ToolInvocations.WithLabelValues(call.Name).Inc()
		results = append(results, registry.Execute(ctx, call.Name, call.Arguments))
		used = append(used, call.Name)
	}
	return results, used
}

// combine appends tool results to the generated text, separated by a blank line.
func combine(content string, results []string) string {
	if len(results) == 0 {
		return content
	}
	return strings.TrimSpace(content + "\n\n" + strings.Join(results, "\n"))
}
