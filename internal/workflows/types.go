package workflows

import (
	"time"

	"github.com/Kocoro-lab/chatflow/internal/llm"
)

// Workflow labels reported in Output.WorkflowUsed.
const (
	WorkflowSimpleChat       = "simple_chat"
	WorkflowReportResearcher = "report_researcher"
	WorkflowErrorHandler     = "error_handler"
	WorkflowUnknown          = "unknown"
)

// DefaultHistoryLimit bounds the conversation history handed to a workflow.
const DefaultHistoryLimit = 10

// HistoryEntry is one prior transcript message, oldest first.
type HistoryEntry struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Input is what a caller hands the supervisor for one message.
type Input struct {
	Message  string         `json:"message"`
	UserID   string         `json:"user_id,omitempty"`
	ThreadID string         `json:"thread_id,omitempty"`
	History  []HistoryEntry `json:"conversation_history"`
}

// Output is the fully populated result committed back to callers.
type Output struct {
	Response        string    `json:"response"`
	WorkflowUsed    string    `json:"workflow_used"`
	ConfidenceScore float64   `json:"confidence_score"`
	AnalysisType    string    `json:"analysis_type,omitempty"`
	Error           bool      `json:"error"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	RoutingReason   string    `json:"routing_reason,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// TrimHistory returns a copy of the last limit entries.
func TrimHistory(history []HistoryEntry, limit int) []HistoryEntry {
	if limit <= 0 || len(history) == 0 {
		return nil
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]HistoryEntry(nil), history...)
}

// transcript converts history to generation messages; anything that is not
// from the user is treated as the assistant.
func transcript(history []HistoryEntry) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for _, h := range history {
		role := llm.RoleAssistant
		if h.Role == llm.RoleUser {
			role = llm.RoleUser
		}
		out = append(out, llm.Message{Role: role, Content: h.Content})
	}
	return out
}
