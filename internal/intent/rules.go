package intent

import (
	"fmt"
	"strings"
)

// Rules is the data-driven routing policy: two disjoint keyword sets plus
// the small context, length and punctuation heuristics applied on top.
type Rules struct {
	ResearchTerms []string `yaml:"research_terms" json:"research_terms"`
	SimpleTerms   []string `yaml:"simple_terms" json:"simple_terms"`

	// Markers looked up in the recent conversation when the message is short.
	ArithmeticMarkers []string `yaml:"arithmetic_markers" json:"arithmetic_markers"`
	ReportMarkers     []string `yaml:"report_markers" json:"report_markers"`

	ShortMessageWords    int `yaml:"short_message_words" json:"short_message_words"`
	LongMessageWords     int `yaml:"long_message_words" json:"long_message_words"`
	ContextSimpleBoost   int `yaml:"context_simple_boost" json:"context_simple_boost"`
	ContextResearchBoost int `yaml:"context_research_boost" json:"context_research_boost"`
	LongMessageBoost     int `yaml:"long_message_boost" json:"long_message_boost"`
	PunctuationBoost     int `yaml:"punctuation_boost" json:"punctuation_boost"`

	PunctuationMarks string `yaml:"punctuation_marks" json:"punctuation_marks"`

	MatchedConfidence float64 `yaml:"matched_confidence" json:"matched_confidence"`
	DefaultConfidence float64 `yaml:"default_confidence" json:"default_confidence"`
}

// DefaultRules returns the built-in keyword sets and heuristic weights.
func DefaultRules() Rules {
	return Rules{
		ResearchTerms: []string{
			"report", "analysis", "research", "study", "investigate", "analyze",
			"market analysis", "business analysis", "financial analysis", "data analysis",
			"swot", "pest", "competitive analysis", "industry analysis",
			"outline", "structure", "framework", "methodology",
			"findings", "conclusions", "recommendations", "insights",
			"trends", "patterns", "evaluation", "assessment",
			"white paper", "case study", "feasibility study",
			"strategy", "planning", "roadmap", "implementation",
		},
		SimpleTerms: []string{
			"hello", "hi", "how are you", "what time", "calculate", "math",
			"weather", "news", "joke", "story", "explain", "define",
			"help me with", "can you", "what is", "how do", "tell me about",
			"conversation", "chat", "talk", "discuss", "question",
		},
		ArithmeticMarkers:    []string{"calculate", "math", "+", "-", "*", "/", "=", "result"},
		ReportMarkers:        []string{"report", "analysis", "research"},
		ShortMessageWords:    3,
		LongMessageWords:     20,
		ContextSimpleBoost:   2,
		ContextResearchBoost: 1,
		LongMessageBoost:     2,
		PunctuationBoost:     1,
		PunctuationMarks:     "?!",
		MatchedConfidence:    0.8,
		DefaultConfidence:    0.5,
	}
}

// Normalize lowercases and trims every term, dropping empty entries.
func (r Rules) Normalize() Rules {
	r.ResearchTerms = normalizeTerms(r.ResearchTerms)
	r.SimpleTerms = normalizeTerms(r.SimpleTerms)
	r.ArithmeticMarkers = normalizeTerms(r.ArithmeticMarkers)
	r.ReportMarkers = normalizeTerms(r.ReportMarkers)
	return r
}

// Validate checks that both keyword sets are present and disjoint, and that
// the confidences are inside [0,1].
func (r Rules) Validate() error {
	n := r.Normalize()
	if len(n.ResearchTerms) == 0 {
		return fmt.Errorf("research_terms must not be empty")
	}
	if len(n.SimpleTerms) == 0 {
		return fmt.Errorf("simple_terms must not be empty")
	}
	seen := make(map[string]struct{}, len(n.ResearchTerms))
	for _, t := range n.ResearchTerms {
		seen[t] = struct{}{}
	}
	for _, t := range n.SimpleTerms {
		if _, dup := seen[t]; dup {
			return fmt.Errorf("keyword %q appears in both research_terms and simple_terms", t)
		}
	}
	if r.MatchedConfidence < 0 || r.MatchedConfidence > 1 {
		return fmt.Errorf("matched_confidence out of range: %v", r.MatchedConfidence)
	}
	if r.DefaultConfidence < 0 || r.DefaultConfidence > 1 {
		return fmt.Errorf("default_confidence out of range: %v", r.DefaultConfidence)
	}
	if r.ShortMessageWords < 0 || r.LongMessageWords < 0 {
		return fmt.Errorf("word thresholds must not be negative")
	}
	return nil
}

func normalizeTerms(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
