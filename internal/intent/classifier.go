// Package intent scores a chat message into a routing decision using a
// keyword policy loaded as data (see Rules).
package intent

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Routing decision labels.
const (
	DecisionSimpleChat       = "simple_chat"
	DecisionReportResearcher = "report_researcher"
	DecisionError            = "error"
)

// Classification is the transient classifier output attached to response metadata.
type Classification struct {
	Decision      string  `json:"routing_decision"`
	Confidence    float64 `json:"confidence_score"`
	Reason        string  `json:"reason"`
	ResearchScore int     `json:"research_score"`
	SimpleScore   int     `json:"simple_score"`
}

// Classifier is safe for concurrent use; rules may be swapped at runtime.
type Classifier struct {
	rules atomic.Pointer[Rules]
}

// NewClassifier builds a classifier. Invalid rules fall back to DefaultRules.
func NewClassifier(rules Rules) *Classifier {
	c := &Classifier{}
	if err := rules.Validate(); err != nil {
		rules = DefaultRules()
	}
	c.SetRules(rules)
	return c
}

// SetRules atomically replaces the active policy.
func (c *Classifier) SetRules(rules Rules) {
	n := rules.Normalize()
	c.rules.Store(&n)
}

// Rules returns a copy of the active policy.
func (c *Classifier) Rules() Rules {
	return *c.rules.Load()
}

// Classify scores message against the keyword sets, adjusting for the recent
// conversation. It is total: every input yields simple_chat or report_researcher.
func (c *Classifier) Classify(message, recentContext string) Classification {
	r := c.rules.Load()
	lower := strings.ToLower(message)

	researchHits := countMatches(lower, r.ResearchTerms)
	simpleHits := countMatches(lower, r.SimpleTerms)
	research, simple := researchHits, simpleHits

	words := len(strings.Fields(message))
	if words <= r.ShortMessageWords && strings.TrimSpace(recentContext) != "" {
		ctx := strings.ToLower(recentContext)
		if containsAny(ctx, r.ArithmeticMarkers) {
			simple += r.ContextSimpleBoost
		} else if containsAny(ctx, r.ReportMarkers) {
			research += r.ContextResearchBoost
		}
	}
	if words > r.LongMessageWords {
		research += r.LongMessageBoost
	}
	if r.PunctuationMarks != "" && strings.ContainsAny(message, r.PunctuationMarks) {
		simple += r.PunctuationBoost
	}

	decision := DecisionSimpleChat
	if research > simple {
		decision = DecisionReportResearcher
	}

	confidence := r.DefaultConfidence
	if researchHits+simpleHits > 0 {
		confidence = r.MatchedConfidence
	}

	return Classification{
		Decision:      decision,
		Confidence:    confidence,
		Reason:        fmt.Sprintf("Analysis: %d research keywords, %d simple keywords", researchHits, simpleHits),
		ResearchScore: research,
		SimpleScore:   simple,
	}
}

// RecentContext joins the contents of the last n history entries with spaces.
func RecentContext(contents []string, n int) string {
	if n <= 0 || len(contents) == 0 {
		return ""
	}
	if len(contents) > n {
		contents = contents[len(contents)-n:]
	}
	return strings.Join(contents, " ")
}

func countMatches(s string, terms []string) int {
	n := 0
	for _, t := range terms {
		if strings.Contains(s, t) {
			n++
		}
	}
	return n
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
