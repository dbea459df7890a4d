package intent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRouting(t *testing.T) {
	c := NewClassifier(DefaultRules())

	tests := []struct {
		name       string
		message    string
		context    string
		decision   string
		confidence float64
	}{
		{"no keywords defaults to chat", "xyz", "", DecisionSimpleChat, 0.5},
		{"market report", "Generate a comprehensive market analysis report on solar energy", "", DecisionReportResearcher, 0.8},
		{"greeting", "hello there!", "", DecisionSimpleChat, 0.8},
		{"arithmetic question", "What is 2+2?", "", DecisionSimpleChat, 0.8},
		{"tie goes to chat", "hi report", "", DecisionSimpleChat, 0.8},
		{"short follow-up after math", "ok then", "please calculate 2+2", DecisionSimpleChat, 0.5},
		{"short follow-up after report", "more please", "the market report looked good", DecisionReportResearcher, 0.5},
		{"long message skews research", strings.Repeat("word ", 21), "", DecisionReportResearcher, 0.5},
		{"empty message", "", "", DecisionSimpleChat, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.message, tt.context)
			assert.Equal(t, tt.decision, got.Decision)
			assert.Equal(t, tt.confidence, got.Confidence)
		})
	}
}

func TestClassifyIsTotal(t *testing.T) {
	c := NewClassifier(DefaultRules())
	inputs := []string{"", " ", "?", "!!!", "\x00\x01", "数学", strings.Repeat("a", 10000), "REPORT REPORT", "Hello? report!"}
	for _, in := range inputs {
		got := c.Classify(in, in)
		if got.Decision != DecisionSimpleChat && got.Decision != DecisionReportResearcher {
			t.Fatalf("unexpected decision %q for %q", got.Decision, in)
		}
		if got.Confidence < 0 || got.Confidence > 1 {
			t.Fatalf("confidence out of range: %v", got.Confidence)
		}
	}
}

func TestClassifyReason(t *testing.T) {
	c := NewClassifier(DefaultRules())
	got := c.Classify("Write a SWOT analysis report", "")
	assert.Equal(t, "Analysis: 3 research keywords, 0 simple keywords", got.Reason)
	assert.Equal(t, 3, got.ResearchScore)
}

func TestSetRulesSwapsPolicy(t *testing.T) {
	c := NewClassifier(DefaultRules())
	require.Equal(t, DecisionSimpleChat, c.Classify("quarterly numbers", "").Decision)

	custom := DefaultRules()
	custom.ResearchTerms = append(custom.ResearchTerms, " Quarterly ")
	c.SetRules(custom)

	assert.Equal(t, DecisionReportResearcher, c.Classify("quarterly numbers", "").Decision)
	assert.Contains(t, c.Rules().ResearchTerms, "quarterly")
}

func TestRulesValidate(t *testing.T) {
	require.NoError(t, DefaultRules().Validate())

	overlap := DefaultRules()
	overlap.SimpleTerms = append(overlap.SimpleTerms, "REPORT")
	assert.Error(t, overlap.Validate())

	empty := DefaultRules()
	empty.ResearchTerms = nil
	assert.Error(t, empty.Validate())

	badConf := DefaultRules()
	badConf.MatchedConfidence = 1.5
	assert.Error(t, badConf.Validate())
}

func TestNewClassifierFallsBackOnInvalidRules(t *testing.T) {
	c := NewClassifier(Rules{})
	assert.Equal(t, DecisionReportResearcher, c.Classify("research report", "").Decision)
}

func TestRecentContext(t *testing.T) {
	assert.Equal(t, "", RecentContext(nil, 3))
	assert.Equal(t, "b c d", RecentContext([]string{"a", "b", "c", "d"}, 3))
	assert.Equal(t, "a b", RecentContext([]string{"a", "b"}, 3))
}
