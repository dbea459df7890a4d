package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateSimpleMath(t *testing.T) {
	tests := []struct {
		expr string
		want string
	}{
		{"2+2*5", "The result of 2+2*5 is 12"},
		{"(2+2)*5", "The result of (2+2)*5 is 20"},
		{"7/2", "The result of 7/2 is 3.5"},
		{"-3 + 10", "The result of -3 + 10 is 7"},
		{"1.5*4", "The result of 1.5*4 is 6"},
		{"007 + 1", "The result of 007 + 1 is 8"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			assert.Equal(t, tt.want, CalculateSimpleMath(tt.expr))
		})
	}
}

func TestCalculateSimpleMathRejectsNonWhitelisted(t *testing.T) {
	for _, expr := range []string{"2+DROP TABLE", "os.Exit(1)", "2^3", "1e9", "2\t+2", "len(\"x\")"} {
		got := CalculateSimpleMath(expr)
		assert.Equal(t, "Error: Only basic mathematical operations are allowed", got, expr)
	}
}

func TestCalculateSimpleMathEvaluationErrors(t *testing.T) {
	for _, expr := range []string{"1/0", "2 3", "((", "1..2", "2**3", ""} {
		got := CalculateSimpleMath(expr)
		if !strings.HasPrefix(got, "Error calculating "+expr+": ") {
			t.Fatalf("expected evaluation error for %q, got %q", expr, got)
		}
	}
}

func TestCalculateSimpleMathRejectsCommentSyntax(t *testing.T) {
	for _, expr := range []string{"5//2", "8 // 0", "2/*3*/+4", "1/*", "6 / /2"} {
		got := CalculateSimpleMath(expr)
		assert.NotContains(t, got, "The result of", expr)
		assert.True(t, strings.HasPrefix(got, "Error calculating "+expr+": "), "%q -> %q", expr, got)
	}
	assert.Equal(t, "Error calculating 5//2: invalid expression", CalculateSimpleMath("5//2"))
}

func TestCalculateSimpleMathPowerIsUnsupported(t *testing.T) {
	assert.Equal(t, "Error calculating 2**3: unsupported expression", CalculateSimpleMath("2**3"))
}

func TestCurrentTimeTool(t *testing.T) {
	fixed := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	tool := CurrentTime(func() time.Time { return fixed })
	assert.Equal(t, "Current time: 2024-03-09 14:05:07", tool.Execute(context.Background(), nil))
}

func TestRegistryExecute(t *testing.T) {
	reg := DialogueTools(nil)
	require.Len(t, reg.Tools(), 2)
	assert.Equal(t, CurrentTimeName, reg.Tools()[0].Name)

	got := reg.Execute(context.Background(), SimpleMathName, map[string]interface{}{"expression": "3*3"})
	assert.Equal(t, "The result of 3*3 is 9", got)

	unknown := reg.Execute(context.Background(), "weather", map[string]interface{}{"city": "Oslo"})
	assert.Equal(t, `Tool weather executed with args: {"city":"Oslo"}`, unknown)
}

func TestResearchTools(t *testing.T) {
	outline := ReportOutline("EV batteries", AnalysisTechnical, "focus on cost")
	assert.True(t, strings.HasPrefix(outline, "Technical Analysis Report Outline for: EV batteries"))
	assert.Contains(t, outline, "Requirements: focus on cost")

	fallback := ReportOutline("Tea", "unknown", "")
	assert.True(t, strings.HasPrefix(fallback, "Research Report Outline for: Tea"))

	sources := ResearchSources("coffee", AnalysisMarket)
	assert.Contains(t, sources, "For market analysis of coffee, consider these sources:")
	assert.Contains(t, sources, "Market Data: Statista, IBISWorld")

	pest := DataPatterns("retail sales", "pest")
	assert.Contains(t, pest, "Political: Government policies")
	swot := DataPatterns("retail sales", "nonsense")
	assert.Contains(t, swot, "Application to data: [Analysis needed for strengths]")

	section := FormatSection("Summary", "body text", "executive_summary")
	assert.True(t, strings.HasPrefix(section, "# Summary\n\n## Key Findings\nbody text"))

	reg := ReportTools()
	assert.Len(t, reg.Tools(), 4)
	_, ok := reg.Lookup(DataPatternsName)
	assert.True(t, ok)
}
