package formatting

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractTitle(t *testing.T) {
	tests := []struct {
		name    string
		report  string
		request string
		want    string
	}{
		{"h1", "# Solar Energy Outlook\nBody text.", "generate a report about solar energy", "Solar Energy Outlook"},
		{"h2 when no h1", "Intro line.\n## Market Size\nmore", "x", "Market Size"},
		{"h1 wins over earlier h2", "## Second\n# First\n", "x", "First"},
		{"short first line", "Quarterly Wind Review\nSome body. More.", "x", "Quarterly Wind Review"},
		{"first line with period", "plain text, no headers.", "report about wind power", "Report: wind power"},
		{"report on", "This is long. Really.", "Please write a report on EV batteries", "Report: EV batteries"},
		{"analysis of", "Some text.", "I need an analysis of coffee prices", "Analysis: coffee prices"},
		{"generate with marker", "Some text.", "Generate a detailed report regarding hydrogen fuel cell adoption in Europe today!", "Report: hydrogen fuel cell adoption in"},
		{"generate without marker", "Some text.", "generate a report", "Research Report"},
		{"fallback", "Some text.", "hello there", "Research Report"},
		{"empty report", "", "hello", "Research Report"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractTitle(tt.report, tt.request))
		})
	}
}

func TestExtractTitleLongFirstLine(t *testing.T) {
	long := strings.Repeat("word ", 30)
	assert.Equal(t, "Report: tides", ExtractTitle(long, "report about tides"))
}

func TestSubject(t *testing.T) {
	kind, subject, ok := Subject("Write a Report About Solar Energy?", 7)
	assert.True(t, ok)
	assert.Equal(t, SubjectReportAbout, kind)
	assert.Equal(t, "Solar Energy?", subject)

	kind, subject, ok = Subject("generate a market report for the European electric vehicle charging network market", 7)
	assert.True(t, ok)
	assert.Equal(t, SubjectGenerate, kind)
	assert.Equal(t, "the European electric vehicle charging network market", subject)

	_, _, ok = Subject("what time is it", 7)
	assert.False(t, ok)

	_, _, ok = Subject("report about", 7)
	assert.False(t, ok)
}

func TestSubjectNonASCIIRequest(t *testing.T) {
	// Ⱥ lowercases to a longer UTF-8 sequence.
	request := strings.Repeat("Ⱥ", 12) + " report on x"
	kind, subject, ok := Subject(request, 7)
	assert.True(t, ok)
	assert.Equal(t, SubjectReportOn, kind)
	assert.Equal(t, "x", subject)

	assert.Equal(t, "Report: x", ExtractTitle("a sentence. with period", request))
	assert.Equal(t, "Analysis: Énergie Solaire", ExtractTitle("Body. Text.", "ÉTUDE: Analysis Of Énergie Solaire"))
}

func TestThreadTitle(t *testing.T) {
	assert.Equal(t, "short", ThreadTitle("  short "))
	exact := strings.Repeat("a", 50)
	assert.Equal(t, exact, ThreadTitle(exact))
	long := strings.Repeat("é", 60)
	assert.Equal(t, strings.Repeat("é", 50)+"...", ThreadTitle(long))

	assert.True(t, NeedsTitle(""))
	assert.True(t, NeedsTitle(DefaultThreadTitle))
	assert.False(t, NeedsTitle("Solar"))
}

func TestWithSources(t *testing.T) {
	report := "# Report\nClaim [2].\n\n## Sources\nold stuff"
	got := WithSources(report, []string{"Gov data", "", "Industry reports\nline two"})
	assert.Equal(t, "# Report\nClaim [2].\n\n## Sources\n[1] Gov data\n[2] Industry reports; line two - Used inline", got)

	assert.Equal(t, "# Report", WithSources("# Report\n## Sources\nx", nil))
}
