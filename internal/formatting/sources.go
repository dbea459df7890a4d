package formatting

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var citationPattern = regexp.MustCompile(`\[(\d{1,3})\]`)

// WithSources replaces any trailing "## Sources" section of report with one
// rebuilt from sources, numbered in order. Entries cited inline as [n] are
// marked as used. Blank entries are skipped; with no entries the report is
// returned without a Sources section.
func WithSources(report string, sources []string) string {
	body := strings.TrimSpace(report)
	if idx := strings.LastIndex(strings.ToLower(body), "## sources"); idx != -1 {
		body = strings.TrimSpace(body[:idx])
	}

	used := map[int]bool{}
	for _, m := range citationPattern.FindAllStringSubmatch(body, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			used[n] = true
		}
	}

	var lines []string
	for _, s := range sources {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		n := len(lines) + 1
		line := fmt.Sprintf("[%d] %s", n, strings.ReplaceAll(s, "\n", "; "))
		if used[n] {
			line += " - Used inline"
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return body
	}

	var b strings.Builder
	if body != "" {
		b.WriteString(body)
		b.WriteString("\n\n")
	}
	b.WriteString("## Sources\n")
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}
