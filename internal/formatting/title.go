// Package formatting derives display strings from reports and requests:
// report titles, thread titles and the rebuilt Sources section.
package formatting

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultReportTitle is used when nothing better can be derived.
const DefaultReportTitle = "Research Report"

// DefaultThreadTitle is the placeholder a new thread carries until its first message.
const DefaultThreadTitle = "New Conversation"

const (
	maxTitleLineLen = 100
	threadTitleLen  = 50
	titleTopicWords = 5
)

var (
	h1Pattern = regexp.MustCompile(`(?m)^#\s+(.+)$`)
	h2Pattern = regexp.MustCompile(`(?m)^##\s+(.+)$`)

	subjectMarkers = []string{"about", "on", "regarding", "concerning", "for"}

	// Matched against the request itself so offsets stay valid for any casing.
	subjectPatterns = []struct {
		kind string
		re   *regexp.Regexp
	}{
		{SubjectReportAbout, regexp.MustCompile(`(?i)report about`)},
		{SubjectReportOn, regexp.MustCompile(`(?i)report on`)},
		{SubjectAnalysisOf, regexp.MustCompile(`(?i)analysis of`)},
	}
)

// Request subject kinds, in match priority.
const (
	SubjectReportAbout = "report about"
	SubjectReportOn    = "report on"
	SubjectAnalysisOf  = "analysis of"
	SubjectGenerate    = "generate"
)

// Subject finds what a request is about. It tries "report about X",
// "report on X", "analysis of X" (X is the rest of the request) and then
// "generate ... report ... <marker> X" where X is at most maxWords words after
// the first about/on/regarding/concerning/for. ok is false when no pattern
// applies or the subject is empty.
func Subject(request string, maxWords int) (kind, subject string, ok bool) {
	for _, p := range subjectPatterns {
		if loc := p.re.FindStringIndex(request); loc != nil {
			rest := strings.TrimSpace(request[loc[1]:])
			return p.kind, rest, rest != ""
		}
	}
	lower := strings.ToLower(request)
	if strings.Contains(lower, "generate") && strings.Contains(lower, "report") {
		words := strings.Fields(request)
		for i, w := range words {
			if !isSubjectMarker(w) {
				continue
			}
			end := i + 1 + maxWords
			if end > len(words) {
				end = len(words)
			}
			rest := stripEmphasis(strings.Join(words[i+1:end], " "))
			return SubjectGenerate, rest, rest != ""
		}
		return SubjectGenerate, "", false
	}
	return "", "", false
}

// ExtractTitle picks a title for a finished report: the first level-1
// heading, else the first level-2 heading, else a short first line without a
// period, else a title derived from the original request, else DefaultReportTitle.
func ExtractTitle(report, request string) string {
	if m := h1Pattern.FindStringSubmatch(report); m != nil {
		if t := strings.TrimSpace(m[1]); t != "" {
			return t
		}
	}
	if m := h2Pattern.FindStringSubmatch(report); m != nil {
		if t := strings.TrimSpace(m[1]); t != "" {
			return t
		}
	}

	first := report
	if idx := strings.IndexByte(report, '\n'); idx >= 0 {
		first = report[:idx]
	}
	first = strings.TrimSpace(first)
	if first != "" && utf8.RuneCountInString(first) < maxTitleLineLen && !strings.Contains(first, ".") {
		return first
	}

	kind, subject, ok := Subject(request, titleTopicWords)
	switch {
	case ok && kind == SubjectAnalysisOf:
		return "Analysis: " + subject
	case ok:
		return "Report: " + subject
	case kind == SubjectAnalysisOf:
		return "Analysis Report"
	default:
		return DefaultReportTitle
	}
}

// ThreadTitle derives a thread title from its first message: the first 50
// characters followed by "..." when longer.
func ThreadTitle(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= threadTitleLen {
		return content
	}
	r := []rune(content)
	return string(r[:threadTitleLen]) + "..."
}

// NeedsTitle reports whether a thread title is still the placeholder.
func NeedsTitle(title string) bool {
	t := strings.TrimSpace(title)
	return t == "" || t == DefaultThreadTitle
}

func isSubjectMarker(word string) bool {
	w := strings.ToLower(word)
	for _, m := range subjectMarkers {
		if w == m {
			return true
		}
	}
	return false
}

func stripEmphasis(s string) string {
	return strings.TrimSpace(strings.NewReplacer("?", "", "!", "").Replace(s))
}
