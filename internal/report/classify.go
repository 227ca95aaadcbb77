package report

import (
	"strings"
	"unicode/utf8"
)

// Classifier maps generated report text to a severity. The scheduler
// accepts any Classifier so the keyword scan below can be swapped for
// a structured-output scheme without touching execution logic.
type Classifier func(content string) string

// ClassifyKeywords derives severity from a lowercased substring scan.
// This is deliberately fuzzy: a report saying "no errors were found"
// still trips the error keyword. Callers wanting stricter behavior
// should provide their own Classifier.
func ClassifyKeywords(content string) string {
	text := strings.ToLower(content)

	for _, kw := range []string{"critical", "urgent", "error"} {
		if strings.Contains(text, kw) {
			return SeverityCritical
		}
	}
	for _, kw := range []string{"warning", "attention", "anomaly"} {
		if strings.Contains(text, kw) {
			return SeverityWarning
		}
	}
	return SeverityInfo
}

// Summarize derives a short summary from report content: the first two
// sentences, or a truncation when sentence boundaries are scarce.
func Summarize(content string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 200
	}
	text := strings.TrimSpace(content)

	// Take up to two sentence-ending periods followed by a space or
	// end of text.
	sentences := 0
	end := len(text)
	for i := 0; i < len(text)-1; i++ {
		if text[i] == '.' && (text[i+1] == ' ' || text[i+1] == '\n') {
			sentences++
			if sentences == 2 {
				end = i + 1
				break
			}
		}
	}
	summary := strings.TrimSpace(text[:end])

	if len(summary) > maxLen {
		cut := maxLen - 3
		// Back up to a rune boundary so a multi-byte character is
		// never split.
		for cut > 0 && !utf8.RuneStart(summary[cut]) {
			cut--
		}
		summary = summary[:cut] + "..."
	}
	return summary
}
