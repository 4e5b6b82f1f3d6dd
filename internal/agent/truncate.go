package agent

import "fmt"

// Truncation thresholds in characters. Outputs from tools in the
// extended category (browser automation and the like) are clamped much
// harder because they tend to dump whole pages, and extended sessions
// must survive more turns within the transcript window.
const (
	truncateGeneral       = 1000
	truncateExtendedFirst = 500
	truncateExtendedLater = 300
)

// truncate clamps text to max characters, keeping 70% from the head and
// 30% from the tail with an elision marker naming what was dropped. The
// head and tail carry the most signal in typical tool output: headers
// and opening content up front, summaries and totals at the end.
func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}

	headLen := max * 7 / 10
	tailLen := max - headLen
	omitted := len(text) - headLen - tailLen

	return fmt.Sprintf("%s\n[%d characters omitted]\n%s",
		text[:headLen], omitted, text[len(text)-tailLen:])
}

// truncateLimit picks the clamp for one tool output. extended marks
// tools in the extended category; callCount is how many extended calls
// the current query has dispatched so far, including this one.
func truncateLimit(extended bool, callCount int) int {
	if !extended {
		return truncateGeneral
	}
	if callCount <= 1 {
		return truncateExtendedFirst
	}
	return truncateExtendedLater
}
