package agent

import (
	"strings"
	"testing"
)

func TestSimilarity_Identical(t *testing.T) {
	if got := similarity("same text", "same text"); got != 1.0 {
		t.Errorf("similarity = %v, want 1.0", got)
	}

	long := strings.Repeat("abcdefgh", 2000)
	if got := similarity(long, long); got != 1.0 {
		t.Errorf("long identical similarity = %v, want 1.0", got)
	}
}

func TestSimilarity_Disjoint(t *testing.T) {
	got := similarity("aaaaaaaaaa", "bbbbbbbbbb")
	if got != 0.0 {
		t.Errorf("similarity = %v, want 0.0", got)
	}
}

func TestSimilarity_SmallEdit(t *testing.T) {
	// One substitution in ten characters: distance 1, ratio 0.9.
	got := similarity("abcdefghij", "abcdefghiX")
	if got < 0.89 || got > 0.91 {
		t.Errorf("similarity = %v, want ~0.9", got)
	}
}

func TestSimilarity_Empty(t *testing.T) {
	if got := similarity("", "text"); got != 0.0 {
		t.Errorf("similarity = %v, want 0.0", got)
	}
	if got := similarity("", ""); got != 1.0 {
		t.Errorf("empty vs empty = %v, want 1.0", got)
	}
}

func TestSimilarity_LongSampled(t *testing.T) {
	// Above the exact-computation cutoff, near-identical strings still
	// score high and unrelated strings score low.
	a := strings.Repeat("the quick brown fox ", 500)
	b := a[:len(a)-5] + "XXXXX"
	if got := similarity(a, b); got < 0.9 {
		t.Errorf("near-identical long strings = %v, want >= 0.9", got)
	}

	c := strings.Repeat("zzzzzzzzzzzzzzzzzzzz", 500)
	if got := similarity(a, c); got > 0.3 {
		t.Errorf("unrelated long strings = %v, want low", got)
	}
}

func TestTruncate(t *testing.T) {
	text := strings.Repeat("x", 2000)
	got := truncate(text, 1000)

	if len(got) >= 2000 {
		t.Fatal("text not truncated")
	}
	if !strings.Contains(got, "characters omitted]") {
		t.Error("elision marker missing")
	}

	// 70/30 split around the marker.
	parts := strings.SplitN(got, "\n[", 2)
	if len(parts[0]) != 700 {
		t.Errorf("head = %d chars, want 700", len(parts[0]))
	}
	if !strings.HasSuffix(got, strings.Repeat("x", 300)) {
		t.Error("tail not preserved")
	}
	if !strings.Contains(got, "[1000 characters omitted]") {
		t.Errorf("marker count wrong: %q", got[690:720])
	}
}

func TestTruncate_UnderLimit(t *testing.T) {
	if got := truncate("short", 1000); got != "short" {
		t.Errorf("got %q", got)
	}
}

func TestTruncateLimit(t *testing.T) {
	if got := truncateLimit(false, 1); got != truncateGeneral {
		t.Errorf("general = %d", got)
	}
	if got := truncateLimit(true, 1); got != truncateExtendedFirst {
		t.Errorf("extended first = %d", got)
	}
	if got := truncateLimit(true, 2); got != truncateExtendedLater {
		t.Errorf("extended later = %d", got)
	}
}

func TestLoopGuard_RepeatCounter(t *testing.T) {
	g := newLoopGuard("url", "get_content", nil)
	args := map[string]any{"url": "https://example.com"}

	for i := 1; i <= 5; i++ {
		if !g.allowAction("browser_navigate", args) {
			t.Fatalf("call %d blocked too early", i)
		}
	}
	if g.allowAction("browser_navigate", args) {
		t.Error("6th identical call allowed")
	}
	if g.allowAction("browser_navigate", args) {
		t.Error("7th identical call allowed")
	}

	// A different parameter value resets the run.
	if !g.allowAction("browser_navigate", map[string]any{"url": "https://other.com"}) {
		t.Error("different url blocked")
	}
}

func TestLoopGuard_DifferentToolResets(t *testing.T) {
	g := newLoopGuard("url", "get_content", nil)
	args := map[string]any{"url": "u"}

	for i := 0; i < 5; i++ {
		g.allowAction("browser_navigate", args)
	}
	if !g.allowAction("browser_click", args) {
		t.Error("different tool blocked")
	}
	if !g.allowAction("browser_navigate", args) {
		t.Error("run not reset after interleaved tool")
	}
}

func TestLoopGuard_Stagnation(t *testing.T) {
	g := newLoopGuard("url", "get_content", nil)
	page := strings.Repeat("same content ", 10)

	if g.observeFetch(page) {
		t.Fatal("aborted on first fetch")
	}
	if g.observeFetch(page) {
		t.Fatal("aborted on second fetch")
	}
	if !g.observeFetch(page) {
		t.Fatal("third identical fetch did not abort")
	}
}

func TestLoopGuard_StagnationResetsOnFreshContent(t *testing.T) {
	g := newLoopGuard("url", "get_content", nil)

	g.observeFetch("page one with plenty of words in it")
	g.observeFetch("page one with plenty of words in it")
	if g.observeFetch("completely different material altogether") {
		t.Fatal("fresh content treated as stagnant")
	}
	if g.observeFetch("completely different material altogether") {
		t.Fatal("run restarted too aggressively")
	}
}

func TestLoopGuard_IsFetchTool(t *testing.T) {
	g := newLoopGuard("url", "get_content", nil)
	if !g.isFetchTool("get_content") || !g.isFetchTool("page_get_content") {
		t.Error("fetch tool not recognized")
	}
	if g.isFetchTool("navigate") {
		t.Error("non-fetch tool recognized")
	}
}
