package agent

import (
	"math/rand"

	"github.com/agnivade/levenshtein"
)

// Similarity thresholds and sampling geometry for stagnation detection.
const (
	exactSimilarityLimit = 5000
	sampleWindows        = 5
	sampleWindowSize     = 1000
)

// similarity scores how alike two tool outputs are, in [0, 1]. Short
// texts get an exact edit-distance ratio. Long texts are compared by
// sampling a handful of windows at shared random offsets and averaging
// the per-window byte match fraction, which is cheap and good enough to
// catch a scrape returning the same page over and over.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	if len(a) <= exactSimilarityLimit && len(b) <= exactSimilarityLimit {
		dist := levenshtein.ComputeDistance(a, b)
		maxLen := len(a)
		if len(b) > maxLen {
			maxLen = len(b)
		}
		return 1.0 - float64(dist)/float64(maxLen)
	}

	return sampledSimilarity(a, b)
}

// sampledSimilarity compares windows taken at identical offsets of both
// texts. Offsets come from a fixed seed so the score is deterministic
// for a given pair of lengths.
func sampledSimilarity(a, b string) float64 {
	shorter := len(a)
	if len(b) < shorter {
		shorter = len(b)
	}
	if shorter <= sampleWindowSize {
		return windowMatch(a[:shorter], b[:shorter])
	}

	rng := rand.New(rand.NewSource(int64(len(a))*31 + int64(len(b))))
	total := 0.0
	for i := 0; i < sampleWindows; i++ {
		off := rng.Intn(shorter - sampleWindowSize)
		total += windowMatch(a[off:off+sampleWindowSize], b[off:off+sampleWindowSize])
	}
	return total / sampleWindows
}

// windowMatch is the fraction of positions where both windows carry the
// same byte. Windows are equal length.
func windowMatch(a, b string) float64 {
	if len(a) == 0 {
		return 0.0
	}
	match := 0
	for i := 0; i < len(a); i++ {
		if a[i] == b[i] {
			match++
		}
	}
	return float64(match) / float64(len(a))
}
