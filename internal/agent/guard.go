package agent

import (
	"log/slog"
	"strings"
)

// Loop guard limits. The repeat counter allows five consecutive
// identical actions before forcing a stop; the stagnation detector
// aborts after three consecutive near-identical fetches.
const (
	maxRepeatedActions  = 5
	stagnationThreshold = 0.9
	maxStagnantFetches  = 3
)

// ForcedStopText is the synthetic result substituted for a tool call the
// repeat detector refuses to execute.
const ForcedStopText = "forced_stop: this action has been repeated too many times with the same parameters. Try a different approach or finish with the information already gathered."

// loopGuard watches one query's dispatch chain for browser-automation
// style pathologies. It is created per query and carried by reference
// across turns, never shared between queries.
type loopGuard struct {
	logger *slog.Logger

	// repeatParam names the argument whose value identifies a repeatable
	// action (typically "url"); fetchMarker is the local-name substring
	// identifying the designated fetch-content tool.
	repeatParam string
	fetchMarker string

	lastAction  string
	repeatCount int

	lastFetch     string
	stagnantCount int
	extendedCalls int
}

func newLoopGuard(repeatParam, fetchMarker string, logger *slog.Logger) *loopGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &loopGuard{
		logger:      logger,
		repeatParam: repeatParam,
		fetchMarker: fetchMarker,
	}
}

// actionKey identifies one specific action: the tool plus the value of
// its repeatable parameter, when present.
func (g *loopGuard) actionKey(toolName string, args map[string]any) string {
	key := toolName
	if g.repeatParam != "" {
		if v, ok := args[g.repeatParam]; ok {
			if s, ok := v.(string); ok {
				key += "\x00" + s
			}
		}
	}
	return key
}

// allowAction checks the repeat counter before an extended-category tool
// call executes. It returns false when the call must be replaced by a
// forced-stop result.
func (g *loopGuard) allowAction(toolName string, args map[string]any) bool {
	key := g.actionKey(toolName, args)
	if key == g.lastAction {
		g.repeatCount++
	} else {
		g.lastAction = key
		g.repeatCount = 1
	}

	if g.repeatCount > maxRepeatedActions {
		g.logger.Warn("repeated action forced to stop",
			"tool", toolName,
			"count", g.repeatCount,
		)
		return false
	}
	return true
}

// observeFetch feeds one fetch-content result into the stagnation
// detector. A run counts the fetches themselves: the first fetch opens a
// run of length 1, and each follow-up scoring at or above the threshold
// against its predecessor extends it. Three same-content fetches in a
// row abort the query before a fourth executes.
func (g *loopGuard) observeFetch(text string) bool {
	if g.lastFetch == "" {
		g.stagnantCount = 1
	} else {
		score := similarity(g.lastFetch, text)
		if score >= stagnationThreshold {
			g.stagnantCount++
			g.logger.Warn("stagnant fetch detected",
				"similarity", score,
				"run", g.stagnantCount,
			)
		} else {
			g.stagnantCount = 1
		}
	}
	g.lastFetch = text

	return g.stagnantCount >= maxStagnantFetches
}

// isFetchTool reports whether a local tool name is the designated
// fetch-content action.
func (g *loopGuard) isFetchTool(localName string) bool {
	return g.fetchMarker != "" && strings.Contains(localName, g.fetchMarker)
}
