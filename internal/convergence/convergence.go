// Package convergence scores agreement across a round's contributions.
// The round executor runs the detector after every completed round; a score
// at or above the configured threshold ends the deliberation early.
package convergence

import (
	"strings"
)

// DefaultThreshold is the agreement score at which a session is considered
// converged when no explicit threshold is configured.
const DefaultThreshold = 0.85

// Detector computes a scalar agreement score over the texts a round produced.
// Scores are in [0, 1]; the method is pluggable, only the effect is fixed.
type Detector interface {
	// Score returns the agreement level across the contributions, one text
	// per agent, in roster order.
	Score(contents []string) float64
}

// LexicalDetector scores agreement as the mean pairwise Jaccard similarity of
// the contributions' normalized token sets. Cheap and model-free; good enough
// to notice agents restating each other's position.
type LexicalDetector struct{}

// NewLexicalDetector creates the default detector.
func NewLexicalDetector() *LexicalDetector {
	return &LexicalDetector{}
}

// Score returns the mean pairwise Jaccard similarity across contributions.
// Fewer than two contributions score zero: a lone voice cannot converge.
func (d *LexicalDetector) Score(contents []string) float64 {
	if len(contents) < 2 {
		return 0
	}

	sets := make([]map[string]bool, len(contents))
	for i, content := range contents {
		sets[i] = tokenSet(content)
	}

	var total float64
	var pairs int
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			total += jaccard(sets[i], sets[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return total / float64(pairs)
}

// tokenSet normalizes content and splits it into a set of tokens.
func tokenSet(content string) map[string]bool {
	normalized := strings.ToLower(strings.TrimSpace(content))
	set := make(map[string]bool)
	for _, field := range strings.Fields(normalized) {
		token := strings.Trim(field, ".,;:!?\"'()[]")
		if token != "" {
			set[token] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	var intersection int
	for token := range a {
		if b[token] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	return float64(intersection) / float64(union)
}

// FixedDetector always returns the same score. Useful in tests and for
// sessions that should only end on the round ceiling.
type FixedDetector struct {
	Value float64
}

// Score returns the fixed value regardless of input.
func (d *FixedDetector) Score(contents []string) float64 {
	return d.Value
}
