// Package confidence implements the scoring function shared by the
// reasoning engine and the investigation coordinator. Scoring is pure:
// identical inputs always produce identical scores.
package confidence

import (
	"strings"
)

// Signal carries everything the evaluator may consider for one output.
type Signal struct {
	// Text is the produced output.
	Text string
	// Raw is the collaborator's own confidence signal in [0,1], or a
	// negative value when the collaborator did not report one.
	Raw float64
	// Prior is the caller's prior for this source (reasoning level or
	// intelligence module reliability), in [0,1].
	Prior float64
}

var hedges = []string{
	"i'm not sure",
	"i am not sure",
	"it is unclear",
	"cannot determine",
	"might be",
	"maybe",
	"no information",
	"unable to",
}

// Score evaluates a single output. When the collaborator reported a raw
// confidence it dominates the blend; otherwise the textual heuristic and
// the prior carry all the weight.
func Score(sig Signal) float64 {
	h := heuristic(sig.Text)
	prior := clamp(sig.Prior)

	var s float64
	if sig.Raw >= 0 {
		s = 0.5*clamp(sig.Raw) + 0.3*h + 0.2*prior
	} else {
		s = 0.6*h + 0.4*prior
	}
	return clamp(s)
}

// heuristic scores the text itself: substantive, structured answers score
// higher, hedged or empty ones lower.
func heuristic(text string) float64 {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}

	s := 0.5
	if len(trimmed) > 80 {
		s += 0.1
	}
	if len(trimmed) > 300 {
		s += 0.1
	}

	lower := strings.ToLower(trimmed)
	for _, h := range hedges {
		if strings.Contains(lower, h) {
			s -= 0.15
			break
		}
	}

	// Enumerated steps suggest a worked-through answer.
	if strings.Contains(trimmed, "\n1.") || strings.HasPrefix(trimmed, "1.") || strings.Contains(trimmed, "\n- ") {
		s += 0.05
	}

	return clamp(s)
}

// Weighted is one weighted contribution to an aggregate score.
type Weighted struct {
	Score  float64
	Weight float64
}

// Aggregate merges contributions into a single weighted-average score.
// The merge is commutative and associative over the contribution set, so
// arrival order never changes the result. Zero total weight yields 0.
func Aggregate(parts []Weighted) float64 {
	var num, den float64
	for _, p := range parts {
		w := clamp(p.Weight)
		num += w * clamp(p.Score)
		den += w
	}
	if den == 0 {
		return 0
	}
	return clamp(num / den)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
