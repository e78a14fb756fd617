package confidence

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreDeterministic(t *testing.T) {
	sig := Signal{Text: "Paris is the capital of France.", Raw: -1, Prior: 0.7}
	first := Score(sig)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Score(sig))
	}
}

func TestScoreBounds(t *testing.T) {
	cases := []Signal{
		{Text: "", Raw: -1, Prior: 0},
		{Text: "", Raw: 1, Prior: 1},
		{Text: strings.Repeat("detail ", 100), Raw: 1, Prior: 1},
		{Text: "maybe", Raw: -1, Prior: 0.1},
		{Text: "x", Raw: 2.5, Prior: -3},
	}
	for _, sig := range cases {
		s := Score(sig)
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestScoreRawDominates(t *testing.T) {
	text := "A reasonably substantive answer that goes into some detail about the question."
	low := Score(Signal{Text: text, Raw: 0.1, Prior: 0.5})
	high := Score(Signal{Text: text, Raw: 0.9, Prior: 0.5})
	assert.Greater(t, high, low)
}

func TestScoreHedgingPenalized(t *testing.T) {
	confident := Score(Signal{Text: "The answer is 42.", Raw: -1, Prior: 0.5})
	hedged := Score(Signal{Text: "The answer might be 42, I'm not sure.", Raw: -1, Prior: 0.5})
	assert.Greater(t, confident, hedged)
}

func TestAggregateWeightedAverage(t *testing.T) {
	parts := []Weighted{
		{Score: 0.9, Weight: 0.9},
		{Score: 0.3, Weight: 0.1},
	}
	got := Aggregate(parts)
	want := (0.9*0.9 + 0.3*0.1) / 1.0
	assert.InDelta(t, want, got, 1e-9)
}

func TestAggregateOrderIndependent(t *testing.T) {
	parts := []Weighted{
		{Score: 0.9, Weight: 0.8},
		{Score: 0.5, Weight: 0.7},
		{Score: 0.2, Weight: 0.6},
	}
	reversed := []Weighted{parts[2], parts[1], parts[0]}
	assert.True(t, math.Abs(Aggregate(parts)-Aggregate(reversed)) < 1e-12)
}

func TestAggregateZeroWeight(t *testing.T) {
	assert.Equal(t, 0.0, Aggregate(nil))
	assert.Equal(t, 0.0, Aggregate([]Weighted{{Score: 0.9, Weight: 0}}))
}

func TestAggregateSingleContribution(t *testing.T) {
	got := Aggregate([]Weighted{{Score: 0.9, Weight: 0.8}})
	assert.InDelta(t, 0.9, got, 1e-9)
}
