package main

import (
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingLogger records how many times each level was hit, so tests can
// verify once-only warnings.
type countingLogger struct {
	debugs, infos, warns, errors int
}

func (c *countingLogger) Debug(string, ...any) { c.debugs++ }
func (c *countingLogger) Info(string, ...any)  { c.infos++ }
func (c *countingLogger) Warn(string, ...any)  { c.warns++ }
func (c *countingLogger) Error(string, ...any) { c.errors++ }

// docOfTokens builds a document of n distinct whitespace tokens.
func docOfTokens(n int) string {
	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = "tok" + strconv.Itoa(i)
	}
	return strings.Join(tokens, " ")
}

func TestParseStrategy(t *testing.T) {
	for name, want := range map[string]Strategy{
		"":          StrategyFree,
		"free":      StrategyFree,
		"subsuming": StrategySubsuming,
		"adjacent":  StrategyAdjacent,
	} {
		got, err := ParseStrategy(name)
		require.NoError(t, err, "strategy %q", name)
		assert.Equal(t, want, got, "strategy %q", name)
	}

	_, err := ParseStrategy("overlapping")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "free", StrategyFree.String())
	assert.Equal(t, "subsuming", StrategySubsuming.String())
	assert.Equal(t, "adjacent", StrategyAdjacent.String())
}

func TestSampleRejectsShortDocument(t *testing.T) {
	s := NewSpanSampler(2, 5, 1, StrategyFree, nil, nil, 1)
	_, _, err := s.Sample(docOfTokens(9))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSampleRejectsInvertedLengthWindow(t *testing.T) {
	s := NewSpanSampler(8, 5, 1, StrategyFree, nil, nil, 1)
	_, _, err := s.Sample(docOfTokens(20))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSampleRejectsMaxSpanBeyondDocument(t *testing.T) {
	s := NewSpanSampler(2, 25, 1, StrategyFree, nil, nil, 1)
	_, _, err := s.Sample(docOfTokens(20))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSampleDegenerateWindowAtMinimumDocument(t *testing.T) {
	// Ten tokens with min == max == 10 is the tightest feasible setup: the
	// anchor and every positive are the whole document.
	s := NewSpanSampler(10, 10, 2, StrategyFree, nil, nil, 1)
	anchor, positives, err := s.SampleSpans(docOfTokens(10))
	require.NoError(t, err)

	assert.Equal(t, 0, anchor.Start)
	assert.Equal(t, 10, anchor.End)
	require.Len(t, positives, 2)
	for _, p := range positives {
		assert.Equal(t, 0, p.Start)
		assert.Equal(t, 10, p.End)
	}
}

func TestSampleFreeGeometry(t *testing.T) {
	const numTokens = 20
	s := NewSpanSampler(5, 10, 2, StrategyFree, nil, nil, 3)
	doc := docOfTokens(numTokens)

	for trial := 0; trial < 200; trial++ {
		anchor, positives, err := s.SampleSpans(doc)
		require.NoError(t, err)

		require.GreaterOrEqual(t, anchor.Len(), 5)
		require.LessOrEqual(t, anchor.Len(), 10)
		require.GreaterOrEqual(t, anchor.Start, 0)
		require.LessOrEqual(t, anchor.End, numTokens)

		require.Len(t, positives, 2)
		for _, p := range positives {
			require.GreaterOrEqual(t, p.Len(), 5)
			require.LessOrEqual(t, p.Len(), 10)
			require.GreaterOrEqual(t, p.Start, 0)
			require.LessOrEqual(t, p.End, numTokens)
			// Free positives stay in the anchor's neighborhood: they start
			// no later than the anchor ends and end no earlier than the
			// anchor starts.
			require.LessOrEqual(t, p.Start, anchor.End)
			require.GreaterOrEqual(t, p.End, anchor.Start)
		}
	}
}

func TestSampleSubsumingContainsPositives(t *testing.T) {
	s := NewSpanSampler(3, 12, 2, StrategySubsuming, nil, nil, 5)
	doc := docOfTokens(40)

	sampled := 0
	for trial := 0; trial < 200; trial++ {
		anchor, positives, err := s.SampleSpans(doc)
		if err != nil {
			// A positive drawn longer than the anchor is geometrically
			// impossible under this strategy.
			require.ErrorIs(t, err, ErrInfeasibleSampling)
			continue
		}
		sampled++
		for _, p := range positives {
			require.GreaterOrEqual(t, p.Start, anchor.Start)
			require.LessOrEqual(t, p.End, anchor.End)
		}
	}
	require.NotZero(t, sampled, "every trial was infeasible")
}

func TestSampleAdjacentTouchesWithoutOverlap(t *testing.T) {
	s := NewSpanSampler(2, 8, 2, StrategyAdjacent, nil, nil, 7)
	doc := docOfTokens(30)

	sampled := 0
	for trial := 0; trial < 200; trial++ {
		anchor, positives, err := s.SampleSpans(doc)
		if err != nil {
			require.ErrorIs(t, err, ErrInfeasibleSampling)
			continue
		}
		sampled++
		for _, p := range positives {
			touchesLeft := p.End == anchor.Start
			touchesRight := p.Start == anchor.End
			require.True(t, touchesLeft || touchesRight,
				"positive [%d,%d) does not border anchor [%d,%d)",
				p.Start, p.End, anchor.Start, anchor.End)
			require.GreaterOrEqual(t, p.Start, 0)
			require.LessOrEqual(t, p.End, 30)
		}
	}
	require.NotZero(t, sampled, "every trial was infeasible")
}

func TestSampleAdjacentClampWarnsOnce(t *testing.T) {
	logger := &countingLogger{}
	// A short document with a wide length window forces the adjacent clamp
	// sooner or later: long anchors leave gaps smaller than the drawn
	// positive length.
	s := NewSpanSampler(2, 8, 1, StrategyAdjacent, nil, logger, 11)
	doc := docOfTokens(10)

	for trial := 0; trial < 300; trial++ {
		_, _, _ = s.SampleSpans(doc)
	}
	assert.Equal(t, 1, logger.warns)
}

func TestSamplePositiveCount(t *testing.T) {
	for _, numSpans := range []int{1, 3, 5} {
		s := NewSpanSampler(4, 8, numSpans, StrategyFree, nil, nil, 9)
		_, positives, err := s.Sample(docOfTokens(25))
		require.NoError(t, err)
		assert.Len(t, positives, numSpans)
	}
}

func TestSampleTextMatchesTokenRange(t *testing.T) {
	s := NewSpanSampler(3, 6, 1, StrategyFree, nil, nil, 13)
	doc := docOfTokens(15)
	tokens := strings.Fields(doc)

	anchor, positives, err := s.SampleSpans(doc)
	require.NoError(t, err)

	assert.Equal(t, strings.Join(tokens[anchor.Start:anchor.End], " "), anchor.Text)
	for _, p := range positives {
		assert.Equal(t, strings.Join(tokens[p.Start:p.End], " "), p.Text)
	}
}

func TestSampleDeterministicPerSeed(t *testing.T) {
	doc := docOfTokens(30)

	a := NewSpanSampler(4, 10, 2, StrategyFree, nil, nil, 99)
	b := NewSpanSampler(4, 10, 2, StrategyFree, nil, nil, 99)

	for trial := 0; trial < 20; trial++ {
		anchorA, posA, errA := a.SampleSpans(doc)
		anchorB, posB, errB := b.SampleSpans(doc)
		require.NoError(t, errA)
		require.NoError(t, errB)
		assert.Equal(t, anchorA, anchorB)
		assert.Equal(t, posA, posB)
	}
}

func TestSampleCustomTokenizer(t *testing.T) {
	commas := func(text string) []string { return strings.Split(text, ",") }
	s := NewSpanSampler(2, 5, 1, StrategyFree, commas, nil, 17)

	doc := strings.Repeat("a,", 11) + "a" // 12 comma tokens
	anchor, positives, err := s.SampleSpans(doc)
	require.NoError(t, err)
	assert.NotEmpty(t, anchor.Text)
	require.Len(t, positives, 1)
}

func TestSampleErrorsDoNotPanic(t *testing.T) {
	// A sampler with an unknown error must never be produced: everything a
	// caller can trigger wraps one of the two sentinels.
	s := NewSpanSampler(12, 12, 1, StrategyAdjacent, nil, nil, 21)
	_, _, err := s.SampleSpans(docOfTokens(12))
	if err != nil {
		assert.True(t,
			errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrInfeasibleSampling),
			"unexpected error class: %v", err)
	}
}
