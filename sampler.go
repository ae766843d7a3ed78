package main

// ===========================================================================
// ANCHOR / POSITIVE SPAN SAMPLING
// ===========================================================================
//
// The self-supervised objective needs pairs of text spans that are likely to
// be semantically related. We get them for free from document locality: one
// "anchor" span is drawn per document, then NumSpans "positive" spans are
// drawn from the neighborhood of the anchor.
//
// Span lengths are beta-distributed over [MinSpanLen, MaxSpanLen):
//
//   anchor   ~ Beta(4, 2)  skewed long: long anchors carry more context
//   positive ~ Beta(2, 4)  skewed short: short positives stay diverse and
//                          limit trivial lexical overlap with the anchor
//
// Three placement strategies are supported:
//
//   StrategyFree       positive may overlap, subsume or border the anchor
//   StrategySubsuming  positive range is contained in the anchor range
//   StrategyAdjacent   positive touches the anchor at exactly one boundary
//                      and does not overlap it
//
// Sampling is purely algorithmic: a sampler holds only its rng, its length
// distributions and a once-guard for the adjacent clamp warning.
// ===========================================================================

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ErrInvalidInput indicates a document or length constraint that fails
	// the sampling preconditions. Callers should pre-filter documents or
	// skip the offending one.
	ErrInvalidInput = errors.New("sampler: invalid input")

	// ErrInfeasibleSampling indicates span geometry that cannot be
	// satisfied, e.g. no room for an adjacent positive.
	ErrInfeasibleSampling = errors.New("sampler: infeasible span geometry")
)

// minDocumentTokens is the shortest document we sample from. Mostly
// arbitrary, but sampling related spans from very short documents makes
// little sense.
const minDocumentTokens = 10

// Strategy selects how positive spans are placed relative to the anchor.
type Strategy int

const (
	// StrategyFree places positives anywhere around the anchor; they may
	// overlap the anchor and each other.
	StrategyFree Strategy = iota

	// StrategySubsuming places every positive inside the anchor range.
	StrategySubsuming

	// StrategyAdjacent places every positive so it borders the anchor at
	// one boundary without overlapping it.
	StrategyAdjacent
)

// String returns the config-facing name of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategySubsuming:
		return "subsuming"
	case StrategyAdjacent:
		return "adjacent"
	default:
		return "free"
	}
}

// ParseStrategy maps a config string to a Strategy. The empty string selects
// StrategyFree, matching the default behavior when no strategy is configured.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "", "free":
		return StrategyFree, nil
	case "subsuming":
		return StrategySubsuming, nil
	case "adjacent":
		return StrategyAdjacent, nil
	default:
		return StrategyFree, fmt.Errorf("%w: unknown sampling strategy %q", ErrInvalidInput, name)
	}
}

// TokenizerFunc splits a document into tokens before span sampling.
type TokenizerFunc func(text string) []string

// Span is a contiguous half-open token range [Start, End) within a document,
// materialized as the space-joined text of its tokens.
type Span struct {
	Start int
	End   int
	Text  string
}

// Len returns the span length in tokens.
func (s Span) Len() int { return s.End - s.Start }

// SpanSampler draws anchor/positive span pairs from documents.
//
// A sampler is cheap to construct and holds no state across calls except its
// rng stream and the once-guard for the adjacent clamp warning, so give each
// concurrent worker its own instance.
type SpanSampler struct {
	MinSpanLen int
	MaxSpanLen int
	NumSpans   int
	Strategy   Strategy

	// Tokenize splits documents before sampling. Nil means whitespace
	// splitting via strings.Fields.
	Tokenize TokenizerFunc

	logger    Logger
	rng       *exprand.Rand
	anchorLen distuv.Beta
	posLen    distuv.Beta

	clampWarn sync.Once
}

// NewSpanSampler creates a sampler with the given length window and strategy.
// Length constraints are validated against each document at sampling time,
// not here, because feasibility depends on the document length.
func NewSpanSampler(minSpanLen, maxSpanLen, numSpans int, strategy Strategy, tokenize TokenizerFunc, logger Logger, seed uint64) *SpanSampler {
	if logger == nil {
		logger = NopLogger{}
	}
	src := exprand.NewSource(seed)

	return &SpanSampler{
		MinSpanLen: minSpanLen,
		MaxSpanLen: maxSpanLen,
		NumSpans:   numSpans,
		Strategy:   strategy,
		Tokenize:   tokenize,
		logger:     logger,
		rng:        exprand.New(src),
		anchorLen:  distuv.Beta{Alpha: 4, Beta: 2, Src: src},
		posLen:     distuv.Beta{Alpha: 2, Beta: 4, Src: src},
	}
}

// Sample draws one anchor span and NumSpans positive spans from text and
// returns their space-joined contents, positives in sampling order.
func (s *SpanSampler) Sample(text string) (string, []string, error) {
	anchor, positives, err := s.SampleSpans(text)
	if err != nil {
		return "", nil, err
	}

	texts := make([]string, len(positives))
	for i, p := range positives {
		texts[i] = p.Text
	}
	return anchor.Text, texts, nil
}

// SampleSpans is Sample with the token ranges exposed, so callers (and
// property tests) can check span geometry.
func (s *SpanSampler) SampleSpans(text string) (Span, []Span, error) {
	tokens := s.tokenize(text)
	numTokens := len(tokens)

	if numTokens < minDocumentTokens {
		return Span{}, nil, fmt.Errorf(
			"%w: document must have at least %d tokens (ideally far more), got %d",
			ErrInvalidInput, minDocumentTokens, numTokens)
	}
	if s.MinSpanLen > s.MaxSpanLen {
		return Span{}, nil, fmt.Errorf(
			"%w: min_span_len (%d) must not exceed max_span_len (%d)",
			ErrInvalidInput, s.MinSpanLen, s.MaxSpanLen)
	}
	if s.MaxSpanLen > numTokens {
		return Span{}, nil, fmt.Errorf(
			"%w: max_span_len (%d) must not exceed document length (%d)",
			ErrInvalidInput, s.MaxSpanLen, numTokens)
	}

	anchorLen := s.drawLen(s.anchorLen, s.MaxSpanLen)
	anchorStart := s.uniformInt(0, numTokens-anchorLen)
	anchor := makeSpan(tokens, anchorStart, anchorStart+anchorLen)

	positives := make([]Span, 0, s.NumSpans)
	for i := 0; i < s.NumSpans; i++ {
		pos, err := s.samplePositive(tokens, anchor)
		if err != nil {
			return Span{}, nil, err
		}
		positives = append(positives, pos)
	}

	return anchor, positives, nil
}

func (s *SpanSampler) samplePositive(tokens []string, anchor Span) (Span, error) {
	numTokens := len(tokens)
	posLen := s.drawLen(s.posLen, s.MaxSpanLen)

	var start int
	switch s.Strategy {
	case StrategySubsuming:
		if posLen > anchor.Len() {
			return Span{}, fmt.Errorf(
				"%w: positive length %d exceeds anchor length %d under subsuming strategy",
				ErrInfeasibleSampling, posLen, anchor.Len())
		}
		start = s.uniformInt(anchor.Start, anchor.End-posLen)

	case StrategyAdjacent:
		// An adjacent positive must fit entirely before or after the
		// anchor, so its length is capped by the larger of the two gaps.
		maxPositiveLen := min(s.MaxSpanLen, max(anchor.Start, numTokens-anchor.End))
		if maxPositiveLen < s.MinSpanLen {
			return Span{}, fmt.Errorf(
				"%w: no room for an adjacent positive of at least %d tokens (gap is %d)",
				ErrInfeasibleSampling, s.MinSpanLen, maxPositiveLen)
		}
		if posLen > maxPositiveLen {
			s.clampWarn.Do(func() {
				s.logger.Warn(
					"no room to sample an adjacent positive span; temporarily reducing the maximum positive span length",
					"requested", posLen,
					"max_positive_len", maxPositiveLen,
				)
			})
		}
		posLen = s.drawLen(s.posLen, maxPositiveLen)

		// Two placements exist: ending at the anchor start, or starting
		// at the anchor end. Pick uniformly among those that stay inside
		// the document.
		var validStarts []int
		if anchor.Start-posLen > 0 {
			validStarts = append(validStarts, anchor.Start-posLen)
		}
		if anchor.End+posLen <= numTokens {
			validStarts = append(validStarts, anchor.End)
		}
		if len(validStarts) == 0 {
			return Span{}, fmt.Errorf(
				"%w: no valid adjacent start for a positive of %d tokens",
				ErrInfeasibleSampling, posLen)
		}
		start = validStarts[s.rng.Intn(len(validStarts))]

	default: // StrategyFree
		lo := max(0, anchor.Start-posLen)
		hi := min(anchor.End, numTokens-posLen)
		// Unreachable once max_span_len <= numTokens has been validated;
		// guarded so a bad interval can never produce an empty span.
		if hi < lo {
			return Span{}, fmt.Errorf(
				"%w: empty start interval [%d,%d] for a positive of %d tokens",
				ErrInfeasibleSampling, lo, hi, posLen)
		}
		start = s.uniformInt(lo, hi)
	}

	return makeSpan(tokens, start, start+posLen), nil
}

// drawLen samples a span length from dist over [MinSpanLen, maxLen).
// A degenerate window (maxLen == MinSpanLen) always yields MinSpanLen.
func (s *SpanSampler) drawLen(dist distuv.Beta, maxLen int) int {
	return int(dist.Rand()*float64(maxLen-s.MinSpanLen)) + s.MinSpanLen
}

// uniformInt draws uniformly from the inclusive range [lo, hi].
func (s *SpanSampler) uniformInt(lo, hi int) int {
	return lo + s.rng.Intn(hi-lo+1)
}

func (s *SpanSampler) tokenize(text string) []string {
	if s.Tokenize != nil {
		return s.Tokenize(text)
	}
	return strings.Fields(text)
}

func makeSpan(tokens []string, start, end int) Span {
	return Span{
		Start: start,
		End:   end,
		Text:  strings.Join(tokens[start:end], " "),
	}
}
