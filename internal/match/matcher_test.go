package match

import (
	"context"
	"errors"
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/docpipe/internal/common"
)

// scriptedEmbedder returns a fixed vector per image, keyed by identity.
type scriptedEmbedder struct {
	vectors map[image.Image][]float32
}

func (s *scriptedEmbedder) Embed(_ context.Context, img image.Image) ([]float32, error) {
	vec, ok := s.vectors[img]
	if !ok {
		return nil, errors.New("unknown image")
	}
	return vec, nil
}

// scriptedVoidChecker marks the listed images as voided.
type scriptedVoidChecker struct {
	voided map[image.Image]bool
	calls  int
}

func (s *scriptedVoidChecker) ContainsVoidMarker(_ context.Context, img image.Image) (bool, error) {
	s.calls++
	return s.voided[img], nil
}

// harness builds pages whose positive/negative similarities come out to
// the given values. The positive reference embeds to the x axis and the
// negative reference to the y axis, so a unit page vector (p, n, z)
// scores exactly p against positive and n against negative.
type harness struct {
	embedder *scriptedEmbedder
	voids    *scriptedVoidChecker
	posRef   image.Image
	negRef   image.Image
	pages    []image.Image
}

func newHarness(t *testing.T, sims ...[2]float64) *harness {
	t.Helper()
	h := &harness{
		embedder: &scriptedEmbedder{vectors: map[image.Image][]float32{}},
		voids:    &scriptedVoidChecker{voided: map[image.Image]bool{}},
		posRef:   image.NewGray(image.Rect(0, 0, 1, 1)),
		negRef:   image.NewGray(image.Rect(0, 0, 2, 2)),
	}
	h.embedder.vectors[h.posRef] = []float32{1, 0, 0}
	h.embedder.vectors[h.negRef] = []float32{0, 1, 0}
	for i, s := range sims {
		pos, neg := s[0], s[1]
		rest := 1 - pos*pos - neg*neg
		require.GreaterOrEqual(t, rest, 0.0, "similarity pair %d is not embeddable", i)
		page := image.NewGray(image.Rect(0, 0, i+3, i+3))
		h.embedder.vectors[page] = []float32{float32(pos), float32(neg), float32(math.Sqrt(rest))}
		h.pages = append(h.pages, page)
	}
	return h
}

func (h *harness) match(t *testing.T, cfg Config) (*Result, error) {
	t.Helper()
	m := NewMatcher(h.embedder, h.voids, nil)
	return m.Match(context.Background(), h.pages, []image.Image{h.posRef}, []image.Image{h.negRef}, cfg)
}

const simTol = 1e-3

func TestMatchPicksHighestPositive(t *testing.T) {
	h := newHarness(t, [2]float64{0.10, 0}, [2]float64{0.40, 0}, [2]float64{0.05, 0})
	res, err := h.match(t, Config{PositiveThreshold: 0.25, NegativeThreshold: 0.30})
	require.NoError(t, err)

	assert.Equal(t, 2, res.PageNumber)
	assert.Equal(t, 1, res.PageIndex)
	assert.InDelta(t, 0.40, res.Score, simTol)
	require.Len(t, res.Scores, 3)
	assert.InDelta(t, 0.10, res.Scores[0].PositiveSimilarity, simTol)
	assert.Empty(t, res.VoidedPagesChecked)
}

func TestMatchNoPageClearsPositiveThreshold(t *testing.T) {
	h := newHarness(t, [2]float64{0.10, 0}, [2]float64{0.20, 0})
	_, err := h.match(t, Config{PositiveThreshold: 0.25, NegativeThreshold: 0.30})

	var noMatch *NoMatchError
	require.ErrorAs(t, err, &noMatch)
	assert.Equal(t, ReasonBelowPositiveThreshold, noMatch.Reason)
	assert.Nil(t, noMatch.MinNegativeScore)
	assert.Len(t, noMatch.Scores, 2)
	assert.ErrorIs(t, err, common.ErrNoMatch)
}

func TestMatchNegativeThresholdBlocks(t *testing.T) {
	// Both pages clear the positive bar but resemble the negative
	// template too much.
	h := newHarness(t, [2]float64{0.50, 0.60}, [2]float64{0.40, 0.45})
	_, err := h.match(t, Config{PositiveThreshold: 0.25, NegativeThreshold: 0.30})

	var noMatch *NoMatchError
	require.ErrorAs(t, err, &noMatch)
	assert.Equal(t, ReasonNegativeBlocked, noMatch.Reason)
	require.NotNil(t, noMatch.MinNegativeScore)
	assert.InDelta(t, 0.45, *noMatch.MinNegativeScore, simTol)
}

func TestMatchTieBreakPrefersLowestNegative(t *testing.T) {
	// Pages 1 and 2 tie on positive similarity; page 2 has the lower
	// negative similarity and must win.
	h := newHarness(t, [2]float64{0.50, 0.25}, [2]float64{0.50, 0.05}, [2]float64{0.30, 0})
	res, err := h.match(t, Config{PositiveThreshold: 0.25, NegativeThreshold: 0.30})
	require.NoError(t, err)
	assert.Equal(t, 2, res.PageNumber)
}

func TestMatchTieBreakTiesResolveToEarlierPage(t *testing.T) {
	h := newHarness(t, [2]float64{0.50, 0.10}, [2]float64{0.50, 0.10})
	res, err := h.match(t, Config{PositiveThreshold: 0.25, NegativeThreshold: 0.30})
	require.NoError(t, err)
	assert.Equal(t, 1, res.PageNumber)
}

func TestMatchTieBreakWindowIsFixed(t *testing.T) {
	// Six candidates in descending positive order; the sixth has the
	// lowest negative similarity but sits outside the five-entry
	// tie-break window, so it cannot win.
	h := newHarness(t,
		[2]float64{0.90, 0.20},
		[2]float64{0.85, 0.10},
		[2]float64{0.80, 0.20},
		[2]float64{0.75, 0.20},
		[2]float64{0.70, 0.20},
		[2]float64{0.65, 0.01},
	)
	res, err := h.match(t, Config{PositiveThreshold: 0.25, NegativeThreshold: 0.30})
	require.NoError(t, err)
	assert.Equal(t, 2, res.PageNumber)
}

func TestMatchSkipVoidedFallsThroughToNextCandidate(t *testing.T) {
	h := newHarness(t, [2]float64{0.60, 0}, [2]float64{0.50, 0}, [2]float64{0.40, 0})
	h.voids.voided[h.pages[0]] = true

	res, err := h.match(t, Config{
		PositiveThreshold: 0.25,
		NegativeThreshold: 0.30,
		SkipVoided:        true,
		VoidCheckTopN:     3,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.PageNumber)
	require.Len(t, res.VoidedPagesChecked, 1)
	assert.Equal(t, 1, res.VoidedPagesChecked[0].Page)
	assert.InDelta(t, 0.60, res.VoidedPagesChecked[0].Score, simTol)
}

func TestMatchSkipVoidedFallsBackPastTopN(t *testing.T) {
	// Top two candidates are voided; the check stops at top-N and the
	// remainder is selected by the usual tie-break rule without further
	// void checks.
	h := newHarness(t, [2]float64{0.60, 0.20}, [2]float64{0.50, 0.20}, [2]float64{0.40, 0.05}, [2]float64{0.35, 0.10})
	h.voids.voided[h.pages[0]] = true
	h.voids.voided[h.pages[1]] = true

	res, err := h.match(t, Config{
		PositiveThreshold: 0.25,
		NegativeThreshold: 0.30,
		SkipVoided:        true,
		VoidCheckTopN:     2,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.PageNumber)
	assert.Len(t, res.VoidedPagesChecked, 2)
	assert.Equal(t, 2, h.voids.calls)
}

func TestMatchAllCandidatesVoided(t *testing.T) {
	h := newHarness(t, [2]float64{0.60, 0}, [2]float64{0.50, 0})
	h.voids.voided[h.pages[0]] = true
	h.voids.voided[h.pages[1]] = true

	_, err := h.match(t, Config{
		PositiveThreshold: 0.25,
		NegativeThreshold: 0.30,
		SkipVoided:        true,
		VoidCheckTopN:     5,
	})

	var noMatch *NoMatchError
	require.ErrorAs(t, err, &noMatch)
	assert.Equal(t, ReasonAllCandidatesVoided, noMatch.Reason)
	require.Len(t, noMatch.VoidedPagesChecked, 2)
	assert.Equal(t, 1, noMatch.VoidedPagesChecked[0].Page)
	assert.Equal(t, 2, noMatch.VoidedPagesChecked[1].Page)
}

func TestMatchVoidCheckSkippedWhenDisabled(t *testing.T) {
	h := newHarness(t, [2]float64{0.60, 0})
	h.voids.voided[h.pages[0]] = true

	res, err := h.match(t, Config{PositiveThreshold: 0.25, NegativeThreshold: 0.30})
	require.NoError(t, err)
	assert.Equal(t, 1, res.PageNumber)
	assert.Zero(t, h.voids.calls)
}

func TestMatchRaisingThresholdNeverCreatesMatch(t *testing.T) {
	sims := [][2]float64{{0.10, 0}, {0.40, 0.10}, {0.30, 0.25}}
	prevMatched := true
	for _, thr := range []float64{0.05, 0.25, 0.35, 0.45} {
		h := newHarness(t, sims...)
		_, err := h.match(t, Config{PositiveThreshold: thr, NegativeThreshold: 0.30})
		matched := err == nil
		if matched {
			require.True(t, prevMatched, "threshold %.2f matched after a lower threshold did not", thr)
		}
		prevMatched = matched
	}
	assert.False(t, prevMatched)
}

func TestMatchDeterministic(t *testing.T) {
	h := newHarness(t, [2]float64{0.50, 0.20}, [2]float64{0.50, 0.10}, [2]float64{0.50, 0.10})
	cfg := Config{PositiveThreshold: 0.25, NegativeThreshold: 0.30}

	first, err := h.match(t, cfg)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := h.match(t, cfg)
		require.NoError(t, err)
		assert.Equal(t, first.PageNumber, again.PageNumber)
		assert.Equal(t, first.Score, again.Score)
	}
}

func TestMatchMeanAggregation(t *testing.T) {
	embedder := &scriptedEmbedder{vectors: map[image.Image][]float32{}}
	refA := image.NewGray(image.Rect(0, 0, 1, 1))
	refB := image.NewGray(image.Rect(0, 0, 2, 2))
	page := image.NewGray(image.Rect(0, 0, 3, 3))
	embedder.vectors[refA] = []float32{1, 0}
	embedder.vectors[refB] = []float32{0, 1}
	embedder.vectors[page] = []float32{1, 0}

	m := NewMatcher(embedder, &scriptedVoidChecker{}, nil)
	refs := []image.Image{refA, refB}

	res, err := m.Match(context.Background(), []image.Image{page}, refs, nil, Config{
		PositiveThreshold: 0.4, Aggregation: AggregationMean,
	})
	// mean of cos 1.0 and cos 0.0 is 0.5
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Score, simTol)

	res, err = m.Match(context.Background(), []image.Image{page}, refs, nil, Config{
		PositiveThreshold: 0.4, Aggregation: AggregationMax,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.Score, simTol)
}

func TestMatchInputValidation(t *testing.T) {
	m := NewMatcher(&scriptedEmbedder{}, &scriptedVoidChecker{}, nil)
	ref := image.NewGray(image.Rect(0, 0, 1, 1))

	_, err := m.Match(context.Background(), nil, []image.Image{ref}, nil, Config{})
	assert.ErrorIs(t, err, common.ErrValidation)

	_, err = m.Match(context.Background(), []image.Image{ref}, nil, nil, Config{})
	assert.ErrorIs(t, err, common.ErrValidation)
}

func TestMatchEmbedderErrorPropagates(t *testing.T) {
	h := newHarness(t, [2]float64{0.50, 0})
	broken := image.NewGray(image.Rect(0, 0, 99, 99))
	h.pages = append(h.pages, broken)

	_, err := h.match(t, Config{PositiveThreshold: 0.25, NegativeThreshold: 0.30})
	require.Error(t, err)
	assert.NotErrorIs(t, err, common.ErrNoMatch)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, cosine([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, cosine([]float32{0, 0}, []float32{1, 1}))
}
