// Package match selects the best-matching page of a rendered document
// against positive and negative visual reference templates.
package match

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sort"

	"github.com/docpipe/docpipe/internal/common"
)

// negTieBreakWindow is how many of the top candidates (by positive
// similarity) are inspected when breaking ties by lowest negative
// similarity. Deliberately a fixed window, independent of the
// configurable void-check top-N.
const negTieBreakWindow = 5

// Aggregation selects how similarities against multiple reference
// images collapse into one score.
type Aggregation string

const (
	AggregationMax  Aggregation = "max"
	AggregationMean Aggregation = "mean"
)

// Embedder is the image-embedding collaborator. Similarity between two
// images is the cosine of their embeddings; everything else about the
// model is a black box.
type Embedder interface {
	Embed(ctx context.Context, img image.Image) ([]float32, error)
}

// VoidChecker detects voided/cancelled pages, typically by OCRing the
// page and testing the text against a marker list.
type VoidChecker interface {
	ContainsVoidMarker(ctx context.Context, img image.Image) (bool, error)
}

// Config holds matching thresholds and void-skip options.
type Config struct {
	PositiveThreshold float64
	NegativeThreshold float64
	SkipVoided        bool
	VoidCheckTopN     int
	Aggregation       Aggregation // defaults to AggregationMax
}

// PageScore is one page's similarity against both template sets,
// reported 1-based for diagnostics and audit.
type PageScore struct {
	Page               int     `json:"page"`
	PositiveSimilarity float64 `json:"positive_similarity"`
	NegativeSimilarity float64 `json:"negative_similarity"`
}

// VoidedPage records a candidate that was rejected by the void check.
type VoidedPage struct {
	Page  int     `json:"page"`
	Score float64 `json:"score"`
}

// Result is a successful match.
type Result struct {
	// PageIndex is 0-based into the input slice; PageNumber is the
	// 1-based number reported in artifacts.
	PageIndex          int
	PageNumber         int
	Score              float64
	Scores             []PageScore
	VoidedPagesChecked []VoidedPage
}

// FailReason says which threshold blocked the match, so the caller
// knows which one to relax.
type FailReason string

const (
	ReasonBelowPositiveThreshold FailReason = "below_positive_threshold"
	ReasonNegativeBlocked        FailReason = "negative_threshold_blocked"
	ReasonAllCandidatesVoided    FailReason = "all_candidates_voided"
)

// NoMatchError reports a document where no page was selected.
type NoMatchError struct {
	Reason FailReason
	// MinNegativeScore is the lowest negative similarity observed among
	// pages that cleared the positive threshold; set only for
	// ReasonNegativeBlocked.
	MinNegativeScore   *float64
	Scores             []PageScore
	VoidedPagesChecked []VoidedPage
}

func (e *NoMatchError) Error() string {
	switch e.Reason {
	case ReasonNegativeBlocked:
		return fmt.Sprintf("no matching page: pages cleared the positive threshold but none cleared the negative threshold (min negative similarity %.4f)", *e.MinNegativeScore)
	case ReasonAllCandidatesVoided:
		return fmt.Sprintf("no matching page: all %d candidates were voided", len(e.VoidedPagesChecked))
	default:
		return "no matching page: no page reached the positive threshold"
	}
}

func (e *NoMatchError) Unwrap() error { return common.ErrNoMatch }

// Matcher scores pages with the embedding collaborator and applies the
// threshold/tie-break/void-skip selection rules.
type Matcher struct {
	embedder Embedder
	voids    VoidChecker
	log      *slog.Logger
}

func NewMatcher(embedder Embedder, voids VoidChecker, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{embedder: embedder, voids: voids, log: logger}
}

type candidate struct {
	index int // 0-based page index
	pos   float64
	neg   float64
}

// Match selects the single best-matching page, or returns a
// *NoMatchError describing why none qualified. Deterministic for fixed
// inputs and a fixed embedder: sorting is stable and tie-breaks resolve
// to the first-encountered minimum.
func (m *Matcher) Match(ctx context.Context, pages, positiveRefs, negativeRefs []image.Image, cfg Config) (*Result, error) {
	if len(pages) == 0 {
		return nil, common.ValidationErrorf("no pages to match")
	}
	if len(positiveRefs) == 0 {
		return nil, common.ValidationErrorf("at least one positive reference is required")
	}
	agg := cfg.Aggregation
	if agg == "" {
		agg = AggregationMax
	}

	posVecs, err := m.embedAll(ctx, positiveRefs)
	if err != nil {
		return nil, common.WrapError(err, "embed positive references")
	}
	negVecs, err := m.embedAll(ctx, negativeRefs)
	if err != nil {
		return nil, common.WrapError(err, "embed negative references")
	}

	scores := make([]PageScore, 0, len(pages))
	var candidates []candidate
	for idx, page := range pages {
		vec, err := m.embedder.Embed(ctx, page)
		if err != nil {
			return nil, common.WrapError(err, fmt.Sprintf("embed page %d", idx+1))
		}
		pos := aggregate(vec, posVecs, agg)
		neg := 0.0
		if len(negVecs) > 0 {
			neg = aggregate(vec, negVecs, agg)
		}
		scores = append(scores, PageScore{Page: idx + 1, PositiveSimilarity: pos, NegativeSimilarity: neg})
		if pos >= cfg.PositiveThreshold && neg <= cfg.NegativeThreshold {
			candidates = append(candidates, candidate{index: idx, pos: pos, neg: neg})
		}
	}

	if len(candidates) == 0 {
		return nil, m.noMatch(scores, cfg)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].pos > candidates[j].pos
	})

	if !cfg.SkipVoided {
		win := pickLowestNegative(candidates)
		return m.result(win, scores, nil), nil
	}

	topN := cfg.VoidCheckTopN
	if topN <= 0 {
		topN = negTieBreakWindow
	}
	if topN > len(candidates) {
		topN = len(candidates)
	}

	var voided []VoidedPage
	for _, c := range candidates[:topN] {
		isVoid, err := m.voids.ContainsVoidMarker(ctx, pages[c.index])
		if err != nil {
			return nil, common.WrapError(err, fmt.Sprintf("void check page %d", c.index+1))
		}
		if !isVoid {
			return m.result(c, scores, voided), nil
		}
		m.log.Debug("candidate voided", "page", c.index+1, "score", c.pos)
		voided = append(voided, VoidedPage{Page: c.index + 1, Score: c.pos})
	}

	// Every top-N candidate is voided; fall back to the remainder with
	// the usual tie-break rule.
	if rest := candidates[topN:]; len(rest) > 0 {
		win := pickLowestNegative(rest)
		return m.result(win, scores, voided), nil
	}

	return nil, &NoMatchError{
		Reason:             ReasonAllCandidatesVoided,
		Scores:             scores,
		VoidedPagesChecked: voided,
	}
}

// pickLowestNegative takes the candidate with the lowest negative
// similarity among the first negTieBreakWindow entries of an already
// positive-descending slice. Ties resolve to the earlier entry.
func pickLowestNegative(sorted []candidate) candidate {
	window := sorted
	if len(window) > negTieBreakWindow {
		window = window[:negTieBreakWindow]
	}
	win := window[0]
	for _, c := range window[1:] {
		if c.neg < win.neg {
			win = c
		}
	}
	return win
}

func (m *Matcher) result(win candidate, scores []PageScore, voided []VoidedPage) *Result {
	m.log.Info("page matched", "page", win.index+1, "positive_similarity", win.pos, "negative_similarity", win.neg, "voided_checked", len(voided))
	return &Result{
		PageIndex:          win.index,
		PageNumber:         win.index + 1,
		Score:              win.pos,
		Scores:             scores,
		VoidedPagesChecked: voided,
	}
}

func (m *Matcher) noMatch(scores []PageScore, cfg Config) error {
	minNeg := math.Inf(1)
	anyPositive := false
	for _, sc := range scores {
		if sc.PositiveSimilarity >= cfg.PositiveThreshold {
			anyPositive = true
			if sc.NegativeSimilarity < minNeg {
				minNeg = sc.NegativeSimilarity
			}
		}
	}
	if anyPositive {
		return &NoMatchError{Reason: ReasonNegativeBlocked, MinNegativeScore: &minNeg, Scores: scores}
	}
	return &NoMatchError{Reason: ReasonBelowPositiveThreshold, Scores: scores}
}

func (m *Matcher) embedAll(ctx context.Context, imgs []image.Image) ([][]float32, error) {
	if len(imgs) == 0 {
		return nil, nil
	}
	vecs := make([][]float32, 0, len(imgs))
	for _, img := range imgs {
		vec, err := m.embedder.Embed(ctx, img)
		if err != nil {
			return nil, err
		}
		vecs = append(vecs, vec)
	}
	return vecs, nil
}

// aggregate collapses cosine similarities between one page vector and
// each reference vector into a single score.
func aggregate(page []float32, refs [][]float32, agg Aggregation) float64 {
	if len(refs) == 0 {
		return 0
	}
	var best, sum float64
	best = math.Inf(-1)
	for _, ref := range refs {
		sim := cosine(page, ref)
		sum += sim
		if sim > best {
			best = sim
		}
	}
	if agg == AggregationMean {
		return sum / float64(len(refs))
	}
	return best
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
