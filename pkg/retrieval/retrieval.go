// Package retrieval implements the hybrid keyword + semantic search
// layer: a single unifiedSearch entry point over three modes
// (keyword, semantic, dual), each respecting the same structured
// pre-filters the Permit Store exposes.
package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/permitpipeline/permitengine/internal/embedindex"
	"github.com/permitpipeline/permitengine/pkg/permit"
	"github.com/permitpipeline/permitengine/pkg/permitstore"
	sharedmath "github.com/permitpipeline/permitengine/pkg/shared/math"
)

// Mode selects which of the three retrieval strategies unifiedSearch runs.
type Mode string

const (
	ModeKeyword  Mode = "keyword"
	ModeSemantic Mode = "semantic"
	ModeDual     Mode = "dual"
)

// filteredPoolFloor and unfilteredPoolFloor are the database pool size
// floors: max(topK*oversample, 1000) when filters are present, otherwise
// max(topK*3, 500).
const (
	filteredPoolFloor   = 1000
	unfilteredPoolFloor = 500
	unfilteredOversample = 3
)

// staleFallbackThreshold is the semantic-mode fallback trigger: fall
// back to text scoring when the overlap between candidate ids and index
// ids drops below 50% of the candidate set.
const staleFallbackThreshold = 0.5

// ScoredPermit pairs a Permit with its _rag_score, attached when the
// caller requests scores. Scores are comparable
// only within a single result set.
type ScoredPermit struct {
	Permit permit.Permit
	Score  float64
}

// Result is unifiedSearch's return value. For ModeDual both Keyword and
// Semantic are populated and Rows is left nil; for the other two modes
// Rows is populated and Keyword/Semantic are nil.
type Result struct {
	Mode     Mode
	Rows     []ScoredPermit
	Keyword  []ScoredPermit
	Semantic []ScoredPermit
	// FellBackToText reports whether a ModeSemantic search degraded to the
	// whole-word text-scoring hedge instead of ranking by the
	// embedding index, because the index wasn't loaded or too much of the
	// candidate pool was stale relative to it.
	FellBackToText bool
}

// PermitFilterer is the subset of permitstore.Store a search uses to draw
// a structurally-filtered candidate pool.
type PermitFilterer interface {
	QueryFiltered(ctx context.Context, filters *permitstore.Filters, limit int) ([]permit.Permit, error)
}

// IndexSnapshot is the subset of *embedindex.Manager a semantic search
// reads: a point-in-time vector snapshot unaffected by a concurrent
// rebuild.
type IndexSnapshot interface {
	Snapshot() *embedindex.Snapshot
}

// Embedder computes a query embedding. Satisfied by embedindex.Embedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Searcher is the retrieval layer over a given store/index/embedder triple.
type Searcher struct {
	store    PermitFilterer
	index    IndexSnapshot
	embedder Embedder
}

// NewSearcher returns a Searcher backed by store, index and embedder.
func NewSearcher(store PermitFilterer, index IndexSnapshot, embedder Embedder) *Searcher {
	return &Searcher{store: store, index: index, embedder: embedder}
}

// UnifiedSearch runs one search in the requested mode, applying the
// structured pre-filters and the mode's own ranking.
func (s *Searcher) UnifiedSearch(ctx context.Context, query string, mode Mode, filters *permitstore.Filters, topK, oversample int) (Result, error) {
	switch mode {
	case ModeKeyword:
		rows, err := s.keywordSearch(ctx, query, filters, topK)
		if err != nil {
			return Result{}, err
		}
		return Result{Mode: ModeKeyword, Rows: rows}, nil

	case ModeSemantic:
		rows, fellBack, err := s.semanticSearch(ctx, query, filters, topK, oversample)
		if err != nil {
			return Result{}, err
		}
		return Result{Mode: ModeSemantic, Rows: rows, FellBackToText: fellBack}, nil

	case ModeDual:
		kw, err := s.keywordSearch(ctx, query, filters, topK)
		if err != nil {
			return Result{}, err
		}
		sem, fellBack, err := s.semanticSearch(ctx, query, filters, topK, oversample)
		if err != nil {
			return Result{}, err
		}
		// Dual returns both sets independently; no dedup between them,
		// since downstream treats them as distinct reports.
		return Result{Mode: ModeDual, Keyword: kw, Semantic: sem, FellBackToText: fellBack}, nil

	default:
		return Result{}, fmt.Errorf("retrieval: unknown mode %q", mode)
	}
}

// keywordSearch is a case-insensitive substring match on description,
// ordered issued_date descending (rows without an issued date last),
// capped at topK. An empty query degrades to filter-only retrieval
// returning the most-recent rows of the candidate pool. The pool comes
// from QueryFiltered, which returns a random sample once the pool size
// exceeds 500 rows (always so when filters are present); rows outside
// that sample are not considered.
func (s *Searcher) keywordSearch(ctx context.Context, query string, filters *permitstore.Filters, topK int) ([]ScoredPermit, error) {
	pool, err := s.store.QueryFiltered(ctx, filters, poolSize(topK, filters, 1))
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}

	q := strings.ToLower(strings.TrimSpace(query))
	var matched []permit.Permit
	if q == "" {
		matched = append([]permit.Permit(nil), pool...)
	} else {
		for _, p := range pool {
			if strings.Contains(strings.ToLower(p.Description), q) {
				matched = append(matched, p)
			}
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i].IssuedDate, matched[j].IssuedDate
		if a == nil || b == nil {
			return a != nil && b == nil
		}
		return a.After(*b)
	})

	if len(matched) > topK {
		matched = matched[:topK]
	}

	out := make([]ScoredPermit, len(matched))
	for i, p := range matched {
		out[i] = ScoredPermit{Permit: p}
	}
	return out, nil
}

// semanticSearch runs the structured pre-filter, then
// cosine-rank by the embedding index, falling back to whole-word text
// scoring when the index is unusable for this candidate pool.
func (s *Searcher) semanticSearch(ctx context.Context, query string, filters *permitstore.Filters, topK, oversample int) ([]ScoredPermit, bool, error) {
	dbPool := poolSize(topK, filters, oversample)
	pool, err := s.store.QueryFiltered(ctx, filters, dbPool)
	if err != nil {
		return nil, false, fmt.Errorf("semantic search: %w", err)
	}

	if strings.TrimSpace(query) == "" {
		// Empty query: filter-only retrieval, no ranking.
		if len(pool) > topK {
			pool = pool[:topK]
		}
		out := make([]ScoredPermit, len(pool))
		for i, p := range pool {
			out[i] = ScoredPermit{Permit: p}
		}
		return out, false, nil
	}

	snapshot := s.index.Snapshot()
	if snapshot == nil || !overlapSufficient(pool, snapshot, staleFallbackThreshold) {
		return textFallbackScore(pool, query, topK), true, nil
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, false, fmt.Errorf("embed query: %w", err)
	}

	scored := make([]ScoredPermit, 0, len(pool))
	for _, p := range pool {
		idx, ok := rowFor(snapshot, p.ID)
		if !ok {
			// Stale relative to the index: ranked at -inf, effectively excluded.
			continue
		}
		vec, _ := snapshot.VectorFor(idx)
		scored = append(scored, ScoredPermit{Permit: p, Score: sharedmath.CosineSimilarity(queryVec, vec)})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, false, nil
}

// poolSize computes how many candidate rows to draw from the database.
func poolSize(topK int, filters *permitstore.Filters, oversample int) int {
	if filters != nil && !filters.IsEmpty() {
		return maxInt(topK*oversample, filteredPoolFloor)
	}
	return maxInt(topK*unfilteredOversample, unfilteredPoolFloor)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func rowFor(snapshot *embedindex.Snapshot, permitID int64) (int, bool) {
	for i, id := range snapshot.IDs {
		if id == permitID {
			return i, true
		}
	}
	return 0, false
}

// overlapSufficient reports whether at least threshold of pool's permit
// ids appear in the index snapshot.
func overlapSufficient(pool []permit.Permit, snapshot *embedindex.Snapshot, threshold float64) bool {
	if len(pool) == 0 {
		return true
	}
	present := make(map[int64]struct{}, snapshot.Len())
	for _, id := range snapshot.IDs {
		present[id] = struct{}{}
	}
	hits := 0
	for _, p := range pool {
		if _, ok := present[p.ID]; ok {
			hits++
		}
	}
	return float64(hits)/float64(len(pool)) >= threshold
}

// textFallbackScore is the correctness hedge for a stale or missing
// index: score = occurrences * 10, + 20 if the query appears as a
// standalone word, + 10 if the first occurrence starts within the first
// 50 characters.
func textFallbackScore(pool []permit.Permit, query string, topK int) []ScoredPermit {
	q := strings.ToLower(strings.TrimSpace(query))
	standalone := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(query) + `\b`)

	var scored []ScoredPermit
	for _, p := range pool {
		desc := strings.ToLower(p.Description)
		occurrences := strings.Count(desc, q)
		if occurrences == 0 {
			continue
		}
		score := float64(occurrences * 10)
		if standalone.MatchString(p.Description) {
			score += 20
		}
		if idx := strings.Index(desc, q); idx >= 0 && idx < 50 {
			score += 10
		}
		scored = append(scored, ScoredPermit{Permit: p, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}
