// Package matcher implements the per-client sequential pipeline:
// structural filter, then inclusion keywords, then exclusion
// keywords, then semantic ranking, producing the three parallel result
// sets a client's cycle output is built from.
package matcher

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/permitpipeline/permitengine/internal/embedindex"
	"github.com/permitpipeline/permitengine/internal/pipelineerr"
	"github.com/permitpipeline/permitengine/pkg/clientprofile"
	"github.com/permitpipeline/permitengine/pkg/permit"
	"github.com/permitpipeline/permitengine/pkg/permitstore"
	sharedmath "github.com/permitpipeline/permitengine/pkg/shared/math"
)

// candidatePoolLimit bounds the structural-filter candidate pool at
// 1000 rows.
const candidatePoolLimit = 1000

// DefaultPerClientTopK is the cap on a client's semantic result set before
// contention resolution when no positive cap is configured at all. The
// orchestrator's configured default is far lower (nominally 20); a
// configured or per-invocation cap is used as given, even above this value.
const DefaultPerClientTopK = 200

// Overrides are request-level values that supersede the client's own
// profile fields for a single match invocation: an ad-hoc query and
// filter set that take precedence over the profile's own.
//
// ForceEmptyQuery and PerClientTopK exist for the orchestrator's relaxed
// second pass: ForceEmptyQuery suppresses the client's own
// rag_query and the structural fallback entirely, so stage 4 degrades to
// cleaned-set pass-through; a positive PerClientTopK replaces the
// Matcher's configured cap for this invocation only.
type Overrides struct {
	Query           string
	Filters         *permitstore.Filters
	ForceEmptyQuery bool
	PerClientTopK   int
}

// ExclusionRow is a permit removed at the exclusion stage, carrying the
// human-readable reason attached for auditability.
type ExclusionRow struct {
	Permit permit.Permit
	Reason string
}

// ScoredPermit pairs a Permit with its semantic-ranking score.
type ScoredPermit struct {
	Permit permit.Permit
	Score  float64
}

// Result is a single client's three parallel output sets.
type Result struct {
	ClientID  int64
	Inclusion []permit.Permit
	Exclusion []ExclusionRow
	Semantic  []ScoredPermit
}

// PermitFilterer is the structural-filter collaborator.
type PermitFilterer interface {
	QueryFiltered(ctx context.Context, filters *permitstore.Filters, limit int) ([]permit.Permit, error)
}

// IndexSnapshot is the semantic-ranking collaborator.
type IndexSnapshot interface {
	Snapshot() *embedindex.Snapshot
}

// Embedder computes a query embedding for semantic ranking.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Matcher runs the four-stage pipeline for one or many clients against a shared
// store/index/embedder.
type Matcher struct {
	store        PermitFilterer
	index        IndexSnapshot
	embedder     Embedder
	perClientTopK int
}

// New returns a Matcher. A non-positive topK falls back to DefaultPerClientTopK.
func New(store PermitFilterer, index IndexSnapshot, embedder Embedder, perClientTopK int) *Matcher {
	if perClientTopK <= 0 {
		perClientTopK = DefaultPerClientTopK
	}
	return &Matcher{store: store, index: index, embedder: embedder, perClientTopK: perClientTopK}
}

// Match runs the four-stage pipeline for a single client.
func (m *Matcher) Match(ctx context.Context, client *clientprofile.ClientProfile, overrides Overrides) (Result, error) {
	result := Result{ClientID: client.ID}

	// Stage 1: structural filter.
	filters := mergeFilters(client, overrides.Filters)
	pool, err := m.store.QueryFiltered(ctx, filters, candidatePoolLimit)
	if err != nil {
		return Result{}, pipelineerr.Wrapf(err, pipelineerr.ErrorTypeMatcherError,
			"client %d: structural filter query", client.ID)
	}

	// Stage 2: inclusion keywords.
	included := applyInclusion(pool, client.KeywordsInclude)
	result.Inclusion = included

	// Stage 3: exclusion keywords.
	cleaned, excluded := applyExclusion(included, client.KeywordsExclude)
	result.Exclusion = excluded

	// Stage 4: semantic ranking.
	query := ""
	if !overrides.ForceEmptyQuery {
		query = resolveQuery(client, overrides.Query)
	}
	topK := m.perClientTopK
	if overrides.PerClientTopK > 0 {
		topK = overrides.PerClientTopK
	}
	semantic, err := m.rankSemantic(ctx, cleaned, query, topK)
	if err != nil {
		return Result{}, pipelineerr.Wrapf(err, pipelineerr.ErrorTypeMatcherError,
			"client %d: semantic ranking", client.ID)
	}
	result.Semantic = semantic

	return result, nil
}

// MatchAll runs Match concurrently for every client, isolating a single
// client's failure so it never aborts the cycle for the others: the
// failed client is skipped and its error reported in the cycle summary.
func (m *Matcher) MatchAll(ctx context.Context, clients []*clientprofile.ClientProfile, overrides Overrides) ([]Result, []error) {
	results := make([]Result, len(clients))
	errs := make([]error, len(clients))

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, client := range clients {
		i, client := i, client
		g.Go(func() error {
			res, err := m.Match(gctx, client, overrides)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[i] = err
				results[i] = Result{ClientID: client.ID}
				return nil // contained: never aborts sibling matchers
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait() // no goroutine returns a non-nil error; containment is per-client

	return results, errs
}

// mergeFilters builds the stage-1 filter set from the merge of
// request-level overrides and the client's own structural preferences.
// Override values, when present, take precedence field-by-field.
func mergeFilters(client *clientprofile.ClientProfile, overrides *permitstore.Filters) *permitstore.Filters {
	f := &permitstore.Filters{}
	if client.City != "" {
		f.City = []string{client.City}
	}
	if client.PermitType != "" {
		f.PermitType = []string{client.PermitType}
	}
	if client.PermitClassMapped != "" {
		f.PermitClassMapped = []string{client.PermitClassMapped}
	}
	if len(client.WorkClasses) > 0 {
		f.WorkClass = append([]string(nil), client.WorkClasses...)
	}

	if overrides == nil {
		return f
	}
	if len(overrides.City) > 0 {
		f.City = overrides.City
	}
	if len(overrides.PermitType) > 0 {
		f.PermitType = overrides.PermitType
	}
	if len(overrides.PermitClassMapped) > 0 {
		f.PermitClassMapped = overrides.PermitClassMapped
	}
	if len(overrides.WorkClass) > 0 {
		f.WorkClass = overrides.WorkClass
	}
	if len(overrides.CurrentStatus) > 0 {
		f.CurrentStatus = overrides.CurrentStatus
	}
	if overrides.IssuedFrom != nil {
		f.IssuedFrom = overrides.IssuedFrom
	}
	if overrides.IssuedTo != nil {
		f.IssuedTo = overrides.IssuedTo
	}
	if overrides.AppliedFrom != nil {
		f.AppliedFrom = overrides.AppliedFrom
	}
	if overrides.AppliedTo != nil {
		f.AppliedTo = overrides.AppliedTo
	}
	return f
}

// applyInclusion implements the inclusion stage: pass-through if keywords is
// empty, else retain only rows matching at least one keyword as a whole
// word (case-insensitive).
func applyInclusion(pool []permit.Permit, keywords []string) []permit.Permit {
	if len(keywords) == 0 {
		return pool
	}
	patterns := wholeWordPatterns(keywords)

	out := make([]permit.Permit, 0, len(pool))
	for _, p := range pool {
		if anyMatch(patterns, p.Description) {
			out = append(out, p)
		}
	}
	return out
}

// applyExclusion implements the exclusion stage: partition into the cleaned set
// (no exclude-keyword matched) and the Exclusion Result Set, each removed
// row annotated with the first matching keyword's reason string.
func applyExclusion(included []permit.Permit, keywords []string) ([]permit.Permit, []ExclusionRow) {
	if len(keywords) == 0 {
		return included, nil
	}

	type kwPattern struct {
		keyword string
		re      *regexp.Regexp
	}
	patterns := make([]kwPattern, len(keywords))
	for i, kw := range keywords {
		patterns[i] = kwPattern{keyword: kw, re: wholeWordPattern(kw)}
	}

	cleaned := make([]permit.Permit, 0, len(included))
	var excluded []ExclusionRow
	for _, p := range included {
		matchedKW := ""
		for _, kp := range patterns {
			if kp.re.MatchString(p.Description) {
				matchedKW = kp.keyword
				break
			}
		}
		if matchedKW != "" {
			excluded = append(excluded, ExclusionRow{Permit: p, Reason: fmt.Sprintf("contained keyword '%s'", matchedKW)})
			continue
		}
		cleaned = append(cleaned, p)
	}
	return cleaned, excluded
}

func wholeWordPattern(keyword string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(keyword) + `\b`)
}

func wholeWordPatterns(keywords []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(keywords))
	for i, kw := range keywords {
		out[i] = wholeWordPattern(kw)
	}
	return out
}

func anyMatch(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// resolveQuery implements the semantic query resolution order:
// request-level query, else client's rag_query, else a fallback joined
// from the client's structural preferences, else the literal
// "construction permit".
func resolveQuery(client *clientprofile.ClientProfile, override string) string {
	if strings.TrimSpace(override) != "" {
		return override
	}
	if strings.TrimSpace(client.RAGQuery) != "" {
		return client.RAGQuery
	}

	var parts []string
	for _, v := range []string{client.PermitClassMapped, client.PermitType, client.City} {
		if strings.TrimSpace(v) != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return "construction permit"
	}
	return strings.Join(parts, " ")
}

// rankSemantic implements the semantic stage: cosine-rank cleaned by
// similarity to query's embedding, capped at topK. An empty cleaned set
// yields an empty result; an empty query passes cleaned through in its
// original order, truncated.
func (m *Matcher) rankSemantic(ctx context.Context, cleaned []permit.Permit, query string, topK int) ([]ScoredPermit, error) {
	if len(cleaned) == 0 {
		return nil, nil
	}

	if strings.TrimSpace(query) == "" {
		out := cleaned
		if len(out) > topK {
			out = out[:topK]
		}
		return toScored(out, nil), nil
	}

	queryVec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	snapshot := m.index.Snapshot()
	scores := make(map[int64]float64, len(cleaned))
	for _, p := range cleaned {
		if snapshot == nil {
			continue
		}
		if idx, ok := rowFor(snapshot, p.ID); ok {
			if vec, ok := snapshot.VectorFor(idx); ok {
				scores[p.ID] = sharedmath.CosineSimilarity(queryVec, vec)
			}
		}
	}

	scored := toScored(cleaned, scores)
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func toScored(permits []permit.Permit, scores map[int64]float64) []ScoredPermit {
	out := make([]ScoredPermit, len(permits))
	for i, p := range permits {
		out[i] = ScoredPermit{Permit: p, Score: scores[p.ID]}
	}
	return out
}

func rowFor(snapshot *embedindex.Snapshot, permitID int64) (int, bool) {
	for i, id := range snapshot.IDs {
		if id == permitID {
			return i, true
		}
	}
	return 0, false
}
