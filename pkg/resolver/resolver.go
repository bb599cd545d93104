// Package resolver implements the contention resolver: it groups
// clients by identical structural preferences, then allocates a finite
// permit pool across each group's competing clients proportionally to
// declared demand, with global exclusivity across every group in the cycle.
package resolver

import (
	"sort"

	"github.com/permitpipeline/permitengine/internal/pipelineerr"
	"github.com/permitpipeline/permitengine/pkg/clientprofile"
	"github.com/permitpipeline/permitengine/pkg/matcher"
	"github.com/permitpipeline/permitengine/pkg/permit"
)

// ClientAssignment is one client's raw matcher output plus the profile
// fields the resolver needs (group key, slider, priority).
type ClientAssignment struct {
	Client   *clientprofile.ClientProfile
	Matched  matcher.Result
}

// Options tune a single Resolve invocation. SkipSingleClientSliderCap is
// the orchestrator's relaxed-second-pass knob: it lifts the
// slider-percentage cap for single-client groups only. Competing-group
// allocation and global exclusivity are never relaxed.
type Options struct {
	SkipSingleClientSliderCap bool
}

// Resolve groups assignments, applies the single-client
// slider cap or the competing-group proportional/round-robin algorithm,
// and returns each client's final Semantic Result Set with global
// exclusivity enforced across every group.
//
// Inclusion and Exclusion Result Sets pass through unchanged; they are
// per-client audit artifacts, not subject to contention. Only Semantic
// is rewritten.
func Resolve(assignments []ClientAssignment) ([]matcher.Result, error) {
	return ResolveWithOptions(assignments, Options{})
}

// ResolveWithOptions is Resolve with per-invocation Options.
func ResolveWithOptions(assignments []ClientAssignment, opts Options) ([]matcher.Result, error) {
	groups := groupByKey(assignments)

	globalAssigned := make(map[int64]struct{})
	finalByClient := make(map[int64]matcher.Result, len(assignments))

	// Deterministic group iteration order: sort group keys.
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		group := groups[key]
		if len(group) == 1 {
			resolveSingleClientGroup(group[0], opts, globalAssigned, finalByClient)
			continue
		}
		resolveCompetingGroup(group, globalAssigned, finalByClient)
	}

	out := make([]matcher.Result, len(assignments))
	for i, a := range assignments {
		out[i] = finalByClient[a.Client.ID]
	}

	if err := checkExclusivity(out); err != nil {
		return nil, err
	}
	return out, nil
}

func groupByKey(assignments []ClientAssignment) map[string][]ClientAssignment {
	groups := make(map[string][]ClientAssignment)
	for _, a := range assignments {
		key := a.Client.GroupKey()
		groups[key] = append(groups[key], a)
	}
	return groups
}

// resolveSingleClientGroup handles a group of one: the slider-percentage
// cap is the only constraint, applied against the running global-assigned set.
func resolveSingleClientGroup(a ClientAssignment, opts Options, globalAssigned map[int64]struct{}, finalByClient map[int64]matcher.Result) {
	semantic := a.Matched.Semantic
	allowed := (a.Client.SliderPercentage * len(semantic)) / 100
	if opts.SkipSingleClientSliderCap {
		allowed = len(semantic)
	}

	var survivors []matcher.ScoredPermit
	for _, sp := range semantic[:minInt(allowed, len(semantic))] {
		if _, taken := globalAssigned[sp.Permit.ID]; taken {
			continue
		}
		survivors = append(survivors, sp)
		globalAssigned[sp.Permit.ID] = struct{}{}
	}

	finalByClient[a.Client.ID] = matcher.Result{
		ClientID:  a.Client.ID,
		Inclusion: a.Matched.Inclusion,
		Exclusion: a.Matched.Exclusion,
		Semantic:  survivors,
	}
}

// resolveCompetingGroup unions the group's not-yet-globally-assigned
// candidates, computes each permit's average score across the clients
// that surfaced it and each client's allocation bound, then round-robin
// assigns score-ordered permits to priority-ordered clients until the
// union or every allocation is exhausted.
func resolveCompetingGroup(group []ClientAssignment, globalAssigned map[int64]struct{}, finalByClient map[int64]matcher.Result) {
	type unionEntry struct {
		permit    permit.Permit
		scoreSum  float64
		scoreN    int
	}
	union := make(map[int64]*unionEntry)

	for _, a := range group {
		for _, sp := range a.Matched.Semantic {
			if _, taken := globalAssigned[sp.Permit.ID]; taken {
				continue
			}
			e, ok := union[sp.Permit.ID]
			if !ok {
				e = &unionEntry{permit: sp.Permit}
				union[sp.Permit.ID] = e
			}
			e.scoreSum += sp.Score
			e.scoreN++
		}
	}

	if len(union) == 0 {
		for _, a := range group {
			finalByClient[a.Client.ID] = matcher.Result{
				ClientID:  a.Client.ID,
				Inclusion: a.Matched.Inclusion,
				Exclusion: a.Matched.Exclusion,
				Semantic:  nil,
			}
		}
		return
	}

	totalDemand := 0
	for _, a := range group {
		totalDemand += a.Client.SliderPercentage
	}

	allocation := make(map[int64]int, len(group))
	for _, a := range group {
		if totalDemand <= 0 || a.Client.SliderPercentage <= 0 {
			allocation[a.Client.ID] = 0
			continue
		}
		proportion := float64(a.Client.SliderPercentage) / float64(totalDemand)
		count := int(proportion * float64(len(union)))
		if count < 1 {
			count = 1 // at least 1 permit if the client wants any and the union is non-empty
		}
		allocation[a.Client.ID] = count
	}

	// Average score across clients that surfaced a permit (non-surfacing
	// clients contribute 0 to the group average).
	groupSize := len(group)
	type ranked struct {
		id    int64
		score float64
		p     permit.Permit
	}
	rankedUnion := make([]ranked, 0, len(union))
	for id, e := range union {
		avg := e.scoreSum / float64(groupSize)
		rankedUnion = append(rankedUnion, ranked{id: id, score: avg, p: e.permit})
	}
	sort.Slice(rankedUnion, func(i, j int) bool {
		if rankedUnion[i].score != rankedUnion[j].score {
			return rankedUnion[i].score > rankedUnion[j].score
		}
		return rankedUnion[i].id < rankedUnion[j].id // tie-break: permit id ascending
	})

	sortedClients := make([]*clientprofile.ClientProfile, len(group))
	byID := make(map[int64]ClientAssignment, len(group))
	for i, a := range group {
		sortedClients[i] = a.Client
		byID[a.Client.ID] = a
	}
	sort.Slice(sortedClients, func(i, j int) bool {
		if sortedClients[i].Priority != sortedClients[j].Priority {
			return sortedClients[i].Priority < sortedClients[j].Priority
		}
		return sortedClients[i].ID < sortedClients[j].ID // tie-break: client id ascending
	})

	assigned := make(map[int64][]matcher.ScoredPermit, len(group))
	for _, c := range sortedClients {
		assigned[c.ID] = nil
	}

	permitIdx := 0
	for permitIdx < len(rankedUnion) && anyUnderAllocation(sortedClients, assigned, allocation) {
		for _, c := range sortedClients {
			if permitIdx >= len(rankedUnion) {
				break
			}
			if len(assigned[c.ID]) >= allocation[c.ID] {
				continue
			}
			r := rankedUnion[permitIdx]
			scoreForClient := scoreFromAssignment(byID[c.ID], r.id)
			assigned[c.ID] = append(assigned[c.ID], matcher.ScoredPermit{Permit: r.p, Score: scoreForClient})
			globalAssigned[r.id] = struct{}{}
			permitIdx++
		}
	}

	for _, a := range group {
		finalByClient[a.Client.ID] = matcher.Result{
			ClientID:  a.Client.ID,
			Inclusion: a.Matched.Inclusion,
			Exclusion: a.Matched.Exclusion,
			Semantic:  assigned[a.Client.ID],
		}
	}
}

func scoreFromAssignment(a ClientAssignment, permitID int64) float64 {
	for _, sp := range a.Matched.Semantic {
		if sp.Permit.ID == permitID {
			return sp.Score
		}
	}
	return 0
}

func anyUnderAllocation(clients []*clientprofile.ClientProfile, assigned map[int64][]matcher.ScoredPermit, allocation map[int64]int) bool {
	for _, c := range clients {
		if len(assigned[c.ID]) < allocation[c.ID] {
			return true
		}
	}
	return false
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// checkExclusivity verifies that no permit id appears in more than one
// client's final Semantic Result Set. A violation is fatal to the cycle
// (nothing is delivered and no ledger writes occur).
func checkExclusivity(results []matcher.Result) error {
	seen := make(map[int64]int64, 0)
	for _, r := range results {
		for _, sp := range r.Semantic {
			if owner, ok := seen[sp.Permit.ID]; ok && owner != r.ClientID {
				return pipelineerr.New(pipelineerr.ErrorTypeResolverInvariantViolation,
					"permit assigned to more than one client").
					WithDetailsf("permit_id=%d clients=%d,%d", sp.Permit.ID, owner, r.ClientID)
			}
			seen[sp.Permit.ID] = r.ClientID
		}
	}
	return nil
}
