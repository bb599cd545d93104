// Package report assembles the three per-client artifacts handed to the
// external deliverer and enforces the pre-delivery contact-phone gate:
// every row reaching the
// deliverer must carry a non-empty phone in at least one recognized
// contact field.
package report

import (
	"github.com/permitpipeline/permitengine/pkg/matcher"
	"github.com/permitpipeline/permitengine/pkg/permit"
)

// Row is a single delivered permit with its resolved contact phone
// attached, so the deliverer never has to re-derive it from the raw
// field priority order.
type Row struct {
	Permit       permit.Permit
	ContactPhone string
	Score        float64 // zero for inclusion/exclusion rows, which carry no _rag_score
	ExcludeReason string // empty for inclusion/semantic rows
}

// ClientReport is the {inclusion, exclusion, semantic} triple for one
// client, gated and ready for the deliverer.
type ClientReport struct {
	ClientID  int64
	Inclusion []Row
	Exclusion []Row
	Semantic  []Row
}

// Build assembles a ClientReport from a matcher.Result, applying the
// contact-phone gate to each of the three sets independently. A row
// lacking any recognized contact field is dropped silently: the gate is
// a hard pre-delivery filter, not an error condition.
func Build(result matcher.Result) ClientReport {
	return ClientReport{
		ClientID:  result.ClientID,
		Inclusion: gateInclusion(result.Inclusion),
		Exclusion: gateExclusion(result.Exclusion),
		Semantic:  gateSemantic(result.Semantic),
	}
}

func gateInclusion(permits []permit.Permit) []Row {
	out := make([]Row, 0, len(permits))
	for _, p := range permits {
		if phone := permit.ContactPhone(&p); phone != "" {
			out = append(out, Row{Permit: p, ContactPhone: phone})
		}
	}
	return out
}

func gateExclusion(rows []matcher.ExclusionRow) []Row {
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if phone := permit.ContactPhone(&r.Permit); phone != "" {
			out = append(out, Row{Permit: r.Permit, ContactPhone: phone, ExcludeReason: r.Reason})
		}
	}
	return out
}

func gateSemantic(rows []matcher.ScoredPermit) []Row {
	out := make([]Row, 0, len(rows))
	for _, sp := range rows {
		if phone := permit.ContactPhone(&sp.Permit); phone != "" {
			out = append(out, Row{Permit: sp.Permit, ContactPhone: phone, Score: sp.Score})
		}
	}
	return out
}

// TotalRows returns the combined row count across all three sets in
// reports, used by the orchestrator's zero-result check that decides
// whether to run the relaxed second pass.
func TotalRows(reports []ClientReport) int {
	total := 0
	for _, r := range reports {
		total += len(r.Inclusion) + len(r.Exclusion) + len(r.Semantic)
	}
	return total
}
