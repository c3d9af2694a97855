// Package report assembles the per-pair classification results into the
// match report. Assembly is deterministic: the same inputs always produce
// the same report.
package report

import (
	"sort"

	"github.com/finos-labs/regmatch/internal/control"
	"github.com/finos-labs/regmatch/internal/schema"
)

// Outcome is what retrieval produced for one internal control.
type Outcome struct {
	Control    control.Objective
	Candidates []schema.CandidateMatch
	Err        error
}

// Assemble builds a report. outcomes must be in ingestion order; regulatory
// is the indexed corpus in insertion order and supplies tie-break order and
// section references. Every candidate must have exactly one verdict or
// failure; a candidate with neither is recorded as FAILED.
func Assemble(meta schema.Meta, outcomes []Outcome, verdicts []schema.Verdict, failures []schema.Failure, regulatory []control.Objective) *schema.Report {
	byVerdict := make(map[string]schema.Verdict, len(verdicts))
	for _, v := range verdicts {
		byVerdict[v.CandidateMatchID] = v
	}
	byFailure := make(map[string]schema.Failure, len(failures))
	for _, f := range failures {
		byFailure[f.CandidateMatchID] = f
	}
	regOrder := make(map[string]int, len(regulatory))
	regSection := make(map[string]string, len(regulatory))
	for i, r := range regulatory {
		regOrder[r.ID] = i
		regSection[r.ID] = r.SectionRef
	}

	entries := make([]schema.Entry, 0, len(outcomes))
	for _, o := range outcomes {
		e := schema.Entry{
			InternalControlID: o.Control.ID,
			Title:             o.Control.Title,
			L1ID:              o.Control.L1ID,
			L1Title:           o.Control.L1Title,
			SectionRef:        o.Control.SectionRef,
			Candidates:        []schema.Candidate{},
		}
		if o.Err != nil {
			e.Status = schema.StatusUnmatched
			e.Error = o.Err.Error()
			entries = append(entries, e)
			continue
		}

		matches := append([]schema.CandidateMatch(nil), o.Candidates...)
		sort.SliceStable(matches, func(i, j int) bool {
			if matches[i].SimilarityScore != matches[j].SimilarityScore {
				return matches[i].SimilarityScore > matches[j].SimilarityScore
			}
			return order(regOrder, matches[i].RegulatoryControlID) < order(regOrder, matches[j].RegulatoryControlID)
		})

		classified := false
		for _, m := range matches {
			c := schema.Candidate{
				CandidateMatchID:    m.ID,
				RegulatoryControlID: m.RegulatoryControlID,
				RegulatorySection:   regSection[m.RegulatoryControlID],
				SimilarityScore:     m.SimilarityScore,
			}
			if v, ok := byVerdict[m.ID]; ok {
				c.Status = candidateStatus(v.MatchType)
				c.MatchType = v.MatchType
				c.Rationale = v.Rationale
				c.RegulatoryConsiderations = v.RegulatoryConsiderations
				c.Recommendations = v.Recommendations
				c.RawModelOutput = v.RawModelOutput
				c.Attempts = v.Attempts
				classified = true
			} else if f, ok := byFailure[m.ID]; ok {
				c.Status = schema.CandidateFailed
				c.RawModelOutput = f.RawModelOutput
				c.Attempts = f.Attempts
				if f.Err != nil {
					c.Error = f.Err.Error()
				}
			} else {
				c.Status = schema.CandidateFailed
				c.Error = "not classified"
			}
			e.Candidates = append(e.Candidates, c)
		}

		switch {
		case classified:
			e.Status = schema.StatusMatched
		case len(matches) > 0:
			e.Status = schema.StatusFailed
		default:
			e.Status = schema.StatusUnmatched
		}
		entries = append(entries, e)
	}

	return &schema.Report{
		Meta:     meta,
		Summary:  Summarize(entries),
		Sections: Sections(entries),
		Entries:  entries,
	}
}

// order returns the regulatory insertion position of id; unknown ids sort last.
func order(regOrder map[string]int, id string) int {
	if i, ok := regOrder[id]; ok {
		return i
	}
	return len(regOrder)
}

func candidateStatus(m schema.MatchType) schema.CandidateStatus {
	if m == schema.MatchComplete {
		return schema.CandidateComplete
	}
	return schema.CandidatePartial
}

// Summarize counts complete, partial and failed candidate pairs and
// unmatched controls.
func Summarize(entries []schema.Entry) schema.Summary {
	s := schema.Summary{Controls: len(entries)}
	for _, e := range entries {
		if e.Status == schema.StatusUnmatched {
			s.Unmatched++
		}
		for _, c := range e.Candidates {
			switch c.Status {
			case schema.CandidateComplete:
				s.Complete++
			case schema.CandidatePartial:
				s.Partial++
			case schema.CandidateFailed:
				s.Failed++
			}
		}
	}
	return s
}

// Sections groups entries by section_ref in order of first appearance.
// It returns nil when no entry carries a section_ref.
func Sections(entries []schema.Entry) []schema.SectionSummary {
	hasRef := false
	for _, e := range entries {
		if e.SectionRef != "" {
			hasRef = true
			break
		}
	}
	if !hasRef {
		return nil
	}

	var (
		out []schema.SectionSummary
		pos = map[string]int{}
	)
	for _, e := range entries {
		i, ok := pos[e.SectionRef]
		if !ok {
			i = len(out)
			pos[e.SectionRef] = i
			out = append(out, schema.SectionSummary{Section: e.SectionRef})
		}
		out[i].ControlIDs = append(out[i].ControlIDs, e.InternalControlID)
	}
	for i := range out {
		var members []schema.Entry
		for _, e := range entries {
			if e.SectionRef == out[i].Section {
				members = append(members, e)
			}
		}
		out[i].Summary = Summarize(members)
	}
	return out
}

// FailOn levels accepted by Exceeds.
const (
	FailOnUnmatched = "unmatched"
	FailOnPartial   = "partial"
	FailOnFailed    = "failed"
)

// Exceeds reports whether s contains a gap at or above level. "failed"
// trips on any FAILED pair; "unmatched" also on any unmatched control;
// "partial" also on any partial match. An empty level never trips.
func Exceeds(s schema.Summary, level string) bool {
	switch level {
	case FailOnFailed:
		return s.Failed > 0
	case FailOnUnmatched:
		return s.Failed > 0 || s.Unmatched > 0
	case FailOnPartial:
		return s.Failed > 0 || s.Unmatched > 0 || s.Partial > 0
	}
	return false
}
