package schema

import "time"

// Report is the match report: the single artifact produced by a run.
type Report struct {
	Tool     string           `json:"tool"`
	Version  string           `json:"version"`
	Meta     Meta             `json:"meta"`
	Summary  Summary          `json:"summary"`
	Sections []SectionSummary `json:"sections"`
	Entries  []Entry          `json:"entries"`
}

// Meta captures run parameters and provenance.
type Meta struct {
	RunID          string    `json:"run_id"`
	InternalFile   string    `json:"internal_file,omitempty"`
	InternalHash   string    `json:"internal_hash,omitempty"`
	RegulatoryFile string    `json:"regulatory_file,omitempty"`
	RegulatoryHash string    `json:"regulatory_hash,omitempty"`
	Generator      string    `json:"generator"`
	Embedder       string    `json:"embedder"`
	TopK           int       `json:"top_k"`
	MinSimilarity  float64   `json:"min_similarity"`
	MaxRetries     int       `json:"max_retries"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	// SkippedRegulatory lists regulatory controls that could not be indexed.
	SkippedRegulatory []string `json:"skipped_regulatory,omitempty"`
}

// Summary holds aggregate counts. Complete, Partial and Failed count
// candidate pairs; Unmatched counts internal controls.
type Summary struct {
	Controls  int `json:"controls"`
	Complete  int `json:"complete"`
	Partial   int `json:"partial"`
	Unmatched int `json:"unmatched"`
	Failed    int `json:"failed"`
}

// SectionSummary holds the counts for one section_ref of the internal corpus.
// Controls without a section_ref are grouped under an empty Section.
type SectionSummary struct {
	Section    string   `json:"section"`
	ControlIDs []string `json:"control_ids"`
	Summary
}

// MatchType is the classified alignment of a candidate pair.
type MatchType string

const (
	MatchComplete MatchType = "COMPLETE"
	MatchPartial  MatchType = "PARTIAL"
)

// Literal values the model must emit in the "Match Type" field.
const (
	LiteralComplete = "Complete Match"
	LiteralPartial  = "Partial Match"
)

// MatchTypeFromLiteral maps a model literal to a MatchType. Anything other
// than the two exact literals is rejected.
func MatchTypeFromLiteral(s string) (MatchType, bool) {
	switch s {
	case LiteralComplete:
		return MatchComplete, true
	case LiteralPartial:
		return MatchPartial, true
	}
	return "", false
}

// Literal returns the model-facing literal for m.
func (m MatchType) Literal() string {
	switch m {
	case MatchComplete:
		return LiteralComplete
	case MatchPartial:
		return LiteralPartial
	}
	return string(m)
}

// ControlStatus is the outcome for one internal control.
type ControlStatus string

const (
	StatusMatched   ControlStatus = "MATCHED"
	StatusUnmatched ControlStatus = "UNMATCHED"
	StatusFailed    ControlStatus = "FAILED"
)

// CandidateStatus is the outcome for one candidate pair.
type CandidateStatus string

const (
	CandidateComplete CandidateStatus = "COMPLETE"
	CandidatePartial  CandidateStatus = "PARTIAL"
	CandidateFailed   CandidateStatus = "FAILED"
)

// Entry is the report record for one internal control.
type Entry struct {
	InternalControlID string        `json:"internal_control_id"`
	Title             string        `json:"title,omitempty"`
	L1ID              string        `json:"l1_id,omitempty"`
	L1Title           string        `json:"l1_title,omitempty"`
	SectionRef        string        `json:"section_ref,omitempty"`
	Status            ControlStatus `json:"status"`
	Error             string        `json:"error,omitempty"`
	Candidates        []Candidate   `json:"candidates"`
}

// Candidate is the report record for one candidate pair, successful or not.
type Candidate struct {
	CandidateMatchID         string          `json:"candidate_match_id"`
	RegulatoryControlID      string          `json:"regulatory_control_id"`
	RegulatorySection        string          `json:"regulatory_section,omitempty"`
	SimilarityScore          float64         `json:"similarity_score"`
	Status                   CandidateStatus `json:"status"`
	MatchType                MatchType       `json:"match_type,omitempty"`
	Rationale                string          `json:"rationale,omitempty"`
	RegulatoryConsiderations string          `json:"regulatory_considerations,omitempty"`
	Recommendations          string          `json:"recommendations,omitempty"`
	RawModelOutput           string          `json:"raw_model_output,omitempty"`
	Attempts                 int             `json:"attempts,omitempty"`
	Error                    string          `json:"error,omitempty"`
}

// CandidateMatch is a retrieved (internal, regulatory) pair.
type CandidateMatch struct {
	ID                  string
	InternalControlID   string
	RegulatoryControlID string
	SimilarityScore     float64
}

// CandidateMatchID returns the deterministic id of a candidate pair.
func CandidateMatchID(internalID, regulatoryID string) string {
	return internalID + "->" + regulatoryID
}

// Assessment holds the four fields of a model verdict.
type Assessment struct {
	MatchType                MatchType
	Rationale                string
	RegulatoryConsiderations string
	Recommendations          string
}

// Verdict is a successfully classified candidate pair.
type Verdict struct {
	CandidateMatchID string
	Assessment
	RawModelOutput string
	Attempts       int
}

// Failure is a candidate pair that could not be classified.
type Failure struct {
	CandidateMatchID string
	RawModelOutput   string
	Attempts         int
	Err              error
}
