package render

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"

	"github.com/finos-labs/regmatch/internal/schema"
)

// csvHeader mirrors the spreadsheet reviewers work from: parent and child
// control columns first, then the four assessment fields.
var csvHeader = []string{
	"L1 Control ID", "L1 Control Title", "L2 Control ID", "L2 Control Title",
	"Section", "Status", "Regulatory Control ID", "Regulatory Section",
	"Similarity", "Match Type", "Matching Rationale",
	"Regulatory Compliance Considerations", "Comments & Recommendations", "error",
}

type csvRenderer struct{}

// Render writes one row per candidate pair and one row for each control
// without candidates.
func (r *csvRenderer) Render(report *schema.Report) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("writing csv header: %w", err)
	}
	for _, e := range report.Entries {
		base := []string{e.L1ID, e.L1Title, e.InternalControlID, e.Title, e.SectionRef}
		if len(e.Candidates) == 0 {
			row := append(append([]string{}, base...), string(e.Status), "", "", "", "", "", "", "", e.Error)
			if err := w.Write(row); err != nil {
				return nil, fmt.Errorf("writing csv row: %w", err)
			}
			continue
		}
		for _, c := range e.Candidates {
			row := append(append([]string{}, base...),
				string(c.Status),
				c.RegulatoryControlID,
				c.RegulatorySection,
				strconv.FormatFloat(c.SimilarityScore, 'f', 4, 64),
				c.MatchType.Literal(),
				c.Rationale,
				c.RegulatoryConsiderations,
				c.Recommendations,
				c.Error,
			)
			if err := w.Write(row); err != nil {
				return nil, fmt.Errorf("writing csv row: %w", err)
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flushing csv: %w", err)
	}
	return buf.Bytes(), nil
}
