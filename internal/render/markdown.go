package render

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/finos-labs/regmatch/internal/schema"
)

type markdownRenderer struct{}

var mdFuncs = template.FuncMap{
	"score": func(f float64) string { return fmt.Sprintf("%.3f", f) },
	"oneline": func(s string) string {
		return strings.Join(strings.Fields(s), " ")
	},
}

var mdTemplate = template.Must(template.New("report").Funcs(mdFuncs).Parse(`# Control Match Report

**Internal controls:** {{ .Summary.Controls }}
**Complete:** {{ .Summary.Complete }} | **Partial:** {{ .Summary.Partial }} | **Unmatched:** {{ .Summary.Unmatched }} | **Failed:** {{ .Summary.Failed }}
> Note: complete, partial and failed count candidate pairs; unmatched counts controls.
{{ if .Sections }}
## Sections

| Section | Controls | Complete | Partial | Unmatched | Failed |
|---|---|---|---|---|---|
{{ range .Sections }}| {{ if .Section }}{{ .Section }}{{ else }}(none){{ end }} | {{ len .ControlIDs }} | {{ .Complete }} | {{ .Partial }} | {{ .Unmatched }} | {{ .Failed }} |
{{ end }}{{ end }}{{ if .Entries }}
---

## Controls
{{ range .Entries }}
### {{ .InternalControlID }} · {{ .Status }}{{ if .Title }} · {{ .Title }}{{ end }}
{{ if .L1ID }}*Parent:* {{ .L1ID }}{{ if .L1Title }} {{ .L1Title }}{{ end }}
{{ end }}{{ if .Error }}
> {{ oneline .Error }}
{{ end }}{{ range .Candidates }}
#### {{ .RegulatoryControlID }} · {{ .Status }} · similarity {{ score .SimilarityScore }}
{{ if .RegulatorySection }}*Section:* {{ .RegulatorySection }}
{{ end }}{{ if .Error }}
> {{ oneline .Error }}
{{ else }}
**Matching Rationale:** {{ .Rationale }}

**Regulatory Compliance Considerations:** {{ .RegulatoryConsiderations }}

**Comments & Recommendations:** {{ .Recommendations }}
{{ end }}{{ end }}{{ end }}{{ end }}{{ if .Meta.SkippedRegulatory }}
---

**Regulatory controls not indexed:** {{ range $i, $id := .Meta.SkippedRegulatory }}{{ if $i }}, {{ end }}{{ $id }}{{ end }}
{{ end }}
---
*Run: {{ .Meta.RunID }} | Generator: {{ .Meta.Generator }} | Embedder: {{ .Meta.Embedder }} | top_k: {{ .Meta.TopK }} | min_similarity: {{ .Meta.MinSimilarity }}*
`))

func (r *markdownRenderer) Render(report *schema.Report) ([]byte, error) {
	var buf bytes.Buffer
	if err := mdTemplate.Execute(&buf, report); err != nil {
		return nil, fmt.Errorf("rendering markdown: %w", err)
	}
	return buf.Bytes(), nil
}
