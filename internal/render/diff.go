package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"github.com/finos-labs/regmatch/internal/regdiff"
)

var diffTemplate = template.Must(template.New("diff").Funcs(mdFuncs).Parse(`# Regulation Change Report

**Added:** {{ .Added }} | **Removed:** {{ .Removed }} | **Modified:** {{ .Modified }} | **Unchanged:** {{ .Unchanged }}
{{ range .Changes }}{{ if ne .Kind "UNCHANGED" }}
## {{ .Key }} · {{ .Kind }}
{{ if .NewHeading }}*Heading:* {{ oneline .NewHeading }}
{{ else if .OldHeading }}*Heading:* {{ oneline .OldHeading }}
{{ end }}
+{{ .Insertions }} / -{{ .Deletions }} characters
{{ if .Summary }}
{{ .Summary }}
{{ end }}{{ end }}{{ end }}`))

// Diff formats a regulation comparison as "json" (default) or "md".
func Diff(format string, r *regdiff.Result) ([]byte, error) {
	switch format {
	case "json", "":
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			return nil, fmt.Errorf("encoding diff: %w", err)
		}
		return buf.Bytes(), nil
	case "md":
		var buf bytes.Buffer
		if err := diffTemplate.Execute(&buf, r); err != nil {
			return nil, fmt.Errorf("rendering diff markdown: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown format %q: supported formats are json, md", format)
	}
}
