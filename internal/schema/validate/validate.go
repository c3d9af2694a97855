package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/finos-labs/regmatch/internal/schema"
)

// ErrMalformedModelOutput is returned when a model response cannot be turned
// into an assessment by either the strict or the lenient pass.
var ErrMalformedModelOutput = errors.New("malformed model output")

// Keys of the tagged JSON object, in the order the prompt lists them.
const (
	KeyMatchType       = "Match Type"
	KeyRationale       = "Matching Rationale"
	KeyConsiderations  = "Regulatory Compliance Considerations"
	KeyRecommendations = "Comments & Recommendations"
)

var requiredKeys = []string{KeyMatchType, KeyRationale, KeyConsiderations, KeyRecommendations}

// Pass records which parse pass produced an assessment.
type Pass string

const (
	PassStrict  Pass = "strict"
	PassLenient Pass = "lenient"
)

var (
	fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n(.*?)```")
)

// Parse extracts the tagged JSON block from a model response and validates it.
// The chain is: strict JSON parse, then a lenient repair pass, then failure.
// Every error wraps ErrMalformedModelOutput.
func Parse(raw string) (*schema.Assessment, Pass, error) {
	block, err := extractBlock(raw)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrMalformedModelOutput, err)
	}

	pass := PassStrict
	fields, strictErr := decodeStrict(block)
	if strictErr != nil {
		var lenientErr error
		fields, lenientErr = decodeStrict(repair(block))
		if lenientErr != nil {
			return nil, "", fmt.Errorf("%w: JSON parse failed: %v", ErrMalformedModelOutput, strictErr)
		}
		pass = PassLenient
	}

	a, err := validateFields(fields)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrMalformedModelOutput, err)
	}
	return a, pass, nil
}

// extractBlock returns the JSON text of the last <json> block, falling back to
// a fenced code block and finally to the outermost braces.
func extractBlock(raw string) (string, error) {
	if blocks := taggedBlocks(raw); len(blocks) > 0 {
		return strings.TrimSpace(stripFences(blocks[len(blocks)-1])), nil
	}
	if m := fencePattern.FindAllStringSubmatch(raw, -1); len(m) > 0 {
		return strings.TrimSpace(m[len(m)-1][1]), nil
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1], nil
	}
	return "", errors.New("no tagged JSON block found")
}

const (
	openTag  = "<json>"
	closeTag = "</json>"
)

// taggedBlocks returns the contents of every <json> block in raw. A closing
// tag quoted inside a JSON string does not end the block. An unclosed block
// runs to the end of raw.
func taggedBlocks(raw string) []string {
	var blocks []string
	for i := 0; i < len(raw); {
		start := indexFold(raw, openTag, i)
		if start < 0 {
			break
		}
		start += len(openTag)
		end := closingTag(raw, start)
		blocks = append(blocks, raw[start:end])
		i = end + len(closeTag)
	}
	return blocks
}

// closingTag returns the offset of the </json> tag that closes a block
// starting at start, skipping tags inside JSON strings. When the string
// scan finds none (an unbalanced quote), the first tag of any kind is used.
func closingTag(raw string, start int) int {
	inString, escaped := false, false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			continue
		}
		if hasPrefixFold(raw[i:], closeTag) {
			return i
		}
	}
	if end := indexFold(raw, closeTag, start); end >= 0 {
		return end
	}
	return len(raw)
}

func indexFold(s, substr string, from int) int {
	for i := from; i+len(substr) <= len(s); i++ {
		if hasPrefixFold(s[i:], substr) {
			return i
		}
	}
	return -1
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// stripFences removes leading/trailing markdown code fences (```json ... ``` or ``` ... ```).
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		idx := strings.Index(s, "\n")
		if idx >= 0 {
			s = s[idx+1:]
		}
	}
	if strings.HasSuffix(s, "```") {
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}

func decodeStrict(block string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(block))
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON object")
	}
	if fields == nil {
		return nil, errors.New("JSON value is not an object")
	}
	return fields, nil
}

// repair fixes the formatting slips models are known to make: trailing commas
// before a closing bracket, raw control characters and typographic quotes
// used as string delimiters. String contents are left alone apart from
// control characters, which become spaces.
func repair(block string) string {
	var out bytes.Buffer
	out.Grow(len(block))
	inString, escaped := false, false
	for i := 0; i < len(block); i++ {
		c := block[i]
		if inString {
			if !escaped {
				if n := smartQuoteAt(block, i); n > 0 && delimitsNext(block[i+n:]) {
					out.WriteByte('"')
					inString = false
					i += n - 1
					continue
				}
			}
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			case c < 0x20 || c == 0x7f:
				out.WriteByte(' ')
				continue
			}
			out.WriteByte(c)
			continue
		}
		if n := smartQuoteAt(block, i); n > 0 {
			out.WriteByte('"')
			inString = true
			i += n - 1
			continue
		}
		switch {
		case c == '"':
			inString = true
		case c == ',' && closesNext(block[i+1:]):
			continue
		case c < 0x20 && c != '\n' && c != '\t' && c != '\r', c == 0x7f:
			continue
		}
		out.WriteByte(c)
	}
	return out.String()
}

var smartQuotes = []string{"\u201c", "\u201d", "\u201e"}

// smartQuoteAt returns the byte length of the typographic double quote that
// starts at s[i], or 0.
func smartQuoteAt(s string, i int) int {
	for _, q := range smartQuotes {
		if strings.HasPrefix(s[i:], q) {
			return len(q)
		}
	}
	return 0
}

// delimitsNext reports whether the next non-space byte in s can follow a
// closing string quote.
func delimitsNext(s string) bool {
	t := strings.TrimLeft(s, " \t\r\n")
	return t == "" || strings.ContainsRune(":,}]", rune(t[0]))
}

// closesNext reports whether the next non-space byte in s closes an object or array.
func closesNext(s string) bool {
	t := strings.TrimLeft(s, " \t\r\n")
	return t == "" || t[0] == '}' || t[0] == ']'
}

func validateFields(fields map[string]any) (*schema.Assessment, error) {
	values := make(map[string]string, len(requiredKeys))
	for _, key := range requiredKeys {
		v, ok := fields[key]
		if !ok {
			return nil, fmt.Errorf("missing key %q", key)
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("key %q: expected a string, got %T", key, v)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, fmt.Errorf("key %q: value is empty", key)
		}
		values[key] = s
	}
	if len(fields) != len(requiredKeys) {
		for k := range fields {
			if !isRequiredKey(k) {
				return nil, fmt.Errorf("unexpected key %q", k)
			}
		}
	}

	mt, ok := schema.MatchTypeFromLiteral(values[KeyMatchType])
	if !ok {
		return nil, fmt.Errorf("invalid match type %q (must be %q or %q)",
			values[KeyMatchType], schema.LiteralComplete, schema.LiteralPartial)
	}
	return &schema.Assessment{
		MatchType:                mt,
		Rationale:                values[KeyRationale],
		RegulatoryConsiderations: values[KeyConsiderations],
		Recommendations:          values[KeyRecommendations],
	}, nil
}

func isRequiredKey(k string) bool {
	for _, r := range requiredKeys {
		if k == r {
			return true
		}
	}
	return false
}

// taggedObject fixes the key order of the encoded JSON block.
type taggedObject struct {
	MatchType       string `json:"Match Type"`
	Rationale       string `json:"Matching Rationale"`
	Considerations  string `json:"Regulatory Compliance Considerations"`
	Recommendations string `json:"Comments & Recommendations"`
}

// Encode renders an assessment as the tagged JSON block the prompt asks for.
// Parse(Encode(a)) yields a.
func Encode(a schema.Assessment) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	// Encoding a struct of strings cannot fail.
	_ = enc.Encode(taggedObject{
		MatchType:       a.MatchType.Literal(),
		Rationale:       a.Rationale,
		Considerations:  a.RegulatoryConsiderations,
		Recommendations: a.Recommendations,
	})
	return "<json>\n" + strings.TrimSpace(buf.String()) + "\n</json>"
}

// FormatResponse renders a complete response in the shape the prompt asks
// for: the labeled plain-language block followed by the tagged JSON.
func FormatResponse(a schema.Assessment) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s\n", KeyMatchType, a.MatchType.Literal())
	fmt.Fprintf(&sb, "%s: %s\n", KeyRationale, a.Rationale)
	fmt.Fprintf(&sb, "%s: %s\n", KeyConsiderations, a.RegulatoryConsiderations)
	fmt.Fprintf(&sb, "%s: %s\n\n", KeyRecommendations, a.Recommendations)
	sb.WriteString(Encode(a))
	return sb.String()
}
