// Package regdiff compares two versions of a regulatory text section by
// section.
package regdiff

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Kind classifies a section-level change.
type Kind string

const (
	Added     Kind = "ADDED"
	Removed   Kind = "REMOVED"
	Modified  Kind = "MODIFIED"
	Unchanged Kind = "UNCHANGED"
)

var (
	// A heading stands on its own line, optionally followed by a separator
	// and title ("Article 5 - Scope"). "Article 5 of Directive ..." is body
	// text.
	chapterPattern = regexp.MustCompile(`(?i)^\s*CHAPTER\s+([IVXLCDM]+)(?:\s*[-–:.]\s+\S.*)?\s*$`)
	articlePattern = regexp.MustCompile(`(?i)^\s*Article\s+(\d+[a-z]?)(?:\s*[-–:.]\s+\S.*)?\s*$`)
)

// Section is one chapter preamble or article of a regulation.
type Section struct {
	Key     string // "CHAPTER II / Article 17"; stable across versions
	Heading string // first line as written
	Body    string
}

// Split cuts text at CHAPTER and Article headings. Text before the first
// heading becomes a "preamble" section. Keys use the chapter numeral and
// article number only, so a renamed article still pairs with its old
// version. A key repeated within one text gets a " (2)", " (3)" ...
// suffix so no section is lost.
func Split(text string) []Section {
	text = normalize(text)
	var (
		out     []Section
		chapter string
		cur     *Section
		body    []string
		seen    = make(map[string]int)
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Body = strings.TrimSpace(strings.Join(body, "\n"))
		if cur.Body != "" || cur.Heading != "" {
			seen[cur.Key]++
			if n := seen[cur.Key]; n > 1 {
				cur.Key = fmt.Sprintf("%s (%d)", cur.Key, n)
			}
			out = append(out, *cur)
		}
	}
	for _, line := range strings.Split(text, "\n") {
		if m := chapterPattern.FindStringSubmatch(line); m != nil {
			flush()
			chapter = "CHAPTER " + strings.ToUpper(m[1])
			cur, body = &Section{Key: chapter, Heading: strings.TrimSpace(line)}, nil
			continue
		}
		if m := articlePattern.FindStringSubmatch(line); m != nil {
			flush()
			key := "Article " + strings.ToLower(m[1])
			if chapter != "" {
				key = chapter + " / " + key
			}
			cur, body = &Section{Key: key, Heading: strings.TrimSpace(line)}, nil
			continue
		}
		if cur == nil {
			cur = &Section{Key: "preamble"}
		}
		body = append(body, line)
	}
	flush()
	return out
}

// Change describes how one section differs between versions.
type Change struct {
	Key        string `json:"key"`
	Kind       Kind   `json:"kind"`
	OldHeading string `json:"old_heading,omitempty"`
	NewHeading string `json:"new_heading,omitempty"`
	Insertions int    `json:"insertions"` // characters
	Deletions  int    `json:"deletions"`  // characters
	Patch      string `json:"patch,omitempty"`
	Summary    string `json:"summary,omitempty"`

	oldText, newText string
}

// Result is a full comparison.
type Result struct {
	Changes   []Change `json:"changes"`
	Added     int      `json:"added"`
	Removed   int      `json:"removed"`
	Modified  int      `json:"modified"`
	Unchanged int      `json:"unchanged"`
}

// Compare splits both versions and diffs each section. Changes follow the
// new version's order; removed sections follow in the old version's order.
func Compare(oldText, newText string) *Result {
	oldSecs, newSecs := Split(oldText), Split(newText)
	oldByKey := make(map[string]Section, len(oldSecs))
	for _, s := range oldSecs {
		if _, dup := oldByKey[s.Key]; !dup {
			oldByKey[s.Key] = s
		}
	}

	dmp := diffmatchpatch.New()
	res := &Result{Changes: []Change{}}
	seen := make(map[string]bool, len(newSecs))
	for _, n := range newSecs {
		if seen[n.Key] {
			continue
		}
		seen[n.Key] = true
		o, ok := oldByKey[n.Key]
		if !ok {
			c := Change{Key: n.Key, Kind: Added, NewHeading: n.Heading, Insertions: utf8.RuneCountInString(n.Body), newText: n.Body}
			res.add(c)
			continue
		}
		res.add(diffSection(dmp, o, n))
	}
	for _, o := range oldSecs {
		if seen[o.Key] {
			continue
		}
		seen[o.Key] = true
		res.add(Change{Key: o.Key, Kind: Removed, OldHeading: o.Heading, Deletions: utf8.RuneCountInString(o.Body), oldText: o.Body})
	}
	return res
}

func diffSection(dmp *diffmatchpatch.DiffMatchPatch, o, n Section) Change {
	c := Change{Key: n.Key, OldHeading: o.Heading, NewHeading: n.Heading, oldText: o.Body, newText: n.Body}
	before := o.Heading + "\n" + o.Body
	after := n.Heading + "\n" + n.Body
	if before == after {
		c.Kind = Unchanged
		return c
	}
	diffs := dmp.DiffCleanupSemantic(dmp.DiffMain(before, after, false))
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			c.Insertions += utf8.RuneCountInString(d.Text)
		case diffmatchpatch.DiffDelete:
			c.Deletions += utf8.RuneCountInString(d.Text)
		}
	}
	c.Kind = Modified
	c.Patch = dmp.PatchToText(dmp.PatchMake(before, diffs))
	return c
}

func (r *Result) add(c Change) {
	switch c.Kind {
	case Added:
		r.Added++
	case Removed:
		r.Removed++
	case Modified:
		r.Modified++
	case Unchanged:
		r.Unchanged++
	}
	r.Changes = append(r.Changes, c)
}

// WritePatch writes the diff-match-patch text of every modified section to w,
// each preceded by a "# patch for <key>" line.
func (r *Result) WritePatch(w io.Writer) error {
	for _, c := range r.Changes {
		if c.Patch == "" {
			continue
		}
		if _, err := fmt.Fprintf(w, "# patch for %s\n%s\n", c.Key, c.Patch); err != nil {
			return err
		}
	}
	return nil
}

// normalize trims trailing whitespace from each line and converts CRLF to LF.
func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}
