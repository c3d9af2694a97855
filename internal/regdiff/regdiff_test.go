package regdiff

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/finos-labs/regmatch/internal/gateway"
)

const doraV1 = `REGULATION (EU) on digital operational resilience

CHAPTER I
General provisions

Article 1
Subject matter
This Regulation lays down uniform requirements.

CHAPTER III
ICT-related incident management

Article 17
ICT-related incident management process
Financial entities shall define an incident management process.

Article 18
Classification of incidents
Entities shall classify incidents and report major incidents within 24 hours.

Article 19
Voluntary notification
Entities may notify significant cyber threats.
`

const doraV2 = `REGULATION (EU) on digital operational resilience

CHAPTER I
General provisions

Article 1
Subject matter
This Regulation lays down uniform requirements.

CHAPTER III
ICT-related incident management

Article 17
ICT-related incident management process
Financial entities shall define an incident management process.

Article 18
Classification of ICT-related incidents and cyber threats
Entities shall classify ICT-related incidents based on materiality and report major incidents within 4 hours.

Article 20
Harmonisation of reporting content
The ESAs shall develop common draft regulatory technical standards.
`

func TestSplit(t *testing.T) {
	secs := Split(doraV1)
	var keys []string
	for _, s := range secs {
		keys = append(keys, s.Key)
	}
	want := []string{
		"preamble",
		"CHAPTER I",
		"CHAPTER I / Article 1",
		"CHAPTER III",
		"CHAPTER III / Article 17",
		"CHAPTER III / Article 18",
		"CHAPTER III / Article 19",
	}
	if strings.Join(keys, "|") != strings.Join(want, "|") {
		t.Errorf("keys = %v\nwant  %v", keys, want)
	}
	if secs[5].Heading != "Article 18" {
		t.Errorf("heading = %q", secs[5].Heading)
	}
	if !strings.Contains(secs[5].Body, "within 24 hours") {
		t.Errorf("body = %q", secs[5].Body)
	}
}

func TestSplit_NoHeadings(t *testing.T) {
	secs := Split("just some text\r\nwith CRLF   \r\n")
	if len(secs) != 1 || secs[0].Key != "preamble" {
		t.Fatalf("sections = %+v", secs)
	}
	if strings.Contains(secs[0].Body, "\r") || strings.HasSuffix(secs[0].Body, " ") {
		t.Errorf("body not normalized: %q", secs[0].Body)
	}
}

func TestCompare(t *testing.T) {
	res := Compare(doraV1, doraV2)
	if res.Added != 1 || res.Removed != 1 || res.Modified != 1 || res.Unchanged != 5 {
		t.Errorf("counts = added %d removed %d modified %d unchanged %d", res.Added, res.Removed, res.Modified, res.Unchanged)
	}

	byKey := map[string]Change{}
	for _, c := range res.Changes {
		byKey[c.Key] = c
	}
	mod := byKey["CHAPTER III / Article 18"]
	if mod.Kind != Modified {
		t.Fatalf("Article 18 kind = %s, want MODIFIED", mod.Kind)
	}
	if mod.Insertions == 0 || mod.Deletions == 0 {
		t.Errorf("expected both insertions and deletions, got +%d -%d", mod.Insertions, mod.Deletions)
	}
	if mod.Patch == "" || !strings.HasPrefix(mod.Patch, "@@") {
		t.Errorf("patch text = %q", mod.Patch)
	}
	if byKey["CHAPTER III / Article 20"].Kind != Added {
		t.Errorf("Article 20 should be ADDED")
	}
	if byKey["CHAPTER III / Article 19"].Kind != Removed {
		t.Errorf("Article 19 should be REMOVED")
	}
	if last := res.Changes[len(res.Changes)-1]; last.Key != "CHAPTER III / Article 19" {
		t.Errorf("removed sections should come last, got %s", last.Key)
	}
}

func TestCompare_ArticleReferenceInBodyIsNotAHeading(t *testing.T) {
	const v1 = `Article 5
ICT risk management
Article 5 of Directive 2022/2555 also applies.
Entities shall report major incidents within 24 hours.
`
	v2 := strings.Replace(v1, "within 24 hours", "within 4 hours", 1)

	if secs := Split(v1); len(secs) != 1 || !strings.Contains(secs[0].Body, "Directive 2022/2555") {
		t.Fatalf("sections = %+v", secs)
	}
	res := Compare(v1, v2)
	if res.Modified != 1 || res.Unchanged != 0 {
		t.Fatalf("counts = modified %d unchanged %d, want 1 and 0", res.Modified, res.Unchanged)
	}
	if res.Changes[0].Key != "Article 5" {
		t.Errorf("key = %q", res.Changes[0].Key)
	}
}

func TestSplit_RepeatedHeadingKeepsBothSections(t *testing.T) {
	text := "Article 7 - Scope\nfirst body\nArticle 7\nsecond body\n"
	secs := Split(text)
	if len(secs) != 2 {
		t.Fatalf("sections = %+v", secs)
	}
	if secs[0].Key != "Article 7" || secs[1].Key != "Article 7 (2)" {
		t.Errorf("keys = %q, %q", secs[0].Key, secs[1].Key)
	}

	res := Compare(text, strings.Replace(text, "second body", "second body, amended", 1))
	if res.Modified != 1 || res.Unchanged != 1 {
		t.Errorf("counts = modified %d unchanged %d, want 1 and 1", res.Modified, res.Unchanged)
	}
}

func TestCompare_IdenticalAndWhitespace(t *testing.T) {
	res := Compare(doraV1, strings.ReplaceAll(doraV1, "\n", "  \r\n"))
	if res.Modified != 0 || res.Added != 0 || res.Removed != 0 {
		t.Errorf("trailing whitespace and CRLF should not count as changes: %+v", res)
	}
}

func TestWritePatch(t *testing.T) {
	var buf strings.Builder
	if err := Compare(doraV1, doraV2).WritePatch(&buf); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "# patch for CHAPTER III / Article 18") {
		t.Errorf("patch missing section header: %q", out)
	}
	if strings.Contains(out, "# patch for CHAPTER III / Article 17") {
		t.Errorf("unchanged section should not get a patch")
	}
}

type recordingGenerator struct {
	mu      sync.Mutex
	prompts []string
	fail    string
}

func (g *recordingGenerator) ModelID() string { return "fake:summary" }

func (g *recordingGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	g.mu.Lock()
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()
	if g.fail != "" && strings.Contains(prompt, g.fail) {
		return "", errors.New("boom")
	}
	return "  The reporting deadline was shortened.  ", nil
}

func TestSummarize(t *testing.T) {
	res := Compare(doraV1, doraV2)
	g := &recordingGenerator{fail: "Section: CHAPTER III / Article 19"}
	s := &Summarizer{Generator: g, Policy: gateway.RetryPolicy{Attempts: 1}, Workers: 2}

	failed := s.Summarize(context.Background(), res)
	if failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if len(g.prompts) != 3 {
		t.Errorf("prompts = %d, want 3 (unchanged sections are skipped)", len(g.prompts))
	}
	for _, c := range res.Changes {
		switch {
		case c.Kind == Unchanged || c.Key == "CHAPTER III / Article 19":
			if c.Summary != "" {
				t.Errorf("%s: unexpected summary %q", c.Key, c.Summary)
			}
		default:
			if c.Summary != "The reporting deadline was shortened." {
				t.Errorf("%s: summary = %q", c.Key, c.Summary)
			}
		}
	}
}
