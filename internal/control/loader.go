package control

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Corpus is a loaded set of control objectives in file order.
type Corpus struct {
	Path       string
	Hash       string // "sha256:<hex>" of the file bytes
	Source     Source
	Objectives []Objective
}

// IDs returns the objective ids in corpus order.
func (c *Corpus) IDs() []string {
	ids := make([]string, len(c.Objectives))
	for i, o := range c.Objectives {
		ids[i] = o.ID
	}
	return ids
}

// Select narrows the corpus to the objectives named in ids, keeping corpus
// order. It fails without modifying c if any id is unknown. An empty ids
// keeps every objective.
func (c *Corpus) Select(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			want[id] = true
		}
	}
	if len(want) == 0 {
		return nil
	}
	var kept []Objective
	for _, o := range c.Objectives {
		if want[o.ID] {
			kept = append(kept, o)
			delete(want, o.ID)
		}
	}
	if len(want) > 0 {
		unknown := make([]string, 0, len(want))
		for id := range want {
			unknown = append(unknown, id)
		}
		sort.Strings(unknown)
		return fmt.Errorf("unknown control id(s) in %s: %s", c.Path, strings.Join(unknown, ", "))
	}
	c.Objectives = kept
	return nil
}

// csvColumns maps accepted CSV header names to objective fields. The L2
// aliases match the spreadsheet export used by control owners.
var csvColumns = map[string]string{
	"id":                       "id",
	"control_id":               "id",
	"l2 control id":            "id",
	"text":                     "text",
	"objective":                "text",
	"l2 control activity":      "text",
	"policy statement wording": "text",
	"section_ref":              "section_ref",
	"section":                  "section_ref",
	"theme":                    "section_ref",
	"title":                    "title",
	"l2 control title":         "title",
	"l1_id":                    "l1_id",
	"l1 control id":            "l1_id",
	"l1_title":                 "l1_title",
	"l1 control title":         "l1_title",
}

// Load reads a corpus file and stamps every objective with source. The format
// is chosen by extension: .json, .yaml/.yml or .csv.
func Load(path string, source Source) (*Corpus, error) {
	if !source.IsValid() {
		return nil, fmt.Errorf("unknown control source %q", source)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading corpus file: %w", err)
	}

	var objs []Objective
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		objs, err = decodeJSON(data)
	case ".yaml", ".yml":
		objs, err = decodeYAML(data)
	case ".csv":
		objs, err = decodeCSV(data)
	default:
		return nil, fmt.Errorf("unsupported corpus format %q: expected .json, .yaml or .csv", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	for i := range objs {
		objs[i].Source = source
		objs[i].ID = strings.TrimSpace(objs[i].ID)
		objs[i].Text = strings.TrimSpace(objs[i].Text)
		objs[i].SectionRef = strings.TrimSpace(objs[i].SectionRef)
	}
	if err := checkObjectives(objs); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	sum := sha256.Sum256(data)
	return &Corpus{
		Path:       path,
		Hash:       fmt.Sprintf("sha256:%x", sum),
		Source:     source,
		Objectives: objs,
	}, nil
}

func checkObjectives(objs []Objective) error {
	seen := make(map[string]int, len(objs))
	for i, o := range objs {
		if o.ID == "" {
			return fmt.Errorf("objective[%d]: id is required", i)
		}
		// "->" joins the two ids of a candidate match.
		if strings.Contains(o.ID, "->") {
			return fmt.Errorf("objective %q: id must not contain \"->\"", o.ID)
		}
		if o.Text == "" {
			return fmt.Errorf("objective %q: text is required", o.ID)
		}
		if prev, ok := seen[o.ID]; ok {
			return fmt.Errorf("objective %q: duplicate id (first seen at index %d)", o.ID, prev)
		}
		seen[o.ID] = i
	}
	return nil
}

func decodeJSON(data []byte) ([]Objective, error) {
	var objs []Objective
	if err := json.Unmarshal(data, &objs); err != nil {
		return nil, err
	}
	return objs, nil
}

func decodeYAML(data []byte) ([]Objective, error) {
	var objs []Objective
	if err := yaml.Unmarshal(data, &objs); err != nil {
		return nil, err
	}
	return objs, nil
}

func decodeCSV(data []byte) ([]Objective, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading header: %w", err)
	}
	cols := make(map[string]int)
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if field, ok := csvColumns[name]; ok {
			if _, dup := cols[field]; !dup {
				cols[field] = i
			}
		}
	}
	if _, ok := cols["id"]; !ok {
		return nil, errors.New("csv header has no id column")
	}
	if _, ok := cols["text"]; !ok {
		return nil, errors.New("csv header has no text column")
	}

	get := func(rec []string, field string) string {
		i, ok := cols[field]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	var objs []Objective
	for line := 2; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if strings.TrimSpace(strings.Join(rec, "")) == "" {
			continue
		}
		objs = append(objs, Objective{
			ID:         get(rec, "id"),
			Text:       get(rec, "text"),
			SectionRef: get(rec, "section_ref"),
			Title:      get(rec, "title"),
			L1ID:       get(rec, "l1_id"),
			L1Title:    get(rec, "l1_title"),
		})
	}
	return objs, nil
}
