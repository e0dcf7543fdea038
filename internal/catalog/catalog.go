// Package catalog provides the immutable component-risk reference table
// used to resolve and score complaints.
package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lg1805/icss-web-app/internal/textnorm"
)

// Score bounds accepted for severity, occurrence and detection.
const (
	MinScore = 1
	MaxScore = 10
)

// Entry is one validated component with its risk triple.
type Entry struct {
	Name       string   `json:"name"`
	Keywords   []string `json:"keywords,omitempty"`
	Severity   int      `json:"severity"`
	Occurrence int      `json:"occurrence"`
	Detection  int      `json:"detection"`
}

// RPN returns Severity × Occurrence × Detection.
func (e Entry) RPN() int {
	return e.Severity * e.Occurrence * e.Detection
}

// Terms returns the match phrases for the entry, name first.
func (e Entry) Terms() []string {
	return append([]string{e.Name}, e.Keywords...)
}

// Row is an unvalidated catalog row as read from a file or request.
// Numeric fields stay textual so malformed values can be reported.
type Row struct {
	Name       string `json:"name" yaml:"name"`
	Keywords   string `json:"keywords,omitempty" yaml:"keywords"`
	Severity   string `json:"severity" yaml:"severity"`
	Occurrence string `json:"occurrence" yaml:"occurrence"`
	Detection  string `json:"detection" yaml:"detection"`
}

// EntryError reports one rejected catalog row. The rest of the catalog is
// still built.
type EntryError struct {
	Index  int
	Name   string
	Field  string
	Reason string
}

func (e *EntryError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("catalog row %d (%q): %s", e.Index, e.Name, e.Reason)
	}
	return fmt.Sprintf("catalog row %d (%q): %s: %s", e.Index, e.Name, e.Field, e.Reason)
}

// Catalog is an ordered, read-only set of entries. Iteration order is the
// order rows were supplied in, and it is the keyword tie-break: when two
// entries both match a complaint, the one listed first wins.
type Catalog struct {
	entries  []Entry
	index    map[string]int
	matchers [][]textnorm.Matcher
}

// New validates rows and builds a Catalog from the valid ones. Each
// rejected row is returned as an *EntryError; rejection never fails the
// whole catalog. Names are unique case-insensitively, later duplicates
// are rejected.
func New(rows []Row) (*Catalog, []*EntryError) {
	c := &Catalog{index: make(map[string]int, len(rows))}
	var errs []*EntryError

	for i, row := range rows {
		e, err := validate(i, row)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		key := strings.ToLower(e.Name)
		if _, dup := c.index[key]; dup {
			errs = append(errs, &EntryError{Index: i, Name: e.Name, Reason: "duplicate component name"})
			continue
		}
		c.index[key] = len(c.entries)
		c.entries = append(c.entries, e)

		ms := make([]textnorm.Matcher, 0, 1+len(e.Keywords))
		for _, term := range e.Terms() {
			ms = append(ms, textnorm.NewMatcher(term))
		}
		c.matchers = append(c.matchers, ms)
	}
	return c, errs
}

// FromEntries builds a Catalog from typed entries, validating them the same
// way as New.
func FromEntries(entries ...Entry) (*Catalog, []*EntryError) {
	rows := make([]Row, len(entries))
	for i, e := range entries {
		rows[i] = Row{
			Name:       e.Name,
			Keywords:   strings.Join(e.Keywords, ","),
			Severity:   strconv.Itoa(e.Severity),
			Occurrence: strconv.Itoa(e.Occurrence),
			Detection:  strconv.Itoa(e.Detection),
		}
	}
	return New(rows)
}

// Len returns the number of valid entries.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Entries returns a copy of the entries in catalog order.
func (c *Catalog) Entries() []Entry {
	if c == nil {
		return nil
	}
	out := make([]Entry, len(c.entries))
	for i, e := range c.entries {
		e.Keywords = append([]string(nil), e.Keywords...)
		out[i] = e
	}
	return out
}

// Lookup finds an entry by name, case-insensitively.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	i, ok := c.index[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// Match returns the first entry, in catalog order, whose name or any
// keyword occurs as a whole word in the lowered text.
func (c *Catalog) Match(loweredText string) (Entry, bool) {
	if c == nil {
		return Entry{}, false
	}
	for i, ms := range c.matchers {
		for _, m := range ms {
			if m.Match(loweredText) {
				return c.entries[i], true
			}
		}
	}
	return Entry{}, false
}

func validate(i int, row Row) (Entry, *EntryError) {
	name := strings.TrimSpace(row.Name)
	if name == "" {
		return Entry{}, &EntryError{Index: i, Field: "name", Reason: "empty component name"}
	}

	e := Entry{Name: name}
	for _, kw := range strings.Split(row.Keywords, ",") {
		kw = strings.TrimSpace(kw)
		if kw != "" && !strings.EqualFold(kw, name) {
			e.Keywords = append(e.Keywords, kw)
		}
	}

	fields := []struct {
		name string
		raw  string
		dst  *int
	}{
		{"severity", row.Severity, &e.Severity},
		{"occurrence", row.Occurrence, &e.Occurrence},
		{"detection", row.Detection, &e.Detection},
	}
	for _, f := range fields {
		v, err := parseScore(f.raw)
		if err != nil {
			return Entry{}, &EntryError{Index: i, Name: name, Field: f.name, Reason: err.Error()}
		}
		*f.dst = v
	}
	return e, nil
}

func parseScore(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("missing value")
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		// spreadsheets export integers as "9.0"
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || f != float64(int(f)) {
			return 0, fmt.Errorf("non-numeric value %q", raw)
		}
		v = int(f)
	}
	if v < MinScore || v > MaxScore {
		return 0, fmt.Errorf("value %d out of range %d..%d", v, MinScore, MaxScore)
	}
	return v, nil
}
