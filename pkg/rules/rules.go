// Package rules holds the single keyword table used for location lookup,
// topical matching and message suspicion scoring.
package rules

import (
	"fmt"
	"io"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/OFFIS-RIT/corvid/backend/pkg/common"
)

// Category groups rules by what a hit means.
type Category string

const (
	// CategoryLocation rules are gazetteer synonym-sets. Name is the
	// canonical place, Pattern lists its spellings.
	CategoryLocation Category = "location"
	// CategoryTopic rules are topical keywords (drone terms).
	CategoryTopic Category = "topic"
	// CategorySuspicion rules only feed the suspicion score.
	CategorySuspicion Category = "suspicion"
)

// Rule is one row of the table. Pattern is a regular expression matched
// case-insensitively on letter boundaries.
type Rule struct {
	Name     string   `yaml:"name" json:"name"`
	Pattern  string   `yaml:"pattern" json:"pattern"`
	Weight   float64  `yaml:"weight" json:"weight"`
	Category Category `yaml:"category" json:"category"`

	re *regexp.Regexp
}

// Table is a compiled, immutable rule set. It is safe for concurrent use.
type Table struct {
	rules []Rule
}

// NewTable compiles rules. Rules are matched in the order given.
func NewTable(rules []Rule) (*Table, error) {
	t := &Table{rules: make([]Rule, 0, len(rules))}
	for i, r := range rules {
		if r.Name == "" || r.Pattern == "" {
			return nil, fmt.Errorf("rule %d: name and pattern are required: %w", i, common.ErrMalformedInput)
		}
		switch r.Category {
		case CategoryLocation, CategoryTopic, CategorySuspicion:
		default:
			return nil, fmt.Errorf("rule %q: unknown category %q: %w", r.Name, r.Category, common.ErrMalformedInput)
		}
		// Go's \b only knows ASCII word characters, so boundaries are spelled
		// out against unicode letters and digits.
		re, err := regexp.Compile(`(?i)(?:^|[^\p{L}\p{N}])(?:` + r.Pattern + `)(?:$|[^\p{L}\p{N}])`)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		r.re = re
		t.rules = append(t.rules, r)
	}
	return t, nil
}

// MustTable is NewTable for static rule sets.
func MustTable(rules []Rule) *Table {
	t, err := NewTable(rules)
	if err != nil {
		panic(err)
	}
	return t
}

type tableFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadTable reads a YAML document of the form `rules: [{name, pattern, weight, category}]`.
func LoadTable(r io.Reader) (*Table, error) {
	var f tableFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode rule table: %w", err)
	}
	if len(f.Rules) == 0 {
		return nil, fmt.Errorf("rule table is empty: %w", common.ErrMalformedInput)
	}
	return NewTable(f.Rules)
}

// Rules returns a copy of the rule rows.
func (t *Table) Rules() []Rule {
	return slices.Clone(t.rules)
}

// Names returns the distinct rule names of the category, sorted.
func (t *Table) Names(cat Category) []string {
	var out []string
	for _, r := range t.rules {
		if r.Category == cat {
			out = append(out, r.Name)
		}
	}
	out = common.DedupeStrings(out)
	slices.Sort(out)
	return out
}

// Hit is a matched rule.
type Hit struct {
	Name     string
	Category Category
	Weight   float64
}

// Score is the result of running the table over one text.
type Score struct {
	Hits []Hit
}

// Score matches every rule against text. Several rules with the same name
// count as one hit, carrying the largest weight.
func (t *Table) Score(text string) Score {
	if strings.TrimSpace(text) == "" {
		return Score{}
	}
	idx := map[string]int{}
	var s Score
	for _, r := range t.rules {
		if !r.re.MatchString(text) {
			continue
		}
		key := string(r.Category) + "/" + r.Name
		if i, ok := idx[key]; ok {
			s.Hits[i].Weight = max(s.Hits[i].Weight, r.Weight)
			continue
		}
		idx[key] = len(s.Hits)
		s.Hits = append(s.Hits, Hit{Name: r.Name, Category: r.Category, Weight: r.Weight})
	}
	return s
}

// Names returns the distinct names hit in the category, sorted.
func (s Score) Names(cat Category) []string {
	var out []string
	for _, h := range s.Hits {
		if h.Category == cat {
			out = append(out, h.Name)
		}
	}
	slices.Sort(out)
	return out
}

// Count returns the number of distinct hits in the category.
func (s Score) Count(cat Category) int {
	n := 0
	for _, h := range s.Hits {
		if h.Category == cat {
			n++
		}
	}
	return n
}

// Suspicion is the sum of all hit weights, clamped to [0,1].
func (s Score) Suspicion() float64 {
	total := 0.0
	for _, h := range s.Hits {
		total += h.Weight
	}
	return common.Clamp01(total)
}

// Annotation converts the score into the message annotation that is written
// back to the repository. Matched keywords are the topical and suspicion hits.
func (s Score) Annotation() common.Annotation {
	kws := append(s.Names(CategoryTopic), s.Names(CategorySuspicion)...)
	return common.Annotation{
		SuspicionScore:  s.Suspicion(),
		MatchedKeywords: common.DedupeStrings(kws),
	}
}
