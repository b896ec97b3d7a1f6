package policy

import (
	_ "embed"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/thapasuman5202/Engineering/internal/model"
)

//go:embed clauses.yaml
var defaultClauses []byte

// maxMatchText caps the line excerpt stored with a match.
const maxMatchText = 240

// customPriority ranks clauses built from configured keywords after the
// catalogue.
const customPriority = 100

// Clause is one entry of the clause catalogue.
type Clause struct {
	ID       string   `yaml:"id"`
	Category string   `yaml:"category"`
	Priority int      `yaml:"priority"`
	Severity string   `yaml:"severity"`
	Keywords []string `yaml:"keywords"`
	Patterns []string `yaml:"patterns"`

	matchers []*regexp.Regexp
}

type catalogFile struct {
	Clauses []Clause `yaml:"clauses"`
}

// Scanner flags risk-relevant lines in a document. It is immutable and safe
// for concurrent use.
type Scanner struct {
	clauses []Clause
}

// NewScanner loads the embedded catalogue and adds one clause per extra
// keyword.
func NewScanner(extraKeywords []string) (*Scanner, error) {
	return LoadScanner(defaultClauses, extraKeywords)
}

// LoadScanner parses a yaml clause catalogue.
func LoadScanner(data []byte, extraKeywords []string) (*Scanner, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrap(err, "policy: parse clause catalogue")
	}

	seen := make(map[string]struct{}, len(file.Clauses))
	clauses := make([]Clause, 0, len(file.Clauses)+len(extraKeywords))
	for _, c := range file.Clauses {
		if c.ID == "" {
			return nil, eris.New("policy: clause without id")
		}
		if _, dup := seen[c.ID]; dup {
			return nil, eris.Errorf("policy: duplicate clause %q", c.ID)
		}
		seen[c.ID] = struct{}{}
		clauses = append(clauses, c)
	}

	for _, kw := range extraKeywords {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		id := "keyword:" + strings.ToLower(kw)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		clauses = append(clauses, Clause{
			ID:       id,
			Category: "custom",
			Priority: customPriority,
			Severity: "info",
			Keywords: []string{kw},
		})
	}

	for i := range clauses {
		if err := clauses[i].compile(); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(clauses, func(i, j int) bool {
		if clauses[i].Priority != clauses[j].Priority {
			return clauses[i].Priority < clauses[j].Priority
		}
		return clauses[i].ID < clauses[j].ID
	})
	return &Scanner{clauses: clauses}, nil
}

func (c *Clause) compile() error {
	c.matchers = c.matchers[:0]
	for _, kw := range c.Keywords {
		re, err := regexp.Compile(`(?i)` + boundary(kw, true) + regexp.QuoteMeta(kw) + boundary(kw, false))
		if err != nil {
			return eris.Wrapf(err, "policy: clause %s keyword %q", c.ID, kw)
		}
		c.matchers = append(c.matchers, re)
	}
	for _, p := range c.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return eris.Wrapf(err, "policy: clause %s pattern %q", c.ID, p)
		}
		c.matchers = append(c.matchers, re)
	}
	return nil
}

// boundary returns a word boundary assertion when the keyword starts (or
// ends) with a word character.
func boundary(kw string, start bool) string {
	var r rune
	if start {
		r, _ = utf8.DecodeRuneInString(kw)
	} else {
		r, _ = utf8.DecodeLastRuneInString(kw)
	}
	if r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
		return `\b`
	}
	return ""
}

func (c *Clause) matches(line string) bool {
	for _, re := range c.matchers {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// Clauses returns the catalogue in report order.
func (s *Scanner) Clauses() []Clause {
	out := make([]Clause, len(s.clauses))
	copy(out, s.clauses)
	return out
}

// Scan returns at most one match per (line, clause), ordered by line, then
// clause priority, then clause id. Lines are numbered from 1.
func (s *Scanner) Scan(text string) []model.ClauseMatch {
	matches := []model.ClauseMatch{}
	for i, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		for ci := range s.clauses {
			c := &s.clauses[ci]
			if !c.matches(trimmed) {
				continue
			}
			matches = append(matches, model.ClauseMatch{
				ClauseID: c.ID,
				Category: c.Category,
				Severity: c.Severity,
				Line:     i + 1,
				Text:     excerpt(trimmed),
			})
		}
	}
	return matches
}

func excerpt(line string) string {
	if utf8.RuneCountInString(line) <= maxMatchText {
		return line
	}
	runes := []rune(line)
	return string(runes[:maxMatchText]) + "…"
}
