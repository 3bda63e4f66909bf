// Package matcher decides whether an opportunity is relevant to the
// organization's capability filters.
package matcher

import (
	"regexp"
	"strings"

	"github.com/propbot/propbot/internal/opportunity"
)

// shortKeywordLen is the length at or below which a keyword must match on
// word boundaries, so that "sre" does not match "measure".
const shortKeywordLen = 3

type keywordRule struct {
	value  string // as configured, reported in matches
	needle string // lowercased
	re     *regexp.Regexp
}

// Matcher is an immutable compiled filter set. It is safe for concurrent
// use.
type Matcher struct {
	keywords []keywordRule
	naics    map[string]struct{}
}

// Result is the outcome of matching one opportunity.
type Result struct {
	Accept          bool
	MatchedKeywords []string
	MatchedNAICS    []string
}

// New compiles the active filters. Inactive filters and duplicates are
// ignored; keyword order is preserved for deterministic output.
func New(filters []opportunity.CapabilityFilter) *Matcher {
	m := &Matcher{naics: make(map[string]struct{})}
	seen := make(map[string]struct{})
	for _, f := range filters {
		if !f.Active {
			continue
		}
		value := strings.TrimSpace(f.Value)
		if value == "" {
			continue
		}
		switch f.FilterType {
		case opportunity.FilterNAICS:
			m.naics[value] = struct{}{}
		case opportunity.FilterKeyword:
			kw := strings.ToLower(value)
			if _, dup := seen[kw]; dup {
				continue
			}
			seen[kw] = struct{}{}
			rule := keywordRule{value: value, needle: kw}
			if len(kw) <= shortKeywordLen {
				rule.re = regexp.MustCompile(`\b` + regexp.QuoteMeta(kw) + `\b`)
			}
			m.keywords = append(m.keywords, rule)
		}
	}
	return m
}

// Empty reports whether no active filter is configured.
func (m *Matcher) Empty() bool {
	return len(m.keywords) == 0 && len(m.naics) == 0
}

// Match evaluates o. With an empty filter set every opportunity is accepted
// with no matches recorded.
func (m *Matcher) Match(o *opportunity.Opportunity) Result {
	res := Result{
		MatchedKeywords: []string{},
		MatchedNAICS:    []string{},
	}
	if m.Empty() {
		res.Accept = true
		return res
	}

	if code := strings.TrimSpace(o.NAICSCode); code != "" {
		if _, ok := m.naics[code]; ok {
			res.MatchedNAICS = append(res.MatchedNAICS, code)
		}
	}

	text := strings.ToLower(o.Title + " " + o.Description)
	for _, rule := range m.keywords {
		var hit bool
		if rule.re != nil {
			hit = rule.re.MatchString(text)
		} else {
			hit = strings.Contains(text, rule.needle)
		}
		if hit {
			res.MatchedKeywords = append(res.MatchedKeywords, rule.value)
		}
	}

	res.Accept = len(res.MatchedKeywords) > 0 || len(res.MatchedNAICS) > 0
	return res
}
