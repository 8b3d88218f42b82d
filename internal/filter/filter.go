// Package filter implements the URL filters used to exclude requests from
// tracking or to force them into their own interaction.
package filter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind tags the variant held by a Filter.
type Kind int

const (
	KindAlways Kind = iota
	KindPredicate
	KindPatterns
)

// Pattern is a substring or a regular expression tested against a URL.
type Pattern struct {
	raw string
	re  *regexp.Regexp
}

// Substring matches URLs containing s.
func Substring(s string) Pattern { return Pattern{raw: s} }

// Regexp matches URLs matched by re.
func Regexp(re *regexp.Regexp) Pattern { return Pattern{raw: re.String(), re: re} }

// Match reports whether url satisfies the pattern.
func (p Pattern) Match(url string) bool {
	if p.re != nil {
		return p.re.MatchString(url)
	}
	return p.raw != "" && strings.Contains(url, p.raw)
}

func (p Pattern) String() string {
	if p.re != nil {
		return "/" + p.raw + "/"
	}
	return p.raw
}

// Filter is Always(bool) | Predicate(fn) | Patterns(list). The zero value
// never matches.
type Filter struct {
	kind     Kind
	always   bool
	pred     func(url string) bool
	patterns []Pattern
}

// Always returns a filter with a fixed answer.
func Always(v bool) Filter { return Filter{kind: KindAlways, always: v} }

// Predicate wraps fn. A nil fn never matches.
func Predicate(fn func(url string) bool) Filter {
	return Filter{kind: KindPredicate, pred: fn}
}

// Patterns matches when any pattern matches, first match wins.
func Patterns(ps ...Pattern) Filter {
	return Filter{kind: KindPatterns, patterns: ps}
}

// Kind returns the variant tag.
func (f Filter) Kind() Kind { return f.kind }

// Matches evaluates the filter for url. A predicate that panics counts as
// no match.
func (f Filter) Matches(url string) (matched bool) {
	switch f.kind {
	case KindAlways:
		return f.always
	case KindPredicate:
		if f.pred == nil {
			return false
		}
		defer func() {
			if recover() != nil {
				matched = false
			}
		}()
		return f.pred(url)
	case KindPatterns:
		for _, p := range f.patterns {
			if p.Match(url) {
				return true
			}
		}
	}
	return false
}

// ParsePattern reads "/expr/" as a regular expression and anything else as
// a substring.
func ParsePattern(s string) (Pattern, error) {
	if len(s) >= 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
		re, err := regexp.Compile(s[1 : len(s)-1])
		if err != nil {
			return Pattern{}, fmt.Errorf("pattern %q: %w", s, err)
		}
		return Regexp(re), nil
	}
	return Substring(s), nil
}

// Spec is the configuration form of a Filter. At most one of Enabled,
// Patterns and Expression may be set.
type Spec struct {
	Enabled    *bool    `koanf:"enabled"`
	Patterns   []string `koanf:"patterns"`
	Expression string   `koanf:"expression"`
}

// ErrAmbiguousSpec is returned when a Spec sets more than one variant.
var ErrAmbiguousSpec = errors.New("filter: set only one of enabled, patterns, expression")

// FromSpec builds the Filter described by s. An empty Spec never matches.
func FromSpec(s Spec) (Filter, error) {
	set := 0
	if s.Enabled != nil {
		set++
	}
	if len(s.Patterns) > 0 {
		set++
	}
	if s.Expression != "" {
		set++
	}
	if set > 1 {
		return Filter{}, ErrAmbiguousSpec
	}

	switch {
	case s.Enabled != nil:
		return Always(*s.Enabled), nil
	case s.Expression != "":
		return CEL(s.Expression)
	case len(s.Patterns) > 0:
		ps := make([]Pattern, 0, len(s.Patterns))
		for _, raw := range s.Patterns {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			p, err := ParsePattern(raw)
			if err != nil {
				return Filter{}, err
			}
			ps = append(ps, p)
		}
		return Patterns(ps...), nil
	}
	return Filter{}, nil
}
