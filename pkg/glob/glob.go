// Package glob matches file paths against reservation patterns and
// detects conflicts between two pattern sets.
//
// Matching itself is delegated to doublestar, pulled from the same
// corpus as the rest of this module's dependency stack. doublestar
// v1.3.4 has no native brace-set ({a,b}) support, so braceExpand runs a
// small stdlib-only preprocessing pass before handing patterns to it —
// the same "generalize what the library doesn't cover, keep using the
// library for what it does" approach applied throughout this module.
package glob

import (
	"strings"

	"github.com/bmatcuk/doublestar"
)

// Match reports whether path satisfies pattern, after brace expansion.
// A pattern containing no meta characters is treated as a literal path
// and compared for exact equality.
func Match(pattern, path string) bool {
	for _, p := range braceExpand(pattern) {
		if !hasMeta(p) {
			if p == path {
				return true
			}
			continue
		}
		if ok, err := doublestar.Match(p, path); err == nil && ok {
			return true
		}
	}
	return false
}

// hasMeta reports whether s contains glob metacharacters.
func hasMeta(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// Conflict reports whether any pattern in a could ever match a path
// that any pattern in b could also match. Per, this is a
// conservative over-approximation: literal-vs-pattern and
// literal-vs-literal comparisons are exact; pattern-vs-pattern
// comparisons may report a conflict even when no concrete path could
// satisfy both (false positives are acceptable, false negatives are
// not — a missed conflict would let two exclusive reservations
// overlap).
func Conflict(a, b []string) bool {
	var expA, expB []string
	for _, p := range a {
		expA = append(expA, braceExpand(p)...)
	}
	for _, p := range b {
		expB = append(expB, braceExpand(p)...)
	}
	for _, pa := range expA {
		for _, pb := range expB {
			if patternsOverlap(pa, pb) {
				return true
			}
		}
	}
	return false
}

func patternsOverlap(pa, pb string) bool {
	aMeta, bMeta := hasMeta(pa), hasMeta(pb)
	switch {
	case !aMeta && !bMeta:
		return pa == pb
	case !aMeta && bMeta:
		ok, err := doublestar.Match(pb, pa)
		return err == nil && ok
	case aMeta && !bMeta:
		ok, err := doublestar.Match(pa, pb)
		return err == nil && ok
	default:
		// Pattern vs pattern: conservative over-approximation. Two
		// patterns conflict unless their literal (non-wildcard)
		// prefixes diverge before either pattern introduces a
		// wildcard, in which case no concrete path could satisfy both.
		return !divergentLiteralPrefix(pa, pb)
	}
}

// divergentLiteralPrefix reports whether pa and pb have literal
// (pre-wildcard) prefixes that are a mismatch — e.g. "src/**" and
// "tests/**" diverge at the first path segment, so they can never
// overlap regardless of their wildcard suffixes.
func divergentLiteralPrefix(pa, pb string) bool {
	litA := literalPrefix(pa)
	litB := literalPrefix(pb)
	n := minInt(len(litA), len(litB))
	return litA[:n] != litB[:n] && n > 0
}

func literalPrefix(pattern string) string {
	idx := strings.IndexAny(pattern, "*?[")
	if idx == -1 {
		return pattern
	}
	return pattern[:idx]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// braceExpand expands a single {a,b,c} brace group (non-nested) into
// multiple patterns. Patterns without braces return a single-element
// slice unchanged.
func braceExpand(pattern string) []string {
	start := strings.IndexByte(pattern, '{')
	if start == -1 {
		return []string{pattern}
	}
	end := strings.IndexByte(pattern[start:], '}')
	if end == -1 {
		return []string{pattern}
	}
	end += start
	prefix := pattern[:start]
	suffix := pattern[end+1:]
	options := strings.Split(pattern[start+1:end], ",")

	var out []string
	for _, opt := range options {
		for _, rest := range braceExpand(prefix + opt + suffix) {
			out = append(out, rest)
		}
	}
	return out
}
