package messaging

import (
	"fmt"
	"regexp"
	"strings"
)

// Pattern segment wildcards.
const (
	// wildcardMulti matches one or more whole name segments.
	wildcardMulti = "*"

	// wildcardSingle matches exactly one name segment.
	wildcardSingle = "?"

	// segmentSeparator separates name segments.
	segmentSeparator = "."
)

// Broker binding dialect (topic exchange).
const (
	brokerMulti  = "#"
	brokerSingle = "*"
)

const (
	segmentExpr      = `[a-z0-9_-]+`
	multiSegmentExpr = segmentExpr + `(?:\.` + segmentExpr + `)*`
	patternSegment   = `(?:` + segmentExpr + `|\*|\?)`
)

// patternGrammar accepts dot-separated segments that are literal tokens,
// exactly "*" or exactly "?".
var patternGrammar = regexp.MustCompile(`(?i)^` + patternSegment + `(?:\.` + patternSegment + `)*$`)

// Pattern is a compiled subscription name pattern.
//
// Patterns are validated and compiled once, at registration time, so that
// per-message matching is a single anchored regular expression test.
type Pattern struct {
	raw string
	re  *regexp.Regexp
}

// CompilePattern validates pattern and compiles it into a matcher.
//
// Examples:
//
//	"orders.created"  matches only "orders.created" (any case)
//	"orders.*"        matches "orders.created", "orders.eu.created"
//	"orders.?.done"   matches "orders.42.done" but not "orders.a.b.done"
//
// Returns ErrInvalidPattern for empty segments ("a..b"), broker wildcards
// ("#"), or any character outside letters, digits, '-' and '_'.
func CompilePattern(pattern string) (*Pattern, error) {
	if !patternGrammar.MatchString(pattern) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}

	segments := strings.Split(pattern, segmentSeparator)
	exprs := make([]string, len(segments))
	for i, seg := range segments {
		switch seg {
		case wildcardMulti:
			exprs[i] = multiSegmentExpr
		case wildcardSingle:
			exprs[i] = segmentExpr
		default:
			exprs[i] = regexp.QuoteMeta(seg)
		}
	}

	re, err := regexp.Compile(`(?i)^` + strings.Join(exprs, `\.`) + `$`)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidPattern, pattern, err)
	}

	return &Pattern{raw: pattern, re: re}, nil
}

// String returns the pattern as registered.
func (p *Pattern) String() string {
	return p.raw
}

// Matches reports whether name matches the whole pattern, ignoring case.
func (p *Pattern) Matches(name string) bool {
	return p.re.MatchString(name)
}

// BindingKey translates the pattern into the broker's topic dialect, prefixed
// by the registration key or, for unkeyed subscriptions, by "#".
//
//	"orders.*", unkeyed        -> "#.orders.#"
//	"orders.?", key "tenant-1" -> "tenant-1.orders.*"
func (p *Pattern) BindingKey(registrationKey string, keyed bool) string {
	prefix := brokerMulti
	if keyed {
		prefix = registrationKey
	}

	segments := strings.Split(p.raw, segmentSeparator)
	for i, seg := range segments {
		switch seg {
		case wildcardMulti:
			segments[i] = brokerMulti
		case wildcardSingle:
			segments[i] = brokerSingle
		}
	}

	return prefix + segmentSeparator + strings.Join(segments, segmentSeparator)
}
