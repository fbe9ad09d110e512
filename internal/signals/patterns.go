// Package signals extracts control signals from free-text model prose:
// numeric confidence, distress and clarification patterns, and short
// phrases worth quoting back to a human.
//
// Everything here is best-effort text heuristics. The controllers depend on
// the Matcher and Extractor interfaces so a model-based classifier can
// replace the rules without touching the control loop.
package signals

import (
	"fmt"
	"regexp"
	"strings"
)

// Entry is one (pattern, classification) pair before compilation.
type Entry struct {
	Expr  string
	Class string
}

type compiled struct {
	re    *regexp.Regexp
	expr  string
	class string
}

// Match describes the first pattern that fired.
type Match struct {
	Pattern string // source expression
	Class   string
	Text    string // matched substring as it appeared in the input
}

// Matcher classifies text. PatternSet is the rule-based implementation.
type Matcher interface {
	Match(text string) (Match, bool)
}

// PatternSet is an ordered list of case-insensitive patterns.
// The first pattern that matches wins.
type PatternSet struct {
	patterns []compiled
}

// Compile builds a PatternSet, preserving entry order.
func Compile(entries []Entry) (*PatternSet, error) {
	ps := &PatternSet{patterns: make([]compiled, 0, len(entries))}
	for _, e := range entries {
		expr := e.Expr
		if !strings.HasPrefix(expr, "(?i)") {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile pattern %q: %w", e.Expr, err)
		}
		ps.patterns = append(ps.patterns, compiled{re: re, expr: e.Expr, class: e.Class})
	}
	return ps, nil
}

// MustCompile is like Compile but panics on an invalid expression.
// Use it only for built-in pattern tables.
func MustCompile(entries []Entry) *PatternSet {
	ps, err := Compile(entries)
	if err != nil {
		panic(err)
	}
	return ps
}

// Match scans text against every pattern in order.
func (ps *PatternSet) Match(text string) (Match, bool) {
	if text == "" {
		return Match{}, false
	}
	for _, p := range ps.patterns {
		if loc := p.re.FindStringIndex(text); loc != nil {
			return Match{Pattern: p.expr, Class: p.class, Text: text[loc[0]:loc[1]]}, true
		}
	}
	return Match{}, false
}

// Len returns the number of patterns.
func (ps *PatternSet) Len() int { return len(ps.patterns) }
