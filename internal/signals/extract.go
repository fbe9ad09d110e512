package signals

import (
	"regexp"
	"strings"
)

// Extractor is the narrow text-signal interface the controllers consume.
type Extractor interface {
	// ParseConfidence returns a confidence value in [0,1].
	ParseConfidence(text string) float64

	// ExtractPhrase returns the clause that follows the first marker found
	// in text, cut at the end of its sentence.
	ExtractPhrase(text string, markers ...string) (string, bool)
}

// RuleExtractor implements Extractor with regular expressions.
type RuleExtractor struct {
	// MaxPhraseLen bounds extracted phrases (in bytes). Zero means 160.
	MaxPhraseLen int
}

// Default is the extractor used when none is injected.
var Default Extractor = RuleExtractor{}

func (RuleExtractor) ParseConfidence(text string) float64 {
	return ParseConfidence(text)
}

var sentenceEnd = regexp.MustCompile(`[.!?;\n]`)

func (r RuleExtractor) ExtractPhrase(text string, markers ...string) (string, bool) {
	maxLen := r.MaxPhraseLen
	if maxLen <= 0 {
		maxLen = 160
	}
	for _, marker := range markers {
		re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(marker))
		if err != nil {
			continue
		}
		loc := re.FindStringIndex(text)
		if loc == nil {
			continue
		}
		rest := text[loc[1]:]
		if end := sentenceEnd.FindStringIndex(rest); end != nil {
			rest = rest[:end[0]]
		}
		rest = strings.Trim(rest, " \t:,-\"'")
		if rest == "" {
			continue
		}
		if len(rest) > maxLen {
			rest = strings.TrimSpace(rest[:maxLen]) + "..."
		}
		return rest, true
	}
	return "", false
}
