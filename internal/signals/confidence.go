package signals

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultConfidence is returned when no confidence signal can be parsed.
const DefaultConfidence = 0.5

var (
	percentRe = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:%|percent\b)`)
	tenthsRe  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:/|out\s+of)\s*10\b`)
	fifthsRe  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(?:/|out\s+of)\s*5\b`)
)

// phraseBand maps a family of descriptive phrases to a confidence value.
type phraseBand struct {
	re    *regexp.Regexp
	value float64
}

// Checked in order. "high confidence" must not fire inside "medium-high
// confidence", and "certain" must not fire inside "uncertain".
var phraseBands = []phraseBand{
	{regexp.MustCompile(`(?i)(?:^|[^\w-])high\s+confidence|very\s+confident|\bcertain\b`), 0.9},
	{regexp.MustCompile(`(?i)medium[\s-]high|fairly\s+confident`), 0.75},
	{regexp.MustCompile(`(?i)medium\s+confidence|moderately\s+confident`), 0.6},
	{regexp.MustCompile(`(?i)medium[\s-]low|somewhat\s+confident`), 0.4},
	{regexp.MustCompile(`(?i)low\s+confidence|not\s+confident|uncertain`), 0.2},
}

// ParseConfidence turns a free-text confidence statement into [0,1].
//
// Forms are tried in order and the first match wins: "N%" or "N percent",
// "N/10" or "N out of 10", "N/5" or "N out of 5", then descriptive phrase
// bands. Anything else yields DefaultConfidence.
func ParseConfidence(text string) float64 {
	text = strings.TrimSpace(text)
	if text == "" {
		return DefaultConfidence
	}
	if v, ok := ratio(percentRe, text, 100); ok {
		return v
	}
	if v, ok := ratio(tenthsRe, text, 10); ok {
		return v
	}
	if v, ok := ratio(fifthsRe, text, 5); ok {
		return v
	}
	for _, b := range phraseBands {
		if b.re.MatchString(text) {
			return b.value
		}
	}
	return DefaultConfidence
}

func ratio(re *regexp.Regexp, text string, denom float64) (float64, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return clamp(n / denom), true
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
