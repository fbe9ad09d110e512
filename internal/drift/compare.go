package drift

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Comparison is the outcome of comparing two outputs.
type Comparison struct {
	Score            float64
	PreviousChecksum string
	CurrentChecksum  string
	Explanation      string
}

// Compare scores how much cur differs from prev, in [0,1].
//
// Byte-identical inputs score 0. When both sides are JSON objects or arrays
// the score is the fraction of leaf paths that were modified, added or
// removed. Otherwise it is one minus the Dice overlap of the two whitespace
// token multisets.
func Compare(prev, cur string) Comparison {
	c := Comparison{PreviousChecksum: Checksum(prev), CurrentChecksum: Checksum(cur)}
	if prev == cur {
		c.Explanation = "outputs are identical"
		return c
	}

	prevDoc, prevOK := parseJSON(prev)
	curDoc, curOK := parseJSON(cur)
	if prevOK && curOK {
		c.Score, c.Explanation = compareJSON(prevDoc, curDoc)
		return c
	}
	c.Score, c.Explanation = compareTokens(prev, cur)
	return c
}

// Checksum returns the SHA-256 of content in canonical form. JSON documents
// are re-encoded with sorted keys so formatting alone does not change it.
func Checksum(content string) string {
	canonical := content
	if doc, ok := parseJSON(content); ok {
		if b, err := json.Marshal(doc); err == nil {
			canonical = string(b)
		}
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// parseJSON accepts only objects and arrays; bare scalars are treated as text.
func parseJSON(s string) (interface{}, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	dec := json.NewDecoder(strings.NewReader(trimmed))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, false
	}
	if dec.More() {
		return nil, false
	}
	return doc, true
}

func compareJSON(prev, cur interface{}) (float64, string) {
	a := map[string]string{}
	b := map[string]string{}
	flatten("$", prev, a)
	flatten("$", cur, b)

	var modified, added, removed int
	for path, av := range a {
		bv, ok := b[path]
		switch {
		case !ok:
			removed++
		case av != bv:
			modified++
		}
	}
	for path := range b {
		if _, ok := a[path]; !ok {
			added++
		}
	}
	total := len(a) + added
	if total == 0 {
		return 0, "both documents are empty"
	}
	changed := modified + added + removed
	return float64(changed) / float64(total), fmt.Sprintf(
		"%d of %d fields changed (%d modified, %d added, %d removed)",
		changed, total, modified, added, removed)
}

// flatten records every leaf of doc under its JSON path.
func flatten(path string, v interface{}, out map[string]string) {
	switch t := v.(type) {
	case map[string]interface{}:
		if len(t) == 0 {
			out[path] = "{}"
			return
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flatten(path+"."+k, t[k], out)
		}
	case []interface{}:
		if len(t) == 0 {
			out[path] = "[]"
			return
		}
		for i, item := range t {
			flatten(path+"["+strconv.Itoa(i)+"]", item, out)
		}
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(t); err != nil {
			out[path] = fmt.Sprint(t)
			return
		}
		out[path] = strings.TrimSpace(buf.String())
	}
}

func compareTokens(prev, cur string) (float64, string) {
	a := strings.Fields(prev)
	b := strings.Fields(cur)
	if len(a)+len(b) == 0 {
		return 0, "outputs differ only in whitespace"
	}

	counts := make(map[string]int, len(a))
	for _, tok := range a {
		counts[tok]++
	}
	shared := 0
	for _, tok := range b {
		if counts[tok] > 0 {
			counts[tok]--
			shared++
		}
	}
	score := 1 - 2*float64(shared)/float64(len(a)+len(b))
	if score < 0 {
		score = 0
	}
	return score, fmt.Sprintf("%d of %d previous tokens retained, %d current tokens", shared, len(a), len(b))
}
