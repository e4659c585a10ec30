package state

import (
	"bytes"
	"encoding/json"
)

const (
	// maxSalvageWindow bounds how much of a corrupt document is scanned.
	maxSalvageWindow = 4 << 20
	// maxSalvageElement bounds a single recovered element.
	maxSalvageElement = 256 << 10
)

// salvageTargets lists the keys worth recovering and the bucket each one
// lands in. "issues" is the legacy name of the detected-issue list.
var salvageTargets = []struct {
	key    string
	bucket string
}{
	{"patterns", "patterns"},
	{"knowledge", "knowledge"},
	{"detected", "detected"},
	{"issues", "detected"},
	{"violations", "violations"},
}

// Salvage extracts well-formed elements of the learned-pattern, knowledge,
// detected-issue and violation collections from a document that does not
// parse as a whole. It scans for each key and decodes the collection one
// element at a time, skipping malformed elements and stopping at the first
// truncated one. Knowledge entries are returned as [key, value] pairs.
func Salvage(data []byte) map[string][]any {
	if len(data) > maxSalvageWindow {
		data = data[:maxSalvageWindow]
	}
	out := make(map[string][]any)
	for _, t := range salvageTargets {
		if _, done := out[t.bucket]; done {
			continue
		}
		if items, ok := salvageKey(data, t.key, t.bucket == "knowledge"); ok {
			out[t.bucket] = items
		}
	}
	return out
}

// salvageKey finds the first occurrence of "key": [ (or "key": { when
// objects are allowed) and recovers its elements.
func salvageKey(data []byte, key string, allowObject bool) ([]any, bool) {
	needle := []byte(`"` + key + `"`)
	from := 0
	for {
		idx := bytes.Index(data[from:], needle)
		if idx < 0 {
			return nil, false
		}
		i := skipSpace(data, from+idx+len(needle))
		from += idx + len(needle)
		if i >= len(data) || data[i] != ':' {
			continue
		}
		i = skipSpace(data, i+1)
		if i >= len(data) {
			return nil, false
		}
		switch {
		case data[i] == '[':
			items := salvageArray(data, i)
			if allowObject {
				items = onlyPairs(items)
			}
			return items, true
		case data[i] == '{' && allowObject:
			return salvageObject(data, i), true
		}
	}
}

func salvageArray(data []byte, start int) []any {
	items := []any{}
	i := start + 1
	for {
		i = skipSpace(data, i)
		if i >= len(data) || data[i] == ']' {
			return items
		}
		if data[i] == ',' {
			i++
			continue
		}
		end := scanValue(data, i)
		if end < 0 {
			return items
		}
		if v, ok := decodeElement(data[i:end]); ok {
			items = append(items, v)
		}
		i = end
	}
}

func salvageObject(data []byte, start int) []any {
	items := []any{}
	i := start + 1
	for {
		i = skipSpace(data, i)
		if i >= len(data) || data[i] == '}' {
			return items
		}
		if data[i] == ',' {
			i++
			continue
		}
		if data[i] != '"' {
			return items
		}
		keyEnd := scanValue(data, i)
		if keyEnd < 0 {
			return items
		}
		var key string
		keyOK := json.Unmarshal(data[i:keyEnd], &key) == nil

		i = skipSpace(data, keyEnd)
		if i >= len(data) || data[i] != ':' {
			return items
		}
		i = skipSpace(data, i+1)
		end := scanValue(data, i)
		if end < 0 {
			return items
		}
		if v, ok := decodeElement(data[i:end]); ok && keyOK {
			items = append(items, []any{key, v})
		}
		i = end
	}
}

func onlyPairs(items []any) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		if pair, ok := item.([]any); ok && len(pair) == 2 {
			if _, ok := pair[0].(string); ok {
				out = append(out, pair)
			}
		}
	}
	return out
}

func decodeElement(raw []byte) (any, bool) {
	if len(raw) == 0 || len(raw) > maxSalvageElement {
		return nil, false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return v, true
}

// scanValue returns the index just past the JSON value starting at i, or
// -1 when the input ends first. Brackets are balanced without regard to
// their kind; decodeElement rejects mismatches.
func scanValue(data []byte, i int) int {
	if i >= len(data) {
		return -1
	}
	switch data[i] {
	case '"':
		return scanString(data, i)
	case '{', '[':
		depth := 0
		for j := i; j < len(data); j++ {
			switch data[j] {
			case '"':
				end := scanString(data, j)
				if end < 0 {
					return -1
				}
				j = end - 1
			case '{', '[':
				depth++
			case '}', ']':
				depth--
				if depth == 0 {
					return j + 1
				}
			}
		}
		return -1
	}
	for j := i; j < len(data); j++ {
		switch data[j] {
		case ',', ']', '}', ' ', '\t', '\n', '\r':
			return j
		}
	}
	return -1
}

func scanString(data []byte, i int) int {
	for j := i + 1; j < len(data); j++ {
		switch data[j] {
		case '\\':
			j++
		case '"':
			return j + 1
		}
	}
	return -1
}

func skipSpace(data []byte, i int) int {
	for i < len(data) {
		switch data[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return i
		}
	}
	return i
}
