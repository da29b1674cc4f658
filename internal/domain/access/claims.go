package access

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Claims is a decoded identity token payload. Values are arbitrarily
// nested: strings, numbers, booleans, lists, and maps.
type Claims map[string]any

// Lookup resolves a dotted/indexed path ("org.unit", "groups[0].name")
// against the claims map. The second return is false when any segment
// is missing or the shape does not admit the segment.
func (c Claims) Lookup(path string) (any, bool) {
	return LookupPath(map[string]any(c), path)
}

// LookupPath resolves a dotted/indexed path against an arbitrary decoded
// JSON value. Malformed paths and shape mismatches yield (nil, false),
// never an error.
func LookupPath(value any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	current := value
	for _, segment := range strings.Split(path, ".") {
		key, indexes, ok := splitIndexes(segment)
		if !ok {
			return nil, false
		}
		if key != "" {
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			current, ok = m[key]
			if !ok {
				return nil, false
			}
		}
		for _, idx := range indexes {
			list, ok := current.([]any)
			if !ok || idx < 0 || idx >= len(list) {
				return nil, false
			}
			current = list[idx]
		}
	}
	return current, true
}

// splitIndexes parses a path segment like "groups[0][1]" into its key
// and index list. Returns ok=false on malformed brackets.
func splitIndexes(segment string) (string, []int, bool) {
	open := strings.IndexByte(segment, '[')
	if open == -1 {
		return segment, nil, true
	}
	key := segment[:open]
	rest := segment[open:]
	var indexes []int
	for rest != "" {
		if rest[0] != '[' {
			return "", nil, false
		}
		close := strings.IndexByte(rest, ']')
		if close == -1 {
			return "", nil, false
		}
		idx, err := strconv.Atoi(rest[1:close])
		if err != nil {
			return "", nil, false
		}
		indexes = append(indexes, idx)
		rest = rest[close+1:]
	}
	return key, indexes, true
}

// Fingerprint returns a stable hash of the claims map: canonical JSON
// (keys sorted at every nesting level) hashed with xxhash64. Two claims
// maps with the same content produce the same fingerprint regardless of
// map iteration order.
func (c Claims) Fingerprint() string {
	var buf bytes.Buffer
	writeCanonical(&buf, map[string]any(c))
	return strconv.FormatUint(xxhash.Sum64(buf.Bytes()), 16)
}

func writeCanonical(buf *bytes.Buffer, value any) {
	switch v := value.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			b, _ := json.Marshal(k)
			buf.Write(b)
			buf.WriteByte(':')
			writeCanonical(buf, v[k])
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeCanonical(buf, item)
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(v)
		if err != nil {
			buf.WriteString("null")
			return
		}
		buf.Write(b)
	}
}
