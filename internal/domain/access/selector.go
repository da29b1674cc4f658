package access

import (
	"path"
	"regexp"
	"strings"
)

// regexPrefix marks a selector pattern as a full regular expression
// instead of a glob.
const regexPrefix = "regex:"

// Matches evaluates the selector against a tool's attributes. Every
// configured field must hold; empty fields are vacuously true.
func (s ToolSelector) Matches(attrs ToolAttributes) bool {
	if !matchPattern(s.SourcePattern, attrs.Source) {
		return false
	}
	if !matchPattern(s.NamePattern, attrs.Name) {
		return false
	}
	if !matchPattern(s.PathPattern, attrs.Path) {
		return false
	}
	if !matchPattern(s.MethodPattern, attrs.Method) {
		return false
	}
	if !subset(s.RequiredTags, attrs.Tags) {
		return false
	}
	if intersects(s.ExcludedTags, attrs.Tags) {
		return false
	}
	return subset(s.RequiredLabelIDs, attrs.Labels)
}

// matchPattern matches value against a glob pattern (*, ?) or, with the
// "regex:" prefix, an unanchored regular expression. An empty pattern
// matches everything. Invalid patterns match nothing.
func matchPattern(pattern, value string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasPrefix(pattern, regexPrefix):
		matched, err := regexp.MatchString(strings.TrimPrefix(pattern, regexPrefix), value)
		return err == nil && matched
	default:
		matched, err := path.Match(pattern, value)
		return err == nil && matched
	}
}

func subset(required, have []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, x := range a {
		set[x] = struct{}{}
	}
	for _, y := range b {
		if _, ok := set[y]; ok {
			return true
		}
	}
	return false
}
