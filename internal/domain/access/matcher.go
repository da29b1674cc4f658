package access

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Matches evaluates the matcher against the claims map. It never returns
// an error: a missing path, a type mismatch, or an invalid regex all
// evaluate to false (EXISTS is simply false on a missing path).
func (m ClaimMatcher) Matches(claims Claims) bool {
	value, found := claims.Lookup(m.JSONPath)
	if m.Operator == OperatorExists {
		return found
	}
	if !found {
		return false
	}

	switch m.Operator {
	case OperatorEquals:
		return stringify(value) == m.Value
	case OperatorNotEquals:
		return stringify(value) != m.Value
	case OperatorContains:
		ok, contains := containsValue(value, m.Value)
		return ok && contains
	case OperatorNotContains:
		ok, contains := containsValue(value, m.Value)
		return ok && !contains
	case OperatorMatches:
		matched, err := regexp.MatchString(m.Value, stringify(value))
		return err == nil && matched
	case OperatorIn:
		return inCandidates(value, m.Value)
	case OperatorNotIn:
		return !inCandidates(value, m.Value)
	default:
		return false
	}
}

// containsValue implements CONTAINS: substring match for a string claim,
// element membership for a list claim. The first return is false when the
// claim has neither shape.
func containsValue(value any, target string) (ok, contains bool) {
	switch v := value.(type) {
	case string:
		return true, strings.Contains(v, target)
	case []any:
		for _, item := range v {
			if stringify(item) == target {
				return true, true
			}
		}
		return true, false
	default:
		return false, false
	}
}

// inCandidates splits the matcher value on commas into a candidate set
// and tests membership of the stringified claim value.
func inCandidates(value any, csv string) bool {
	got := stringify(value)
	for _, candidate := range strings.Split(csv, ",") {
		if strings.TrimSpace(candidate) == got {
			return true
		}
	}
	return false
}

// stringify renders a claim value for comparison. Scalars use their
// natural text form; composite values fall back to compact JSON.
func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	case nil:
		return "null"
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
