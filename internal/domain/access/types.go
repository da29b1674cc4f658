// Package access contains domain types and evaluation logic for
// claims-based access resolution: claim matchers, access policies,
// tool selectors, and tool groups.
package access

// Operator is the comparison applied by a ClaimMatcher.
type Operator string

const (
	// OperatorEquals matches when the claim value stringifies to the matcher value.
	OperatorEquals Operator = "EQUALS"
	// OperatorNotEquals is the negation of OperatorEquals.
	OperatorNotEquals Operator = "NOT_EQUALS"
	// OperatorContains matches substring (string claim) or membership (list claim).
	OperatorContains Operator = "CONTAINS"
	// OperatorNotContains is the negation of OperatorContains.
	OperatorNotContains Operator = "NOT_CONTAINS"
	// OperatorMatches applies the matcher value as an unanchored regular expression.
	OperatorMatches Operator = "MATCHES"
	// OperatorExists matches when the claim path resolves to any value.
	OperatorExists Operator = "EXISTS"
	// OperatorIn matches when the claim value is one of the comma-separated candidates.
	OperatorIn Operator = "IN"
	// OperatorNotIn is the negation of OperatorIn.
	OperatorNotIn Operator = "NOT_IN"
)

// IsValid returns true if the operator is a known value.
func (o Operator) IsValid() bool {
	switch o {
	case OperatorEquals, OperatorNotEquals, OperatorContains, OperatorNotContains,
		OperatorMatches, OperatorExists, OperatorIn, OperatorNotIn:
		return true
	}
	return false
}

// ClaimMatcher is a single stateless predicate over a claims map.
type ClaimMatcher struct {
	// JSONPath addresses the claim value using dotted and indexed segments
	// (e.g. "roles", "org.unit", "groups[0].name").
	JSONPath string
	// Operator is the comparison to apply.
	Operator Operator
	// Value is the comparison operand. Unused for EXISTS.
	Value string
}

// AccessPolicy grants group membership to callers whose claims satisfy
// every matcher (AND). Matching policies are unioned (OR) by the resolver.
type AccessPolicy struct {
	// ID is the unique identifier for this policy.
	ID string
	// Name is a human-readable name for this policy.
	Name string
	// ClaimMatchers must all match for the policy to fire. An active policy
	// with zero matchers fires unconditionally (vacuous AND).
	ClaimMatchers []ClaimMatcher
	// CELCondition is an optional CEL expression over the claims map,
	// ANDed with the matchers when present.
	CELCondition string
	// AllowedGroupIDs are granted when the policy fires.
	AllowedGroupIDs []string
	// Priority orders evaluation for audit determinism only; the resolved
	// set is a union and does not depend on it.
	Priority int
	// Active gates participation; inactive policies never fire.
	Active bool
}

// MatchersMatch reports whether every claim matcher matches the claims.
// Zero matchers is vacuously true.
func (p AccessPolicy) MatchersMatch(claims Claims) bool {
	for _, m := range p.ClaimMatchers {
		if !m.Matches(claims) {
			return false
		}
	}
	return true
}

// ToolSelector is a multi-field AND predicate over tool attributes.
// Empty fields are "don't care". Patterns support glob (*, ?) and an
// explicit "regex:" prefix for full regular expressions.
type ToolSelector struct {
	// SourcePattern matches the tool's source identifier.
	SourcePattern string
	// NamePattern matches the tool name.
	NamePattern string
	// PathPattern matches the upstream route path.
	PathPattern string
	// MethodPattern matches the upstream HTTP method.
	MethodPattern string
	// RequiredTags must all be present on the tool.
	RequiredTags []string
	// ExcludedTags must all be absent from the tool.
	ExcludedTags []string
	// RequiredLabelIDs must all be present on the tool.
	RequiredLabelIDs []string
}

// ToolGroup derives its effective tool set from selectors (OR), explicit
// inclusions, and exclusions. Exclusion wins over both.
type ToolGroup struct {
	// ID is the unique identifier for this group.
	ID string
	// Name is a human-readable name for this group.
	Name string
	// Selectors dynamically include enabled tools matching any one of them.
	Selectors []ToolSelector
	// ExplicitToolIDs are included directly. Disabled tools are never
	// exposed, so an explicit disabled tool is a no-op.
	ExplicitToolIDs []string
	// ExcludedToolIDs are removed last, overriding selectors and
	// explicit inclusion.
	ExcludedToolIDs []string
	// Active gates participation; inactive groups contribute no tools.
	Active bool
}

// ToolAttributes is the selector-visible view of a catalog tool.
type ToolAttributes struct {
	ID      string
	Source  string
	Name    string
	Path    string
	Method  string
	Tags    []string
	Labels  []string
	Enabled bool
}
