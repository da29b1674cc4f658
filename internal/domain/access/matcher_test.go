package access

import "testing"

func testClaims() Claims {
	return Claims{
		"sub":       "user-42",
		"tenant_id": "acme",
		"roles":     []any{"staff", "support"},
		"org": map[string]any{
			"unit": "logistics",
			"cost": float64(8100),
		},
		"groups": []any{
			map[string]any{"name": "eu-west"},
		},
		"level": float64(3),
	}
}

func TestClaimMatcherMatches(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		matcher ClaimMatcher
		want    bool
	}{
		{"equals string", ClaimMatcher{JSONPath: "tenant_id", Operator: OperatorEquals, Value: "acme"}, true},
		{"equals mismatch", ClaimMatcher{JSONPath: "tenant_id", Operator: OperatorEquals, Value: "other"}, false},
		{"equals number", ClaimMatcher{JSONPath: "level", Operator: OperatorEquals, Value: "3"}, true},
		{"not equals", ClaimMatcher{JSONPath: "tenant_id", Operator: OperatorNotEquals, Value: "other"}, true},
		{"not equals on missing path is false", ClaimMatcher{JSONPath: "missing", Operator: OperatorNotEquals, Value: "x"}, false},
		{"contains list membership", ClaimMatcher{JSONPath: "roles", Operator: OperatorContains, Value: "staff"}, true},
		{"contains list non-member", ClaimMatcher{JSONPath: "roles", Operator: OperatorContains, Value: "admin"}, false},
		{"contains substring", ClaimMatcher{JSONPath: "org.unit", Operator: OperatorContains, Value: "gist"}, true},
		{"contains type mismatch is false", ClaimMatcher{JSONPath: "level", Operator: OperatorContains, Value: "3"}, false},
		{"not contains", ClaimMatcher{JSONPath: "roles", Operator: OperatorNotContains, Value: "admin"}, true},
		{"not contains type mismatch is false", ClaimMatcher{JSONPath: "level", Operator: OperatorNotContains, Value: "3"}, false},
		{"matches regex", ClaimMatcher{JSONPath: "sub", Operator: OperatorMatches, Value: `^user-\d+$`}, true},
		{"matches partial", ClaimMatcher{JSONPath: "org.unit", Operator: OperatorMatches, Value: "logi"}, true},
		{"matches invalid regex is false", ClaimMatcher{JSONPath: "sub", Operator: OperatorMatches, Value: "("}, false},
		{"exists", ClaimMatcher{JSONPath: "org.unit", Operator: OperatorExists}, true},
		{"exists missing", ClaimMatcher{JSONPath: "org.region", Operator: OperatorExists}, false},
		{"in", ClaimMatcher{JSONPath: "tenant_id", Operator: OperatorIn, Value: "acme, globex"}, true},
		{"in miss", ClaimMatcher{JSONPath: "tenant_id", Operator: OperatorIn, Value: "globex,initech"}, false},
		{"not in", ClaimMatcher{JSONPath: "tenant_id", Operator: OperatorNotIn, Value: "globex,initech"}, true},
		{"not in on missing path is false", ClaimMatcher{JSONPath: "missing", Operator: OperatorNotIn, Value: "a,b"}, false},
		{"indexed path", ClaimMatcher{JSONPath: "groups[0].name", Operator: OperatorEquals, Value: "eu-west"}, true},
		{"index out of range", ClaimMatcher{JSONPath: "groups[3].name", Operator: OperatorExists}, false},
		{"unknown operator", ClaimMatcher{JSONPath: "tenant_id", Operator: Operator("LIKE"), Value: "acme"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.matcher.Matches(testClaims()); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicyMatchersMatch(t *testing.T) {
	t.Parallel()

	p := AccessPolicy{
		ID:     "p1",
		Active: true,
		ClaimMatchers: []ClaimMatcher{
			{JSONPath: "roles", Operator: OperatorContains, Value: "staff"},
			{JSONPath: "tenant_id", Operator: OperatorEquals, Value: "acme"},
		},
	}
	if !p.MatchersMatch(testClaims()) {
		t.Error("expected all matchers to match")
	}

	p.ClaimMatchers = append(p.ClaimMatchers, ClaimMatcher{
		JSONPath: "roles", Operator: OperatorContains, Value: "admin",
	})
	if p.MatchersMatch(testClaims()) {
		t.Error("one failing matcher must fail the AND")
	}
}

func TestPolicyZeroMatchersIsVacuouslyTrue(t *testing.T) {
	t.Parallel()

	p := AccessPolicy{ID: "p-open", Active: true}
	if !p.MatchersMatch(Claims{}) {
		t.Error("zero matchers must match any claims")
	}
}

func TestOperatorIsValid(t *testing.T) {
	t.Parallel()

	for _, op := range []Operator{
		OperatorEquals, OperatorNotEquals, OperatorContains, OperatorNotContains,
		OperatorMatches, OperatorExists, OperatorIn, OperatorNotIn,
	} {
		if !op.IsValid() {
			t.Errorf("operator %q should be valid", op)
		}
	}
	if Operator("GLOB").IsValid() {
		t.Error("unknown operator should be invalid")
	}
}
