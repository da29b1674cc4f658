package cel

import (
	"strings"
	"testing"

	"github.com/toolgate-io/toolgate/internal/domain/access"
)

func TestEvaluateClaimsCondition(t *testing.T) {
	t.Parallel()

	e, err := NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		expr   string
		claims access.Claims
		want   bool
	}{
		{
			"role membership",
			`"staff" in claims.roles`,
			access.Claims{"roles": []any{"staff"}},
			true,
		},
		{
			"tenant equality",
			`claims.tenant_id == "acme"`,
			access.Claims{"tenant_id": "acme"},
			true,
		},
		{
			"compound condition",
			`claims.tenant_id == "acme" && size(claims.roles) > 0`,
			access.Claims{"tenant_id": "acme", "roles": []any{"staff"}},
			true,
		},
		{
			"false condition",
			`claims.tenant_id == "globex"`,
			access.Claims{"tenant_id": "acme"},
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			prg, err := e.Compile(tt.expr)
			if err != nil {
				t.Fatalf("Compile(%q): %v", tt.expr, err)
			}
			got, err := e.Evaluate(prg, tt.claims)
			if err != nil {
				t.Fatalf("Evaluate(%q): %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestEvaluateMissingClaimErrors(t *testing.T) {
	t.Parallel()

	e, err := NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	prg, err := e.Compile(`claims.tenant_id == "acme"`)
	if err != nil {
		t.Fatal(err)
	}

	// A missing key is an evaluation error; callers treat it as non-match.
	if _, err := e.Evaluate(prg, access.Claims{}); err == nil {
		t.Error("expected an evaluation error for a missing claim")
	}
}

func TestValidateExpression(t *testing.T) {
	t.Parallel()

	e, err := NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}

	if err := e.ValidateExpression(`claims.tenant_id == "acme"`); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := e.ValidateExpression(""); err == nil {
		t.Error("empty expression must be rejected")
	}
	if err := e.ValidateExpression(strings.Repeat("a", maxExpressionLength+1)); err == nil {
		t.Error("over-long expression must be rejected")
	}
	if err := e.ValidateExpression(strings.Repeat("(", maxNestingDepth+1) + "1" + strings.Repeat(")", maxNestingDepth+1)); err == nil {
		t.Error("over-nested expression must be rejected")
	}
	if err := e.ValidateExpression(`claims.`); err == nil {
		t.Error("syntactically invalid expression must be rejected")
	}
}

func TestEvaluateNonBooleanResult(t *testing.T) {
	t.Parallel()

	e, err := NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	prg, err := e.Compile(`claims.tenant_id`)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Evaluate(prg, access.Claims{"tenant_id": "acme"}); err == nil {
		t.Error("non-boolean result must be an error")
	}
}
