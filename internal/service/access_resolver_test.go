package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/toolgate-io/toolgate/internal/adapter/outbound/memory"
	"github.com/toolgate-io/toolgate/internal/domain/access"
	"github.com/toolgate-io/toolgate/internal/domain/catalog"
	"github.com/toolgate-io/toolgate/internal/domain/execution"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func staffSnapshot() catalog.Snapshot {
	return catalog.Snapshot{
		Policies: []access.AccessPolicy{
			{
				ID: "p-staff",
				ClaimMatchers: []access.ClaimMatcher{
					{JSONPath: "roles", Operator: access.OperatorContains, Value: "staff"},
					{JSONPath: "org.tier", Operator: access.OperatorEquals, Value: "pro"},
				},
				AllowedGroupIDs: []string{"g-orders"},
				Priority:        10,
				Active:          true,
			},
			{
				ID: "p-admin",
				ClaimMatchers: []access.ClaimMatcher{
					{JSONPath: "roles", Operator: access.OperatorContains, Value: "admin"},
				},
				AllowedGroupIDs: []string{"g-admin"},
				Priority:        100,
				Active:          true,
			},
		},
		Groups: []access.ToolGroup{
			{
				ID:     "g-orders",
				Active: true,
				Selectors: []access.ToolSelector{
					{SourcePattern: "orders-*", RequiredTags: []string{"orders"}},
				},
			},
			{
				ID:              "g-admin",
				Active:          true,
				ExplicitToolIDs: []string{"t-wipe"},
			},
		},
		Tools: []catalog.ToolDefinition{
			{
				ID: "t1", SourceID: "orders-api", Name: "list_orders",
				Tags: []string{"orders"}, Enabled: true,
				Profile: catalog.ExecutionProfile{Mode: catalog.ModeSyncHTTP, Method: "GET"},
			},
			{
				ID: "t2", SourceID: "billing-api", Name: "list_invoices",
				Tags: []string{"billing"}, Enabled: true,
				Profile: catalog.ExecutionProfile{Mode: catalog.ModeSyncHTTP, Method: "GET"},
			},
			{
				ID: "t-wipe", SourceID: "admin-api", Name: "wipe_tenant",
				Enabled: true,
				Profile: catalog.ExecutionProfile{Mode: catalog.ModeSyncHTTP, Method: "POST"},
			},
		},
	}
}

func newResolver(t *testing.T, snap catalog.Snapshot, opts ...AccessResolverOption) *AccessResolver {
	t.Helper()
	r, err := NewAccessResolver(context.Background(), memory.NewSnapshotSource(snap), discardLogger(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func toolNames(summaries []catalog.ToolSummary) []string {
	names := make([]string, 0, len(summaries))
	for _, s := range summaries {
		names = append(names, s.Name)
	}
	return names
}

func TestResolveToolsStaffScenario(t *testing.T) {
	t.Parallel()

	r := newResolver(t, staffSnapshot())
	claims := access.Claims{
		"sub":   "u1",
		"roles": []any{"staff"},
		"org":   map[string]any{"tier": "pro"},
	}

	got, err := r.ResolveTools(context.Background(), claims)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "list_orders" {
		t.Fatalf("resolved = %v, want [list_orders]", toolNames(got))
	}
}

func TestResolveToolsUnionAcrossPolicies(t *testing.T) {
	t.Parallel()

	r := newResolver(t, staffSnapshot())
	claims := access.Claims{
		"roles": []any{"staff", "admin"},
		"org":   map[string]any{"tier": "pro"},
	}

	got, err := r.ResolveTools(context.Background(), claims)
	if err != nil {
		t.Fatal(err)
	}
	names := toolNames(got)
	if len(names) != 2 || names[0] != "list_orders" || names[1] != "wipe_tenant" {
		t.Fatalf("resolved = %v, want [list_orders wipe_tenant]", names)
	}
}

func TestResolveToolsNoMatchingPolicy(t *testing.T) {
	t.Parallel()

	r := newResolver(t, staffSnapshot())
	got, err := r.ResolveTools(context.Background(), access.Claims{"roles": []any{"guest"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("resolved = %v, want none", toolNames(got))
	}
}

func TestResolveToolsPolicyOrderIrrelevant(t *testing.T) {
	t.Parallel()

	snap := staffSnapshot()
	claims := access.Claims{
		"roles": []any{"staff", "admin"},
		"org":   map[string]any{"tier": "pro"},
	}

	want := toolNames(func() []catalog.ToolSummary {
		got, err := newResolver(t, snap).ResolveTools(context.Background(), claims)
		if err != nil {
			t.Fatal(err)
		}
		return got
	}())

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 5; i++ {
		shuffled := staffSnapshot()
		rng.Shuffle(len(shuffled.Policies), func(a, b int) {
			shuffled.Policies[a], shuffled.Policies[b] = shuffled.Policies[b], shuffled.Policies[a]
		})
		rng.Shuffle(len(shuffled.Policies[0].ClaimMatchers), func(a, b int) {
			m := shuffled.Policies[0].ClaimMatchers
			m[a], m[b] = m[b], m[a]
		})

		got, err := newResolver(t, shuffled).ResolveTools(context.Background(), claims)
		if err != nil {
			t.Fatal(err)
		}
		names := toolNames(got)
		if len(names) != len(want) {
			t.Fatalf("permutation %d: resolved = %v, want %v", i, names, want)
		}
		for j := range names {
			if names[j] != want[j] {
				t.Fatalf("permutation %d: resolved = %v, want %v", i, names, want)
			}
		}
	}
}

func TestResolveGroupsVacuousMatchers(t *testing.T) {
	t.Parallel()

	snap := catalog.Snapshot{
		Policies: []access.AccessPolicy{
			{ID: "p-open", AllowedGroupIDs: []string{"g1"}, Active: true},
			{ID: "p-off", AllowedGroupIDs: []string{"g2"}, Active: false},
		},
	}
	r := newResolver(t, snap)

	got := r.ResolveGroups(context.Background(), access.Claims{"sub": "anyone"})
	if len(got) != 1 || got[0] != "g1" {
		t.Fatalf("groups = %v, want [g1]", got)
	}
}

func TestResolveGroupsCELCondition(t *testing.T) {
	t.Parallel()

	snap := catalog.Snapshot{
		Policies: []access.AccessPolicy{
			{
				ID:              "p-cel",
				CELCondition:    `claims.tenant == "acme" && "staff" in claims.roles`,
				AllowedGroupIDs: []string{"g1"},
				Active:          true,
			},
		},
	}
	r := newResolver(t, snap)

	got := r.ResolveGroups(context.Background(), access.Claims{
		"tenant": "acme",
		"roles":  []any{"staff"},
	})
	if len(got) != 1 || got[0] != "g1" {
		t.Fatalf("groups = %v, want [g1]", got)
	}

	got = r.ResolveGroups(context.Background(), access.Claims{
		"tenant": "other",
		"roles":  []any{"staff"},
	})
	if len(got) != 0 {
		t.Fatalf("groups = %v, want none", got)
	}
}

func TestResolveGroupsCELErrorDoesNotFire(t *testing.T) {
	t.Parallel()

	snap := catalog.Snapshot{
		Policies: []access.AccessPolicy{
			{
				ID:              "p-cel",
				CELCondition:    `claims.tenant == "acme"`,
				AllowedGroupIDs: []string{"g1"},
				Active:          true,
			},
			{ID: "p-open", AllowedGroupIDs: []string{"g2"}, Active: true},
		},
	}
	r := newResolver(t, snap)

	// The tenant claim is absent, so the condition errors at runtime. The
	// policy must not fire and the other policy must be unaffected.
	got := r.ResolveGroups(context.Background(), access.Claims{"sub": "u1"})
	if len(got) != 1 || got[0] != "g2" {
		t.Fatalf("groups = %v, want [g2]", got)
	}
}

func TestNewAccessResolverRejectsBadCondition(t *testing.T) {
	t.Parallel()

	snap := catalog.Snapshot{
		Policies: []access.AccessPolicy{
			{ID: "p-bad", CELCondition: `claims.tenant ==`, Active: true},
		},
	}
	_, err := NewAccessResolver(context.Background(), memory.NewSnapshotSource(snap), discardLogger())
	if err == nil {
		t.Fatal("expected a compile error for a malformed condition")
	}
}

func TestResolutionCacheHitAndExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	r, err := NewAccessResolver(context.Background(), memory.NewSnapshotSource(staffSnapshot()), discardLogger(),
		WithResolutionTTL(time.Minute), WithResolverNow(clock))
	if err != nil {
		t.Fatal(err)
	}

	claims := access.Claims{"roles": []any{"staff"}, "org": map[string]any{"tier": "pro"}}
	ctx := context.Background()

	if _, err := r.ResolveTools(ctx, claims); err != nil {
		t.Fatal(err)
	}
	if got := len(r.cache); got != 1 {
		t.Fatalf("cache entries = %d, want 1", got)
	}

	// Claims built in a different key order hit the same entry.
	reordered := access.Claims{"org": map[string]any{"tier": "pro"}, "roles": []any{"staff"}}
	if _, err := r.ResolveTools(ctx, reordered); err != nil {
		t.Fatal(err)
	}
	if got := len(r.cache); got != 1 {
		t.Fatalf("cache entries after reordered claims = %d, want 1", got)
	}

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	// Past the TTL the stale entry is evicted and recomputed.
	got, err := r.ResolveTools(ctx, claims)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Name != "list_orders" {
		t.Fatalf("resolved = %v after expiry, want [list_orders]", toolNames(got))
	}
}

func TestRefreshBustsCacheAndSwapsSnapshot(t *testing.T) {
	t.Parallel()

	inner := memory.NewSnapshotSource(staffSnapshot())
	r, err := NewAccessResolver(context.Background(), inner, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	claims := access.Claims{"roles": []any{"staff"}, "org": map[string]any{"tier": "pro"}}
	ctx := context.Background()

	got, err := r.ResolveTools(ctx, claims)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("resolved = %v, want one tool", toolNames(got))
	}

	// Disable the granted tool and refresh. The cached grant must not
	// survive the refresh.
	updated := staffSnapshot()
	updated.Tools[0].Enabled = false
	inner.Replace(updated)
	if err := r.Refresh(ctx); err != nil {
		t.Fatal(err)
	}

	got, err = r.ResolveTools(ctx, claims)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("resolved = %v after refresh, want none", toolNames(got))
	}
}

func TestAuthorize(t *testing.T) {
	t.Parallel()

	r := newResolver(t, staffSnapshot())
	claims := access.Claims{"roles": []any{"staff"}, "org": map[string]any{"tier": "pro"}}
	ctx := context.Background()

	def, err := r.Authorize(ctx, claims, "list_orders")
	if err != nil {
		t.Fatal(err)
	}
	if def.ID != "t1" {
		t.Errorf("authorized tool id = %q, want t1", def.ID)
	}

	cases := []struct {
		name string
		tool string
	}{
		{"not granted", "wipe_tenant"},
		{"unknown", "no_such_tool"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := r.Authorize(ctx, claims, tc.tool)
			var npe *execution.NotPermittedError
			if !errors.As(err, &npe) {
				t.Fatalf("err = %v, want NotPermittedError", err)
			}
		})
	}
}

func TestAuthorizeDisabledTool(t *testing.T) {
	t.Parallel()

	snap := staffSnapshot()
	snap.Tools[0].Enabled = false
	r := newResolver(t, snap)

	claims := access.Claims{"roles": []any{"staff"}, "org": map[string]any{"tier": "pro"}}
	_, err := r.Authorize(context.Background(), claims, "list_orders")
	var npe *execution.NotPermittedError
	if !errors.As(err, &npe) {
		t.Fatalf("err = %v, want NotPermittedError", err)
	}
}
