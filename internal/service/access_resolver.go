// Package service contains application services.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	celeval "github.com/toolgate-io/toolgate/internal/adapter/outbound/cel"
	"github.com/toolgate-io/toolgate/internal/domain/access"
	"github.com/toolgate-io/toolgate/internal/domain/catalog"
	"github.com/toolgate-io/toolgate/internal/domain/execution"
	"github.com/toolgate-io/toolgate/internal/port/inbound"
)

// defaultResolutionTTL is how long a cached resolution stays valid
// without an explicit refresh.
const defaultResolutionTTL = 5 * time.Minute

// compiledPolicy pairs a policy with its pre-compiled CEL condition.
// Program is nil when the policy has no condition.
type compiledPolicy struct {
	policy  access.AccessPolicy
	program cel.Program
}

// resolverSnapshot is the immutable compiled snapshot stored in
// atomic.Value for lock-free reads on the hot path.
type resolverSnapshot struct {
	policies []compiledPolicy // sorted by priority descending
	groups   []access.ToolGroup
	attrs    []access.ToolAttributes
	byID     map[string]catalog.ToolDefinition
	byName   map[string]catalog.ToolDefinition
}

// cachedResolution is one resolution cache entry.
type cachedResolution struct {
	toolIDs   []string
	expiresAt time.Time
}

// AccessResolver derives the tools a caller's claims grant: policy
// evaluation (AND within a policy, union across policies), group
// resolution, and catalog materialization, with a TTL cache keyed by
// the claims fingerprint.
type AccessResolver struct {
	source    catalog.SnapshotSource
	evaluator *celeval.Evaluator
	snapshot  atomic.Value // stores *resolverSnapshot
	reloadMu  sync.Mutex   // only for Refresh() writes
	logger    *slog.Logger
	tracer    trace.Tracer
	ttl       time.Duration
	now       func() time.Time

	cacheMu sync.Mutex
	cache   map[string]cachedResolution
}

// AccessResolverOption configures AccessResolver.
type AccessResolverOption func(*AccessResolver)

// WithResolutionTTL sets the resolution cache TTL.
func WithResolutionTTL(ttl time.Duration) AccessResolverOption {
	return func(r *AccessResolver) {
		r.ttl = ttl
	}
}

// WithResolverNow overrides the clock. Used by tests.
func WithResolverNow(now func() time.Time) AccessResolverOption {
	return func(r *AccessResolver) {
		r.now = now
	}
}

// NewAccessResolver loads and compiles the initial snapshot. The ctx
// is used for the initial load and can be cancelled to abort startup.
func NewAccessResolver(ctx context.Context, source catalog.SnapshotSource, logger *slog.Logger, opts ...AccessResolverOption) (*AccessResolver, error) {
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	r := &AccessResolver{
		source:    source,
		evaluator: evaluator,
		logger:    logger,
		tracer:    otel.Tracer("toolgate/resolver"),
		ttl:       defaultResolutionTTL,
		now:       time.Now,
		cache:     make(map[string]cachedResolution),
	}
	for _, opt := range opts {
		opt(r)
	}

	snap, err := r.loadAndCompile(ctx)
	if err != nil {
		return nil, err
	}
	r.snapshot.Store(snap)

	logger.Info("access resolver initialized",
		"policies", len(snap.policies),
		"groups", len(snap.groups),
		"tools", len(snap.attrs),
		"cache_ttl", r.ttl,
	)
	return r, nil
}

var _ inbound.AccessResolver = (*AccessResolver)(nil)

// loadAndCompile loads a snapshot from the source and compiles every
// policy condition. A policy with an invalid condition fails the load
// rather than silently granting or denying.
func (r *AccessResolver) loadAndCompile(ctx context.Context) (*resolverSnapshot, error) {
	raw, err := r.source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	snap := &resolverSnapshot{
		groups: raw.Groups,
		byID:   make(map[string]catalog.ToolDefinition, len(raw.Tools)),
		byName: make(map[string]catalog.ToolDefinition, len(raw.Tools)),
	}

	for _, p := range raw.Policies {
		cp := compiledPolicy{policy: p}
		if p.CELCondition != "" {
			prg, err := r.evaluator.Compile(p.CELCondition)
			if err != nil {
				return nil, fmt.Errorf("failed to compile condition of policy %s: %w", p.ID, err)
			}
			cp.program = prg
		}
		snap.policies = append(snap.policies, cp)
	}
	// Priority orders evaluation for deterministic audit logs only; the
	// result is a union and does not depend on it.
	sort.SliceStable(snap.policies, func(i, j int) bool {
		return snap.policies[i].policy.Priority > snap.policies[j].policy.Priority
	})

	for _, t := range raw.Tools {
		snap.attrs = append(snap.attrs, t.Attributes())
		snap.byID[t.ID] = t
		snap.byName[t.Name] = t
	}
	return snap, nil
}

// loadSnapshot returns the current snapshot atomically (lock-free).
func (r *AccessResolver) loadSnapshot() *resolverSnapshot {
	return r.snapshot.Load().(*resolverSnapshot)
}

// Refresh reloads the snapshot from the source and busts the
// resolution cache. Called when the catalog subsystem signals a policy
// or group change.
func (r *AccessResolver) Refresh(ctx context.Context) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	snap, err := r.loadAndCompile(ctx)
	if err != nil {
		return err
	}
	r.snapshot.Store(snap)
	r.Invalidate()

	r.logger.InfoContext(ctx, "snapshot refreshed",
		"policies", len(snap.policies),
		"groups", len(snap.groups),
		"tools", len(snap.attrs),
	)
	return nil
}

// Invalidate busts the resolution cache without reloading the snapshot.
func (r *AccessResolver) Invalidate() {
	r.cacheMu.Lock()
	r.cache = make(map[string]cachedResolution)
	r.cacheMu.Unlock()
}

// ResolveGroups evaluates every active policy against the claims and
// unions the granted group ids. All active policies are evaluated; the
// result is identical under any permutation of policies or matchers.
func (r *AccessResolver) ResolveGroups(ctx context.Context, claims access.Claims) []string {
	snap := r.loadSnapshot()

	granted := make(map[string]struct{})
	for _, cp := range snap.policies {
		if !cp.policy.Active {
			continue
		}
		if !cp.policy.MatchersMatch(claims) {
			continue
		}
		if cp.program != nil {
			ok, err := r.evaluator.Evaluate(cp.program, claims)
			if err != nil {
				// Malformed claims never fail resolution; the policy
				// simply does not fire.
				r.logger.WarnContext(ctx, "policy condition evaluation failed",
					"policy_id", cp.policy.ID, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}
		r.logger.DebugContext(ctx, "policy fired", "policy_id", cp.policy.ID)
		for _, gid := range cp.policy.AllowedGroupIDs {
			granted[gid] = struct{}{}
		}
	}

	ids := make([]string, 0, len(granted))
	for gid := range granted {
		ids = append(ids, gid)
	}
	sort.Strings(ids)
	return ids
}

// resolveToolIDs computes the effective tool-id set for the claims,
// consulting the TTL cache first.
func (r *AccessResolver) resolveToolIDs(ctx context.Context, claims access.Claims) []string {
	key := claims.Fingerprint()

	r.cacheMu.Lock()
	if entry, ok := r.cache[key]; ok {
		if r.now().Before(entry.expiresAt) {
			r.cacheMu.Unlock()
			return entry.toolIDs
		}
		delete(r.cache, key)
	}
	r.cacheMu.Unlock()

	ids := r.computeToolIDs(ctx, claims)

	r.cacheMu.Lock()
	r.cache[key] = cachedResolution{toolIDs: ids, expiresAt: r.now().Add(r.ttl)}
	r.cacheMu.Unlock()
	return ids
}

// computeToolIDs is the uncached resolution path.
func (r *AccessResolver) computeToolIDs(ctx context.Context, claims access.Claims) []string {
	snap := r.loadSnapshot()
	groupIDs := r.ResolveGroups(ctx, claims)
	if len(groupIDs) == 0 {
		return nil
	}

	grantedGroups := make(map[string]struct{}, len(groupIDs))
	for _, gid := range groupIDs {
		grantedGroups[gid] = struct{}{}
	}

	toolSet := make(map[string]struct{})
	for _, g := range snap.groups {
		if _, ok := grantedGroups[g.ID]; !ok {
			continue
		}
		for id := range g.EffectiveTools(snap.attrs) {
			toolSet[id] = struct{}{}
		}
	}

	ids := make([]string, 0, len(toolSet))
	for id := range toolSet {
		// Drop anything no longer present or disabled in the catalog.
		if def, ok := snap.byID[id]; ok && def.Enabled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ResolveTools returns the caller-facing summaries of every granted
// tool, ordered by tool name.
func (r *AccessResolver) ResolveTools(ctx context.Context, claims access.Claims) ([]catalog.ToolSummary, error) {
	ctx, span := r.tracer.Start(ctx, "resolver.ResolveTools")
	defer span.End()

	snap := r.loadSnapshot()
	ids := r.resolveToolIDs(ctx, claims)

	summaries := make([]catalog.ToolSummary, 0, len(ids))
	for _, id := range ids {
		if def, ok := snap.byID[id]; ok {
			summaries = append(summaries, def.Summary())
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Name < summaries[j].Name
	})

	span.SetAttributes(attribute.Int("resolved_tools", len(summaries)))
	return summaries, nil
}

// Authorize returns the named tool's definition iff the claims grant
// it. Missing, disabled, and forbidden tools are indistinguishable.
func (r *AccessResolver) Authorize(ctx context.Context, claims access.Claims, toolName string) (catalog.ToolDefinition, error) {
	snap := r.loadSnapshot()

	def, ok := snap.byName[toolName]
	if !ok || !def.Enabled {
		return catalog.ToolDefinition{}, &execution.NotPermittedError{Tool: toolName}
	}
	for _, id := range r.resolveToolIDs(ctx, claims) {
		if id == def.ID {
			return def, nil
		}
	}
	return catalog.ToolDefinition{}, &execution.NotPermittedError{Tool: toolName}
}
