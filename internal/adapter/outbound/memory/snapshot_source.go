// Package memory provides the in-memory snapshot source, used for tests
// and dev-mode seeding.
package memory

import (
	"context"
	"sync"

	"github.com/toolgate-io/toolgate/internal/domain/access"
	"github.com/toolgate-io/toolgate/internal/domain/catalog"
)

// SnapshotSource serves a seeded snapshot. Thread-safe: Load returns a
// deep copy so callers can never mutate the seed, and Replace swaps the
// seed atomically.
type SnapshotSource struct {
	mu       sync.RWMutex
	snapshot catalog.Snapshot
}

// NewSnapshotSource creates a source serving the given records.
func NewSnapshotSource(snapshot catalog.Snapshot) *SnapshotSource {
	return &SnapshotSource{snapshot: snapshot}
}

var _ catalog.SnapshotSource = (*SnapshotSource)(nil)

// Load returns a deep copy of the seeded snapshot.
func (s *SnapshotSource) Load(ctx context.Context) (*catalog.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &catalog.Snapshot{
		Policies: make([]access.AccessPolicy, len(s.snapshot.Policies)),
		Groups:   make([]access.ToolGroup, len(s.snapshot.Groups)),
		Tools:    make([]catalog.ToolDefinition, len(s.snapshot.Tools)),
	}
	for i, p := range s.snapshot.Policies {
		snap.Policies[i] = copyPolicy(p)
	}
	for i, g := range s.snapshot.Groups {
		snap.Groups[i] = copyGroup(g)
	}
	for i, t := range s.snapshot.Tools {
		snap.Tools[i] = copyTool(t)
	}
	return snap, nil
}

// Replace swaps the seeded snapshot. Used by tests and dev seeding.
func (s *SnapshotSource) Replace(snapshot catalog.Snapshot) {
	s.mu.Lock()
	s.snapshot = snapshot
	s.mu.Unlock()
}

func copyPolicy(p access.AccessPolicy) access.AccessPolicy {
	out := p
	out.ClaimMatchers = append([]access.ClaimMatcher(nil), p.ClaimMatchers...)
	out.AllowedGroupIDs = append([]string(nil), p.AllowedGroupIDs...)
	return out
}

func copyGroup(g access.ToolGroup) access.ToolGroup {
	out := g
	out.Selectors = make([]access.ToolSelector, len(g.Selectors))
	for i, sel := range g.Selectors {
		s := sel
		s.RequiredTags = append([]string(nil), sel.RequiredTags...)
		s.ExcludedTags = append([]string(nil), sel.ExcludedTags...)
		s.RequiredLabelIDs = append([]string(nil), sel.RequiredLabelIDs...)
		out.Selectors[i] = s
	}
	out.ExplicitToolIDs = append([]string(nil), g.ExplicitToolIDs...)
	out.ExcludedToolIDs = append([]string(nil), g.ExcludedToolIDs...)
	return out
}

func copyTool(t catalog.ToolDefinition) catalog.ToolDefinition {
	out := t
	out.Tags = append([]string(nil), t.Tags...)
	out.Labels = append([]string(nil), t.Labels...)
	out.InputSchema = append([]byte(nil), t.InputSchema...)
	out.Profile.RequiredScopes = append([]string(nil), t.Profile.RequiredScopes...)
	if t.Profile.HeadersTemplate != nil {
		out.Profile.HeadersTemplate = make(map[string]string, len(t.Profile.HeadersTemplate))
		for k, v := range t.Profile.HeadersTemplate {
			out.Profile.HeadersTemplate[k] = v
		}
	}
	if t.Profile.Poll != nil {
		poll := *t.Profile.Poll
		poll.CompletedValues = append([]string(nil), t.Profile.Poll.CompletedValues...)
		poll.FailedValues = append([]string(nil), t.Profile.Poll.FailedValues...)
		out.Profile.Poll = &poll
	}
	return out
}
