package access

// EffectiveTools derives the group's effective tool-id set from the given
// catalog view. An enabled tool is included when any selector matches it
// (OR across selectors) or when it is explicitly listed; excluded IDs are
// removed last and override both. Disabled tools are never included, even
// explicitly. Inactive groups yield an empty set.
func (g ToolGroup) EffectiveTools(tools []ToolAttributes) map[string]struct{} {
	result := make(map[string]struct{})
	if !g.Active {
		return result
	}

	explicit := make(map[string]struct{}, len(g.ExplicitToolIDs))
	for _, id := range g.ExplicitToolIDs {
		explicit[id] = struct{}{}
	}

	for _, t := range tools {
		if !t.Enabled {
			continue
		}
		if _, ok := explicit[t.ID]; ok {
			result[t.ID] = struct{}{}
			continue
		}
		for _, s := range g.Selectors {
			if s.Matches(t) {
				result[t.ID] = struct{}{}
				break
			}
		}
	}

	for _, id := range g.ExcludedToolIDs {
		delete(result, id)
	}
	return result
}
