package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/toolgate-io/toolgate/internal/domain/catalog"
)

// Seed writes the snapshot into the database, replacing existing rows
// with the same ids. Used by tests and dev seeding; production files
// come from the authoring subsystem.
func (s *Source) Seed(ctx context.Context, snap *catalog.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning seed transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range snap.Policies {
		matchers := make([]matcherRow, 0, len(p.ClaimMatchers))
		for _, m := range p.ClaimMatchers {
			matchers = append(matchers, matcherRow{JSONPath: m.JSONPath, Operator: string(m.Operator), Value: m.Value})
		}
		matchersJSON, err := json.Marshal(matchers)
		if err != nil {
			return err
		}
		groupsJSON, err := json.Marshal(emptyAsList(p.AllowedGroupIDs))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO access_policies (id, name, claim_matchers, cel_condition, allowed_group_ids, priority, active)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, string(matchersJSON), p.CELCondition, string(groupsJSON), p.Priority, p.Active); err != nil {
			return fmt.Errorf("seeding policy %q: %w", p.ID, err)
		}
	}

	for _, g := range snap.Groups {
		selectors := make([]selectorRow, 0, len(g.Selectors))
		for _, sel := range g.Selectors {
			selectors = append(selectors, selectorRow{
				SourcePattern:    sel.SourcePattern,
				NamePattern:      sel.NamePattern,
				PathPattern:      sel.PathPattern,
				MethodPattern:    sel.MethodPattern,
				RequiredTags:     emptyAsList(sel.RequiredTags),
				ExcludedTags:     emptyAsList(sel.ExcludedTags),
				RequiredLabelIDs: emptyAsList(sel.RequiredLabelIDs),
			})
		}
		selectorsJSON, err := json.Marshal(selectors)
		if err != nil {
			return err
		}
		explicitJSON, err := json.Marshal(emptyAsList(g.ExplicitToolIDs))
		if err != nil {
			return err
		}
		excludedJSON, err := json.Marshal(emptyAsList(g.ExcludedToolIDs))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO tool_groups (id, name, selectors, explicit_tool_ids, excluded_tool_ids, active)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			g.ID, g.Name, string(selectorsJSON), string(explicitJSON), string(excludedJSON), g.Active); err != nil {
			return fmt.Errorf("seeding group %q: %w", g.ID, err)
		}
	}

	for _, t := range snap.Tools {
		profile := profileRow{
			Mode:             string(t.Profile.Mode),
			Method:           t.Profile.Method,
			URLTemplate:      t.Profile.URLTemplate,
			HeadersTemplate:  t.Profile.HeadersTemplate,
			BodyTemplate:     t.Profile.BodyTemplate,
			RequiredAudience: t.Profile.RequiredAudience,
			RequiredScopes:   emptyAsList(t.Profile.RequiredScopes),
		}
		if t.Profile.Poll != nil {
			profile.Poll = &pollRow{
				StatusURLTemplate: t.Profile.Poll.StatusURLTemplate,
				StatusFieldPath:   t.Profile.Poll.StatusFieldPath,
				CompletedValues:   emptyAsList(t.Profile.Poll.CompletedValues),
				FailedValues:      emptyAsList(t.Profile.Poll.FailedValues),
				ResultFieldPath:   t.Profile.Poll.ResultFieldPath,
				PollIntervalSecs:  t.Profile.Poll.PollInterval.Seconds(),
				MaxIntervalSecs:   t.Profile.Poll.MaxInterval.Seconds(),
				BackoffMultiplier: t.Profile.Poll.BackoffMultiplier,
				MaxPollAttempts:   t.Profile.Poll.MaxPollAttempts,
			}
		}
		profileJSON, err := json.Marshal(profile)
		if err != nil {
			return err
		}
		tagsJSON, err := json.Marshal(emptyAsList(t.Tags))
		if err != nil {
			return err
		}
		labelsJSON, err := json.Marshal(emptyAsList(t.Labels))
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO tools (id, source_id, name, description, path, tags, labels, input_schema, enabled, profile)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.SourceID, t.Name, t.Description, t.Path,
			string(tagsJSON), string(labelsJSON), string(t.InputSchema), t.Enabled, string(profileJSON)); err != nil {
			return fmt.Errorf("seeding tool %q: %w", t.ID, err)
		}
	}

	return tx.Commit()
}

// emptyAsList keeps JSON columns as [] instead of null for nil slices.
func emptyAsList(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
