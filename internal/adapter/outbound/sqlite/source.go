// Package sqlite provides the SQLite snapshot source. The database file
// is produced by the authoring subsystem; this adapter only reads it.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/toolgate-io/toolgate/internal/domain/access"
	"github.com/toolgate-io/toolgate/internal/domain/catalog"
)

const schema = `
CREATE TABLE IF NOT EXISTS access_policies (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	claim_matchers    TEXT NOT NULL DEFAULT '[]',
	cel_condition     TEXT NOT NULL DEFAULT '',
	allowed_group_ids TEXT NOT NULL DEFAULT '[]',
	priority          INTEGER NOT NULL DEFAULT 0,
	active            INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS tool_groups (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL DEFAULT '',
	selectors         TEXT NOT NULL DEFAULT '[]',
	explicit_tool_ids TEXT NOT NULL DEFAULT '[]',
	excluded_tool_ids TEXT NOT NULL DEFAULT '[]',
	active            INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS tools (
	id           TEXT PRIMARY KEY,
	source_id    TEXT NOT NULL,
	name         TEXT NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	path         TEXT NOT NULL DEFAULT '',
	tags         TEXT NOT NULL DEFAULT '[]',
	labels       TEXT NOT NULL DEFAULT '[]',
	input_schema TEXT NOT NULL DEFAULT '',
	enabled      INTEGER NOT NULL DEFAULT 1,
	profile      TEXT NOT NULL DEFAULT '{}'
);
`

// Source loads snapshots from a SQLite database file.
type Source struct {
	db *sql.DB
}

// Open opens the database with WAL and a busy timeout, on a single
// connection. The schema is created if absent so an empty file is a
// valid (empty) snapshot.
func Open(path string) (*Source, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot database: %w", err)
	}
	// modernc.org/sqlite serializes access; a single connection avoids
	// SQLITE_BUSY churn under concurrent loads.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensuring snapshot schema: %w", err)
	}
	return &Source{db: db}, nil
}

// Close releases the database handle.
func (s *Source) Close() error {
	return s.db.Close()
}

var _ catalog.SnapshotSource = (*Source)(nil)

// Wire shapes for the JSON columns, written by the authoring subsystem.

type matcherRow struct {
	JSONPath string `json:"json_path"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

type selectorRow struct {
	SourcePattern    string   `json:"source_pattern"`
	NamePattern      string   `json:"name_pattern"`
	PathPattern      string   `json:"path_pattern"`
	MethodPattern    string   `json:"method_pattern"`
	RequiredTags     []string `json:"required_tags"`
	ExcludedTags     []string `json:"excluded_tags"`
	RequiredLabelIDs []string `json:"required_label_ids"`
}

type profileRow struct {
	Mode             string            `json:"mode"`
	Method           string            `json:"method"`
	URLTemplate      string            `json:"url_template"`
	HeadersTemplate  map[string]string `json:"headers_template"`
	BodyTemplate     string            `json:"body_template"`
	RequiredAudience string            `json:"required_audience"`
	RequiredScopes   []string          `json:"required_scopes"`
	Poll             *pollRow          `json:"poll"`
}

type pollRow struct {
	StatusURLTemplate string   `json:"status_url_template"`
	StatusFieldPath   string   `json:"status_field_path"`
	CompletedValues   []string `json:"completed_values"`
	FailedValues      []string `json:"failed_values"`
	ResultFieldPath   string   `json:"result_field_path"`
	PollIntervalSecs  float64  `json:"poll_interval_seconds"`
	MaxIntervalSecs   float64  `json:"max_interval_seconds"`
	BackoffMultiplier float64  `json:"backoff_multiplier"`
	MaxPollAttempts   int      `json:"max_poll_attempts"`
}

// Load reads every record. Unknown operators or modes fail the load.
func (s *Source) Load(ctx context.Context) (*catalog.Snapshot, error) {
	snap := &catalog.Snapshot{}

	if err := s.loadPolicies(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadGroups(ctx, snap); err != nil {
		return nil, err
	}
	if err := s.loadTools(ctx, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *Source) loadPolicies(ctx context.Context, snap *catalog.Snapshot) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, claim_matchers, cel_condition, allowed_group_ids, priority, active FROM access_policies`)
	if err != nil {
		return fmt.Errorf("querying policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var p access.AccessPolicy
		var matchersJSON, groupsJSON string
		if err := rows.Scan(&p.ID, &p.Name, &matchersJSON, &p.CELCondition, &groupsJSON, &p.Priority, &p.Active); err != nil {
			return fmt.Errorf("scanning policy: %w", err)
		}

		var matchers []matcherRow
		if err := json.Unmarshal([]byte(matchersJSON), &matchers); err != nil {
			return fmt.Errorf("policy %q claim_matchers: %w", p.ID, err)
		}
		for _, m := range matchers {
			op := access.Operator(m.Operator)
			if !op.IsValid() {
				return fmt.Errorf("policy %q: unknown operator %q", p.ID, m.Operator)
			}
			p.ClaimMatchers = append(p.ClaimMatchers, access.ClaimMatcher{
				JSONPath: m.JSONPath,
				Operator: op,
				Value:    m.Value,
			})
		}
		if err := json.Unmarshal([]byte(groupsJSON), &p.AllowedGroupIDs); err != nil {
			return fmt.Errorf("policy %q allowed_group_ids: %w", p.ID, err)
		}
		snap.Policies = append(snap.Policies, p)
	}
	return rows.Err()
}

func (s *Source) loadGroups(ctx context.Context, snap *catalog.Snapshot) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, selectors, explicit_tool_ids, excluded_tool_ids, active FROM tool_groups`)
	if err != nil {
		return fmt.Errorf("querying groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var g access.ToolGroup
		var selectorsJSON, explicitJSON, excludedJSON string
		if err := rows.Scan(&g.ID, &g.Name, &selectorsJSON, &explicitJSON, &excludedJSON, &g.Active); err != nil {
			return fmt.Errorf("scanning group: %w", err)
		}

		var selectors []selectorRow
		if err := json.Unmarshal([]byte(selectorsJSON), &selectors); err != nil {
			return fmt.Errorf("group %q selectors: %w", g.ID, err)
		}
		for _, sel := range selectors {
			g.Selectors = append(g.Selectors, access.ToolSelector{
				SourcePattern:    sel.SourcePattern,
				NamePattern:      sel.NamePattern,
				PathPattern:      sel.PathPattern,
				MethodPattern:    sel.MethodPattern,
				RequiredTags:     sel.RequiredTags,
				ExcludedTags:     sel.ExcludedTags,
				RequiredLabelIDs: sel.RequiredLabelIDs,
			})
		}
		if err := json.Unmarshal([]byte(explicitJSON), &g.ExplicitToolIDs); err != nil {
			return fmt.Errorf("group %q explicit_tool_ids: %w", g.ID, err)
		}
		if err := json.Unmarshal([]byte(excludedJSON), &g.ExcludedToolIDs); err != nil {
			return fmt.Errorf("group %q excluded_tool_ids: %w", g.ID, err)
		}
		snap.Groups = append(snap.Groups, g)
	}
	return rows.Err()
}

func (s *Source) loadTools(ctx context.Context, snap *catalog.Snapshot) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, name, description, path, tags, labels, input_schema, enabled, profile FROM tools`)
	if err != nil {
		return fmt.Errorf("querying tools: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var t catalog.ToolDefinition
		var tagsJSON, labelsJSON, schemaText, profileJSON string
		if err := rows.Scan(&t.ID, &t.SourceID, &t.Name, &t.Description, &t.Path,
			&tagsJSON, &labelsJSON, &schemaText, &t.Enabled, &profileJSON); err != nil {
			return fmt.Errorf("scanning tool: %w", err)
		}

		if err := json.Unmarshal([]byte(tagsJSON), &t.Tags); err != nil {
			return fmt.Errorf("tool %q tags: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(labelsJSON), &t.Labels); err != nil {
			return fmt.Errorf("tool %q labels: %w", t.ID, err)
		}
		if schemaText != "" {
			t.InputSchema = json.RawMessage(schemaText)
		}

		var profile profileRow
		if err := json.Unmarshal([]byte(profileJSON), &profile); err != nil {
			return fmt.Errorf("tool %q profile: %w", t.ID, err)
		}
		mode := catalog.ExecutionMode(profile.Mode)
		if !mode.IsValid() {
			return fmt.Errorf("tool %q: unknown execution mode %q", t.ID, profile.Mode)
		}
		if mode == catalog.ModeAsyncPoll && profile.Poll == nil {
			return fmt.Errorf("tool %q: mode %s requires a poll config", t.ID, mode)
		}
		t.Profile = catalog.ExecutionProfile{
			Mode:             mode,
			Method:           profile.Method,
			URLTemplate:      profile.URLTemplate,
			HeadersTemplate:  profile.HeadersTemplate,
			BodyTemplate:     profile.BodyTemplate,
			RequiredAudience: profile.RequiredAudience,
			RequiredScopes:   profile.RequiredScopes,
		}
		if profile.Poll != nil {
			t.Profile.Poll = &catalog.PollConfig{
				StatusURLTemplate: profile.Poll.StatusURLTemplate,
				StatusFieldPath:   profile.Poll.StatusFieldPath,
				CompletedValues:   profile.Poll.CompletedValues,
				FailedValues:      profile.Poll.FailedValues,
				ResultFieldPath:   profile.Poll.ResultFieldPath,
				PollInterval:      time.Duration(profile.Poll.PollIntervalSecs * float64(time.Second)),
				MaxInterval:       time.Duration(profile.Poll.MaxIntervalSecs * float64(time.Second)),
				BackoffMultiplier: profile.Poll.BackoffMultiplier,
				MaxPollAttempts:   profile.Poll.MaxPollAttempts,
			}
		}
		snap.Tools = append(snap.Tools, t)
	}
	return rows.Err()
}
