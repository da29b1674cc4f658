// Package yamlfile provides the YAML file snapshot source: a
// dev-friendly materialization of the policy, group, and catalog
// records.
package yamlfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/toolgate-io/toolgate/internal/domain/access"
	"github.com/toolgate-io/toolgate/internal/domain/catalog"
)

// Source loads a snapshot from a YAML file on every Load call.
type Source struct {
	path string
}

// NewSource creates a source reading the given file.
func NewSource(path string) *Source {
	return &Source{path: path}
}

var _ catalog.SnapshotSource = (*Source)(nil)

type fileSnapshot struct {
	Policies []filePolicy `yaml:"policies"`
	Groups   []fileGroup  `yaml:"groups"`
	Tools    []fileTool   `yaml:"tools"`
}

type filePolicy struct {
	ID              string        `yaml:"id"`
	Name            string        `yaml:"name"`
	ClaimMatchers   []fileMatcher `yaml:"claim_matchers"`
	CELCondition    string        `yaml:"cel_condition"`
	AllowedGroupIDs []string      `yaml:"allowed_group_ids"`
	Priority        int           `yaml:"priority"`
	Active          bool          `yaml:"active"`
}

type fileMatcher struct {
	JSONPath string `yaml:"json_path"`
	Operator string `yaml:"operator"`
	Value    string `yaml:"value"`
}

type fileGroup struct {
	ID              string         `yaml:"id"`
	Name            string         `yaml:"name"`
	Selectors       []fileSelector `yaml:"selectors"`
	ExplicitToolIDs []string       `yaml:"explicit_tool_ids"`
	ExcludedToolIDs []string       `yaml:"excluded_tool_ids"`
	Active          bool           `yaml:"active"`
}

type fileSelector struct {
	SourcePattern    string   `yaml:"source_pattern"`
	NamePattern      string   `yaml:"name_pattern"`
	PathPattern      string   `yaml:"path_pattern"`
	MethodPattern    string   `yaml:"method_pattern"`
	RequiredTags     []string `yaml:"required_tags"`
	ExcludedTags     []string `yaml:"excluded_tags"`
	RequiredLabelIDs []string `yaml:"required_label_ids"`
}

type fileTool struct {
	ID          string      `yaml:"id"`
	SourceID    string      `yaml:"source_id"`
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Path        string      `yaml:"path"`
	Tags        []string    `yaml:"tags"`
	Labels      []string    `yaml:"labels"`
	InputSchema any         `yaml:"input_schema"`
	Enabled     bool        `yaml:"enabled"`
	Profile     fileProfile `yaml:"profile"`
}

type fileProfile struct {
	Mode             string            `yaml:"mode"`
	Method           string            `yaml:"method"`
	URLTemplate      string            `yaml:"url_template"`
	HeadersTemplate  map[string]string `yaml:"headers_template"`
	BodyTemplate     string            `yaml:"body_template"`
	RequiredAudience string            `yaml:"required_audience"`
	RequiredScopes   []string          `yaml:"required_scopes"`
	Poll             *filePoll         `yaml:"poll"`
}

type filePoll struct {
	StatusURLTemplate string   `yaml:"status_url_template"`
	StatusFieldPath   string   `yaml:"status_field_path"`
	CompletedValues   []string `yaml:"completed_values"`
	FailedValues      []string `yaml:"failed_values"`
	ResultFieldPath   string   `yaml:"result_field_path"`
	PollIntervalSecs  float64  `yaml:"poll_interval_seconds"`
	MaxIntervalSecs   float64  `yaml:"max_interval_seconds"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	MaxPollAttempts   int      `yaml:"max_poll_attempts"`
}

// Load reads and converts the file. Unknown operators or execution
// modes fail the load rather than silently resolving to nothing.
func (s *Source) Load(ctx context.Context) (*catalog.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot file: %w", err)
	}

	var file fileSnapshot
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing snapshot file: %w", err)
	}

	snap := &catalog.Snapshot{}
	for _, p := range file.Policies {
		policy, err := p.toDomain()
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", p.ID, err)
		}
		snap.Policies = append(snap.Policies, policy)
	}
	for _, g := range file.Groups {
		snap.Groups = append(snap.Groups, g.toDomain())
	}
	for _, t := range file.Tools {
		tool, err := t.toDomain()
		if err != nil {
			return nil, fmt.Errorf("tool %q: %w", t.ID, err)
		}
		snap.Tools = append(snap.Tools, tool)
	}
	return snap, nil
}

func (p filePolicy) toDomain() (access.AccessPolicy, error) {
	out := access.AccessPolicy{
		ID:              p.ID,
		Name:            p.Name,
		CELCondition:    p.CELCondition,
		AllowedGroupIDs: p.AllowedGroupIDs,
		Priority:        p.Priority,
		Active:          p.Active,
	}
	for _, m := range p.ClaimMatchers {
		op := access.Operator(m.Operator)
		if !op.IsValid() {
			return access.AccessPolicy{}, fmt.Errorf("unknown operator %q", m.Operator)
		}
		out.ClaimMatchers = append(out.ClaimMatchers, access.ClaimMatcher{
			JSONPath: m.JSONPath,
			Operator: op,
			Value:    m.Value,
		})
	}
	return out, nil
}

func (g fileGroup) toDomain() access.ToolGroup {
	out := access.ToolGroup{
		ID:              g.ID,
		Name:            g.Name,
		ExplicitToolIDs: g.ExplicitToolIDs,
		ExcludedToolIDs: g.ExcludedToolIDs,
		Active:          g.Active,
	}
	for _, sel := range g.Selectors {
		out.Selectors = append(out.Selectors, access.ToolSelector{
			SourcePattern:    sel.SourcePattern,
			NamePattern:      sel.NamePattern,
			PathPattern:      sel.PathPattern,
			MethodPattern:    sel.MethodPattern,
			RequiredTags:     sel.RequiredTags,
			ExcludedTags:     sel.ExcludedTags,
			RequiredLabelIDs: sel.RequiredLabelIDs,
		})
	}
	return out
}

func (t fileTool) toDomain() (catalog.ToolDefinition, error) {
	mode := catalog.ExecutionMode(t.Profile.Mode)
	if !mode.IsValid() {
		return catalog.ToolDefinition{}, fmt.Errorf("unknown execution mode %q", t.Profile.Mode)
	}
	if mode == catalog.ModeAsyncPoll && t.Profile.Poll == nil {
		return catalog.ToolDefinition{}, fmt.Errorf("mode %s requires a poll config", mode)
	}

	var schema json.RawMessage
	if t.InputSchema != nil {
		b, err := json.Marshal(t.InputSchema)
		if err != nil {
			return catalog.ToolDefinition{}, fmt.Errorf("input schema: %w", err)
		}
		schema = b
	}

	out := catalog.ToolDefinition{
		ID:          t.ID,
		SourceID:    t.SourceID,
		Name:        t.Name,
		Description: t.Description,
		Path:        t.Path,
		Tags:        t.Tags,
		Labels:      t.Labels,
		InputSchema: schema,
		Enabled:     t.Enabled,
		Profile: catalog.ExecutionProfile{
			Mode:             mode,
			Method:           t.Profile.Method,
			URLTemplate:      t.Profile.URLTemplate,
			HeadersTemplate:  t.Profile.HeadersTemplate,
			BodyTemplate:     t.Profile.BodyTemplate,
			RequiredAudience: t.Profile.RequiredAudience,
			RequiredScopes:   t.Profile.RequiredScopes,
		},
	}
	if t.Profile.Poll != nil {
		out.Profile.Poll = &catalog.PollConfig{
			StatusURLTemplate: t.Profile.Poll.StatusURLTemplate,
			StatusFieldPath:   t.Profile.Poll.StatusFieldPath,
			CompletedValues:   t.Profile.Poll.CompletedValues,
			FailedValues:      t.Profile.Poll.FailedValues,
			ResultFieldPath:   t.Profile.Poll.ResultFieldPath,
			PollInterval:      secondsToDuration(t.Profile.Poll.PollIntervalSecs),
			MaxInterval:       secondsToDuration(t.Profile.Poll.MaxIntervalSecs),
			BackoffMultiplier: t.Profile.Poll.BackoffMultiplier,
			MaxPollAttempts:   t.Profile.Poll.MaxPollAttempts,
		}
	}
	return out, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
