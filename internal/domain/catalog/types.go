// Package catalog contains the read-only tool catalog records consumed
// by resolution and execution. Records are produced by an external
// authoring subsystem and treated as immutable here.
package catalog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/toolgate-io/toolgate/internal/domain/access"
)

// ExecutionMode selects how a tool invocation reaches its upstream.
type ExecutionMode string

const (
	// ModeSyncHTTP performs a single HTTP call and returns its response.
	ModeSyncHTTP ExecutionMode = "SYNC_HTTP"
	// ModeAsyncPoll triggers the operation, then polls a status endpoint
	// until it completes, fails, or the attempt budget is exhausted.
	ModeAsyncPoll ExecutionMode = "ASYNC_POLL"
	// ModeMCPCall delegates the invocation to an upstream MCP server.
	ModeMCPCall ExecutionMode = "MCP_CALL"
)

// IsValid returns true if the mode is a known value.
func (m ExecutionMode) IsValid() bool {
	switch m {
	case ModeSyncHTTP, ModeAsyncPoll, ModeMCPCall:
		return true
	}
	return false
}

// PollConfig drives the ASYNC_POLL state machine.
type PollConfig struct {
	// StatusURLTemplate renders the status GET URL; it may reference the
	// trigger response under "job" in addition to the call arguments.
	StatusURLTemplate string
	// StatusFieldPath addresses the status value in the poll response.
	StatusFieldPath string
	// CompletedValues terminate polling as COMPLETED.
	CompletedValues []string
	// FailedValues terminate polling as FAILED.
	FailedValues []string
	// ResultFieldPath addresses the final result in the completed response.
	// Empty means the whole response body.
	ResultFieldPath string
	// PollInterval is the delay before the first status request.
	PollInterval time.Duration
	// MaxInterval caps the backoff growth.
	MaxInterval time.Duration
	// BackoffMultiplier scales the interval after each attempt.
	BackoffMultiplier float64
	// MaxPollAttempts bounds the number of status requests.
	MaxPollAttempts int
}

// ExecutionProfile describes how to invoke a tool against its upstream.
type ExecutionProfile struct {
	// Mode selects the invocation transport.
	Mode ExecutionMode
	// Method is the HTTP method for SYNC_HTTP and ASYNC_POLL triggers.
	Method string
	// URLTemplate renders the request URL from the call arguments.
	URLTemplate string
	// HeadersTemplate renders each header value; templates may reference
	// the exchanged upstream token.
	HeadersTemplate map[string]string
	// BodyTemplate renders the request body. Empty means no body.
	BodyTemplate string
	// RequiredAudience, when set, triggers token exchange before the call.
	RequiredAudience string
	// RequiredScopes constrain the exchanged token.
	RequiredScopes []string
	// Poll must be set when Mode is ASYNC_POLL.
	Poll *PollConfig
}

// ToolDefinition is one read-only catalog entry.
type ToolDefinition struct {
	// ID is the unique identifier for this tool.
	ID string
	// SourceID identifies the upstream source the tool belongs to. It is
	// also the circuit-breaker key for the tool's HTTP calls.
	SourceID string
	// Name is the tool name exposed to callers.
	Name string
	// Description is shown to callers alongside the schema.
	Description string
	// Path is the upstream route path, matched by selector path patterns.
	Path string
	// Tags and Labels feed selector matching.
	Tags   []string
	Labels []string
	// InputSchema is the JSON Schema the call arguments must satisfy.
	InputSchema json.RawMessage
	// Enabled gates visibility; disabled tools are never resolved.
	Enabled bool
	// Profile describes how to execute the tool.
	Profile ExecutionProfile
}

// Attributes returns the selector-visible view of the tool.
func (t ToolDefinition) Attributes() access.ToolAttributes {
	return access.ToolAttributes{
		ID:      t.ID,
		Source:  t.SourceID,
		Name:    t.Name,
		Path:    t.Path,
		Method:  t.Profile.Method,
		Tags:    t.Tags,
		Labels:  t.Labels,
		Enabled: t.Enabled,
	}
}

// ToolSummary is the caller-facing projection of a resolved tool, safe
// to hand to an LLM or agent.
type ToolSummary struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Summary returns the caller-facing projection of the tool.
func (t ToolDefinition) Summary() ToolSummary {
	return ToolSummary{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema,
	}
}

// Snapshot is one immutable materialization of the policy, group, and
// catalog records. Resolution and execution only ever see a snapshot.
type Snapshot struct {
	Policies []access.AccessPolicy
	Groups   []access.ToolGroup
	Tools    []ToolDefinition
}

// ToolByID returns the definition for the given id.
func (s *Snapshot) ToolByID(id string) (ToolDefinition, bool) {
	for _, t := range s.Tools {
		if t.ID == id {
			return t, true
		}
	}
	return ToolDefinition{}, false
}

// ToolByName returns the definition for the given tool name.
func (s *Snapshot) ToolByName(name string) (ToolDefinition, bool) {
	for _, t := range s.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolDefinition{}, false
}

// SnapshotSource loads a snapshot from wherever the authoring subsystem
// materialized it (memory seed, YAML file, SQLite file).
type SnapshotSource interface {
	Load(ctx context.Context) (*Snapshot, error)
}
