// Package outbound defines the outbound port interfaces the application
// services depend on. Adapters implement them against real collaborators
// (identity provider, upstream HTTP endpoints, MCP servers).
package outbound

import (
	"context"
	"encoding/json"

	"github.com/toolgate-io/toolgate/internal/domain/token"
)

// TokenExchanger obtains a downstream-scoped access token for the
// caller's subject token via OAuth token exchange. Implementations cache
// by (audience, scope set) and must never log token values.
type TokenExchanger interface {
	Exchange(ctx context.Context, subjectToken, audience string, scopes []string) (token.Entry, error)
}

// UpstreamResponse is the reply to one upstream HTTP call.
type UpstreamResponse struct {
	Status int
	Body   []byte
}

// UpstreamCaller performs circuit-protected HTTP calls against upstream
// tool endpoints. sourceKey selects the breaker isolating that upstream.
type UpstreamCaller interface {
	Do(ctx context.Context, sourceKey, method, url string, headers map[string]string, body []byte) (*UpstreamResponse, error)
}

// MCPCaller invokes a tool on an upstream MCP server.
type MCPCaller interface {
	CallTool(ctx context.Context, sourceKey, endpoint, tool string, args map[string]any, headers map[string]string) (json.RawMessage, error)
}
