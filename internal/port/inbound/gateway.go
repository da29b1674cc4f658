// Package inbound defines the inbound port interfaces exposed by the
// application services to transports.
package inbound

import (
	"context"

	"github.com/toolgate-io/toolgate/internal/domain/access"
	"github.com/toolgate-io/toolgate/internal/domain/catalog"
	"github.com/toolgate-io/toolgate/internal/domain/execution"
)

// AccessResolver resolves the tools a caller's claims grant.
type AccessResolver interface {
	// ResolveTools returns the caller-facing summaries of every tool the
	// claims grant, in a deterministic order.
	ResolveTools(ctx context.Context, claims access.Claims) ([]catalog.ToolSummary, error)

	// Authorize returns the definition of the named tool iff the claims
	// grant it. A missing and a forbidden tool are indistinguishable.
	Authorize(ctx context.Context, claims access.Claims, toolName string) (catalog.ToolDefinition, error)

	// Refresh reloads the snapshot and busts the resolution cache.
	// Wired to the catalog subsystem's change notification.
	Refresh(ctx context.Context) error
}

// ToolExecutor executes a resolved tool on the caller's behalf.
type ToolExecutor interface {
	Execute(ctx context.Context, def catalog.ToolDefinition, args map[string]any, claims access.Claims, subjectToken string) (*execution.Result, error)
}
