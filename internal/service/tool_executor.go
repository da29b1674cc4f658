package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/google/jsonschema-go/jsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolgate-io/toolgate/internal/domain/access"
	"github.com/toolgate-io/toolgate/internal/domain/catalog"
	"github.com/toolgate-io/toolgate/internal/domain/execution"
	"github.com/toolgate-io/toolgate/internal/port/inbound"
	"github.com/toolgate-io/toolgate/internal/port/outbound"
	"github.com/toolgate-io/toolgate/internal/template"
)

// ToolExecutor runs a resolved tool invocation end to end: argument
// validation, token exchange, request rendering, and the transport for
// the tool's execution mode.
type ToolExecutor struct {
	exchanger outbound.TokenExchanger
	upstream  outbound.UpstreamCaller
	mcp       outbound.MCPCaller
	renderer  *template.Renderer
	logger    *slog.Logger
	tracer    trace.Tracer
	newID     func() string
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// ToolExecutorOption configures ToolExecutor.
type ToolExecutorOption func(*ToolExecutor)

// WithExecutionID overrides execution id generation. Used by tests.
func WithExecutionID(newID func() string) ToolExecutorOption {
	return func(e *ToolExecutor) {
		e.newID = newID
	}
}

// WithPollSleep overrides the wait between poll attempts. Used by tests.
func WithPollSleep(sleep func(ctx context.Context, d time.Duration) error) ToolExecutorOption {
	return func(e *ToolExecutor) {
		e.sleep = sleep
	}
}

// NewToolExecutor wires the executor to its outbound collaborators.
func NewToolExecutor(exchanger outbound.TokenExchanger, upstream outbound.UpstreamCaller, mcp outbound.MCPCaller, logger *slog.Logger, opts ...ToolExecutorOption) *ToolExecutor {
	e := &ToolExecutor{
		exchanger: exchanger,
		upstream:  upstream,
		mcp:       mcp,
		renderer:  template.NewRenderer(),
		logger:    logger,
		tracer:    otel.Tracer("toolgate/executor"),
		newID:     uuid.NewString,
		now:       time.Now,
		sleep:     pollSleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ inbound.ToolExecutor = (*ToolExecutor)(nil)

// Execute runs one invocation of an authorized tool. The returned error
// is always one of the execution error types.
func (e *ToolExecutor) Execute(ctx context.Context, def catalog.ToolDefinition, args map[string]any, claims access.Claims, subjectToken string) (*execution.Result, error) {
	ctx, span := e.tracer.Start(ctx, "executor.Execute",
		trace.WithAttributes(
			attribute.String("tool.id", def.ID),
			attribute.String("tool.mode", string(def.Profile.Mode)),
		))
	defer span.End()

	executionID := e.newID()
	started := e.now()

	// An expired deadline aborts before any validation or I/O happens.
	if ctx.Err() != nil {
		return nil, &execution.DeadlineExceededError{Phase: "execute"}
	}

	if err := e.validateArgs(def, args); err != nil {
		return nil, err
	}

	accessToken, err := e.exchangeToken(ctx, def, subjectToken)
	if err != nil {
		return nil, err
	}

	vars := map[string]any{
		"args":   args,
		"token":  accessToken,
		"claims": map[string]any(claims),
	}

	var result *execution.Result
	switch def.Profile.Mode {
	case catalog.ModeSyncHTTP:
		result, err = e.executeSync(ctx, def, vars)
	case catalog.ModeAsyncPoll:
		result, err = e.executePoll(ctx, def, vars)
	case catalog.ModeMCPCall:
		result, err = e.executeMCP(ctx, def, args, vars)
	default:
		err = &execution.InternalError{Err: fmt.Errorf("unknown execution mode %q", def.Profile.Mode)}
	}
	if err != nil {
		e.logger.WarnContext(ctx, "tool execution failed",
			"execution_id", executionID,
			"tool", def.Name,
			"mode", def.Profile.Mode,
			"duration", e.now().Sub(started),
			"retryable", execution.Retryable(err),
			"error", err,
		)
		return nil, err
	}

	result.ExecutionID = executionID
	result.ToolID = def.ID
	result.Duration = e.now().Sub(started)

	e.logger.InfoContext(ctx, "tool executed",
		"execution_id", executionID,
		"tool", def.Name,
		"mode", def.Profile.Mode,
		"status", result.Status,
		"upstream_status", result.UpstreamStatus,
		"poll_attempts", result.PollAttempts,
		"duration", result.Duration,
	)
	span.SetAttributes(attribute.String("execution.status", string(result.Status)))
	return result, nil
}

// validateArgs checks the call arguments against the tool's input
// schema. A tool without a schema accepts any arguments.
func (e *ToolExecutor) validateArgs(def catalog.ToolDefinition, args map[string]any) error {
	if len(def.InputSchema) == 0 {
		return nil
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
		return &execution.InternalError{Err: fmt.Errorf("tool %q has a malformed input schema: %w", def.Name, err)}
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return &execution.InternalError{Err: fmt.Errorf("tool %q input schema does not resolve: %w", def.Name, err)}
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := resolved.Validate(args); err != nil {
		return &execution.ValidationError{Tool: def.Name, Reason: err.Error()}
	}
	return nil
}

// exchangeToken obtains a downstream token when the profile requires
// one. Returns the empty string when no exchange is configured.
func (e *ToolExecutor) exchangeToken(ctx context.Context, def catalog.ToolDefinition, subjectToken string) (string, error) {
	if def.Profile.RequiredAudience == "" {
		return "", nil
	}
	entry, err := e.exchanger.Exchange(ctx, subjectToken, def.Profile.RequiredAudience, def.Profile.RequiredScopes)
	if err != nil {
		return "", err
	}
	return entry.AccessToken, nil
}

// executeSync performs a single upstream HTTP call. A 4xx upstream
// reply is a terminal FAILED outcome, not an error.
func (e *ToolExecutor) executeSync(ctx context.Context, def catalog.ToolDefinition, vars map[string]any) (*execution.Result, error) {
	rendered, err := e.renderer.Render(template.RequestTemplates{
		URL:     def.Profile.URLTemplate,
		Headers: def.Profile.HeadersTemplate,
		Body:    def.Profile.BodyTemplate,
	}, vars)
	if err != nil {
		return nil, err
	}

	resp, err := e.upstream.Do(ctx, def.SourceID, def.Profile.Method, rendered.URL, rendered.Headers, rendered.Body)
	if err != nil {
		return nil, err
	}

	status := execution.StatusCompleted
	if resp.Status >= 400 {
		status = execution.StatusFailed
	}
	return &execution.Result{
		Status:         status,
		Result:         json.RawMessage(resp.Body),
		UpstreamStatus: resp.Status,
	}, nil
}

// executeMCP delegates the invocation to the upstream MCP server. The
// URL template renders the server endpoint.
func (e *ToolExecutor) executeMCP(ctx context.Context, def catalog.ToolDefinition, args map[string]any, vars map[string]any) (*execution.Result, error) {
	rendered, err := e.renderer.Render(template.RequestTemplates{
		URL:     def.Profile.URLTemplate,
		Headers: def.Profile.HeadersTemplate,
	}, vars)
	if err != nil {
		return nil, err
	}

	raw, err := e.mcp.CallTool(ctx, def.SourceID, rendered.URL, def.Name, args, rendered.Headers)
	if err != nil {
		return nil, err
	}
	return &execution.Result{
		Status: execution.StatusCompleted,
		Result: raw,
	}, nil
}

// executePoll triggers the operation, then polls the status endpoint
// with exponential backoff until a terminal status or the attempt
// budget is exhausted.
func (e *ToolExecutor) executePoll(ctx context.Context, def catalog.ToolDefinition, vars map[string]any) (*execution.Result, error) {
	poll := def.Profile.Poll
	if poll == nil {
		return nil, &execution.InternalError{Err: fmt.Errorf("tool %q has no poll config", def.Name)}
	}

	trigger, err := e.executeSync(ctx, def, vars)
	if err != nil {
		return nil, err
	}
	if trigger.Status == execution.StatusFailed {
		return trigger, nil
	}

	// Poll templates see the parsed trigger response as .job.
	var job any
	if len(trigger.Result) > 0 {
		if err := json.Unmarshal(trigger.Result, &job); err != nil {
			return nil, &execution.InternalError{Err: fmt.Errorf("trigger response is not JSON: %w", err)}
		}
	}
	pollVars := make(map[string]any, len(vars)+1)
	for k, v := range vars {
		pollVars[k] = v
	}
	pollVars["job"] = job

	interval := poll.PollInterval
	for attempt := 1; attempt <= poll.MaxPollAttempts; attempt++ {
		if err := e.sleep(ctx, interval); err != nil {
			return nil, err
		}
		if poll.BackoffMultiplier > 1 {
			interval = time.Duration(float64(interval) * poll.BackoffMultiplier)
			if poll.MaxInterval > 0 && interval > poll.MaxInterval {
				interval = poll.MaxInterval
			}
		}

		statusURL, err := e.renderer.RenderString("status url", poll.StatusURLTemplate, pollVars)
		if err != nil {
			return nil, err
		}
		headers, err := e.renderHeaders(def.Profile.HeadersTemplate, pollVars)
		if err != nil {
			return nil, err
		}

		resp, err := e.upstream.Do(ctx, def.SourceID, "GET", statusURL, headers, nil)
		if err != nil {
			return nil, err
		}

		var parsed any
		if err := json.Unmarshal(resp.Body, &parsed); err != nil {
			return nil, &execution.InternalError{Err: fmt.Errorf("status response is not JSON: %w", err)}
		}
		value, found := access.LookupPath(parsed, poll.StatusFieldPath)
		if !found {
			// Status field absent means still pending.
			continue
		}
		status := statusString(value)

		if contains(poll.FailedValues, status) {
			return &execution.Result{
				Status:         execution.StatusFailed,
				Result:         json.RawMessage(resp.Body),
				UpstreamStatus: resp.Status,
				PollAttempts:   attempt,
			}, nil
		}
		if contains(poll.CompletedValues, status) {
			return &execution.Result{
				Status:         execution.StatusCompleted,
				Result:         extractResult(parsed, resp.Body, poll.ResultFieldPath),
				UpstreamStatus: resp.Status,
				PollAttempts:   attempt,
			}, nil
		}
	}

	return nil, &execution.PollTimeoutError{Tool: def.Name, Attempts: poll.MaxPollAttempts}
}

// pollSleep sleeps for the interval or until the context expires.
func pollSleep(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return &execution.DeadlineExceededError{Phase: "poll wait"}
	}
}

func (e *ToolExecutor) renderHeaders(templates map[string]string, vars map[string]any) (map[string]string, error) {
	headers := make(map[string]string, len(templates))
	for name, tmpl := range templates {
		value, err := e.renderer.RenderString("header "+name, tmpl, vars)
		if err != nil {
			return nil, err
		}
		headers[name] = value
	}
	return headers, nil
}

// extractResult returns the configured result field of the completed
// status response, or the whole body when the path is empty or absent.
func extractResult(parsed any, body []byte, path string) json.RawMessage {
	if path == "" {
		return json.RawMessage(body)
	}
	value, found := access.LookupPath(parsed, path)
	if !found {
		return json.RawMessage(body)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return json.RawMessage(body)
	}
	return raw
}

// statusString normalizes a status value for comparison against the
// configured terminal values.
func statusString(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", value)
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
