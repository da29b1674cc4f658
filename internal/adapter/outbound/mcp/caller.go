// Package mcp implements the MCP_CALL outbound adapter: tool invocation
// against an upstream MCP server over the Streamable HTTP transport.
package mcp

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/toolgate-io/toolgate/internal/domain/breaker"
	"github.com/toolgate-io/toolgate/internal/domain/execution"
	"github.com/toolgate-io/toolgate/internal/port/outbound"
)

// maxResponseBodySize is the maximum response body size from upstream.
// Prevents OOM from a malicious upstream sending unbounded responses.
const maxResponseBodySize = 10 * 1024 * 1024

// protocolVersion is the streamable HTTP protocol revision offered in
// the initialize handshake.
const protocolVersion = "2025-03-26"

// Caller invokes tools on upstream MCP servers via JSON-RPC POSTs.
// Calls run under the source's circuit breaker, like any other upstream.
type Caller struct {
	registry   *breaker.Registry
	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	sessions    map[string]string // endpoint -> Mcp-Session-Id
	initialized map[string]bool   // endpoints that completed the handshake
}

// Option configures a Caller.
type Option func(*Caller)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Caller) {
		c.httpClient = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Caller) {
		c.logger = logger
	}
}

// NewCaller creates a Caller using the given breaker registry.
func NewCaller(registry *breaker.Registry, opts ...Option) *Caller {
	c := &Caller{
		registry: registry,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:      slog.Default(),
		sessions:    make(map[string]string),
		initialized: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ outbound.MCPCaller = (*Caller)(nil)

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcNotification is a JSON-RPC 2.0 notification envelope (no id, no
// reply expected).
type rpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response envelope.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CallTool sends a tools/call request to the upstream MCP endpoint and
// returns the raw result. An upstream JSON-RPC error is a terminal tool
// failure, not a transport failure, and does not count against the
// breaker.
func (c *Caller) CallTool(ctx context.Context, sourceKey, endpoint, tool string, args map[string]any, headers map[string]string) (json.RawMessage, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      2,
		Method:  "tools/call",
		Params: map[string]any{
			"name":      tool,
			"arguments": args,
		},
	})
	if err != nil {
		return nil, &execution.InternalError{Err: err}
	}

	br := c.registry.Get(sourceKey)

	var rpcResp rpcResponse
	err = br.Do(ctx, func(ctx context.Context) error {
		if err := c.ensureSession(ctx, sourceKey, endpoint, headers); err != nil {
			return err
		}
		body, err := c.post(ctx, endpoint, payload, headers)
		if err != nil {
			if ctx.Err() != nil {
				// The caller gave up; the breaker records no outcome.
				return &execution.DeadlineExceededError{Phase: "mcp call"}
			}
			return c.classify(sourceKey, err)
		}
		if err := json.Unmarshal(body, &rpcResp); err != nil {
			return &execution.UpstreamConnectionError{
				SourceKey: sourceKey,
				Err:       fmt.Errorf("malformed json-rpc response: %w", err),
			}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return nil, &execution.CircuitOpenError{SourceKey: sourceKey, RetryAfter: br.RetryAfter()}
		}
		return nil, err
	}

	if rpcResp.Error != nil {
		return nil, &execution.InternalError{
			Err: fmt.Errorf("mcp error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message),
		}
	}
	return rpcResp.Result, nil
}

// ensureSession performs the initialize handshake once per endpoint:
// an initialize request (whose response carries the Mcp-Session-Id for
// stateful servers) followed by the initialized notification. Later
// calls reuse the session. Runs inside the source's breaker via the
// CallTool callback.
func (c *Caller) ensureSession(ctx context.Context, sourceKey, endpoint string, headers map[string]string) error {
	c.mu.Lock()
	done := c.initialized[endpoint]
	c.mu.Unlock()
	if done {
		return nil
	}

	initPayload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": "toolgate", "version": "1"},
		},
	})
	if err != nil {
		return &execution.InternalError{Err: err}
	}

	body, err := c.post(ctx, endpoint, initPayload, headers)
	if err != nil {
		if ctx.Err() != nil {
			return &execution.DeadlineExceededError{Phase: "mcp initialize"}
		}
		return c.classify(sourceKey, err)
	}
	var initResp rpcResponse
	if err := json.Unmarshal(body, &initResp); err != nil {
		return &execution.UpstreamConnectionError{
			SourceKey: sourceKey,
			Err:       fmt.Errorf("malformed initialize response: %w", err),
		}
	}
	if initResp.Error != nil {
		return &execution.UpstreamConnectionError{
			SourceKey: sourceKey,
			Err:       fmt.Errorf("mcp initialize error %d: %s", initResp.Error.Code, initResp.Error.Message),
		}
	}

	notifyPayload, err := json.Marshal(rpcNotification{
		JSONRPC: "2.0",
		Method:  "notifications/initialized",
	})
	if err != nil {
		return &execution.InternalError{Err: err}
	}
	if _, err := c.post(ctx, endpoint, notifyPayload, headers); err != nil {
		if ctx.Err() != nil {
			return &execution.DeadlineExceededError{Phase: "mcp initialize"}
		}
		return c.classify(sourceKey, err)
	}

	c.logger.DebugContext(ctx, "mcp session initialized", "endpoint", endpoint)
	c.mu.Lock()
	c.initialized[endpoint] = true
	c.mu.Unlock()
	return nil
}

// post sends one JSON-RPC message, carrying the endpoint's session id
// when the server has issued one.
func (c *Caller) post(ctx context.Context, endpoint string, payload []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	c.mu.Lock()
	sessionID := c.sessions[endpoint]
	c.mu.Unlock()
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.mu.Lock()
		c.sessions[endpoint] = sid
		c.mu.Unlock()
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}
	return body, nil
}

func (c *Caller) classify(sourceKey string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &execution.UpstreamTimeoutError{SourceKey: sourceKey, Err: err}
	}
	return &execution.UpstreamConnectionError{SourceKey: sourceKey, Err: err}
}
