// Package upstream implements the circuit-protected HTTP invoker for
// rendered tool requests.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/toolgate-io/toolgate/internal/domain/breaker"
	"github.com/toolgate-io/toolgate/internal/domain/execution"
	"github.com/toolgate-io/toolgate/internal/port/outbound"
)

// maxResponseBodySize caps upstream response bodies (10MB) to prevent
// memory exhaustion from a misbehaving upstream.
const maxResponseBodySize = 10 * 1024 * 1024

// Caller performs upstream HTTP calls through the per-source circuit
// breaker registry. Transport failures and 5xx responses count against
// the source's breaker; 4xx responses do not, since the upstream is
// healthy and answering.
type Caller struct {
	registry   *breaker.Registry
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Caller.
type Option func(*Caller)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(u *Caller) {
		u.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(u *Caller) {
		u.logger = logger
	}
}

// NewCaller creates a Caller using the given breaker registry.
func NewCaller(registry *breaker.Registry, opts ...Option) *Caller {
	c := &Caller{
		registry:   registry,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ outbound.UpstreamCaller = (*Caller)(nil)

// Do performs one HTTP call under the source's breaker. The returned
// response may carry any status below 500; 5xx responses surface as
// UpstreamStatusError so they count as breaker failures.
func (c *Caller) Do(ctx context.Context, sourceKey, method, url string, headers map[string]string, body []byte) (*outbound.UpstreamResponse, error) {
	br := c.registry.Get(sourceKey)

	var resp *outbound.UpstreamResponse
	err := br.Do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.send(ctx, method, url, headers, body)
		if err != nil {
			if ctx.Err() != nil {
				// The caller gave up; that is not the upstream's fault
				// and the breaker records no outcome.
				return &execution.DeadlineExceededError{Phase: "upstream call"}
			}
			return c.classify(sourceKey, err)
		}
		if resp.Status >= 500 {
			return &execution.UpstreamStatusError{SourceKey: sourceKey, Status: resp.Status}
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return nil, &execution.CircuitOpenError{
				SourceKey:  sourceKey,
				RetryAfter: br.RetryAfter(),
			}
		}
		return nil, err
	}
	return resp, nil
}

func (c *Caller) send(ctx context.Context, method, url string, headers map[string]string, body []byte) (*outbound.UpstreamResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, err
	}
	return &outbound.UpstreamResponse{Status: resp.StatusCode, Body: data}, nil
}

// classify maps a transport error into the execution taxonomy.
func (c *Caller) classify(sourceKey string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &execution.UpstreamTimeoutError{SourceKey: sourceKey, Err: err}
	}
	return &execution.UpstreamConnectionError{SourceKey: sourceKey, Err: err}
}
