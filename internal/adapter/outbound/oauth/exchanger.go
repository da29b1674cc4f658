// Package oauth implements the token exchange outbound adapter: an
// OAuth 2.0 token exchange (RFC 8693) client with a token cache and a
// dedicated circuit breaker.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/toolgate-io/toolgate/internal/domain/breaker"
	"github.com/toolgate-io/toolgate/internal/domain/execution"
	"github.com/toolgate-io/toolgate/internal/domain/token"
	"github.com/toolgate-io/toolgate/internal/port/outbound"
)

// SourceKey is the circuit breaker key for the identity provider. Kept
// separate from upstream keys so a broken IdP never trips a healthy
// upstream's breaker, and vice versa.
const SourceKey = "token-exchange"

const (
	grantType        = "urn:ietf:params:oauth:grant-type:token-exchange"
	subjectTokenType = "urn:ietf:params:oauth:token-type:access_token"

	// maxErrorBodySize bounds how much of an IdP error response is read.
	maxErrorBodySize = 4 * 1024
)

// Exchanger exchanges a caller's subject token for a downstream-scoped
// access token. Successful exchanges are cached by (audience, scopes).
type Exchanger struct {
	endpoint     string
	clientID     string
	clientSecret string
	cache        *token.Cache
	breaker      *breaker.Breaker
	httpClient   *http.Client
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures an Exchanger.
type Option func(*Exchanger)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Exchanger) {
		e.httpClient = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Exchanger) {
		e.logger = logger
	}
}

// WithNow overrides the clock. Used by tests.
func WithNow(now func() time.Time) Option {
	return func(e *Exchanger) {
		e.now = now
	}
}

// NewExchanger creates an Exchanger against the given IdP endpoint.
func NewExchanger(endpoint, clientID, clientSecret string, cache *token.Cache, br *breaker.Breaker, opts ...Option) *Exchanger {
	e := &Exchanger{
		endpoint:     endpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		cache:        cache,
		breaker:      br,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ outbound.TokenExchanger = (*Exchanger)(nil)

// Exchange returns a token for (audience, scopes), from cache when a
// valid one is present, otherwise from the identity provider through
// the breaker. Token values are never logged.
func (e *Exchanger) Exchange(ctx context.Context, subjectToken, audience string, scopes []string) (token.Entry, error) {
	if entry, ok := e.cache.Get(audience, scopes); ok {
		e.logger.DebugContext(ctx, "token cache hit", "audience", audience)
		return entry, nil
	}

	var entry token.Entry
	err := e.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		entry, err = e.exchange(ctx, subjectToken, audience, scopes)
		return err
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return token.Entry{}, &execution.CircuitOpenError{
				SourceKey:  SourceKey,
				RetryAfter: e.breaker.RetryAfter(),
			}
		}
		return token.Entry{}, err
	}

	e.cache.Put(entry)
	e.logger.InfoContext(ctx, "token exchanged", "audience", audience, "scopes", strings.Join(scopes, " "))
	return entry, nil
}

// exchangeResponse is the IdP's successful reply.
type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

func (e *Exchanger) exchange(ctx context.Context, subjectToken, audience string, scopes []string) (token.Entry, error) {
	form := url.Values{}
	form.Set("grant_type", grantType)
	form.Set("subject_token", subjectToken)
	form.Set("subject_token_type", subjectTokenType)
	form.Set("audience", audience)
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	if e.clientID != "" {
		form.Set("client_id", e.clientID)
	}
	if e.clientSecret != "" {
		form.Set("client_secret", e.clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return token.Entry{}, &execution.TokenExchangeError{Audience: audience, Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// The caller gave up; the breaker records no outcome.
			return token.Entry{}, &execution.DeadlineExceededError{Phase: "token exchange"}
		}
		// Network failures are transient from the caller's point of view.
		return token.Entry{}, &execution.TokenExchangeError{
			Audience:  audience,
			Reason:    "identity provider unreachable",
			Transient: true,
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.CopyN(io.Discard, resp.Body, maxErrorBodySize)
		return token.Entry{}, &execution.TokenExchangeError{
			Audience:  audience,
			Status:    resp.StatusCode,
			Reason:    "identity provider rejected the exchange",
			Transient: resp.StatusCode >= 500,
		}
	}

	var body exchangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return token.Entry{}, &execution.TokenExchangeError{
			Audience: audience,
			Reason:   fmt.Sprintf("malformed exchange response: %v", err),
		}
	}
	if body.AccessToken == "" {
		return token.Entry{}, &execution.TokenExchangeError{
			Audience: audience,
			Reason:   "exchange response missing access_token",
		}
	}

	return token.Entry{
		Audience:    audience,
		Scopes:      scopes,
		AccessToken: body.AccessToken,
		ExpiresAt:   e.now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}
