package http

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Transport is the inbound adapter serving the gateway API over HTTP.
type Transport struct {
	handler       *Handler
	server        *http.Server
	addr          string
	certFile      string
	keyFile       string
	hmacSecret    []byte
	registry      *prometheus.Registry
	healthChecker *HealthChecker
	logger        *slog.Logger
}

// Option is a functional option for configuring Transport.
type Option func(*Transport)

// WithAddr sets the listen address. Default is "127.0.0.1:8080".
func WithAddr(addr string) Option {
	return func(t *Transport) {
		t.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(t *Transport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithJWTSecret enables HMAC signature verification of caller tokens.
// Without it, tokens are parsed unverified and an edge gateway is
// trusted to have validated them.
func WithJWTSecret(secret []byte) Option {
	return func(t *Transport) {
		t.hmacSecret = secret
	}
}

// WithLogger sets the logger for the transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *Transport) {
		t.healthChecker = hc
	}
}

// WithRegistry sets the Prometheus registry. A fresh registry with the
// Go and process collectors is created when unset.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(t *Transport) {
		t.registry = reg
	}
}

// NewTransport creates the HTTP transport around the API handler.
func NewTransport(handler *Handler, opts ...Option) *Transport {
	t := &Transport{
		handler: handler,
		addr:    "127.0.0.1:8080",
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.registry == nil {
		t.registry = prometheus.NewRegistry()
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return t
}

// Registry returns the Prometheus registry so callers can attach
// additional collectors before Start.
func (t *Transport) Registry() *prometheus.Registry {
	return t.registry
}

// Start begins serving and blocks until the context is cancelled or
// the server fails.
func (t *Transport) Start(ctx context.Context) error {
	apiMux := http.NewServeMux()
	t.handler.Register(apiMux)

	// Middleware order, outermost first: metrics captures the full
	// request, request id enriches the logger, claims guard the API.
	var api http.Handler = apiMux
	api = ClaimsMiddleware(t.hmacSecret)(api)
	api = RequestIDMiddleware(t.logger)(api)
	api = MetricsMiddleware(t.handler.metrics)(api)

	mux := http.NewServeMux()
	if t.healthChecker != nil {
		mux.Handle("/health", t.healthChecker.Handler())
	} else {
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		})
	}
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
		Registry: t.registry,
	}))
	mux.Handle("/", api)

	t.server = &http.Server{
		Addr:              t.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", t.addr)
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", t.addr)
			err = t.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown performs graceful shutdown of the HTTP server.
func (t *Transport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}
	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *Transport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
