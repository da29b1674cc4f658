package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/toolgate-io/toolgate/internal/adapter/inbound/http"
	mcpcall "github.com/toolgate-io/toolgate/internal/adapter/outbound/mcp"
	"github.com/toolgate-io/toolgate/internal/adapter/outbound/memory"
	"github.com/toolgate-io/toolgate/internal/adapter/outbound/oauth"
	"github.com/toolgate-io/toolgate/internal/adapter/outbound/sqlite"
	"github.com/toolgate-io/toolgate/internal/adapter/outbound/upstream"
	"github.com/toolgate-io/toolgate/internal/adapter/outbound/yamlfile"
	"github.com/toolgate-io/toolgate/internal/config"
	"github.com/toolgate-io/toolgate/internal/domain/access"
	"github.com/toolgate-io/toolgate/internal/domain/breaker"
	"github.com/toolgate-io/toolgate/internal/domain/catalog"
	"github.com/toolgate-io/toolgate/internal/domain/execution"
	"github.com/toolgate-io/toolgate/internal/domain/token"
	"github.com/toolgate-io/toolgate/internal/port/outbound"
	"github.com/toolgate-io/toolgate/internal/service"
	"github.com/toolgate-io/toolgate/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Long: `Start the toolgate gateway server.

The gateway serves three endpoint groups:

  GET  /v1/tools                   List the tools the caller's claims grant
  POST /v1/tools/{name}/execute    Execute a granted tool
  POST /admin/cache/bust           Reload the snapshot and drop caches

plus /health and /metrics for operations.

Examples:
  # Start with config file settings
  toolgate serve

  # Start in development mode with a seeded in-memory catalog
  toolgate serve --dev

  # Start with a specific config file
  toolgate --config /path/to/config.yaml serve`,
	RunE: runServe,
}

var devMode bool

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, seeded in-memory catalog)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load without validation so the --dev flag can override first.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}
	if cfg.DevMode {
		logger.Warn("development mode enabled, do not use in production")
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("toolgate stopped")
	return nil
}

// run wires the components together and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init("toolgate", Version, cfg.DevMode)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	source, closeSource, err := openSnapshotSource(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSource()

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeoutDuration(),
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	})
	tokenCache := token.NewCache()

	httpClient := &stdhttp.Client{Timeout: cfg.Execute.HTTPTimeoutDuration()}
	upstreamCaller := upstream.NewCaller(breakers,
		upstream.WithHTTPClient(httpClient),
		upstream.WithLogger(logger),
	)
	mcpCaller := mcpcall.NewCaller(breakers, mcpcall.WithLogger(logger))

	var exchanger outbound.TokenExchanger = disabledExchanger{}
	if cfg.TokenExchange.Endpoint != "" {
		exchanger = oauth.NewExchanger(
			cfg.TokenExchange.Endpoint,
			cfg.TokenExchange.ClientID,
			cfg.TokenExchange.ClientSecret,
			tokenCache,
			breakers.Get(oauth.SourceKey),
			oauth.WithLogger(logger),
		)
	}

	resolver, err := service.NewAccessResolver(ctx, source, logger,
		service.WithResolutionTTL(cfg.Resolver.CacheTTLDuration()),
	)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	executor := service.NewToolExecutor(exchanger, upstreamCaller, mcpCaller, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := http.NewMetrics(registry)
	http.RegisterBreakerStates(registry, breakers)
	http.RegisterTokenCacheSize(registry, tokenCache)

	handler := http.NewHandler(resolver, executor, metrics, cfg.Admin.KeyHash)
	checker := http.NewHealthChecker(breakers, tokenCache, Version)

	opts := []http.Option{
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithLogger(logger),
		http.WithRegistry(registry),
		http.WithHealthChecker(checker),
	}
	if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
		opts = append(opts, http.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile))
	}
	if cfg.JWT.HMACSecret != "" {
		opts = append(opts, http.WithJWTSecret([]byte(cfg.JWT.HMACSecret)))
	}
	transport := http.NewTransport(handler, opts...)

	logger.Info("toolgate starting",
		"addr", cfg.Server.HTTPAddr,
		"snapshot_source", cfg.Snapshot.Source,
		"token_exchange", cfg.TokenExchange.Endpoint != "",
		"admin_api", cfg.Admin.KeyHash != "",
	)
	return transport.Start(ctx)
}

// openSnapshotSource builds the configured snapshot source. The returned
// close function releases any underlying file handle.
func openSnapshotSource(cfg *config.Config, logger *slog.Logger) (catalog.SnapshotSource, func(), error) {
	switch cfg.Snapshot.Source {
	case "yaml":
		return yamlfile.NewSource(cfg.Snapshot.Path), func() {}, nil
	case "sqlite":
		src, err := sqlite.Open(cfg.Snapshot.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open snapshot database: %w", err)
		}
		return src, func() { _ = src.Close() }, nil
	default:
		var snapshot catalog.Snapshot
		if cfg.DevMode {
			snapshot = devSnapshot()
			logger.Info("seeded development catalog", "tools", len(snapshot.Tools))
		}
		return memory.NewSnapshotSource(snapshot), func() {}, nil
	}
}

// devSnapshot seeds the in-memory source with a catalog that grants
// every caller one echo tool, so "toolgate serve --dev" is immediately
// exercisable without an authoring subsystem.
func devSnapshot() catalog.Snapshot {
	return catalog.Snapshot{
		Policies: []access.AccessPolicy{
			{
				ID:              "dev-allow-all",
				Name:            "Development allow-all",
				AllowedGroupIDs: []string{"dev-demo"},
				Active:          true,
			},
		},
		Groups: []access.ToolGroup{
			{
				ID:   "dev-demo",
				Name: "Development demo tools",
				Selectors: []access.ToolSelector{
					{RequiredTags: []string{"demo"}},
				},
				Active: true,
			},
		},
		Tools: []catalog.ToolDefinition{
			{
				ID:          "dev-echo",
				SourceID:    "httpbin",
				Name:        "echo",
				Description: "Echo the call arguments back via httpbin",
				Path:        "/anything",
				Tags:        []string{"demo"},
				InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`),
				Enabled:     true,
				Profile: catalog.ExecutionProfile{
					Mode:         catalog.ModeSyncHTTP,
					Method:       "POST",
					URLTemplate:  "https://httpbin.org/anything",
					BodyTemplate: "{{tojson .args}}",
					HeadersTemplate: map[string]string{
						"Content-Type": "application/json",
					},
				},
			},
		},
	}
}

// disabledExchanger rejects audience-scoped tools when no identity
// provider endpoint is configured.
type disabledExchanger struct{}

func (disabledExchanger) Exchange(context.Context, string, string, []string) (token.Entry, error) {
	return token.Entry{}, &execution.TokenExchangeError{Reason: "token exchange is not configured"}
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
