package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
	"github.com/jkaninda/sandstorm/internal/config"
	"github.com/jkaninda/sandstorm/internal/gateway"
	"github.com/jkaninda/sandstorm/internal/gateway/httpapi"
	"github.com/jkaninda/sandstorm/internal/gateway/slack"
	"github.com/jkaninda/sandstorm/internal/observability"
	"github.com/jkaninda/sandstorm/internal/ratelimit"
	"github.com/jkaninda/sandstorm/internal/reaper"
	"github.com/jkaninda/sandstorm/internal/sandbox"
	"github.com/jkaninda/sandstorm/internal/session"
	"github.com/jkaninda/sandstorm/internal/store"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sandbox orchestrator server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `sandstorm --config path` and `sandstorm serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the orchestrator server: sandbox provider, run store,
// reaper, and the enabled gateways.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("SANDSTORM_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}

	logger.Info("starting sandstorm",
		slog.String("provider", cfg.Provider.ProviderType()),
		slog.String("template", cfg.Provider.TemplateName()),
	)

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}

	provider, closeProvider, err := buildProvider(cfg, obs, logger)
	if err != nil {
		return err
	}
	defer closeProvider()

	st, err := store.Open(cfg.Storage, cfg.DatabasePath(), logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	obs.Health.AddCheck("database", st.Ping)

	orch := session.NewOrchestrator(session.Options{
		Provider:   provider,
		Template:   cfg.Provider.TemplateName(),
		Fallback:   cfg.Provider.Fallback(),
		ProjectDir: cfg.ProjectDir,
		Logger:     logger,
		Metrics:    obs.MetricsOrNil(),
		Tracer:     obs.TracerOrNil(),
		Store:      st,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Reaper != nil && cfg.Reaper.Enabled {
		r := reaper.New(st, provider, cfg.Reaper.Interval(), logger, obs.MetricsOrNil())
		r.Start()
		defer r.Stop()
	}

	gateways := buildGateways(cfg, orch, st, obs, logger)

	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	obs.Shutdown(shutdownCtx)

	return nil
}

// buildProvider creates the configured sandbox provider, instrumented
// with metrics and tracing. The returned func releases provider resources.
func buildProvider(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) (sandbox.Provider, func(), error) {
	var (
		inner   sandbox.Provider
		cleanup = func() {}
	)
	switch cfg.Provider.ProviderType() {
	case "docker":
		dp := sandbox.NewDockerProvider(sandbox.DockerOptions{
			Images:         cfg.Provider.Docker.Images,
			MemoryMB:       cfg.Provider.Docker.MemoryMB,
			CPUCores:       cfg.Provider.Docker.CPUCores,
			PIDsLimit:      cfg.Provider.Docker.PIDsLimit,
			NetworkAllowed: cfg.Provider.Docker.NetworkAllowed,
		}, logger)
		inner = dp
		cleanup = dp.Close
	default:
		ep, err := sandbox.NewE2BProvider(sandbox.E2BOptions{
			APIKey:  cfg.Provider.E2B.APIKey,
			APIBase: cfg.Provider.E2B.APIBase,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("initializing e2b provider: %w", err)
		}
		inner = ep
	}

	return observability.NewInstrumentedProvider(inner, obs.MetricsOrNil(), obs.TracerOrNil()), cleanup, nil
}

// buildGateways creates the enabled gateways from config.
func buildGateways(cfg *config.Config, orch *session.Orchestrator, st *store.Store, obs *observability.Observability, logger *slog.Logger) []gateway.Gateway {
	var gws []gateway.Gateway

	// HTTP API gateway is always on; it carries the health endpoints.
	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKeys:        apiKeys(cfg),
		MaxRequestSize: cfg.Server.MaxRequestSize(),
		HealthChecker:  obs.Health,
		Metrics:        obs.MetricsOrNil(),
	}
	if obs.Metrics != nil {
		httpCfg.MetricsRegistry = obs.Metrics.Registry
	}
	if obs.Tracer != nil {
		httpCfg.Tracer = obs.Tracer.Tracer()
	}
	if cfg.Observability != nil && cfg.Observability.Metrics != nil {
		httpCfg.MetricsPath = cfg.Observability.Metrics.MetricsPath()
	}
	limiter := ratelimit.NewLimiter(cfg.Server.RateLimit)
	gws = append(gws, httpapi.NewGateway(httpCfg, orch, st, limiter, logger))
	logger.Info("gateway enabled", slog.String("type", "http"), slog.String("addr", cfg.Server.Addr()))

	if cfg.Slack != nil && cfg.Slack.Enabled {
		gws = append(gws, slack.NewGateway(slack.Config{
			SigningSecret: cfg.Slack.SigningSecret,
			BotToken:      cfg.Slack.BotToken,
			ListenAddr:    cfg.Slack.Addr(),
			UserMapping:   cfg.Slack.UserMapping,
		}, orch, ratelimit.NewLimiter(cfg.Server.RateLimit), logger))
		logger.Info("gateway enabled", slog.String("type", "slack"), slog.String("addr", cfg.Slack.Addr()))
	}

	return gws
}

// apiKeys merges config API keys with the SANDSTORM_API_KEYS env
// override ("key:user,key:user").
func apiKeys(cfg *config.Config) map[string]string {
	keys := cfg.Server.APIKeys
	if keys == nil {
		keys = make(map[string]string)
	}
	if envKeys := os.Getenv("SANDSTORM_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				keys[parts[0]] = parts[1]
			}
		}
	}
	return keys
}
