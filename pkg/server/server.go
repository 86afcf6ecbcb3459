// Package server wires up a complete ClawRoute process: configuration,
// model catalog, executor, metrics sink, tracing, and the HTTP handler
// tree, exposed as a single Server value for cmd/server/main.go to run.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/clawroute/clawroute/internal/api"
	"github.com/clawroute/clawroute/internal/api/handlers"
	"github.com/clawroute/clawroute/internal/catalog"
	"github.com/clawroute/clawroute/internal/config"
	"github.com/clawroute/clawroute/internal/executor"
	"github.com/clawroute/clawroute/internal/metrics"
	"github.com/clawroute/clawroute/internal/telemetry"
)

// Version is stamped at build time via -ldflags; "dev" otherwise.
var Version = "dev"

// Server holds the fully wired ClawRoute process.
type Server struct {
	Handler http.Handler

	Config   *config.Configuration
	Catalog  *catalog.Catalog
	Executor *executor.Executor
	Sink     *metrics.MemorySink

	// ShutdownFunc flushes tracing on graceful shutdown; always safe to
	// call, even when tracing was never enabled.
	ShutdownFunc func(context.Context) error
}

// New loads configuration, builds the core components, and returns a
// ready Server. Configuration errors are fatal at this layer —
// the caller is expected to log.Fatal on a non-nil error.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	shutdown, err := telemetry.Init(ctx, cfg.OTelEnabled)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	cat := catalog.New()
	log.Info().Msg("model catalog initialized")

	exec := executor.New(cfg, cat)
	sink := metrics.NewMemorySink()

	h := handlers.New(cfg, cat, exec, sink, sink, Version)
	router := api.NewRouter(cfg, h)

	log.Info().
		Int("port", cfg.ProxyPort).
		Bool("enabled", cfg.Enabled()).
		Bool("dryRun", cfg.DryRun()).
		Msg("clawroute server initialized")

	return &Server{
		Handler:      router,
		Config:       cfg,
		Catalog:      cat,
		Executor:     exec,
		Sink:         sink,
		ShutdownFunc: shutdown,
	}, nil
}
