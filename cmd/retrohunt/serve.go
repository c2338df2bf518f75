package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/retrohunt/retrohunt/internal/api"
	"github.com/retrohunt/retrohunt/internal/config"
	"github.com/retrohunt/retrohunt/internal/db"
	"github.com/retrohunt/retrohunt/internal/hauntedhouse"
	"github.com/retrohunt/retrohunt/internal/hits"
	"github.com/retrohunt/retrohunt/internal/logging"
	"github.com/retrohunt/retrohunt/internal/retrohunt"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the retrohunt HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		logger, closeLog := logging.Setup(cfg.LogFile, cfg.LogLevel)
		defer closeLog() //nolint:errcheck
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	conn, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer conn.Close()

	store, err := retrohunt.NewSQLiteStore(conn)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	index, err := hits.NewSQLiteIndex(conn)
	if err != nil {
		return fmt.Errorf("hit index: %w", err)
	}

	searcher, err := newSearcher(cfg, logger)
	if err != nil {
		return err
	}
	svc := retrohunt.NewService(searcher, store, index, policy.Gate(), logger)

	mux := http.NewServeMux()
	api.NewHandler(svc, logger).RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(newRegistry(), promhttp.HandlerOpts{}))

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging(logger),
		api.Auth(policy.Identities()),
		api.RateLimit(ctx, cfg.CreateRPS),
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("retrohunt listening",
		"addr", cfg.ListenAddr,
		"retrohunt_configured", svc.Configured(),
		"users", len(policy.Users),
	)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// newSearcher returns the remote client, or hauntedhouse.Disabled when no
// service URL is configured.
func newSearcher(cfg *config.Config, logger *slog.Logger) (hauntedhouse.Searcher, error) {
	if !cfg.RemoteConfigured() {
		logger.Warn("RETROHUNT_URL not set, retrohunt operations are disabled")
		return hauntedhouse.Disabled{}, nil
	}
	client, err := hauntedhouse.New(cfg.Remote)
	if err != nil {
		return nil, fmt.Errorf("retrohunt client: %w", err)
	}
	return client, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reg.MustRegister(retrohunt.Collectors()...)
	return reg
}
