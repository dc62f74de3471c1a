// Command agora runs the agent marketplace API server.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agoralabs/agora/pkg/admission"
	"github.com/agoralabs/agora/pkg/api"
	"github.com/agoralabs/agora/pkg/board"
	"github.com/agoralabs/agora/pkg/config"
	"github.com/agoralabs/agora/pkg/delivery"
	"github.com/agoralabs/agora/pkg/identity"
	"github.com/agoralabs/agora/pkg/observability"
	"github.com/agoralabs/agora/pkg/reputation"
	"github.com/agoralabs/agora/pkg/store"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()

	policy, err := config.LoadMarketPolicy(cfg.PolicyPath)
	if err != nil {
		log.Fatalf("load market policy: %v", err)
	}

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer closeStore()

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "agora",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryEnabled && cfg.OTLPEndpoint != "",
	})
	if err != nil {
		log.Fatalf("init observability: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	ledger := reputation.NewLedger(st.Reputation(), st.Agents(), policy.BaselineScore, logger)
	ident := identity.NewService(st.Agents(), policy.BaselineScore, logger)
	jobBoard := board.NewService(st.Jobs(), policy.DefaultMaxBids, policy.JobTTLSecs, logger)
	adm := admission.NewController(st, ledger, policy.Admission(), logger)
	del := delivery.NewService(st, ledger, policy.Delivery(), logger)

	var agentLimiter *api.AgentLimiter
	if cfg.RedisAddr != "" {
		agentLimiter = api.NewAgentLimiter(cfg.RedisAddr, 120, 20)
		defer agentLimiter.Close()
		logger.Info("per-agent rate limiting enabled", "redis", cfg.RedisAddr)
	}

	server := api.NewServer(ident, jobBoard, adm, del, agentLimiter, telemetry, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("agora listening", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
}

// openStore picks the backend from the environment: Postgres when
// DATABASE_URL is set, SQLite when SQLITE_PATH is set, in-memory
// otherwise.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		logger.Info("store ready", "backend", "postgres")
		return pg, func() { pg.Close() }, nil

	case cfg.SQLitePath != "":
		lite, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("store ready", "backend", "sqlite", "path", cfg.SQLitePath)
		return lite, func() { lite.Close() }, nil

	default:
		logger.Warn("no database configured, state will not survive restart")
		return store.NewMemory(), func() {}, nil
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
