// Package main is the entry point for the coverpool allocation engine API
// server.  It wires together all services and starts the HTTP server
// alongside the WebSocket hub and background scheduler.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/vantal/coverpool/internal/api"
	"github.com/vantal/coverpool/internal/chain"
	"github.com/vantal/coverpool/internal/config"
	"github.com/vantal/coverpool/internal/domain"
	"github.com/vantal/coverpool/internal/repository"
	"github.com/vantal/coverpool/internal/scheduler"
	"github.com/vantal/coverpool/internal/service"
	"github.com/vantal/coverpool/internal/ws"
)

func main() {
	// ── 1. Logger ─────────────────────────────────────────────────────────────
	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("starting coverpool server", "env", cfg.Server.Env, "port", cfg.Server.Port)

	// ── 2. Database ───────────────────────────────────────────────────────────
	db, err := sqlx.Connect("postgres", cfg.DB.DSN)
	if err != nil {
		logger.Error("database connection failed", "err", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	if err = db.Ping(); err != nil {
		logger.Error("database ping failed", "err", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	// ── 3. Migrations ─────────────────────────────────────────────────────────
	if err = runMigrations(db, "migrations"); err != nil {
		logger.Error("migrations failed", "err", err)
		os.Exit(1)
	}
	logger.Info("migrations applied")

	// ── 4. Repositories ───────────────────────────────────────────────────────
	providerRepo := repository.NewProviderRepository(db)
	policyRepo := repository.NewPolicyRepository(db)
	txRepo := repository.NewPendingTxRepository(db)
	distRepo := repository.NewDistributionRepository(db)
	reconcileRepo := repository.NewReconcileRepository(db)

	// ── 5. External ledger gateway ────────────────────────────────────────────
	node := chain.NewNodeClient(&cfg.Chain)

	// ── 6. Services (order matters for injection) ─────────────────────────────
	authSvc := service.NewAuthService(cfg)

	providerSvc := service.NewProviderService(db, providerRepo, txRepo, distRepo, reconcileRepo, cfg)

	allocationSvc := service.NewAllocationService(db, providerRepo, policyRepo, txRepo, node, node, cfg)

	policySvc := service.NewPolicyService(db, policyRepo, txRepo, node, node, cfg)

	settlementSvc := service.NewSettlementService(db, policyRepo, providerRepo, distRepo, txRepo, reconcileRepo, cfg)

	trackerSvc := service.NewTrackerService(txRepo, node, cfg)
	trackerSvc.Register(domain.ActionDeposit, service.Handlers{
		Apply:  providerSvc.ApplyDeposit,
		Revert: providerSvc.RevertDeposit,
	})
	trackerSvc.Register(domain.ActionWithdraw, service.Handlers{
		Apply:  providerSvc.ApplyWithdraw,
		Revert: providerSvc.RevertWithdraw,
	})
	trackerSvc.Register(domain.ActionAllocate, service.Handlers{
		Apply:  settlementSvc.ApplyAllocate,
		Revert: settlementSvc.RevertAllocate,
	})
	trackerSvc.Register(domain.ActionSettle, service.Handlers{
		Apply:  settlementSvc.ApplySettlement,
		Revert: settlementSvc.RevertSettle,
	})
	trackerSvc.Register(domain.ActionExpire, service.Handlers{
		Apply:  settlementSvc.ApplyExpire,
		Revert: settlementSvc.RevertExpire,
	})
	trackerSvc.Register(domain.ActionDistributePremium, service.Handlers{
		Apply:  settlementSvc.ApplyPremiumDistribution,
		Revert: settlementSvc.RevertPremiumDistribution,
	})

	reconcileSvc := service.NewReconcileService(providerRepo, policyRepo, reconcileRepo, node, cfg)

	// ── 7. WebSocket Hub ──────────────────────────────────────────────────────
	jwtSecret := []byte(cfg.JWT.AccessSecret)
	var allowedOrigins []string
	if ori := os.Getenv("WS_ALLOWED_ORIGINS"); ori != "" {
		for _, o := range strings.Split(ori, ",") {
			allowedOrigins = append(allowedOrigins, strings.TrimSpace(o))
		}
	}
	hub := ws.NewHub(jwtSecret, allowedOrigins)

	allocationSvc.SetBroadcaster(hub)
	policySvc.SetBroadcaster(hub)
	settlementSvc.SetBroadcaster(hub)
	reconcileSvc.SetBroadcaster(hub)

	// ── 8. Root context + signal handling ─────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 9. Start WS Hub ───────────────────────────────────────────────────────
	go hub.Run()
	logger.Info("websocket hub started")

	// ── 10. Scheduler ─────────────────────────────────────────────────────────
	sched := scheduler.NewScheduler(trackerSvc, policySvc, reconcileSvc, cfg, logger)
	sched.Start(ctx)

	// ── 11. HTTP Router ───────────────────────────────────────────────────────
	router := api.SetupRouter(api.RouterDeps{
		AuthSvc:       authSvc,
		AllocationSvc: allocationSvc,
		PolicySvc:     policySvc,
		ProviderSvc:   providerSvc,
		TrackerSvc:    trackerSvc,
		Hub:           hub,
		Cfg:           cfg,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// ── 12. Start server ──────────────────────────────────────────────────────
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
			stop() // trigger graceful shutdown
		}
	}()

	// ── 13. Graceful shutdown ─────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutdown signal received, draining connections…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "err", err)
	}

	db.Close()
	logger.Info("server stopped cleanly")
}

// runMigrations reads all *.sql files from dir, sorted by name, and executes
// them sequentially.  Idempotent: SQL files should use IF NOT EXISTS / ON CONFLICT.
func runMigrations(db *sqlx.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("runMigrations: read dir %q: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("runMigrations: read %q: %w", f, err)
		}
		if _, err = db.Exec(string(data)); err != nil {
			return fmt.Errorf("runMigrations: exec %q: %w", f, err)
		}
		slog.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
