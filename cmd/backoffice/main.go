// Package main is the entry point for the coverpool back-office admin server.
// Runs on a separate port and exposes admin-only endpoints protected by an IP
// whitelist plus a backend-role JWT.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/vantal/coverpool/internal/backoffice"
	"github.com/vantal/coverpool/internal/chain"
	"github.com/vantal/coverpool/internal/config"
	"github.com/vantal/coverpool/internal/domain"
	"github.com/vantal/coverpool/internal/repository"
	"github.com/vantal/coverpool/internal/service"
)

func main() {
	// ── Logger ────────────────────────────────────────────────────────────────
	cfg := config.MustLoad()

	var logHandler slog.Handler
	if cfg.IsProd() {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	logger.Info("starting coverpool backoffice server",
		"env", cfg.Server.Env, "port", cfg.Server.BackofficePort)

	// ── Database ──────────────────────────────────────────────────────────────
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

	// ── Repositories ──────────────────────────────────────────────────────────
	providerRepo := repository.NewProviderRepository(db)
	policyRepo := repository.NewPolicyRepository(db)
	txRepo := repository.NewPendingTxRepository(db)
	distRepo := repository.NewDistributionRepository(db)
	reconcileRepo := repository.NewReconcileRepository(db)

	// ── External ledger gateway ───────────────────────────────────────────────
	node := chain.NewNodeClient(&cfg.Chain)

	// ── Services ──────────────────────────────────────────────────────────────
	authSvc := service.NewAuthService(cfg)
	providerSvc := service.NewProviderService(db, providerRepo, txRepo, distRepo, reconcileRepo, cfg)
	policySvc := service.NewPolicyService(db, policyRepo, txRepo, node, node, cfg)
	settlementSvc := service.NewSettlementService(db, policyRepo, providerRepo, distRepo, txRepo, reconcileRepo, cfg)
	reconcileSvc := service.NewReconcileService(providerRepo, policyRepo, reconcileRepo, node, cfg)

	// TrackerService is needed for manual retry/cancel; it registers the same
	// handlers as the API server so an admin-triggered retry resolves fully.
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

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Router ────────────────────────────────────────────────────────────────
	router := backoffice.SetupBackofficeRouter(backoffice.BackofficeDeps{
		AuthSvc:       authSvc,
		PolicySvc:     policySvc,
		SettlementSvc: settlementSvc,
		TrackerSvc:    trackerSvc,
		ReconcileSvc:  reconcileSvc,
		ProviderSvc:   providerSvc,
		PolicyRepo:    policyRepo,
		TxRepo:        txRepo,
		ReconcileRepo: reconcileRepo,
		Hub:           nil, // backoffice does not serve WS
		Cfg:           cfg,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.BackofficePort,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// ── Start ─────────────────────────────────────────────────────────────────
	go func() {
		logger.Info("backoffice http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("backoffice server error", "err", err)
			stop()
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("backoffice shutdown error", "err", err)
	}

	db.Close()
	logger.Info("backoffice server stopped cleanly")
}
