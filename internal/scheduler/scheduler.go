// Package scheduler manages the four background goroutines that run the
// allocation engine's lifecycle:
//  1. submitLoop    – pushes due pending transactions to the external ledger.
//  2. pollLoop      – polls submitted transactions until they resolve.
//  3. expireLoop    – sweeps policies past their expiration height.
//  4. reconcileLoop – folds the internal ledger against the external aggregate.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/vantal/coverpool/internal/config"
	"github.com/vantal/coverpool/internal/service"
)

// Scheduler wires together the services and runs the engine's background
// loops. Call Start(ctx) once from main(); cancel the context to shut it
// down gracefully.
type Scheduler struct {
	trackerSvc   *service.TrackerService
	policySvc    *service.PolicyService
	reconcileSvc *service.ReconcileService
	cfg          *config.Config
	logger       *slog.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(
	trackerSvc *service.TrackerService,
	policySvc *service.PolicyService,
	reconcileSvc *service.ReconcileService,
	cfg *config.Config,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		trackerSvc:   trackerSvc,
		policySvc:    policySvc,
		reconcileSvc: reconcileSvc,
		cfg:          cfg,
		logger:       logger,
	}
}

// Start launches the background goroutines. It returns immediately; all
// loops run until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	go s.submitLoop(ctx)
	go s.pollLoop(ctx)
	go s.expireLoop(ctx)
	go s.reconcileLoop(ctx)
	s.logger.Info("scheduler started",
		"submit_interval", s.cfg.Engine.SubmitInterval,
		"poll_interval", s.cfg.Engine.PollInterval,
		"expire_interval", s.cfg.Engine.ExpireInterval,
		"reconcile_interval", s.cfg.Engine.ReconcileInterval)
}

// ──────────────────────────────────────────────────────────────────────────────
// submitLoop
// ──────────────────────────────────────────────────────────────────────────────

// submitLoop pushes due pending transactions to the external ledger on each
// tick. Per-transaction backoff lives in the tracker; the loop only paces
// the sweeps.
func (s *Scheduler) submitLoop(ctx context.Context) {
	defer s.recoverAndLog("submitLoop")

	ticker := time.NewTicker(s.cfg.Engine.SubmitInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("submitLoop: shutting down")
			return
		case <-ticker.C:
			if _, err := s.trackerSvc.SubmitDue(ctx); err != nil {
				s.logger.Error("submitLoop: SubmitDue", "err", err)
			}
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// pollLoop
// ──────────────────────────────────────────────────────────────────────────────

// pollLoop resolves submitted transactions against the external ledger.
func (s *Scheduler) pollLoop(ctx context.Context) {
	defer s.recoverAndLog("pollLoop")

	ticker := time.NewTicker(s.cfg.Engine.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("pollLoop: shutting down")
			return
		case <-ticker.C:
			if _, err := s.trackerSvc.PollSubmitted(ctx); err != nil {
				s.logger.Error("pollLoop: PollSubmitted", "err", err)
			}
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// expireLoop
// ──────────────────────────────────────────────────────────────────────────────

// expireLoop sweeps active policies whose expiration height has passed and
// moves them to expired. A failed sweep retries naturally on the next tick.
func (s *Scheduler) expireLoop(ctx context.Context) {
	defer s.recoverAndLog("expireLoop")

	ticker := time.NewTicker(s.cfg.Engine.ExpireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expireLoop: shutting down")
			return
		case <-ticker.C:
			results, err := s.policySvc.SweepExpired(ctx)
			if err != nil {
				s.logger.Error("expireLoop: SweepExpired", "err", err)
				continue
			}
			expired := 0
			for _, r := range results {
				if r.Expired {
					expired++
				}
			}
			if len(results) > 0 {
				s.logger.Info("expiration sweep finished",
					"candidates", len(results), "expired", expired)
			}
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// reconcileLoop
// ──────────────────────────────────────────────────────────────────────────────

// reconcileLoop runs the reconciliation pass for every supported token.
func (s *Scheduler) reconcileLoop(ctx context.Context) {
	defer s.recoverAndLog("reconcileLoop")

	ticker := time.NewTicker(s.cfg.Engine.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reconcileLoop: shutting down")
			return
		case <-ticker.C:
			found, err := s.reconcileSvc.Run(ctx)
			if err != nil {
				s.logger.Error("reconcileLoop: Run", "err", err)
				continue
			}
			if found > 0 {
				s.logger.Warn("reconciliation found discrepancies", "count", found)
			}
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Panic recovery
// ──────────────────────────────────────────────────────────────────────────────

// recoverAndLog is deferred inside each goroutine to catch unexpected panics,
// log them, and allow the scheduler to continue running.
func (s *Scheduler) recoverAndLog(loop string) {
	if r := recover(); r != nil {
		s.logger.Error("PANIC recovered in scheduler loop",
			"loop", loop, "panic", r)
	}
}
