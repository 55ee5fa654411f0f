package recon

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig sets the sweep cadences. Zero intervals disable the
// corresponding sweep.
type SchedulerConfig struct {
	SweepInterval  time.Duration
	AuditInterval  time.Duration
	HealthInterval time.Duration
}

// Scheduler drives the reconciliation sweeps on fixed intervals until its
// context is cancelled.
type Scheduler struct {
	reconciler *Reconciler
	cfg        SchedulerConfig
	logger     *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(reconciler *Reconciler, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.AuditInterval <= 0 {
		cfg.AuditInterval = 10 * time.Minute
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{reconciler: reconciler, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	audit := time.NewTicker(s.cfg.AuditInterval)
	defer audit.Stop()
	health := time.NewTicker(s.cfg.HealthInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			if err := s.reconciler.ReconcileInvoices(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("recon: invoice sweep failed", "error", err)
			}
			if err := s.reconciler.ReconcileWithdrawals(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("recon: withdrawal sweep failed", "error", err)
			}
		case <-audit.C:
			if _, err := s.reconciler.AuditLedger(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("recon: ledger audit failed", "error", err)
			}
		case <-health.C:
			if _, err := s.reconciler.CheckHealth(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("recon: health check failed", "error", err)
			}
		}
	}
}
