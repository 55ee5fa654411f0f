package recon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"satmarket/alerts"
	"satmarket/fixed"
	"satmarket/ledger"
	"satmarket/observability"
	"satmarket/payments"
	"satmarket/storage"
)

// Provider is the status-polling slice of the payment client.
type Provider interface {
	GetStatus(ctx context.Context, paymentHash string, ref payments.Ref) (payments.Status, error)
}

// Config tunes the reconciliation sweeps.
type Config struct {
	// PaymentTokenID is the token credited when invoices settle.
	PaymentTokenID uint
	// Grace is how old a pending record must be before it is polled.
	Grace time.Duration
	// BatchSize caps how many records one sweep touches.
	BatchSize int
	// SuccessRateFloor is the minimum provider success rate over the
	// health window before an alert fires, in [0,1].
	SuccessRateFloor float64
	// HealthWindow bounds how far back provider health looks.
	HealthWindow time.Duration
	// BacklogThreshold is the pending-record count that triggers a
	// backlog alert.
	BacklogThreshold int64
}

// Reconciler heals state that drifted from the provider: it credits settled
// invoices exactly once, expires stale ones, confirms withdrawals and records
// their network fees, and audits the ledger invariant.
type Reconciler struct {
	db       *gorm.DB
	ledger   *ledger.Store
	provider Provider
	cfg      Config
	alerts   *alerts.Publisher
	metrics  *observability.ReconMetrics
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a reconciler.
func New(db *gorm.DB, provider Provider, cfg Config, publisher *alerts.Publisher, metrics *observability.ReconMetrics, logger *slog.Logger) (*Reconciler, error) {
	if cfg.PaymentTokenID == 0 {
		return nil, fmt.Errorf("recon: payment token required")
	}
	if cfg.Grace <= 0 {
		cfg.Grace = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.SuccessRateFloor <= 0 {
		cfg.SuccessRateFloor = 0.9
	}
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = time.Hour
	}
	if cfg.BacklogThreshold <= 0 {
		cfg.BacklogThreshold = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	return &Reconciler{
		db:       db,
		ledger:   ledger.New(db, now),
		provider: provider,
		cfg:      cfg,
		alerts:   publisher,
		metrics:  metrics,
		logger:   logger,
		now:      now,
	}, nil
}

// WithClock overrides the time source for deterministic tests.
func (r *Reconciler) WithClock(now func() time.Time) {
	r.now = now
	r.ledger = ledger.New(r.db, now)
}

// ReconcileInvoices sweeps pending invoices: settled ones are credited
// exactly once, ones past their expiry are marked expired. Running the sweep
// twice over the same invoice never credits twice.
func (r *Reconciler) ReconcileInvoices(ctx context.Context) error {
	start := r.now()
	err := r.reconcileInvoices(ctx)
	r.metrics.ObserveRun("invoices", r.now().Sub(start), err)
	return err
}

func (r *Reconciler) reconcileInvoices(ctx context.Context) error {
	cutoff := r.now().Add(-r.cfg.Grace)
	var invoices []storage.Invoice
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", storage.InvoicePending, cutoff).
		Order("created_at asc").Limit(r.cfg.BatchSize).
		Find(&invoices).Error
	if err != nil {
		return fmt.Errorf("recon: list pending invoices: %w", err)
	}

	for i := range invoices {
		invoice := &invoices[i]
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result, err := r.settleInvoice(ctx, invoice)
		if err != nil {
			r.metrics.RecordItem("invoices", "error")
			r.logger.Error("recon: invoice sweep failed",
				"invoice_id", invoice.ID, "error", err)
			continue
		}
		r.metrics.RecordItem("invoices", result)
	}
	return nil
}

func (r *Reconciler) settleInvoice(ctx context.Context, invoice *storage.Invoice) (string, error) {
	status, err := r.provider.GetStatus(ctx, invoice.PaymentHash,
		payments.Ref{Type: "invoice", ID: invoice.ID.String()})
	if err != nil {
		var apiErr *payments.APIError
		if !errors.As(err, &apiErr) {
			return "", err
		}
		// Unknown to the provider; fall through to the expiry check.
		status = payments.Status{}
	}

	now := r.now()
	if status.Paid {
		return "credited", r.creditInvoice(ctx, invoice.ID.String(), now)
	}
	if now.After(invoice.ExpiresAt) {
		err := r.db.WithContext(ctx).Model(invoice).
			Updates(map[string]any{"status": storage.InvoiceExpired}).Error
		if err != nil {
			return "", fmt.Errorf("recon: expire invoice: %w", err)
		}
		return "expired", nil
	}
	return "pending", nil
}

// creditInvoice settles one invoice inside a transaction. The row lock plus
// the credited flag make the credit idempotent under concurrent sweeps.
func (r *Reconciler) creditInvoice(ctx context.Context, invoiceID string, now time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invoice storage.Invoice
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&invoice, "id = ?", invoiceID).Error; err != nil {
			return fmt.Errorf("recon: lock invoice: %w", err)
		}
		if invoice.Credited {
			return nil
		}
		if err := ledger.Apply(tx, ledger.Entry{
			UserID:    invoice.UserID,
			TokenID:   r.cfg.PaymentTokenID,
			EntryType: storage.EntryDeposit,
			Delta:     fixed.FromSats(invoice.AmountSats),
			RefType:   "invoice",
			RefID:     invoice.ID.String(),
			Note:      "lightning deposit settled",
		}, now); err != nil {
			return err
		}
		return tx.Model(&invoice).Updates(map[string]any{
			"status":   storage.InvoicePaid,
			"credited": true,
			"paid_at":  now,
		}).Error
	})
}

// ReconcileWithdrawals confirms pending withdrawals against the provider and
// records the network fee at most once.
func (r *Reconciler) ReconcileWithdrawals(ctx context.Context) error {
	start := r.now()
	err := r.reconcileWithdrawals(ctx)
	r.metrics.ObserveRun("withdrawals", r.now().Sub(start), err)
	return err
}

func (r *Reconciler) reconcileWithdrawals(ctx context.Context) error {
	cutoff := r.now().Add(-r.cfg.Grace)
	var withdrawals []storage.Withdrawal
	err := r.db.WithContext(ctx).
		Where("status = ? AND payment_hash <> '' AND created_at <= ?", storage.WithdrawalPending, cutoff).
		Order("created_at asc").Limit(r.cfg.BatchSize).
		Find(&withdrawals).Error
	if err != nil {
		return fmt.Errorf("recon: list pending withdrawals: %w", err)
	}

	for i := range withdrawals {
		withdrawal := &withdrawals[i]
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result, err := r.settleWithdrawal(ctx, withdrawal)
		if err != nil {
			r.metrics.RecordItem("withdrawals", "error")
			r.logger.Error("recon: withdrawal sweep failed",
				"withdrawal_id", withdrawal.ID, "error", err)
			continue
		}
		r.metrics.RecordItem("withdrawals", result)
	}
	return nil
}

func (r *Reconciler) settleWithdrawal(ctx context.Context, withdrawal *storage.Withdrawal) (string, error) {
	status, err := r.provider.GetStatus(ctx, withdrawal.PaymentHash,
		payments.Ref{Type: "withdrawal", ID: withdrawal.ID.String()})
	if err != nil {
		return "", err
	}
	if !status.Paid {
		return "pending", nil
	}
	return "confirmed", r.confirmWithdrawal(ctx, withdrawal.ID.String(), status.FeeSats)
}

func (r *Reconciler) confirmWithdrawal(ctx context.Context, withdrawalID string, feeSats int64) error {
	now := r.now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var withdrawal storage.Withdrawal
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&withdrawal, "id = ?", withdrawalID).Error; err != nil {
			return fmt.Errorf("recon: lock withdrawal: %w", err)
		}
		if withdrawal.Status == storage.WithdrawalConfirmed {
			return nil
		}
		if feeSats > 0 && !withdrawal.FeeRecorded {
			recorded, err := ledger.HasEntry(tx, storage.EntryFee, "withdrawal", withdrawal.ID.String())
			if err != nil {
				return err
			}
			if !recorded {
				// The provider already paid; record the fee even if it
				// overdraws what the withdrawal debit left behind.
				if err := ledger.ApplyUnchecked(tx, ledger.Entry{
					UserID:    withdrawal.UserID,
					TokenID:   r.cfg.PaymentTokenID,
					EntryType: storage.EntryFee,
					Delta:     fixed.FromSats(feeSats).Neg(),
					RefType:   "withdrawal",
					RefID:     withdrawal.ID.String(),
					Note:      "network fee",
				}, now); err != nil {
					return err
				}
			}
		}
		return tx.Model(&withdrawal).Updates(map[string]any{
			"status":       storage.WithdrawalConfirmed,
			"fee_sats":     feeSats,
			"fee_recorded": feeSats > 0,
			"processed_at": now,
		}).Error
	})
}

// AuditLedger recomputes the per-token ledger invariant and raises a
// critical alert for every mismatch.
func (r *Reconciler) AuditLedger(ctx context.Context) ([]ledger.Mismatch, error) {
	start := r.now()
	mismatches, err := r.ledger.Audit(ctx)
	r.metrics.ObserveRun("ledger_audit", r.now().Sub(start), err)
	if err != nil {
		return nil, err
	}
	for _, m := range mismatches {
		r.metrics.RecordItem("ledger_audit", "mismatch")
		r.logger.Error("recon: ledger invariant broken",
			"token_id", m.TokenID, "ledger_sum", m.LedgerSum, "balance_sum", m.BalanceSum)
		r.publish(alerts.Alert{
			Kind:     "ledger_mismatch",
			Severity: alerts.SeverityCritical,
			Message:  fmt.Sprintf("token %d: ledger sum %s, balance sum %s", m.TokenID, m.LedgerSum, m.BalanceSum),
		})
	}
	return mismatches, nil
}

// Health summarises provider reliability and settlement backlog.
type Health struct {
	ProviderCalls   int64
	ProviderSuccess int64
	SuccessRate     float64
	PendingInvoices int64
	PendingPayouts  int64
}

// CheckHealth measures provider success rate over the health window and the
// pending backlog, alerting when either crosses its threshold.
func (r *Reconciler) CheckHealth(ctx context.Context) (Health, error) {
	since := r.now().Add(-r.cfg.HealthWindow)
	var health Health

	err := r.db.WithContext(ctx).Model(&storage.ProviderCall{}).
		Where("created_at >= ?", since).Count(&health.ProviderCalls).Error
	if err != nil {
		return Health{}, fmt.Errorf("recon: count provider calls: %w", err)
	}
	err = r.db.WithContext(ctx).Model(&storage.ProviderCall{}).
		Where("created_at >= ? AND success", since).Count(&health.ProviderSuccess).Error
	if err != nil {
		return Health{}, fmt.Errorf("recon: count provider successes: %w", err)
	}
	if health.ProviderCalls > 0 {
		health.SuccessRate = float64(health.ProviderSuccess) / float64(health.ProviderCalls)
		if health.SuccessRate < r.cfg.SuccessRateFloor {
			r.publish(alerts.Alert{
				Kind:     "provider_degraded",
				Severity: alerts.SeverityWarning,
				Message: fmt.Sprintf("provider success rate %.2f below floor %.2f over %s",
					health.SuccessRate, r.cfg.SuccessRateFloor, r.cfg.HealthWindow),
			})
		}
	} else {
		health.SuccessRate = 1
	}

	cutoff := r.now().Add(-r.cfg.Grace)
	err = r.db.WithContext(ctx).Model(&storage.Invoice{}).
		Where("status = ? AND created_at <= ?", storage.InvoicePending, cutoff).
		Count(&health.PendingInvoices).Error
	if err != nil {
		return Health{}, fmt.Errorf("recon: count invoice backlog: %w", err)
	}
	err = r.db.WithContext(ctx).Model(&storage.Withdrawal{}).
		Where("status = ? AND created_at <= ?", storage.WithdrawalPending, cutoff).
		Count(&health.PendingPayouts).Error
	if err != nil {
		return Health{}, fmt.Errorf("recon: count payout backlog: %w", err)
	}
	if health.PendingInvoices+health.PendingPayouts > r.cfg.BacklogThreshold {
		r.publish(alerts.Alert{
			Kind:     "settlement_backlog",
			Severity: alerts.SeverityWarning,
			Message: fmt.Sprintf("%d invoices and %d withdrawals pending past grace",
				health.PendingInvoices, health.PendingPayouts),
		})
	}
	return health, nil
}

// ForceReconcile runs one named sweep immediately.
func (r *Reconciler) ForceReconcile(ctx context.Context, kind string) error {
	switch kind {
	case "invoices":
		return r.ReconcileInvoices(ctx)
	case "withdrawals":
		return r.ReconcileWithdrawals(ctx)
	case "ledger":
		_, err := r.AuditLedger(ctx)
		return err
	default:
		return fmt.Errorf("recon: unknown sweep %q", kind)
	}
}

func (r *Reconciler) publish(alert alerts.Alert) {
	if r.alerts == nil {
		return
	}
	r.alerts.Publish(alert)
}
