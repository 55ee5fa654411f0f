package funding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"satmarket/fixed"
	"satmarket/idempotency"
	"satmarket/ledger"
	"satmarket/payments"
	"satmarket/storage"
)

var (
	// ErrInsufficientBalance is returned when the payment token balance
	// cannot cover the requested withdrawal.
	ErrInsufficientBalance = errors.New("funding: insufficient balance")
	// ErrBelowMinimum rejects deposits under the configured floor.
	ErrBelowMinimum = errors.New("funding: amount below minimum")
	// ErrNotFound indicates the invoice or withdrawal does not exist.
	ErrNotFound = errors.New("funding: not found")
)

// Provider is the slice of the payment client the service needs. Tests
// substitute a scripted fake.
type Provider interface {
	CreateInvoice(ctx context.Context, amountSats int64, memo string, ref payments.Ref) (payments.Invoice, error)
	GetStatus(ctx context.Context, paymentHash string, ref payments.Ref) (payments.Status, error)
	Pay(ctx context.Context, bolt11 string, maxFeeSats int64, ref payments.Ref) (payments.Payment, error)
}

// Config carries the funding policy knobs.
type Config struct {
	// PaymentTokenID is the token credited by deposits and debited by
	// withdrawals.
	PaymentTokenID uint
	MinDepositSats int64
	InvoiceExpiry  time.Duration
	MaxFeeSats     int64
}

// Service moves value between the external settlement provider and the
// internal ledger. Deposits mint a provider invoice first and persist the
// local record second; a crash between the two is healed by reconciliation.
type Service struct {
	db       *gorm.DB
	ledger   *ledger.Store
	guard    *idempotency.Guard
	provider Provider
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService wires the funding flows together.
func NewService(db *gorm.DB, provider Provider, cfg Config, logger *slog.Logger) (*Service, error) {
	if cfg.PaymentTokenID == 0 {
		return nil, fmt.Errorf("funding: payment token required")
	}
	if cfg.MinDepositSats <= 0 {
		cfg.MinDepositSats = 100
	}
	if cfg.InvoiceExpiry <= 0 {
		cfg.InvoiceExpiry = 30 * time.Minute
	}
	if cfg.MaxFeeSats <= 0 {
		cfg.MaxFeeSats = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	return &Service{
		db:       db,
		ledger:   ledger.New(db, now),
		guard:    idempotency.New(db, now),
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		now:      now,
	}, nil
}

// WithClock overrides the time source for deterministic tests.
func (s *Service) WithClock(now func() time.Time) {
	s.now = now
	s.ledger = ledger.New(s.db, now)
	s.guard = idempotency.New(s.db, now)
}

// Ledger exposes the service's ledger store.
func (s *Service) Ledger() *ledger.Store {
	return s.ledger
}

// Deposit asks the provider for an invoice and records it locally. Repeats
// with the same idempotency key return the original invoice without a second
// provider call. The balance is credited only once the invoice settles.
func (s *Service) Deposit(ctx context.Context, userID uuid.UUID, amountSats int64, memo, idemKey string) (*storage.Invoice, error) {
	if amountSats < s.cfg.MinDepositSats {
		return nil, fmt.Errorf("%w: %d sats, minimum %d", ErrBelowMinimum, amountSats, s.cfg.MinDepositSats)
	}
	claim, created, err := s.guard.Begin(ctx, userID, "deposit", idemKey)
	if err != nil {
		return nil, err
	}
	if !created {
		return s.invoiceByID(ctx, claim.ResourceID)
	}

	invoiceID := uuid.New()
	ref := payments.Ref{Type: "invoice", ID: invoiceID.String()}
	issued, err := s.provider.CreateInvoice(ctx, amountSats, memo, ref)
	if err != nil {
		if releaseErr := s.guard.Release(ctx, userID, "deposit", idemKey); releaseErr != nil {
			s.logger.Error("funding: release deposit claim failed", "error", releaseErr)
		}
		return nil, fmt.Errorf("funding: create invoice: %w", err)
	}

	now := s.now()
	invoice := storage.Invoice{
		ID:             invoiceID,
		UserID:         userID,
		AmountSats:     amountSats,
		Memo:           memo,
		PaymentRequest: issued.PaymentRequest,
		PaymentHash:    issued.PaymentHash,
		CheckingID:     issued.CheckingID,
		Status:         storage.InvoicePending,
		ExpiresAt:      now.Add(s.cfg.InvoiceExpiry),
		CreatedAt:      now,
	}
	if err := s.db.WithContext(ctx).Create(&invoice).Error; err != nil {
		return nil, fmt.Errorf("funding: persist invoice: %w", err)
	}
	if err := s.guard.Complete(ctx, userID, "deposit", idemKey, "invoice", invoiceID.String()); err != nil {
		return nil, err
	}
	s.logger.Info("funding: invoice created",
		"invoice_id", invoiceID, "user_id", userID, "amount_sats", amountSats)
	return &invoice, nil
}

// Withdraw debits the balance up front, records a pending withdrawal, then
// pays the destination. A terminal provider failure restores the balance
// with a single adjustment entry and marks the withdrawal failed.
func (s *Service) Withdraw(ctx context.Context, userID uuid.UUID, bolt11 string, amountSats, maxFeeSats int64, idemKey string) (*storage.Withdrawal, error) {
	if amountSats <= 0 {
		return nil, fmt.Errorf("funding: withdrawal amount must be positive")
	}
	if strings.TrimSpace(bolt11) == "" {
		return nil, fmt.Errorf("funding: destination required")
	}
	if maxFeeSats <= 0 {
		maxFeeSats = s.cfg.MaxFeeSats
	}
	claim, created, err := s.guard.Begin(ctx, userID, "withdraw", idemKey)
	if err != nil {
		return nil, err
	}
	if !created {
		return s.withdrawalByID(ctx, claim.ResourceID)
	}

	withdrawalID := uuid.New()
	amount := fixed.FromSats(amountSats)
	now := s.now()
	withdrawal := storage.Withdrawal{
		ID:         withdrawalID,
		UserID:     userID,
		AmountSats: amountSats,
		Bolt11:     bolt11,
		MaxFeeSats: maxFeeSats,
		Status:     storage.WithdrawalPending,
		CreatedAt:  now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ledger.Apply(tx, ledger.Entry{
			UserID:    userID,
			TokenID:   s.cfg.PaymentTokenID,
			EntryType: storage.EntryWithdrawal,
			Delta:     amount.Neg(),
			RefType:   "withdrawal",
			RefID:     withdrawalID.String(),
			Note:      "lightning withdrawal",
		}, now); err != nil {
			if errors.Is(err, ledger.ErrNegativeBalance) {
				return ErrInsufficientBalance
			}
			return err
		}
		return tx.Create(&withdrawal).Error
	})
	if err != nil {
		if releaseErr := s.guard.Release(ctx, userID, "withdraw", idemKey); releaseErr != nil {
			s.logger.Error("funding: release withdraw claim failed", "error", releaseErr)
		}
		return nil, err
	}

	ref := payments.Ref{Type: "withdrawal", ID: withdrawalID.String()}
	payment, payErr := s.provider.Pay(ctx, bolt11, maxFeeSats, ref)
	if payErr != nil {
		if terminal(payErr) {
			if failErr := s.failWithdrawal(ctx, &withdrawal, payErr); failErr != nil {
				return nil, failErr
			}
		} else {
			// Outcome unknown; reconciliation settles it by payment hash.
			s.logger.Warn("funding: payment outcome unknown",
				"withdrawal_id", withdrawalID, "error", payErr)
		}
	} else {
		update := map[string]any{
			"payment_hash": payment.PaymentHash,
			"checking_id":  payment.CheckingID,
		}
		if err := s.db.WithContext(ctx).Model(&withdrawal).Updates(update).Error; err != nil {
			return nil, fmt.Errorf("funding: record payment hash: %w", err)
		}
	}

	if err := s.guard.Complete(ctx, userID, "withdraw", idemKey, "withdrawal", withdrawalID.String()); err != nil {
		return nil, err
	}
	return s.withdrawalByID(ctx, withdrawalID.String())
}

// failWithdrawal marks the row failed and restores the debited amount with
// exactly one adjustment entry.
func (s *Service) failWithdrawal(ctx context.Context, withdrawal *storage.Withdrawal, cause error) error {
	now := s.now()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current storage.Withdrawal
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "id = ?", withdrawal.ID).Error; err != nil {
			return fmt.Errorf("funding: lock withdrawal: %w", err)
		}
		if current.Status == storage.WithdrawalFailed {
			return nil
		}
		refunded, err := ledger.HasEntry(tx, storage.EntryAdjustment, "withdrawal", withdrawal.ID.String())
		if err != nil {
			return err
		}
		if !refunded {
			if err := ledger.Apply(tx, ledger.Entry{
				UserID:    current.UserID,
				TokenID:   s.cfg.PaymentTokenID,
				EntryType: storage.EntryAdjustment,
				Delta:     fixed.FromSats(current.AmountSats),
				RefType:   "withdrawal",
				RefID:     withdrawal.ID.String(),
				Note:      "withdrawal failed, balance restored",
			}, now); err != nil {
				return err
			}
		}
		return tx.Model(&current).Updates(map[string]any{
			"status":       storage.WithdrawalFailed,
			"processed_at": now,
		}).Error
	})
	if err != nil {
		return err
	}
	s.logger.Warn("funding: withdrawal failed, balance restored",
		"withdrawal_id", withdrawal.ID, "cause", cause)
	return nil
}

// Invoice loads one invoice.
func (s *Service) Invoice(ctx context.Context, id uuid.UUID) (*storage.Invoice, error) {
	return s.invoiceByID(ctx, id.String())
}

// Withdrawal loads one withdrawal.
func (s *Service) Withdrawal(ctx context.Context, id uuid.UUID) (*storage.Withdrawal, error) {
	return s.withdrawalByID(ctx, id.String())
}

// Invoices lists a user's invoices, newest first.
func (s *Service) Invoices(ctx context.Context, userID uuid.UUID, limit int) ([]storage.Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	var invoices []storage.Invoice
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at desc").Limit(limit).Find(&invoices).Error; err != nil {
		return nil, fmt.Errorf("funding: list invoices: %w", err)
	}
	return invoices, nil
}

// Withdrawals lists a user's withdrawals, newest first.
func (s *Service) Withdrawals(ctx context.Context, userID uuid.UUID, limit int) ([]storage.Withdrawal, error) {
	if limit <= 0 {
		limit = 50
	}
	var withdrawals []storage.Withdrawal
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("created_at desc").Limit(limit).Find(&withdrawals).Error; err != nil {
		return nil, fmt.Errorf("funding: list withdrawals: %w", err)
	}
	return withdrawals, nil
}

func (s *Service) invoiceByID(ctx context.Context, id string) (*storage.Invoice, error) {
	var invoice storage.Invoice
	err := s.db.WithContext(ctx).First(&invoice, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("funding: load invoice: %w", err)
	}
	return &invoice, nil
}

func (s *Service) withdrawalByID(ctx context.Context, id string) (*storage.Withdrawal, error) {
	var withdrawal storage.Withdrawal
	err := s.db.WithContext(ctx).First(&withdrawal, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("funding: load withdrawal: %w", err)
	}
	return &withdrawal, nil
}

// terminal reports whether the provider error definitively means the payment
// was not made.
func terminal(err error) bool {
	var apiErr *payments.APIError
	return errors.As(err, &apiErr)
}
