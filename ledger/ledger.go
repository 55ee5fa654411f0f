package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"satmarket/fixed"
	"satmarket/storage"
)

var (
	// ErrNegativeBalance is returned when a mutation would take a balance
	// below zero.
	ErrNegativeBalance = errors.New("ledger: balance would go negative")
	// ErrBalanceNotFound indicates the (user, token) pair has no row yet.
	ErrBalanceNotFound = errors.New("ledger: balance not found")
)

// Store journals balance changes. Every mutation locks the balance row and
// commits the new amount together with exactly one ledger entry, so readers
// never observe one without the other.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a ledger store over the supplied database.
func New(db *gorm.DB, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, now: now}
}

// Entry describes one journalled balance change.
type Entry struct {
	UserID    uuid.UUID
	TokenID   uint
	EntryType string
	Delta     fixed.Dec
	RefType   string
	RefID     string
	Note      string
}

// GetOrCreateForUpdate returns the balance row locked for the remainder of
// the enclosing transaction, creating it with zero quantity if absent.
func GetOrCreateForUpdate(tx *gorm.DB, userID uuid.UUID, tokenID uint) (*storage.Balance, error) {
	var balance storage.Balance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&balance, "user_id = ? AND token_id = ?", userID, tokenID).Error
	if err == nil {
		return &balance, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("ledger: lock balance: %w", err)
	}
	balance = storage.Balance{UserID: userID, TokenID: tokenID, Amount: fixed.Zero()}
	if err := tx.Create(&balance).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost the insert race; lock the winner's row.
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&balance, "user_id = ? AND token_id = ?", userID, tokenID).Error; err != nil {
				return nil, fmt.Errorf("ledger: relock balance: %w", err)
			}
			return &balance, nil
		}
		return nil, fmt.Errorf("ledger: create balance: %w", err)
	}
	return &balance, nil
}

// Apply mutates a locked balance by entry.Delta and appends the matching
// journal entry within tx. Results below zero are rejected; the withdrawal
// refund path never dips negative because the debit is checked under the
// same lock.
func Apply(tx *gorm.DB, entry Entry, at time.Time) error {
	return apply(tx, entry, at, false)
}

// ApplyUnchecked journals an entry even when the result takes the balance
// below zero. Network fees reported at settlement arrive after the
// withdrawal debit already landed; they must be recorded whatever is left,
// or a paid withdrawal could never confirm.
func ApplyUnchecked(tx *gorm.DB, entry Entry, at time.Time) error {
	return apply(tx, entry, at, true)
}

func apply(tx *gorm.DB, entry Entry, at time.Time, allowNegative bool) error {
	if entry.Delta.IsZero() {
		return fmt.Errorf("ledger: zero delta for %s entry", entry.EntryType)
	}
	balance, err := GetOrCreateForUpdate(tx, entry.UserID, entry.TokenID)
	if err != nil {
		return err
	}
	next := balance.Amount.Add(entry.Delta)
	if next.IsNegative() && !allowNegative {
		return ErrNegativeBalance
	}
	balance.Amount = next
	balance.UpdatedAt = at
	if err := tx.Save(balance).Error; err != nil {
		return fmt.Errorf("ledger: save balance: %w", err)
	}
	record := storage.LedgerEntry{
		UserID:    entry.UserID,
		TokenID:   entry.TokenID,
		EntryType: entry.EntryType,
		Delta:     entry.Delta,
		RefType:   entry.RefType,
		RefID:     entry.RefID,
		Note:      entry.Note,
		CreatedAt: at,
	}
	if err := tx.Create(&record).Error; err != nil {
		return fmt.Errorf("ledger: append entry: %w", err)
	}
	return nil
}

// Balance reads a balance without locking. Missing rows read as zero.
func (s *Store) Balance(ctx context.Context, userID uuid.UUID, tokenID uint) (fixed.Dec, error) {
	var balance storage.Balance
	err := s.db.WithContext(ctx).First(&balance, "user_id = ? AND token_id = ?", userID, tokenID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fixed.Zero(), nil
	}
	if err != nil {
		return fixed.Dec{}, fmt.Errorf("ledger: load balance: %w", err)
	}
	return balance.Amount, nil
}

// Balances lists all balances held by a user.
func (s *Store) Balances(ctx context.Context, userID uuid.UUID) ([]storage.Balance, error) {
	var balances []storage.Balance
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("token_id asc").Find(&balances).Error; err != nil {
		return nil, fmt.Errorf("ledger: list balances: %w", err)
	}
	return balances, nil
}

// Entries lists a user's journal, newest first.
func (s *Store) Entries(ctx context.Context, userID uuid.UUID, limit int) ([]storage.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var entries []storage.LedgerEntry
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("id desc").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("ledger: list entries: %w", err)
	}
	return entries, nil
}

// Adjust applies an audited administrative correction to a balance.
func (s *Store) Adjust(ctx context.Context, userID uuid.UUID, tokenID uint, delta fixed.Dec, note string) error {
	return s.applyOne(ctx, Entry{
		UserID:    userID,
		TokenID:   tokenID,
		EntryType: storage.EntryAdjustment,
		Delta:     delta,
		RefType:   "admin",
		Note:      note,
	})
}

// ManualCredit applies an audited operator-initiated deposit credit.
func (s *Store) ManualCredit(ctx context.Context, userID uuid.UUID, tokenID uint, amount fixed.Dec, refType, refID, note string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("ledger: manual credit must be positive")
	}
	return s.applyOne(ctx, Entry{
		UserID:    userID,
		TokenID:   tokenID,
		EntryType: storage.EntryDeposit,
		Delta:     amount,
		RefType:   refType,
		RefID:     refID,
		Note:      note,
	})
}

// RepairFee appends a missing fee debit discovered during an audit.
func (s *Store) RepairFee(ctx context.Context, userID uuid.UUID, tokenID uint, amount fixed.Dec, refType, refID string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("ledger: fee amount must be positive")
	}
	return s.applyOne(ctx, Entry{
		UserID:    userID,
		TokenID:   tokenID,
		EntryType: storage.EntryFee,
		Delta:     amount.Neg(),
		RefType:   refType,
		RefID:     refID,
		Note:      "fee repair",
	})
}

func (s *Store) applyOne(ctx context.Context, entry Entry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return Apply(tx, entry, s.now())
	})
}

// HasEntry reports whether an entry of the given type already exists for the
// reference. Reconciliation uses it to keep fee entries at-most-once.
func HasEntry(tx *gorm.DB, entryType, refType, refID string) (bool, error) {
	var count int64
	err := tx.Model(&storage.LedgerEntry{}).
		Where("entry_type = ? AND ref_type = ? AND ref_id = ?", entryType, refType, refID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("ledger: count entries: %w", err)
	}
	return count > 0, nil
}

// Mismatch reports a token whose journalled deltas disagree with the summed
// balances.
type Mismatch struct {
	TokenID    uint
	LedgerSum  fixed.Dec
	BalanceSum fixed.Dec
}

// Audit recomputes, per token, the sum of ledger deltas and the sum of
// balances and returns every disagreement. A non-empty result is a
// data-integrity incident. Both sums read inside one transaction so a swap
// or sweep committing mid-audit cannot split the snapshot into a false
// mismatch.
func (s *Store) Audit(ctx context.Context) ([]Mismatch, error) {
	var ledgerSums, balanceSums map[uint]fixed.Dec
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if ledgerSums, err = sumByToken(tx, &storage.LedgerEntry{}, "delta"); err != nil {
			return err
		}
		balanceSums, err = sumByToken(tx, &storage.Balance{}, "amount")
		return err
	})
	if err != nil {
		return nil, err
	}

	tokens := make(map[uint]struct{}, len(ledgerSums)+len(balanceSums))
	for id := range ledgerSums {
		tokens[id] = struct{}{}
	}
	for id := range balanceSums {
		tokens[id] = struct{}{}
	}

	var mismatches []Mismatch
	for id := range tokens {
		ledgerSum := ledgerSums[id]
		balanceSum := balanceSums[id]
		if !ledgerSum.Equal(balanceSum) {
			mismatches = append(mismatches, Mismatch{TokenID: id, LedgerSum: ledgerSum, BalanceSum: balanceSum})
		}
	}
	return mismatches, nil
}

// sumByToken loads rows and sums the decimal column in Go. Decimals persist
// as strings, so SQL SUM would coerce through floats and lose digits.
func sumByToken(tx *gorm.DB, model any, column string) (map[uint]fixed.Dec, error) {
	type row struct {
		TokenID uint
		Value   fixed.Dec
	}
	var rows []row
	if err := tx.Model(model).
		Select("token_id", column+" as value").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: sum %s: %w", column, err)
	}
	sums := make(map[uint]fixed.Dec)
	for _, r := range rows {
		sums[r.TokenID] = sums[r.TokenID].Add(r.Value)
	}
	return sums, nil
}
