package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"satmarket/fixed"
	"satmarket/storage"
)

func newTestStore(t *testing.T, name string) (*Store, *gorm.DB) {
	t.Helper()
	db, err := storage.OpenTest("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return New(db, time.Now), db
}

func TestApplyCreatesBalanceAndEntry(t *testing.T) {
	store, db := newTestStore(t, "ledger_apply")
	user := uuid.New()

	err := db.Transaction(func(tx *gorm.DB) error {
		return Apply(tx, Entry{
			UserID:    user,
			TokenID:   1,
			EntryType: storage.EntryDeposit,
			Delta:     fixed.MustParse("10"),
			RefType:   "invoice",
			RefID:     "inv-1",
		}, time.Now())
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	balance, err := store.Balance(context.Background(), user, 1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(fixed.MustParse("10")) {
		t.Fatalf("balance: got %s", balance)
	}
	entries, err := store.Entries(context.Background(), user, 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].EntryType != storage.EntryDeposit {
		t.Fatalf("entries: got %+v", entries)
	}
}

func TestApplyRejectsNegativeResult(t *testing.T) {
	_, db := newTestStore(t, "ledger_negative")
	user := uuid.New()

	err := db.Transaction(func(tx *gorm.DB) error {
		return Apply(tx, Entry{
			UserID:    user,
			TokenID:   1,
			EntryType: storage.EntryWithdrawal,
			Delta:     fixed.MustParse("-5"),
		}, time.Now())
	})
	if !errors.Is(err, ErrNegativeBalance) {
		t.Fatalf("expected ErrNegativeBalance, got %v", err)
	}

	// The rolled back transaction must leave no journal entry behind.
	var count int64
	if err := db.Model(&storage.LedgerEntry{}).Count(&count).Error; err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no entries after rollback, got %d", count)
	}
}

func TestApplyUncheckedAllowsOverdraw(t *testing.T) {
	store, db := newTestStore(t, "ledger_overdraw")
	user := uuid.New()

	err := db.Transaction(func(tx *gorm.DB) error {
		return ApplyUnchecked(tx, Entry{
			UserID:    user,
			TokenID:   1,
			EntryType: storage.EntryFee,
			Delta:     fixed.MustParse("-0.00000012"),
			RefType:   "withdrawal",
			RefID:     "w-over",
		}, time.Now())
	})
	if err != nil {
		t.Fatalf("apply unchecked: %v", err)
	}

	balance, err := store.Balance(context.Background(), user, 1)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(fixed.MustParse("-0.00000012")) {
		t.Fatalf("balance: got %s", balance)
	}

	// The journal still carries the entry; the invariant stays intact.
	mismatches, err := store.Audit(context.Background())
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("overdraw broke the invariant: %+v", mismatches)
	}
}

func TestAuditDetectsMismatch(t *testing.T) {
	store, db := newTestStore(t, "ledger_audit")
	user := uuid.New()
	ctx := context.Background()

	if err := store.ManualCredit(ctx, user, 1, fixed.MustParse("25"), "admin", "c-1", "seed"); err != nil {
		t.Fatalf("manual credit: %v", err)
	}
	mismatches, err := store.Audit(ctx)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("clean ledger flagged: %+v", mismatches)
	}

	// Mutate a balance outside the journal to force a mismatch.
	if err := db.Model(&storage.Balance{}).
		Where("user_id = ?", user).
		Update("amount", fixed.MustParse("30")).Error; err != nil {
		t.Fatalf("corrupt balance: %v", err)
	}
	mismatches, err = store.Audit(ctx)
	if err != nil {
		t.Fatalf("audit after corruption: %v", err)
	}
	if len(mismatches) != 1 {
		t.Fatalf("expected one mismatch, got %+v", mismatches)
	}
	if !mismatches[0].LedgerSum.Equal(fixed.MustParse("25")) || !mismatches[0].BalanceSum.Equal(fixed.MustParse("30")) {
		t.Fatalf("mismatch sums: %+v", mismatches[0])
	}
}

func TestAuditConsistentUnderConcurrentWrites(t *testing.T) {
	store, db := newTestStore(t, "ledger_audit_race")
	user := uuid.New()
	ctx := context.Background()

	// One connection keeps interleaving at transaction granularity: every
	// credit commits balance and entry together, so an audit reading both
	// sums from one snapshot must never see them disagree.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 40; i++ {
			if err := store.ManualCredit(ctx, user, 1, fixed.MustParse("1"), "admin", "seed", ""); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := 0; i < 20; i++ {
		mismatches, err := store.Audit(ctx)
		if err != nil {
			t.Fatalf("audit %d: %v", i, err)
		}
		if len(mismatches) != 0 {
			t.Fatalf("audit %d saw a torn snapshot: %+v", i, mismatches)
		}
	}
	if err := <-done; err != nil {
		t.Fatalf("concurrent credits: %v", err)
	}
}

func TestAdjustAppendsEntry(t *testing.T) {
	store, _ := newTestStore(t, "ledger_adjust")
	user := uuid.New()
	ctx := context.Background()

	if err := store.ManualCredit(ctx, user, 2, fixed.MustParse("100"), "admin", "c-2", "seed"); err != nil {
		t.Fatalf("manual credit: %v", err)
	}
	if err := store.Adjust(ctx, user, 2, fixed.MustParse("-40"), "correction"); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	balance, err := store.Balance(ctx, user, 2)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(fixed.MustParse("60")) {
		t.Fatalf("balance after adjust: got %s", balance)
	}
	entries, err := store.Entries(ctx, user, 10)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two entries, got %d", len(entries))
	}
	if entries[0].EntryType != storage.EntryAdjustment {
		t.Fatalf("newest entry: got %s", entries[0].EntryType)
	}
}

func TestRepairFeeIsNegativeDebit(t *testing.T) {
	store, db := newTestStore(t, "ledger_repair")
	user := uuid.New()
	ctx := context.Background()

	if err := store.ManualCredit(ctx, user, 3, fixed.MustParse("1"), "admin", "c-3", "seed"); err != nil {
		t.Fatalf("manual credit: %v", err)
	}
	if err := store.RepairFee(ctx, user, 3, fixed.MustParse("0.0001"), "withdrawal", "w-1"); err != nil {
		t.Fatalf("repair fee: %v", err)
	}
	ok, err := func() (bool, error) {
		return HasEntry(db, storage.EntryFee, "withdrawal", "w-1")
	}()
	if err != nil {
		t.Fatalf("has entry: %v", err)
	}
	if !ok {
		t.Fatal("fee entry missing")
	}
	balance, err := store.Balance(ctx, user, 3)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(fixed.MustParse("0.9999")) {
		t.Fatalf("balance after fee: got %s", balance)
	}
}
