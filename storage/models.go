package storage

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"satmarket/fixed"
)

// Ledger entry types. Every balance mutation commits alongside exactly one
// entry of one of these types.
const (
	EntryDeposit    = "deposit"
	EntryWithdrawal = "withdrawal"
	EntryFee        = "fee"
	EntryAdjustment = "adjustment"
	EntryTrade      = "trade"
)

// InvoiceStatus tracks the lifecycle of an inbound payment request.
type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceExpired InvoiceStatus = "expired"
	InvoiceFailed  InvoiceStatus = "failed"
)

// WithdrawalStatus tracks the lifecycle of an outbound payment.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalConfirmed WithdrawalStatus = "confirmed"
	WithdrawalFailed    WithdrawalStatus = "failed"
)

// Token is a tradable asset. Frozen tokens reject swaps.
type Token struct {
	ID        uint   `gorm:"primaryKey"`
	Symbol    string `gorm:"size:16;uniqueIndex"`
	Name      string `gorm:"size:64"`
	Frozen    bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Pool holds the virtual reserves and fee configuration for one trading pair.
// Thresholds are cumulative side-A volume marks; crossing one advances the
// stage permanently and may emit a burn record.
type Pool struct {
	ID               uint      `gorm:"primaryKey"`
	TokenAID         uint      `gorm:"index:idx_pool_pair"`
	TokenBID         uint      `gorm:"index:idx_pool_pair"`
	ReserveA         fixed.Dec `gorm:"type:decimal(38,18);not null"`
	ReserveB         fixed.Dec `gorm:"type:decimal(38,18);not null"`
	FeeBaseBps       int       `gorm:"not null"`
	Stage            int       `gorm:"not null;default:1"`
	Stage1Threshold  fixed.Dec `gorm:"type:decimal(38,18)"`
	Stage2Threshold  fixed.Dec `gorm:"type:decimal(38,18)"`
	Stage3Threshold  fixed.Dec `gorm:"type:decimal(38,18)"`
	BurnTokenID      *uint
	BurnAmountStage2 fixed.Dec `gorm:"type:decimal(38,18)"`
	BurnAmountStage3 fixed.Dec `gorm:"type:decimal(38,18)"`
	BurnAmountStage4 fixed.Dec `gorm:"type:decimal(38,18)"`
	CumulativeVolA   fixed.Dec `gorm:"type:decimal(38,18)"`
	CumulativeVolB   fixed.Dec `gorm:"type:decimal(38,18)"`
	FeeAccumA        fixed.Dec `gorm:"type:decimal(38,18)"`
	FeeAccumB        fixed.Dec `gorm:"type:decimal(38,18)"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Balance is a per-user, per-token quantity, mutated only under a row lock.
type Balance struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_balance_user_token"`
	TokenID   uint      `gorm:"uniqueIndex:idx_balance_user_token"`
	Amount    fixed.Dec `gorm:"type:decimal(38,18);not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LedgerEntry is the immutable journal record backing every balance change.
type LedgerEntry struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;index"`
	TokenID   uint      `gorm:"index"`
	EntryType string    `gorm:"size:16;index"`
	Delta     fixed.Dec `gorm:"type:decimal(38,18);not null"`
	RefType   string    `gorm:"size:32;index:idx_ledger_ref"`
	RefID     string    `gorm:"size:64;index:idx_ledger_ref"`
	Note      string    `gorm:"size:255"`
	CreatedAt time.Time
}

// Trade records one executed swap, stamped with the pool stage after any
// threshold crossings in the same transaction.
type Trade struct {
	ID        uint      `gorm:"primaryKey"`
	PoolID    uint      `gorm:"index"`
	UserID    uuid.UUID `gorm:"type:uuid;index"`
	Side      string    `gorm:"size:8"`
	AmountIn  fixed.Dec `gorm:"type:decimal(38,18)"`
	AmountOut fixed.Dec `gorm:"type:decimal(38,18)"`
	FeeAmount fixed.Dec `gorm:"type:decimal(38,18)"`
	FeeBps    int
	Stage     int
	CreatedAt time.Time
}

// BurnEvent records the destruction of burn tokens when a pool crosses a
// volume threshold.
type BurnEvent struct {
	ID        uint `gorm:"primaryKey"`
	PoolID    uint `gorm:"index"`
	TokenID   uint
	TradeID   uint
	Stage     int
	Amount    fixed.Dec `gorm:"type:decimal(38,18)"`
	CreatedAt time.Time
}

// Invoice is a pending inbound settlement request. Credited is the one-shot
// flag that keeps reconciliation from applying the balance effect twice.
type Invoice struct {
	ID             uuid.UUID     `gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID     `gorm:"type:uuid;index"`
	AmountSats     int64         `gorm:"not null"`
	Memo           string        `gorm:"size:255"`
	PaymentRequest string        `gorm:"type:text"`
	PaymentHash    string        `gorm:"size:128;index"`
	CheckingID     string        `gorm:"size:128"`
	Status         InvoiceStatus `gorm:"size:16;index"`
	Credited       bool          `gorm:"not null;default:false"`
	PaidAt         *time.Time
	ExpiresAt      time.Time
	CreatedAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time
}

// Withdrawal is a pending outbound settlement. FeeRecorded guards the
// at-most-one network fee entry.
type Withdrawal struct {
	ID          uuid.UUID        `gorm:"type:uuid;primaryKey"`
	UserID      uuid.UUID        `gorm:"type:uuid;index"`
	AmountSats  int64            `gorm:"not null"`
	Bolt11      string           `gorm:"type:text"`
	MaxFeeSats  int64
	FeeSats     int64
	PaymentHash string           `gorm:"size:128;index"`
	CheckingID  string           `gorm:"size:128"`
	Status      WithdrawalStatus `gorm:"size:16;index"`
	FeeRecorded bool             `gorm:"not null;default:false"`
	ProcessedAt *time.Time
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
}

// ProviderCall is the audit trail of every attempt against the payment
// provider, success or failure.
type ProviderCall struct {
	ID        uint   `gorm:"primaryKey"`
	Provider  string `gorm:"size:32;index"`
	Action    string `gorm:"size:32;index"`
	Request   string `gorm:"type:text"`
	Status    int
	Body      string `gorm:"type:text"`
	Success   bool   `gorm:"index"`
	RefType   string `gorm:"size:32"`
	RefID     string `gorm:"size:64"`
	CreatedAt time.Time `gorm:"index"`
}

// IdempotencyRecord deduplicates side-effecting operations per
// (user, scope, key). CompletedAt is set once the resource is durable.
type IdempotencyRecord struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID       uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_idem_user_scope_key"`
	Scope        string    `gorm:"size:32;uniqueIndex:idx_idem_user_scope_key"`
	Key          string    `gorm:"size:128;uniqueIndex:idx_idem_user_scope_key"`
	ResourceType string    `gorm:"size:32"`
	ResourceID   string    `gorm:"size:64"`
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Token{},
		&Pool{},
		&Balance{},
		&LedgerEntry{},
		&Trade{},
		&BurnEvent{},
		&Invoice{},
		&Withdrawal{},
		&ProviderCall{},
		&IdempotencyRecord{},
	)
}
