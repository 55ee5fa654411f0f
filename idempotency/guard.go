package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"satmarket/storage"
)

// ErrInProgress signals that another request holding the same key has not
// completed yet. Callers surface it as retryable by the client, never
// retried server-side.
var ErrInProgress = errors.New("idempotency: operation in progress")

// Guard deduplicates side-effecting operations per (user, scope, key). The
// row is inserted before the external call and completed once the resource
// is durable, so concurrent duplicates trigger at most one side effect.
type Guard struct {
	db  *gorm.DB
	now func() time.Time
}

// New constructs a guard over the supplied database.
func New(db *gorm.DB, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{db: db, now: now}
}

// Begin claims (user, scope, key). created is true when this caller owns the
// claim and must run the operation. When a completed record already exists
// it is returned with created false; an incomplete record yields
// ErrInProgress.
func (g *Guard) Begin(ctx context.Context, userID uuid.UUID, scope, key string) (*storage.IdempotencyRecord, bool, error) {
	scope = strings.TrimSpace(scope)
	key = strings.TrimSpace(key)
	if scope == "" || key == "" {
		return nil, false, fmt.Errorf("idempotency: scope and key required")
	}
	record := storage.IdempotencyRecord{
		ID:        uuid.New(),
		UserID:    userID,
		Scope:     scope,
		Key:       key,
		CreatedAt: g.now(),
	}
	err := g.db.WithContext(ctx).Create(&record).Error
	if err == nil {
		return &record, true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, fmt.Errorf("idempotency: claim key: %w", err)
	}

	var existing storage.IdempotencyRecord
	if err := g.db.WithContext(ctx).
		First(&existing, "user_id = ? AND scope = ? AND key = ?", userID, scope, key).Error; err != nil {
		return nil, false, fmt.Errorf("idempotency: load existing claim: %w", err)
	}
	if existing.CompletedAt == nil {
		return nil, false, ErrInProgress
	}
	return &existing, false, nil
}

// Complete attaches the created resource to the claim.
func (g *Guard) Complete(ctx context.Context, userID uuid.UUID, scope, key, resourceType, resourceID string) error {
	result := g.db.WithContext(ctx).Model(&storage.IdempotencyRecord{}).
		Where("user_id = ? AND scope = ? AND key = ?", userID, scope, key).
		Updates(map[string]any{
			"resource_type": resourceType,
			"resource_id":   resourceID,
			"completed_at":  g.now(),
		})
	if result.Error != nil {
		return fmt.Errorf("idempotency: complete claim: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("idempotency: no claim for scope %s", scope)
	}
	return nil
}

// Release drops an incomplete claim so the client may retry after a terminal
// failure of the guarded operation.
func (g *Guard) Release(ctx context.Context, userID uuid.UUID, scope, key string) error {
	err := g.db.WithContext(ctx).
		Where("user_id = ? AND scope = ? AND key = ? AND completed_at IS NULL", userID, scope, key).
		Delete(&storage.IdempotencyRecord{}).Error
	if err != nil {
		return fmt.Errorf("idempotency: release claim: %w", err)
	}
	return nil
}
