package payments

import (
	"context"
	"log/slog"

	"gorm.io/gorm"

	"satmarket/storage"
)

// DBAudit persists provider attempts as rows. Failures to record never
// bubble up; losing an audit row must not fail a settlement.
type DBAudit struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewDBAudit wires the audit trail to the backing database.
func NewDBAudit(db *gorm.DB, logger *slog.Logger) *DBAudit {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBAudit{db: db, logger: logger}
}

func (a *DBAudit) Record(ctx context.Context, entry AuditEntry) {
	row := storage.ProviderCall{
		Provider: entry.Endpoint,
		Action:   entry.Action,
		Request:  truncate(entry.Request, maxAuditBody),
		Status:   entry.Status,
		Body:     entry.Body,
		Success:  entry.Success,
		RefType:  entry.Ref.Type,
		RefID:    entry.Ref.ID,
	}
	if err := a.db.WithContext(ctx).Create(&row).Error; err != nil {
		a.logger.Error("payments: audit record failed",
			"action", entry.Action, "endpoint", entry.Endpoint, "error", err)
	}
}
