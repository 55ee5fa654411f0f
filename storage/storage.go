package storage

import (
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the production database. The swap and funding paths rely
// on SELECT ... FOR UPDATE row locks, so only backends with real row locking
// are accepted; a DSN pointing anywhere else is a configuration error, not a
// runtime fallback. Tests open an in-memory sqlite database through OpenTest
// instead.
func Open(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("storage: database DSN required")
	}
	if !supportsRowLocks(trimmed) {
		return nil, fmt.Errorf("storage: DSN %q does not point at a row-locking backend; postgres is required", redact(trimmed))
	}
	db, err := gorm.Open(postgres.Open(trimmed), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	return db, nil
}

func supportsRowLocks(dsn string) bool {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return true
	}
	// Key/value form: host=... user=... dbname=...
	return strings.Contains(lower, "host=") || strings.Contains(lower, "dbname=")
}

func redact(dsn string) string {
	if idx := strings.Index(dsn, "@"); idx >= 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 && scheme < idx {
			return dsn[:scheme+3] + "***" + dsn[idx:]
		}
	}
	return dsn
}
