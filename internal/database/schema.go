package database

import (
	"fmt"

	"quotapool/internal/domain"

	"gorm.io/gorm"
)

var schemaStatements = []string{
	"CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_username_lower ON accounts (LOWER(username))",
	"CREATE INDEX IF NOT EXISTS idx_proxies_active ON proxies (active)",
}

// EnsureSchema adds the indexes AutoMigrate cannot express through struct tags.
func EnsureSchema(db *gorm.DB) error {
	for _, stmt := range schemaStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

// CheckSchema verifies that a previous migration created the tables.
func CheckSchema(db *gorm.DB) error {
	migrator := db.Migrator()
	for _, model := range []any{&domain.Account{}, &domain.Proxy{}} {
		if !migrator.HasTable(model) {
			return ErrSchemaMissing
		}
	}
	return nil
}
