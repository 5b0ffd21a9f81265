// Package databasetest opens migrated SQLite databases for package tests.
package databasetest

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"quotapool/internal/database"
	"quotapool/internal/security"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns a shared-cache in-memory database unique to the test.
func Open(t testing.TB) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", name)
	return OpenDSN(t, dsn)
}

// OpenFile returns a WAL-mode database file. Concurrency tests use it because
// shared-cache memory databases report table locks instead of waiting.
func OpenFile(t testing.TB) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "quotapool.db")
	dsn := fmt.Sprintf("file:%s?mode=rwc&_journal=WAL&_fk=1&_busy_timeout=5000&_synchronous=NORMAL", path)
	return OpenDSN(t, dsn)
}

func OpenDSN(t testing.TB, dsn string) *gorm.DB {
	t.Helper()

	t.Setenv("ACCOUNT_SECRET_KEY", "quotapool-test-key")
	security.ResetSecretCipherForTests()
	t.Cleanup(security.ResetSecretCipherForTests)

	db, err := database.Open(
		database.WithDialector(sqlite.Open(dsn)),
		database.WithLogger(logger.Default.LogMode(logger.Silent)),
	)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	if err := db.Exec("PRAGMA busy_timeout = 5000").Error; err != nil {
		t.Fatalf("set busy timeout: %v", err)
	}

	t.Cleanup(func() {
		_ = database.Close(db)
	})

	return db
}
