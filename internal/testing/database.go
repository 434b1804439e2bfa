package testing

import (
	"database/sql"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/SakenW/TH-Suite-sub005/db"
)

// CreateTestDB creates a migrated SQLite database in the test's temp dir.
// A file rather than :memory: so that every pooled connection sees the
// same schema. Cleanup is registered via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "thsync-test.db")
	conn, err := db.OpenWithMigrations(path, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}
