package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/petrijr/evalflow/internal/sqldb"
)

// SQLiteDB opens a file-backed SQLite database in a temporary directory.
// File databases allow several pooled connections, which concurrency tests
// need; ":memory:" would give each connection its own database.
func SQLiteDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sqldb.OpenSQLite(filepath.Join(t.TempDir(), "evalflow.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}
