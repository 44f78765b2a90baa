package persistence

import (
	"context"
	"database/sql"

	"github.com/petrijr/evalflow/internal/sqldb"
)

// NewSQLiteStateStore initializes the required schema in the given database
// and returns a StateStore backed by SQLite.
//
// It expects an *sql.DB that uses the "modernc.org/sqlite" driver; open it
// with sqldb.OpenSQLite to get WAL journaling and a busy timeout, which
// concurrent writers rely on.
func NewSQLiteStateStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: sqldb.SQLite}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}
