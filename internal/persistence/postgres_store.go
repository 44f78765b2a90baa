package persistence

import (
	"context"
	"database/sql"

	"github.com/petrijr/evalflow/internal/sqldb"
)

// NewPostgresStateStore initializes the required schema in the given database
// and returns a StateStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses the pgx stdlib driver, e.g. one returned by
// sqldb.OpenPostgres.
func NewPostgresStateStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: sqldb.Postgres}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}
