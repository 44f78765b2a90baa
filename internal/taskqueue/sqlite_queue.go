package taskqueue

import (
	"context"
	"database/sql"

	"github.com/petrijr/evalflow/internal/sqldb"
)

// NewSQLiteQueue initializes the tasks table in the given DB and returns a
// new queue. Open the DB with sqldb.OpenSQLite so concurrent claimers wait on
// the busy timeout instead of failing.
func NewSQLiteQueue(db *sql.DB, opts ...Option) (*SQLQueue, error) {
	q := &SQLQueue{db: db, dialect: sqldb.SQLite, cfg: newConfig(opts)}
	if err := q.initSchema(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}
