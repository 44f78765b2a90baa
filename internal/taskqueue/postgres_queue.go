package taskqueue

import (
	"context"
	"database/sql"

	"github.com/petrijr/evalflow/internal/sqldb"
)

// NewPostgresQueue creates the tasks table if needed and returns a Queue that
// claims with FOR UPDATE SKIP LOCKED, so concurrent claimers never wait on
// each other's rows.
func NewPostgresQueue(db *sql.DB, opts ...Option) (*SQLQueue, error) {
	q := &SQLQueue{db: db, dialect: sqldb.Postgres, cfg: newConfig(opts)}
	if err := q.initSchema(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}
