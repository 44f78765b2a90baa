// Package sqldb holds the small amount of SQL dialect handling shared by the
// SQLite and PostgreSQL backends, plus helpers to open either database.
package sqldb

import (
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "modernc.org/sqlite"             // SQLite driver
)

// Dialect captures the syntax differences between the supported engines.
type Dialect struct {
	Name string

	numbered bool
}

var (
	SQLite   = Dialect{Name: "sqlite"}
	Postgres = Dialect{Name: "postgres", numbered: true}
)

// Rebind rewrites '?' placeholders into the dialect's form.
// Queries must not contain literal question marks.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SerialPrimaryKey returns the column definition of an auto-incrementing key.
func (d Dialect) SerialPrimaryKey() string {
	if d.numbered {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// SkipLocked returns the row locking clause for claim subqueries.
// SQLite serializes writers, so it needs none.
func (d Dialect) SkipLocked() string {
	if d.numbered {
		return "FOR UPDATE SKIP LOCKED"
	}
	return ""
}

// OpenSQLite opens a SQLite database at path with WAL journaling, a busy
// timeout and immediate write transactions. ":memory:" opens a private
// in-memory database restricted to a single connection.
func OpenSQLite(path string) (*sql.DB, error) {
	if path == "" || path == ":memory:" {
		db, err := sql.Open("sqlite", ":memory:")
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		return db, nil
	}

	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("sqldb: open sqlite %s: %w", path, err)
	}
	return db, nil
}

// OpenPostgres opens a PostgreSQL database through the pgx stdlib driver.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqldb: open postgres: %w", err)
	}
	return db, nil
}

// Nanos converts a nullable unix-nano column into an int64, 0 meaning unset.
func Nanos(v sql.NullInt64) int64 {
	if v.Valid {
		return v.Int64
	}
	return 0
}
