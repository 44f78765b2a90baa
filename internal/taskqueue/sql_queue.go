package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/evalflow/internal/sqldb"
	"github.com/petrijr/evalflow/pkg/api"
)

// SQLQueue is a Queue stored in a relational "tasks" table. Claims are a
// single conditional UPDATE, so any number of processes may share the table.
//
// Timestamps are unix nanoseconds; 0 means unset.
type SQLQueue struct {
	db      *sql.DB
	dialect sqldb.Dialect
	cfg     config
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

const taskColumns = `id, task_name, args, status, priority, retry_count, max_retries,
	created_at, started_at, completed_at, not_before, last_error, lease_owner, lease_expires_at`

func (q *SQLQueue) rebind(query string) string { return q.dialect.Rebind(query) }

func (q *SQLQueue) initSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tasks (
			seq %s,
			id TEXT NOT NULL UNIQUE,
			task_name TEXT NOT NULL,
			args TEXT,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			created_at BIGINT NOT NULL,
			started_at BIGINT NOT NULL DEFAULT 0,
			completed_at BIGINT NOT NULL DEFAULT 0,
			not_before BIGINT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_expires_at BIGINT NOT NULL DEFAULT 0
		)`, q.dialect.SerialPrimaryKey()),
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (status, priority DESC, created_at, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lease ON tasks (status, lease_expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("taskqueue: init schema: %w", err)
		}
	}
	return nil
}

func (q *SQLQueue) Enqueue(ctx context.Context, name string, args any, opts ...EnqueueOption) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	raw, err := encodeArgs(args)
	if err != nil {
		return "", err
	}
	o := q.cfg.enqueueOptions(opts)

	id := o.id
	if id == "" {
		id = uuid.NewString()
	}
	now := q.cfg.now().UTC().UnixNano()
	notBefore := now
	if !o.notBefore.IsZero() {
		notBefore = o.notBefore.UnixNano()
	}
	var argsText any
	if raw != nil {
		argsText = string(raw)
	}

	_, err = q.db.ExecContext(ctx, q.rebind(`
		INSERT INTO tasks (id, task_name, args, status, priority, max_retries, created_at, not_before)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		id, name, argsText, string(api.TaskPending), o.priority, o.maxRetries, now, notBefore,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", ErrDuplicateTask
		}
		return "", err
	}
	return id, nil
}

func (q *SQLQueue) ClaimNext(ctx context.Context, owner string, leaseTTL time.Duration) (*api.Task, error) {
	now := q.cfg.now().UTC()
	nowNs := now.UnixNano()

	// Re-arm retries whose backoff elapsed.
	if _, err := q.db.ExecContext(ctx, q.rebind(`
		UPDATE tasks SET status = ?
		WHERE status = ? AND not_before <= ?`),
		string(api.TaskPending), string(api.TaskRetrying), nowNs,
	); err != nil {
		return nil, err
	}

	// Select and claim in one statement; the outer status check makes the
	// update a compare-and-swap even without row locks.
	row := q.db.QueryRowContext(ctx, q.rebind(`
		UPDATE tasks
		SET status = ?, started_at = ?, lease_owner = ?, lease_expires_at = ?
		WHERE seq = (
			SELECT seq FROM tasks
			WHERE status = ? AND not_before <= ?
			ORDER BY priority DESC, created_at ASC, seq ASC
			LIMIT 1 `+q.dialect.SkipLocked()+`
		) AND status = ?
		RETURNING `+taskColumns),
		string(api.TaskRunning), nowNs, owner, now.Add(leaseTTL).UnixNano(),
		string(api.TaskPending), nowNs, string(api.TaskPending),
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (q *SQLQueue) Complete(ctx context.Context, id, owner string) error {
	res, err := q.db.ExecContext(ctx, q.rebind(`
		UPDATE tasks
		SET status = ?, completed_at = ?, lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND status = ? AND lease_owner = ?`),
		string(api.TaskCompleted), q.cfg.now().UTC().UnixNano(), id, string(api.TaskRunning), owner,
	)
	if err != nil {
		return err
	}
	return q.checkOwned(ctx, res, id)
}

func (q *SQLQueue) Fail(ctx context.Context, id, owner string, cause error) (api.TaskStatus, error) {
	t, err := q.Get(ctx, id)
	if err != nil {
		return "", err
	}
	if t.Status != api.TaskRunning || t.LeaseOwner != owner {
		return "", api.ErrLeaseLost
	}

	f := decideFailure(t.RetryCount, t.MaxRetries, cause, q.cfg.policy, q.cfg.now().UTC())
	ok, err := q.applyFailure(ctx, t, f, owner)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", api.ErrLeaseLost
	}
	return f.status, nil
}

// applyFailure writes f if the task is still in the state it was read in.
func (q *SQLQueue) applyFailure(ctx context.Context, t *api.Task, f failure, owner string) (bool, error) {
	notBefore := t.NotBefore.UnixNano()
	if f.status == api.TaskRetrying {
		notBefore = f.notBefore.UnixNano()
	}
	var completedAt int64
	if !f.finishedAt.IsZero() {
		completedAt = f.finishedAt.UnixNano()
	}

	res, err := q.db.ExecContext(ctx, q.rebind(`
		UPDATE tasks
		SET status = ?, retry_count = ?, last_error = ?, not_before = ?, completed_at = ?,
		    lease_owner = '', lease_expires_at = 0
		WHERE id = ? AND status = ? AND lease_owner = ? AND retry_count = ?`),
		string(f.status), f.retryCount, f.lastError, notBefore, completedAt,
		t.ID, string(api.TaskRunning), owner, t.RetryCount,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (q *SQLQueue) RenewLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	res, err := q.db.ExecContext(ctx, q.rebind(`
		UPDATE tasks SET lease_expires_at = ?
		WHERE id = ? AND status = ? AND lease_owner = ?`),
		q.cfg.now().UTC().Add(ttl).UnixNano(), id, string(api.TaskRunning), owner,
	)
	if err != nil {
		return err
	}
	return q.checkOwned(ctx, res, id)
}

func (q *SQLQueue) ReapExpired(ctx context.Context) ([]*api.Task, error) {
	now := q.cfg.now().UTC()
	rows, err := q.db.QueryContext(ctx, q.rebind(`
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND lease_expires_at <= ?
		ORDER BY created_at, seq`),
		string(api.TaskRunning), now.UnixNano(),
	)
	if err != nil {
		return nil, err
	}
	var expired []*api.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		expired = append(expired, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []*api.Task
	for _, t := range expired {
		f := decideFailure(t.RetryCount, t.MaxRetries, errLeaseExpired, q.cfg.policy, now)
		ok, err := q.applyFailure(ctx, t, f, t.LeaseOwner)
		if err != nil {
			return out, err
		}
		if !ok {
			// Settled or renewed in the meantime.
			continue
		}
		t.Status = f.status
		t.RetryCount = f.retryCount
		t.LastError = f.lastError
		t.LeaseOwner = ""
		t.LeaseExpiresAt = time.Time{}
		if f.status == api.TaskRetrying {
			t.NotBefore = f.notBefore
		} else {
			t.CompletedAt = f.finishedAt
		}
		out = append(out, t)
	}
	return out, nil
}

func (q *SQLQueue) Get(ctx context.Context, id string) (*api.Task, error) {
	row := q.db.QueryRowContext(ctx, q.rebind(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.ErrTaskNotFound
	}
	return t, err
}

func (q *SQLQueue) Stats(ctx context.Context) (map[api.TaskStatus]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := emptyStats()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[api.TaskStatus(status)] = n
	}
	return out, rows.Err()
}

func (q *SQLQueue) Purge(ctx context.Context, before time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx, q.rebind(`
		DELETE FROM tasks
		WHERE status IN (?, ?) AND completed_at < ?`),
		string(api.TaskCompleted), string(api.TaskFailed), before.UnixNano(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close closes the underlying database.
func (q *SQLQueue) Close() error { return q.db.Close() }

func (q *SQLQueue) checkOwned(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return api.ErrLeaseLost
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*api.Task, error) {
	var (
		t                                   api.Task
		args                                sql.NullString
		status                              string
		created, started, completed, notBef int64
		leaseExp                            int64
	)
	if err := row.Scan(&t.ID, &t.Name, &args, &status, &t.Priority, &t.RetryCount, &t.MaxRetries,
		&created, &started, &completed, &notBef, &t.LastError, &t.LeaseOwner, &leaseExp); err != nil {
		return nil, err
	}
	if args.Valid {
		t.Args = []byte(args.String)
	}
	t.Status = api.TaskStatus(status)
	t.CreatedAt = fromNanos(created)
	t.StartedAt = fromNanos(started)
	t.CompletedAt = fromNanos(completed)
	t.NotBefore = fromNanos(notBef)
	t.LeaseExpiresAt = fromNanos(leaseExp)
	return &t, nil
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
