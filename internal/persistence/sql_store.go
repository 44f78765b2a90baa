package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/evalflow/internal/sqldb"
	"github.com/petrijr/evalflow/pkg/api"
)

// SQLStore is a StateStore on top of database/sql. The SQLite and PostgreSQL
// constructors differ only in schema and placeholder syntax.
//
// Timestamps are stored as unix nanoseconds; metadata and payloads as JSON text.
type SQLStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
}

// Ensure SQLStore implements StateStore.
var _ StateStore = (*SQLStore)(nil)

func (s *SQLStore) q(query string) string { return s.dialect.Rebind(query) }

func (s *SQLStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_instances (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			current_state TEXT NOT NULL,
			metadata TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS evaluation_instances (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			model_version TEXT NOT NULL,
			current_state TEXT NOT NULL,
			dataset_ref TEXT NOT NULL DEFAULT '',
			predictions_ref TEXT NOT NULL DEFAULT '',
			result_ref TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluation_instances_workflow
			ON evaluation_instances (workflow_id, created_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS transition_history (
			id %s,
			entity_id TEXT NOT NULL,
			entity_kind TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			triggered_by TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			payload TEXT,
			at BIGINT NOT NULL
		)`, s.dialect.SerialPrimaryKey()),
		`CREATE INDEX IF NOT EXISTS idx_transition_history_entity
			ON transition_history (entity_id, at, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("persistence: init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) CreateWorkflow(ctx context.Context, inst *api.WorkflowInstance, rec *api.TransitionRecord) error {
	meta, err := encodeJSON(inst.Metadata)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureFree(ctx, tx, inst.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO workflow_instances (id, name, current_state, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			inst.ID, inst.Name, string(inst.State), meta,
			inst.CreatedAt.UnixNano(), inst.UpdatedAt.UnixNano(),
		); err != nil {
			return err
		}
		return s.insertRecord(ctx, tx, rec)
	})
}

func (s *SQLStore) CreateEvaluation(ctx context.Context, inst *api.EvaluationInstance, rec *api.TransitionRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureFree(ctx, tx, inst.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO evaluation_instances
				(id, workflow_id, model_id, model_version, current_state, dataset_ref, predictions_ref, result_ref, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			inst.ID, inst.WorkflowID, inst.ModelID, inst.ModelVersion, string(inst.State),
			inst.DatasetRef, inst.PredictionsRef, inst.ResultRef,
			inst.CreatedAt.UnixNano(), inst.UpdatedAt.UnixNano(),
		); err != nil {
			return err
		}
		return s.insertRecord(ctx, tx, rec)
	})
}

// ensureFree rejects ids already used by either entity table.
func (s *SQLStore) ensureFree(ctx context.Context, tx *sql.Tx, id string) error {
	var n int
	err := tx.QueryRowContext(ctx, s.q(`
		SELECT (SELECT COUNT(*) FROM workflow_instances WHERE id = ?)
		     + (SELECT COUNT(*) FROM evaluation_instances WHERE id = ?)`), id, id).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return ErrEntityExists
	}
	return nil
}

func (s *SQLStore) insertRecord(ctx context.Context, tx *sql.Tx, rec *api.TransitionRecord) error {
	payload, err := encodeJSON(rec.Payload)
	if err != nil {
		return err
	}
	return tx.QueryRowContext(ctx, s.q(`
		INSERT INTO transition_history (entity_id, entity_kind, from_state, to_state, triggered_by, reason, payload, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		rec.EntityID, string(rec.EntityKind), rec.FromState, rec.ToState,
		rec.TriggeredBy, rec.Reason, payload, rec.At.UnixNano(),
	).Scan(&rec.ID)
}

func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	var (
		inst               api.WorkflowInstance
		state              string
		meta               sql.NullString
		createdAt, updated int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, name, current_state, metadata, created_at, updated_at
		FROM workflow_instances
		WHERE id = ?`), id,
	).Scan(&inst.ID, &inst.Name, &state, &meta, &createdAt, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrEntityNotFound
		}
		return nil, err
	}
	inst.State = api.WorkflowState(state)
	inst.CreatedAt = time.Unix(0, createdAt).UTC()
	inst.UpdatedAt = time.Unix(0, updated).UTC()
	if inst.Metadata, err = decodeJSON(meta); err != nil {
		return nil, err
	}
	return &inst, nil
}

const evaluationColumns = `id, workflow_id, model_id, model_version, current_state, dataset_ref, predictions_ref, result_ref, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(row rowScanner) (*api.EvaluationInstance, error) {
	var (
		inst               api.EvaluationInstance
		state              string
		createdAt, updated int64
	)
	if err := row.Scan(&inst.ID, &inst.WorkflowID, &inst.ModelID, &inst.ModelVersion, &state,
		&inst.DatasetRef, &inst.PredictionsRef, &inst.ResultRef, &createdAt, &updated); err != nil {
		return nil, err
	}
	inst.State = api.EvaluationState(state)
	inst.CreatedAt = time.Unix(0, createdAt).UTC()
	inst.UpdatedAt = time.Unix(0, updated).UTC()
	return &inst, nil
}

func (s *SQLStore) GetEvaluation(ctx context.Context, id string) (*api.EvaluationInstance, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+evaluationColumns+` FROM evaluation_instances WHERE id = ?`), id)
	inst, err := scanEvaluation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, api.ErrEntityNotFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLStore) ListEvaluations(ctx context.Context, workflowID string) ([]*api.EvaluationInstance, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+evaluationColumns+`
		FROM evaluation_instances
		WHERE workflow_id = ?
		ORDER BY created_at, id`), workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.EvaluationInstance
	for rows.Next() {
		inst, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func tableFor(kind api.EntityKind) (string, error) {
	switch kind {
	case api.KindWorkflow:
		return "workflow_instances", nil
	case api.KindEvaluation:
		return "evaluation_instances", nil
	default:
		return "", fmt.Errorf("%w: unknown entity kind %q", api.ErrInvalidArgument, kind)
	}
}

func (s *SQLStore) CurrentState(ctx context.Context, kind api.EntityKind, id string) (string, error) {
	table, err := tableFor(kind)
	if err != nil {
		return "", err
	}
	var state string
	err = s.db.QueryRowContext(ctx, s.q(`SELECT current_state FROM `+table+` WHERE id = ?`), id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", api.ErrEntityNotFound
	}
	return state, err
}

func (s *SQLStore) ApplyTransition(ctx context.Context, rec *api.TransitionRecord) error {
	table, err := tableFor(rec.EntityKind)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// The conditional update comes first so the write lock is taken
		// before anything is read.
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE `+table+`
			SET current_state = ?, updated_at = ?
			WHERE id = ? AND current_state = ?`),
			rec.ToState, rec.At.UnixNano(), rec.EntityID, rec.FromState,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			var n int
			if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM `+table+` WHERE id = ?`), rec.EntityID).Scan(&n); err != nil {
				return err
			}
			if n == 0 {
				return api.ErrEntityNotFound
			}
			return api.ErrConcurrencyConflict
		}
		return s.insertRecord(ctx, tx, rec)
	})
}

func (s *SQLStore) History(ctx context.Context, entityID string) ([]api.TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, entity_id, entity_kind, from_state, to_state, triggered_by, reason, payload, at
		FROM transition_history
		WHERE entity_id = ?
		ORDER BY at, id`), entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.TransitionRecord
	for rows.Next() {
		var (
			rec     api.TransitionRecord
			kind    string
			payload sql.NullString
			at      int64
		)
		if err := rows.Scan(&rec.ID, &rec.EntityID, &kind, &rec.FromState, &rec.ToState,
			&rec.TriggeredBy, &rec.Reason, &payload, &at); err != nil {
			return nil, err
		}
		rec.EntityKind = api.EntityKind(kind)
		rec.At = time.Unix(0, at).UTC()
		if rec.Payload, err = decodeJSON(payload); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		// Every entity has a creation record, so no rows means no entity.
		return nil, api.ErrEntityNotFound
	}
	return out, nil
}

func (s *SQLStore) UpdateEvaluationRefs(ctx context.Context, id string, refs EvaluationRefs) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE evaluation_instances
		SET dataset_ref = CASE WHEN ? = '' THEN dataset_ref ELSE ? END,
		    predictions_ref = CASE WHEN ? = '' THEN predictions_ref ELSE ? END,
		    result_ref = CASE WHEN ? = '' THEN result_ref ELSE ? END,
		    updated_at = ?
		WHERE id = ?`),
		refs.DatasetRef, refs.DatasetRef, refs.PredictionsRef, refs.PredictionsRef, refs.ResultRef, refs.ResultRef,
		time.Now().UTC().UnixNano(), id,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return api.ErrEntityNotFound
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle so a queue can share it.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func encodeJSON(v map[string]any) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("persistence: encode json: %w", err)
	}
	return string(b), nil
}

func decodeJSON(v sql.NullString) (map[string]any, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, fmt.Errorf("persistence: decode json: %w", err)
	}
	return out, nil
}
