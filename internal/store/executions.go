package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// --- Executions ---

const executionColumns = `id, workflow_id, status, trigger_kind, started_at, completed_at, error, result, logs`

func (s *LibSQLStore) CreateExecution(ctx context.Context, rec *schema.ExecutionRecord) error {
	return insertExecution(ctx, s.db, rec)
}

// CreateExecutionIfIdle performs the idle check and the insert inside one
// write-locked transaction so two processes sharing the database cannot both
// start the same workflow.
func (s *LibSQLStore) CreateExecutionIfIdle(ctx context.Context, rec *schema.ExecutionRecord, window time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := acquireWriteLock(ctx, tx); err != nil {
		return false, err
	}

	since := time.Now().UTC().Add(-window)
	var n int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions
		 WHERE workflow_id = ? AND (status = ? OR (status = ? AND started_at >= ?))`,
		rec.WorkflowID, string(schema.ExecutionRunning), string(schema.ExecutionCompleted), since,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count recent executions: %w", err)
	}
	if n > 0 {
		return false, nil
	}
	if err := insertExecution(ctx, tx, rec); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit execution: %w", err)
	}
	return true, nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error) {
	rec, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateExecution loads, mutates and writes back a record under the database
// write lock. Concurrent updates to the same record are serialized.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, fn func(*schema.ExecutionRecord) error) (*schema.ExecutionRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := acquireWriteLock(ctx, tx); err != nil {
		return nil, err
	}

	rec, err := scanExecution(tx.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}

	logs, err := marshalLogs(rec.Logs)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE executions SET status = ?, completed_at = ?, error = ?, result = ?, logs = ?, updated_at = ?
		 WHERE id = ?`,
		string(rec.Status), nullTime(rec.CompletedAt), nullStr(rec.Error), nullRaw(rec.Result), logs,
		time.Now().UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update execution: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit execution: %w", err)
	}
	return rec, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.StartedAfter != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.StartedAfter)
	}
	if filter.StartedBefore != nil {
		where = append(where, "started_at < ?")
		args = append(args, *filter.StartedBefore)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*schema.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- Execution helpers ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertExecution(ctx context.Context, db execer, rec *schema.ExecutionRecord) error {
	if rec.ID == "" || rec.WorkflowID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution id and workflow id are required")
	}
	rec.StartedAt = timeOrNow(rec.StartedAt)
	logs, err := marshalLogs(rec.Logs)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, status, trigger_kind, started_at, completed_at, error, result, logs, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, string(rec.Status), nullStr(string(rec.Trigger)), rec.StartedAt,
		nullTime(rec.CompletedAt), nullStr(rec.Error), nullRaw(rec.Result), logs, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// acquireWriteLock forces the transaction to take the write lock up front.
// In WAL mode BeginTx alone starts a deferred transaction.
func acquireWriteLock(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}
	return nil
}

func scanExecution(row interface{ Scan(...any) error }) (*schema.ExecutionRecord, error) {
	rec := &schema.ExecutionRecord{}
	var (
		status           string
		trigger, errText sql.NullString
		result           sql.NullString
		completedAt      sql.NullTime
		logsJSON         string
	)
	if err := row.Scan(&rec.ID, &rec.WorkflowID, &status, &trigger, &rec.StartedAt, &completedAt, &errText, &result, &logsJSON); err != nil {
		return nil, err
	}
	rec.Status = schema.ExecutionStatus(status)
	rec.Trigger = schema.TriggerKind(trigger.String)
	rec.Error = errText.String
	rec.Result = rawOrNil(result)
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(logsJSON), &rec.Logs); err != nil {
		return nil, fmt.Errorf("unmarshal execution logs: %w", err)
	}
	if rec.Logs == nil {
		rec.Logs = []schema.ExecutionLogEntry{}
	}
	return rec, nil
}

func marshalLogs(logs []schema.ExecutionLogEntry) (string, error) {
	if logs == nil {
		logs = []schema.ExecutionLogEntry{}
	}
	b, err := json.Marshal(logs)
	if err != nil {
		return "", fmt.Errorf("marshal execution logs: %w", err)
	}
	return string(b), nil
}
