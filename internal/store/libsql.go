package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/luthier-ai/maestro/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/maestro.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *schema.Execution) error {
	input, err := nullableJSON(exec.InputData)
	if err != nil {
		return fmt.Errorf("marshal input_data: %w", err)
	}
	output, err := nullableJSON(exec.OutputData)
	if err != nil {
		return fmt.Errorf("marshal output_data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, tenant_id, workflow_id, workflow_version, status, input_data, output_data, current_step, error_kind, error_message, error_step, started_at, completed_at, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.TenantID, exec.WorkflowID, exec.WorkflowVersion, string(exec.Status),
		input, output, nullStr(exec.CurrentStep),
		nullStr(exec.ErrorKind), nullStr(exec.ErrorMessage), nullStr(exec.ErrorStep),
		nullTime(exec.StartedAt), nullTime(exec.CompletedAt), exec.DurationMs, timeOrNow(exec.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, exec *schema.Execution) error {
	output, err := nullableJSON(exec.OutputData)
	if err != nil {
		return fmt.Errorf("marshal output_data: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, output_data = ?, current_step = ?, error_kind = ?, error_message = ?, error_step = ?, started_at = ?, completed_at = ?, duration_ms = ?
		 WHERE id = ?`,
		string(exec.Status), output, nullStr(exec.CurrentStep),
		nullStr(exec.ErrorKind), nullStr(exec.ErrorMessage), nullStr(exec.ErrorStep),
		nullTime(exec.StartedAt), nullTime(exec.CompletedAt), exec.DurationMs, exec.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", exec.ID)
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, workflow_id, workflow_version, status, input_data, output_data, current_step, error_kind, error_message, error_step, started_at, completed_at, duration_ms, created_at
		 FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.Execution, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, tenant_id, workflow_id, workflow_version, status, input_data, output_data, current_step, error_kind, error_message, error_step, started_at, completed_at, duration_ms, created_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*schema.Execution, error) {
	exec := &schema.Execution{}
	var (
		status                           string
		input, output                    sql.NullString
		currentStep, errKind             sql.NullString
		errMsg, errStep                  sql.NullString
		startedAt, completedAt           sql.NullTime
	)
	err := row.Scan(&exec.ID, &exec.TenantID, &exec.WorkflowID, &exec.WorkflowVersion, &status,
		&input, &output, &currentStep, &errKind, &errMsg, &errStep,
		&startedAt, &completedAt, &exec.DurationMs, &exec.CreatedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.CurrentStep = currentStep.String
	exec.ErrorKind = errKind.String
	exec.ErrorMessage = errMsg.String
	exec.ErrorStep = errStep.String
	if input.Valid && input.String != "" {
		_ = json.Unmarshal([]byte(input.String), &exec.InputData)
	}
	if output.Valid && output.String != "" {
		_ = json.Unmarshal([]byte(output.String), &exec.OutputData)
	}
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return exec, nil
}

// --- Step executions ---

func (s *LibSQLStore) CreateStepExecution(ctx context.Context, se *schema.StepExecution) error {
	input, err := nullableJSON(se.ResolvedInput)
	if err != nil {
		return fmt.Errorf("marshal resolved_input: %w", err)
	}
	output, err := nullableJSONValue(se.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO step_executions (id, execution_id, step_name, step_type, status, resolved_input, output, error_message, retry_count, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		se.ID, se.ExecutionID, se.StepName, string(se.StepType), string(se.Status),
		input, output, nullStr(se.ErrorMessage), se.RetryCount,
		nullTime(se.StartedAt), nullTime(se.CompletedAt), se.DurationMs,
	)
	return err
}

func (s *LibSQLStore) UpdateStepExecution(ctx context.Context, se *schema.StepExecution) error {
	input, err := nullableJSON(se.ResolvedInput)
	if err != nil {
		return fmt.Errorf("marshal resolved_input: %w", err)
	}
	output, err := nullableJSONValue(se.Output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE step_executions SET status = ?, resolved_input = ?, output = ?, error_message = ?, retry_count = ?, started_at = ?, completed_at = ?, duration_ms = ?
		 WHERE id = ?`,
		string(se.Status), input, output, nullStr(se.ErrorMessage), se.RetryCount,
		nullTime(se.StartedAt), nullTime(se.CompletedAt), se.DurationMs, se.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step execution", se.ID)
}

func (s *LibSQLStore) ListStepExecutions(ctx context.Context, executionID string) ([]*schema.StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_name, step_type, status, resolved_input, output, error_message, retry_count, started_at, completed_at, duration_ms
		 FROM step_executions WHERE execution_id = ? ORDER BY created_at ASC, id ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.StepExecution
	for rows.Next() {
		se := &schema.StepExecution{}
		var (
			stepType, status       string
			input, output, errMsg  sql.NullString
			startedAt, completedAt sql.NullTime
		)
		if err := rows.Scan(&se.ID, &se.ExecutionID, &se.StepName, &stepType, &status,
			&input, &output, &errMsg, &se.RetryCount, &startedAt, &completedAt, &se.DurationMs); err != nil {
			return nil, err
		}
		se.StepType = schema.StepType(stepType)
		se.Status = schema.StepStatus(status)
		se.ErrorMessage = errMsg.String
		if input.Valid && input.String != "" {
			_ = json.Unmarshal([]byte(input.String), &se.ResolvedInput)
		}
		if output.Valid && output.String != "" {
			var v any
			if json.Unmarshal([]byte(output.String), &v) == nil {
				se.Output = v
			}
		}
		if startedAt.Valid {
			se.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			se.CompletedAt = &completedAt.Time
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

// --- Audit log ---

// AppendAudit appends a record with a monotonically increasing
// per-execution sequence. The single-connection pool serializes writers,
// so the read-then-insert pair inside one transaction is safe.
func (s *LibSQLStore) AppendAudit(ctx context.Context, rec *schema.AuditRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM audit_log WHERE execution_id = ?`, rec.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next audit sequence: %w", err)
	}
	rec.Sequence = seq

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (tenant_id, execution_id, step_name, kind, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.ExecutionID, nullStr(rec.StepName), rec.Kind,
		nullRaw(rec.Payload), rec.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit record: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListAudit(ctx context.Context, executionID string, since int64) ([]*schema.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, execution_id, step_name, kind, payload, timestamp, sequence
		 FROM audit_log WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.AuditRecord
	for rows.Next() {
		rec := &schema.AuditRecord{}
		var stepName, payload sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.ExecutionID, &stepName, &rec.Kind,
			&payload, &rec.Timestamp, &rec.Sequence); err != nil {
			return nil, err
		}
		rec.StepName = stepName.String
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- Helpers ---

func storeNotFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", kind, id)
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(kind, id)
	}
	return nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullRaw(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullableJSON(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullableJSONValue(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

var _ Store = (*LibSQLStore)(nil)
