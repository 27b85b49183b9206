package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowkit/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
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
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

var _ Store = (*LibSQLStore)(nil)

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	payload, err := marshalMapOrDefault(run.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	meta, err := marshalMapOrDefault(run.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, version, status, origin, payload, meta, cursor, outputs, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.Version, string(run.Status), string(run.Origin),
		string(payload), string(meta), nullStr(run.Cursor),
		nullRaw(run.Outputs), nullRaw(run.Error),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s already exists", run.ID)
	}
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, version, status, origin, payload, meta, cursor, outputs, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Cursor != nil {
		sets = append(sets, "cursor = ?")
		args = append(args, *update.Cursor)
	}
	if update.Outputs != nil {
		sets = append(sets, "outputs = ?")
		args = append(args, string(update.Outputs))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	if update.Status != nil {
		// A terminal run never leaves its status; the first settle wins.
		query += " AND (status = ? OR status NOT IN (?, ?, ?, ?))"
		args = append(args, string(*update.Status),
			string(schema.RunStatusCompleted), string(schema.RunStatusFailed),
			string(schema.RunStatusCancelled), string(schema.RunStatusTimedOut))
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if update.Status != nil {
			if cur, gerr := s.GetRun(ctx, id); gerr == nil {
				return schema.NewErrorf(schema.ErrCodeInvalidTransition,
					"run %s is %s, cannot move to %s", id, cur.Status, *update.Status)
			}
		}
		return storeNotFound("run", id)
	}
	return nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
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
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_id, version, status, origin, payload, meta, cursor, outputs, error, created_at, started_at, completed_at, updated_at FROM runs`
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

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) CountActiveRuns(ctx context.Context, workflowID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE workflow_id = ? AND status IN (?, ?, ?)`,
		workflowID, string(schema.RunStatusPending), string(schema.RunStatusRunning), string(schema.RunStatusPaused),
	).Scan(&n)
	return n, err
}

func scanRun(scan func(...any) error) (*Run, error) {
	run := &Run{}
	var (
		status, origin         string
		payloadJSON, metaJSON  string
		cursor                 sql.NullString
		outputs, errJSON       sql.NullString
		startedAt, completedAt sql.NullTime
	)
	err := scan(&run.ID, &run.WorkflowID, &run.Version, &status, &origin,
		&payloadJSON, &metaJSON, &cursor, &outputs, &errJSON,
		&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.Origin = schema.TriggerOrigin(origin)
	if payloadJSON != "" {
		_ = json.Unmarshal([]byte(payloadJSON), &run.Payload)
	}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &run.Meta)
	}
	run.Cursor = cursor.String
	run.Outputs = rawOrNil(outputs)
	run.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Step records ---

func (s *LibSQLStore) UpsertStepRecord(ctx context.Context, rec *StepRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_records (run_id, name, status, attempts, output, error, cache_key, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, name) DO UPDATE SET
		   status=excluded.status, attempts=excluded.attempts, output=excluded.output, error=excluded.error,
		   cache_key=excluded.cache_key, started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		rec.RunID, rec.Name, string(rec.Status), rec.Attempts,
		nullRaw(rec.Output), nullRaw(rec.Error), nullStr(rec.CacheKey),
		nullTime(rec.StartedAt), nullTime(rec.CompletedAt), rec.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetStepRecord(ctx context.Context, runID, name string) (*StepRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, name, status, attempts, output, error, cache_key, started_at, completed_at, duration_ms
		 FROM step_records WHERE run_id = ? AND name = ?`, runID, name)
	rec, err := scanStepRecord(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step_record", runID+"/"+name)
	}
	return rec, err
}

func (s *LibSQLStore) ListStepRecords(ctx context.Context, runID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, name, status, attempts, output, error, cache_key, started_at, completed_at, duration_ms
		 FROM step_records WHERE run_id = ? ORDER BY name ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*StepRecord
	for rows.Next() {
		rec, err := scanStepRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanStepRecord(scan func(...any) error) (*StepRecord, error) {
	rec := &StepRecord{}
	var status string
	var output, errJSON, cacheKey sql.NullString
	var startedAt, completedAt sql.NullTime
	err := scan(&rec.RunID, &rec.Name, &status, &rec.Attempts, &output, &errJSON, &cacheKey,
		&startedAt, &completedAt, &rec.DurationMs)
	if err != nil {
		return nil, err
	}
	rec.Status = schema.StepStatus(status)
	rec.Output = rawOrNil(output)
	rec.Error = rawOrNil(errJSON)
	rec.CacheKey = cacheKey.String
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

// --- Event log ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Next sequence number for this run.
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, step, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.Step), event.Type, nullRaw(event.Payload),
		timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var step, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &step, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Step = step.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- State ---

func (s *LibSQLStore) SetState(ctx context.Context, entry *StateEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state (namespace, key, value, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(namespace, key) DO UPDATE SET
		   value=excluded.value, expires_at=excluded.expires_at, updated_at=CURRENT_TIMESTAMP`,
		entry.Namespace, entry.Key, string(entry.Value), nullTime(entry.ExpiresAt),
	)
	return err
}

func (s *LibSQLStore) GetState(ctx context.Context, namespace, key string) (*StateEntry, error) {
	entry := &StateEntry{}
	var value string
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT namespace, key, value, expires_at, updated_at FROM state WHERE namespace = ? AND key = ?`,
		namespace, key,
	).Scan(&entry.Namespace, &entry.Key, &value, &expiresAt, &entry.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry.Value = json.RawMessage(value)
	if expiresAt.Valid {
		entry.ExpiresAt = &expiresAt.Time
	}
	return entry, nil
}

func (s *LibSQLStore) IncrState(ctx context.Context, namespace, key string, amount int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current int64
	var value string
	var expiresAt sql.NullTime
	err = tx.QueryRowContext(ctx,
		`SELECT value, expires_at FROM state WHERE namespace = ? AND key = ?`, namespace, key,
	).Scan(&value, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		// zero-initialized below
	case err != nil:
		return 0, err
	default:
		expired := expiresAt.Valid && !time.Now().UTC().Before(expiresAt.Time)
		if !expired {
			if jsonErr := json.Unmarshal([]byte(value), &current); jsonErr != nil {
				return 0, schema.NewErrorf(schema.ErrCodeConflict, "state %s/%s is not numeric", namespace, key)
			}
		}
	}

	current += amount
	raw, _ := json.Marshal(current)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO state (namespace, key, value, expires_at, updated_at)
		 VALUES (?, ?, ?, NULL, CURRENT_TIMESTAMP)
		 ON CONFLICT(namespace, key) DO UPDATE SET
		   value=excluded.value, expires_at=NULL, updated_at=CURRENT_TIMESTAMP`,
		namespace, key, string(raw),
	)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit incr: %w", err)
	}
	return current, nil
}

func (s *LibSQLStore) DeleteState(ctx context.Context, namespace, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM state WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *LibSQLStore) ListState(ctx context.Context, namespace string) ([]*StateEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT namespace, key, value, expires_at, updated_at FROM state WHERE namespace = ? ORDER BY key ASC`,
		namespace,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*StateEntry
	for rows.Next() {
		entry := &StateEntry{}
		var value string
		var expiresAt sql.NullTime
		if err := rows.Scan(&entry.Namespace, &entry.Key, &value, &expiresAt, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		entry.Value = json.RawMessage(value)
		if expiresAt.Valid {
			entry.ExpiresAt = &expiresAt.Time
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *LibSQLStore) PurgeExpiredState(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM state WHERE expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Pause tokens ---

func (s *LibSQLStore) CreatePause(ctx context.Context, rec *PauseRecord) error {
	status := rec.Status
	if status == "" {
		status = PausePending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pauses (token, run_id, workflow_id, step, kind, status, metadata, created_at, deadline, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Token, rec.RunID, rec.WorkflowID, rec.Step, rec.Kind, status,
		nullRaw(rec.Metadata), timeOrNow(rec.CreatedAt), nullTime(rec.Deadline), nullTime(rec.ResolvedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return schema.NewErrorf(schema.ErrCodeConflict, "pause token %s already exists", rec.Token)
	}
	return err
}

func (s *LibSQLStore) GetPause(ctx context.Context, token string) (*PauseRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, run_id, workflow_id, step, kind, status, metadata, created_at, deadline, resolved_at
		 FROM pauses WHERE token = ?`, token)
	rec, err := scanPause(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("pause", token)
	}
	return rec, err
}

func (s *LibSQLStore) ConsumePause(ctx context.Context, token, status string, at time.Time) (*PauseRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT token, run_id, workflow_id, step, kind, status, metadata, created_at, deadline, resolved_at
		 FROM pauses WHERE token = ?`, token)
	rec, err := scanPause(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("pause", token)
	}
	if err != nil {
		return nil, err
	}
	if rec.Status != PausePending {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "pause token %s already %s", token, rec.Status).
			WithDetails(map[string]any{"status": rec.Status})
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE pauses SET status = ?, resolved_at = ? WHERE token = ? AND status = ?`,
		status, at, token, PausePending,
	)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}
	return rec, nil
}

func (s *LibSQLStore) ListPauses(ctx context.Context, filter PauseFilter) ([]*PauseRecord, error) {
	var where []string
	var args []any

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, filter.Kind)
	}

	query := `SELECT token, run_id, workflow_id, step, kind, status, metadata, created_at, deadline, resolved_at FROM pauses`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*PauseRecord
	for rows.Next() {
		rec, err := scanPause(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanPause(scan func(...any) error) (*PauseRecord, error) {
	rec := &PauseRecord{}
	var metadata sql.NullString
	var deadline, resolvedAt sql.NullTime
	err := scan(&rec.Token, &rec.RunID, &rec.WorkflowID, &rec.Step, &rec.Kind, &rec.Status,
		&metadata, &rec.CreatedAt, &deadline, &resolvedAt)
	if err != nil {
		return nil, err
	}
	rec.Metadata = rawOrNil(metadata)
	if deadline.Valid {
		rec.Deadline = &deadline.Time
	}
	if resolvedAt.Valid {
		rec.ResolvedAt = &resolvedAt.Time
	}
	return rec, nil
}

// --- Idempotency keys ---

func (s *LibSQLStore) PutIdempotencyKey(ctx context.Context, key, runID string) (string, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, run_id, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO NOTHING`,
		key, runID,
	)
	if err != nil {
		return "", false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if n > 0 {
		return runID, true, nil
	}
	var existing string
	err = s.db.QueryRowContext(ctx,
		`SELECT run_id FROM idempotency_keys WHERE key = ?`, key,
	).Scan(&existing)
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

func (s *LibSQLStore) DeleteIdempotencyKey(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = ?`, key)
	return err
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
