package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/pubudusj/spelling-game-backend/pkg/flow"
)

// LibSQLStore persists words, runs and run events in a local libsql database.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens (or creates) the database at path and tunes it for a
// single-writer embedded deployment.
func NewLibSQLStore(path string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection: libsql embedded mode has one writer, and a single
	// conn avoids SQLITE_BUSY on concurrent run event appends.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		// The libsql driver rejects Exec for statements that return rows,
		// and pragmas like journal_mode report their new value as a row.
		rows, err := db.Query(p)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
		_ = rows.Close()
	}

	return &LibSQLStore{db: db}, nil
}

// Migrate applies any pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Close releases the database handle.
func (s *LibSQLStore) Close() error {
	return s.db.Close()
}

// PutWord upserts a word record. The (pk, sk) key makes the write idempotent:
// re-generating the same word refreshes the description and audio reference.
func (s *LibSQLStore) PutWord(ctx context.Context, rec *WordRecord) error {
	if rec.PartitionKey == "" || rec.SortKey == "" {
		return flow.NewError(flow.ErrCodeValidation, "word record requires partition and sort keys")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO words (pk, sk, word, description, audio_ref, char_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pk, sk) DO UPDATE SET
			word = excluded.word,
			description = excluded.description,
			audio_ref = excluded.audio_ref,
			char_count = excluded.char_count,
			updated_at = excluded.updated_at`,
		rec.PartitionKey, rec.SortKey, rec.Word, rec.Description, rec.AudioRef, rec.CharCount, rec.UpdatedAt.UTC())
	if err != nil {
		return flow.NewError(flow.ErrCodeStore, "put word").WithCause(err)
	}
	return nil
}

// ScanWords returns up to limit records from a partition, starting at the
// first sort key >= startHint and wrapping around to the beginning of the
// partition if the tail is short. With hashed sort keys a random hint gives
// an unbiased sample window.
func (s *LibSQLStore) ScanWords(ctx context.Context, partition string, limit int, startHint string) ([]*WordRecord, error) {
	if limit <= 0 {
		return nil, flow.NewError(flow.ErrCodeValidation, "scan limit must be positive")
	}

	records, err := s.scanFrom(ctx, partition, limit, startHint, true)
	if err != nil {
		return nil, err
	}
	if len(records) < limit && startHint != "" {
		// Wrap around: take the head of the partition, excluding rows
		// already returned.
		head, err := s.scanFrom(ctx, partition, limit-len(records), startHint, false)
		if err != nil {
			return nil, err
		}
		records = append(records, head...)
	}
	return records, nil
}

func (s *LibSQLStore) scanFrom(ctx context.Context, partition string, limit int, hint string, tail bool) ([]*WordRecord, error) {
	query := `SELECT pk, sk, word, description, audio_ref, char_count, updated_at
		FROM words WHERE pk = ?`
	args := []any{partition}
	if hint != "" {
		if tail {
			query += ` AND sk >= ?`
		} else {
			query += ` AND sk < ?`
		}
		args = append(args, hint)
	}
	query += ` ORDER BY sk LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, flow.NewError(flow.ErrCodeStore, "scan words").WithCause(err)
	}
	defer rows.Close()

	var records []*WordRecord
	for rows.Next() {
		rec, err := scanWordRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, flow.NewError(flow.ErrCodeStore, "scan words").WithCause(err)
	}
	return records, nil
}

// GetWordsByKeys fetches specific records from a partition by sort key.
// Missing keys are silently omitted from the result.
func (s *LibSQLStore) GetWordsByKeys(ctx context.Context, partition string, sortKeys []string) ([]*WordRecord, error) {
	if len(sortKeys) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(sortKeys))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(sortKeys)+1)
	args = append(args, partition)
	for _, k := range sortKeys {
		args = append(args, k)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT pk, sk, word, description, audio_ref, char_count, updated_at
		FROM words WHERE pk = ? AND sk IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, flow.NewError(flow.ErrCodeStore, "get words by keys").WithCause(err)
	}
	defer rows.Close()

	byKey := make(map[string]*WordRecord, len(sortKeys))
	for rows.Next() {
		rec, err := scanWordRow(rows)
		if err != nil {
			return nil, err
		}
		byKey[rec.SortKey] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, flow.NewError(flow.ErrCodeStore, "get words by keys").WithCause(err)
	}

	// Preserve the caller's key order.
	records := make([]*WordRecord, 0, len(byKey))
	for _, k := range sortKeys {
		if rec, ok := byKey[k]; ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// CountWords returns the number of records in a partition.
func (s *LibSQLStore) CountWords(ctx context.Context, partition string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM words WHERE pk = ?`, partition).Scan(&n)
	if err != nil {
		return 0, flow.NewError(flow.ErrCodeStore, "count words").WithCause(err)
	}
	return n, nil
}

func scanWordRow(rows *sql.Rows) (*WordRecord, error) {
	var rec WordRecord
	var updatedAt string
	if err := rows.Scan(&rec.PartitionKey, &rec.SortKey, &rec.Word, &rec.Description, &rec.AudioRef, &rec.CharCount, &updatedAt); err != nil {
		return nil, flow.NewError(flow.ErrCodeStore, "scan word row").WithCause(err)
	}
	rec.UpdatedAt = parseTimestamp(updatedAt)
	return &rec, nil
}

// CreateRun inserts a new run row.
func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, graph, status, input, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Graph, string(run.Status), nullableJSON(run.Input), run.StartedAt.UTC())
	if err != nil {
		return flow.NewError(flow.ErrCodeStore, "create run").WithCause(err)
	}
	return nil
}

// GetRun fetches a run by ID.
func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	var status, startedAt string
	var input, output, runErr, completedAt sql.NullString

	err := s.db.QueryRowContext(ctx, `SELECT id, graph, status, input, output, error, started_at, completed_at
		FROM runs WHERE id = ?`, id).
		Scan(&run.ID, &run.Graph, &status, &input, &output, &runErr, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, flow.NewErrorf(flow.ErrCodeNotFound, "run %s not found", id)
	}
	if err != nil {
		return nil, flow.NewError(flow.ErrCodeStore, "get run").WithCause(err)
	}

	run.Status = flow.RunStatus(status)
	run.StartedAt = parseTimestamp(startedAt)
	if input.Valid {
		run.Input = []byte(input.String)
	}
	if output.Valid {
		run.Output = []byte(output.String)
	}
	if runErr.Valid {
		run.Error = runErr.String
	}
	if completedAt.Valid {
		t := parseTimestamp(completedAt.String)
		run.CompletedAt = &t
	}
	return &run, nil
}

// UpdateRun applies a partial update; nil fields in the update are untouched.
func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return flow.NewError(flow.ErrCodeStore, "update run").WithCause(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return flow.NewErrorf(flow.ErrCodeNotFound, "run %s not found", id)
	}
	return nil
}

// AppendRunEvent records one entry in a run's execution history.
func (s *LibSQLStore) AppendRunEvent(ctx context.Context, event *RunEvent) error {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_events (run_id, state_id, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		event.RunID, event.StateID, event.Type, nullableJSON(event.Payload), createdAt.UTC())
	if err != nil {
		return flow.NewError(flow.ErrCodeStore, "append run event").WithCause(err)
	}
	return nil
}

// ListRunEvents returns a run's events with seq > since, oldest first.
func (s *LibSQLStore) ListRunEvents(ctx context.Context, runID string, since int64) ([]*RunEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, run_id, state_id, type, payload, created_at
		FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq`, runID, since)
	if err != nil {
		return nil, flow.NewError(flow.ErrCodeStore, "list run events").WithCause(err)
	}
	defer rows.Close()

	var events []*RunEvent
	for rows.Next() {
		var ev RunEvent
		var stateID, payload sql.NullString
		var createdAt string
		if err := rows.Scan(&ev.Seq, &ev.RunID, &stateID, &ev.Type, &payload, &createdAt); err != nil {
			return nil, flow.NewError(flow.ErrCodeStore, "scan run event").WithCause(err)
		}
		ev.StateID = stateID.String
		if payload.Valid {
			ev.Payload = []byte(payload.String)
		}
		ev.CreatedAt = parseTimestamp(createdAt)
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, flow.NewError(flow.ErrCodeStore, "list run events").WithCause(err)
	}
	return events, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// parseTimestamp handles the formats the driver hands back for TIMESTAMP
// columns written either as Go time values or SQLite defaults.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
