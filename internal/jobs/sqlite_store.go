package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jo-hoe/canopyflow/internal/common"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serializes every read-modify-write transaction per database.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		parent_id TEXT,
		input_refs_json TEXT,
		params_json TEXT,
		results_json TEXT,
		error_message TEXT,
		progress INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_kind_created ON jobs (kind, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	if job.Kind == "" {
		return errors.New("job.Kind is required")
	}
	if job.Status == "" {
		job.Status = StatusUploaded
	}
	if job.Status != StatusUploaded {
		return fmt.Errorf("new job must start %s, got %s", StatusUploaded, job.Status)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	job.UpdatedAt = job.CreatedAt

	refs, err := marshalOptional(job.InputRefs)
	if err != nil {
		return fmt.Errorf("marshal input refs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE id = ?`, job.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check job id: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, status, parent_id, input_refs_json, progress, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		job.ID, string(job.Kind), string(job.Status), nullable(job.ParentID), refs,
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Transition(ctx context.Context, id string, to Status, payload Payload) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := scanJob(tx.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id))
	if err != nil {
		return nil, err
	}
	if !ValidTransition(job.Status, to) {
		return nil, &TransitionError{ID: id, From: job.Status, To: to}
	}

	now := s.now()
	from := job.Status
	job.Status = to
	job.UpdatedAt = now
	switch to {
	case StatusProcessing:
		job.Params = payload.Params
	case StatusCompleted:
		job.Results = payload.Results
		if job.Results == nil {
			job.Results = map[string]any{}
		}
		job.Progress = 100
	case StatusFailed:
		msg := payload.ErrorMessage
		if msg == "" {
			msg = "pipeline failed"
		}
		job.ErrorMessage = &msg
	}

	params, err := marshalOptional(job.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	results, err := marshalOptional(job.Results)
	if err != nil {
		return nil, fmt.Errorf("marshal results: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE jobs
		SET status = ?, params_json = ?, results_json = ?, error_message = ?, progress = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), params, results, job.ErrorMessage, job.Progress, formatTime(now), id, string(from),
	)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	} else if n != 1 {
		return nil, &TransitionError{ID: id, From: from, To: to}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) Touch(ctx context.Context, id string, progress int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ? AND status = ?`,
		progress, formatTime(s.now()), id, string(StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	if n == 1 {
		return nil
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return &TransitionError{ID: id, From: job.Status, To: job.Status}
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, selectJob+` WHERE id = ?`, id))
}

func (s *SQLiteStore) List(ctx context.Context, kind Kind) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, selectJob+` WHERE kind = ? ORDER BY created_at DESC, id`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectJob = `SELECT id, kind, status, parent_id, input_refs_json, params_json, results_json,
	error_message, progress, created_at, updated_at FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var kind, status, created, updated string
	var parent, refs, params, results, errMsg sql.NullString

	if err := row.Scan(
		&job.ID,
		&kind,
		&status,
		&parent,
		&refs,
		&params,
		&results,
		&errMsg,
		&job.Progress,
		&created,
		&updated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Kind = Kind(kind)
	job.Status = Status(status)

	if parent.Valid {
		job.ParentID = parent.String
	}
	if refs.Valid && refs.String != "" {
		if err := json.Unmarshal([]byte(refs.String), &job.InputRefs); err != nil {
			return nil, fmt.Errorf("decode input refs: %w", err)
		}
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &job.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &job.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	if errMsg.Valid {
		v := errMsg.String
		job.ErrorMessage = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		job.UpdatedAt = t
	}
	return &job, nil
}

func marshalOptional[T any](v map[string]T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
