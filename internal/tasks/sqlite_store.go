package tasks

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/docmark/internal/common"
)

// SQLiteStore is the default Store, backed by a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time keeps conditional updates free of lock upgrades.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		source_format TEXT NOT NULL,
		family TEXT NOT NULL,
		original_filename TEXT NOT NULL,
		input_path TEXT NOT NULL,
		file_hash TEXT,
		callback_url TEXT,
		archive_path TEXT,
		archive_url TEXT,
		image_count INTEGER,
		image_location TEXT,
		storage_bucket TEXT,
		storage_prefix TEXT,
		storage_endpoint TEXT,
		error_kind TEXT,
		error_message TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status_updated ON tasks (status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_hash ON tasks (file_hash);
	CREATE TABLE IF NOT EXISTS expired_tasks (
		id TEXT PRIMARY KEY,
		expired_at INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

const taskColumns = `id, status, source_format, family, original_filename, input_path, file_hash, callback_url,
	archive_path, archive_url, image_count, image_location, storage_bucket, storage_prefix, storage_endpoint,
	error_kind, error_message, created_at, updated_at`

func (s *SQLiteStore) CreateTask(task *Task) error {
	if task == nil {
		return errors.New("task is nil")
	}
	if task.ID == "" {
		return errors.New("task.ID is required")
	}
	if task.Status != StatusPending {
		return fmt.Errorf("new task must be %s, got %q: %w", StatusPending, task.Status, ErrInvalidTransition)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.UpdatedAt = task.CreatedAt
	task.Result, task.Error = nil, nil

	_, err := s.db.Exec(
		`INSERT INTO tasks (id, status, source_format, family, original_filename, input_path, file_hash, callback_url, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, string(task.Status), task.SourceFormat, task.Family, task.OriginalFilename, task.InputPath,
		nullable(task.FileHash), nullable(task.CallbackURL), task.CreatedAt.UnixNano(), task.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Claim(id string) (*Task, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusProcessing), now().UnixNano(), id, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if err := s.checkTransition(res, id); err != nil {
		return nil, err
	}
	return s.GetTask(id)
}

func (s *SQLiteStore) Complete(id string, r Result) error {
	res, err := s.db.Exec(`UPDATE tasks
		SET status = ?, archive_path = ?, archive_url = ?, image_count = ?, image_location = ?,
			storage_bucket = ?, storage_prefix = ?, storage_endpoint = ?,
			error_kind = NULL, error_message = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusCompleted), r.ArchivePath, nullable(r.ArchiveURL), r.ImageCount, string(r.ImageLocation),
		nullable(r.Bucket), nullable(r.Prefix), nullable(r.Endpoint),
		now().UnixNano(), id, string(StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return s.checkTransition(res, id)
}

func (s *SQLiteStore) Fail(id string, terr TaskError) error {
	res, err := s.db.Exec(`UPDATE tasks
		SET status = ?, error_kind = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusFailed), string(terr.Kind), terr.Message, now().UnixNano(), id, string(StatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return s.checkTransition(res, id)
}

// checkTransition turns a zero-row conditional update into the right error.
func (s *SQLiteStore) checkTransition(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}
	cur, err := s.GetTask(id)
	if err != nil {
		return err
	}
	return fmt.Errorf("task %s is %s: %w", id, cur.Status, ErrInvalidTransition)
}

func (s *SQLiteStore) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		var at int64
		terr := s.db.QueryRow(`SELECT expired_at FROM expired_tasks WHERE id = ?`, id).Scan(&at)
		switch {
		case terr == nil:
			return nil, ErrExpired
		case errors.Is(terr, sql.ErrNoRows):
			return nil, ErrNotFound
		default:
			return nil, fmt.Errorf("lookup tombstone: %w", terr)
		}
	}
	return task, err
}

func (s *SQLiteStore) ListTasks(f Filter) ([]*Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if f.Status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.query(q, args...)
}

func (s *SQLiteStore) ListTerminalBefore(cutoff time.Time) ([]*Task, error) {
	return s.query(`SELECT `+taskColumns+` FROM tasks WHERE status IN (?, ?) AND updated_at < ? ORDER BY updated_at ASC`,
		string(StatusCompleted), string(StatusFailed), cutoff.UnixNano())
}

func (s *SQLiteStore) ListStaleProcessing(cutoff time.Time) ([]*Task, error) {
	return s.query(`SELECT `+taskColumns+` FROM tasks WHERE status = ? AND updated_at < ? ORDER BY updated_at ASC`,
		string(StatusProcessing), cutoff.UnixNano())
}

func (s *SQLiteStore) FindCompletedByHash(hash string) (*Task, error) {
	if hash == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE file_hash = ? AND status = ? ORDER BY updated_at DESC LIMIT 1`,
		hash, string(StatusCompleted))
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

func (s *SQLiteStore) Expire(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin expire: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`DELETE FROM tasks WHERE id = ? AND status IN (?, ?)`,
		id, string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		_ = tx.Rollback()
		cur, err := s.GetTask(id)
		if err != nil {
			return err
		}
		return fmt.Errorf("task %s is %s: %w", id, cur.Status, ErrInvalidTransition)
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO expired_tasks (id, expired_at) VALUES (?, ?)`, id, now().UnixNano()); err != nil {
		return fmt.Errorf("insert tombstone: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit expire: %w", err)
	}
	return nil
}

func (s *SQLiteStore) PurgeTombstones(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM expired_tasks WHERE expired_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Stats() (Stats, error) {
	var st Stats
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, fmt.Errorf("scan count: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = n
		case StatusProcessing:
			st.Processing = n
		case StatusCompleted:
			st.Completed = n
		case StatusFailed:
			st.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	rows.Close()
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM expired_tasks`).Scan(&st.Expired); err != nil {
		return st, fmt.Errorf("count tombstones: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) query(q string, args ...any) ([]*Task, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var task Task
	var status string
	var hash, cb, archivePath, archiveURL, imgLoc, bucket, prefix, endpoint, errKind, errMsg sql.NullString
	var imgCount sql.NullInt64
	var created, updated int64

	if err := row.Scan(
		&task.ID,
		&status,
		&task.SourceFormat,
		&task.Family,
		&task.OriginalFilename,
		&task.InputPath,
		&hash,
		&cb,
		&archivePath,
		&archiveURL,
		&imgCount,
		&imgLoc,
		&bucket,
		&prefix,
		&endpoint,
		&errKind,
		&errMsg,
		&created,
		&updated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.Status = Status(status)
	task.FileHash = hash.String
	task.CallbackURL = cb.String
	task.CreatedAt = time.Unix(0, created).UTC()
	task.UpdatedAt = time.Unix(0, updated).UTC()

	switch task.Status {
	case StatusCompleted:
		task.Result = &Result{
			ArchivePath:   archivePath.String,
			ArchiveURL:    archiveURL.String,
			ImageCount:    int(imgCount.Int64),
			ImageLocation: ImageLocation(imgLoc.String),
			Bucket:        bucket.String,
			Prefix:        prefix.String,
			Endpoint:      endpoint.String,
		}
	case StatusFailed:
		task.Error = &TaskError{Kind: ErrorKind(errKind.String), Message: errMsg.String}
	}
	return &task, nil
}

func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

// now is the store clock. UTC for stable ordering across hosts.
var now = func() time.Time { return time.Now().UTC() }
