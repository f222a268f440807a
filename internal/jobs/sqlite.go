package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteBusyTimeoutMS = 5000
	// fixed-width so that created_at and lease_until compare lexically
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLiteRegistry stores records in a SQLite file so that separate worker
// processes can share job state. Every transition is a single conditional
// UPDATE, which keeps it atomic without an application-level lock.
type SQLiteRegistry struct {
	db  *sql.DB
	now func() time.Time
}

var _ Registry = (*SQLiteRegistry)(nil)

func NewSQLiteRegistry(path string) (*SQLiteRegistry, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, sqliteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteRegistry{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		source_key TEXT NOT NULL,
		original_url TEXT NOT NULL,
		content_type TEXT NOT NULL,
		status TEXT NOT NULL,
		processed_url TEXT,
		thumbnail_url TEXT,
		failure_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS jobs_status_created ON jobs (status, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	for _, col := range []struct{ name, def string }{
		{"lease_owner", "TEXT"},
		{"lease_until", "TEXT"},
		{"claims", "INTEGER NOT NULL DEFAULT 0"},
	} {
		if err := addColumn(db, col.name, col.def); err != nil {
			return err
		}
	}
	return nil
}

// addColumn upgrades databases created before the column existed.
func addColumn(db *sql.DB, name, def string) error {
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('jobs') WHERE name = ?`, name).Scan(&n); err != nil {
		return fmt.Errorf("migrate schema: inspect %s: %w", name, err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.Exec(`ALTER TABLE jobs ADD COLUMN ` + name + ` ` + def); err != nil {
		return fmt.Errorf("migrate schema: add %s: %w", name, err)
	}
	return nil
}

func (s *SQLiteRegistry) Create(ctx context.Context, rec Record) error {
	if err := checkNew(&rec, s.now()); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, source_key, original_url, content_type, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.SourceKey, rec.OriginalURL, rec.ContentType, string(rec.Status),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	return nil
}

func (s *SQLiteRegistry) Get(ctx context.Context, id string) (Record, error) {
	return getRecord(ctx, s.db, id)
}

func (s *SQLiteRegistry) Update(ctx context.Context, id string, patch Patch) (Record, error) {
	patch, err := patch.validate()
	if err != nil {
		return Record{}, err
	}
	now := formatTime(s.now())
	query, args := updateStatement(patch, id, now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return Record{}, fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Record{}, fmt.Errorf("update job: %w", err)
	}

	current, err := getRecord(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	if n == 0 {
		return Record{}, rejection(current, patch)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit update: %w", err)
	}
	return current, nil
}

// updateStatement builds the conditional UPDATE for patch. The WHERE clause
// carries the same rules apply enforces for the in-memory registry.
func updateStatement(p Patch, id, now string) (string, []any) {
	if p.release {
		return `UPDATE jobs SET lease_owner = NULL, lease_until = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND lease_owner = ?`,
			[]any{now, id, string(StatusProcessing), p.LeaseOwner}
	}

	if p.Status == StatusProcessing {
		set := `UPDATE jobs SET status = ?, lease_owner = ?, lease_until = ?, claims = claims + 1, updated_at = ?
			WHERE id = ? AND `
		args := []any{string(StatusProcessing), nullable(p.LeaseOwner), nullableTime(p.LeaseUntil), now, id}
		if p.LeaseUntil.IsZero() {
			return set + `status = ?`, append(args, string(StatusPending))
		}
		return set + `(status = ? OR (status = ? AND (lease_until IS NULL OR lease_until <= ?)))`,
			append(args, string(StatusPending), string(StatusProcessing), now)
	}

	from := allowedFrom[p.Status]
	args := []any{string(p.Status), nullable(p.ProcessedURL), nullable(p.ThumbnailURL),
		nullable(p.FailureReason), now, id}
	for _, st := range from {
		args = append(args, string(st))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")
	return `UPDATE jobs
		SET status = ?, processed_url = ?, thumbnail_url = ?, failure_reason = ?,
			lease_owner = NULL, lease_until = NULL, updated_at = ?
		WHERE id = ? AND status IN (` + placeholders + `)`, args
}

// rejection explains why a conditional UPDATE matched no row.
func rejection(current Record, p Patch) error {
	switch {
	case IsTerminal(current.Status):
		return fmt.Errorf("%w (%s)", ErrTerminal, current.Status)
	case current.Status == StatusProcessing && p.release:
		return fmt.Errorf("%w: lease held by %q", ErrClaimed, current.LeaseOwner)
	case current.Status == StatusProcessing && p.Status == StatusProcessing && !p.LeaseUntil.IsZero():
		return fmt.Errorf("%w until %s", ErrClaimed, current.LeaseUntil.Format(time.RFC3339))
	case p.release:
		return fmt.Errorf("%w: release from %s", ErrInvalidTransition, current.Status)
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, p.Status)
	}
}

func (s *SQLiteRegistry) List(ctx context.Context, status Status, limit int) ([]Record, error) {
	query := `SELECT ` + recordColumns + ` FROM jobs WHERE status = ? ORDER BY created_at, id`
	args := []any{string(status)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

func (s *SQLiteRegistry) Close() error {
	return s.db.Close()
}

const recordColumns = `id, source_key, original_url, content_type, status, processed_url, thumbnail_url,
	failure_reason, lease_owner, lease_until, claims, created_at, updated_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getRecord(ctx context.Context, q queryer, id string) (Record, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM jobs WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, err
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var status, created, updated string
	var processed, thumb, reason, owner, until sql.NullString
	if err := row.Scan(
		&rec.ID,
		&rec.SourceKey,
		&rec.OriginalURL,
		&rec.ContentType,
		&status,
		&processed,
		&thumb,
		&reason,
		&owner,
		&until,
		&rec.Claims,
		&created,
		&updated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan job: %w", err)
	}
	rec.Status = Status(status)
	rec.ProcessedURL = processed.String
	rec.ThumbnailURL = thumb.String
	rec.FailureReason = reason.String
	rec.LeaseOwner = owner.String

	var err error
	if rec.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return Record{}, fmt.Errorf("scan job %s: parse created_at: %w", rec.ID, err)
	}
	if rec.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return Record{}, fmt.Errorf("scan job %s: parse updated_at: %w", rec.ID, err)
	}
	if until.Valid {
		if rec.LeaseUntil, err = time.Parse(timeLayout, until.String); err != nil {
			return Record{}, fmt.Errorf("scan job %s: parse lease_until: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := formatTime(t)
	return &s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
