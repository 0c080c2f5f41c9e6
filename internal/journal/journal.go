// Package journal persists open upload sessions in an embedded SQLite
// database so abandoned transfers can be listed and canceled after a crash
// or interruption. Sessions are recorded when created and removed on
// terminal success or explicit cancel.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a session id is not in the journal.
var ErrNotFound = errors.New("journal: session not found")

// Entry is one journaled upload session.
type Entry struct {
	ID         int64
	LocalPath  string
	RemotePath string
	UploadURL  string
	Size       int64
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// Journal is a SQLite-backed session journal. Use ":memory:" for tests.
type Journal struct {
	db     *sql.DB
	logger *slog.Logger

	insertStmt, getStmt, deleteStmt, listStmt *sql.Stmt
}

// Open opens (or creates) the journal database at dbPath, applying schema
// migrations.
func Open(ctx context.Context, dbPath string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug("opening transfer journal", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("journal: opening database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: enabling WAL mode: %w", err)
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	j := &Journal{db: db, logger: logger}

	if err := j.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return j, nil
}

// runMigrations applies pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("journal: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("journal: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("journal: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied journal migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

func (j *Journal) prepareStatements(ctx context.Context) error {
	var err error

	j.insertStmt, err = j.db.PrepareContext(ctx, `
		INSERT INTO upload_sessions (local_path, remote_path, upload_url, size, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("journal: preparing insert: %w", err)
	}

	j.getStmt, err = j.db.PrepareContext(ctx, `
		SELECT id, local_path, remote_path, upload_url, size, created_at, expires_at
		FROM upload_sessions WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("journal: preparing get: %w", err)
	}

	j.deleteStmt, err = j.db.PrepareContext(ctx, `DELETE FROM upload_sessions WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("journal: preparing delete: %w", err)
	}

	j.listStmt, err = j.db.PrepareContext(ctx, `
		SELECT id, local_path, remote_path, upload_url, size, created_at, expires_at
		FROM upload_sessions ORDER BY created_at`)
	if err != nil {
		return fmt.Errorf("journal: preparing list: %w", err)
	}

	return nil
}

// Record journals a newly created session and returns its journal id.
func (j *Journal) Record(ctx context.Context, e Entry) (int64, error) {
	res, err := j.insertStmt.ExecContext(ctx,
		e.LocalPath, e.RemotePath, e.UploadURL, e.Size,
		e.CreatedAt.UTC().Format(time.RFC3339), e.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("journal: recording session: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("journal: reading inserted id: %w", err)
	}

	j.logger.Debug("session journaled",
		slog.Int64("id", id),
		slog.String("remote_path", e.RemotePath),
	)

	return id, nil
}

// Get returns one journaled session by id.
func (j *Journal) Get(ctx context.Context, id int64) (*Entry, error) {
	e, err := scanEntry(j.getStmt.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("journal: getting session %d: %w", id, err)
	}

	return e, nil
}

// Remove deletes a journaled session. Removing an unknown id is not an error.
func (j *Journal) Remove(ctx context.Context, id int64) error {
	if _, err := j.deleteStmt.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("journal: removing session %d: %w", id, err)
	}

	return nil
}

// List returns all journaled sessions, oldest first.
func (j *Journal) List(ctx context.Context) ([]Entry, error) {
	rows, err := j.listStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("journal: listing sessions: %w", err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("journal: scanning session row: %w", err)
		}

		entries = append(entries, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating sessions: %w", err)
	}

	return entries, nil
}

// Close releases prepared statements and the database handle.
func (j *Journal) Close() error {
	for _, stmt := range []*sql.Stmt{j.insertStmt, j.getStmt, j.deleteStmt, j.listStmt} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}

	return j.db.Close()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e                    Entry
		createdAt, expiresAt string
	)

	if err := row.Scan(&e.ID, &e.LocalPath, &e.RemotePath, &e.UploadURL, &e.Size, &createdAt, &expiresAt); err != nil {
		return nil, err
	}

	// Timestamps were written in RFC3339; parse failures leave zero times.
	e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt) //nolint:errcheck // zero time on bad data
	e.ExpiresAt, _ = time.Parse(time.RFC3339, expiresAt) //nolint:errcheck // zero time on bad data

	return &e, nil
}
