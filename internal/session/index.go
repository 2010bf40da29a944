package session

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// Index is a queryable secondary store over session metadata, backed by
// either SQLite or Postgres depending on DatabaseConfig.Driver. It exists
// purely to make ListActive/project lookups fast; the JSON files
// written by Store remain the source of truth.
type Index struct {
	db     *sqlx.DB
	driver string
}

// OpenSQLiteIndex opens (creating if absent) a SQLite-backed Index at dbPath.
func OpenSQLiteIndex(dbPath string) (*Index, error) {
	if dbPath == "" {
		dbPath = "./conductor.db"
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		abs = dbPath
	}
	if dir := filepath.Dir(abs); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare index directory: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", abs)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite index: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	db := sqlx.NewDb(sqlDB, "sqlite3")
	idx := &Index{db: db, driver: "sqlite"}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// OpenPostgresIndex opens a Postgres-backed Index via pgx's stdlib driver.
func OpenPostgresIndex(dsn string) (*Index, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres index: %w", err)
	}
	db := sqlx.NewDb(sqlDB, "pgx")
	idx := &Index{db: db, driver: "postgres"}
	if err := idx.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_path TEXT NOT NULL,
		root_session_id TEXT NOT NULL,
		parent_session_id TEXT DEFAULT '',
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_accessed_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_path);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`
	_, err := idx.db.Exec(schema)
	return err
}

// Upsert writes/refreshes a session's index row.
func (idx *Index) Upsert(ctx context.Context, sess *v1.Session) error {
	query := `
	INSERT INTO sessions (id, project_path, root_session_id, parent_session_id, status, created_at, updated_at, last_accessed_at)
	VALUES (:id, :project_path, :root_session_id, :parent_session_id, :status, :created_at, :updated_at, :last_accessed_at)
	ON CONFLICT (id) DO UPDATE SET
		status = excluded.status,
		updated_at = excluded.updated_at,
		last_accessed_at = excluded.last_accessed_at
	`
	row := map[string]any{
		"id":                sess.ID,
		"project_path":      sess.ProjectPath,
		"root_session_id":   sess.RootSessionID,
		"parent_session_id": sess.ParentSessionID,
		"status":            string(sess.Status),
		"created_at":        sess.CreatedAt,
		"updated_at":        sess.UpdatedAt,
		"last_accessed_at":  sess.LastAccessedAt,
	}
	_, err := idx.db.NamedExecContext(ctx, query, row)
	return err
}

// sessionRow mirrors the index's sessions table for scanning.
type sessionRow struct {
	ID              string    `db:"id"`
	ProjectPath     string    `db:"project_path"`
	RootSessionID   string    `db:"root_session_id"`
	ParentSessionID string    `db:"parent_session_id"`
	Status          string    `db:"status"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
	LastAccessedAt  time.Time `db:"last_accessed_at"`
}

// ListActive returns every session id with status = active for a project.
func (idx *Index) ListActive(ctx context.Context, projectPath string) ([]string, error) {
	var rows []sessionRow
	query := idx.db.Rebind(
		`SELECT id, project_path, root_session_id, parent_session_id, status, created_at, updated_at, last_accessed_at
		 FROM sessions WHERE project_path = ? AND status = 'active' ORDER BY last_accessed_at DESC`)
	err := idx.db.SelectContext(ctx, &rows, query, projectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// Close closes the underlying database connection.
func (idx *Index) Close() error { return idx.db.Close() }
