package status

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reconstructor/internal/apperrors"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS job_status (
  doc_id            TEXT PRIMARY KEY,
  processing_status TEXT NOT NULL DEFAULT 'pending',
  artifact_url      TEXT,
  updated_at        TEXT NOT NULL
);`

// SQLite keeps job documents in a local SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (and creates if needed) the database at path and ensures
// the job_status table exists.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap job_status: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

// Register creates a pending document. Registering an existing document is a no-op.
func (s *SQLite) Register(ctx context.Context, docID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_status (doc_id, processing_status, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(doc_id) DO NOTHING`,
		docID, string(Pending), s.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return apperrors.Persistence("register", err)
	}
	return nil
}

// Report updates an existing document.
func (s *SQLite) Report(ctx context.Context, docID string, status Status, artifactURL string) error {
	var url any
	if status == Complete {
		url = artifactURL
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_status SET processing_status = ?, artifact_url = COALESCE(?, artifact_url), updated_at = ?
		 WHERE doc_id = ?`,
		string(status), url, s.now().UTC().Format(time.RFC3339Nano), docID,
	)
	if err != nil {
		return apperrors.Persistence("report", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return apperrors.Persistence("report", err)
	}
	if n == 0 {
		return apperrors.Persistence("report", fmt.Errorf("document %s does not exist", docID))
	}
	return nil
}

// Lookup reads a document.
func (s *SQLite) Lookup(ctx context.Context, docID string) (*Record, error) {
	var (
		rec       Record
		url       sql.NullString
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT doc_id, processing_status, artifact_url, updated_at FROM job_status WHERE doc_id = ?`,
		docID,
	).Scan(&rec.DocID, &rec.Status, &url, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("status document", docID)
	}
	if err != nil {
		return nil, apperrors.Persistence("lookup", err)
	}
	rec.ArtifactURL = url.String
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &rec, nil
}

// Ready pings the database.
func (s *SQLite) Ready(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

var _ Reporter = (*SQLite)(nil)
