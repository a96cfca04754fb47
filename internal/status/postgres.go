package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reconstructor/internal/apperrors"
	"reconstructor/internal/config"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `CREATE TABLE IF NOT EXISTS job_status (
  doc_id            TEXT PRIMARY KEY,
  processing_status TEXT NOT NULL DEFAULT 'pending',
  artifact_url      TEXT,
  updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresConfig holds connection pool settings.
type PostgresConfig struct {
	DSN         string
	MaxConns    int32
	DialTimeout time.Duration
}

// LoadPostgresConfigFromEnv loads Postgres configuration from environment variables.
func LoadPostgresConfigFromEnv() PostgresConfig {
	return PostgresConfig{
		DSN:         config.GetEnv("DATABASE_URL", ""),
		MaxConns:    int32(config.GetIntEnv("DATABASE_MAX_CONNS", 10)),
		DialTimeout: config.GetDurationEnv("DATABASE_DIAL_TIMEOUT", 10*time.Second),
	}
}

// Postgres keeps job documents in a Postgres table.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool and ensures the job_status table exists.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.ConnConfig.RuntimeParams["application_name"] = "reconstructor"

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if _, err := pool.Exec(dialCtx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap job_status: %w", err)
	}

	slog.Info("Connected to status database", "maxConns", pc.MaxConns)
	return &Postgres{pool: pool}, nil
}

// Register creates a pending document. Registering an existing document is a no-op.
func (p *Postgres) Register(ctx context.Context, docID string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO job_status (doc_id, processing_status) VALUES ($1, $2) ON CONFLICT (doc_id) DO NOTHING`,
		docID, string(Pending),
	)
	if err != nil {
		return apperrors.Persistence("register", err)
	}
	return nil
}

// Report updates an existing document.
func (p *Postgres) Report(ctx context.Context, docID string, status Status, artifactURL string) error {
	var url *string
	if status == Complete {
		url = &artifactURL
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE job_status SET processing_status = $1, artifact_url = COALESCE($2, artifact_url), updated_at = now()
		 WHERE doc_id = $3`,
		string(status), url, docID,
	)
	if err != nil {
		return apperrors.Persistence("report", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Persistence("report", fmt.Errorf("document %s does not exist", docID))
	}
	return nil
}

// Lookup reads a document.
func (p *Postgres) Lookup(ctx context.Context, docID string) (*Record, error) {
	var (
		rec Record
		url *string
		st  string
	)
	err := p.pool.QueryRow(ctx,
		`SELECT doc_id, processing_status, artifact_url, updated_at FROM job_status WHERE doc_id = $1`,
		docID,
	).Scan(&rec.DocID, &st, &url, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("status document", docID)
	}
	if err != nil {
		return nil, apperrors.Persistence("lookup", err)
	}
	rec.Status = Status(st)
	if url != nil {
		rec.ArtifactURL = *url
	}
	return &rec, nil
}

// Ready pings the pool.
func (p *Postgres) Ready(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes the pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

var _ Reporter = (*Postgres)(nil)
