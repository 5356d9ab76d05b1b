package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/genflow/internal/domain"
	_ "github.com/lib/pq"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS generation_jobs (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	status TEXT NOT NULL,
	document JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS generation_jobs_owner_created_idx
	ON generation_jobs (owner_id, created_at DESC);
`

// PostgresJobStore is the remote document store: one JSONB document per job.
type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure generation_jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *PostgresJobStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresJobStore) Save(ctx context.Context, job domain.Job) error {
	doc, err := json.Marshal(persistable(job))
	if err != nil {
		return fmt.Errorf("marshal job document: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO generation_jobs (id, owner_id, status, document, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status, document = EXCLUDED.document, updated_at = EXCLUDED.updated_at`,
		job.ID,
		job.OwnerID,
		string(job.Status),
		doc,
		job.CreatedAt.UTC(),
		updatedAt(job),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	doc, err := json.Marshal(persistable(job))
	if err != nil {
		return fmt.Errorf("marshal job document: %w", err)
	}

	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO generation_jobs (id, owner_id, status, document, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		job.ID,
		job.OwnerID,
		string(job.Status),
		doc,
		job.CreatedAt.UTC(),
		updatedAt(job),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create job rows: %w", err)
	}
	if n == 0 {
		return ErrJobExists
	}
	return nil
}

func (s *PostgresJobStore) Update(ctx context.Context, job domain.Job) error {
	doc, err := json.Marshal(persistable(job))
	if err != nil {
		return fmt.Errorf("marshal job document: %w", err)
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE generation_jobs
		 SET status = $1, document = $2, updated_at = $3
		 WHERE id = $4`,
		string(job.Status),
		doc,
		updatedAt(job),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job rows: %w", err)
	}
	if n == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func (s *PostgresJobStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM generation_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) List(ctx context.Context, filter ListFilter) ([]domain.Job, error) {
	query := `SELECT document FROM generation_jobs
		 WHERE ($1 = '' OR owner_id = $1)
		 ORDER BY created_at DESC, id DESC`
	args := []any{filter.OwnerID}
	if filter.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		var job domain.Job
		if err := json.Unmarshal(doc, &job); err != nil {
			return nil, fmt.Errorf("unmarshal job document: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func updatedAt(job domain.Job) time.Time {
	if job.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return job.UpdatedAt.UTC()
}
