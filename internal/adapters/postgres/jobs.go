package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/manthysbr/codesense/internal/core/domain"
	"github.com/manthysbr/codesense/internal/core/ports"
)

const uniqueViolation = "23505"

const jobColumns = `id, name, project_id, requester_tag, status, result, error,
	created_at, updated_at, started_at, finished_at`

var _ ports.JobRepository = (*Store)(nil)

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job domain.Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query, jobArgs(job)...)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("job %s already exists: %w", job.ID, err)
		}
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// SaveJob upserts the whole row so readers never see a partial update.
func (s *Store) SaveJob(ctx context.Context, job domain.Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name          = EXCLUDED.name,
			project_id    = EXCLUDED.project_id,
			requester_tag = EXCLUDED.requester_tag,
			status        = EXCLUDED.status,
			result        = EXCLUDED.result,
			error         = EXCLUDED.error,
			updated_at    = EXCLUDED.updated_at,
			started_at    = EXCLUDED.started_at,
			finished_at   = EXCLUDED.finished_at
	`
	if _, err := s.db.ExecContext(ctx, query, jobArgs(job)...); err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		where = append(where, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []domain.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func jobArgs(job domain.Job) []any {
	var result sql.NullString
	if len(job.Result) > 0 {
		result = sql.NullString{String: string(job.Result), Valid: true}
	}
	return []any{
		string(job.ID),
		job.Name,
		job.ProjectID,
		nullString(job.RequesterTag),
		string(job.Status),
		result,
		nullString(job.Error),
		job.CreatedAt,
		job.UpdatedAt,
		nullTime(job.StartedAt),
		nullTime(job.FinishedAt),
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job                   domain.Job
		id, status            string
		tag, result, errMsg   sql.NullString
		startedAt, finishedAt sql.NullTime
	)
	if err := row.Scan(&id, &job.Name, &job.ProjectID, &tag, &status, &result, &errMsg,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &finishedAt); err != nil {
		return domain.Job{}, err
	}

	job.ID = domain.JobID(id)
	job.Status = domain.JobStatus(status)
	if tag.Valid {
		job.RequesterTag = &tag.String
	}
	if result.Valid {
		job.Result = []byte(result.String)
	}
	if errMsg.Valid {
		job.Error = &errMsg.String
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	return job, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
