package ports

import (
	"context"
	"encoding/json"
	"io"

	"github.com/manthysbr/codesense/internal/core/domain"
)

// JobRepository abstracts the persistent job record store (DuckDB, Postgres).
// The orchestrator consumes it; it does not own its durability.
type JobRepository interface {
	// CreateJob inserts a new record. It fails if the id already exists.
	CreateJob(ctx context.Context, job domain.Job) error

	// SaveJob writes the whole record in one statement, so a concurrent
	// reader observes either the previous or the new field set.
	SaveJob(ctx context.Context, job domain.Job) error

	// GetJob returns domain.ErrJobNotFound for unknown ids.
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)

	// ListJobs returns jobs newest first.
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error)

	Ping(ctx context.Context) error
	Close() error
}

// AnalysisRequest is everything an analyzer may rely on. The analyzer must
// not assume any working directory other than WorkspacePath.
type AnalysisRequest struct {
	WorkspacePath string
	JobID         domain.JobID
	JobName       string
	ProjectID     string
	RequesterTag  string
}

// Analyzer is the opaque long-running routine run over a job's workspace.
// Implementations are invoked from worker goroutines and must be safe for
// concurrent use.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalysisRequest) (json.RawMessage, error)
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(ctx context.Context, req AnalysisRequest) (json.RawMessage, error)

func (f AnalyzerFunc) Analyze(ctx context.Context, req AnalysisRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// ExtractStats describes what an Extractor materialized.
type ExtractStats struct {
	Files int
	Bytes int64
}

// Extractor materializes an uploaded archive into a directory.
// Malformed or unsafe archives are reported with domain.ErrInvalidArchive.
type Extractor interface {
	Extract(ctx context.Context, src io.ReaderAt, size int64, dest string) (ExtractStats, error)
}
