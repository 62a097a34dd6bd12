package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/manthysbr/codesense/internal/core/domain"
	"github.com/manthysbr/codesense/internal/core/ports"
	"github.com/manthysbr/codesense/internal/log"
)

// JobRunner owns the execution of admitted jobs. Every job runs on its own
// goroutine; concurrency is bounded by admission, not by a pool.
type JobRunner struct {
	logger    *slog.Logger
	repo      ports.JobRepository
	analyzer  ports.Analyzer
	admission *AdmissionController
	metrics   *jobMetrics
	tracer    trace.Tracer
	now       func() time.Time

	wg sync.WaitGroup
}

func NewJobRunner(
	logger *slog.Logger,
	repo ports.JobRepository,
	analyzer ports.Analyzer,
	admission *AdmissionController,
	metrics *jobMetrics,
) *JobRunner {
	return &JobRunner{
		logger:    logger,
		repo:      repo,
		analyzer:  analyzer,
		admission: admission,
		metrics:   metrics,
		tracer:    otel.Tracer(instrumentationName),
		now:       time.Now,
	}
}

// Execute starts the job in the background and returns immediately.
// The worker is detached from ctx cancellation but keeps its values.
func (r *JobRunner) Execute(ctx context.Context, job domain.Job, ws *Workspace, handle *ActiveJobHandle) {
	r.wg.Add(1)
	go r.run(context.WithoutCancel(ctx), job, ws, handle)
}

// Wait blocks until every started job finished or ctx expires, in which case
// the remaining workers are left to finish on their own.
func (r *JobRunner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("jobs still running: %w", ctx.Err())
	}
}

func (r *JobRunner) run(ctx context.Context, job domain.Job, ws *Workspace, handle *ActiveJobHandle) {
	ctx = log.ContextAttrs(ctx, slog.String("job_id", string(job.ID)), slog.String("project_id", job.ProjectID))
	ctx, span := r.tracer.Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.String("job.id", string(job.ID)),
			attribute.String("job.name", job.Name),
			attribute.String("project.id", job.ProjectID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)

	// Cleanup order matters: the admission slot is only freed once the
	// workspace is gone.
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "job worker panicked outside analyzer", "panic", p, "stack", string(debug.Stack()))
		}
		_ = ws.Release()
		handle.finish()
		r.admission.Deregister(job.ID)
		span.End()
		r.wg.Done()
	}()

	handle.markStarted(r.now())
	if err := job.Transition(domain.JobStatusRunning, r.now()); err != nil {
		r.logger.ErrorContext(ctx, "job cannot start", "status", job.Status, "error", err)
		return
	}
	if err := r.repo.SaveJob(ctx, job); err != nil {
		r.logger.ErrorContext(ctx, "failed to save running status", "error", err)
	}
	r.logger.InfoContext(ctx, "job running", "workspace", ws.Path)

	result, err := r.invoke(ctx, job, ws)
	if err != nil {
		_ = job.Fail(err, r.now())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var af *domain.AnalysisFailure
		if errors.As(err, &af) && af.Panic {
			r.logger.ErrorContext(ctx, "job failed", "error", err, "stack", string(af.Stack))
		} else {
			r.logger.ErrorContext(ctx, "job failed", "error", err)
		}
	} else {
		_ = job.Complete(result, r.now())
		r.logger.InfoContext(ctx, "job completed", "result_bytes", len(result))
	}

	if err := r.repo.SaveJob(ctx, job); err != nil {
		r.logger.ErrorContext(ctx, "failed to save terminal status", "status", job.Status, "error", err)
	}
	if r.metrics != nil {
		r.metrics.recordFinished(ctx, job.Status, handle.AdmittedAt)
	}
}

// invoke runs the analyzer, turning errors and panics into AnalysisFailure.
func (r *JobRunner) invoke(ctx context.Context, job domain.Job, ws *Workspace) (result json.RawMessage, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &domain.AnalysisFailure{
				JobID: job.ID,
				Err:   fmt.Errorf("%v", p),
				Panic: true,
				Stack: debug.Stack(),
			}
		}
	}()

	req := ports.AnalysisRequest{
		WorkspacePath: ws.Path,
		JobID:         job.ID,
		JobName:       job.Name,
		ProjectID:     job.ProjectID,
	}
	if job.RequesterTag != nil {
		req.RequesterTag = *job.RequesterTag
	}

	result, err = r.analyzer.Analyze(ctx, req)
	if err != nil {
		return nil, &domain.AnalysisFailure{JobID: job.ID, Err: err}
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	} else if !json.Valid(result) {
		return nil, &domain.AnalysisFailure{JobID: job.ID, Err: errors.New("analyzer returned invalid JSON")}
	}
	return result, nil
}
