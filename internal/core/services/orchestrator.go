package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/manthysbr/codesense/internal/core/domain"
	"github.com/manthysbr/codesense/internal/core/ports"
)

var errOrphaned = errors.New("orphaned by restart")

// JobOrchestrator is the entry point for submissions. It admits, records,
// provisions and hands jobs off to the runner without waiting for them.
type JobOrchestrator struct {
	logger     *slog.Logger
	repo       ports.JobRepository
	admission  *AdmissionController
	workspaces *WorkspaceManager
	extractor  ports.Extractor
	runner     *JobRunner
	metrics    *jobMetrics
	now        func() time.Time
}

func NewJobOrchestrator(
	logger *slog.Logger,
	repo ports.JobRepository,
	admission *AdmissionController,
	workspaces *WorkspaceManager,
	extractor ports.Extractor,
	analyzer ports.Analyzer,
) (*JobOrchestrator, error) {
	metrics, err := newJobMetrics(admission)
	if err != nil {
		return nil, err
	}

	return &JobOrchestrator{
		logger:     logger,
		repo:       repo,
		admission:  admission,
		workspaces: workspaces,
		extractor:  extractor,
		runner:     NewJobRunner(logger, repo, analyzer, admission, metrics),
		metrics:    metrics,
		now:        time.Now,
	}, nil
}

// Submit validates and admits the submission, then starts it in the background.
// The returned job is always in the queued state.
//
// Errors: *domain.ValidationError and *domain.AdmissionRejectedError have no
// side effects. *domain.ProvisioningError means the job was recorded as failed
// and its workspace already removed.
func (o *JobOrchestrator) Submit(ctx context.Context, sub domain.Submission) (domain.Job, error) {
	if err := sub.Validate(); err != nil {
		return domain.Job{}, err
	}

	id := domain.JobID(uuid.NewString())
	handle, err := o.admission.TryAdmit(id)
	if err != nil {
		o.metrics.rejected.Add(ctx, 1)
		o.logger.WarnContext(ctx, "job rejected", "project_id", sub.ProjectID, "capacity", o.admission.Capacity())
		return domain.Job{}, err
	}
	o.metrics.admitted.Add(ctx, 1)

	now := o.now()
	job := domain.Job{
		ID:        id,
		Name:      strings.TrimSpace(sub.Name),
		ProjectID: strings.TrimSpace(sub.ProjectID),
		Status:    domain.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if tag := strings.TrimSpace(sub.RequesterTag); tag != "" {
		job.RequesterTag = &tag
	}

	if err := o.repo.CreateJob(ctx, job); err != nil {
		o.admission.Deregister(id)
		return domain.Job{}, fmt.Errorf("failed to create job record: %w", err)
	}

	ws, err := o.workspaces.Provision(id)
	if err != nil {
		return domain.Job{}, o.abort(ctx, job, nil, handle, err)
	}

	stats, err := o.extractor.Extract(ctx, sub.Archive, sub.ArchiveSize, ws.Path)
	if err != nil {
		return domain.Job{}, o.abort(ctx, job, ws, handle, err)
	}

	o.logger.InfoContext(ctx, "job queued",
		"job_id", id,
		"project_id", job.ProjectID,
		"files", stats.Files,
		"bytes", stats.Bytes,
	)

	o.runner.Execute(ctx, job, ws, handle)
	return job, nil
}

// abort unwinds a job that never reached the runner.
func (o *JobOrchestrator) abort(ctx context.Context, job domain.Job, ws *Workspace, handle *ActiveJobHandle, cause error) error {
	if ws != nil {
		_ = ws.Release()
	}

	if err := job.Fail(cause, o.now()); err == nil {
		if err := o.repo.SaveJob(context.WithoutCancel(ctx), job); err != nil {
			o.logger.ErrorContext(ctx, "failed to record provisioning failure", "job_id", job.ID, "error", err)
		}
	}
	o.metrics.recordFinished(ctx, domain.JobStatusFailed, handle.AdmittedAt)
	o.admission.Deregister(job.ID)

	o.logger.WarnContext(ctx, "job provisioning failed", "job_id", job.ID, "error", cause)
	return &domain.ProvisioningError{JobID: job.ID, Err: cause}
}

// GetJob reads the stored record. It never consults the active set.
func (o *JobOrchestrator) GetJob(ctx context.Context, id domain.JobID) (domain.Job, error) {
	return o.repo.GetJob(ctx, id)
}

func (o *JobOrchestrator) ListJobs(ctx context.Context, filter domain.JobFilter) ([]domain.Job, error) {
	return o.repo.ListJobs(ctx, filter)
}

// ActiveJobs returns the ids currently holding an admission slot.
func (o *JobOrchestrator) ActiveJobs() []domain.JobID {
	return o.admission.Snapshot()
}

func (o *JobOrchestrator) Capacity() int {
	return o.admission.Capacity()
}

// Ping checks the job store.
func (o *JobOrchestrator) Ping(ctx context.Context) error {
	return o.repo.Ping(ctx)
}

// Reconcile runs once at startup. Records a previous process left in a
// non-terminal state are marked failed and stale workspaces are removed.
// It returns the number of records fixed.
func (o *JobOrchestrator) Reconcile(ctx context.Context) (int, error) {
	fixed := 0
	for _, status := range []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusRunning} {
		jobs, err := o.repo.ListJobs(ctx, domain.JobFilter{Status: status})
		if err != nil {
			return fixed, fmt.Errorf("failed to list %s jobs: %w", status, err)
		}
		for _, job := range jobs {
			if o.admission.IsActive(job.ID) {
				continue
			}
			if err := job.Fail(errOrphaned, o.now()); err != nil {
				continue
			}
			if err := o.repo.SaveJob(ctx, job); err != nil {
				return fixed, fmt.Errorf("failed to fail orphaned job %s: %w", job.ID, err)
			}
			o.logger.WarnContext(ctx, "orphaned job marked failed", "job_id", job.ID, "previous_status", status)
			fixed++
		}
	}

	_, err := o.workspaces.Sweep(ctx, func(path string) bool {
		name := filepath.Base(path)
		for _, id := range o.admission.Snapshot() {
			if strings.HasPrefix(name, workspacePrefix+string(id)+"-") {
				return true
			}
		}
		return false
	})
	if err != nil {
		return fixed, err
	}
	return fixed, nil
}

// Shutdown waits for in-flight jobs until ctx expires, then stops reporting
// the active-jobs gauge.
func (o *JobOrchestrator) Shutdown(ctx context.Context) error {
	err := o.runner.Wait(ctx)
	if uerr := o.metrics.close(); uerr != nil {
		o.logger.WarnContext(ctx, "failed to unregister job metrics", "error", uerr)
	}
	return err
}
