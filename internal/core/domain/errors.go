package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAdmissionRejected is matched by AdmissionRejectedError so callers can
	// tell a full orchestrator apart from any other failure.
	ErrAdmissionRejected = errors.New("too many concurrent jobs")

	// ErrInvalidArchive marks archives that are malformed or unsafe to extract.
	// It is a client fault.
	ErrInvalidArchive = errors.New("invalid archive")

	ErrInvalidTransition = errors.New("invalid job status transition")
)

// ValidationError is returned for malformed submissions before any resource is used.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AdmissionRejectedError is returned when the number of running jobs reached capacity.
type AdmissionRejectedError struct {
	Capacity int
}

func (e *AdmissionRejectedError) Error() string {
	return fmt.Sprintf("Maximum concurrent jobs (%d) reached. Please try again later.", e.Capacity)
}

func (e *AdmissionRejectedError) Is(target error) bool {
	return target == ErrAdmissionRejected
}

// ProvisioningError is returned when the workspace could not be prepared for an
// admitted job. Partial resources are already released when it surfaces.
type ProvisioningError struct {
	JobID JobID
	Err   error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning job %s: %v", e.JobID, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// AnalysisFailure wraps an error or a recovered panic from the analyzer.
// It is only ever recorded on the job, never returned to the submitter.
type AnalysisFailure struct {
	JobID JobID
	Err   error
	Panic bool
	Stack []byte
}

func (e *AnalysisFailure) Error() string {
	if e.Panic {
		return fmt.Sprintf("analysis panicked: %v", e.Err)
	}
	return fmt.Sprintf("analysis failed: %v", e.Err)
}

func (e *AnalysisFailure) Unwrap() error {
	return e.Err
}

// CleanupWarning reports a workspace that could not be removed. It never
// changes the job status.
type CleanupWarning struct {
	Path string
	Err  error
}

func (e *CleanupWarning) Error() string {
	return fmt.Sprintf("cleanup of %s: %v", e.Path, e.Err)
}

func (e *CleanupWarning) Unwrap() error {
	return e.Err
}

type TransitionError struct {
	From JobStatus
	To   JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job status %s -> %s not allowed", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
