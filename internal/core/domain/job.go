package domain

import (
	"encoding/json"
	"errors"
	"time"
)

type JobID string

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transitions may happen.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// CanTransition encodes the job state machine:
//
//	queued  -> running   (runner starts)
//	queued  -> failed    (extraction failure, never reaches running)
//	running -> completed
//	running -> failed
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return to == JobStatusRunning || to == JobStatusFailed
	case JobStatusRunning:
		return to == JobStatusCompleted || to == JobStatusFailed
	}
	return false
}

// Job is one submitted archive tracked from submission to its terminal outcome.
// The record is owned by the JobRepository once created.
type Job struct {
	ID           JobID           `json:"id"`
	Name         string          `json:"name"`
	ProjectID    string          `json:"project_id"`
	RequesterTag *string         `json:"requester_tag,omitempty"`
	Status       JobStatus       `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"` // only set on completed
	Error        *string         `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Transition moves the job to the next status, stamping timestamps.
// It refuses moves the state machine does not allow.
func (j *Job) Transition(to JobStatus, now time.Time) error {
	if !j.Status.CanTransition(to) {
		return &TransitionError{From: j.Status, To: to}
	}
	j.Status = to
	j.UpdatedAt = now
	switch {
	case to == JobStatusRunning:
		j.StartedAt = &now
	case to.IsTerminal():
		j.FinishedAt = &now
	}
	return nil
}

// Fail moves the job to failed and records the message.
func (j *Job) Fail(err error, now time.Time) error {
	if terr := j.Transition(JobStatusFailed, now); terr != nil {
		return terr
	}
	msg := err.Error()
	j.Error = &msg
	j.Result = nil
	return nil
}

// Complete moves the job to completed and attaches the analysis result.
func (j *Job) Complete(result json.RawMessage, now time.Time) error {
	if err := j.Transition(JobStatusCompleted, now); err != nil {
		return err
	}
	j.Result = result
	j.Error = nil
	return nil
}

// JobFilter narrows ListJobs. Zero values mean "any".
type JobFilter struct {
	ProjectID string
	Status    JobStatus
	Limit     int
}

var (
	ErrJobNotFound = errors.New("job not found")
)
