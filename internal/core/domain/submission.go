package domain

import (
	"io"
	"strings"
	"unicode/utf8"
)

const maxNameLength = 255

// Submission is a request to analyze an archive. The archive is read through
// io.ReaderAt because zip needs random access.
type Submission struct {
	Name         string
	ProjectID    string
	RequesterTag string
	Archive      io.ReaderAt
	ArchiveSize  int64
}

// Validate checks the shape of the submission. It has no side effects.
func (s Submission) Validate() error {
	name := strings.TrimSpace(s.Name)
	switch {
	case name == "":
		return &ValidationError{Field: "name", Reason: "is required"}
	case utf8.RuneCountInString(name) > maxNameLength:
		return &ValidationError{Field: "name", Reason: "must be at most 255 characters"}
	}
	if strings.TrimSpace(s.ProjectID) == "" {
		return &ValidationError{Field: "project_id", Reason: "is required"}
	}
	if utf8.RuneCountInString(s.RequesterTag) > maxNameLength {
		return &ValidationError{Field: "requester_tag", Reason: "must be at most 255 characters"}
	}
	if s.Archive == nil || s.ArchiveSize <= 0 {
		return &ValidationError{Field: "archive", Reason: "is required"}
	}
	return nil
}
