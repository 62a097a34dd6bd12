package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/manthysbr/codesense/internal/core/domain"
)

const (
	workspacePrefix = "job-"

	// workspaceMode lets analyzers running as another user, such as the
	// docker analyzer's nobody user, read the extracted tree.
	workspaceMode fs.FileMode = 0o755
)

// ReleaseHook observes workspace teardown. It runs after removal was attempted.
type ReleaseHook func(ws *Workspace, err error)

type WorkspaceOption func(*WorkspaceManager)

// WithReleaseHook registers a hook called on every Release.
func WithReleaseHook(h ReleaseHook) WorkspaceOption {
	return func(m *WorkspaceManager) {
		m.hooks = append(m.hooks, h)
	}
}

// WorkspaceManager provisions one scratch directory per job under baseDir.
type WorkspaceManager struct {
	logger  *slog.Logger
	baseDir string
	hooks   []ReleaseHook
}

// NewWorkspaceManager creates baseDir if needed. An empty baseDir means
// "<os temp dir>/codesense".
func NewWorkspaceManager(logger *slog.Logger, baseDir string, opts ...WorkspaceOption) (*WorkspaceManager, error) {
	if baseDir == "" {
		baseDir = filepath.Join(os.TempDir(), "codesense")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}

	m := &WorkspaceManager{
		logger:  logger,
		baseDir: baseDir,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *WorkspaceManager) BaseDir() string {
	return m.baseDir
}

// Provision creates a fresh, uniquely named directory for the job.
// Names get a random suffix so concurrent jobs sharing a display name never collide.
func (m *WorkspaceManager) Provision(id domain.JobID) (*Workspace, error) {
	path, err := os.MkdirTemp(m.baseDir, workspacePrefix+string(id)+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	// MkdirTemp creates 0700 directories.
	if err := os.Chmod(path, workspaceMode); err != nil {
		_ = os.RemoveAll(path)
		return nil, fmt.Errorf("failed to open workspace permissions: %w", err)
	}
	m.logger.Debug("workspace provisioned", "job_id", id, "path", path)
	return &Workspace{JobID: id, Path: path, mgr: m}, nil
}

// Sweep removes job directories left behind by a previous process.
// Directories for which keep returns true survive. It returns how many were removed.
func (m *WorkspaceManager) Sweep(ctx context.Context, keep func(path string) bool) (int, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read workspace root: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !e.IsDir() || !strings.HasPrefix(e.Name(), workspacePrefix) {
			continue
		}
		path := filepath.Join(m.baseDir, e.Name())
		if keep != nil && keep(path) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			m.logger.Warn("failed to reap workspace", "path", path, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("reaped orphaned workspaces", "count", removed)
	}
	return removed, nil
}

// Workspace is a job's scratch directory. It is released exactly once.
type Workspace struct {
	JobID domain.JobID
	Path  string

	mgr  *WorkspaceManager
	once sync.Once
	err  error
}

// Release removes the directory. Only the first call does work; later calls
// return the first result. A path that is already gone is not an error.
// Failures are logged as cleanup warnings and never change job status.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		err := os.RemoveAll(w.Path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			w.err = &domain.CleanupWarning{Path: w.Path, Err: err}
			w.mgr.logger.Warn("workspace cleanup failed", "job_id", w.JobID, "path", w.Path, "error", err)
		}
		for _, h := range w.mgr.hooks {
			h(w, w.err)
		}
	})
	return w.err
}
