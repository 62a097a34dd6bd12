package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/codesense/internal/core/domain"
	"github.com/manthysbr/codesense/internal/core/ports"
)

type fixture struct {
	orch      *JobOrchestrator
	repo      *memoryRepo
	admission *AdmissionController
	base      string
}

func newFixture(t *testing.T, capacity int, analyzer ports.Analyzer, opts ...WorkspaceOption) *fixture {
	t.Helper()
	logger := newTestLogger()
	base := t.TempDir()

	mgr, err := NewWorkspaceManager(logger, base, opts...)
	require.NoError(t, err)

	repo := newMemoryRepo()
	admission := NewAdmissionController(capacity)
	orch, err := NewJobOrchestrator(logger, repo, admission, mgr, stubExtractor{}, analyzer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.metrics.close() })

	return &fixture{orch: orch, repo: repo, admission: admission, base: base}
}

func (f *fixture) shutdown(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(ctx))
}

func (f *fixture) workspaces(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.base)
	require.NoError(t, err)
	return len(entries)
}

func waitArrival(t *testing.T, g *gate) domain.JobID {
	t.Helper()
	select {
	case id := <-g.arrivals:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("analyzer was never invoked")
		return ""
	}
}

func TestJobOrchestrator_CapacityScenario(t *testing.T) {
	g := newGate()
	f := newFixture(t, 2, g.analyzer(`{"ok":true}`))
	ctx := context.Background()

	j1, err := f.orch.Submit(ctx, submission("one"))
	require.NoError(t, err)
	j2, err := f.orch.Submit(ctx, submission("two"))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, j1.Status)

	waitArrival(t, g)
	waitArrival(t, g)

	_, err = f.orch.Submit(ctx, submission("three"))
	require.ErrorIs(t, err, domain.ErrAdmissionRejected)
	assert.Equal(t, 2, f.repo.count(), "rejection must not create a record")
	assert.Equal(t, 2, f.workspaces(t), "rejection must not provision a workspace")

	g.open(j1.ID)
	require.Eventually(t, func() bool { return !f.admission.IsActive(j1.ID) }, 5*time.Second, 5*time.Millisecond)

	j3, err := f.orch.Submit(ctx, submission("three"))
	require.NoError(t, err)

	g.open(j2.ID)
	g.open(j3.ID)
	f.shutdown(t)

	for _, id := range []domain.JobID{j1.ID, j2.ID, j3.ID} {
		job, err := f.orch.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, job.Status)
		assert.JSONEq(t, `{"ok":true}`, string(job.Result))
	}
	assert.Equal(t, 0, f.workspaces(t))
	assert.Empty(t, f.orch.ActiveJobs())
}

func TestJobOrchestrator_ConcurrentBurstOverCapacity(t *testing.T) {
	const (
		capacity = 3
		n        = 40
	)
	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	release := make(chan struct{})
	analyzer := ports.AnalyzerFunc(func(ctx context.Context, req ports.AnalysisRequest) (json.RawMessage, error) {
		mu.Lock()
		running++
		peak = max(peak, running)
		mu.Unlock()

		<-release

		mu.Lock()
		running--
		mu.Unlock()
		return json.RawMessage(`{}`), nil
	})
	f := newFixture(t, capacity, analyzer)

	var (
		wg       sync.WaitGroup
		admitted sync.Map
		rejected atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			job, err := f.orch.Submit(context.Background(), submission("burst"))
			switch {
			case err == nil:
				admitted.Store(job.ID, true)
			case errors.Is(err, domain.ErrAdmissionRejected):
				rejected.Add(1)
			default:
				t.Errorf("unexpected submit error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	var ids []domain.JobID
	admitted.Range(func(k, _ any) bool {
		ids = append(ids, k.(domain.JobID))
		return true
	})
	assert.Len(t, ids, capacity)
	assert.Equal(t, int32(n-capacity), rejected.Load())
	assert.Equal(t, capacity, f.repo.count(), "rejections must not create records")

	close(release)
	f.shutdown(t)

	mu.Lock()
	assert.LessOrEqual(t, peak, capacity)
	mu.Unlock()
	for _, id := range ids {
		job, err := f.orch.GetJob(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCompleted, job.Status)
	}
	assert.Equal(t, 0, f.workspaces(t))
}

func TestJobOrchestrator_SameNameBurst(t *testing.T) {
	const n = 50
	var paths sync.Map
	analyzer := ports.AnalyzerFunc(func(ctx context.Context, req ports.AnalysisRequest) (json.RawMessage, error) {
		paths.Store(req.WorkspacePath, req.JobID)
		return json.RawMessage(`{}`), nil
	})
	f := newFixture(t, n, analyzer)

	ids := make(chan domain.JobID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := f.orch.Submit(context.Background(), submission("same-name"))
			if assert.NoError(t, err) {
				ids <- job.ID
			}
		}()
	}
	wg.Wait()
	close(ids)
	f.shutdown(t)

	unique := map[domain.JobID]bool{}
	for id := range ids {
		unique[id] = true
	}
	assert.Len(t, unique, n)

	count := 0
	paths.Range(func(_, _ any) bool {
		count++
		return true
	})
	assert.Equal(t, n, count, "every job needs its own workspace")
	assert.Equal(t, 0, f.workspaces(t))
}

func TestJobOrchestrator_CorruptedArchive(t *testing.T) {
	called := false
	analyzer := ports.AnalyzerFunc(func(ctx context.Context, req ports.AnalysisRequest) (json.RawMessage, error) {
		called = true
		return nil, nil
	})
	f := newFixture(t, 2, analyzer)

	data := []byte("corrupt archive")
	sub := submission("broken")
	sub.Archive = bytes.NewReader(data)
	sub.ArchiveSize = int64(len(data))

	_, err := f.orch.Submit(context.Background(), sub)
	require.Error(t, err)

	var perr *domain.ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, domain.ErrInvalidArchive)

	job, err := f.orch.GetJob(context.Background(), perr.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Nil(t, job.StartedAt)
	assert.Equal(t, []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusFailed}, f.repo.statuses(perr.JobID))

	assert.Equal(t, 0, f.workspaces(t))
	assert.Equal(t, 0, f.admission.Live(), "failed provisioning must free its slot")
	f.shutdown(t)
	assert.False(t, called)
}

func TestJobOrchestrator_AnalyzerFailuresAreIsolated(t *testing.T) {
	analyzer := ports.AnalyzerFunc(func(ctx context.Context, req ports.AnalysisRequest) (json.RawMessage, error) {
		switch req.JobName {
		case "panic":
			panic("analyzer exploded")
		case "error":
			return nil, errors.New("disk on fire")
		case "garbage":
			return json.RawMessage(`{not json`), nil
		}
		return json.RawMessage(`{"findings":0}`), nil
	})
	f := newFixture(t, 10, analyzer)
	ctx := context.Background()

	ids := map[string]domain.JobID{}
	for _, name := range []string{"panic", "error", "garbage", "fine"} {
		job, err := f.orch.Submit(ctx, submission(name))
		require.NoError(t, err)
		ids[name] = job.ID
	}
	f.shutdown(t)

	tests := []struct {
		name   string
		status domain.JobStatus
		errMsg string
	}{
		{"panic", domain.JobStatusFailed, "analysis panicked: analyzer exploded"},
		{"error", domain.JobStatusFailed, "analysis failed: disk on fire"},
		{"garbage", domain.JobStatusFailed, "invalid JSON"},
		{"fine", domain.JobStatusCompleted, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := f.orch.GetJob(ctx, ids[tt.name])
			require.NoError(t, err)
			assert.Equal(t, tt.status, job.Status)
			assert.NotNil(t, job.FinishedAt)
			if tt.errMsg == "" {
				assert.Nil(t, job.Error)
				assert.JSONEq(t, `{"findings":0}`, string(job.Result))
				return
			}
			require.NotNil(t, job.Error)
			assert.Contains(t, *job.Error, tt.errMsg)
			assert.Nil(t, job.Result)
		})
	}
	assert.Equal(t, 0, f.workspaces(t))
	assert.Equal(t, 0, f.admission.Live())
}

func TestJobOrchestrator_ReleaseBeforeDeregister(t *testing.T) {
	var mu sync.Mutex
	var admission *AdmissionController
	var existsAtRelease bool
	activeAtRelease := map[domain.JobID]bool{}

	hook := WithReleaseHook(func(ws *Workspace, err error) {
		mu.Lock()
		defer mu.Unlock()
		activeAtRelease[ws.JobID] = admission.IsActive(ws.JobID)
		_, statErr := os.Stat(ws.Path)
		existsAtRelease = statErr == nil
	})

	analyzer := ports.AnalyzerFunc(func(ctx context.Context, req ports.AnalysisRequest) (json.RawMessage, error) {
		time.Sleep(10 * time.Millisecond)
		return json.RawMessage(`{}`), nil
	})
	f := newFixture(t, 3, analyzer, hook)
	admission = f.admission

	var ids []domain.JobID
	for i := 0; i < 3; i++ {
		job, err := f.orch.Submit(context.Background(), submission("ordered"))
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	f.shutdown(t)

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		assert.True(t, activeAtRelease[id], "job %s deregistered before its workspace was released", id)
		assert.False(t, f.admission.IsActive(id))
	}
	assert.False(t, existsAtRelease)
}

func TestJobOrchestrator_PollingSeesEveryState(t *testing.T) {
	g := newGate()
	f := newFixture(t, 1, g.analyzer(`{"n":1}`))
	ctx := context.Background()

	job, err := f.orch.Submit(ctx, submission("polled"))
	require.NoError(t, err)

	first, err := f.orch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, []domain.JobStatus{domain.JobStatusQueued, domain.JobStatusRunning}, first.Status)

	waitArrival(t, g)
	require.Eventually(t, func() bool {
		j, err := f.orch.GetJob(ctx, job.ID)
		return err == nil && j.Status == domain.JobStatusRunning
	}, 5*time.Second, 5*time.Millisecond)

	// A concurrent poller never sees a result before completion.
	stop := make(chan struct{})
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		for {
			select {
			case <-stop:
				return
			default:
			}
			j, err := f.orch.GetJob(ctx, job.ID)
			if !assert.NoError(t, err) {
				return
			}
			if j.Status != domain.JobStatusCompleted {
				assert.Nil(t, j.Result)
			} else {
				assert.NotNil(t, j.Result)
			}
		}
	}()

	g.open(job.ID)
	f.shutdown(t)
	close(stop)
	<-pollerDone

	final, err := f.orch.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
	assert.JSONEq(t, `{"n":1}`, string(final.Result))
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.FinishedAt)
	assert.False(t, final.FinishedAt.Before(*final.StartedAt))
	assert.Equal(t,
		[]domain.JobStatus{domain.JobStatusQueued, domain.JobStatusRunning, domain.JobStatusCompleted},
		f.repo.statuses(job.ID))

	listed, err := f.orch.ListJobs(ctx, domain.JobFilter{ProjectID: "proj-1"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, job.ID, listed[0].ID)
}

func TestJobOrchestrator_ValidationHasNoSideEffects(t *testing.T) {
	f := newFixture(t, 1, ports.AnalyzerFunc(func(context.Context, ports.AnalysisRequest) (json.RawMessage, error) {
		return nil, nil
	}))

	sub := submission("")
	_, err := f.orch.Submit(context.Background(), sub)

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "name", verr.Field)
	assert.Equal(t, 0, f.repo.count())
	assert.Equal(t, 0, f.workspaces(t))
	assert.Equal(t, 0, f.admission.Live())
}

func TestJobOrchestrator_StoreFailureFreesSlot(t *testing.T) {
	repo := new(MockRepository)
	repo.On("CreateJob", mock.Anything, mock.Anything).Return(errors.New("connection refused"))

	logger := newTestLogger()
	base := t.TempDir()
	mgr, err := NewWorkspaceManager(logger, base)
	require.NoError(t, err)
	admission := NewAdmissionController(1)
	orch, err := NewJobOrchestrator(logger, repo, admission, mgr, stubExtractor{}, ports.AnalyzerFunc(
		func(context.Context, ports.AnalysisRequest) (json.RawMessage, error) { return nil, nil }))
	require.NoError(t, err)
	defer orch.Shutdown(context.Background())

	_, err = orch.Submit(context.Background(), submission("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, 0, admission.Live())

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Empty(t, entries)
	repo.AssertExpectations(t)
}

func TestJobOrchestrator_Reconcile(t *testing.T) {
	f := newFixture(t, 2, ports.AnalyzerFunc(func(context.Context, ports.AnalysisRequest) (json.RawMessage, error) {
		return nil, nil
	}))
	ctx := context.Background()
	now := time.Now()

	for id, status := range map[domain.JobID]domain.JobStatus{
		"old-queued":  domain.JobStatusQueued,
		"old-running": domain.JobStatusRunning,
		"old-done":    domain.JobStatusCompleted,
	} {
		require.NoError(t, f.repo.CreateJob(ctx, domain.Job{
			ID: id, Name: string(id), ProjectID: "p", Status: status, CreatedAt: now, UpdatedAt: now,
		}))
	}
	leftover := filepath.Join(f.base, "job-old-running-123456")
	require.NoError(t, os.Mkdir(leftover, 0o755))

	fixed, err := f.orch.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fixed)

	for _, id := range []domain.JobID{"old-queued", "old-running"} {
		job, err := f.orch.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, job.Status)
		require.NotNil(t, job.Error)
		assert.Equal(t, "orphaned by restart", *job.Error)
	}
	done, err := f.orch.GetJob(ctx, "old-done")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, done.Status)
	assert.NoDirExists(t, leftover)
}

func TestJobOrchestrator_ShutdownDeadline(t *testing.T) {
	g := newGate()
	f := newFixture(t, 1, g.analyzer(`{}`))

	job, err := f.orch.Submit(context.Background(), submission("slow"))
	require.NoError(t, err)
	waitArrival(t, g)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.orch.Shutdown(ctx), context.DeadlineExceeded)

	g.open(job.ID)
	f.shutdown(t)
	assert.Equal(t, 0, f.workspaces(t))
}

func TestJobOrchestrator_RequesterTagPassedThrough(t *testing.T) {
	got := make(chan ports.AnalysisRequest, 1)
	f := newFixture(t, 1, ports.AnalyzerFunc(func(ctx context.Context, req ports.AnalysisRequest) (json.RawMessage, error) {
		got <- req
		return json.RawMessage(`{}`), nil
	}))

	sub := submission("tagged")
	sub.RequesterTag = "  ci-bot  "
	job, err := f.orch.Submit(context.Background(), sub)
	require.NoError(t, err)
	f.shutdown(t)

	require.NotNil(t, job.RequesterTag)
	assert.Equal(t, "ci-bot", *job.RequesterTag)

	req := <-got
	assert.Equal(t, "ci-bot", req.RequesterTag)
	assert.Equal(t, "tagged", req.JobName)
	assert.Equal(t, job.ID, req.JobID)
	assert.Equal(t, "proj-1", req.ProjectID)
}
