package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/manthysbr/codesense/internal/core/ports"
)

const (
	containerWorkspace = "/workspace"
	containerUser      = "65534:65534"
	maxOutputBytes     = 16 << 20
)

// containerAPI is the part of the Docker client the analyzer needs.
type containerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
}

type Options struct {
	Image   string
	Command []string
	// Timeout bounds a single container run; zero means no limit.
	Timeout  time.Duration
	MemoryMB int64
	CPUs     float64
}

// Analyzer runs one throwaway container per job with the workspace mounted
// read-only. The container's stdout is the job result.
type Analyzer struct {
	logger *slog.Logger
	cli    containerAPI
	opts   Options
}

var _ ports.Analyzer = (*Analyzer)(nil)

// NewAnalyzer creates a Docker client from the environment.
func NewAnalyzer(logger *slog.Logger, opts Options) (*Analyzer, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("docker analyzer: image is required")
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Analyzer{logger: logger, cli: cli, opts: opts}, nil
}

func (a *Analyzer) Analyze(ctx context.Context, req ports.AnalysisRequest) (json.RawMessage, error) {
	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	name := "codesense-job-" + string(req.JobID)
	cfg := &container.Config{
		Image: a.opts.Image,
		Cmd:   a.opts.Command,
		Env: []string{
			"CODESENSE_JOB_ID=" + string(req.JobID),
			"CODESENSE_JOB_NAME=" + req.JobName,
			"CODESENSE_PROJECT_ID=" + req.ProjectID,
			"CODESENSE_REQUESTER=" + req.RequesterTag,
			"CODESENSE_WORKSPACE=" + containerWorkspace,
		},
		User:       containerUser,
		WorkingDir: containerWorkspace,
		Labels: map[string]string{
			"codesense.managed": "true",
			"codesense.job_id":  string(req.JobID),
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   req.WorkspacePath,
				Target:   containerWorkspace,
				ReadOnly: true,
			},
		},
		Resources: container.Resources{
			Memory:   a.opts.MemoryMB << 20,
			NanoCPUs: int64(a.opts.CPUs * 1e9),
		},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}

	id, err := a.create(ctx, cfg, hostCfg, name)
	if err != nil {
		return nil, err
	}
	// Removal must happen even if the job context is already done.
	defer func() {
		if err := a.cli.ContainerRemove(context.WithoutCancel(ctx), id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
			a.logger.WarnContext(ctx, "failed to remove analyzer container", "container", id, "error", err)
		}
	}()

	if err := a.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	exitCode, err := a.wait(ctx, id)
	if err != nil {
		return nil, err
	}

	stdout, stderr, err := a.logs(ctx, id)
	if err != nil {
		return nil, err
	}

	if exitCode != 0 {
		return nil, fmt.Errorf("analyzer container exited with status %d: %s", exitCode, tail(stderr, 512))
	}
	return asResult(stdout)
}

func (a *Analyzer) create(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, name string) (string, error) {
	resp, err := a.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	if client.IsErrNotFound(err) {
		a.logger.InfoContext(ctx, "pulling analyzer image", "image", cfg.Image)
		reader, pullErr := a.cli.ImagePull(ctx, cfg.Image, image.PullOptions{})
		if pullErr != nil {
			return "", fmt.Errorf("failed to pull image %s: %w", cfg.Image, pullErr)
		}
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = a.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
	}
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

func (a *Analyzer) wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := a.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("waiting for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return status.StatusCode, fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (a *Analyzer) logs(ctx context.Context, id string) (stdout, stderr []byte, err error) {
	rc, err := a.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read container logs: %w", err)
	}
	defer rc.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, io.LimitReader(rc, maxOutputBytes)); err != nil {
		return nil, nil, fmt.Errorf("failed to demultiplex container logs: %w", err)
	}
	return outBuf.Bytes(), errBuf.Bytes(), nil
}

// asResult keeps JSON output as is and wraps anything else.
func asResult(stdout []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return json.RawMessage(trimmed), nil
	}
	return json.Marshal(map[string]string{"output": string(trimmed)})
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}
