// Package synapse runs analyzers compiled to WebAssembly. The module is
// compiled once with wazero and every job gets a fresh, sandboxed instance
// that sees the job workspace read-only at /workspace.
package synapse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/manthysbr/codesense/internal/core/ports"
)

const mountPoint = "/workspace"

// input is written to the module's stdin as JSON.
type input struct {
	JobID        string `json:"job_id"`
	JobName      string `json:"job_name"`
	ProjectID    string `json:"project_id"`
	RequesterTag string `json:"requester_tag,omitempty"`
	Workspace    string `json:"workspace"`
}

type Options struct {
	Name string
	// Timeout bounds one instance; zero means no limit.
	Timeout time.Duration
}

// Runtime holds the wazero runtime and the compiled analyzer module.
type Runtime struct {
	logger   *slog.Logger
	rt       wazero.Runtime
	compiled wazero.CompiledModule
	opts     Options
}

var _ ports.Analyzer = (*Runtime)(nil)

// Load reads a .wasm file from disk and compiles it.
func Load(ctx context.Context, logger *slog.Logger, path string, opts Options) (*Runtime, error) {
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("synapse: failed to read %q: %w", path, err)
	}
	if opts.Name == "" {
		opts.Name = path
	}
	return NewRuntime(ctx, logger, wasmBytes, opts)
}

// NewRuntime compiles wasmBytes with WASI support. Call Close when done.
func NewRuntime(ctx context.Context, logger *slog.Logger, wasmBytes []byte, opts Options) (*Runtime, error) {
	cfg := wazero.NewRuntimeConfigCompiler().
		WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("synapse: failed to instantiate WASI: %w", err)
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("synapse: failed to compile %q: %w", opts.Name, err)
	}

	logger.Info("synapse analyzer loaded", "name", opts.Name, "exports", len(compiled.ExportedFunctions()))
	return &Runtime{logger: logger, rt: rt, compiled: compiled, opts: opts}, nil
}

// Analyze instantiates the module for one job. Input goes to stdin as JSON,
// the workspace path is also passed as the first argument, and stdout is
// the result. Empty stdout yields no result.
func (r *Runtime) Analyze(ctx context.Context, req ports.AnalysisRequest) (json.RawMessage, error) {
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	in, err := json.Marshal(input{
		JobID:        string(req.JobID),
		JobName:      req.JobName,
		ProjectID:    req.ProjectID,
		RequesterTag: req.RequesterTag,
		Workspace:    mountPoint,
	})
	if err != nil {
		return nil, fmt.Errorf("synapse: failed to marshal input: %w", err)
	}

	var stdout, stderr bytes.Buffer
	moduleCfg := wazero.NewModuleConfig().
		WithStdin(bytes.NewReader(in)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithArgs(r.opts.Name, mountPoint).
		WithEnv("CODESENSE_JOB_ID", string(req.JobID)).
		WithFSConfig(wazero.NewFSConfig().WithReadOnlyDirMount(req.WorkspacePath, mountPoint)).
		WithStartFunctions("_start").
		WithName("")

	mod, err := r.rt.InstantiateModule(ctx, r.compiled, moduleCfg)
	if mod != nil {
		defer mod.Close(ctx)
	}
	if stderrMsg := stderr.String(); stderrMsg != "" {
		r.logger.DebugContext(ctx, "synapse: analyzer stderr", "stderr", stderrMsg)
	}
	if err != nil {
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) || exitErr.ExitCode() != 0 {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("synapse: %w", ctxErr)
			}
			return nil, fmt.Errorf("synapse: execution failed: %w", err)
		}
	}

	out := bytes.TrimSpace(stdout.Bytes())
	switch {
	case len(out) == 0:
		return nil, nil
	case json.Valid(out):
		return json.RawMessage(out), nil
	}
	return json.Marshal(map[string]string{"status": "ok", "output": string(out)})
}

// Close frees the compiled module and the runtime.
func (r *Runtime) Close(ctx context.Context) error {
	r.compiled.Close(ctx)
	return r.rt.Close(ctx)
}
