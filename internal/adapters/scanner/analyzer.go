// Package scanner is the default analyzer: it searches a workspace for
// leaked secrets and reports them as a CycloneDX document.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/codesense/internal/core/ports"
)

const DefaultMaxFileBytes = 2 << 20

type Options struct {
	// Files above MaxFileBytes are skipped.
	MaxFileBytes int64
	// Parallelism bounds concurrent file scans within one job.
	Parallelism int
}

type Analyzer struct {
	logger   *slog.Logger
	detector *Detector
	opts     Options
}

var _ ports.Analyzer = (*Analyzer)(nil)

func NewAnalyzer(logger *slog.Logger, opts Options) (*Analyzer, error) {
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = runtime.NumCPU()
	}
	detector, err := NewDetector()
	if err != nil {
		return nil, err
	}
	return &Analyzer{logger: logger, detector: detector, opts: opts}, nil
}

func (a *Analyzer) Analyze(ctx context.Context, req ports.AnalysisRequest) (json.RawMessage, error) {
	root, err := os.OpenRoot(req.WorkspacePath)
	if err != nil {
		return nil, fmt.Errorf("opening workspace: %w", err)
	}
	defer root.Close()

	var (
		mu  sync.Mutex
		rep report
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Parallelism)

	for f, err := range walkFiles(gctx, root.FS()) {
		if err != nil {
			a.logger.WarnContext(ctx, "skipping unreadable path", "path", f.path, "error", err)
			continue
		}
		if f.info.Size() > a.opts.MaxFileBytes {
			mu.Lock()
			rep.skipped++
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			leaks, err := a.scanFile(gctx, root, f.path)
			if err != nil {
				return err
			}
			mu.Lock()
			rep.scanned++
			rep.leaks = append(rep.leaks, leaks...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(rep.leaks, func(i, j int) bool {
		if rep.leaks[i].File != rep.leaks[j].File {
			return rep.leaks[i].File < rep.leaks[j].File
		}
		return rep.leaks[i].StartLine < rep.leaks[j].StartLine
	})

	a.logger.InfoContext(ctx, "scan finished", "files", rep.scanned, "skipped", rep.skipped, "leaks", len(rep.leaks))
	return encodeBOM(req, rep)
}

func (a *Analyzer) scanFile(ctx context.Context, root *os.Root, path string) ([]Leak, error) {
	f, err := root.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	b, err := io.ReadAll(io.LimitReader(f, a.opts.MaxFileBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return a.detector.Detect(ctx, b, path)
}
