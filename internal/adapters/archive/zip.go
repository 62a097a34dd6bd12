package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/manthysbr/codesense/internal/core/domain"
	"github.com/manthysbr/codesense/internal/core/ports"
)

const (
	DefaultMaxFiles = 10_000
	DefaultMaxBytes = 512 << 20
)

type Limits struct {
	MaxFiles int
	MaxBytes int64
}

// ZipExtractor unpacks zip uploads into a job workspace.
type ZipExtractor struct {
	logger *slog.Logger
	limits Limits
}

var _ ports.Extractor = (*ZipExtractor)(nil)

func NewZipExtractor(logger *slog.Logger, limits Limits) *ZipExtractor {
	if limits.MaxFiles <= 0 {
		limits.MaxFiles = DefaultMaxFiles
	}
	if limits.MaxBytes <= 0 {
		limits.MaxBytes = DefaultMaxBytes
	}
	return &ZipExtractor{logger: logger, limits: limits}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidArchive, fmt.Sprintf(format, args...))
}

// Extract writes every regular file of the archive below dest.
// Malformed archives, entries escaping dest and archives over the limits are
// reported as domain.ErrInvalidArchive. Symlinks are skipped.
func (e *ZipExtractor) Extract(ctx context.Context, src io.ReaderAt, size int64, dest string) (ports.ExtractStats, error) {
	var stats ports.ExtractStats

	zr, err := zip.NewReader(src, size)
	if err != nil {
		return stats, invalid("%v", err)
	}
	if len(zr.File) > e.limits.MaxFiles {
		return stats, invalid("%d entries exceed the limit of %d", len(zr.File), e.limits.MaxFiles)
	}

	root, err := filepath.Abs(dest)
	if err != nil {
		return stats, fmt.Errorf("failed to resolve workspace: %w", err)
	}

	var declared uint64
	for _, f := range zr.File {
		declared += f.UncompressedSize64
	}
	if declared > uint64(e.limits.MaxBytes) {
		return stats, invalid("%d uncompressed bytes exceed the limit of %d", declared, e.limits.MaxBytes)
	}

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		target, err := safeJoin(root, f.Name)
		if err != nil {
			return stats, err
		}

		mode := f.Mode()
		switch {
		case mode&fs.ModeSymlink != 0:
			e.logger.DebugContext(ctx, "skipping symlink in archive", "entry", f.Name)
			continue
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return stats, fmt.Errorf("failed to create directory %s: %w", f.Name, err)
			}
			continue
		case !mode.IsRegular():
			continue
		}

		n, err := e.writeFile(f, target, e.limits.MaxBytes-stats.Bytes)
		if err != nil {
			return stats, err
		}
		stats.Files++
		stats.Bytes += n
	}

	return stats, nil
}

func (e *ZipExtractor) writeFile(f *zip.File, target string, budget int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create directory for %s: %w", f.Name, err)
	}

	rc, err := f.Open()
	if err != nil {
		return 0, invalid("%s: %v", f.Name, err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", f.Name, err)
	}
	defer out.Close()

	// Headers can lie about sizes; enforce the budget on the actual stream.
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if err != nil {
		if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) || errors.Is(err, zip.ErrAlgorithm) {
			return n, invalid("%s: %v", f.Name, err)
		}
		return n, fmt.Errorf("failed to write %s: %w", f.Name, err)
	}
	if n > budget {
		return n, invalid("archive expands beyond the limit")
	}
	return n, nil
}

// safeJoin resolves name below root and refuses anything that escapes it.
func safeJoin(root, name string) (string, error) {
	clean := filepath.FromSlash(strings.ReplaceAll(name, `\`, "/"))
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" {
		return "", invalid("entry %q has an absolute path", name)
	}
	target := filepath.Join(root, clean)
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", invalid("entry %q escapes the workspace", name)
	}
	return target, nil
}
