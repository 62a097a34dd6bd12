package scanner

import (
	"context"
	"io/fs"
	"iter"
)

// file is a regular file found below the workspace root.
type file struct {
	path string // slash separated, relative to the root
	info fs.FileInfo
}

// walkFiles recursively yields every regular file of root. Symlinks are
// not followed. Walking stops when ctx is done or the consumer breaks.
func walkFiles(ctx context.Context, root fs.FS) iter.Seq2[file, error] {
	return func(yield func(file, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if err != nil {
				if !yield(file{path: path}, err) {
					return fs.SkipAll
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				if !yield(file{path: path}, err) {
					return fs.SkipAll
				}
				return nil
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			if !yield(file{path: path, info: info}, nil) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}
