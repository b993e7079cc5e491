package ingest

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/corpusd/internal/extract"
	"github.com/fyrsmithlabs/corpusd/internal/fault"
	"github.com/fyrsmithlabs/corpusd/internal/space"
)

// target is one eligible file discovered during enumeration. name is
// the basename, which keys the vector rows, the sparse rows, and the
// fingerprint map downstream.
type target struct {
	path string
	name string
	meta space.FileMeta
}

// validatePaths rejects runs with no target paths or with paths that do
// not exist.
func validatePaths(paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("%w: no paths specified for indexing", fault.Invalid)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: path does not exist: %s", fault.Invalid, p)
		}
	}
	return nil
}

// enumerate walks every path and returns the indexable files in
// deterministic order: paths in the order given, directory trees in
// lexicographic walk order. Directories named .git, venv, __pycache__,
// or node_modules are pruned, and files without a supported extension
// are skipped.
func enumerate(paths []string) ([]target, error) {
	var targets []target
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}

		if !info.IsDir() {
			if extract.Supported(p) {
				targets = append(targets, newTarget(p, info))
			}
			continue
		}

		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if extract.SkipDir(d.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if !extract.Supported(path) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			targets = append(targets, newTarget(path, info))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", p, err)
		}
	}
	return targets, nil
}

func newTarget(path string, info fs.FileInfo) target {
	return target{
		path: path,
		name: filepath.Base(path),
		meta: space.FileMeta{Size: info.Size(), Mtime: info.ModTime().Unix()},
	}
}
