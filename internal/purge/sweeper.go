package purge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Sweeper clears structured caches or databases whose names match.
// Sweepers must treat a missing facility as success.
type Sweeper interface {
	Name() string
	Sweep(ctx context.Context, match func(name string) bool) error
}

// DirSweeper removes matching entries from cache and database directories.
type DirSweeper struct {
	Dirs []string
}

// NewDirSweeper returns a DirSweeper over <stateDir>/caches and <stateDir>/databases.
func NewDirSweeper(stateDir string) *DirSweeper {
	return &DirSweeper{Dirs: []string{
		filepath.Join(stateDir, "caches"),
		filepath.Join(stateDir, "databases"),
	}}
}

// Name implements Sweeper.
func (s *DirSweeper) Name() string { return "dir" }

// Sweep implements Sweeper.
func (s *DirSweeper) Sweep(ctx context.Context, match func(name string) bool) error {
	var errs []error
	for _, dir := range s.Dirs {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			errs = append(errs, fmt.Errorf("read %s: %w", dir, err))
			continue
		}
		for _, entry := range entries {
			if !match(entry.Name()) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
