// Package janitor removes local scratch files: the frames and outputs of a single generation
// attempt, and anything orphaned in the scratch directory by a crash or restart.
package janitor

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Cleanup removes every scratch path and the output path. It is idempotent: missing files
// and empty paths are ignored, and other failures are only logged.
func Cleanup(scratchPaths []string, outputPath string) {
	for _, p := range scratchPaths {
		remove(p)
	}
	remove(outputPath)
}

func remove(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("path", path).Msg("Failed to remove scratch file")
	}
}

// Sweep removes regular files directly under dir whose modification time is older than maxAge.
// It returns the number of files removed.
func Sweep(dir string, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.Remove(path); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Warn().Err(err).Str("path", path).Msg("Failed to sweep scratch file")
			}
			continue
		}
		removed++
	}

	if removed > 0 {
		log.Info().Str("dir", dir).Int("removed", removed).Msg("Swept orphaned scratch files")
	}
	return removed, nil
}
