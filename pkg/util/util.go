package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// CopyFile copies src to dst through a temporary sibling that is renamed into place,
// so dst is either absent or complete.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", dst, err)
	}
	return nil
}

func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

func IsFileEmpty(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return true // File doesn't exist, consider it "empty" for practical purposes
	}
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Error stating file")
		return true
	}
	return info.Size() == 0
}

// IsTempName reports whether name is an in-progress temporary file written by CopyFile
// or the animation encoder.
func IsTempName(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-")
}

// SafeFileName flattens an identifier into a single path element.
func SafeFileName(s string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", " ", "_", "..", "_")
	return r.Replace(s)
}
