package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic replaces path with data by writing a sibling temp file,
// syncing it and renaming it over the target. Readers see either the old or
// the new content, never a partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: creating directory '%s': %w", ErrFilesystem, dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: creating temp file for '%s': %w", ErrFilesystem, path, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing temp file '%s': %w", ErrFilesystem, tmpName, err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: syncing temp file '%s': %w", ErrFilesystem, tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing temp file '%s': %w", ErrFilesystem, tmpName, err)
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("%w: chmod temp file '%s': %w", ErrFilesystem, tmpName, err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: renaming '%s' to '%s': %w", ErrFilesystem, tmpName, path, err)
	}
	return nil
}
