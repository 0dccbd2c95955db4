package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PartialPath returns the deterministic temporary path used while the
// output at 'path' is being written. Because the name is stable, a retry
// can always find (and remove) the debris of an earlier failed attempt.
func PartialPath(path string) string {
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".partial")
}

// RemovePartial deletes any partially written output for 'path'. A missing
// partial file is not an error.
func RemovePartial(path string) error {
	if err := os.Remove(PartialPath(path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

// WriteFileAtomic writes data to the path provided by first writing to the
// partial path and renaming it in to place. Any existing file at the
// destination is replaced. On failure the partial file is removed.
func WriteFileAtomic(path string, data []byte) error {
	return WriteStreamAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// WriteStreamAtomic behaves like WriteFileAtomic, but the content is
// produced by the writer function provided.
func WriteStreamAtomic(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	partial := PartialPath(path)
	f, err := os.OpenFile(partial, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", partial, err)
	}

	if err := write(f); err != nil {
		f.Close()
		os.Remove(partial)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(partial)
		return err
	}

	if err := os.Rename(partial, path); err != nil {
		os.Remove(partial)
		return fmt.Errorf("failed to move %s in to place: %w", path, err)
	}

	return nil
}

// FileSize returns the size of the file at the path provided, or zero if it
// cannot be stat'd.
func FileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}

	return info.Size()
}
