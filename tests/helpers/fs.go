package helpers

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// TempDirWithFiles creates a temporary directory containing a file for
// each entry in the map provided (keyed by relative path). Nested
// directories are created as required. The directory path, and the
// absolute paths of the files (sorted), are returned.
func TempDirWithFiles(t *testing.T, files map[string][]byte) (string, []string) {
	dirPath := t.TempDir()
	filePaths := make([]string, 0, len(files))
	for name, content := range files {
		path := filepath.Join(dirPath, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, content, 0o644), "failed to create temporary file in temporary dir")
		filePaths = append(filePaths, path)
	}

	sort.Strings(filePaths)
	require.Len(t, filePaths, len(files), "Expected file paths recorded to match length of requested files")
	return dirPath, filePaths
}

// ListFiles returns the names of all regular files inside the directory
// provided (non-recursive), sorted.
func ListFiles(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}

	sort.Strings(names)
	return names
}

// ReadFile reads the file at the path provided, failing the test on error.
func ReadFile(t *testing.T, path string) []byte {
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}
