package photos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const unknownDateDir = "unknown_date"

var ErrAlreadyDownloaded = errors.New("destination already exists")

// DestinationPath returns where the item should be stored when downloading
// the album to the root provided: <root>/<album>/YYYY/MM/<filename>, using the
// items creation time, or <root>/<album>/unknown_date/<filename> if the item
// has none.
func DestinationPath(root string, albumTitle string, item *MediaItem) string {
	dir := filepath.Join(root, sanitizeName(albumTitle))
	if created := item.Metadata.CreationTime; !created.IsZero() {
		dir = filepath.Join(dir, fmt.Sprintf("%04d", created.Year()), fmt.Sprintf("%02d", int(created.Month())))
	} else {
		dir = filepath.Join(dir, unknownDateDir)
	}

	name := sanitizeName(item.Filename)
	if name == "" {
		name = item.ID
	}

	return filepath.Join(dir, name)
}

// Download streams the original bytes of the item to the destination path,
// returning the number of bytes written. The body is written to a temporary
// file beside the destination and renamed in to place once complete, so an
// interrupted download never leaves a truncated file at the destination.
//
// If the destination already exists the item is not downloaded again and
// ErrAlreadyDownloaded is returned.
func (client *Client) Download(ctx context.Context, item *MediaItem, destPath string) (int64, error) {
	if _, err := os.Stat(destPath); err == nil {
		return 0, ErrAlreadyDownloaded
	}

	if item.BaseURL == "" {
		return 0, fmt.Errorf("media item %s (%s) has no base URL", item.ID, item.Filename)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), os.ModePerm); err != nil {
		return 0, err
	}

	var written int64
	err := client.do(ctx,
		func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, item.DownloadURL(), nil)
		},
		func(resp *http.Response) error {
			n, err := writeBody(resp.Body, destPath)
			written = n
			return err
		},
	)
	if err != nil {
		return 0, err
	}

	log.Verbosef("Downloaded %s (%d bytes) to %s\n", item.Filename, written, destPath)
	return written, nil
}

func writeBody(body io.Reader, destPath string) (int64, error) {
	tmpPath := filepath.Join(filepath.Dir(destPath), fmt.Sprintf(".%s.%s.partial", filepath.Base(destPath), uuid.NewString()))
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	return n, nil
}

func sanitizeName(name string) string {
	name = strings.TrimSpace(strings.NewReplacer("/", "_", "\\", "_", "\x00", "").Replace(name))
	if name == "." || name == ".." {
		return "_"
	}

	return name
}
