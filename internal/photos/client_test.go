package photos_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hbomb79/Photon/internal/photos"
	"github.com/hbomb79/Photon/tests/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler, maxAttempts int) (*photos.Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := photos.NewClient(server.Client(), photos.Options{
		BaseURL:           server.URL,
		RequestsPerSecond: 1000,
		MaxAttempts:       maxAttempts,
		RequestTimeout:    5 * time.Second,
		InitialBackoff:    time.Millisecond,
	})

	return client, server
}

func writeJSON(t *testing.T, w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(body))
}

func albumsHandler(t *testing.T, pages ...[]map[string]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/albums", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("pageSize"))

		idx := 0
		if token := r.URL.Query().Get("pageToken"); token != "" {
			fmt.Sscanf(token, "page-%d", &idx)
		}

		body := map[string]interface{}{"albums": pages[idx]}
		if idx+1 < len(pages) {
			body["nextPageToken"] = fmt.Sprintf("page-%d", idx+1)
		}
		writeJSON(t, w, body)
	})
}

func TestListAlbums_FollowsPagination(t *testing.T) {
	client, _ := newTestClient(t, albumsHandler(t,
		[]map[string]string{{"id": "1", "title": "One", "mediaItemsCount": "3"}, {"id": "2", "title": "Two"}},
		[]map[string]string{{"id": "3", "title": "Three"}},
		[]map[string]string{},
	), 1)

	albums, err := client.ListAlbums(context.Background())
	require.NoError(t, err)
	require.Len(t, albums, 3)
	assert.Equal(t, "Three", albums[2].Title)
	assert.EqualValues(t, 3, albums[0].MediaItemsCount)
}

func TestFindAlbum(t *testing.T) {
	handler := albumsHandler(t, []map[string]string{
		{"id": "a", "title": "Summer Holiday 2023"},
		{"id": "b", "title": "Summer Holidays"},
		{"id": "c", "title": "Birthday"},
	})

	t.Run("CaseInsensitiveMatch", func(t *testing.T) {
		client, _ := newTestClient(t, handler, 1)
		album, err := client.FindAlbum(context.Background(), "summer HOLIDAY 2023")
		require.NoError(t, err)
		assert.Equal(t, "a", album.ID)
	})

	t.Run("SuggestsSimilarTitles", func(t *testing.T) {
		client, _ := newTestClient(t, handler, 1)
		_, err := client.FindAlbum(context.Background(), "Sumer Holiday")

		var notFound *photos.AlbumNotFoundError
		require.True(t, errors.As(err, &notFound), "expected AlbumNotFoundError, got %v", err)
		assert.Equal(t, "Sumer Holiday", notFound.Name)
		assert.Contains(t, notFound.Suggestions, "Summer Holidays")
		assert.Contains(t, notFound.Suggestions, "Summer Holiday 2023")
		assert.NotContains(t, notFound.Suggestions, "Birthday")
	})

	t.Run("NoSuggestionsForUnrelatedName", func(t *testing.T) {
		client, _ := newTestClient(t, handler, 1)
		_, err := client.FindAlbum(context.Background(), "zzz")

		var notFound *photos.AlbumNotFoundError
		require.True(t, errors.As(err, &notFound))
		assert.Empty(t, notFound.Suggestions)
	})
}

func TestListMediaItems(t *testing.T) {
	var requests atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/mediaItems:search", r.URL.Path)

		var body struct {
			AlbumID   string `json:"albumId"`
			PageSize  int    `json:"pageSize"`
			PageToken string `json:"pageToken"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "album-1", body.AlbumID)
		assert.Equal(t, 100, body.PageSize)

		switch body.PageToken {
		case "":
			writeJSON(t, w, map[string]interface{}{
				"mediaItems":    []map[string]interface{}{{"id": "m1", "filename": "a.jpg"}, {"id": "m2", "filename": "b.jpg"}},
				"nextPageToken": "second",
			})
		case "second":
			writeJSON(t, w, map[string]interface{}{
				"mediaItems": []map[string]interface{}{{"id": "m3", "filename": "c.mp4", "mimeType": "video/mp4"}},
			})
		default:
			t.Errorf("unexpected page token %q", body.PageToken)
		}
	})

	client, _ := newTestClient(t, handler, 1)
	it := client.ListMediaItems(&photos.Album{ID: "album-1"})
	assert.Equal(t, int32(0), requests.Load(), "listing is lazy")

	items, err := it.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, []string{items[0].ID, items[1].ID, items[2].ID})
	assert.True(t, items[2].IsVideo())
	assert.Equal(t, int32(2), requests.Load())
	assert.False(t, it.Next(context.Background()), "iterator is finite")

	t.Run("RestartFromToken", func(t *testing.T) {
		it.Restart("second")
		items, err := it.Collect(context.Background())
		require.NoError(t, err)
		require.Len(t, items, 1)
		assert.Equal(t, "m3", items[0].ID)
	})
}

func TestClient_Retry(t *testing.T) {
	t.Run("RecoversFromRateLimit", func(t *testing.T) {
		var hits atomic.Int32
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hits.Add(1) <= 2 {
				http.Error(w, "slow down", http.StatusTooManyRequests)
				return
			}
			writeJSON(t, w, map[string]interface{}{"albums": []map[string]string{{"id": "1", "title": "Only"}}})
		}), 5)

		albums, err := client.ListAlbums(context.Background())
		require.NoError(t, err)
		assert.Len(t, albums, 1)
		assert.Equal(t, int32(3), hits.Load())
	})

	t.Run("ExhaustsOnServerErrors", func(t *testing.T) {
		var hits atomic.Int32
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		}), 3)

		_, err := client.ListAlbums(context.Background())
		assert.ErrorIs(t, err, photos.ErrRetriesExhausted)

		var reqErr *photos.RequestError
		require.True(t, errors.As(err, &reqErr))
		assert.Equal(t, http.StatusServiceUnavailable, reqErr.Status)
		assert.Equal(t, int32(3), hits.Load())
	})

	t.Run("DoesNotRetryClientErrors", func(t *testing.T) {
		var hits atomic.Int32
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			http.Error(w, "no such album", http.StatusNotFound)
		}), 3)

		_, err := client.ListAlbums(context.Background())
		var reqErr *photos.RequestError
		require.True(t, errors.As(err, &reqErr))
		assert.Equal(t, http.StatusNotFound, reqErr.Status)
		assert.Equal(t, "no such album", reqErr.Body)
		assert.NotErrorIs(t, err, photos.ErrRetriesExhausted)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("CancelledContext", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("no request expected")
		}), 3)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := client.ListAlbums(ctx)
		assert.Error(t, err)
	})
}

func TestDownload(t *testing.T) {
	var hits atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprintf(w, "content of %s", r.URL.Path)
	})
	client, server := newTestClient(t, handler, 1)
	dir := t.TempDir()

	photo := &photos.MediaItem{ID: "p", Filename: "photo.jpg", MimeType: "image/jpeg", BaseURL: server.URL + "/media/p"}
	video := &photos.MediaItem{ID: "v", Filename: "clip.mp4", MimeType: "video/mp4", BaseURL: server.URL + "/media/v"}

	photoPath := filepath.Join(dir, "photo.jpg")
	n, err := client.Download(context.Background(), photo, photoPath)
	require.NoError(t, err)
	assert.Equal(t, "content of /media/p=d", string(helpers.ReadFile(t, photoPath)))
	assert.EqualValues(t, len("content of /media/p=d"), n)

	videoPath := filepath.Join(dir, "nested", "clip.mp4")
	_, err = client.Download(context.Background(), video, videoPath)
	require.NoError(t, err)
	assert.Equal(t, "content of /media/v=dv", string(helpers.ReadFile(t, videoPath)))

	t.Run("SkipsExisting", func(t *testing.T) {
		before := hits.Load()
		require.NoError(t, os.WriteFile(photoPath, []byte("local"), 0o644))

		_, err := client.Download(context.Background(), photo, photoPath)
		assert.ErrorIs(t, err, photos.ErrAlreadyDownloaded)
		assert.Equal(t, before, hits.Load(), "no request for an existing file")
		assert.Equal(t, "local", string(helpers.ReadFile(t, photoPath)))
	})

	assert.ElementsMatch(t, []string{"photo.jpg", "nested"}, helpers.ListFiles(t, dir), "no partial files remain")
}

func TestDownload_FailureLeavesNothing(t *testing.T) {
	client, server := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusForbidden)
	}), 2)

	dir := t.TempDir()
	item := &photos.MediaItem{ID: "x", Filename: "x.jpg", BaseURL: server.URL + "/media/x"}
	_, err := client.Download(context.Background(), item, filepath.Join(dir, "x.jpg"))

	var reqErr *photos.RequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Empty(t, helpers.ListFiles(t, dir))
}

func TestMediaItem_DecodesMetadata(t *testing.T) {
	raw := `{
		"id": "abc",
		"filename": "IMG_0001.HEIC",
		"mimeType": "image/heif",
		"baseUrl": "https://example.invalid/abc",
		"mediaMetadata": {
			"creationTime": "2021-07-04T10:15:00Z",
			"width": "4032",
			"height": "3024",
			"photo": {"cameraMake": "Google", "focalLength": 4.38, "isoEquivalent": 100}
		}
	}`

	var item photos.MediaItem
	require.NoError(t, json.Unmarshal([]byte(raw), &item))
	assert.Equal(t, 4032, item.Metadata.Width)
	assert.Equal(t, 3024, item.Metadata.Height)
	assert.Equal(t, time.Date(2021, 7, 4, 10, 15, 0, 0, time.UTC), item.Metadata.CreationTime.UTC())
	require.NotNil(t, item.Metadata.Photo)
	assert.Equal(t, "Google", item.Metadata.Photo.CameraMake)
	assert.Equal(t, 100, item.Metadata.Photo.IsoEquivalent)
	assert.False(t, item.IsVideo())
	assert.Equal(t, "https://example.invalid/abc=d", item.DownloadURL())

	assert.Equal(t, filepath.Join("root", "Trip", "2021", "07", "IMG_0001.HEIC"), photos.DestinationPath("root", "Trip", &item))

	undated := photos.MediaItem{ID: "u", Filename: "a/b.jpg"}
	assert.Equal(t, filepath.Join("root", "My_Album", "unknown_date", "a_b.jpg"), photos.DestinationPath("root", "My/Album", &undated))
}

func TestMediaItem_VideoMetadata(t *testing.T) {
	raw := `{"id": "v", "baseUrl": "u", "mediaMetadata": {"width": "1920", "height": "1080", "video": {"fps": 29.97, "status": "READY"}}}`

	var item photos.MediaItem
	require.NoError(t, json.Unmarshal([]byte(raw), &item))
	require.NotNil(t, item.Metadata.Video)
	assert.Equal(t, "READY", item.Metadata.Video.Status)
	assert.True(t, item.IsVideo())
	assert.Equal(t, "u=dv", item.DownloadURL())
}
