package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hbomb79/Photon/internal/auth"
	"github.com/hbomb79/Photon/internal/cli"
	"github.com/hbomb79/Photon/tests/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type harness struct {
	dir         string
	configPath  string
	tokenFile   string
	credentials string
	stdout      bytes.Buffer
	stderr      bytes.Buffer
}

// newHarness writes a configuration file whose paths all live inside a
// temporary directory. ffmpeg is deliberately unavailable.
func newHarness(t *testing.T, withCredentials bool) *harness {
	dir := t.TempDir()
	h := &harness{
		dir:         dir,
		configPath:  filepath.Join(dir, "photon.yaml"),
		tokenFile:   filepath.Join(dir, "token.json"),
		credentials: filepath.Join(dir, "credentials.json"),
	}

	content := fmt.Sprintf(`
auth:
  credentials_file: %s
  token_file: %s
ffmpeg:
  ffmpeg_binary: %s
  ffprobe_binary: %s
log:
  level: ERROR
  file: %s
`, h.credentials, h.tokenFile, filepath.Join(dir, "missing-ffmpeg"), filepath.Join(dir, "missing-ffprobe"), filepath.Join(dir, "photon.log"))
	require.NoError(t, os.WriteFile(h.configPath, []byte(content), 0o644))

	if withCredentials {
		require.NoError(t, os.WriteFile(h.credentials, []byte("{}"), 0o600))
	}

	return h
}

func (h *harness) run(args ...string) int {
	return h.runWith(nil, args...)
}

func (h *harness) runWith(opts []cli.Option, args ...string) int {
	h.stdout.Reset()
	h.stderr.Reset()

	app := cli.New(&h.stdout, &h.stderr, opts...)
	return app.Run(context.Background(), append([]string{"--config", h.configPath}, args...))
}

func TestRun_Usage(t *testing.T) {
	h := newHarness(t, false)

	assert.Equal(t, cli.ExitUsage, h.runWith(nil))
	assert.Contains(t, h.stderr.String(), "process-heic")

	assert.Equal(t, cli.ExitUsage, h.run("nonsense"))
	assert.Contains(t, h.stderr.String(), `unknown command "nonsense"`)

	assert.Equal(t, cli.ExitOK, h.run("optimize", "--help"))
	assert.Contains(t, h.stderr.String(), "--quality")

	assert.Equal(t, cli.ExitUsage, h.run("optimize"), "--input is required")
	assert.Contains(t, h.stderr.String(), "--input is required")
}

func TestProcessHeic_FailureToleranceControlsExitCode(t *testing.T) {
	video := helpers.MP4(96)
	still := func(seed int) []byte { return helpers.EncodeJPEG(t, helpers.GradientImage(16, 16, seed), nil) }
	input, _ := helpers.TempDirWithFiles(t, map[string][]byte{
		"a_video.jpg":    helpers.MotionPhoto(t, still(1), helpers.XMPDirectory(len(video)), video),
		"b_no_video.jpg": helpers.MotionPhoto(t, still(2), helpers.XMPDirectory(0), nil),
		"c_corrupt.jpg":  helpers.MotionPhoto(t, still(3), helpers.XMPDirectory(len(video)+9000), video),
	})

	h := newHarness(t, false)
	output := filepath.Join(h.dir, "out")

	assert.Equal(t, cli.ExitFailure, h.run("process-heic", "--input", input, "--output", output))
	out := h.stdout.String()
	assert.Contains(t, out, "[1/3] a_video.jpg ok")
	assert.Contains(t, out, "[2/3] b_no_video.jpg ok")
	assert.Contains(t, out, "[3/3] c_corrupt.jpg failed")
	assert.Contains(t, out, "succeeded: 2")
	assert.Contains(t, out, "failed:    1")
	assert.Contains(t, h.stderr.String(), "failure tolerance exceeded")

	assert.Equal(t, cli.ExitOK, h.run("process-heic", "--input", input, "--output", output, "--tolerance", "1"))
	assert.ElementsMatch(t, []string{"a_video.jpg", "a_video.mp4", "b_no_video.jpg"}, helpers.ListFiles(t, output))
}

func TestProcessHeic_Usage(t *testing.T) {
	input, _ := helpers.TempDirWithFiles(t, map[string][]byte{
		"a.jpg": helpers.EncodeJPEG(t, helpers.GradientImage(16, 16, 1), nil),
	})
	h := newHarness(t, false)

	assert.Equal(t, cli.ExitUsage, h.run("process-heic", "--input", input))
	assert.Contains(t, h.stderr.String(), "--output is required")

	output := filepath.Join(h.dir, "out")
	assert.Equal(t, cli.ExitUsage, h.run("process-heic", "--input", input, "--output", output, "--max-attempts", "0"))
	assert.Contains(t, h.stderr.String(), "MaxAttempts")
	assert.NoDirExists(t, output)
}

func TestOptimize_InvalidQualityRejectedBeforeIO(t *testing.T) {
	input, paths := helpers.TempDirWithFiles(t, map[string][]byte{
		"a.jpg": helpers.EncodeJPEG(t, helpers.GradientImage(40, 30, 1), nil),
	})
	h := newHarness(t, false)
	output := filepath.Join(h.dir, "out")

	for _, quality := range []string{"0", "101"} {
		assert.Equal(t, cli.ExitUsage, h.run("optimize", "--input", input, "--output", output, "--quality", quality))
		assert.NoDirExists(t, output)
	}

	assert.Equal(t, cli.ExitOK, h.run("optimize", "--input", input, "--output", output, "--quality", "100", "--max-size", "20x20"))
	assert.FileExists(t, filepath.Join(output, "a.jpg"))
	assert.FileExists(t, paths[0], "inputs are never modified")
}

func TestDuplicates(t *testing.T) {
	data := helpers.EncodeJPEG(t, helpers.GradientImage(16, 16, 1), nil)
	fixture := func() (string, []string) {
		return helpers.TempDirWithFiles(t, map[string][]byte{
			"a.jpg":      data,
			"copy/b.jpg": data,
			"unique.png": helpers.EncodePNG(t, helpers.GradientImage(16, 16, 9)),
		})
	}

	t.Run("ReportOnly", func(t *testing.T) {
		dir, paths := fixture()
		h := newHarness(t, false)

		assert.Equal(t, cli.ExitOK, h.run("duplicates", "--path", dir))
		assert.Contains(t, h.stdout.String(), "1 group(s), 2 file(s), 1 duplicate(s)")
		for _, p := range paths {
			assert.FileExists(t, p)
		}
	})

	t.Run("DeleteWithoutForce", func(t *testing.T) {
		dir, paths := fixture()
		h := newHarness(t, false)

		assert.Equal(t, cli.ExitFailure, h.run("duplicates", "--path", dir, "--delete"))
		assert.Contains(t, h.stderr.String(), "confirmation (force) is required")
		assert.Contains(t, h.stderr.String(), "removal requires --force")
		for _, p := range paths {
			assert.FileExists(t, p)
		}
	})

	t.Run("DeleteWithForce", func(t *testing.T) {
		dir, _ := fixture()
		h := newHarness(t, false)

		assert.Equal(t, cli.ExitOK, h.run("duplicates", "--path", dir, "--delete", "--force"))
		remaining := 0
		for _, p := range []string{filepath.Join(dir, "a.jpg"), filepath.Join(dir, "copy", "b.jpg")} {
			if _, err := os.Stat(p); err == nil {
				remaining++
			}
		}
		assert.Equal(t, 1, remaining, "exactly the keeper remains")
		assert.FileExists(t, filepath.Join(dir, "unique.png"))
	})
}

func TestConfigInfo(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		h := newHarness(t, true)
		assert.Equal(t, cli.ExitOK, h.run("config-info"))

		out := h.stdout.String()
		assert.Contains(t, out, "quality: 85")
		assert.Contains(t, out, "Max image size:   1920x1080")
		assert.Contains(t, out, "Authenticated:    false")
		assert.Contains(t, out, "ffmpeg:           unavailable")
		assert.Contains(t, out, "Configuration is valid")
	})

	t.Run("MissingCredentials", func(t *testing.T) {
		h := newHarness(t, false)
		assert.NotEqual(t, cli.ExitOK, h.run("config-info"))
		assert.Contains(t, h.stdout.String(), "credentials file not found")
	})
}

func TestRemoteCommandsRequireCredentials(t *testing.T) {
	h := newHarness(t, false)
	assert.Equal(t, cli.ExitUsage, h.run("albums", "list"))
	assert.Contains(t, h.stderr.String(), "credentials file not found")
}

// photosAPI serves a single album containing one photo.
func photosAPI(t *testing.T) *httptest.Server {
	var server *httptest.Server
	writeJSON := func(w http.ResponseWriter, body interface{}) {
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/albums", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer saved-access", r.Header.Get("Authorization"))
		writeJSON(w, map[string]interface{}{"albums": []map[string]string{
			{"id": "album-1", "title": "Road Trip", "mediaItemsCount": "1"},
			{"id": "album-2", "title": "Birthday", "mediaItemsCount": "0"},
		}})
	})
	mux.HandleFunc("/mediaItems:search", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{"mediaItems": []interface{}{map[string]interface{}{
			"id":            "p1",
			"filename":      "beach.jpg",
			"mimeType":      "image/jpeg",
			"baseUrl":       server.URL + "/media/p1",
			"mediaMetadata": map[string]interface{}{"creationTime": "2022-01-02T03:04:05Z", "width": "4", "height": "4"},
		}}})
	})
	mux.HandleFunc("/media/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("photo"))
	})

	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func authenticatedHarness(t *testing.T) (*harness, []cli.Option) {
	h := newHarness(t, true)
	require.NoError(t, auth.NewTokenStore(h.tokenFile).Save(&oauth2.Token{AccessToken: "saved-access", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}))

	server := photosAPI(t)
	opts := []cli.Option{
		cli.WithPhotosBaseURL(server.URL),
		cli.WithAuthOptions(
			auth.WithOAuthConfig(&oauth2.Config{ClientID: "client", Endpoint: oauth2.Endpoint{TokenURL: server.URL + "/token"}}),
			auth.WithOpener(func(string) error {
				t.Error("consent flow should not be started")
				return nil
			}),
		),
	}

	return h, opts
}

func TestAlbumsList(t *testing.T) {
	h, opts := authenticatedHarness(t)

	assert.Equal(t, cli.ExitOK, h.runWith(opts, "albums", "list"))
	assert.Contains(t, h.stdout.String(), "Road Trip")
	assert.Contains(t, h.stdout.String(), "Birthday")

	assert.Equal(t, cli.ExitOK, h.runWith(opts, "albums", "list", "--limit", "1"))
	assert.Contains(t, h.stdout.String(), "Road Trip")
	assert.NotContains(t, h.stdout.String(), "Birthday")

	assert.Equal(t, cli.ExitUsage, h.runWith(opts, "albums"))
}

func TestDownload(t *testing.T) {
	h, opts := authenticatedHarness(t)
	output := filepath.Join(h.dir, "downloads")

	assert.Equal(t, cli.ExitOK, h.runWith(opts, "download", "--album", "road trip", "--output", output))
	assert.Contains(t, h.stdout.String(), "[1/1] beach.jpg ok")
	assert.Equal(t, []byte("photo"), helpers.ReadFile(t, filepath.Join(output, "Road Trip", "2022", "01", "beach.jpg")))

	assert.Equal(t, cli.ExitFailure, h.runWith(opts, "download", "--album", "Road Tripp", "--output", output))
	assert.Contains(t, h.stderr.String(), `did you mean: Road Trip`)
}
