package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/floostack/transcoder"
	"github.com/floostack/transcoder/ffmpeg"
	"github.com/google/uuid"
	"github.com/hbomb79/Photon/pkg/logger"
)

var log = logger.Get("FFmpeg")

var (
	ErrBinaryMissing = errors.New("ffmpeg binary not found")
	ErrNoOutput      = errors.New("ffmpeg produced no output")
)

var containerFormats = map[string]string{
	"mp4":  "mp4",
	"m4v":  "mp4",
	"mov":  "mov",
	"mkv":  "matroska",
	"webm": "webm",
}

type Config struct {
	FfmpegBinPath  string
	FfprobeBinPath string
}

// Runner wraps the ffmpeg/ffprobe binaries for the handful of operations
// Photon cannot perform natively: HEIF still rendering, secondary video
// stream detection and extraction, and video re-encoding.
type Runner struct {
	config Config
}

func NewRunner(config Config) *Runner {
	return &Runner{config: config}
}

// Available returns an error if either configured binary cannot be found.
func (r *Runner) Available() error {
	for _, bin := range []string{r.config.FfmpegBinPath, r.config.FfprobeBinPath} {
		if _, err := os.Stat(bin); err != nil {
			return fmt.Errorf("%w: %s", ErrBinaryMissing, bin)
		}
	}

	return nil
}

// Probe returns the ffprobe metadata for the file at the path provided.
func (r *Runner) Probe(path string) (transcoder.Metadata, error) {
	metadata, err := ffmpeg.New(r.ffmpegConfig()).Input(path).GetMetadata()
	if err != nil {
		return nil, fmt.Errorf("failed to extract file metadata information using ffprobe: %s", err.Error())
	}

	return metadata, nil
}

// VideoStreamCount returns the number of video streams ffprobe reports for
// the file. A HEIC motion photo without an 'mpvd' box carries it's clip as a
// second video stream.
func (r *Runner) VideoStreamCount(ctx context.Context, path string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	metadata, err := r.Probe(path)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, stream := range metadata.GetStreams() {
		if stream.GetCodecType() == "video" {
			count++
		}
	}

	log.Debugf("Probed %s: %d video stream(s)\n", path, count)
	return count, nil
}

// ExtractVideoStream copies (without re-encoding) the video stream at the
// index provided in to the output path.
func (r *Runner) ExtractVideoStream(ctx context.Context, inputPath string, outputPath string, streamIndex int) error {
	return r.run(ctx, inputPath, outputPath, extractOptions(streamIndex))
}

// RenderStill renders the primary image of the input (typically HEIC) to
// the output path, whose extension selects the encoder. Container metadata
// is carried across.
func (r *Runner) RenderStill(ctx context.Context, inputPath string, outputPath string) error {
	return r.run(ctx, inputPath, outputPath, stillOptions())
}

// Transcode re-encodes the video provided in to the target container format.
// ffmpeg operates on files, so the input and output are staged in a
// temporary directory which is removed before returning.
func (r *Runner) Transcode(ctx context.Context, input []byte, targetFormat string) ([]byte, error) {
	opts, err := transcodeOptions(targetFormat)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "photon-ffmpeg-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	id := uuid.NewString()
	inputPath := filepath.Join(dir, id+".src")
	outputPath := filepath.Join(dir, id+"."+strings.ToLower(targetFormat))
	if err := os.WriteFile(inputPath, input, 0o600); err != nil {
		return nil, err
	}

	if err := r.run(ctx, inputPath, outputPath, opts); err != nil {
		return nil, err
	}

	return os.ReadFile(outputPath)
}

func (r *Runner) run(ctx context.Context, inputPath string, outputPath string, opts *ffmpeg.Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), os.ModePerm); err != nil {
		return err
	}

	log.Verbosef("Running ffmpeg %s -> %s %v\n", inputPath, outputPath, opts.GetStrArguments())
	_, err := ffmpeg.
		New(r.ffmpegConfig()).
		Input(inputPath).
		Output(outputPath).
		WithContext(&ctx).
		Start(opts)
	if err != nil {
		return parseFfmpegError(err)
	}

	// Without progress reporting Start blocks until ffmpeg exits, but the exit
	// status is not surfaced. The output file is the only reliable signal.
	if info, err := os.Stat(outputPath); err != nil || info.Size() == 0 {
		os.Remove(outputPath)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s", ErrNoOutput, outputPath)
	}

	return nil
}

func (r *Runner) ffmpegConfig() *ffmpeg.Config {
	return &ffmpeg.Config{
		ProgressEnabled: false,
		FfmpegBinPath:   r.config.FfmpegBinPath,
		FfprobeBinPath:  r.config.FfprobeBinPath,
	}
}

func extractOptions(streamIndex int) *ffmpeg.Options {
	overwrite := true
	return &ffmpeg.Options{
		Overwrite: &overwrite,
		ExtraArgs: map[string]interface{}{
			"-map": fmt.Sprintf("0:v:%d", streamIndex),
			"-c":   "copy",
		},
	}
}

func stillOptions() *ffmpeg.Options {
	overwrite := true
	return &ffmpeg.Options{
		Overwrite: &overwrite,
		ExtraArgs: map[string]interface{}{
			"-map_metadata": "0",
			"-frames:v":     "1",
		},
	}
}

func transcodeOptions(targetFormat string) (*ffmpeg.Options, error) {
	format, ok := containerFormats[strings.ToLower(targetFormat)]
	if !ok {
		return nil, fmt.Errorf("unsupported video container format %q", targetFormat)
	}

	overwrite := true
	return &ffmpeg.Options{
		OutputFormat: &format,
		Overwrite:    &overwrite,
		ExtraArgs: map[string]interface{}{
			"-map_metadata": "0",
		},
	}, nil
}

var ffmpegMessage = regexp.MustCompile(`(?s)message: ({.*})`)

// parseFfmpegError reduces the transcoder's error (which embeds the entire
// ffmpeg banner) to the JSON 'message' block, or the error string inside it.
func parseFfmpegError(err error) error {
	match := ffmpegMessage.FindStringSubmatch(err.Error())
	if match == nil {
		return err
	}

	var report struct {
		Error struct {
			String string `json:"string"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(match[1]), &report) == nil && report.Error.String != "" {
		return errors.New(report.Error.String)
	}

	return errors.New(match[1])
}
