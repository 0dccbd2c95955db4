package composite

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/hbomb79/Photon/internal/media"
	"github.com/hbomb79/Photon/pkg/logger"
)

var log = logger.Get("Unwrapper")

var ErrNoMediaTool = errors.New("no media tool available for HEIF rendering")

type (
	// VideoTransformer re-encodes a video stream in to the target container
	// format. It is only consulted when a VideoFormat is configured.
	VideoTransformer interface {
		Transcode(ctx context.Context, input []byte, targetFormat string) ([]byte, error)
	}

	// MediaTool performs the HEIF operations for which Go has no native
	// decoder: probing for a secondary video stream, extracting that stream,
	// and rendering the still image.
	MediaTool interface {
		VideoStreamCount(ctx context.Context, path string) (int, error)
		ExtractVideoStream(ctx context.Context, inputPath string, outputPath string, streamIndex int) error
		RenderStill(ctx context.Context, inputPath string, outputPath string) error
	}

	Options struct {
		// OutputDir is the directory outputs are written to. If empty, outputs
		// are written alongside the source file.
		OutputDir string

		// ImageFormat is the extension of the still output (jpg, png, tiff, bmp).
		ImageFormat string

		// ExtractVideo controls whether the motion clip is written at all.
		ExtractVideo bool

		// VideoFormat, when non-empty, causes the extracted clip to be handed
		// to the VideoTransformer for re-encoding in to this container.
		VideoFormat string

		// KeepOriginal retains the source file. When false the source is
		// removed once every output has been written.
		KeepOriginal bool

		// JPEGQuality is used when re-encoding JPEG stills. Defaults to 95.
		JPEGQuality int

		// MaxAttempts is the number of attempts made per item before it is
		// reported as failed. Malformed containers are never retried.
		// Defaults to 1.
		MaxAttempts int
	}

	// Unwrapper splits composite image+video files in to a standalone still
	// image and a standalone video.
	Unwrapper struct {
		opts        Options
		transformer VideoTransformer
		tool        MediaTool
	}

	attempt struct {
		outputs []string
		note    string
	}
)

// NewUnwrapper constructs an Unwrapper. Both the transformer and the tool
// may be nil, in which case video re-encoding and HEIF rendering respectively
// are unavailable.
func NewUnwrapper(opts Options, transformer VideoTransformer, tool MediaTool) *Unwrapper {
	if opts.ImageFormat == "" {
		opts.ImageFormat = "jpg"
	}
	if opts.JPEGQuality == 0 {
		opts.JPEGQuality = 95
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	opts.ImageFormat = strings.ToLower(strings.TrimPrefix(opts.ImageFormat, "."))
	opts.VideoFormat = strings.ToLower(strings.TrimPrefix(opts.VideoFormat, "."))

	return &Unwrapper{opts: opts, transformer: transformer, tool: tool}
}

// Validate ensures the options provided are usable. It performs no I/O.
func (u *Unwrapper) Validate() error {
	if _, err := imaging.FormatFromExtension(u.opts.ImageFormat); err != nil {
		return &media.InvalidParameterError{Param: "output_format", Value: u.opts.ImageFormat, Reason: "unsupported still image format"}
	}
	if u.opts.JPEGQuality < 1 || u.opts.JPEGQuality > 100 {
		return &media.InvalidParameterError{Param: "quality", Value: u.opts.JPEGQuality, Reason: "must be between 1 and 100"}
	}
	if u.opts.VideoFormat != "" && u.transformer == nil {
		return &media.InvalidParameterError{Param: "video_format", Value: u.opts.VideoFormat, Reason: "video re-encoding requires ffmpeg"}
	}

	return nil
}

// Unwrap splits the composite item provided. The returned result is never
// nil; failures are reported via a FAILED result rather than an error so that
// callers can continue with the next item.
func (u *Unwrapper) Unwrap(ctx context.Context, item *media.Item) *media.Result {
	if item.Kind != media.Composite {
		return media.Skipped(item, media.StageUnwrap, fmt.Sprintf("%s is not a composite file", item.Kind))
	}

	var lastErr error
	for i := 0; i < u.opts.MaxAttempts; i++ {
		if i > 0 {
			log.Warnf("Retrying unwrap of %s (attempt %d/%d): %v\n", item.Path, i+1, u.opts.MaxAttempts, lastErr)
		}

		res, err := u.unwrapOnce(ctx, item)
		if err == nil {
			return res
		}

		lastErr = err
		var malformedErr *media.MalformedContainerError
		var unreadableErr *media.UnreadableFileError
		if errors.As(err, &malformedErr) || errors.As(err, &unreadableErr) || ctx.Err() != nil {
			break
		}
	}

	log.Errorf("Failed to unwrap %s: %v\n", item.Path, lastErr)
	return media.Failed(item, media.StageUnwrap, lastErr)
}

func (u *Unwrapper) unwrapOnce(ctx context.Context, item *media.Item) (*media.Result, error) {
	data, err := os.ReadFile(item.Path)
	if err != nil {
		return nil, &media.UnreadableFileError{Path: item.Path, Err: err}
	}

	layout, err := Parse(data)
	if err != nil {
		var pe *parseError
		if errors.As(err, &pe) {
			return nil, &media.MalformedContainerError{Path: item.Path, Reason: pe.reason}
		}
		return nil, err
	}

	stem := strings.TrimSuffix(filepath.Base(item.Path), filepath.Ext(item.Path))
	outDir := u.opts.OutputDir
	if outDir == "" {
		outDir = filepath.Dir(item.Path)
	}

	stillPath := filepath.Join(outDir, stem+"."+u.opts.ImageFormat)
	if sameFile(stillPath, item.Path) {
		stillPath = filepath.Join(outDir, stem+".still."+u.opts.ImageFormat)
	}

	at := &attempt{}
	if err := u.run(ctx, item, data, layout, stem, outDir, stillPath, at); err != nil {
		at.cleanup()
		return nil, err
	}

	if !u.opts.KeepOriginal {
		if err := os.Remove(item.Path); err != nil {
			log.Warnf("Failed to remove original %s after unwrapping: %v\n", item.Path, err)
		} else {
			log.Emit(logger.REMOVE, "Removed original composite %s\n", item.Path)
		}
	}

	result := media.Succeeded(item, media.StageUnwrap, at.outputs...)
	result.Note = at.note
	result.SizeBefore = int64(len(data))
	for _, out := range at.outputs {
		result.SizeAfter += media.FileSize(out)
	}

	log.Emit(logger.SUCCESS, "Unwrapped %s -> %v\n", item.Path, at.outputs)
	return result, nil
}

func (u *Unwrapper) run(ctx context.Context, item *media.Item, data []byte, layout *Layout, stem, outDir, stillPath string, at *attempt) error {
	if err := at.write(stillPath, func(w io.Writer) error {
		return u.writeStill(ctx, item, data, layout, stillPath, w)
	}); err != nil {
		return fmt.Errorf("failed to write still image: %w", err)
	}

	if !u.opts.ExtractVideo {
		at.note = media.NoVideoExtractedNote
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if layout.Video != nil {
		clip := data[layout.Video.Offset : layout.Video.Offset+layout.Video.Length]
		return u.writeVideo(ctx, clip, filepath.Join(outDir, stem), videoExtension(layout.Format), at)
	}

	if layout.Format == HEIF && u.tool != nil {
		streams, err := u.tool.VideoStreamCount(ctx, item.Path)
		if err != nil {
			return fmt.Errorf("failed to probe video streams: %w", err)
		}

		if streams > 1 {
			videoPath := filepath.Join(outDir, stem+".mov")
			if err := at.write(videoPath, func(w io.Writer) error {
				return u.extractStream(ctx, item.Path, videoPath, w)
			}); err != nil {
				return fmt.Errorf("failed to extract motion stream: %w", err)
			}

			if u.opts.VideoFormat != "" {
				return u.retranscode(ctx, videoPath, filepath.Join(outDir, stem), at)
			}
			return nil
		}
	}

	log.Debugf("No video payload found in %s\n", item.Path)
	at.note = media.NoVideoExtractedNote
	return nil
}

// writeStill produces the still output. Motion photo stills are decoded and
// re-encoded natively, with the descriptive EXIF subset carried across. HEIF
// stills are rendered by the media tool.
func (u *Unwrapper) writeStill(ctx context.Context, item *media.Item, data []byte, layout *Layout, stillPath string, w io.Writer) error {
	switch layout.Format {
	case MotionPhotoJPEG:
		imageData := data[layout.Image.Offset : layout.Image.Offset+layout.Image.Length]
		img, err := imaging.Decode(bytes.NewReader(imageData))
		if err != nil {
			return fmt.Errorf("failed to decode still image: %w", err)
		}

		format, err := imaging.FormatFromExtension(u.opts.ImageFormat)
		if err != nil {
			return err
		}

		buf := &bytes.Buffer{}
		if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(u.opts.JPEGQuality)); err != nil {
			return fmt.Errorf("failed to encode still image: %w", err)
		}

		out := buf.Bytes()
		if format == imaging.JPEG {
			if desc := media.ReadDescriptive(bytes.NewReader(imageData)); !desc.IsEmpty() {
				if out, err = desc.InjectJPEG(out); err != nil {
					return err
				}
			}
		}

		_, err = w.Write(out)
		return err
	case HEIF:
		if u.tool == nil {
			return ErrNoMediaTool
		}

		// ffmpeg needs a real file to write to, so render to a scratch file and
		// stream it through the writer.
		scratch := media.PartialPath(stillPath) + "." + u.opts.ImageFormat
		defer os.Remove(scratch)
		if err := u.tool.RenderStill(ctx, item.Path, scratch); err != nil {
			return err
		}

		return copyFile(scratch, w)
	case UnknownFormat:
	}

	return fmt.Errorf("unsupported container format %s", layout.Format)
}

func (u *Unwrapper) writeVideo(ctx context.Context, clip []byte, base string, ext string, at *attempt) error {
	if u.opts.VideoFormat != "" && u.opts.VideoFormat != ext {
		if u.transformer == nil {
			return fmt.Errorf("cannot re-encode video to %s: no video transformer", u.opts.VideoFormat)
		}

		transformed, err := u.transformer.Transcode(ctx, clip, u.opts.VideoFormat)
		if err != nil {
			return fmt.Errorf("failed to transcode motion video: %w", err)
		}

		clip = transformed
		ext = u.opts.VideoFormat
	}

	videoPath := base + "." + ext
	if err := at.write(videoPath, func(w io.Writer) error {
		_, err := w.Write(clip)
		return err
	}); err != nil {
		return fmt.Errorf("failed to write motion video: %w", err)
	}

	return nil
}

// retranscode re-encodes an already extracted clip (HEIF secondary streams)
// in to the configured video format, replacing the intermediate output.
func (u *Unwrapper) retranscode(ctx context.Context, videoPath string, base string, at *attempt) error {
	if u.opts.VideoFormat == "mov" {
		return nil
	}

	clip, err := os.ReadFile(videoPath)
	if err != nil {
		return err
	}

	at.forget(videoPath)
	if err := os.Remove(videoPath); err != nil {
		return err
	}

	return u.writeVideo(ctx, clip, base, "mov", at)
}

func (u *Unwrapper) extractStream(ctx context.Context, inputPath string, videoPath string, w io.Writer) error {
	scratch := media.PartialPath(videoPath) + ".mov"
	defer os.Remove(scratch)
	if err := u.tool.ExtractVideoStream(ctx, inputPath, scratch, 1); err != nil {
		return err
	}

	return copyFile(scratch, w)
}

// write removes any stale partial output left by a previous attempt, writes
// the output atomically and records it so that a later failure within the
// same attempt removes it again.
func (at *attempt) write(path string, fn func(io.Writer) error) error {
	if err := media.RemovePartial(path); err != nil {
		return err
	}

	if err := media.WriteStreamAtomic(path, fn); err != nil {
		return err
	}

	at.outputs = append(at.outputs, path)
	return nil
}

func (at *attempt) forget(path string) {
	for i, p := range at.outputs {
		if p == path {
			at.outputs = append(at.outputs[:i], at.outputs[i+1:]...)
			return
		}
	}
}

func (at *attempt) cleanup() {
	for _, p := range at.outputs {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warnf("Failed to remove output %s of failed unwrap: %v\n", p, err)
		}
		media.RemovePartial(p)
	}
	at.outputs = nil
}

func videoExtension(format ContainerFormat) string {
	if format == HEIF {
		return "mov"
	}

	return "mp4"
}

func copyFile(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(w, f)
	return err
}

func sameFile(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}
