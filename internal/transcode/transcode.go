package transcode

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/hbomb79/Photon/internal/media"
	"github.com/hbomb79/Photon/pkg/logger"
	gbytes "github.com/labstack/gommon/bytes"
	_ "golang.org/x/image/webp"
)

var log = logger.Get("Transcoder")

const siblingSuffix = ".optimized"

// Transcoder applies a size/quality transform to images, writing the
// result alongside (or mirrored beneath an output directory) and reporting
// the byte size before and after.
type Transcoder struct {
	params Params
	format imaging.Format
	ext    string
}

// New validates the params provided and returns a Transcoder. Invalid params
// result in an InvalidParameterError; no file I/O is performed.
func New(params Params) (*Transcoder, error) {
	params.Format = strings.ToLower(strings.TrimPrefix(params.Format, "."))
	if err := params.Validate(); err != nil {
		return nil, err
	}

	format, _ := imaging.FormatFromExtension(params.Format)
	return &Transcoder{params: params, format: format, ext: params.Format}, nil
}

// OutputPath returns the path the transcoded form of 'inputPath' will be
// written to. The returned path never equals the input path.
func (t *Transcoder) OutputPath(inputPath string) string {
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	sibling := filepath.Join(filepath.Dir(inputPath), stem+siblingSuffix+"."+t.ext)
	if t.params.OutputDir == "" {
		return sibling
	}

	relDir := ""
	if t.params.InputRoot != "" {
		if rel, err := filepath.Rel(t.params.InputRoot, filepath.Dir(inputPath)); err == nil && !strings.HasPrefix(rel, "..") {
			relDir = rel
		}
	}

	out := filepath.Join(t.params.OutputDir, relDir, stem+"."+t.ext)
	if abs(out) == abs(inputPath) {
		return sibling
	}

	return out
}

// IsSiblingOutput reports whether the path names a file written by a
// Transcoder without an output directory.
func IsSiblingOutput(path string) bool {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.HasSuffix(stem, siblingSuffix)
}

// Transcode decodes the image item provided, applies the EXIF orientation,
// downscales it to fit within the configured bounds (never upscaling) and
// encodes it in the target format. The input file is never modified.
func (t *Transcoder) Transcode(ctx context.Context, item *media.Item) *media.Result {
	switch item.Kind {
	case media.Image:
	case media.Composite, media.Video, media.Unsupported:
		return media.Skipped(item, media.StageTranscode, fmt.Sprintf("cannot optimize %s item", item.Kind))
	}
	if IsSiblingOutput(item.Path) {
		return media.Skipped(item, media.StageTranscode, "already an optimized output")
	}

	if err := ctx.Err(); err != nil {
		return media.Failed(item, media.StageTranscode, err)
	}

	data, err := os.ReadFile(item.Path)
	if err != nil {
		return media.Failed(item, media.StageTranscode, &media.UnreadableFileError{Path: item.Path, Err: err})
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return media.Failed(item, media.StageTranscode, fmt.Errorf("failed to decode image: %w", err))
	}

	srcBounds := img.Bounds()
	img = t.fit(img)
	encoded, err := t.encode(img, data)
	if err != nil {
		return media.Failed(item, media.StageTranscode, err)
	}

	outputPath := t.OutputPath(item.Path)
	if err := media.RemovePartial(outputPath); err != nil {
		return media.Failed(item, media.StageTranscode, err)
	}
	if err := media.WriteFileAtomic(outputPath, encoded); err != nil {
		return media.Failed(item, media.StageTranscode, err)
	}

	result := media.Succeeded(item, media.StageTranscode, outputPath)
	result.SizeBefore = int64(len(data))
	result.SizeAfter = int64(len(encoded))
	if result.SizeAfter > result.SizeBefore {
		result.Note = "optimized output is larger than the original"
		log.Warnf("Optimized %s is larger than the original (%s -> %s)\n", item.Path, gbytes.Format(result.SizeBefore), gbytes.Format(result.SizeAfter))
	}

	log.Emit(logger.SUCCESS, "Optimized %s (%dx%d -> %dx%d, %s -> %s)\n",
		item.Path, srcBounds.Dx(), srcBounds.Dy(), img.Bounds().Dx(), img.Bounds().Dy(),
		gbytes.Format(result.SizeBefore), gbytes.Format(result.SizeAfter))
	return result
}

// fit downscales the image using Lanczos resampling so that neither bound is
// exceeded. A zero bound leaves that axis unconstrained.
func (t *Transcoder) fit(img image.Image) image.Image {
	b := img.Bounds()
	maxW, maxH := t.params.MaxWidth, t.params.MaxHeight
	if maxW == 0 {
		maxW = b.Dx()
	}
	if maxH == 0 {
		maxH = b.Dy()
	}

	if b.Dx() <= maxW && b.Dy() <= maxH {
		return img
	}

	return imaging.Fit(img, maxW, maxH, imaging.Lanczos)
}

func (t *Transcoder) encode(img image.Image, source []byte) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, t.format, imaging.JPEGQuality(t.params.Quality)); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	if t.format != imaging.JPEG || !t.params.PreserveMetadata {
		return buf.Bytes(), nil
	}

	desc := media.ReadDescriptive(bytes.NewReader(source))

	// Orientation has already been applied to the pixels
	desc.Orientation = 0
	if desc.IsEmpty() {
		return buf.Bytes(), nil
	}

	return desc.InjectJPEG(buf.Bytes())
}

func abs(path string) string {
	if a, err := filepath.Abs(path); err == nil {
		return a
	}

	return path
}
