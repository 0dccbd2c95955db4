package media

import (
	"bytes"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hbomb79/Photon/pkg/logger"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var log = logger.Get("Classifier")

// headSniffLength is the number of leading bytes inspected when the file
// extension alone cannot determine the kind. JPEG XMP packets live in an
// APP1 segment near the start of the file, but may follow a large EXIF
// segment containing a thumbnail.
const headSniffLength = 256 * 1024

var (
	extensionKinds = map[string]Kind{
		".heic": Composite,
		".heif": Composite,
		".png":  Image,
		".bmp":  Image,
		".gif":  Image,
		".tif":  Image,
		".tiff": Image,
		".webp": Image,
		".mp4":  Video,
		".mov":  Video,
		".m4v":  Video,
		".3gp":  Video,
		".avi":  Video,
	}

	// JPEGs may carry an embedded motion clip, so their extension is
	// not enough to classify them.
	ambiguousExtensions = map[string]bool{
		".jpg":  true,
		".jpeg": true,
	}

	motionPhotoMarker = regexp.MustCompile(`(MotionPhoto|MicroVideo)\s*(=|>)|Container:Directory`)
)

// Classify determines the Kind of the file at the path provided. The file
// extension is consulted first, falling back to inspecting the leading
// bytes of the file when the extension is ambiguous or unknown.
//
// An UnreadableFileError is returned if the path cannot be opened. Formats
// which are not supported are never an error, instead 'Unsupported' is
// returned and the caller may decide what to do.
func Classify(path string) (Kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return Unsupported, &UnreadableFileError{Path: path, Err: err}
	}
	defer f.Close()

	if info, err := f.Stat(); err != nil {
		return Unsupported, &UnreadableFileError{Path: path, Err: err}
	} else if info.IsDir() {
		return Unsupported, nil
	}

	ext := strings.ToLower(filepath.Ext(path))
	if kind, ok := extensionKinds[ext]; ok {
		return kind, nil
	}

	head := make([]byte, headSniffLength)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return Unsupported, &UnreadableFileError{Path: path, Err: err}
	}
	head = head[:n]

	if ambiguousExtensions[ext] {
		if isJPEG(head) {
			return classifyJPEG(head), nil
		}

		log.Emit(logger.DEBUG, "File %s has a JPEG extension but does not contain JPEG data, sniffing content\n", path)
	}

	return classifyContent(head), nil
}

func classifyJPEG(head []byte) Kind {
	if motionPhotoMarker.Match(head) {
		return Composite
	}

	return Image
}

func classifyContent(head []byte) Kind {
	if len(head) == 0 {
		return Unsupported
	}

	mime := mimetype.Detect(head)
	switch {
	case mime.Is("image/jpeg"):
		return classifyJPEG(head)
	case mime.Is("image/heic"), mime.Is("image/heic-sequence"), mime.Is("image/heif"), mime.Is("image/heif-sequence"):
		return Composite
	case strings.HasPrefix(mime.String(), "image/"):
		if decodable(head) {
			return Image
		}
		return Unsupported
	case strings.HasPrefix(mime.String(), "video/"):
		return Video
	}

	return Unsupported
}

func isJPEG(head []byte) bool {
	return bytes.HasPrefix(head, []byte{0xFF, 0xD8, 0xFF})
}

// decodable reports whether a registered image decoder accepts the header of
// the image. Only the header is read, so a partial head is enough.
func decodable(head []byte) bool {
	_, _, err := image.DecodeConfig(bytes.NewReader(head))
	return err == nil
}
