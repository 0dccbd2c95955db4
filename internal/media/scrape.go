package media

import (
	"os"
	"time"
)

// NewItem classifies the file at the path provided and derives the
// attributes of the resulting Item. The creation timestamp is taken from
// the EXIF capture time where available, falling back to the file
// modification time.
func NewItem(path string) (*Item, error) {
	kind, err := Classify(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, &UnreadableFileError{Path: path, Err: err}
	}

	return &Item{
		Path:      path,
		Kind:      kind,
		Size:      info.Size(),
		CreatedAt: scrapeCreationTime(path, kind, info.ModTime()),
	}, nil
}

func scrapeCreationTime(path string, kind Kind, fallback time.Time) time.Time {
	switch kind {
	case Image, Composite:
		if desc, err := ReadDescriptiveFile(path); err == nil {
			if t, ok := desc.CaptureTime(); ok {
				return t
			}
		}
	case Video, Unsupported:
	}

	return fallback
}
