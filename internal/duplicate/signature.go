package duplicate

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/corona10/goimagehash"
	"github.com/disintegration/imaging"
	"github.com/hbomb79/Photon/internal/media"
	"golang.org/x/crypto/blake2b"
	_ "golang.org/x/image/webp"
)

// Method selects how content signatures are computed and compared.
type Method int

const (
	Exact Method = iota
	Perceptual
)

const (
	DefaultThreshold = 5
	MaxThreshold     = 64
)

func (m Method) String() string {
	switch m {
	case Exact:
		return "exact"
	case Perceptual:
		return "perceptual"
	default:
		return fmt.Sprintf("UNKNOWN[%d]", int(m))
	}
}

// ParseMethod converts the configured method name in to a Method. 'hash' is
// accepted as an alias of 'exact'.
func ParseMethod(name string) (Method, error) {
	switch name {
	case "exact", "hash", "":
		return Exact, nil
	case "perceptual":
		return Perceptual, nil
	}

	return Exact, &media.InvalidParameterError{Param: "method", Value: name, Reason: "must be one of exact, perceptual"}
}

// Signature is the content fingerprint of a single file. Exactly one of the
// fields is populated, depending on the Method used to compute it.
type Signature struct {
	Digest string
	AHash  uint64
}

// ContentHash computes the BLAKE2b-256 digest of the file at the path provided.
func ContentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", &media.UnreadableFileError{Path: path, Err: err}
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(h, f); err != nil {
		return "", &media.UnreadableFileError{Path: path, Err: err}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// AverageHash computes the 64-bit average hash of the image at the path
// provided, after applying it's EXIF orientation.
func AverageHash(path string) (uint64, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return 0, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	hash, err := goimagehash.AverageHash(img)
	if err != nil {
		return 0, fmt.Errorf("failed to hash %s: %w", path, err)
	}

	return hash.GetHash(), nil
}

// Distance returns the Hamming distance between two average hashes.
func Distance(a, b uint64) int {
	// Both hashes share a kind, so Distance cannot fail.
	d, _ := goimagehash.NewImageHash(a, goimagehash.AHash).Distance(goimagehash.NewImageHash(b, goimagehash.AHash))
	return d
}
