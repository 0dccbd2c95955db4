package media

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hbomb79/Photon/pkg/logger"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
)

const exifDateLayout = "2006:01:02 15:04:05"

type (
	Rational struct{ Num, Den uint32 }

	GPSInfo struct {
		LatitudeRef  string
		Latitude     [3]Rational
		LongitudeRef string
		Longitude    [3]Rational

		HasAltitude bool
		AltitudeRef byte
		Altitude    Rational
	}

	// Descriptive is the subset of EXIF metadata which is carried across
	// when Photon re-encodes an image: timestamps, orientation and
	// geolocation. Zero values mean the field was absent in the source.
	Descriptive struct {
		DateTimeOriginal string
		DateTime         string
		Orientation      uint16
		GPS              *GPSInfo
	}
)

// IsEmpty returns true if none of the descriptive fields are present.
func (d *Descriptive) IsEmpty() bool {
	return d == nil || (d.DateTimeOriginal == "" && d.DateTime == "" && d.Orientation == 0 && d.GPS == nil)
}

// CaptureTime parses DateTimeOriginal, falling back to DateTime.
func (d *Descriptive) CaptureTime() (time.Time, bool) {
	if d == nil {
		return time.Time{}, false
	}

	value := d.DateTimeOriginal
	if value == "" {
		value = d.DateTime
	}
	if value == "" {
		return time.Time{}, false
	}

	t, err := time.ParseInLocation(exifDateLayout, value, time.Local)
	if err != nil {
		return time.Time{}, false
	}

	return t, true
}

// ReadDescriptive extracts the descriptive metadata from the EXIF block of the
// image stream provided (JPEG or raw TIFF). Streams without a decodable EXIF
// block yield an empty Descriptive. Fields which are present but malformed
// are dropped individually.
func ReadDescriptive(r io.Reader) *Descriptive {
	out := &Descriptive{}
	x, err := exif.Decode(r)
	if err != nil && (x == nil || exif.IsCriticalError(err)) {
		log.Emit(logger.VERBOSE, "No usable EXIF block found: %v\n", err)
		return out
	}

	if v, err := stringTag(x, exif.DateTimeOriginal); err == nil {
		out.DateTimeOriginal = v
	}
	if v, err := stringTag(x, exif.DateTime); err == nil {
		out.DateTime = v
	}

	if tag, err := x.Get(exif.Orientation); err == nil {
		if v, err := tag.Int(0); err == nil && v >= 1 && v <= 8 {
			out.Orientation = uint16(v)
		}
	}

	out.GPS = readGPS(x)
	return out
}

// ReadDescriptiveFile is a convenience wrapper around ReadDescriptive.
func ReadDescriptiveFile(path string) (*Descriptive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &UnreadableFileError{Path: path, Err: err}
	}
	defer f.Close()

	return ReadDescriptive(f), nil
}

func readGPS(x *exif.Exif) *GPSInfo {
	latRef, errLatRef := stringTag(x, exif.GPSLatitudeRef)
	lat, errLat := rationalTriple(x, exif.GPSLatitude)
	lonRef, errLonRef := stringTag(x, exif.GPSLongitudeRef)
	lon, errLon := rationalTriple(x, exif.GPSLongitude)
	if errLatRef != nil || errLat != nil || errLonRef != nil || errLon != nil {
		return nil
	}

	gps := &GPSInfo{LatitudeRef: latRef, Latitude: lat, LongitudeRef: lonRef, Longitude: lon}
	if tag, err := x.Get(exif.GPSAltitude); err == nil {
		if num, den, err := tag.Rat2(0); err == nil {
			gps.HasAltitude = true
			gps.Altitude = Rational{uint32(num), uint32(den)}

			if refTag, err := x.Get(exif.GPSAltitudeRef); err == nil {
				if ref, err := refTag.Int(0); err == nil {
					gps.AltitudeRef = byte(ref)
				}
			}
		}
	}

	return gps
}

func stringTag(x *exif.Exif, name exif.FieldName) (string, error) {
	tag, err := x.Get(name)
	if err != nil {
		return "", err
	}

	v, err := tag.StringVal()
	return trimNul(v), err
}

func rationalTriple(x *exif.Exif, name exif.FieldName) ([3]Rational, error) {
	var out [3]Rational
	tag, err := x.Get(name)
	if err != nil {
		return out, err
	}
	if tag.Count != 3 || tag.Format() != tiff.RatVal {
		return out, fmt.Errorf("tag %s is not a rational triple", name)
	}

	for i := 0; i < 3; i++ {
		num, den, err := tag.Rat2(i)
		if err != nil {
			return out, err
		}
		out[i] = Rational{uint32(num), uint32(den)}
	}

	return out, nil
}

func trimNul(s string) string {
	return string(bytes.TrimRight([]byte(s), "\x00 "))
}
