package media

import (
	"bytes"
	"errors"
	"fmt"

	exif "github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"
	jpegstructure "github.com/dsoprea/go-jpeg-image-structure/v2"
)

var ErrNotJPEG = errors.New("data is not a JPEG stream")

type exifField struct {
	name  string
	value interface{}
}

// InjectJPEG returns a copy of the JPEG stream provided carrying an EXIF
// block with the descriptive metadata, replacing any EXIF block already
// present. If there is no metadata to write, the input is returned as-is.
func (d *Descriptive) InjectJPEG(jpegData []byte) ([]byte, error) {
	if len(jpegData) < 2 || jpegData[0] != 0xFF || jpegData[1] != 0xD8 {
		return nil, ErrNotJPEG
	}
	if d.IsEmpty() {
		return jpegData, nil
	}

	parsed, err := jpegstructure.NewJpegMediaParser().ParseBytes(jpegData)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotJPEG, err)
	}
	segments, ok := parsed.(*jpegstructure.SegmentList)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected media context %T", ErrNotJPEG, parsed)
	}

	ib, err := d.ifdBuilder()
	if err != nil {
		return nil, fmt.Errorf("failed to build exif block: %w", err)
	}
	if err := segments.SetExif(ib); err != nil {
		return nil, fmt.Errorf("failed to set exif block: %w", err)
	}

	out := &bytes.Buffer{}
	if err := segments.Write(out); err != nil {
		return nil, err
	}

	return out.Bytes(), nil
}

// ifdBuilder builds the root IFD holding the fields present on the
// Descriptive. DateTimeOriginal lives in the Exif sub-IFD and GPS fields in
// the GPS sub-IFD; both are only created when they have content.
func (d *Descriptive) ifdBuilder() (*exif.IfdBuilder, error) {
	mapping, err := exifcommon.NewIfdMappingWithStandard()
	if err != nil {
		return nil, err
	}

	root := exif.NewIfdBuilder(mapping, exif.NewTagIndex(), exifcommon.IfdStandardIfdIdentity, exifcommon.EncodeDefaultByteOrder)
	if d.Orientation != 0 {
		if err := root.AddStandardWithName("Orientation", []uint16{d.Orientation}); err != nil {
			return nil, err
		}
	}
	if d.DateTime != "" {
		if err := root.AddStandardWithName("DateTime", d.DateTime); err != nil {
			return nil, err
		}
	}

	if d.DateTimeOriginal != "" {
		exifIfd, err := exif.GetOrCreateIbFromRootIb(root, "IFD/Exif")
		if err != nil {
			return nil, err
		}
		if err := exifIfd.AddStandardWithName("DateTimeOriginal", d.DateTimeOriginal); err != nil {
			return nil, err
		}
	}

	if d.GPS != nil {
		gpsIfd, err := exif.GetOrCreateIbFromRootIb(root, "IFD/GPSInfo")
		if err != nil {
			return nil, err
		}

		fields := []exifField{
			{"GPSLatitudeRef", refString(d.GPS.LatitudeRef)},
			{"GPSLatitude", rationals(d.GPS.Latitude[:]...)},
			{"GPSLongitudeRef", refString(d.GPS.LongitudeRef)},
			{"GPSLongitude", rationals(d.GPS.Longitude[:]...)},
		}
		if d.GPS.HasAltitude {
			fields = append(fields,
				exifField{"GPSAltitudeRef", []uint8{d.GPS.AltitudeRef}},
				exifField{"GPSAltitude", rationals(d.GPS.Altitude)},
			)
		}

		for _, field := range fields {
			if err := gpsIfd.AddStandardWithName(field.name, field.value); err != nil {
				return nil, fmt.Errorf("%s: %w", field.name, err)
			}
		}
	}

	return root, nil
}

func rationals(rs ...Rational) []exifcommon.Rational {
	out := make([]exifcommon.Rational, len(rs))
	for i, r := range rs {
		out[i] = exifcommon.Rational{Numerator: r.Num, Denominator: r.Den}
	}

	return out
}

func refString(ref string) string {
	if ref == "" {
		return ""
	}

	return ref[:1]
}
