package transcode

import (
	"errors"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Photon/internal/media"
)

// Params configures a Transcoder. Params are validated once, before any
// file is read or written.
type Params struct {
	Quality   int    `validate:"min=1,max=100"`
	MaxWidth  int    `validate:"min=0"`
	MaxHeight int    `validate:"min=0"`
	Format    string `validate:"required"`

	// OutputDir, when set, receives the outputs mirroring each input's path
	// relative to InputRoot. Otherwise outputs are written as a sibling of
	// the input named '<stem>.optimized.<ext>'.
	OutputDir string
	InputRoot string

	PreserveMetadata bool
}

var validate = validator.New()

// Validate checks the params, returning an InvalidParameterError describing
// the first problem found.
func (p Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &media.InvalidParameterError{
				Param:  paramName(fe.Field()),
				Value:  fe.Value(),
				Reason: describeTag(fe),
			}
		}

		return err
	}

	if _, err := imaging.FormatFromExtension(p.Format); err != nil {
		return &media.InvalidParameterError{Param: "format", Value: p.Format, Reason: "not an encodable image format"}
	}

	return nil
}

func paramName(field string) string {
	switch field {
	case "MaxWidth":
		return "max_width"
	case "MaxHeight":
		return "max_height"
	default:
		return strings.ToLower(field)
	}
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "required":
		return "is required"
	default:
		return fmt.Sprintf("failed '%s' validation", fe.Tag())
	}
}
