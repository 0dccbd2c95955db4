package photos

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

type (
	Album struct {
		ID              string `json:"id"`
		Title           string `json:"title"`
		ProductURL      string `json:"productUrl"`
		MediaItemsCount int64  `json:"mediaItemsCount,string"`
		CoverPhotoURL   string `json:"coverPhotoBaseUrl"`
	}

	// MediaItem is a single photo or video in the remote library. The
	// BaseURL is only valid for roughly an hour after it was listed.
	MediaItem struct {
		ID          string
		Description string
		ProductURL  string
		BaseURL     string
		MimeType    string
		Filename    string
		Metadata    MediaMetadata
	}

	MediaMetadata struct {
		CreationTime time.Time      `mapstructure:"creationTime"`
		Width        int            `mapstructure:"width"`
		Height       int            `mapstructure:"height"`
		Photo        *PhotoMetadata `mapstructure:"photo"`
		Video        *VideoMetadata `mapstructure:"video"`
	}

	PhotoMetadata struct {
		CameraMake      string  `mapstructure:"cameraMake"`
		CameraModel     string  `mapstructure:"cameraModel"`
		FocalLength     float64 `mapstructure:"focalLength"`
		ApertureFNumber float64 `mapstructure:"apertureFNumber"`
		IsoEquivalent   int     `mapstructure:"isoEquivalent"`
	}

	VideoMetadata struct {
		CameraMake  string  `mapstructure:"cameraMake"`
		CameraModel string  `mapstructure:"cameraModel"`
		Fps         float64 `mapstructure:"fps"`
		Status      string  `mapstructure:"status"`
	}

	mediaItemJSON struct {
		ID            string                 `json:"id"`
		Description   string                 `json:"description"`
		ProductURL    string                 `json:"productUrl"`
		BaseURL       string                 `json:"baseUrl"`
		MimeType      string                 `json:"mimeType"`
		Filename      string                 `json:"filename"`
		MediaMetadata map[string]interface{} `json:"mediaMetadata"`
	}

	albumsPage struct {
		Albums        []Album `json:"albums"`
		NextPageToken string  `json:"nextPageToken"`
	}

	mediaItemsPage struct {
		MediaItems    []MediaItem `json:"mediaItems"`
		NextPageToken string      `json:"nextPageToken"`
	}

	searchRequest struct {
		AlbumID   string `json:"albumId"`
		PageSize  int    `json:"pageSize"`
		PageToken string `json:"pageToken,omitempty"`
	}
)

// UnmarshalJSON decodes the item, weakly decoding the mediaMetadata object
// as the API encodes numeric dimensions as strings.
func (item *MediaItem) UnmarshalJSON(data []byte) error {
	var raw mediaItemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*item = MediaItem{
		ID:          raw.ID,
		Description: raw.Description,
		ProductURL:  raw.ProductURL,
		BaseURL:     raw.BaseURL,
		MimeType:    raw.MimeType,
		Filename:    raw.Filename,
	}

	if raw.MediaMetadata == nil {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339),
		WeaklyTypedInput: true,
		Result:           &item.Metadata,
	})
	if err != nil {
		return err
	}

	if err := decoder.Decode(raw.MediaMetadata); err != nil {
		return fmt.Errorf("failed to decode metadata for media item %s: %w", raw.ID, err)
	}

	return nil
}

// IsVideo returns true if the item is a video. Videos must be downloaded
// using the 'dv' URL parameter.
func (item *MediaItem) IsVideo() bool {
	return item.Metadata.Video != nil || strings.HasPrefix(item.MimeType, "video/")
}

// DownloadURL returns the URL which serves the original bytes of the item.
func (item *MediaItem) DownloadURL() string {
	if item.IsVideo() {
		return item.BaseURL + "=dv"
	}

	return item.BaseURL + "=d"
}

type (
	// RequestError is returned when the API responds with a non-OK status
	// that is not retried (or the retries for which are exhausted).
	RequestError struct {
		Status int
		Body   string
	}

	// AlbumNotFoundError is returned by FindAlbum when no album title
	// matches. The closest titles are offered as suggestions.
	AlbumNotFoundError struct {
		Name        string
		Suggestions []string
	}
)

func (err *RequestError) Error() string {
	return fmt.Sprintf("request failure (HTTP %d): %s", err.Status, err.Body)
}

func (err *AlbumNotFoundError) Error() string {
	if len(err.Suggestions) == 0 {
		return fmt.Sprintf("album %q not found", err.Name)
	}

	return fmt.Sprintf("album %q not found (did you mean: %s?)", err.Name, strings.Join(err.Suggestions, ", "))
}
