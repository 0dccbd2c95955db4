package photos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"github.com/hbomb79/Photon/pkg/logger"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://photoslibrary.googleapis.com/v1"

	albumsPageSize     = 50
	mediaItemsPageSize = 100
	maxSuggestions     = 3
	suggestionCutoff   = 0.7
	errorBodyLimit     = 4096
)

var log = logger.Get("PhotosAPI")

type (
	Options struct {
		// BaseURL of the Photos Library API. Defaults to DefaultBaseURL.
		BaseURL           string
		RequestsPerSecond int
		MaxAttempts       int
		RequestTimeout    time.Duration
		InitialBackoff    time.Duration
	}

	// Client is a read-only client for the Google Photos Library API. The
	// http.Client provided is expected to attach (and refresh) the OAuth2
	// credentials for each request.
	Client struct {
		http    *http.Client
		options Options
		limiter *rate.Limiter
	}
)

func NewClient(httpClient *http.Client, options Options) *Client {
	if options.BaseURL == "" {
		options.BaseURL = DefaultBaseURL
	}
	if options.RequestsPerSecond <= 0 {
		options.RequestsPerSecond = 5
	}
	if options.MaxAttempts <= 0 {
		options.MaxAttempts = 5
	}
	if options.RequestTimeout <= 0 {
		options.RequestTimeout = 60 * time.Second
	}
	if options.InitialBackoff <= 0 {
		options.InitialBackoff = 500 * time.Millisecond
	}

	return &Client{
		http:    httpClient,
		options: options,
		limiter: rate.NewLimiter(rate.Limit(options.RequestsPerSecond), options.RequestsPerSecond),
	}
}

// ListAlbums returns every album in the users library, following the
// pagination tokens until the listing is exhausted.
func (client *Client) ListAlbums(ctx context.Context) ([]Album, error) {
	albums := make([]Album, 0)
	token := ""
	for {
		query := url.Values{"pageSize": {fmt.Sprint(albumsPageSize)}}
		if token != "" {
			query.Set("pageToken", token)
		}

		var page albumsPage
		if err := client.getJSON(ctx, client.options.BaseURL+"/albums?"+query.Encode(), &page); err != nil {
			return nil, err
		}

		albums = append(albums, page.Albums...)
		if page.NextPageToken == "" {
			break
		}
		token = page.NextPageToken
	}

	log.Debugf("Listed %d album(s)\n", len(albums))
	return albums, nil
}

// FindAlbum returns the album whose title matches the name provided
// (case-insensitive). If no album matches, an AlbumNotFoundError is returned
// which carries the most similar album titles.
func (client *Client) FindAlbum(ctx context.Context, name string) (*Album, error) {
	albums, err := client.ListAlbums(ctx)
	if err != nil {
		return nil, err
	}

	for _, album := range albums {
		if strings.EqualFold(album.Title, name) {
			return &album, nil
		}
	}

	return nil, &AlbumNotFoundError{Name: name, Suggestions: suggestTitles(albums, name)}
}

// ListMediaItems returns a lazy iterator over the items in the album. No
// request is made until the iterator is advanced.
func (client *Client) ListMediaItems(album *Album) *MediaItemIterator {
	return &MediaItemIterator{client: client, albumID: album.ID}
}

func (client *Client) searchMediaItems(ctx context.Context, albumID string, pageToken string) (*mediaItemsPage, error) {
	body, err := json.Marshal(searchRequest{AlbumID: albumID, PageSize: mediaItemsPageSize, PageToken: pageToken})
	if err != nil {
		return nil, err
	}

	var page mediaItemsPage
	err = client.do(ctx,
		func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.options.BaseURL+"/mediaItems:search", bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		},
		func(resp *http.Response) error { return decodeJSON(resp, &page) },
	)
	if err != nil {
		return nil, err
	}

	return &page, nil
}

func (client *Client) getJSON(ctx context.Context, urlPath string, target interface{}) error {
	return client.do(ctx,
		func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, urlPath, nil)
		},
		func(resp *http.Response) error { return decodeJSON(resp, target) },
	)
}

// do performs the request built by newRequest, handing any OK response to
// handle. Requests are rate limited, bounded by the configured timeout and
// retried (via a RetryState) when they fail with a 429, a 5xx or a transport
// error.
func (client *Client) do(ctx context.Context, newRequest func(context.Context) (*http.Request, error), handle func(*http.Response) error) error {
	state := NewRetryState(client.options.MaxAttempts, newExponentialBackOff(client.options.InitialBackoff))
	for {
		if err := state.Begin(); err != nil {
			return err
		}

		retryable, err := client.attempt(ctx, newRequest, handle)
		if err == nil {
			state.Succeed()
			return nil
		}

		wait, again := state.Fail(err, retryable)
		if !again {
			return state.Err()
		}

		log.Warnf("Request attempt %d failed, retrying in %s: %v\n", state.Attempt(), wait, err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (client *Client) attempt(ctx context.Context, newRequest func(context.Context) (*http.Request, error), handle func(*http.Response) error) (bool, error) {
	if err := client.limiter.Wait(ctx); err != nil {
		return false, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, client.options.RequestTimeout)
	defer cancel()

	req, err := newRequest(reqCtx)
	if err != nil {
		return false, err
	}

	resp, err := client.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		return true, fmt.Errorf("failed to perform %s(%s): %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return isRetryableStatus(resp.StatusCode), &RequestError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := handle(resp); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		// A connection dropped mid-body surfaces here.
		var netErr interface{ Timeout() bool }
		return errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF), err
	}

	return false, nil
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func decodeJSON(resp *http.Response, target interface{}) error {
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("response JSON could not be unmarshalled: %w", err)
	}

	return nil
}

// suggestTitles returns up to three album titles most similar to the name
// provided, ordered best first. Titles that are not reasonably similar are
// not suggested.
func suggestTitles(albums []Album, name string) []string {
	type scored struct {
		title string
		score float64
	}

	metric := metrics.NewJaroWinkler()
	metric.CaseSensitive = false

	candidates := make([]scored, 0, len(albums))
	for _, album := range albums {
		score := strutil.Similarity(album.Title, name, metric)
		if score >= suggestionCutoff {
			candidates = append(candidates, scored{album.Title, score})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })

	out := make([]string, 0, maxSuggestions)
	for i := 0; i < len(candidates) && i < maxSuggestions; i++ {
		out = append(out, candidates[i].title)
	}

	return out
}
