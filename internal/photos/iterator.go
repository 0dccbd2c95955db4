package photos

import "context"

// MediaItemIterator lazily pages through the media items of an album. Pages
// are only fetched when the buffered items run out, and iteration finishes
// once a page arrives without a nextPageToken.
//
//	it := client.ListMediaItems(album)
//	for it.Next(ctx) {
//		item := it.Item()
//	}
//	if err := it.Err(); err != nil { ... }
type MediaItemIterator struct {
	client  *Client
	albumID string

	buffer    []MediaItem
	current   *MediaItem
	nextToken string
	started   bool
	done      bool
	err       error
}

// Next advances the iterator, returning false when the listing is exhausted
// or a request fails. Err reports the failure, if any.
func (it *MediaItemIterator) Next(ctx context.Context) bool {
	for len(it.buffer) == 0 {
		if it.done || it.err != nil {
			it.current = nil
			return false
		}
		if it.started && it.nextToken == "" {
			it.done = true
			continue
		}

		page, err := it.client.searchMediaItems(ctx, it.albumID, it.nextToken)
		if err != nil {
			it.err = err
			continue
		}

		it.started = true
		it.buffer = page.MediaItems
		it.nextToken = page.NextPageToken
	}

	it.current = &it.buffer[0]
	it.buffer = it.buffer[1:]
	return true
}

func (it *MediaItemIterator) Item() *MediaItem { return it.current }
func (it *MediaItemIterator) Err() error       { return it.err }

// PageToken returns the token of the page which will be fetched next. It is
// empty before the first page and after the last.
func (it *MediaItemIterator) PageToken() string { return it.nextToken }

// Restart discards any buffered state and resumes the listing from the page
// token provided. An empty token restarts from the first page.
func (it *MediaItemIterator) Restart(pageToken string) {
	it.buffer = nil
	it.current = nil
	it.err = nil
	it.done = false
	it.nextToken = pageToken
	it.started = pageToken != ""
}

// Collect drains the iterator in to a slice.
func (it *MediaItemIterator) Collect(ctx context.Context) ([]MediaItem, error) {
	items := make([]MediaItem, 0)
	for it.Next(ctx) {
		items = append(items, *it.Item())
	}

	return items, it.Err()
}
