package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hbomb79/Photon/internal/event"
	"github.com/hbomb79/Photon/internal/media"
	"github.com/hbomb79/Photon/internal/photos"
	"github.com/hbomb79/Photon/pkg/logger"
	"golang.org/x/sync/errgroup"
)

type PhotosClient interface {
	FindAlbum(ctx context.Context, name string) (*photos.Album, error)
	ListMediaItems(album *photos.Album) *photos.MediaItemIterator
	Download(ctx context.Context, item *photos.MediaItem, destPath string) (int64, error)
}

// DownloadAlbum downloads every media item of the named album in to the
// destination directory. The listing is consumed lazily in batches of
// BatchSize; each batch is downloaded concurrently (bounded by
// MaxConcurrentDownloads) before the next is fetched. Items which already
// exist at their destination are skipped.
//
// A failure to find the album, or to list it's contents, is returned as an
// error. Failures to download individual items are recorded in the summary.
func (o *Orchestrator) DownloadAlbum(ctx context.Context, albumName string, dest string) (*Summary, error) {
	if o.photos == nil {
		return nil, fmt.Errorf("%w: photos client", ErrNotConfigured)
	}

	album, err := o.photos.FindAlbum(ctx, albumName)
	if err != nil {
		return nil, err
	}

	total := int(album.MediaItemsCount)
	summary := NewSummary("download")
	o.events.Dispatch(event.RUN_STARTED, event.RunStarted{RunID: summary.RunID, Operation: summary.Operation, Total: total})
	log.Emit(logger.NEW, "Downloading album %q (%d item(s)) to %s\n", album.Title, total, dest)

	limit := o.config.MaxConcurrentDownloads
	if !o.config.UseThreading {
		limit = 1
	}

	var (
		mu    sync.Mutex
		index int
	)
	report := func(result *media.Result, name string) {
		summary.Record(result)

		mu.Lock()
		index++
		progress := event.ItemProgress{
			RunID:  summary.RunID,
			Index:  index,
			Total:  max(total, index),
			Name:   name,
			Status: result.Status,
			Note:   result.Note,
			Err:    result.Err,
		}
		mu.Unlock()

		o.events.Dispatch(event.ITEM_PROGRESS, progress)
	}

	it := o.photos.ListMediaItems(album)
	batch := make([]photos.MediaItem, 0, o.config.BatchSize)
	for {
		batch = batch[:0]
		for len(batch) < o.config.BatchSize && ctx.Err() == nil && it.Next(ctx) {
			batch = append(batch, *it.Item())
		}
		if len(batch) == 0 {
			break
		}

		group := &errgroup.Group{}
		group.SetLimit(limit)
		for i := range batch {
			item := batch[i]
			group.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}

				report(o.downloadItem(ctx, album, &item, dest), item.Filename)
				return nil
			})
		}

		// Items are never failed via the group, so there is nothing to return.
		_ = group.Wait()
	}

	summary.finish()
	o.events.Dispatch(event.RUN_COMPLETE, summary.RunID)

	if err := it.Err(); err != nil {
		return summary, fmt.Errorf("listing album %q: %w", album.Title, err)
	}

	return summary, ctx.Err()
}

func (o *Orchestrator) downloadItem(ctx context.Context, album *photos.Album, item *photos.MediaItem, dest string) *media.Result {
	path := photos.DestinationPath(dest, album.Title, item)
	mediaItem := &media.Item{Path: path, Kind: media.Image, CreatedAt: item.Metadata.CreationTime}
	if item.IsVideo() {
		mediaItem.Kind = media.Video
	}

	n, err := o.photos.Download(ctx, item, path)
	if errors.Is(err, photos.ErrAlreadyDownloaded) {
		return media.Skipped(mediaItem, media.StageDownload, "already downloaded")
	} else if err != nil {
		log.Warnf("Failed to download %s: %v\n", item.Filename, err)
		return media.Failed(mediaItem, media.StageDownload, err)
	}

	mediaItem.Size = n
	res := media.Succeeded(mediaItem, media.StageDownload, path)
	res.SizeAfter = n
	return res
}
