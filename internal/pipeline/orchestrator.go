package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hbomb79/Photon/internal/event"
	"github.com/hbomb79/Photon/internal/media"
	"github.com/hbomb79/Photon/pkg/logger"
	"github.com/hbomb79/Photon/pkg/worker"
)

var (
	log = logger.Get("Orchestrator")

	ErrNotConfigured = errors.New("processor not configured")
)

type (
	Unwrapper interface {
		Unwrap(ctx context.Context, item *media.Item) *media.Result
	}

	Transcoder interface {
		Transcode(ctx context.Context, item *media.Item) *media.Result
	}

	Config struct {
		// Workers is the number of items processed concurrently. One (the
		// default) processes items sequentially.
		Workers int

		// BatchSize bounds how many remote items are listed ahead of the
		// downloads consuming them.
		BatchSize int

		MaxConcurrentDownloads int
		UseThreading           bool

		DuplicateThreshold int
	}

	Option func(*Orchestrator)

	// Orchestrator walks a directory (or a remote album listing), dispatches
	// each item to the relevant processor and folds the results in to a
	// Summary. One bad item never aborts a run.
	Orchestrator struct {
		config     Config
		events     event.EventDispatcher
		unwrapper  Unwrapper
		transcoder Transcoder
		photos     PhotosClient
	}

	itemState int

	runItem struct {
		path  string
		state itemState
	}

	// run is a single batch of local items processed by a worker pool. Workers
	// claim IDLE items under the run mutex; once the context is cancelled any
	// items still IDLE are abandoned.
	run struct {
		*sync.Mutex
		ctx       context.Context
		summary   *Summary
		events    event.EventDispatcher
		items     []*runItem
		process   func(context.Context, string) *media.Result
		completed int
		pending   sync.WaitGroup
	}
)

const (
	IDLE itemState = iota
	PROCESSING
	DONE
	ABANDONED
)

func WithUnwrapper(u Unwrapper) Option       { return func(o *Orchestrator) { o.unwrapper = u } }
func WithTranscoder(t Transcoder) Option     { return func(o *Orchestrator) { o.transcoder = t } }
func WithPhotosClient(p PhotosClient) Option { return func(o *Orchestrator) { o.photos = p } }

func New(config Config, events event.EventDispatcher, opts ...Option) *Orchestrator {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.BatchSize < 1 {
		config.BatchSize = 100
	}
	if config.MaxConcurrentDownloads < 1 {
		config.MaxConcurrentDownloads = 1
	}

	o := &Orchestrator{config: config, events: events}
	for _, opt := range opts {
		opt(o)
	}

	return o
}

// ProcessComposites unwraps every composite file found beneath the directory.
// Files of any other kind are recorded as skipped.
func (o *Orchestrator) ProcessComposites(ctx context.Context, dir string) (*Summary, error) {
	if o.unwrapper == nil {
		return nil, fmt.Errorf("%w: unwrapper", ErrNotConfigured)
	}

	return o.processDirectory(ctx, "process-heic", dir, func(ctx context.Context, path string) *media.Result {
		item, res := classify(path)
		if res != nil {
			return res
		}

		switch item.Kind {
		case media.Composite:
			return o.unwrapper.Unwrap(ctx, item)
		case media.Image, media.Video, media.Unsupported:
			return media.Skipped(item, media.StageClassify, fmt.Sprintf("%s is not a composite", item.Kind))
		default:
			return media.Skipped(item, media.StageClassify, fmt.Sprintf("unknown kind %s", item.Kind))
		}
	})
}

// Optimize transcodes every image found beneath the directory.
func (o *Orchestrator) Optimize(ctx context.Context, dir string) (*Summary, error) {
	if o.transcoder == nil {
		return nil, fmt.Errorf("%w: transcoder", ErrNotConfigured)
	}

	return o.processDirectory(ctx, "optimize", dir, func(ctx context.Context, path string) *media.Result {
		item, res := classify(path)
		if res != nil {
			return res
		}

		switch item.Kind {
		case media.Image:
			return o.transcoder.Transcode(ctx, item)
		case media.Composite, media.Video, media.Unsupported:
			return media.Skipped(item, media.StageClassify, fmt.Sprintf("%s cannot be optimized", item.Kind))
		default:
			return media.Skipped(item, media.StageClassify, fmt.Sprintf("unknown kind %s", item.Kind))
		}
	})
}

func (o *Orchestrator) processDirectory(ctx context.Context, operation string, dir string, process func(context.Context, string) *media.Result) (*Summary, error) {
	paths, err := enumerate(dir)
	if err != nil {
		return nil, err
	}

	summary := NewSummary(operation)
	o.events.Dispatch(event.RUN_STARTED, event.RunStarted{RunID: summary.RunID, Operation: operation, Total: len(paths)})
	log.Emit(logger.NEW, "Starting %s run %s over %d file(s) in %s\n", operation, summary.RunID, len(paths), dir)

	r := &run{
		Mutex:   &sync.Mutex{},
		ctx:     ctx,
		summary: summary,
		events:  o.events,
		items:   make([]*runItem, len(paths)),
		process: process,
	}
	for i, p := range paths {
		r.items[i] = &runItem{path: p, state: IDLE}
	}

	if err := r.execute(operation, o.config.Workers); err != nil {
		return nil, err
	}

	summary.finish()
	o.events.Dispatch(event.RUN_COMPLETE, summary.RunID)
	return summary, ctx.Err()
}

// execute processes every item of the run using a pool of workers, blocking
// until each item has either completed or been abandoned.
func (r *run) execute(operation string, workers int) error {
	r.pending.Add(len(r.items))

	pool := worker.NewTaskPool(operation+"-worker", workers, r.performItem)
	if err := pool.Start(); err != nil {
		return err
	}
	defer pool.Close()

	r.pending.Wait()
	log.Verbosef("Run %s drained; worker statuses: %v\n", r.summary.RunID, pool.Statuses())
	return nil
}

// performItem is the worker function for a run, which is called by the
// runs WorkerPool. It claims the first IDLE item and processes it.
func (r *run) performItem(w worker.Worker) (bool, error) {
	item := r.claimIdleItem()
	if item == nil {
		return false, nil
	}

	result := r.process(r.ctx, item.path)
	r.complete(item, result)
	return true, nil
}

// claimIdleItem returns the first IDLE item, marking it as PROCESSING. If
// the runs context has been cancelled, every IDLE item is abandoned instead
// and nil is returned.
func (r *run) claimIdleItem() *runItem {
	r.Lock()
	defer r.Unlock()

	if r.ctx.Err() != nil {
		for _, item := range r.items {
			if item.state == IDLE {
				item.state = ABANDONED
				r.pending.Done()
			}
		}

		return nil
	}

	for _, item := range r.items {
		if item.state == IDLE {
			item.state = PROCESSING
			return item
		}
	}

	return nil
}

func (r *run) complete(item *runItem, result *media.Result) {
	r.summary.Record(result)

	r.Lock()
	item.state = DONE
	r.completed++
	index := r.completed
	r.Unlock()

	progress := event.ItemProgress{
		RunID:  r.summary.RunID,
		Index:  index,
		Total:  len(r.items),
		Name:   filepath.Base(item.path),
		Status: result.Status,
		Note:   result.Note,
		Err:    result.Err,
	}
	r.events.Dispatch(event.ITEM_PROGRESS, progress)
	r.pending.Done()
}

// classify builds the media item for the path, or a FAILED result if the
// file could not be classified.
func classify(path string) (*media.Item, *media.Result) {
	item, err := media.NewItem(path)
	if err != nil {
		log.Warnf("Failed to classify %s: %v\n", path, err)
		return nil, media.Failed(&media.Item{Path: path}, media.StageClassify, err)
	}

	return item, nil
}

// enumerate walks the directory and returns the path of every regular file
// beneath it, in lexical order. Hidden files and directories (including the
// partial files left by an interrupted run) are ignored.
func enumerate(dir string) ([]string, error) {
	paths := make([]string, 0)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return &media.UnreadableFileError{Path: path, Err: err}
		}

		if path != dir && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type().IsRegular() {
			paths = append(paths, path)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return paths, nil
}
