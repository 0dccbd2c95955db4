package cli

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"
	"github.com/hbomb79/Photon/internal/event"
	"github.com/hbomb79/Photon/internal/media"
)

var (
	successColor = color.New(color.FgHiGreen)
	skippedColor = color.New(color.FgYellow)
	failedColor  = color.New(color.FgHiRed, color.Bold)
)

// progressRenderer prints a '[n/total] name' line for every item the
// Orchestrator completes.
type progressRenderer struct {
	*sync.Mutex
	out io.Writer
}

func newProgressRenderer(out io.Writer) *progressRenderer {
	return &progressRenderer{Mutex: &sync.Mutex{}, out: out}
}

// Register attaches the renderer to the event bus. Handlers are synchronous
// so that every line is printed before the run's summary.
func (renderer *progressRenderer) Register(bus event.EventHandler) {
	bus.RegisterHandlerFunction(event.RUN_STARTED, renderer.handleEvent)
	bus.RegisterHandlerFunction(event.ITEM_PROGRESS, renderer.handleEvent)
}

func (renderer *progressRenderer) handleEvent(ev event.Event, payload event.Payload) {
	renderer.Lock()
	defer renderer.Unlock()

	switch ev {
	case event.RUN_STARTED:
		started := payload.(event.RunStarted)
		fmt.Fprintf(renderer.out, "Starting %s (%d item(s))\n", started.Operation, started.Total)
	case event.ITEM_PROGRESS:
		progress := payload.(event.ItemProgress)
		fmt.Fprintf(renderer.out, "[%d/%d] %s %s\n", progress.Index, progress.Total, progress.Name, describe(progress))
	}
}

func describe(progress event.ItemProgress) string {
	switch progress.Status {
	case media.SUCCESS:
		if progress.Note != "" {
			return successColor.Sprintf("ok (%s)", progress.Note)
		}
		return successColor.Sprint("ok")
	case media.SKIPPED:
		return skippedColor.Sprintf("skipped (%s)", progress.Note)
	case media.FAILED:
		return failedColor.Sprintf("failed: %v", progress.Err)
	default:
		return progress.Status.String()
	}
}
