package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hbomb79/Photon/internal/duplicate"
	"github.com/hbomb79/Photon/internal/event"
	"github.com/hbomb79/Photon/internal/media"
	"github.com/hbomb79/Photon/pkg/logger"
)

type (
	// RemovalMode controls what FindDuplicates does with the groups it finds.
	RemovalMode int

	DuplicateReport struct {
		// Scan holds a result for every file considered while grouping.
		Scan *Summary

		// Removal is nil unless removal was requested.
		Removal *Summary

		Groups []*duplicate.Group
		Stats  duplicate.Stats

		// Unconfirmed holds the confirmation error of every group which was
		// not removed because removal was not forced.
		Unconfirmed []*media.ConfirmationRequiredError
	}
)

const (
	ReportOnly RemovalMode = iota
	RemoveConfirmed
	RemoveForced
)

// FindDuplicates classifies every file beneath the directory and groups them
// using the detection method provided. Depending on the removal mode, the
// non-keeper members of each group are then removed; without force, every
// group instead yields a ConfirmationRequiredError and nothing is touched.
func (o *Orchestrator) FindDuplicates(ctx context.Context, dir string, method duplicate.Method, mode RemovalMode) (*DuplicateReport, error) {
	scanner, err := duplicate.NewScanner(method, o.config.DuplicateThreshold)
	if err != nil {
		return nil, err
	}

	paths, err := enumerate(dir)
	if err != nil {
		return nil, err
	}

	summary := NewSummary(fmt.Sprintf("duplicates (%s)", method))
	o.events.Dispatch(event.RUN_STARTED, event.RunStarted{RunID: summary.RunID, Operation: summary.Operation, Total: len(paths)})
	log.Emit(logger.NEW, "Scanning %d file(s) in %s for %s duplicates\n", len(paths), dir, method)

	items := make([]*media.Item, 0, len(paths))
	index := 0
	report := func(result *media.Result) {
		index++
		summary.Record(result)
		o.events.Dispatch(event.ITEM_PROGRESS, event.ItemProgress{
			RunID:  summary.RunID,
			Index:  index,
			Total:  len(paths),
			Name:   filepath.Base(result.Item.Path),
			Status: result.Status,
			Note:   result.Note,
			Err:    result.Err,
		})
	}

	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}

		item, res := classify(path)
		if res != nil {
			report(res)
			continue
		}
		items = append(items, item)
	}

	groups, results := scanner.Scan(ctx, items)
	excluded := make(map[string]struct{}, len(results))
	for _, res := range results {
		excluded[res.Item.Path] = struct{}{}
		report(res)
	}

	membership := make(map[string]*duplicate.Group)
	for _, g := range groups {
		for _, m := range g.Members {
			membership[m.Path] = g
		}
	}

	for _, item := range items {
		if _, ok := excluded[item.Path]; ok {
			continue
		}

		// Items never reached before cancellation have no signature
		if _, ok := scanner.Signature(item.Path); !ok {
			continue
		}

		res := media.Succeeded(item, media.StageHash)
		if g, ok := membership[item.Path]; ok && g.Keeper != item {
			res.Note = fmt.Sprintf("duplicate of %s", filepath.Base(g.Keeper.Path))
		}
		report(res)
	}

	summary.finish()
	o.events.Dispatch(event.RUN_COMPLETE, summary.RunID)

	out := &DuplicateReport{Scan: summary, Groups: groups, Stats: duplicate.ComputeStats(groups)}
	if mode == ReportOnly || ctx.Err() != nil {
		return out, ctx.Err()
	}

	out.Removal = NewSummary("remove duplicates")
	for _, g := range groups {
		removed, err := duplicate.Remove(g, mode == RemoveForced)

		var confirm *media.ConfirmationRequiredError
		if errors.As(err, &confirm) {
			out.Unconfirmed = append(out.Unconfirmed, confirm)
			continue
		} else if err != nil {
			log.Warnf("Failed to remove some duplicates of %s: %v\n", g.Keeper.Path, err)
		}

		for _, res := range removed {
			out.Removal.Record(res)
		}
	}
	out.Removal.finish()

	return out, nil
}
