// Package event carries progress notifications from the pipeline to whoever
// is rendering them.
package event

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/hbomb79/Photon/internal/media"
)

type (
	Event   string
	Payload any

	// RunStarted is the payload of RUN_STARTED. Total is the number of
	// items the run will consider.
	RunStarted struct {
		RunID     uuid.UUID
		Operation string
		Total     int
	}

	// ItemProgress is the payload of ITEM_PROGRESS, dispatched once an item
	// has been processed. Index is one-based.
	ItemProgress struct {
		RunID  uuid.UUID
		Index  int
		Total  int
		Name   string
		Status media.Status
		Note   string
		Err    error
	}

	payloadCheck func(Payload) error
)

const (
	RUN_STARTED   Event = "run:started"
	ITEM_PROGRESS Event = "run:item:progress"
	RUN_COMPLETE  Event = "run:complete"
)

// payloadChecks maps each known event to the check its payload must pass
// before any handler sees it.
var payloadChecks = map[Event]payloadCheck{
	RUN_STARTED:   expect[RunStarted],
	ITEM_PROGRESS: expect[ItemProgress],
	RUN_COMPLETE:  expect[uuid.UUID],
}

func expect[T any](payload Payload) error {
	if _, ok := payload.(T); !ok {
		var want T
		return fmt.Errorf("illegal payload %T, expected %T", payload, want)
	}

	return nil
}

func validatePayload(event Event, payload Payload) error {
	check, ok := payloadChecks[event]
	if !ok {
		return fmt.Errorf("event %q is not recognized", event)
	}

	return check(payload)
}
