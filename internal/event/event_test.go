package event_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/hbomb79/Photon/internal/event"
	"github.com/hbomb79/Photon/internal/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_DeliversToFunctionsAndChannels(t *testing.T) {
	bus := event.New()

	var received []event.ItemProgress
	bus.RegisterHandlerFunction(event.ITEM_PROGRESS, func(e event.Event, p event.Payload) {
		received = append(received, p.(event.ItemProgress))
	})

	ch := make(event.HandlerChannel, 2)
	bus.RegisterHandlerChannel(ch, event.RUN_STARTED, event.RUN_COMPLETE)

	runID := uuid.New()
	bus.Dispatch(event.RUN_STARTED, event.RunStarted{RunID: runID, Operation: "optimize", Total: 1})
	bus.Dispatch(event.ITEM_PROGRESS, event.ItemProgress{RunID: runID, Index: 1, Total: 1, Name: "a.jpg", Status: media.SUCCESS})
	bus.Dispatch(event.RUN_COMPLETE, runID)

	require.Len(t, received, 1)
	assert.Equal(t, "a.jpg", received[0].Name)

	started := <-ch
	assert.Equal(t, event.RUN_STARTED, started.Event)
	assert.Equal(t, 1, started.Payload.(event.RunStarted).Total)

	completed := <-ch
	assert.Equal(t, runID, completed.Payload)
}

func TestDispatch_DropsInvalidPayloads(t *testing.T) {
	bus := event.New()

	calls := 0
	handler := func(event.Event, event.Payload) { calls++ }
	bus.RegisterHandlerFunction(event.ITEM_PROGRESS, handler)
	bus.RegisterHandlerFunction(event.RUN_COMPLETE, handler)
	bus.RegisterHandlerFunction("unknown", handler)

	bus.Dispatch(event.ITEM_PROGRESS, "not a progress payload")
	bus.Dispatch(event.RUN_COMPLETE, nil)
	bus.Dispatch("unknown", uuid.New())

	assert.Zero(t, calls)
}

func TestDispatch_PreservesRegistrationOrder(t *testing.T) {
	bus := event.New()

	var order []string
	ch := make(event.HandlerChannel, 1)
	bus.RegisterHandlerFunction(event.RUN_COMPLETE, func(event.Event, event.Payload) { order = append(order, "first") })
	bus.RegisterHandlerChannel(ch, event.RUN_COMPLETE)
	bus.RegisterHandlerFunction(event.RUN_COMPLETE, func(event.Event, event.Payload) {
		require.Len(t, ch, 1, "channel subscriber should have been sent to already")
		order = append(order, "second")
	})

	bus.Dispatch(event.RUN_COMPLETE, uuid.New())
	assert.Equal(t, []string{"first", "second"}, order)
}
