package event

import (
	"sync"

	"github.com/hbomb79/Photon/pkg/logger"
)

var log = logger.Get("Events")

type (
	HandlerMethod func(Event, Payload)

	HandlerChannel chan HandlerEvent
	HandlerEvent   struct {
		Event   Event
		Payload Payload
	}

	EventDispatcher interface {
		Dispatch(Event, Payload)
	}

	EventHandler interface {
		RegisterAsyncHandlerFunction(Event, HandlerMethod)
		RegisterHandlerFunction(Event, HandlerMethod)
		RegisterHandlerChannel(HandlerChannel, ...Event)
	}

	EventCoordinator interface {
		EventDispatcher
		EventHandler
	}

	// subscriber is exactly one of a function or a channel.
	subscriber struct {
		fn      HandlerMethod
		async   bool
		channel HandlerChannel
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[Event][]subscriber
	}
)

func New() EventCoordinator {
	return &bus{subscribers: make(map[Event][]subscriber)}
}

// RegisterHandlerChannel sends a HandlerEvent on the channel for every
// dispatch of the events given. A full channel blocks the dispatcher, so
// buffer it according to how quickly it is drained.
func (b *bus) RegisterHandlerChannel(ch HandlerChannel, events ...Event) {
	for _, ev := range events {
		b.subscribe(ev, subscriber{channel: ch})
	}
}

// RegisterHandlerFunction calls the handler on the dispatching goroutine.
// Handlers must return quickly.
func (b *bus) RegisterHandlerFunction(ev Event, fn HandlerMethod) {
	b.subscribe(ev, subscriber{fn: fn})
}

// RegisterAsyncHandlerFunction calls the handler in a new goroutine for
// every dispatch, so delivery order is not guaranteed.
func (b *bus) RegisterAsyncHandlerFunction(ev Event, fn HandlerMethod) {
	b.subscribe(ev, subscriber{fn: fn, async: true})
}

func (b *bus) subscribe(ev Event, sub subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers[ev] = append(b.subscribers[ev], sub)
}

// Dispatch delivers the payload to every subscriber of the event, in the
// order they registered. Payloads of the wrong type are logged and dropped.
func (b *bus) Dispatch(ev Event, payload Payload) {
	if err := validatePayload(ev, payload); err != nil {
		log.Emit(logger.FATAL, "Dropping %s dispatch: %v\n", ev, err)
		return
	}

	b.mu.RLock()
	subs := append([]subscriber(nil), b.subscribers[ev]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		switch {
		case sub.channel != nil:
			sub.channel <- HandlerEvent{ev, payload}
		case sub.async:
			go sub.fn(ev, payload)
		default:
			sub.fn(ev, payload)
		}
	}
}
