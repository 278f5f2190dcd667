package gwclient

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// EventHandler receives one server-pushed event. Handlers run synchronously
// on the read loop, in subscription order.
type EventHandler func(data json.RawMessage)

type subscription struct {
	id      uint64
	event   string
	handler EventHandler
}

// dispatcher is the subscriber registry for server-pushed events. Delivery
// is best-effort: events arriving with no subscribers, or while
// disconnected, are dropped rather than buffered.
type dispatcher struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string][]*subscription
	log    zerolog.Logger
}

func newDispatcher(log zerolog.Logger) *dispatcher {
	return &dispatcher{subs: make(map[string][]*subscription), log: log}
}

// subscribe registers handler for the exact event name and returns an
// unsubscribe func. Unsubscribing twice is a no-op.
func (d *dispatcher) subscribe(event string, handler EventHandler) func() {
	d.mu.Lock()
	d.nextID++
	sub := &subscription{id: d.nextID, event: event, handler: handler}
	d.subs[event] = append(d.subs[event], sub)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.unsubscribe(sub) })
	}
}

func (d *dispatcher) unsubscribe(sub *subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.subs[sub.event]
	for i, s := range list {
		if s.id == sub.id {
			d.subs[sub.event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(d.subs[sub.event]) == 0 {
		delete(d.subs, sub.event)
	}
}

// dispatch fans data out to every subscriber of event, in subscription
// order. A panicking handler is logged and skipped so it cannot block
// delivery to the others.
func (d *dispatcher) dispatch(event string, data json.RawMessage) {
	d.mu.Lock()
	list := append([]*subscription(nil), d.subs[event]...)
	d.mu.Unlock()
	for _, sub := range list {
		d.deliver(event, sub, data)
	}
}

func (d *dispatcher) deliver(event string, sub *subscription, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("event", event).Interface("panic", r).Msg("event handler panicked")
		}
	}()
	sub.handler(data)
}
