package signaling

import "sync"

// Event is a decoded inbound signaling event handed to subscribers.
type Event struct {
	Name    string
	From    string
	Payload any
}

// Handler receives one decoded event. Handlers for the same client are never
// invoked concurrently with each other.
type Handler func(Event)

type handlerEntry struct {
	id int
	fn Handler
}

// Dispatcher fans one event out to an ordered list of handlers per event
// name. Registering is additive; the previous single-handler-overwrite
// behavior of the old client turned out to be a footgun when two screens
// listened to the same event.
type Dispatcher struct {
	mu       sync.Mutex
	nextID   int
	handlers map[string][]handlerEntry
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string][]handlerEntry)}
}

// On registers fn for event and returns a function that removes exactly this
// registration. Handlers fire in registration order.
func (d *Dispatcher) On(event string, fn Handler) (off func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[event] = append(d.handlers[event], handlerEntry{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		entries := d.handlers[event]
		for i, e := range entries {
			if e.id == id {
				d.handlers[event] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Dispatch invokes all handlers registered for ev.Name, in order, on the
// calling goroutine.
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.Lock()
	entries := d.handlers[ev.Name]
	snapshot := make([]handlerEntry, len(entries))
	copy(snapshot, entries)
	d.mu.Unlock()

	for _, e := range snapshot {
		e.fn(ev)
	}
}
