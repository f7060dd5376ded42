package client

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"board-realtime/internal/change"
)

var registryLogger = loggo.GetLogger("client.registry")

// EventClass groups Change Events for dispatch to UI handlers.
type EventClass string

const (
	ClassInserted   EventClass = "resource.inserted"
	ClassUpdated    EventClass = "resource.updated"
	ClassDeleted    EventClass = "resource.deleted"
	ClassMembership EventClass = "membership.changed"
	ClassRole       EventClass = "role.changed"
	ClassWorkspace  EventClass = "workspace.changed"
	ClassInvite     EventClass = "invite.changed"

	// ClassAny matches every event.
	ClassAny EventClass = "*"
)

// ClassOf returns the class an event is dispatched under.
func ClassOf(ev change.Event) EventClass {
	info, _ := change.LookupKind(ev.Resource)
	switch {
	case info.Is(change.FlagMembership):
		return ClassMembership
	case info.Is(change.FlagRole):
		return ClassRole
	case info.Is(change.FlagInvite):
		return ClassInvite
	case ev.Resource == change.KindWorkspace:
		return ClassWorkspace
	}
	switch ev.Kind {
	case change.Insert:
		return ClassInserted
	case change.Delete:
		return ClassDeleted
	}
	return ClassUpdated
}

// Handler consumes one event. A returned error is logged and does not stop
// dispatch to other handlers.
type Handler func(change.Event) error

// HandlerEntry binds a handler to one event class.
type HandlerEntry struct {
	Class  EventClass
	Handle Handler
}

// HandlerSet is the tagged list of handlers one consumer contributes.
type HandlerSet []HandlerEntry

// On is shorthand for a HandlerEntry.
func On(class EventClass, h Handler) HandlerEntry {
	return HandlerEntry{Class: class, Handle: h}
}

// Transport carries the underlying channel subscriptions. Join is called at
// most once per key until the matching Leave.
type Transport interface {
	Join(key change.ChannelKey, sink func(change.Event))
	Leave(key change.ChannelKey)
}

type contributor struct {
	name     string
	handlers HandlerSet
	detached atomic.Bool
}

type entry struct {
	contributors []*contributor
}

// Registry multiplexes any number of consumers onto one underlying
// subscription per channel key.
type Registry struct {
	transport Transport

	mu      sync.Mutex
	entries map[change.ChannelKey]*entry
	closed  bool
}

// NewRegistry returns a registry subscribing through t.
func NewRegistry(t Transport) *Registry {
	return &Registry{
		transport: t,
		entries:   make(map[change.ChannelKey]*entry),
	}
}

// Subscribe adds handlers as a contributor to key, joining the underlying
// channel if this is the first contributor. The returned detach function
// removes the contributor; it is safe to call more than once.
func (r *Registry) Subscribe(key change.ChannelKey, handlers HandlerSet) (func(), error) {
	return r.subscribe(key, key.String(), handlers)
}

// EventFilter selects the events a global subscription wants. A nil filter
// accepts everything.
type EventFilter func(change.Event) bool

// Callback receives the events of a global subscription.
type Callback func(change.Event)

// SubscribeGlobal subscribes callback to every row of resourceKind that
// passes filter. channelName labels the consumer in logs.
func (r *Registry) SubscribeGlobal(channelName, resourceKind string, filter EventFilter, callback Callback) (func(), error) {
	if callback == nil {
		return nil, errors.NotValidf("nil callback")
	}
	key := change.GlobalKey(resourceKind)
	handler := func(ev change.Event) error {
		if filter == nil || filter(ev) {
			callback(ev)
		}
		return nil
	}
	return r.subscribe(key, channelName, HandlerSet{On(ClassAny, handler)})
}

func (r *Registry) subscribe(key change.ChannelKey, name string, handlers HandlerSet) (func(), error) {
	if err := key.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	for _, h := range handlers {
		if h.Handle == nil {
			return nil, errors.NotValidf("nil handler for %s", h.Class)
		}
	}
	con := &contributor{name: name, handlers: handlers}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.Errorf("registry closed")
	}
	e, ok := r.entries[key]
	if !ok {
		e = &entry{}
		r.entries[key] = e
		r.transport.Join(key, func(ev change.Event) { r.dispatch(key, ev) })
		registryLogger.Debugf("joined %s", key)
	}
	e.contributors = append(e.contributors, con)

	var once sync.Once
	return func() { once.Do(func() { r.detach(key, con) }) }, nil
}

func (r *Registry) detach(key change.ChannelKey, con *contributor) {
	con.detached.Store(true)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return
	}
	for i, c := range e.contributors {
		if c == con {
			e.contributors = append(e.contributors[:i:i], e.contributors[i+1:]...)
			break
		}
	}
	if len(e.contributors) == 0 {
		delete(r.entries, key)
		r.transport.Leave(key)
		registryLogger.Debugf("left %s", key)
	}
}

// dispatch runs every matching handler of every live contributor of key,
// in registration order.
func (r *Registry) dispatch(key change.ChannelKey, ev change.Event) {
	r.mu.Lock()
	e, ok := r.entries[key]
	var contributors []*contributor
	if ok {
		contributors = append(contributors, e.contributors...)
	}
	r.mu.Unlock()

	class := ClassOf(ev)
	for _, con := range contributors {
		for _, h := range con.handlers {
			if h.Class != class && h.Class != ClassAny {
				continue
			}
			// Re-checked per call: a handler may detach its peers.
			if con.detached.Load() {
				break
			}
			if err := callHandler(h.Handle, ev); err != nil {
				registryLogger.Warningf("%s handler for %s on %s: %v", con.name, class, key, err)
			}
		}
	}
}

// callHandler runs h, turning a panic into an error.
func callHandler(h Handler, ev change.Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			registryLogger.Debugf("handler panic stack:\n%s", debug.Stack())
		}
	}()
	return h(ev)
}

// Keys returns the channel keys that currently have a subscription.
func (r *Registry) Keys() []change.ChannelKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]change.ChannelKey, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	return keys
}

// Contributors returns how many consumers are attached to key.
func (r *Registry) Contributors(key change.ChannelKey) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		return len(e.contributors)
	}
	return 0
}

// Close detaches every contributor and leaves every channel. Later
// subscriptions fail.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for key, e := range r.entries {
		for _, c := range e.contributors {
			c.detached.Store(true)
		}
		delete(r.entries, key)
		r.transport.Leave(key)
	}
}
