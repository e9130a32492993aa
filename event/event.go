// Package event provides typed notification emitters with explicit
// subscription handles.
//
// Collaborators such as the server connection and the mining session expose
// their notifications through an Emitter. Subscribing returns a handle that
// must be released when the listener is no longer interested; a Group makes
// it possible to release several handles at once with a single defer.
package event

import "sync"

// Emitter delivers values of type T to every subscribed listener.
//
// Listeners are invoked synchronously by Emit, in subscription order, and
// never while the emitter's lock is held, so a listener may subscribe,
// release or emit again without deadlocking.
type Emitter[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	listeners []listener[T]
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// Subscription is a handle for one registered listener.
type Subscription struct {
	once    sync.Once
	release func()
}

// Release deregisters the listener. Calling Release more than once, or on a
// nil subscription, is a no-op.
func (s *Subscription) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

// Subscribe registers fn and returns its handle.
func (e *Emitter[T]) Subscribe(fn func(T)) *Subscription {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners = append(e.listeners, listener[T]{id: id, fn: fn})
	e.mu.Unlock()

	return &Subscription{release: func() { e.remove(id) }}
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, l := range e.listeners {
		if l.id == id {
			e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
			return
		}
	}
}

// Emit calls every listener registered at the time of the call with v.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := make([]listener[T], len(e.listeners))
	copy(snapshot, e.listeners)
	e.mu.Unlock()

	for _, l := range snapshot {
		l.fn(v)
	}
}

// Len returns the number of registered listeners.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Group collects subscriptions so they can be released together.
type Group struct {
	mu   sync.Mutex
	subs []*Subscription
}

// Add appends subscriptions to the group and returns the group for chaining.
func (g *Group) Add(subs ...*Subscription) *Group {
	g.mu.Lock()
	g.subs = append(g.subs, subs...)
	g.mu.Unlock()
	return g
}

// Release releases every subscription in the group and empties it.
func (g *Group) Release() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()

	for _, s := range subs {
		s.Release()
	}
}
