// Package events provides the typed publish/subscribe primitive shared by
// the control plane components. There is no global bus: each component owns
// one or more Notifiers and hands out subscriptions explicitly.
package events

import "sync"

// Handler consumes one event. Handlers are invoked synchronously and in
// subscription order; a handler that must not block its publisher is
// responsible for its own queueing (the realtime hub does this per
// connection).
type Handler[T any] func(T)

// Notifier fans events out to registered handlers. The zero value is ready
// to use.
type Notifier[T any] struct {
	mu       sync.RWMutex
	nextID   int
	handlers []subscription[T]
}

type subscription[T any] struct {
	id      int
	handler Handler[T]
}

// Subscribe registers h and returns a function that removes the
// subscription. Unsubscribing is idempotent.
func (n *Notifier[T]) Subscribe(h Handler[T]) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.handlers = append(n.handlers, subscription[T]{id: id, handler: h})
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i := range n.handlers {
			if n.handlers[i].id == id {
				n.handlers = append(n.handlers[:i], n.handlers[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers ev to every current subscriber in subscription order.
func (n *Notifier[T]) Publish(ev T) {
	n.mu.RLock()
	subs := make([]subscription[T], len(n.handlers))
	copy(subs, n.handlers)
	n.mu.RUnlock()
	for _, s := range subs {
		s.handler(ev)
	}
}
