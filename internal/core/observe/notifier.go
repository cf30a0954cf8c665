// Package observe provides the listener list used by stateful client
// components to announce changes.
package observe

import "sync"

// Notifier fans a value out to registered listeners. Listeners run
// synchronously on the notifying goroutine, in registration order.
type Notifier[T any] struct {
	listeners map[uint64]func(T)
	order     []uint64
	next      uint64
	mu        sync.Mutex
}

// Subscribe registers fn and returns a function that removes it.
func (n *Notifier[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.listeners == nil {
		n.listeners = make(map[uint64]func(T))
	}
	id := n.next
	n.next++
	n.listeners[id] = fn
	n.order = append(n.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.listeners, id)
			for i, v := range n.order {
				if v == id {
					n.order = append(n.order[:i], n.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Notify delivers v to every listener. The listener set is snapshotted first
// so listeners may subscribe or unsubscribe while being notified.
func (n *Notifier[T]) Notify(v T) {
	n.mu.Lock()
	fns := make([]func(T), 0, len(n.order))
	for _, id := range n.order {
		fns = append(fns, n.listeners[id])
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (n *Notifier[T]) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.order)
}
