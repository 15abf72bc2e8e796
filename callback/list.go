// Package callback holds the subscription list shared by the document and
// presence stores.
package callback

import (
	"sync"

	"github.com/golang/glog"
)

type entry[T any] struct {
	id       uint64
	callback T
}

// List is a copy-on-write list of callbacks. Every Add returns the function
// that removes exactly that registration, so owners can release their
// subscriptions deterministically.
type List[T any] struct {
	mutex   sync.Mutex
	nextID  uint64
	entries []entry[T]
}

func NewList[T any]() *List[T] {
	return &List[T]{}
}

// Add registers callback and returns its unsubscribe func. Calling the
// returned func more than once is a no-op.
func (l *List[T]) Add(callback T) func() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.nextID++
	id := l.nextID
	next := make([]entry[T], len(l.entries), len(l.entries)+1)
	copy(next, l.entries)
	l.entries = append(next, entry[T]{id: id, callback: callback})

	var once sync.Once
	return func() {
		once.Do(func() {
			l.remove(id)
		})
	}
}

func (l *List[T]) remove(id uint64) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	for i, e := range l.entries {
		if e.id == id {
			next := make([]entry[T], 0, len(l.entries)-1)
			next = append(next, l.entries[:i]...)
			next = append(next, l.entries[i+1:]...)
			l.entries = next
			return
		}
	}
}

// Get returns a snapshot of the registered callbacks in registration order.
func (l *List[T]) Get() []T {
	l.mutex.Lock()
	entries := l.entries
	l.mutex.Unlock()

	callbacks := make([]T, len(entries))
	for i, e := range entries {
		callbacks[i] = e.callback
	}
	return callbacks
}

func (l *List[T]) Len() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.entries)
}

// Clear drops every registration.
func (l *List[T]) Clear() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.entries = nil
}

// Each calls fn for every registered callback. A panicking callback is logged
// and does not stop delivery to the rest.
func (l *List[T]) Each(fn func(T)) {
	for _, callback := range l.Get() {
		func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[callback]recovered panic = %v", r)
				}
			}()
			fn(callback)
		}()
	}
}
