package connector

import (
	"sync"

	"github.com/google/uuid"
)

// emitter is an ordered listener table. Listeners run synchronously on the
// emitting goroutine in registration order.
type emitter[T any] struct {
	mu        sync.Mutex
	order     []uuid.UUID
	listeners map[uuid.UUID]func(T)
}

func (e *emitter[T]) on(fn func(T)) Unsubscribe {
	if fn == nil {
		return func() {}
	}
	id := uuid.New()
	e.mu.Lock()
	if e.listeners == nil {
		e.listeners = make(map[uuid.UUID]func(T))
	}
	e.listeners[id] = fn
	e.order = append(e.order, id)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *emitter[T]) remove(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.listeners[id]; !ok {
		return
	}
	delete(e.listeners, id)
	for i, candidate := range e.order {
		if candidate == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

func (e *emitter[T]) emit(value T) {
	e.mu.Lock()
	fns := make([]func(T), 0, len(e.order))
	for _, id := range e.order {
		fns = append(fns, e.listeners[id])
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}

func (e *emitter[T]) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.order)
}

func (e *emitter[T]) clear() {
	e.mu.Lock()
	e.order = nil
	e.listeners = nil
	e.mu.Unlock()
}
