package http

import (
	"net/http"
	"sync"
	"time"
)

// InFlightTracker counts requests currently being served so shutdown can
// wait for them to drain after the listener stops accepting new ones.
type InFlightTracker struct {
	mu    sync.Mutex
	count int
	done  chan struct{}
}

func NewInFlightTracker() *InFlightTracker {
	return &InFlightTracker{done: make(chan struct{})}
}

// Middleware wraps a handler so every request is counted while active.
func (t *InFlightTracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.add()
		defer t.remove()
		next.ServeHTTP(w, r)
	})
}

func (t *InFlightTracker) add() {
	t.mu.Lock()
	t.count++
	t.mu.Unlock()
}

func (t *InFlightTracker) remove() {
	t.mu.Lock()
	t.count--
	if t.count == 0 {
		close(t.done)
		t.done = make(chan struct{})
	}
	t.mu.Unlock()
}

// Count returns the number of requests currently in flight.
func (t *InFlightTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Wait blocks until all in-flight requests complete or the timeout elapses.
// It returns true if the tracker drained.
func (t *InFlightTracker) Wait(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		t.mu.Lock()
		if t.count == 0 {
			t.mu.Unlock()
			return true
		}
		ch := t.done
		t.mu.Unlock()

		select {
		case <-ch:
		case <-deadline:
			return t.Count() == 0
		}
	}
}
