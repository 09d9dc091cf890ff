// internal/target/readiness.go
package target

import (
	"sync"
)

// ReadyState is a document's load progress. It only moves forward.
type ReadyState int

const (
	Loading ReadyState = iota
	InteractiveContentReady
	Complete
)

func (s ReadyState) String() string {
	switch s {
	case Loading:
		return "loading"
	case InteractiveContentReady:
		return "interactive"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

// Readiness is a monotonic readiness signal with subscribers.
type Readiness struct {
	mu     sync.Mutex
	state  ReadyState
	subs   map[uint64]func(ReadyState)
	nextID uint64
	closed bool

	// deliver serializes notifications so subscribers observe states in order.
	deliver sync.Mutex
}

// NewReadiness creates a signal starting at initial.
func NewReadiness(initial ReadyState) *Readiness {
	return &Readiness{state: initial, subs: make(map[uint64]func(ReadyState))}
}

// State returns the current state.
func (r *Readiness) State() ReadyState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Advance moves to s if it is ahead of the current state and notifies subscribers.
// It reports whether the state changed. Advancing a closed signal is a no-op.
func (r *Readiness) Advance(s ReadyState) bool {
	r.deliver.Lock()
	defer r.deliver.Unlock()

	r.mu.Lock()
	if r.closed || s <= r.state {
		r.mu.Unlock()
		return false
	}
	r.state = s
	subs := make([]func(ReadyState), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
	return true
}

// Subscribe registers fn for future transitions. The returned function removes the
// subscription; it is safe to call more than once and after Close.
func (r *Readiness) Subscribe(fn func(ReadyState)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return func() {}
	}
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Subscribers returns the number of live subscriptions.
func (r *Readiness) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Close drops all subscribers and freezes the state.
func (r *Readiness) Close() {
	r.mu.Lock()
	r.closed = true
	r.subs = make(map[uint64]func(ReadyState))
	r.mu.Unlock()
}
