// internal/gmapi/dispatch.go
package gmapi

import (
	"sync"

	"go.uber.org/zap"
)

// Dispatcher serves binding calls for one target. Calls are routed to the table
// registered for the calling script. Non-blocking calls are served in arrival order
// on a single worker so a fire-and-forget write is visible to the next read.
//
// Dispatch never blocks: callers are page event loops and CDP event goroutines,
// and replies travel back through those same loops.
type Dispatcher struct {
	log *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	tables  map[string]Table
	pending []func()
	closed  bool

	wg sync.WaitGroup
}

// NewDispatcher starts a dispatcher. Close stops it.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		log:    logger,
		tables: make(map[string]Table),
	}
	d.cond = sync.NewCond(&d.mu)
	d.wg.Add(1)
	go d.work()
	return d
}

// Register routes calls from scriptID to t, replacing any earlier table.
func (d *Dispatcher) Register(scriptID string, t Table) {
	d.mu.Lock()
	d.tables[scriptID] = t
	d.mu.Unlock()
}

// Dispatch decodes payload and queues it. reply receives the answer from a
// dispatcher goroutine. Malformed payloads and unknown scripts are dropped.
func (d *Dispatcher) Dispatch(payload string, reply func(Reply)) {
	c, err := ParseCall(payload)
	if err != nil {
		d.log.Warn("Dropping binding call", zap.Error(err))
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	t, ok := d.tables[c.Script]
	if !ok {
		d.log.Warn("Dropping binding call from unregistered script", zap.String("script", c.Script), zap.String("fn", c.Fn))
		return
	}

	serve := func() { reply(t.Serve(c)) }
	if Blocking(c.Fn) {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			serve()
		}()
		return
	}
	d.pending = append(d.pending, serve)
	d.cond.Signal()
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.pending) == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		fn := d.pending[0]
		d.pending[0] = nil
		d.pending = d.pending[1:]
		d.mu.Unlock()

		fn()
	}
}

// Close stops the worker, drops queued calls and waits for in-flight ones.
// Blocking calls finish when the surfaces they belong to are cancelled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.pending = nil
	d.cond.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}
