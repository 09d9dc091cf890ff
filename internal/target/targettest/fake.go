// Package targettest provides a scriptable target for tests of code that drives
// targets.
package targettest

import (
	"context"
	"sync"

	"github.com/xkilldash9x/scriptmonkey/internal/gmapi"
	"github.com/xkilldash9x/scriptmonkey/internal/target"
)

// Call records one delivery attempt.
type Call struct {
	Mechanism string
	Script    string
}

// Fake is a target whose delivery mechanisms return configured errors. A nil
// hook succeeds.
type Fake struct {
	ID    string
	Addr  string
	Caps  target.Capability
	Frame bool

	OnInject   func(ctx context.Context, p *target.Payload) error
	OnExecute  func(ctx context.Context, p *target.Payload) error
	OnDetached func(ctx context.Context, p *target.Payload) error

	ready *target.Readiness
	done  chan struct{}
	once  sync.Once

	mu       sync.Mutex
	calls    []Call
	children []*Fake
	watchers map[int]func(target.Target)
	seq      int
}

// New creates a fake target at url with the given capabilities.
func New(id, url string, caps target.Capability) *Fake {
	return &Fake{
		ID:       id,
		Addr:     url,
		Caps:     caps,
		ready:    target.NewReadiness(target.Loading),
		done:     make(chan struct{}),
		watchers: make(map[int]func(target.Target)),
	}
}

func (f *Fake) Identity() string                { return f.ID }
func (f *Fake) URL() string                     { return f.Addr }
func (f *Fake) Capabilities() target.Capability { return f.Caps }
func (f *Fake) Readiness() *target.Readiness    { return f.ready }
func (f *Fake) Done() <-chan struct{}           { return f.done }
func (f *Fake) IsFrame() bool                   { return f.Frame }
func (f *Fake) Env() gmapi.Env                  { return gmapi.Env{Identity: f.ID, URL: f.Addr} }

func (f *Fake) record(mechanism string, p *target.Payload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Mechanism: mechanism, Script: p.Script.Name})
}

// Calls returns the delivery attempts so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Scripts returns the names of scripts whose delivery succeeded, in order.
func (f *Fake) Scripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if c.Mechanism == "ok" {
			out = append(out, c.Script)
		}
	}
	return out
}

func (f *Fake) deliver(ctx context.Context, mechanism string, hook func(context.Context, *target.Payload) error, p *target.Payload) error {
	f.record(mechanism, p)
	if hook != nil {
		if err := hook(ctx, p); err != nil {
			return err
		}
	}
	f.record("ok", p)
	return nil
}

func (f *Fake) InjectScript(ctx context.Context, p *target.Payload) error {
	return f.deliver(ctx, "dom", f.OnInject, p)
}

func (f *Fake) Execute(ctx context.Context, p *target.Payload) error {
	return f.deliver(ctx, "bridge", f.OnExecute, p)
}

func (f *Fake) InjectDetached(ctx context.Context, p *target.Payload) error {
	return f.deliver(ctx, "detached", f.OnDetached, p)
}

// AddChild attaches a child frame and reports it to watchers.
func (f *Fake) AddChild(c *Fake) {
	c.Frame = true
	f.mu.Lock()
	f.children = append(f.children, c)
	watchers := make([]func(target.Target), 0, len(f.watchers))
	for _, w := range f.watchers {
		watchers = append(watchers, w)
	}
	f.mu.Unlock()
	for _, w := range watchers {
		w(c)
	}
}

func (f *Fake) WatchChildren(fn func(target.Target)) func() {
	f.mu.Lock()
	f.seq++
	id := f.seq
	f.watchers[id] = fn
	existing := append([]*Fake(nil), f.children...)
	f.mu.Unlock()
	for _, c := range existing {
		fn(c)
	}
	return func() {
		f.mu.Lock()
		delete(f.watchers, id)
		f.mu.Unlock()
	}
}

// Watchers returns the number of live child watchers.
func (f *Fake) Watchers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers)
}

// Close tears the target down.
func (f *Fake) Close() {
	f.once.Do(func() {
		close(f.done)
		f.ready.Close()
	})
}
