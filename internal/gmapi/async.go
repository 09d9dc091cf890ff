// internal/gmapi/async.go
package gmapi

import (
	"context"
)

// Future is the Go side of a GM.* promise.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func resolved[T any](v T) *Future[T] {
	f := newFuture[T]()
	f.settle(v, nil)
	return f
}

func (f *Future[T]) settle(v T, err error) {
	f.val, f.err = v, err
	close(f.done)
}

// Done is closed once the future settles.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until the future settles or ctx is done.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Async is the GM.* namespace. Every method wraps the synchronous implementation.
type Async struct {
	s *Surface
}

func (a *Async) Info() Info { return a.s.Info() }

func (a *Async) GetValue(name string, def interface{}) *Future[interface{}] {
	return resolved(a.s.GetValue(name, def))
}

func (a *Async) SetValue(name string, v interface{}) *Future[struct{}] {
	a.s.SetValue(name, v)
	return resolved(struct{}{})
}

func (a *Async) DeleteValue(name string) *Future[struct{}] {
	a.s.DeleteValue(name)
	return resolved(struct{}{})
}

func (a *Async) ListValues() *Future[[]string] {
	return resolved(a.s.ListValues())
}

func (a *Async) GetResourceText(name string) *Future[string] {
	return resolved(a.s.GetResourceText(name))
}

func (a *Async) GetResourceURL(name string) *Future[string] {
	return resolved(a.s.GetResourceURL(name))
}

func (a *Async) AddStyle(css string) *Future[bool] {
	return resolved(a.s.AddStyle(css))
}

func (a *Async) RegisterMenuCommand(caption string, fn func()) *Future[int] {
	return resolved(a.s.RegisterMenuCommand(caption, fn))
}

func (a *Async) UnregisterMenuCommand(id int) *Future[struct{}] {
	a.s.UnregisterMenuCommand(id)
	return resolved(struct{}{})
}

// XMLHttpRequest resolves with the response, or rejects on network failure or abort.
// Callbacks set on req still fire.
func (a *Async) XMLHttpRequest(req Request) (*Future[Response], *RequestHandle) {
	f := newFuture[Response]()
	h := a.s.XMLHttpRequest(req)
	go func() {
		<-h.Done()
		resp, err := h.Wait(context.Background())
		f.settle(resp, err)
	}()
	return f, h
}

func (a *Async) Notification(n Notification) *Future[struct{}] {
	a.s.Notification(n)
	return resolved(struct{}{})
}

func (a *Async) OpenInTab(url string, background bool) *Future[struct{}] {
	a.s.OpenInTab(url, background)
	return resolved(struct{}{})
}

func (a *Async) SetClipboard(data, mimeType string) *Future[struct{}] {
	a.s.SetClipboard(data, mimeType)
	return resolved(struct{}{})
}
