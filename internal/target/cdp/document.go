// internal/target/cdp/document.go
package cdp

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptmonkey/internal/gmapi"
	"github.com/xkilldash9x/scriptmonkey/internal/target"
)

const isolatedWorldName = "scriptmonkey"

// Document is one committed document in a frame of a Page. A navigation replaces
// it with a new Document; the old one is closed.
type Document struct {
	page     *Page
	frameID  cdproto.FrameID
	loaderID cdproto.LoaderID
	url      string
	parent   *Document
	id       string
	binding  string
	log      *zap.Logger
	ready    *target.Readiness
	dispatch *gmapi.Dispatcher

	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	bound     bool
	contextID runtime.ExecutionContextID
	children  []*Document
	watchers  map[int]func(target.Target)
	watchSeq  int
	aux       []*auxDocument
}

var (
	_ target.Target           = (*Document)(nil)
	_ target.DOMInjector      = (*Document)(nil)
	_ target.HostBridge       = (*Document)(nil)
	_ target.AuxiliaryFactory = (*Document)(nil)
	_ target.ChildSource      = (*Document)(nil)
)

func newDocument(p *Page, f *cdproto.Frame, parent *Document) *Document {
	id := uuid.NewString()
	log := p.log.With(zap.String("document", id[:8]))
	return &Document{
		page:     p,
		frameID:  f.ID,
		loaderID: f.LoaderID,
		url:      f.URL + f.URLFragment,
		parent:   parent,
		id:       id,
		binding:  "__sm_" + strings.ReplaceAll(id, "-", "")[:12],
		log:      log,
		ready:    target.NewReadiness(target.Loading),
		dispatch: gmapi.NewDispatcher(log),
		done:     make(chan struct{}),
		watchers: make(map[int]func(target.Target)),
	}
}

func (d *Document) Identity() string { return "cdp:" + d.id[:8] }
func (d *Document) URL() string      { return d.url }

// Capabilities: every frame accepts script elements; only the top-level
// document is evaluated through the host.
func (d *Document) Capabilities() target.Capability {
	return frameCapabilities(d.parent != nil)
}

func frameCapabilities(child bool) target.Capability {
	c := target.DirectDOMAccess | target.ScriptedEvaluation
	if !child {
		c |= target.HostBridgeEvaluation
	}
	return c
}

func (d *Document) Readiness() *target.Readiness { return d.ready }
func (d *Document) Done() <-chan struct{}        { return d.done }
func (d *Document) IsFrame() bool                { return d.parent != nil }

func (d *Document) Env() gmapi.Env {
	return gmapi.Env{Identity: d.Identity(), URL: d.url}
}

// ensureBinding exposes the document's binding in the tab.
func (d *Document) ensureBinding(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bound {
		return nil
	}
	if err := d.page.run(ctx, runtime.AddBinding(d.binding)); err != nil {
		return fmt.Errorf("failed to add binding %s: %w", d.binding, err)
	}
	d.bound = true
	return nil
}

func (d *Document) prepare(ctx context.Context, p *target.Payload) (string, error) {
	if err := d.ensureBinding(ctx); err != nil {
		return "", err
	}
	code, err := p.Surface.Wrap(d.binding, p.Requires)
	if err != nil {
		return "", err
	}
	d.dispatch.Register(p.Script.ID, p.Surface.Table(remote{d}))
	return code, nil
}

// InjectScript inserts the payload as a script element from an isolated world.
// A frame the host cannot open a world in, or whose policy stops inline scripts
// from running, is reported as access denied.
func (d *Document) InjectScript(ctx context.Context, p *target.Payload) error {
	code, err := d.prepare(ctx, p)
	if err != nil {
		return err
	}
	marker := "data-sm-probe-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return d.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		world, err := page.CreateIsolatedWorld(d.frameID).WithWorldName(isolatedWorldName).Do(ctx)
		if err != nil {
			return fmt.Errorf("isolated world for %s: %v: %w", d.url, err, target.ErrAccessDenied)
		}
		ran, err := evaluateBool(ctx, world, insertScript(probe(marker), marker))
		if err != nil {
			return err
		}
		if !ran {
			return fmt.Errorf("inline scripts do not run in %s: %w", d.url, target.ErrAccessDenied)
		}
		_, err = evaluateBool(ctx, world, insertScript(code, ""))
		return err
	}))
}

// Execute evaluates the payload in the top-level document's main world.
func (d *Document) Execute(ctx context.Context, p *target.Payload) error {
	if d.parent != nil {
		return fmt.Errorf("host evaluation in child frame %s: %w", d.url, target.ErrAccessDenied)
	}
	code, err := d.prepare(ctx, p)
	if err != nil {
		return err
	}
	return d.page.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, exc, err := runtime.Evaluate(code).Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("evaluate %s: %s", p.Script.Name, describe(exc))
		}
		return nil
	}))
}

// InjectDetached loads the payload into a background tab and resolves on that
// tab's load event. The tab is closed with the document.
func (d *Document) InjectDetached(ctx context.Context, p *target.Payload) error {
	aux, err := d.page.b.newAuxDocument(ctx, d.log)
	if err != nil {
		return err
	}
	d.mu.Lock()
	select {
	case <-d.done:
		d.mu.Unlock()
		aux.Close()
		return target.ErrClosed
	default:
	}
	d.aux = append(d.aux, aux)
	d.mu.Unlock()

	return aux.load(ctx, p, d.page.b.auxTimeout)
}

// handleCall serves a binding call from the page. Runs on the event goroutine.
func (d *Document) handleCall(contextID runtime.ExecutionContextID, payload string) {
	d.mu.Lock()
	d.contextID = contextID
	d.mu.Unlock()
	d.dispatch.Dispatch(payload, func(r gmapi.Reply) {
		if err := d.deliver(context.Background(), contextID, d.binding+"_reply", r); err != nil {
			d.log.Debug("Failed to deliver binding reply", zap.Error(err))
		}
	})
}

func (d *Document) deliver(ctx context.Context, contextID runtime.ExecutionContextID, fn string, v interface{}) error {
	select {
	case <-d.done:
		return target.ErrClosed
	default:
	}
	return d.page.run(ctx, callAction(contextID, fn, v))
}

// callAction calls window[fn] with v in the given execution context, or in the
// main world of the top-level frame when contextID is zero.
func callAction(contextID runtime.ExecutionContextID, fn string, v interface{}) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		js, err := callPage(fn, v)
		if err != nil {
			return err
		}
		eval := runtime.Evaluate(js)
		if contextID != 0 {
			eval = eval.WithContextID(contextID)
		}
		_, exc, err := eval.Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return errors.New(describe(exc))
		}
		return nil
	})
}

type remote struct{ d *Document }

func (r remote) Emit(ctx context.Context, ev gmapi.Event) error {
	r.d.mu.Lock()
	id := r.d.contextID
	r.d.mu.Unlock()
	return r.d.deliver(ctx, id, r.d.binding+"_event", ev)
}

func (d *Document) addChild(c *Document) {
	d.mu.Lock()
	select {
	case <-d.done:
		d.mu.Unlock()
		c.Close()
		return
	default:
	}
	d.children = append(d.children, c)
	watchers := make([]func(target.Target), 0, len(d.watchers))
	for _, w := range d.watchers {
		watchers = append(watchers, w)
	}
	d.mu.Unlock()
	for _, w := range watchers {
		w(c)
	}
}

func (d *Document) removeChild(c *Document) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, x := range d.children {
		if x == c {
			d.children = append(d.children[:i], d.children[i+1:]...)
			return
		}
	}
}

func (d *Document) WatchChildren(fn func(target.Target)) func() {
	d.mu.Lock()
	d.watchSeq++
	id := d.watchSeq
	d.watchers[id] = fn
	existing := append([]*Document(nil), d.children...)
	d.mu.Unlock()

	for _, c := range existing {
		fn(c)
	}
	return func() {
		d.mu.Lock()
		delete(d.watchers, id)
		d.mu.Unlock()
	}
}

// Close tears the document down with its child frames and auxiliary tabs.
func (d *Document) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		close(d.done)
		children := d.children
		aux := d.aux
		bound := d.bound
		d.children, d.aux = nil, nil
		d.mu.Unlock()

		for _, c := range children {
			c.Close()
		}
		for _, a := range aux {
			a.Close()
		}
		d.page.forget(d)
		if d.parent != nil {
			d.parent.removeChild(d)
		}
		d.ready.Close()
		if bound {
			go func() {
				if err := d.page.run(context.Background(), runtime.RemoveBinding(d.binding)); err != nil {
					d.log.Debug("Failed to remove binding", zap.Error(err))
				}
			}()
		}
		go d.dispatch.Close()
		d.log.Debug("Document closed", zap.String("target", d.Identity()))
	})
}

// evaluateBool evaluates expr in the given context and reports whether it
// returned true.
func evaluateBool(ctx context.Context, contextID runtime.ExecutionContextID, expr string) (bool, error) {
	res, exc, err := runtime.Evaluate(expr).WithContextID(contextID).WithReturnByValue(true).Do(ctx)
	if err != nil {
		return false, err
	}
	if exc != nil {
		return false, errors.New(describe(exc))
	}
	return res != nil && string(res.Value) == "true", nil
}

func describe(exc *runtime.ExceptionDetails) string {
	if exc.Exception != nil && exc.Exception.Description != "" {
		return exc.Exception.Description
	}
	return exc.Text
}

func dataURL(mime, body string) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString([]byte(body))
}
