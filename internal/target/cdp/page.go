// internal/target/cdp/page.go
package cdp

import (
	"context"
	"fmt"
	"sync"

	cdproto "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	cdptarget "github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptmonkey/internal/target"
)

// Page is one browser tab. It turns frame navigations into Document targets and
// routes binding calls to the document that owns the binding.
type Page struct {
	b          *Browser
	id         cdptarget.ID
	log        *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	onDocument func(target.Target)

	mu       sync.Mutex
	frames   map[cdproto.FrameID]*Document
	bindings map[string]*Document
	main     *Document

	done chan struct{}
	once sync.Once
}

func newPage(b *Browser, id cdptarget.ID, onDocument func(target.Target)) *Page {
	ctx, cancel := chromedp.NewContext(b.ctx, chromedp.WithTargetID(id))
	if onDocument == nil {
		onDocument = func(target.Target) {}
	}
	return &Page{
		b:          b,
		id:         id,
		log:        b.log.Named("page").With(zap.String("target_id", string(id))),
		ctx:        ctx,
		cancel:     cancel,
		onDocument: onDocument,
		frames:     make(map[cdproto.FrameID]*Document),
		bindings:   make(map[string]*Document),
		done:       make(chan struct{}),
	}
}

func (p *Page) start() error {
	chromedp.ListenTarget(p.ctx, p.handleEvent)
	chromedp.ListenBrowser(p.ctx, func(ev interface{}) {
		if ev, ok := ev.(*cdptarget.EventTargetDestroyed); ok && ev.TargetID == p.id {
			go p.Close()
		}
	})
	go func() {
		<-p.ctx.Done()
		p.Close()
	}()

	// The first Run attaches to the tab for the lifetime of p.ctx.
	if err := chromedp.Run(p.ctx, page.SetLifecycleEventsEnabled(true)); err != nil {
		return fmt.Errorf("failed to attach to page: %w", err)
	}
	return nil
}

// Navigate loads url in the tab and waits for its load event.
func (p *Page) Navigate(ctx context.Context, url string) error {
	runCtx, cancel := combine(p.ctx, ctx)
	defer cancel()
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	return nil
}

// Main returns the current top-level document, if one has committed.
func (p *Page) Main() *Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.main
}

// Done is closed when the tab is closed.
func (p *Page) Done() <-chan struct{} { return p.done }

// run executes actions against the tab, bounded by ctx.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := combine(p.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, actions...)
}

// handleEvent runs on chromedp's event goroutine and must not issue commands.
func (p *Page) handleEvent(ev interface{}) {
	switch ev := ev.(type) {
	case *page.EventFrameNavigated:
		p.frameNavigated(ev.Frame)
	case *page.EventLifecycleEvent:
		p.lifecycle(ev.FrameID, ev.LoaderID, ev.Name)
	case *page.EventFrameDetached:
		p.frameDetached(ev.FrameID)
	case *runtime.EventBindingCalled:
		p.bindingCalled(ev)
	}
}

func (p *Page) frameNavigated(f *cdproto.Frame) {
	if f == nil {
		return
	}
	p.mu.Lock()
	select {
	case <-p.done:
		p.mu.Unlock()
		return
	default:
	}
	var parent *Document
	if f.ParentID != "" {
		parent = p.frames[f.ParentID]
		if parent == nil {
			p.mu.Unlock()
			p.log.Debug("Ignoring frame with unknown parent", zap.String("frame", string(f.ID)))
			return
		}
	}
	old := p.frames[f.ID]
	doc := newDocument(p, f, parent)
	p.frames[f.ID] = doc
	p.bindings[doc.binding] = doc
	if parent == nil {
		p.main = doc
	}
	p.mu.Unlock()

	if old != nil {
		old.Close()
	}
	p.log.Debug("Document committed", zap.String("target", doc.Identity()), zap.String("url", doc.URL()), zap.Bool("frame", parent != nil))
	if parent == nil {
		go p.onDocument(doc)
	} else {
		parent.addChild(doc)
	}
}

func (p *Page) lifecycle(frameID cdproto.FrameID, loaderID cdproto.LoaderID, name string) {
	p.mu.Lock()
	doc := p.frames[frameID]
	p.mu.Unlock()
	if doc == nil || (doc.loaderID != "" && loaderID != "" && doc.loaderID != loaderID) {
		return
	}
	if s, ok := readyStateFor(name); ok {
		doc.ready.Advance(s)
	}
}

// readyStateFor maps a CDP lifecycle event name to a readiness state.
func readyStateFor(name string) (target.ReadyState, bool) {
	switch name {
	case "DOMContentLoaded":
		return target.InteractiveContentReady, true
	case "load":
		return target.Complete, true
	default:
		return target.Loading, false
	}
}

func (p *Page) frameDetached(frameID cdproto.FrameID) {
	p.mu.Lock()
	doc := p.frames[frameID]
	p.mu.Unlock()
	if doc != nil {
		doc.Close()
	}
}

func (p *Page) bindingCalled(ev *runtime.EventBindingCalled) {
	p.mu.Lock()
	doc := p.bindings[ev.Name]
	p.mu.Unlock()
	if doc == nil {
		return
	}
	doc.handleCall(ev.ExecutionContextID, ev.Payload)
}

// forget drops doc from the routing tables if it is still the current entry.
func (p *Page) forget(doc *Document) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frames[doc.frameID] == doc {
		delete(p.frames, doc.frameID)
	}
	if p.bindings[doc.binding] == doc {
		delete(p.bindings, doc.binding)
	}
	if p.main == doc {
		p.main = nil
	}
}

// Close closes the tab and every document in it.
func (p *Page) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		close(p.done)
		docs := make([]*Document, 0, len(p.frames))
		for _, d := range p.frames {
			docs = append(docs, d)
		}
		p.mu.Unlock()
		for _, d := range docs {
			d.Close()
		}
		if err := chromedp.Cancel(p.ctx); err != nil {
			p.log.Debug("Closing tab reported an error", zap.Error(err))
		}
		p.cancel()
	})
}
