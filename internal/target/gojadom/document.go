// internal/target/gojadom/document.go
package gojadom

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/scriptmonkey/internal/gmapi"
	"github.com/xkilldash9x/scriptmonkey/internal/target"
)

// Options configure an in-process document.
type Options struct {
	URL  string
	HTML string
	// HostBridge enables evaluation of wrapped payloads through a binding.
	HostBridge bool
	// CrossOrigin makes the document refuse direct DOM access, as a cross-origin
	// frame would.
	CrossOrigin bool
	// Auxiliary allows detached auxiliary documents to be created for payloads.
	Auxiliary bool
	// RunPageScripts executes the document's own inline and data: scripts on Load.
	RunPageScripts bool
	// AuxTimeout bounds an auxiliary document's load. Zero means no limit.
	AuxTimeout time.Duration
}

// Document is a target backed by a parsed HTML tree and a goja runtime. The runtime
// belongs to the document's event loop; everything touching it runs there.
type Document struct {
	id      string
	opts    Options
	log     *zap.Logger
	parent  *Document
	ready   *target.Readiness
	binding string

	loop *eventloop.EventLoop
	vm   *goja.Runtime
	dom  *dom

	done chan struct{}
	once sync.Once

	dispatch *gmapi.Dispatcher
	bound    bool

	// timers is only touched on the loop.
	timers   map[int64]func()
	timerSeq int64

	lastStyle *html.Node

	childMu  sync.Mutex
	children []*Document
	watchers map[int]func(target.Target)
	watchSeq int
	aux      []*Document
}

var (
	_ target.Target           = (*Document)(nil)
	_ target.DOMInjector      = (*Document)(nil)
	_ target.HostBridge       = (*Document)(nil)
	_ target.AuxiliaryFactory = (*Document)(nil)
	_ target.ChildSource      = (*Document)(nil)
	_ gmapi.StyleSink         = (*Document)(nil)
)

// New parses opts.HTML and starts the document's loop.
func New(opts Options, logger *zap.Logger) (*Document, error) {
	return newDocument(opts, logger, nil)
}

func newDocument(opts Options, logger *zap.Logger, parent *Document) (*Document, error) {
	if opts.URL == "" {
		opts.URL = "about:blank"
	}
	root, err := html.Parse(strings.NewReader(opts.HTML))
	if err != nil {
		return nil, fmt.Errorf("failed to parse document HTML: %w", err)
	}

	id := uuid.NewString()
	log := logger.With(zap.String("document", id[:8]), zap.String("url", opts.URL))
	d := &Document{
		id:       id,
		opts:     opts,
		log:      log,
		parent:   parent,
		ready:    target.NewReadiness(target.Loading),
		binding:  "__sm_" + strings.ReplaceAll(id, "-", "")[:12],
		loop:     eventloop.NewEventLoop(eventloop.EnableConsole(false)),
		done:     make(chan struct{}),
		dispatch: gmapi.NewDispatcher(log),
		timers:   make(map[int64]func()),
		watchers: make(map[int]func(target.Target)),
	}
	d.loop.Start()

	initialized := make(chan struct{})
	d.loop.RunOnLoop(func(vm *goja.Runtime) {
		defer close(initialized)
		d.vm = vm
		vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
		d.dom = newDOM(vm, root, opts.URL, log)
		d.installTimers()
	})
	<-initialized
	return d, nil
}

func (d *Document) Identity() string { return "goja:" + d.id[:8] }
func (d *Document) URL() string      { return d.opts.URL }

func (d *Document) Capabilities() target.Capability {
	c := target.DirectDOMAccess | target.ScriptedEvaluation
	if d.opts.HostBridge {
		c |= target.HostBridgeEvaluation
	}
	return c
}

func (d *Document) Readiness() *target.Readiness { return d.ready }
func (d *Document) Done() <-chan struct{}        { return d.done }
func (d *Document) IsFrame() bool                { return d.parent != nil }

func (d *Document) Env() gmapi.Env {
	return gmapi.Env{Identity: d.Identity(), URL: d.opts.URL, Styles: d, Window: d.dom.window}
}

// --- loop ---

func (d *Document) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Panic in document task", zap.Any("panic", r))
		}
	}()
	fn()
}

// schedule queues job on the event loop. It reports false once the document is
// closed.
func (d *Document) schedule(job func(*goja.Runtime)) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	return d.loop.RunOnLoop(job)
}

// do runs fn on the loop and waits for it. Script execution is interrupted when
// ctx is done.
func (d *Document) do(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	job := func(vm *goja.Runtime) {
		if err := ctx.Err(); err != nil {
			errc <- err
			return
		}
		stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
		defer func() {
			stop()
			vm.ClearInterrupt()
			if r := recover(); r != nil {
				errc <- fmt.Errorf("panic in document task: %v", r)
			}
		}()
		errc <- fn()
	}
	if !d.schedule(job) {
		return target.ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-d.done:
		return target.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn on the loop without waiting. It reports false once the document
// is closed.
func (d *Document) post(fn func()) bool {
	return d.schedule(func(*goja.Runtime) { d.runTask(fn) })
}

// Eval runs src in the page's main world and returns the exported result.
func (d *Document) Eval(ctx context.Context, src string) (interface{}, error) {
	var out interface{}
	err := d.do(ctx, func() error {
		v, err := d.vm.RunString(src)
		if err != nil {
			return err
		}
		out = v.Export()
		return nil
	})
	return out, err
}

// HTML serializes the current document tree.
func (d *Document) HTML() string {
	d.dom.mu.RLock()
	defer d.dom.mu.RUnlock()
	var sb strings.Builder
	_ = html.Render(&sb, d.dom.root)
	return sb.String()
}

// --- readiness ---

// SetReady advances the document to s, updating document.readyState and firing
// DOMContentLoaded and load listeners on the way.
func (d *Document) SetReady(ctx context.Context, s target.ReadyState) error {
	from := d.ready.State()
	if s <= from {
		return nil
	}
	err := d.do(ctx, func() error {
		for st := from + 1; st <= s; st++ {
			_ = d.dom.document.Set("readyState", st.String())
			d.dom.dispatch(d.dom.document, "readystatechange")
			switch st {
			case target.InteractiveContentReady:
				d.dom.dispatch(d.dom.document, "DOMContentLoaded")
			case target.Complete:
				d.dom.dispatch(d.dom.window, "load")
			}
		}
		return nil
	})
	d.ready.Advance(s)
	return err
}

// Load runs page scripts when enabled and moves the document through interactive
// to complete.
func (d *Document) Load(ctx context.Context) error {
	if d.opts.RunPageScripts {
		if err := d.do(ctx, d.runPageScripts); err != nil {
			return err
		}
	}
	return d.SetReady(ctx, target.Complete)
}

func (d *Document) runPageScripts() error {
	d.dom.mu.RLock()
	nodes := htmlquery.Find(d.dom.root, "//script")
	d.dom.mu.RUnlock()

	for i, n := range nodes {
		var src string
		if ref, ok := getAttr(n, "src"); ok {
			body, err := decodeDataURL(ref)
			if err != nil {
				d.log.Debug("Skipping external page script", zap.String("src", ref), zap.Error(err))
				continue
			}
			src = body
		} else {
			d.dom.mu.RLock()
			src = htmlquery.InnerText(n)
			d.dom.mu.RUnlock()
		}
		if _, err := d.vm.RunScript(fmt.Sprintf("%s#script%d", d.opts.URL, i), src); err != nil {
			var interrupted *goja.InterruptedError
			if errors.As(err, &interrupted) {
				return err
			}
			d.log.Warn("Page script threw", zap.Int("index", i), zap.Error(err))
		}
	}
	return nil
}

// --- delivery ---

// InjectScript appends the payload as a script element and runs it with the
// surface bound natively.
func (d *Document) InjectScript(ctx context.Context, p *target.Payload) error {
	if d.opts.CrossOrigin {
		return fmt.Errorf("direct DOM access to %s: %w", d.opts.URL, target.ErrAccessDenied)
	}
	if d.blocksInlineScripts() {
		return fmt.Errorf("inline scripts blocked by content security policy: %w", target.ErrAccessDenied)
	}
	source := "(" + gmapi.Body(p.Script, p.Requires) + ")"
	return d.do(ctx, func() error {
		prog, err := goja.Compile("userscript:"+p.Script.Name, source, false)
		if err != nil {
			return fmt.Errorf("compile %s: %w", p.Script.Name, err)
		}
		d.appendScript(p.Script.Name, source)

		fnVal, err := d.vm.RunProgram(prog)
		if err != nil {
			return err
		}
		fn, ok := goja.AssertFunction(fnVal)
		if !ok {
			return fmt.Errorf("compile %s: body is not a function", p.Script.Name)
		}
		if _, err := fn(d.dom.window, d.bindSurface(p.Surface)...); err != nil {
			var interrupted *goja.InterruptedError
			if errors.As(err, &interrupted) {
				return err
			}
			p.Surface.Logger().Warn("Userscript threw", zap.Error(err))
		}
		return nil
	})
}

// Execute evaluates the wrapped payload in the main world. API calls reach the
// surface through the document's binding.
func (d *Document) Execute(ctx context.Context, p *target.Payload) error {
	if !d.opts.HostBridge {
		return fmt.Errorf("host bridge disabled for %s: %w", d.opts.URL, target.ErrAccessDenied)
	}
	code, err := p.Surface.Wrap(d.binding, p.Requires)
	if err != nil {
		return err
	}
	d.dispatch.Register(p.Script.ID, p.Surface.Table(remote{d}))
	return d.do(ctx, func() error {
		d.installBinding()
		_, err := d.vm.RunScript("userscript:"+p.Script.Name, code)
		return err
	})
}

// InjectDetached loads the payload into a fresh auxiliary document and resolves
// on that document's load. The auxiliary document lives until d is closed.
func (d *Document) InjectDetached(ctx context.Context, p *target.Payload) error {
	if !d.opts.Auxiliary {
		return fmt.Errorf("auxiliary documents disabled for %s: %w", d.opts.URL, target.ErrAccessDenied)
	}
	aux, err := newDocument(Options{URL: "about:blank", HostBridge: true, RunPageScripts: true}, d.log.Named("aux"), nil)
	if err != nil {
		return err
	}
	d.childMu.Lock()
	select {
	case <-d.done:
		d.childMu.Unlock()
		aux.Close()
		return target.ErrClosed
	default:
	}
	d.aux = append(d.aux, aux)
	d.childMu.Unlock()

	code, err := p.Surface.Wrap(aux.binding, p.Requires)
	if err != nil {
		return err
	}
	aux.dispatch.Register(p.Script.ID, p.Surface.Table(remote{aux}))
	if err := aux.setContent(auxDocument(code)); err != nil {
		return err
	}
	if d.opts.AuxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.AuxTimeout)
		defer cancel()
	}
	if err := aux.do(ctx, func() error { aux.installBinding(); return nil }); err != nil {
		return err
	}
	return aux.Load(ctx)
}

func (d *Document) setContent(doc string) error {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return fmt.Errorf("failed to parse document HTML: %w", err)
	}
	d.dom.mu.Lock()
	d.dom.root = root
	d.dom.mu.Unlock()
	return nil
}

// AddStyle appends a style element to the document head.
func (d *Document) AddStyle(ctx context.Context, css string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-d.done:
		return target.ErrClosed
	default:
	}
	d.dom.mu.Lock()
	defer d.dom.mu.Unlock()
	parent := htmlquery.FindOne(d.dom.root, "//head")
	if parent == nil {
		parent = htmlquery.FindOne(d.dom.root, "/html")
	}
	if parent == nil {
		return fmt.Errorf("document has no element to attach styles to")
	}
	style := &html.Node{Type: html.ElementNode, Data: "style"}
	style.AppendChild(&html.Node{Type: html.TextNode, Data: css})
	parent.AppendChild(style)
	d.lastStyle = style
	return nil
}

func (d *Document) appendScript(name, source string) {
	d.dom.mu.Lock()
	defer d.dom.mu.Unlock()
	parent := htmlquery.FindOne(d.dom.root, "//head")
	if parent == nil {
		parent = htmlquery.FindOne(d.dom.root, "/html")
	}
	if parent == nil {
		return
	}
	el := &html.Node{Type: html.ElementNode, Data: "script", Attr: []html.Attribute{{Key: "data-userscript", Val: name}}}
	el.AppendChild(&html.Node{Type: html.TextNode, Data: source})
	parent.AppendChild(el)
}

// blocksInlineScripts reports whether a CSP meta tag forbids inline script.
func (d *Document) blocksInlineScripts() bool {
	d.dom.mu.RLock()
	metas := htmlquery.Find(d.dom.root, "//meta[@http-equiv]")
	d.dom.mu.RUnlock()
	for _, m := range metas {
		equiv, _ := getAttr(m, "http-equiv")
		if !strings.EqualFold(equiv, "content-security-policy") {
			continue
		}
		content, _ := getAttr(m, "content")
		if policyBlocksInline(content) {
			return true
		}
	}
	return false
}

func policyBlocksInline(policy string) bool {
	directives := make(map[string][]string)
	for _, part := range strings.Split(policy, ";") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		directives[strings.ToLower(fields[0])] = fields[1:]
	}
	sources, ok := directives["script-src"]
	if !ok {
		sources, ok = directives["default-src"]
	}
	if !ok {
		return false
	}
	for _, s := range sources {
		if strings.EqualFold(s, "'unsafe-inline'") {
			return false
		}
	}
	return true
}

// --- binding ---

type remote struct{ d *Document }

func (r remote) Emit(_ context.Context, ev gmapi.Event) error {
	if !r.d.post(func() { r.d.deliver(r.d.binding+"_event", ev) }) {
		return target.ErrClosed
	}
	return nil
}

// installBinding exposes the binding function the page-side runtime sends calls
// through. Runs on the loop.
func (d *Document) installBinding() {
	if d.bound {
		return
	}
	d.bound = true
	_ = d.dom.window.Set(d.binding, func(call goja.FunctionCall) goja.Value {
		d.dispatch.Dispatch(call.Argument(0).String(), func(r gmapi.Reply) {
			d.post(func() { d.deliver(d.binding+"_reply", r) })
		})
		return goja.Undefined()
	})
}

// deliver calls window[name] with v converted to a plain JS value. Runs on the loop.
func (d *Document) deliver(name string, v interface{}) {
	fn, ok := goja.AssertFunction(d.dom.window.Get(name))
	if !ok {
		d.log.Debug("No page handler for binding message", zap.String("handler", name))
		return
	}
	if _, err := fn(goja.Undefined(), d.toJS(v)); err != nil {
		d.log.Warn("Binding handler threw", zap.String("handler", name), zap.Error(err))
	}
}

// --- frames ---

// AttachFrame creates a child frame document and reports it to watchers.
func (d *Document) AttachFrame(opts Options) (*Document, error) {
	child, err := newDocument(opts, d.log.Named("frame"), d)
	if err != nil {
		return nil, err
	}
	d.childMu.Lock()
	d.children = append(d.children, child)
	watchers := make([]func(target.Target), 0, len(d.watchers))
	for _, w := range d.watchers {
		watchers = append(watchers, w)
	}
	d.childMu.Unlock()

	for _, w := range watchers {
		w(child)
	}
	return child, nil
}

func (d *Document) WatchChildren(fn func(target.Target)) func() {
	d.childMu.Lock()
	d.watchSeq++
	id := d.watchSeq
	d.watchers[id] = fn
	existing := append([]*Document(nil), d.children...)
	d.childMu.Unlock()

	for _, c := range existing {
		fn(c)
	}
	return func() {
		d.childMu.Lock()
		delete(d.watchers, id)
		d.childMu.Unlock()
	}
}

func (d *Document) removeChild(c *Document) {
	d.childMu.Lock()
	defer d.childMu.Unlock()
	for i, x := range d.children {
		if x == c {
			d.children = append(d.children[:i], d.children[i+1:]...)
			return
		}
	}
}

// Close tears the document down along with its frames and auxiliary documents.
func (d *Document) Close() {
	d.once.Do(func() {
		close(d.done)
		d.vm.Interrupt(target.ErrClosed)

		d.childMu.Lock()
		owned := append(append([]*Document(nil), d.children...), d.aux...)
		d.children, d.aux = nil, nil
		d.childMu.Unlock()
		for _, c := range owned {
			c.Close()
		}

		d.loop.Terminate()
		d.dispatch.Close()
		d.ready.Close()
		if d.parent != nil {
			d.parent.removeChild(d)
		}
		d.log.Debug("Document closed")
	})
}

// --- helpers ---

func auxDocument(code string) string {
	return `<!DOCTYPE html><html><head><script src="` + html.EscapeString(encodeDataURL(code)) + `"></script></head><body></body></html>`
}

func parseURL(raw string) (*url.URL, error) {
	return url.Parse(raw)
}
