// internal/target/gojadom/dom.go
package gojadom

import (
	"fmt"
	"strings"
	"sync"

	"github.com/antchfx/htmlquery"
	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// dom exposes an x/net/html tree to a goja runtime. The tree lock guards node
// mutation so Go callers (style sinks, serialization) can run off the VM loop.
type dom struct {
	vm  *goja.Runtime
	log *zap.Logger

	mu   sync.RWMutex
	root *html.Node

	// wrappers keeps one JS object per node so identity comparisons hold.
	wrappers map[*html.Node]*goja.Object

	document  *goja.Object
	window    *goja.Object
	listeners map[*goja.Object]map[string][]goja.Callable
}

const nodeKey = "__scriptmonkey_node__"

func newDOM(vm *goja.Runtime, root *html.Node, location string, logger *zap.Logger) *dom {
	d := &dom{
		vm:        vm,
		log:       logger,
		root:      root,
		wrappers:  make(map[*html.Node]*goja.Object),
		listeners: make(map[*goja.Object]map[string][]goja.Callable),
	}
	d.window = vm.GlobalObject()
	d.document = vm.NewObject()

	_ = d.window.Set("window", d.window)
	_ = d.window.Set("self", d.window)
	_ = d.window.Set("document", d.document)
	_ = d.window.Set("location", d.location(location))

	_ = d.document.Set("readyState", "loading")
	_ = d.document.Set("URL", location)
	_ = d.document.Set("querySelector", d.querySelector(func() *html.Node { return d.root }))
	_ = d.document.Set("querySelectorAll", d.querySelectorAll(func() *html.Node { return d.root }))
	_ = d.document.Set("getElementById", d.getElementByID)
	_ = d.document.Set("getElementsByTagName", d.byTagName(func() *html.Node { return d.root }))
	_ = d.document.Set("getElementsByClassName", d.byClassName(func() *html.Node { return d.root }))
	_ = d.document.Set("createElement", d.createElement)
	_ = d.document.Set("createTextNode", d.createTextNode)
	d.defineGetter(d.document, "head", func() goja.Value { return d.find("//head") })
	d.defineGetter(d.document, "body", func() goja.Value { return d.find("//body") })
	d.defineGetter(d.document, "documentElement", func() goja.Value { return d.find("/html") })
	d.defineGetter(d.document, "title", func() goja.Value {
		d.mu.RLock()
		defer d.mu.RUnlock()
		if n := htmlquery.FindOne(d.root, "//title"); n != nil {
			return vm.ToValue(htmlquery.InnerText(n))
		}
		return vm.ToValue("")
	})

	d.installEvents(d.window)
	d.installEvents(d.document)
	d.installConsole()
	return d
}

func (d *dom) location(href string) *goja.Object {
	loc := d.vm.NewObject()
	_ = loc.Set("href", href)
	if u, err := parseURL(href); err == nil {
		_ = loc.Set("protocol", u.Scheme+":")
		_ = loc.Set("host", u.Host)
		_ = loc.Set("hostname", u.Hostname())
		_ = loc.Set("pathname", u.EscapedPath())
		_ = loc.Set("search", querySuffix(u.RawQuery))
		_ = loc.Set("origin", u.Scheme+"://"+u.Host)
	}
	_ = loc.Set("toString", func() string { return href })
	return loc
}

func querySuffix(q string) string {
	if q == "" {
		return ""
	}
	return "?" + q
}

func (d *dom) find(xpath string) goja.Value {
	d.mu.RLock()
	n := htmlquery.FindOne(d.root, xpath)
	d.mu.RUnlock()
	return d.wrap(n)
}

func (d *dom) defineGetter(obj *goja.Object, name string, get func() goja.Value) {
	fn := d.vm.ToValue(func(goja.FunctionCall) goja.Value { return get() })
	if err := obj.DefineAccessorProperty(name, fn, nil, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
		d.log.Error("Failed to define getter", zap.String("property", name), zap.Error(err))
	}
}

func (d *dom) defineAccessor(obj *goja.Object, name string, get func() goja.Value, set func(goja.Value)) {
	getter := d.vm.ToValue(func(goja.FunctionCall) goja.Value { return get() })
	setter := d.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		set(call.Argument(0))
		return goja.Undefined()
	})
	if err := obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
		d.log.Error("Failed to define accessor", zap.String("property", name), zap.Error(err))
	}
}

// --- events ---

func (d *dom) installEvents(obj *goja.Object) {
	_ = obj.Set("addEventListener", func(call goja.FunctionCall) goja.Value {
		fn, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			return goja.Undefined()
		}
		typ := call.Argument(0).String()
		if d.listeners[obj] == nil {
			d.listeners[obj] = make(map[string][]goja.Callable)
		}
		d.listeners[obj][typ] = append(d.listeners[obj][typ], fn)
		return goja.Undefined()
	})
	_ = obj.Set("removeEventListener", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
}

// dispatch fires listeners registered for typ on obj. Must run on the VM loop.
func (d *dom) dispatch(obj *goja.Object, typ string) {
	ev := d.vm.NewObject()
	_ = ev.Set("type", typ)
	_ = ev.Set("target", obj)
	for _, fn := range d.listeners[obj][typ] {
		if _, err := fn(obj, ev); err != nil {
			d.log.Warn("Event listener threw", zap.String("event", typ), zap.Error(err))
		}
	}
}

// --- console ---

func (d *dom) installConsole() {
	console := d.vm.NewObject()
	logAt := func(level func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = d.stringify(arg)
			}
			level("[JS Console]", zap.String("message", strings.Join(parts, " ")))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", logAt(d.log.Info))
	_ = console.Set("info", logAt(d.log.Info))
	_ = console.Set("warn", logAt(d.log.Warn))
	_ = console.Set("error", logAt(d.log.Error))
	_ = console.Set("debug", logAt(d.log.Debug))
	_ = d.window.Set("console", console)
}

func (d *dom) stringify(v goja.Value) string {
	if obj, ok := v.(*goja.Object); ok {
		if _, isFn := goja.AssertFunction(obj); !isFn {
			if j, ok := d.vm.Get("JSON").(*goja.Object); ok {
				if stringify, ok := goja.AssertFunction(j.Get("stringify")); ok {
					if out, err := stringify(j, v); err == nil && !goja.IsUndefined(out) {
						return out.String()
					}
				}
			}
		}
	}
	return v.String()
}

// --- document methods ---

func (d *dom) querySelector(scope func() *html.Node) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		selector := call.Argument(0).String()
		d.mu.RLock()
		n, err := htmlquery.Query(scope(), scoped(translateCSSToXPath(selector)))
		d.mu.RUnlock()
		if err != nil {
			panic(d.vm.NewGoError(fmt.Errorf("invalid selector: %s", selector)))
		}
		return d.wrap(n)
	}
}

func (d *dom) querySelectorAll(scope func() *html.Node) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		selector := call.Argument(0).String()
		d.mu.RLock()
		nodes, err := htmlquery.QueryAll(scope(), scoped(translateCSSToXPath(selector)))
		d.mu.RUnlock()
		if err != nil {
			panic(d.vm.NewGoError(fmt.Errorf("invalid selector: %s", selector)))
		}
		return d.wrapList(nodes)
	}
}

func (d *dom) byTagName(scope func() *html.Node) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		tag := strings.ToLower(call.Argument(0).String())
		if !isSimpleName(tag) && tag != "*" {
			return d.vm.NewArray()
		}
		d.mu.RLock()
		nodes, _ := htmlquery.QueryAll(scope(), ".//"+tag)
		d.mu.RUnlock()
		return d.wrapList(nodes)
	}
}

func (d *dom) byClassName(scope func() *html.Node) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		class := call.Argument(0).String()
		if strings.ContainsAny(class, "'\"") {
			return d.vm.NewArray()
		}
		d.mu.RLock()
		nodes, _ := htmlquery.QueryAll(scope(), fmt.Sprintf(".//*[contains(concat(' ', normalize-space(@class), ' '), ' %s ')]", class))
		d.mu.RUnlock()
		return d.wrapList(nodes)
	}
}

func (d *dom) getElementByID(call goja.FunctionCall) goja.Value {
	id := call.Argument(0).String()
	if strings.ContainsAny(id, "'\"") {
		return goja.Null()
	}
	return d.find(fmt.Sprintf("//*[@id='%s']", id))
}

func (d *dom) createElement(call goja.FunctionCall) goja.Value {
	return d.wrap(&html.Node{Type: html.ElementNode, Data: strings.ToLower(call.Argument(0).String())})
}

func (d *dom) createTextNode(call goja.FunctionCall) goja.Value {
	return d.wrap(&html.Node{Type: html.TextNode, Data: call.Argument(0).String()})
}

// --- node wrappers ---

func (d *dom) wrapList(nodes []*html.Node) goja.Value {
	vals := make([]interface{}, len(nodes))
	for i, n := range nodes {
		vals[i] = d.wrap(n)
	}
	return d.vm.NewArray(vals...)
}

func (d *dom) wrap(n *html.Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	if obj, ok := d.wrappers[n]; ok {
		return obj
	}
	obj := d.vm.NewObject()
	d.wrappers[n] = obj
	_ = obj.DefineDataProperty(nodeKey, d.vm.ToValue(n), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)

	_ = obj.Set("nodeType", nodeType(n))
	_ = obj.Set("nodeName", nodeName(n))
	d.defineGetter(obj, "parentNode", func() goja.Value { return d.related(n, func(n *html.Node) *html.Node { return n.Parent }) })
	d.defineGetter(obj, "firstChild", func() goja.Value { return d.related(n, func(n *html.Node) *html.Node { return n.FirstChild }) })
	d.defineGetter(obj, "lastChild", func() goja.Value { return d.related(n, func(n *html.Node) *html.Node { return n.LastChild }) })
	d.defineGetter(obj, "nextSibling", func() goja.Value { return d.related(n, func(n *html.Node) *html.Node { return n.NextSibling }) })
	d.defineGetter(obj, "previousSibling", func() goja.Value { return d.related(n, func(n *html.Node) *html.Node { return n.PrevSibling }) })
	d.defineGetter(obj, "childNodes", func() goja.Value {
		d.mu.RLock()
		var children []*html.Node
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			children = append(children, c)
		}
		d.mu.RUnlock()
		return d.wrapList(children)
	})
	_ = obj.Set("appendChild", func(call goja.FunctionCall) goja.Value {
		child := d.unwrap(call.Argument(0), "appendChild")
		d.mu.Lock()
		if child.Parent != nil {
			child.Parent.RemoveChild(child)
		}
		n.AppendChild(child)
		d.mu.Unlock()
		return call.Argument(0)
	})
	_ = obj.Set("removeChild", func(call goja.FunctionCall) goja.Value {
		child := d.unwrap(call.Argument(0), "removeChild")
		d.mu.Lock()
		defer d.mu.Unlock()
		if child.Parent != n {
			panic(d.vm.NewGoError(fmt.Errorf("removeChild: the node to be removed is not a child of this node")))
		}
		n.RemoveChild(child)
		return call.Argument(0)
	})
	_ = obj.Set("insertBefore", func(call goja.FunctionCall) goja.Value {
		child := d.unwrap(call.Argument(0), "insertBefore")
		var ref *html.Node
		if v := call.Argument(1); !goja.IsNull(v) && !goja.IsUndefined(v) {
			ref = d.unwrap(v, "insertBefore")
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if ref != nil && ref.Parent != n {
			panic(d.vm.NewGoError(fmt.Errorf("insertBefore: the reference node is not a child of this node")))
		}
		if child.Parent != nil {
			child.Parent.RemoveChild(child)
		}
		n.InsertBefore(child, ref)
		return call.Argument(0)
	})
	_ = obj.Set("remove", func(goja.FunctionCall) goja.Value {
		d.mu.Lock()
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
		d.mu.Unlock()
		return goja.Undefined()
	})

	switch n.Type {
	case html.ElementNode:
		d.decorateElement(obj, n)
	case html.TextNode, html.CommentNode:
		text := func() goja.Value {
			d.mu.RLock()
			defer d.mu.RUnlock()
			return d.vm.ToValue(n.Data)
		}
		setText := func(v goja.Value) {
			d.mu.Lock()
			n.Data = v.String()
			d.mu.Unlock()
		}
		d.defineAccessor(obj, "textContent", text, setText)
		d.defineAccessor(obj, "nodeValue", text, setText)
		d.defineAccessor(obj, "data", text, setText)
	}
	return obj
}

func (d *dom) decorateElement(obj *goja.Object, n *html.Node) {
	self := func() *html.Node { return n }
	_ = obj.Set("tagName", strings.ToUpper(n.Data))
	d.defineAccessor(obj, "id", func() goja.Value { return d.attr(n, "id", "") }, func(v goja.Value) { d.setAttr(n, "id", v.String()) })
	d.defineAccessor(obj, "className", func() goja.Value { return d.attr(n, "class", "") }, func(v goja.Value) { d.setAttr(n, "class", v.String()) })
	d.defineAccessor(obj, "src", func() goja.Value { return d.attr(n, "src", "") }, func(v goja.Value) { d.setAttr(n, "src", v.String()) })
	d.defineAccessor(obj, "innerHTML", func() goja.Value {
		d.mu.RLock()
		defer d.mu.RUnlock()
		var sb strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			_ = html.Render(&sb, c)
		}
		return d.vm.ToValue(sb.String())
	}, func(v goja.Value) {
		nodes, err := html.ParseFragment(strings.NewReader(v.String()), n)
		if err != nil {
			panic(d.vm.NewGoError(fmt.Errorf("failed to parse HTML: %w", err)))
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		removeChildren(n)
		for _, c := range nodes {
			n.AppendChild(c)
		}
	})
	d.defineGetter(obj, "outerHTML", func() goja.Value {
		d.mu.RLock()
		defer d.mu.RUnlock()
		var sb strings.Builder
		_ = html.Render(&sb, n)
		return d.vm.ToValue(sb.String())
	})
	d.defineAccessor(obj, "textContent", func() goja.Value {
		d.mu.RLock()
		defer d.mu.RUnlock()
		return d.vm.ToValue(htmlquery.InnerText(n))
	}, func(v goja.Value) {
		d.mu.Lock()
		defer d.mu.Unlock()
		removeChildren(n)
		n.AppendChild(&html.Node{Type: html.TextNode, Data: v.String()})
	})

	_ = obj.Set("getAttribute", func(call goja.FunctionCall) goja.Value {
		return d.attr(n, call.Argument(0).String(), nil)
	})
	_ = obj.Set("setAttribute", func(call goja.FunctionCall) goja.Value {
		d.setAttr(n, call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	_ = obj.Set("removeAttribute", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, a := range n.Attr {
			if a.Key == name {
				n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
				break
			}
		}
		return goja.Undefined()
	})
	_ = obj.Set("querySelector", d.querySelector(self))
	_ = obj.Set("querySelectorAll", d.querySelectorAll(self))
	_ = obj.Set("getElementsByTagName", d.byTagName(self))
	_ = obj.Set("getElementsByClassName", d.byClassName(self))
	_ = obj.Set("addEventListener", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	_ = obj.Set("removeEventListener", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
}

func (d *dom) related(n *html.Node, rel func(*html.Node) *html.Node) goja.Value {
	d.mu.RLock()
	r := rel(n)
	d.mu.RUnlock()
	return d.wrap(r)
}

func (d *dom) attr(n *html.Node, name string, missing interface{}) goja.Value {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, a := range n.Attr {
		if a.Key == name {
			return d.vm.ToValue(a.Val)
		}
	}
	if missing == nil {
		return goja.Null()
	}
	return d.vm.ToValue(missing)
}

func (d *dom) setAttr(n *html.Node, name, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	setAttr(n, name, value)
}

func (d *dom) unwrap(v goja.Value, op string) *html.Node {
	if obj, ok := v.(*goja.Object); ok {
		if ref := obj.Get(nodeKey); ref != nil {
			if n, ok := ref.Export().(*html.Node); ok {
				return n
			}
		}
	}
	panic(d.vm.NewTypeError("%s: argument is not a DOM node", op))
}

// --- helpers ---

func setAttr(n *html.Node, name, value string) {
	for i, a := range n.Attr {
		if a.Key == name {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}

func getAttr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func removeChildren(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
}

func nodeType(n *html.Node) int {
	switch n.Type {
	case html.ElementNode:
		return 1
	case html.TextNode:
		return 3
	case html.CommentNode:
		return 8
	case html.DocumentNode:
		return 9
	default:
		return 0
	}
}

func nodeName(n *html.Node) string {
	switch n.Type {
	case html.ElementNode:
		return strings.ToUpper(n.Data)
	case html.TextNode:
		return "#text"
	case html.CommentNode:
		return "#comment"
	case html.DocumentNode:
		return "#document"
	default:
		return ""
	}
}

func isSimpleName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
			return false
		}
	}
	return true
}

// scoped makes an absolute XPath relative to the query's context node.
func scoped(xpath string) string {
	if strings.HasPrefix(xpath, "//") {
		return "." + xpath
	}
	return xpath
}

// translateCSSToXPath handles the selector subset userscripts use most: tag, #id,
// .class, [attr] and [attr=value], combined with descendant spaces and "," lists.
func translateCSSToXPath(css string) string {
	css = strings.TrimSpace(css)
	if strings.HasPrefix(css, "/") || strings.HasPrefix(css, "./") || strings.HasPrefix(css, "(") {
		return css
	}
	if strings.Contains(css, ",") {
		alts := strings.Split(css, ",")
		for i, a := range alts {
			alts[i] = translateCSSToXPath(a)
		}
		return strings.Join(alts, " | ")
	}

	var xpath strings.Builder
	for _, part := range strings.Fields(css) {
		if part == ">" {
			continue
		}
		xpath.WriteString("//")
		tag := "*"
		var preds []string
		rest := part
		if i := strings.IndexAny(rest, "#.["); i != 0 {
			if i < 0 {
				i = len(rest)
			}
			tag = strings.ToLower(rest[:i])
			rest = rest[i:]
		}
		for rest != "" {
			switch rest[0] {
			case '#', '.':
				end := strings.IndexAny(rest[1:], "#.[")
				if end < 0 {
					end = len(rest) - 1
				}
				name := rest[1 : end+1]
				if rest[0] == '#' {
					preds = append(preds, fmt.Sprintf("@id='%s'", name))
				} else {
					preds = append(preds, fmt.Sprintf("contains(concat(' ', normalize-space(@class), ' '), ' %s ')", name))
				}
				rest = rest[end+1:]
			case '[':
				end := strings.IndexByte(rest, ']')
				if end < 0 {
					end = len(rest) - 1
				}
				body := rest[1:end]
				if k, v, ok := strings.Cut(body, "="); ok {
					preds = append(preds, fmt.Sprintf("@%s='%s'", k, strings.Trim(v, `"'`)))
				} else {
					preds = append(preds, "@"+body)
				}
				rest = rest[end+1:]
			default:
				rest = ""
			}
		}
		xpath.WriteString(tag)
		if len(preds) > 0 {
			xpath.WriteString("[" + strings.Join(preds, " and ") + "]")
		}
	}
	return xpath.String()
}
