// internal/target/gojadom/bind.go
package gojadom

import (
	"context"
	"errors"
	"time"

	"github.com/dop251/goja"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptmonkey/internal/gmapi"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// missing marks an absent GM_getValue key so the caller's own default comes back
// unchanged.
var missing = new(int)

var errNoJSON = errors.New("JSON global unavailable")

// bindSurface returns the values for gmapi.Params backed directly by s. Runs on
// the loop; callbacks from other goroutines are posted back to it.
func (d *Document) bindSurface(s *gmapi.Surface) []goja.Value {
	vm := d.vm
	api := make(map[string]goja.Value, len(gmapi.Params))
	fn := func(f func(goja.FunctionCall) goja.Value) goja.Value { return vm.ToValue(f) }

	getValue := func(call goja.FunctionCall) goja.Value {
		v := s.GetValue(call.Argument(0).String(), missing)
		if v == interface{}(missing) {
			return call.Argument(1)
		}
		return d.toJS(v)
	}
	addStyle := func(css string) goja.Value {
		if !s.AddStyle(css) {
			return goja.Null()
		}
		d.dom.mu.RLock()
		n := d.lastStyle
		d.dom.mu.RUnlock()
		return d.dom.wrap(n)
	}
	registerMenu := func(call goja.FunctionCall) goja.Value {
		cb, ok := goja.AssertFunction(call.Argument(1))
		if !ok {
			panic(vm.NewTypeError("GM_registerMenuCommand: callback is not a function"))
		}
		return vm.ToValue(s.RegisterMenuCommand(call.Argument(0).String(), func() {
			d.post(func() {
				if _, err := cb(goja.Undefined()); err != nil {
					s.Logger().Warn("Menu command threw", zap.Error(err))
				}
			})
		}))
	}

	api["GM_info"] = d.toJS(s.Info())
	api["GM_getValue"] = fn(getValue)
	api["GM_setValue"] = fn(func(call goja.FunctionCall) goja.Value {
		s.SetValue(call.Argument(0).String(), exportValue(call.Argument(1)))
		return goja.Undefined()
	})
	api["GM_deleteValue"] = fn(func(call goja.FunctionCall) goja.Value {
		s.DeleteValue(call.Argument(0).String())
		return goja.Undefined()
	})
	api["GM_listValues"] = fn(func(goja.FunctionCall) goja.Value { return d.toJS(s.ListValues()) })
	api["GM_getResourceText"] = fn(func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(s.GetResourceText(call.Argument(0).String()))
	})
	api["GM_getResourceURL"] = fn(func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(s.GetResourceURL(call.Argument(0).String()))
	})
	api["GM_addStyle"] = fn(func(call goja.FunctionCall) goja.Value { return addStyle(call.Argument(0).String()) })
	api["GM_registerMenuCommand"] = fn(registerMenu)
	api["GM_unregisterMenuCommand"] = fn(func(call goja.FunctionCall) goja.Value {
		s.UnregisterMenuCommand(int(call.Argument(0).ToInteger()))
		return goja.Undefined()
	})
	api["GM_xmlhttpRequest"] = fn(func(call goja.FunctionCall) goja.Value {
		h := s.XMLHttpRequest(d.request(call.Argument(0)))
		ctl := vm.NewObject()
		_ = ctl.Set("abort", func() { h.Abort() })
		return ctl
	})
	api["GM_notification"] = fn(func(call goja.FunctionCall) goja.Value {
		s.Notification(d.notification(call.Argument(0), call.Argument(1)))
		return goja.Undefined()
	})
	api["GM_openInTab"] = fn(func(call goja.FunctionCall) goja.Value {
		s.OpenInTab(call.Argument(0).String(), background(call.Argument(1)))
		return goja.Undefined()
	})
	api["GM_setClipboard"] = fn(func(call goja.FunctionCall) goja.Value {
		s.SetClipboard(call.Argument(0).String(), mimeType(call.Argument(1)))
		return goja.Undefined()
	})
	api["GM"] = d.bindAsync(s, getValue, addStyle, registerMenu)
	api["unsafeWindow"] = d.dom.window

	args := make([]goja.Value, len(gmapi.Params))
	for i, name := range gmapi.Params {
		args[i] = api[name]
	}
	return args
}

// bindAsync builds the GM.* namespace. Every method returns a promise settled on
// the loop.
func (d *Document) bindAsync(s *gmapi.Surface, getValue func(goja.FunctionCall) goja.Value,
	addStyle func(string) goja.Value, registerMenu func(goja.FunctionCall) goja.Value) *goja.Object {
	vm := d.vm
	a := s.Async()
	gm := vm.NewObject()
	method := func(name string, f func(goja.FunctionCall) goja.Value) {
		_ = gm.Set(name, f)
	}
	now := func(v goja.Value) goja.Value {
		p, resolve, _ := vm.NewPromise()
		resolve(v)
		return vm.ToValue(p)
	}

	_ = gm.Set("info", d.toJS(a.Info()))
	method("getValue", func(call goja.FunctionCall) goja.Value { return now(getValue(call)) })
	method("setValue", func(call goja.FunctionCall) goja.Value {
		return settle(d, a.SetValue(call.Argument(0).String(), exportValue(call.Argument(1))), undefined[struct{}])
	})
	method("deleteValue", func(call goja.FunctionCall) goja.Value {
		return settle(d, a.DeleteValue(call.Argument(0).String()), undefined[struct{}])
	})
	method("listValues", func(goja.FunctionCall) goja.Value {
		return settle(d, a.ListValues(), func(d *Document, v []string) goja.Value { return d.toJS(v) })
	})
	method("getResourceText", func(call goja.FunctionCall) goja.Value {
		return settle(d, a.GetResourceText(call.Argument(0).String()), str)
	})
	method("getResourceUrl", func(call goja.FunctionCall) goja.Value {
		return settle(d, a.GetResourceURL(call.Argument(0).String()), str)
	})
	method("addStyle", func(call goja.FunctionCall) goja.Value { return now(addStyle(call.Argument(0).String())) })
	method("registerMenuCommand", func(call goja.FunctionCall) goja.Value { return now(registerMenu(call)) })
	method("unregisterMenuCommand", func(call goja.FunctionCall) goja.Value {
		return settle(d, a.UnregisterMenuCommand(int(call.Argument(0).ToInteger())), undefined[struct{}])
	})
	method("xmlHttpRequest", func(call goja.FunctionCall) goja.Value {
		f, _ := a.XMLHttpRequest(d.request(call.Argument(0)))
		return settle(d, f, func(d *Document, r gmapi.Response) goja.Value { return d.toJS(r) })
	})
	method("notification", func(call goja.FunctionCall) goja.Value {
		return settle(d, a.Notification(d.notification(call.Argument(0), call.Argument(1))), undefined[struct{}])
	})
	method("openInTab", func(call goja.FunctionCall) goja.Value {
		return settle(d, a.OpenInTab(call.Argument(0).String(), background(call.Argument(1))), undefined[struct{}])
	})
	method("setClipboard", func(call goja.FunctionCall) goja.Value {
		return settle(d, a.SetClipboard(call.Argument(0).String(), mimeType(call.Argument(1))), undefined[struct{}])
	})
	return gm
}

// settle returns a promise for f. Futures that are already settled resolve
// immediately; others are awaited off the loop.
func settle[T any](d *Document, f *gmapi.Future[T], conv func(*Document, T) goja.Value) goja.Value {
	p, resolve, reject := d.vm.NewPromise()
	finish := func() {
		v, err := f.Await(context.Background())
		if err != nil {
			reject(d.vm.NewGoError(err))
			return
		}
		resolve(conv(d, v))
	}
	select {
	case <-f.Done():
		finish()
	default:
		go func() {
			select {
			case <-f.Done():
				d.post(finish)
			case <-d.done:
			}
		}()
	}
	return d.vm.ToValue(p)
}

func undefined[T any](*Document, T) goja.Value { return goja.Undefined() }

func str(d *Document, s string) goja.Value { return d.vm.ToValue(s) }

// request reads a GM_xmlhttpRequest details object. Callbacks are posted to the loop.
func (d *Document) request(v goja.Value) gmapi.Request {
	obj := v.ToObject(d.vm)
	req := gmapi.Request{
		Method: optString(obj.Get("method")),
		URL:    optString(obj.Get("url")),
		Data:   optString(obj.Get("data")),
	}
	if t := obj.Get("timeout"); t != nil && !goja.IsUndefined(t) {
		req.Timeout = int(t.ToInteger())
	}
	if h := obj.Get("headers"); h != nil && !goja.IsUndefined(h) && !goja.IsNull(h) {
		hdr := h.ToObject(d.vm)
		req.Headers = make(map[string]string)
		for _, k := range hdr.Keys() {
			req.Headers[k] = hdr.Get(k).String()
		}
	}

	onload, _ := goja.AssertFunction(obj.Get("onload"))
	onerror, _ := goja.AssertFunction(obj.Get("onerror"))
	onabort, _ := goja.AssertFunction(obj.Get("onabort"))
	onloadend, _ := goja.AssertFunction(obj.Get("onloadend"))
	fire := func(cbs []goja.Callable, arg func() goja.Value) {
		d.post(func() {
			a := arg()
			for _, cb := range cbs {
				if cb == nil {
					continue
				}
				if _, err := cb(obj, a); err != nil {
					d.log.Warn("GM_xmlhttpRequest callback threw", zap.Error(err))
				}
			}
		})
	}
	req.OnLoad = func(r gmapi.Response) {
		fire([]goja.Callable{onload, onloadend}, func() goja.Value { return d.toJS(r) })
	}
	req.OnError = func(err error) {
		fire([]goja.Callable{onerror, onloadend}, func() goja.Value {
			return d.toJS(map[string]string{"error": err.Error()})
		})
	}
	req.OnAbort = func() {
		fire([]goja.Callable{onabort}, goja.Undefined)
	}
	return req
}

func (d *Document) notification(details, title goja.Value) gmapi.Notification {
	if obj, ok := details.(*goja.Object); ok {
		n := gmapi.Notification{
			Title: optString(obj.Get("title")),
			Text:  optString(obj.Get("text")),
			Image: optString(obj.Get("image")),
		}
		if t := obj.Get("timeout"); t != nil && !goja.IsUndefined(t) {
			n.Timeout = time.Duration(t.ToInteger()) * time.Millisecond
		}
		return n
	}
	return gmapi.Notification{Text: details.String(), Title: optString(title)}
}

// toJS converts a Go value to plain JS data through JSON.
func (d *Document) toJS(v interface{}) goja.Value {
	raw, err := json.MarshalToString(v)
	if err != nil {
		return d.vm.ToValue(v)
	}
	out, err := d.jsonParse(raw)
	if err != nil {
		return d.vm.ToValue(v)
	}
	return out
}

func (d *Document) jsonParse(raw string) (goja.Value, error) {
	j, ok := d.vm.Get("JSON").(*goja.Object)
	if !ok {
		return nil, errNoJSON
	}
	parse, ok := goja.AssertFunction(j.Get("parse"))
	if !ok {
		return nil, errNoJSON
	}
	return parse(j, d.vm.ToValue(raw))
}

func exportValue(v goja.Value) interface{} {
	if v == nil || goja.IsUndefined(v) {
		return nil
	}
	return v.Export()
}

func optString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func background(opts goja.Value) bool {
	if opts == nil || goja.IsUndefined(opts) || goja.IsNull(opts) {
		return false
	}
	if obj, ok := opts.(*goja.Object); ok {
		active := obj.Get("active")
		return active != nil && !goja.IsUndefined(active) && !active.ToBoolean()
	}
	return opts.ToBoolean()
}

func mimeType(info goja.Value) string {
	if info == nil || goja.IsUndefined(info) || goja.IsNull(info) {
		return ""
	}
	if obj, ok := info.(*goja.Object); ok {
		return optString(obj.Get("mimetype"))
	}
	return info.String()
}
