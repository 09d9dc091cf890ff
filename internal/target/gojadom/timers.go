// internal/target/gojadom/timers.go
package gojadom

import (
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

const minInterval = 4 * time.Millisecond

// installTimers provides setTimeout and setInterval on top of the event loop's
// timers. Terminating the loop drops everything still pending. Runs on the loop.
func (d *Document) installTimers() {
	schedule := func(repeat bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			fn, ok := goja.AssertFunction(call.Argument(0))
			if !ok {
				return goja.Undefined()
			}
			delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
			if delay < 0 {
				delay = 0
			}
			if repeat && delay < minInterval {
				delay = minInterval
			}
			var args []goja.Value
			if len(call.Arguments) > 2 {
				args = append(args, call.Arguments[2:]...)
			}

			d.timerSeq++
			id := d.timerSeq
			fire := func(*goja.Runtime) {
				if !repeat {
					delete(d.timers, id)
				}
				d.runTask(func() {
					if _, err := fn(goja.Undefined(), args...); err != nil {
						d.log.Warn("Timer callback threw", zap.Error(err))
					}
				})
			}
			if repeat {
				iv := d.loop.SetInterval(fire, delay)
				d.timers[id] = func() { d.loop.ClearInterval(iv) }
			} else {
				t := d.loop.SetTimeout(fire, delay)
				d.timers[id] = func() { d.loop.ClearTimeout(t) }
			}
			return d.vm.ToValue(id)
		}
	}
	cancel := func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).ToInteger()
		if stop, ok := d.timers[id]; ok {
			stop()
			delete(d.timers, id)
		}
		return goja.Undefined()
	}

	w := d.dom.window
	_ = w.Set("setTimeout", schedule(false))
	_ = w.Set("setInterval", schedule(true))
	_ = w.Set("clearTimeout", cancel)
	_ = w.Set("clearInterval", cancel)
}
