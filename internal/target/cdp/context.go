// internal/target/cdp/context.go
package cdp

import (
	"context"
)

// combine returns a context derived from ctx1, keeping its chromedp values, that is
// also cancelled when ctx2 is.
func combine(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(ctx1)
	stop := context.AfterFunc(ctx2, cancel)
	return combined, func() {
		stop()
		cancel()
	}
}
