// internal/target/cdp/aux.go
package cdp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptmonkey/internal/gmapi"
	"github.com/xkilldash9x/scriptmonkey/internal/target"
)

// auxDocument is a background tab holding one detached payload.
type auxDocument struct {
	ctx      context.Context
	cancel   context.CancelFunc
	binding  string
	log      *zap.Logger
	dispatch *gmapi.Dispatcher

	mu        sync.Mutex
	contextID runtime.ExecutionContextID
	once      sync.Once
}

func (b *Browser) newAuxDocument(ctx context.Context, logger *zap.Logger) (*auxDocument, error) {
	auxCtx, cancel, err := b.openAux(ctx)
	if err != nil {
		return nil, err
	}
	log := logger.Named("aux")
	a := &auxDocument{
		ctx:      auxCtx,
		cancel:   cancel,
		binding:  "__sm_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		log:      log,
		dispatch: gmapi.NewDispatcher(log),
	}
	chromedp.ListenTarget(auxCtx, func(ev interface{}) {
		if ev, ok := ev.(*runtime.EventBindingCalled); ok && ev.Name == a.binding {
			a.handleCall(ev.ExecutionContextID, ev.Payload)
		}
	})
	if err := chromedp.Run(auxCtx, runtime.AddBinding(a.binding)); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to prepare auxiliary target: %w", err)
	}
	return a, nil
}

// load navigates the tab to a document whose only script is the payload and
// waits for its load event.
func (a *auxDocument) load(ctx context.Context, p *target.Payload, timeout time.Duration) error {
	code, err := p.Surface.Wrap(a.binding, p.Requires)
	if err != nil {
		return err
	}
	a.dispatch.Register(p.Script.ID, p.Surface.Table(a))

	runCtx, cancel := combine(a.ctx, ctx)
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		defer cancelTimeout()
	}
	if err := chromedp.Run(runCtx, chromedp.Navigate(auxDocumentURL(code))); err != nil {
		return fmt.Errorf("auxiliary document load: %w", err)
	}
	return nil
}

func (a *auxDocument) handleCall(contextID runtime.ExecutionContextID, payload string) {
	a.mu.Lock()
	a.contextID = contextID
	a.mu.Unlock()
	a.dispatch.Dispatch(payload, func(r gmapi.Reply) {
		if err := chromedp.Run(a.ctx, callAction(contextID, a.binding+"_reply", r)); err != nil {
			a.log.Debug("Failed to deliver binding reply", zap.Error(err))
		}
	})
}

// Emit implements gmapi.Remote.
func (a *auxDocument) Emit(ctx context.Context, ev gmapi.Event) error {
	a.mu.Lock()
	id := a.contextID
	a.mu.Unlock()
	runCtx, cancel := combine(a.ctx, ctx)
	defer cancel()
	return chromedp.Run(runCtx, callAction(id, a.binding+"_event", ev))
}

// Close closes the tab.
func (a *auxDocument) Close() {
	a.once.Do(func() {
		if err := chromedp.Cancel(a.ctx); err != nil {
			a.log.Debug("Closing auxiliary tab reported an error", zap.Error(err))
		}
		a.cancel()
		go a.dispatch.Close()
	})
}
