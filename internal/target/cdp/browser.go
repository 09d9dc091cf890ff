// internal/target/cdp/browser.go
package cdp

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	cdproto "github.com/chromedp/cdproto/cdp"
	cdptarget "github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptmonkey/internal/config"
	"github.com/xkilldash9x/scriptmonkey/internal/target"
)

const defaultStartupTimeout = 30 * time.Second

// Browser owns a Chrome process, or a connection to a remote one, and the pages
// opened in it.
type Browser struct {
	log        *zap.Logger
	cfg        config.BrowserConfig
	auxTimeout time.Duration

	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc

	mu    sync.Mutex
	pages map[*Page]struct{}
	wg    sync.WaitGroup
}

// Option configures a Browser.
type Option func(*Browser)

// WithAuxiliaryTimeout bounds the load of detached auxiliary documents.
func WithAuxiliaryTimeout(d time.Duration) Option {
	return func(b *Browser) { b.auxTimeout = d }
}

// Launch starts the browser, or attaches to cfg.RemoteURL, and checks it responds.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger, opts ...Option) (*Browser, error) {
	b := &Browser{
		log:   logger.Named("browser"),
		cfg:   cfg,
		pages: make(map[*Page]struct{}),
	}
	for _, o := range opts {
		o(b)
	}

	if cfg.RemoteURL != "" {
		b.log.Info("Attaching to remote browser", zap.String("url", cfg.RemoteURL))
		b.allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(ctx, cfg.RemoteURL)
	} else {
		b.log.Info("Initializing browser allocator...")
		b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(ctx, allocatorOptions(cfg)...)
	}
	b.ctx, b.cancel = chromedp.NewContext(b.allocCtx, chromedp.WithLogf(b.log.Sugar().Debugf))

	timeout := cfg.StartupTimeout
	if timeout <= 0 {
		timeout = defaultStartupTimeout
	}
	// The first Run allocates the browser and binds it to b.ctx, so it cannot carry
	// the startup deadline itself.
	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(b.ctx) }()
	var err error
	select {
	case err = <-errc:
	case <-time.After(timeout):
		err = fmt.Errorf("no response after %s", timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		b.cancel()
		b.allocCancel()
		return nil, fmt.Errorf("browser failed to start or respond: %w", err)
	}
	b.log.Info("Browser launched successfully and is responsive.")
	return b, nil
}

// Open creates a tab, navigates it to url and returns once the first load
// finishes. onDocument receives every top-level document the tab commits,
// starting with the one for url; child frames hang off it as children.
func (b *Browser) Open(ctx context.Context, url string, onDocument func(target.Target)) (*Page, error) {
	id, err := cdptarget.CreateTarget("about:blank").Do(b.browserExecutor(ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to create target: %w", err)
	}
	p := newPage(b, id, onDocument)

	b.mu.Lock()
	b.pages[p] = struct{}{}
	b.mu.Unlock()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		<-p.Done()
		b.mu.Lock()
		delete(b.pages, p)
		b.mu.Unlock()
	}()

	if err := p.start(); err != nil {
		p.Close()
		return nil, err
	}
	if err := p.Navigate(ctx, url); err != nil {
		return p, err
	}
	return p, nil
}

// openAux creates a background tab for a detached document.
func (b *Browser) openAux(ctx context.Context) (context.Context, context.CancelFunc, error) {
	id, err := cdptarget.CreateTarget("about:blank").WithBackground(true).Do(b.browserExecutor(ctx))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create auxiliary target: %w", err)
	}
	auxCtx, cancel := chromedp.NewContext(b.ctx, chromedp.WithTargetID(id))
	return auxCtx, cancel, nil
}

func (b *Browser) browserExecutor(ctx context.Context) context.Context {
	c := chromedp.FromContext(b.ctx)
	return cdproto.WithExecutor(ctx, c.Browser)
}

// Close closes all pages and terminates the browser.
func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	pages := make([]*Page, 0, len(b.pages))
	for p := range b.pages {
		pages = append(pages, p)
	}
	b.mu.Unlock()
	for _, p := range pages {
		p.Close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		b.log.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	b.log.Info("Shutting down browser process...")
	if err := chromedp.Cancel(b.ctx); err != nil {
		b.log.Debug("Browser cancel reported an error", zap.Error(err))
	}
	b.cancel()
	b.allocCancel()
	return nil
}

// allocatorFlags lists the Chrome flags for cfg on top of chromedp's defaults,
// minus enable-automation.
func allocatorFlags(cfg config.BrowserConfig, goos string) map[string]interface{} {
	flags := map[string]interface{}{
		"headless":                  cfg.Headless,
		"ignore-certificate-errors": cfg.IgnoreTLSErrors,
		"disable-blink-features":    "AutomationControlled",
		"disable-gpu":               cfg.Headless,
	}
	for _, arg := range cfg.Args {
		name, value, hasValue := strings.Cut(arg, "=")
		name = strings.TrimPrefix(name, "--")
		if hasValue {
			flags[name] = value
		} else {
			flags[name] = true
		}
	}
	if goos == "linux" {
		flags["no-sandbox"] = true
		flags["disable-dev-shm-usage"] = true
		flags["disable-setuid-sandbox"] = true
	}
	return flags
}

func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	var opts []chromedp.ExecAllocatorOption
	for _, opt := range chromedp.DefaultExecAllocatorOptions {
		opts = append(opts, opt)
	}
	// chromedp.Flag("enable-automation", false) removes the default flag.
	opts = append(opts, chromedp.Flag("enable-automation", false))

	flags := allocatorFlags(cfg, runtime.GOOS)
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}
