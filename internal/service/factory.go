// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptmonkey/internal/config"
	"github.com/xkilldash9x/scriptmonkey/internal/engine"
	"github.com/xkilldash9x/scriptmonkey/internal/gmapi"
	"github.com/xkilldash9x/scriptmonkey/internal/inject"
	"github.com/xkilldash9x/scriptmonkey/internal/pattern"
	"github.com/xkilldash9x/scriptmonkey/internal/registry"
	"github.com/xkilldash9x/scriptmonkey/internal/resource"
	"github.com/xkilldash9x/scriptmonkey/internal/scriptdir"
	"github.com/xkilldash9x/scriptmonkey/internal/store"
)

// Option adjusts how components are built.
type Option func(*options)

type options struct {
	storage    store.Storage
	fetcher    resource.Fetcher
	transport  http.RoundTripper
	registerer *prometheus.Registry
	host       gmapi.Host
	version    string
}

// WithStorage uses s instead of opening the configured backend. The caller keeps
// ownership of s.
func WithStorage(s store.Storage) Option {
	return func(o *options) { o.storage = s }
}

// WithFetcher replaces the HTTP fetcher used for @require and @resource.
func WithFetcher(f resource.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithTransport sets the round tripper for resource fetches and GM_xmlhttpRequest.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithHost routes notifications, tabs and clipboard writes to h.
func WithHost(h gmapi.Host) Option {
	return func(o *options) { o.host = h }
}

// WithVersion sets the handler version reported by GM_info.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New builds the components from cfg. Nothing is started and no scripts are
// loaded; see LoadScripts.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Components, error) {
	o := options{version: "dev", registerer: prometheus.NewRegistry()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Components{Config: cfg, logger: logger.Named("service"), Gatherer: o.registerer}

	// 1. Storage
	if o.storage != nil {
		c.Storage = o.storage
	} else {
		s, err := store.Open(ctx, cfg.Storage, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
		}
		c.Storage, c.ownsStorage = s, true
	}

	// 2. Resources
	c.Fetcher = o.fetcher
	if c.Fetcher == nil {
		c.Fetcher = resource.NewHTTPFetcher(cfg.Resources, o.transport, logger)
	}
	c.Cache = resource.NewCache(c.Fetcher, logger)

	// 3. Registry and capability surfaces
	c.Registry = registry.New(pattern.NewMatcher(logger), logger)
	builderOpts := []gmapi.Option{gmapi.WithHandlerInfo("scriptmonkey", o.version)}
	if o.transport != nil {
		builderOpts = append(builderOpts, gmapi.WithTransport(o.transport))
	}
	if o.host != nil {
		builderOpts = append(builderOpts, gmapi.WithHost(o.host))
	}
	c.Surfaces = gmapi.NewBuilder(c.Storage, c.Cache, logger, builderOpts...)

	// 4. Injection
	c.Metrics = inject.NewMetrics(o.registerer)
	c.Chain = inject.NewChain(logger,
		inject.WithTimeout(cfg.Injection.StrategyTimeout),
		inject.WithMetrics(c.Metrics))

	eng, err := engine.New(c.Registry, c.Surfaces, c.Chain, logger)
	if err != nil {
		c.Shutdown()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	c.Engine = eng
	c.Scripts = scriptdir.New(cfg.Scripts.Dir, eng, logger)

	c.logger.Debug("Components initialized.",
		zap.String("storage", string(cfg.Storage.Backend)),
		zap.String("scripts_dir", cfg.Scripts.Dir))
	return c, nil
}

// LoadScripts creates the scripts directory if needed, installs its userscripts,
// restores the saved order and enablement and keeps the state file current from
// then on.
func (c *Components) LoadScripts() error {
	if err := os.MkdirAll(c.Config.Scripts.Dir, 0o755); err != nil {
		return fmt.Errorf("create scripts dir: %w", err)
	}
	if _, err := c.Scripts.Load(); err != nil {
		return err
	}
	if path := c.Config.Scripts.StateFile; path != "" {
		st, err := registry.LoadState(path)
		if err != nil {
			return err
		}
		c.Registry.Restore(st)
		c.Engine.PersistState(path)
		if err := registry.SaveState(path, c.Registry.Snapshot()); err != nil {
			return err
		}
	}
	return nil
}
