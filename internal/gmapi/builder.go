// internal/gmapi/builder.go
package gmapi

import (
	"context"
	"net/http"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptmonkey/internal/resource"
	"github.com/xkilldash9x/scriptmonkey/internal/store"
	"github.com/xkilldash9x/scriptmonkey/internal/userscript"
)

// Builder produces a fresh Surface per (script, target) pair. The storage backend and
// the resource cache are the only state shared between surfaces.
type Builder struct {
	storage store.Storage
	cache   *resource.Cache
	host    Host
	xhr     *resty.Client
	handler HandlerInfo
	log     *zap.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithHost routes notifications, tabs and clipboard writes to h.
func WithHost(h Host) Option {
	return func(b *Builder) { b.host = h }
}

// WithTransport sets the round tripper used by GM_xmlhttpRequest.
func WithTransport(rt http.RoundTripper) Option {
	return func(b *Builder) { b.xhr.SetTransport(rt) }
}

// WithHandlerInfo sets the manager name and version reported by GM_info.
func WithHandlerInfo(name, version string) Option {
	return func(b *Builder) { b.handler = HandlerInfo{Name: name, Version: version} }
}

// NewBuilder creates a Builder over the shared storage and cache.
func NewBuilder(storage store.Storage, cache *resource.Cache, logger *zap.Logger, opts ...Option) *Builder {
	log := logger.Named("gmapi")
	b := &Builder{
		storage: storage,
		cache:   cache,
		host:    NewLogHost(log),
		xhr:     resty.New(),
		handler: HandlerInfo{Name: "scriptmonkey", Version: "dev"},
		log:     log,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build creates the surface for d running in the target described by env. ctx bounds
// the surface's storage calls and outbound requests; cancel it when the target goes
// away.
func (b *Builder) Build(ctx context.Context, d *userscript.Descriptor, env Env) *Surface {
	return newSurface(ctx, b, d, env)
}
