// internal/gmapi/surface.go
package gmapi

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptmonkey/internal/observability"
	"github.com/xkilldash9x/scriptmonkey/internal/resource"
	"github.com/xkilldash9x/scriptmonkey/internal/store"
	"github.com/xkilldash9x/scriptmonkey/internal/userscript"
)

// ErrCapabilityFailure marks an API call whose side effect failed. The failure is
// logged and the call returns its default value.
var ErrCapabilityFailure = errors.New("capability failure")

// StyleSink receives CSS added by GM_addStyle. Targets with a document implement it.
type StyleSink interface {
	AddStyle(ctx context.Context, css string) error
}

// Env describes the target a surface is built for.
type Env struct {
	// Identity is the target handle used in diagnostics.
	Identity string
	// URL is the target's current navigation URL.
	URL    string
	Styles StyleSink
	// Window is the raw global object exposed as unsafeWindow, if the target has one.
	Window interface{}
}

// Surface is the API object handed to one script running in one target. Apart from
// the shared storage backend and resource cache, nothing is shared between surfaces.
type Surface struct {
	ctx     context.Context
	script  *userscript.Descriptor
	env     Env
	storage store.Storage
	cache   *resource.Cache
	host    Host
	xhr     *resty.Client
	allow   *allowSet
	handler HandlerInfo
	log     *zap.Logger

	menu  *Menu
	async *Async

	reqMu    sync.Mutex
	requests map[string]*RequestHandle
}

// Script returns the descriptor the surface was built for.
func (s *Surface) Script() *userscript.Descriptor { return s.script }

// Env returns the target description.
func (s *Surface) Env() Env { return s.env }

// Menu returns the menu commands registered by this script instance.
func (s *Surface) Menu() *Menu { return s.menu }

// Async returns the promise-style namespace (GM.*).
func (s *Surface) Async() *Async { return s.async }

// UnsafeWindow returns the target's raw global object, or nil when the target
// exposes none.
func (s *Surface) UnsafeWindow() interface{} { return s.env.Window }

// Logger returns a logger tagged with the script and target.
func (s *Surface) Logger() *zap.Logger { return s.log }

// guard runs fn, converting both returned errors and panics into a logged
// ErrCapabilityFailure.
func (s *Surface) guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: panic: %v", ErrCapabilityFailure, op, r)
			s.log.Error("Capability call panicked",
				zap.String("api", op),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	if ferr := fn(); ferr != nil {
		s.log.Warn("Capability call failed", zap.String("api", op), zap.Error(ferr))
		return fmt.Errorf("%w: %s: %v", ErrCapabilityFailure, op, ferr)
	}
	return nil
}

func newSurface(ctx context.Context, b *Builder, d *userscript.Descriptor, env Env) *Surface {
	log := b.log.With(observability.Script(d.Name), observability.Target(env.Identity))
	s := &Surface{
		ctx:      ctx,
		script:   d,
		env:      env,
		storage:  b.storage,
		cache:    b.cache,
		host:     b.host,
		xhr:      b.xhr,
		allow:    newAllowSet(d.Connects, env.URL),
		handler:  b.handler,
		log:      log,
		requests: make(map[string]*RequestHandle),
	}
	s.menu = newMenu(s)
	s.async = &Async{s: s}
	return s
}
