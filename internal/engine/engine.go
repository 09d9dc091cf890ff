// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scriptmonkey/internal/registry"
	"github.com/xkilldash9x/scriptmonkey/internal/scheduler"
	"github.com/xkilldash9x/scriptmonkey/internal/target"
)

// Engine hands every observed target to its own lifecycle scheduler. The registry,
// storage and resource cache behind the surface builder are shared by all of them.
type Engine struct {
	logger   *zap.Logger
	registry *registry.Registry
	deps     scheduler.Deps

	mu         sync.Mutex
	schedulers map[string]*scheduler.Scheduler
	wg         sync.WaitGroup

	// stateLock protects the running state of Run.
	stateLock sync.Mutex
	isRunning bool
}

// New creates an engine. All collaborators are required.
func New(reg *registry.Registry, surfaces scheduler.SurfaceBuilder, injector scheduler.Injector, logger *zap.Logger) (*Engine, error) {
	if reg == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if surfaces == nil {
		return nil, errors.New("surface builder cannot be nil")
	}
	if injector == nil {
		return nil, errors.New("injector cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &Engine{
		logger:   logger.Named("engine"),
		registry: reg,
		deps: scheduler.Deps{
			Scripts:  reg,
			Surfaces: surfaces,
			Injector: injector,
			Logger:   logger,
		},
		schedulers: make(map[string]*scheduler.Scheduler),
	}, nil
}

// Registry returns the script registry the engine schedules from.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Observe starts scheduling t. A scheduler already running for the same identity
// is stopped first.
func (e *Engine) Observe(ctx context.Context, t target.Target) *scheduler.Scheduler {
	s := scheduler.New(t, e.deps)

	e.mu.Lock()
	prev := e.schedulers[t.Identity()]
	e.schedulers[t.Identity()] = s
	e.wg.Add(1)
	e.mu.Unlock()

	if prev != nil {
		e.logger.Debug("Replacing scheduler", zap.String("target", t.Identity()))
		prev.Stop()
	}

	e.logger.Info("Observing target", zap.String("target", t.Identity()), zap.String("url", t.URL()))
	s.Start(ctx)

	go func() {
		defer e.wg.Done()
		s.Wait()
		e.mu.Lock()
		if e.schedulers[t.Identity()] == s {
			delete(e.schedulers, t.Identity())
		}
		e.mu.Unlock()
	}()
	return s
}

// Run observes every target received on targets until ctx is cancelled, then stops
// all schedulers. When targets is closed, Run returns once the observed targets have
// been torn down.
func (e *Engine) Run(ctx context.Context, targets <-chan target.Target) error {
	e.stateLock.Lock()
	if e.isRunning {
		e.stateLock.Unlock()
		return errors.New("engine is already running")
	}
	e.isRunning = true
	e.stateLock.Unlock()
	defer func() {
		e.stateLock.Lock()
		e.isRunning = false
		e.stateLock.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case t, ok := <-targets:
				if !ok {
					e.logger.Debug("Target source closed")
					return nil
				}
				s := e.Observe(gctx, t)
				g.Go(func() error {
					s.Wait()
					return nil
				})
			}
		}
	})

	err := g.Wait()
	e.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Schedulers returns the live top-level schedulers.
func (e *Engine) Schedulers() []*scheduler.Scheduler {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*scheduler.Scheduler, 0, len(e.schedulers))
	for _, s := range e.schedulers {
		out = append(out, s)
	}
	return out
}

// Menus lists the menu commands registered across all observed targets.
func (e *Engine) Menus() []scheduler.MenuEntry {
	var out []scheduler.MenuEntry
	for _, s := range e.Schedulers() {
		out = append(out, s.Menus()...)
	}
	return out
}

// InvokeMenu runs a menu command. It reports whether one ran.
func (e *Engine) InvokeMenu(targetID, script string, id int) bool {
	for _, s := range e.Schedulers() {
		if s.InvokeMenu(targetID, script, id) {
			return true
		}
	}
	return false
}

// Stop stops every scheduler and waits for them to finish.
func (e *Engine) Stop() {
	for _, s := range e.Schedulers() {
		s.Stop()
	}
	e.wg.Wait()
	e.logger.Debug("Engine stopped")
}

// PersistState saves the registry's order and enablement to path after every
// change. Write failures are logged.
func (e *Engine) PersistState(path string) {
	e.registry.SetObserver(func(ev registry.Event) {
		if err := registry.SaveState(path, e.registry.Snapshot()); err != nil {
			e.logger.Error("Failed to save registry state", zap.String("path", path), zap.Error(err))
			return
		}
		e.logger.Debug("Registry state saved", zap.String("event", string(ev.Type)), zap.String("id", ev.ID))
	})
}
