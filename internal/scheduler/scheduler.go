// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptmonkey/internal/gmapi"
	"github.com/xkilldash9x/scriptmonkey/internal/observability"
	"github.com/xkilldash9x/scriptmonkey/internal/target"
	"github.com/xkilldash9x/scriptmonkey/internal/userscript"
)

// Scripts answers which scripts apply to a URL, in injection order.
type Scripts interface {
	FindApplicable(url string) []*userscript.Descriptor
}

// SurfaceBuilder builds the capability surface for one script in one target.
type SurfaceBuilder interface {
	Build(ctx context.Context, d *userscript.Descriptor, env gmapi.Env) *gmapi.Surface
}

// Injector delivers a payload into a target.
type Injector interface {
	Inject(ctx context.Context, t target.Target, p *target.Payload) (string, error)
}

// Deps are the collaborators shared by every scheduler of an engine.
type Deps struct {
	Scripts  Scripts
	Surfaces SurfaceBuilder
	Injector Injector
	Logger   *zap.Logger
}

// Scheduler drives the three run phases of one target. The phase markers are
// independent: each batch runs once, when its readiness state is first observed,
// and batches of one target never overlap.
type Scheduler struct {
	deps Deps
	t    target.Target
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// queue carries at most one entry per phase, so sends never block.
	queue   chan userscript.RunPhase
	done    chan struct{}
	settled chan struct{}
	wg      sync.WaitGroup

	mu       sync.Mutex
	batches  map[userscript.RunPhase][]*userscript.Descriptor
	fired    map[userscript.RunPhase]bool
	ran      map[userscript.RunPhase]bool
	surfaces []*gmapi.Surface
	children map[target.Target]*Scheduler
	started  bool
	stopped  bool
}

// New creates a scheduler for t. Nothing happens until Start.
func New(t target.Target, deps Deps) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		deps:     deps,
		t:        t,
		log:      logger.Named("scheduler").With(observability.Target(t.Identity()), zap.String("url", t.URL())),
		queue:    make(chan userscript.RunPhase, len(userscript.Phases)),
		done:     make(chan struct{}),
		settled:  make(chan struct{}),
		fired:    make(map[userscript.RunPhase]bool),
		ran:      make(map[userscript.RunPhase]bool),
		children: make(map[target.Target]*Scheduler),
	}
}

// Target returns the scheduled target.
func (s *Scheduler) Target() target.Target { return s.t }

// Start resolves the applicable scripts, runs the start batch right away and arms
// the later batches on the target's readiness signal. The scheduler stops when ctx
// is cancelled or the target is torn down.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.batches = s.partition(s.deps.Scripts.FindApplicable(s.t.URL()))
	s.mu.Unlock()

	s.log.Debug("Observing target",
		zap.Int("start", len(s.batches[userscript.PhaseStart])),
		zap.Int("content_ready", len(s.batches[userscript.PhaseContentReady])),
		zap.Int("idle", len(s.batches[userscript.PhaseIdle])))

	s.wg.Add(2)
	go s.run()

	s.trigger(userscript.PhaseStart)
	unsubscribe := s.t.Readiness().Subscribe(s.observe)
	s.observe(s.t.Readiness().State())

	stopChildren := func() {}
	if src, ok := s.t.(target.ChildSource); ok {
		stopChildren = src.WatchChildren(s.adopt)
	}
	go s.watch(unsubscribe, stopChildren)
}

// watch tears the scheduler down with its context or its target. Unsubscribing
// after the target closed its readiness signal is harmless.
func (s *Scheduler) watch(unsubscribe, stopChildren func()) {
	defer s.wg.Done()
	select {
	case <-s.ctx.Done():
	case <-s.t.Done():
		s.log.Debug("Target torn down")
		s.cancel()
	}
	unsubscribe()
	stopChildren()

	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// partition groups scripts by run phase, keeping registry order within a phase.
func (s *Scheduler) partition(scripts []*userscript.Descriptor) map[userscript.RunPhase][]*userscript.Descriptor {
	batches := make(map[userscript.RunPhase][]*userscript.Descriptor, len(userscript.Phases))
	for _, d := range scripts {
		if d.NoFrames && s.t.IsFrame() {
			s.log.Debug("Skipping @noframes script in frame", observability.Script(d.Name))
			continue
		}
		batches[d.RunPhase] = append(batches[d.RunPhase], d)
	}
	return batches
}

func (s *Scheduler) observe(state target.ReadyState) {
	if state >= target.InteractiveContentReady {
		s.trigger(userscript.PhaseContentReady)
	}
	if state >= target.Complete {
		s.trigger(userscript.PhaseIdle)
	}
}

func (s *Scheduler) trigger(phase userscript.RunPhase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired[phase] || s.ctx.Err() != nil {
		return
	}
	s.fired[phase] = true
	s.queue <- phase
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case phase := <-s.queue:
			s.runBatch(phase)
		}
	}
}

func (s *Scheduler) runBatch(phase userscript.RunPhase) {
	s.mu.Lock()
	batch := s.batches[phase]
	s.mu.Unlock()

	log := s.log.With(zap.String("phase", phase.RunAt()))
	if len(batch) > 0 {
		log.Info("Running batch", zap.Int("scripts", len(batch)))
	}
	for _, d := range batch {
		if s.ctx.Err() != nil {
			log.Debug("Batch abandoned", zap.Error(s.ctx.Err()))
			return
		}
		s.inject(d)
	}

	s.mu.Lock()
	s.ran[phase] = true
	if len(s.ran) == len(userscript.Phases) {
		close(s.settled)
	}
	s.mu.Unlock()
}

// inject builds the surface, waits for its resources and dependencies, then hands
// the payload to the injector. Failures stay with this script.
func (s *Scheduler) inject(d *userscript.Descriptor) {
	log := s.log.With(observability.Script(d.Name))
	surface := s.deps.Surfaces.Build(s.ctx, d, s.t.Env())
	surface.PreloadResources(s.ctx)
	requires := surface.LoadRequires(s.ctx)

	p := &target.Payload{Script: d, Surface: surface, Requires: requires}
	strategy, err := s.deps.Injector.Inject(s.ctx, s.t, p)
	if err != nil {
		if s.ctx.Err() == nil {
			log.Error("Script not injected", zap.Error(err))
		}
		return
	}
	log.Debug("Script running", zap.String("strategy", strategy))

	s.mu.Lock()
	s.surfaces = append(s.surfaces, surface)
	s.mu.Unlock()
}

// adopt gives a child frame its own scheduler.
func (s *Scheduler) adopt(child target.Target) {
	s.mu.Lock()
	if s.stopped || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if _, ok := s.children[child]; ok {
		s.mu.Unlock()
		return
	}
	c := New(child, s.deps)
	s.children[child] = c
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Debug("Scheduling child frame", zap.String("child", child.Identity()))
	c.Start(s.ctx)

	go func() {
		defer s.wg.Done()
		c.Wait()
		s.mu.Lock()
		delete(s.children, child)
		s.mu.Unlock()
	}()
}

// Ran reports whether the batch for phase has completed.
func (s *Scheduler) Ran(phase userscript.RunPhase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ran[phase]
}

// Settled is closed once all three batches have run. It stays open if the
// scheduler stops first.
func (s *Scheduler) Settled() <-chan struct{} { return s.settled }

// Children returns the schedulers of live child frames.
func (s *Scheduler) Children() []*Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Scheduler, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c)
	}
	return out
}

// Stop cancels pending batches and child schedulers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed once the scheduler has stopped running batches.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Wait blocks until the scheduler and its children have stopped.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return
	}
	s.wg.Wait()
}
