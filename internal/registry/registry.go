// internal/registry/registry.go
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scriptmonkey/internal/pattern"
	"github.com/xkilldash9x/scriptmonkey/internal/userscript"
)

var (
	// ErrDuplicateID is returned by Add when the id is already registered.
	ErrDuplicateID = errors.New("duplicate script id")
	// ErrNotFound is returned by operations addressing an unknown id.
	ErrNotFound = errors.New("script not found")
)

// EventType classifies a registry change notification.
type EventType string

const (
	EventAdded    EventType = "added"
	EventUpdated  EventType = "updated"
	EventRemoved  EventType = "removed"
	EventEnabled  EventType = "enabled"
	EventDisabled EventType = "disabled"
)

// Event describes one change. Script is a copy of the affected entry after the change
// (before it, for removals).
type Event struct {
	Type   EventType
	ID     string
	Script *userscript.Descriptor
}

// Observer receives change notifications. It is called synchronously after the registry
// lock is released, in the order the changes happened.
type Observer func(Event)

// Registry owns the ordered set of script descriptors. Orders are always a contiguous
// permutation of [0, N).
type Registry struct {
	mu       sync.RWMutex
	scripts  map[string]*userscript.Descriptor
	observer Observer
	matcher  *pattern.Matcher
	logger   *zap.Logger
}

// New creates an empty registry.
func New(matcher *pattern.Matcher, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if matcher == nil {
		matcher = pattern.NewMatcher(logger)
	}
	return &Registry{
		scripts: make(map[string]*userscript.Descriptor),
		matcher: matcher,
		logger:  logger.Named("registry"),
	}
}

// SetObserver installs the single change observer, replacing any previous one.
// Passing nil removes it.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

// Add registers d at the end of the order. The descriptor's own Order is ignored.
func (r *Registry) Add(d *userscript.Descriptor) error {
	if d == nil || d.ID == "" {
		return fmt.Errorf("registry: descriptor without id")
	}
	r.mu.Lock()
	if _, exists := r.scripts[d.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("add %q: %w", d.Name, ErrDuplicateID)
	}
	entry := d.Clone()
	entry.Order = len(r.scripts)
	r.scripts[entry.ID] = entry
	events := []Event{{Type: EventAdded, ID: entry.ID, Script: entry.Clone()}}
	r.mu.Unlock()

	r.logger.Info("Script added.", zap.String("script", entry.Name), zap.String("id", entry.ID), zap.Int("order", entry.Order))
	r.notify(events)
	return nil
}

// Update replaces the content of an existing entry. The entry keeps its previous
// order and enabled state; the ones carried by d are ignored.
func (r *Registry) Update(id string, d *userscript.Descriptor) error {
	if d == nil {
		return fmt.Errorf("registry: nil descriptor")
	}
	r.mu.Lock()
	prev, ok := r.scripts[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("update %q: %w", id, ErrNotFound)
	}
	entry := d.Clone()
	entry.ID = id
	entry.Order = prev.Order
	entry.Enabled = prev.Enabled
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = prev.CreatedAt
	}
	r.scripts[id] = entry
	events := []Event{{Type: EventUpdated, ID: id, Script: entry.Clone()}}
	r.mu.Unlock()

	r.logger.Info("Script updated.", zap.String("script", entry.Name), zap.String("id", id))
	r.notify(events)
	return nil
}

// Remove deletes an entry and re-packs the order of the ones after it.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	prev, ok := r.scripts[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("remove %q: %w", id, ErrNotFound)
	}
	delete(r.scripts, id)
	for _, s := range r.scripts {
		if s.Order > prev.Order {
			s.Order--
		}
	}
	events := []Event{{Type: EventRemoved, ID: id, Script: prev.Clone()}}
	r.mu.Unlock()

	r.logger.Info("Script removed.", zap.String("script", prev.Name), zap.String("id", id))
	r.notify(events)
	return nil
}

// Enable marks an entry as enabled.
func (r *Registry) Enable(id string) error {
	return r.setEnabled(id, true)
}

// Disable marks an entry as disabled; FindApplicable will skip it.
func (r *Registry) Disable(id string) error {
	return r.setEnabled(id, false)
}

func (r *Registry) setEnabled(id string, enabled bool) error {
	r.mu.Lock()
	s, ok := r.scripts[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("set enabled %q: %w", id, ErrNotFound)
	}
	s.Enabled = enabled
	evType := EventDisabled
	if enabled {
		evType = EventEnabled
	}
	events := []Event{{Type: evType, ID: id, Script: s.Clone()}}
	r.mu.Unlock()

	r.notify(events)
	return nil
}

// MoveUp swaps the entry with its predecessor. It is a no-op for the first entry.
func (r *Registry) MoveUp(id string) error {
	return r.move(id, -1)
}

// MoveDown swaps the entry with its successor. It is a no-op for the last entry.
func (r *Registry) MoveDown(id string) error {
	return r.move(id, +1)
}

func (r *Registry) move(id string, delta int) error {
	r.mu.Lock()
	s, ok := r.scripts[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("move %q: %w", id, ErrNotFound)
	}
	target := s.Order + delta
	if target < 0 || target >= len(r.scripts) {
		r.mu.Unlock()
		return nil
	}
	var neighbour *userscript.Descriptor
	for _, other := range r.scripts {
		if other.Order == target {
			neighbour = other
			break
		}
	}
	if neighbour == nil {
		// Unreachable while the order invariant holds.
		r.mu.Unlock()
		return fmt.Errorf("move %q: order %d has no entry", id, target)
	}
	neighbour.Order, s.Order = s.Order, target
	events := []Event{
		{Type: EventUpdated, ID: s.ID, Script: s.Clone()},
		{Type: EventUpdated, ID: neighbour.ID, Script: neighbour.Clone()},
	}
	r.mu.Unlock()

	r.notify(events)
	return nil
}

// Get returns a copy of one entry.
func (r *Registry) Get(id string) (*userscript.Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.scripts[id]
	if !ok {
		return nil, fmt.Errorf("get %q: %w", id, ErrNotFound)
	}
	return s.Clone(), nil
}

// List returns copies of all entries in ascending order.
func (r *Registry) List() []*userscript.Descriptor {
	r.mu.RLock()
	out := make([]*userscript.Descriptor, 0, len(r.scripts))
	for _, s := range r.scripts {
		out = append(out, s.Clone())
	}
	r.mu.RUnlock()
	sortByOrder(out)
	return out
}

// Len returns the number of registered scripts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.scripts)
}

// FindApplicable returns the enabled scripts that apply to url, in ascending order.
func (r *Registry) FindApplicable(url string) []*userscript.Descriptor {
	r.mu.RLock()
	var out []*userscript.Descriptor
	for _, s := range r.scripts {
		if s.Enabled && r.matcher.Applies(s, url) {
			out = append(out, s.Clone())
		}
	}
	r.mu.RUnlock()
	sortByOrder(out)
	return out
}

func (r *Registry) notify(events []Event) {
	r.mu.RLock()
	o := r.observer
	r.mu.RUnlock()
	if o == nil {
		return
	}
	for _, ev := range events {
		o(ev)
	}
}

func sortByOrder(list []*userscript.Descriptor) {
	sort.Slice(list, func(i, j int) bool { return list[i].Order < list[j].Order })
}
