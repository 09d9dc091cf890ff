// internal/gmapi/menu.go
package gmapi

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// MenuCommand is one entry registered with GM_registerMenuCommand.
type MenuCommand struct {
	ID      int
	Caption string
	Script  string
}

// Menu holds the commands of a single surface. IDs increase monotonically and are
// never reused, even after unregistering.
type Menu struct {
	s *Surface

	mu       sync.Mutex
	nextID   int
	captions map[int]string
	handlers map[int]func()
}

func newMenu(s *Surface) *Menu {
	return &Menu{s: s, captions: make(map[int]string), handlers: make(map[int]func())}
}

// Register adds a command and returns its id.
func (m *Menu) Register(caption string, fn func()) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.captions[m.nextID] = caption
	m.handlers[m.nextID] = fn
	return m.nextID
}

// Unregister removes the command; unknown ids are ignored.
func (m *Menu) Unregister(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.captions, id)
	delete(m.handlers, id)
}

// Commands lists the registered commands ordered by id.
func (m *Menu) Commands() []MenuCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MenuCommand, 0, len(m.captions))
	for id, c := range m.captions {
		out = append(out, MenuCommand{ID: id, Caption: c, Script: m.s.script.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Invoke runs the command's callback. It reports false for unknown ids and for
// callbacks that panic.
func (m *Menu) Invoke(id int) bool {
	m.mu.Lock()
	fn, ok := m.handlers[id]
	m.mu.Unlock()
	if !ok || fn == nil {
		return false
	}
	err := m.s.guard("menu_command", func() error {
		fn()
		return nil
	})
	if err != nil {
		m.s.log.Warn("Menu command failed", zap.Int("id", id))
	}
	return err == nil
}

// RegisterMenuCommand is GM_registerMenuCommand.
func (s *Surface) RegisterMenuCommand(caption string, fn func()) int {
	return s.menu.Register(caption, fn)
}

// UnregisterMenuCommand is GM_unregisterMenuCommand.
func (s *Surface) UnregisterMenuCommand(id int) {
	s.menu.Unregister(id)
}
