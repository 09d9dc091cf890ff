// internal/scheduler/menu.go
package scheduler

import (
	"github.com/xkilldash9x/scriptmonkey/internal/gmapi"
)

// MenuEntry is a menu command registered by a script running in a target.
type MenuEntry struct {
	Target string
	gmapi.MenuCommand
}

// Menus lists the commands registered in this target and its child frames.
func (s *Scheduler) Menus() []MenuEntry {
	s.mu.Lock()
	surfaces := append([]*gmapi.Surface(nil), s.surfaces...)
	s.mu.Unlock()

	var out []MenuEntry
	for _, surface := range surfaces {
		for _, c := range surface.Menu().Commands() {
			out = append(out, MenuEntry{Target: s.t.Identity(), MenuCommand: c})
		}
	}
	for _, c := range s.Children() {
		out = append(out, c.Menus()...)
	}
	return out
}

// InvokeMenu runs the command id registered by script in the target named by
// targetID. It reports whether a command ran.
func (s *Scheduler) InvokeMenu(targetID, script string, id int) bool {
	if targetID == s.t.Identity() {
		s.mu.Lock()
		surfaces := append([]*gmapi.Surface(nil), s.surfaces...)
		s.mu.Unlock()
		for _, surface := range surfaces {
			if surface.Script().Name == script {
				return surface.Menu().Invoke(id)
			}
		}
		return false
	}
	for _, c := range s.Children() {
		if c.InvokeMenu(targetID, script, id) {
			return true
		}
	}
	return false
}
