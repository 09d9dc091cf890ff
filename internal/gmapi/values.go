// internal/gmapi/values.go
package gmapi

import (
	"sort"
	"strings"

	"github.com/xkilldash9x/scriptmonkey/internal/store"
)

func (s *Surface) key(name string) string {
	return s.script.ID + ":" + name
}

func (s *Surface) prefix() string {
	return s.script.ID + ":"
}

// GetValue returns the stored value for name, or def if it is absent or unreadable.
func (s *Surface) GetValue(name string, def interface{}) interface{} {
	out := def
	_ = s.guard("GM_getValue", func() error {
		v, err := store.GetValue(s.ctx, s.storage, s.key(name), def)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out
}

// SetValue stores v under name. Values must be JSON-serializable.
func (s *Surface) SetValue(name string, v interface{}) {
	_ = s.guard("GM_setValue", func() error {
		return store.SetValue(s.ctx, s.storage, s.key(name), v)
	})
}

// DeleteValue removes name.
func (s *Surface) DeleteValue(name string) {
	_ = s.guard("GM_deleteValue", func() error {
		return s.storage.Delete(s.ctx, s.key(name))
	})
}

// ListValues returns this script's value names, sorted.
func (s *Surface) ListValues() []string {
	names := []string{}
	_ = s.guard("GM_listValues", func() error {
		keys, err := s.storage.ListKeys(s.ctx, s.prefix())
		if err != nil {
			return err
		}
		for _, k := range keys {
			names = append(names, strings.TrimPrefix(k, s.prefix()))
		}
		sort.Strings(names)
		return nil
	})
	return names
}

// Values returns a snapshot of every stored value for this script, keyed by name.
func (s *Surface) Values() map[string]interface{} {
	out := make(map[string]interface{})
	for _, name := range s.ListValues() {
		_ = s.guard("GM_getValue", func() error {
			v, err := store.GetValue(s.ctx, s.storage, s.key(name), nil)
			if err != nil {
				return err
			}
			out[name] = v
			return nil
		})
	}
	return out
}
