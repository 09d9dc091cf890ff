// internal/registry/state.go
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// EntryState is the persisted part of an entry: identity, position and enablement.
// Script content is not persisted here; it is re-read from its source.
type EntryState struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`
	Order   int    `yaml:"order"`
}

// State is the on-disk registry state.
type State struct {
	Scripts []EntryState `yaml:"scripts"`
}

// Snapshot captures the current order and enablement of every entry.
func (r *Registry) Snapshot() State {
	list := r.List()
	st := State{Scripts: make([]EntryState, 0, len(list))}
	for _, s := range list {
		st.Scripts = append(st.Scripts, EntryState{ID: s.ID, Name: s.Name, Enabled: s.Enabled, Order: s.Order})
	}
	return st
}

// Restore applies persisted order and enablement to the entries currently registered.
// Entries absent from the state keep their relative order after the known ones; state
// entries for unknown ids are ignored. Orders are re-packed to [0, N) afterwards.
// No notifications are emitted.
func (r *Registry) Restore(st State) {
	known := make(map[string]EntryState, len(st.Scripts))
	for _, e := range st.Scripts {
		known[e.ID] = e
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	type ranked struct {
		id      string
		inState bool
		rank    int
	}
	rankedList := make([]ranked, 0, len(r.scripts))
	for id, s := range r.scripts {
		if e, ok := known[id]; ok {
			s.Enabled = e.Enabled
			rankedList = append(rankedList, ranked{id: id, inState: true, rank: e.Order})
			continue
		}
		rankedList = append(rankedList, ranked{id: id, rank: s.Order})
	}
	sort.SliceStable(rankedList, func(i, j int) bool {
		a, b := rankedList[i], rankedList[j]
		if a.inState != b.inState {
			return a.inState
		}
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		return a.id < b.id
	})
	for i, rk := range rankedList {
		r.scripts[rk.id].Order = i
	}
	r.logger.Debug("Registry state restored.", zap.Int("entries", len(rankedList)), zap.Int("known", len(known)))
}

// LoadState reads a state file. A missing file yields an empty state.
func LoadState(path string) (State, error) {
	var st State
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return st, nil
		}
		return st, fmt.Errorf("read registry state: %w", err)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("decode registry state %s: %w", path, err)
	}
	return st, nil
}

// SaveState writes a state file atomically.
func SaveState(path string, st State) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode registry state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write registry state: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace registry state: %w", err)
	}
	return nil
}
