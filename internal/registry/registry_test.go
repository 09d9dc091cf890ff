package registry

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scriptmonkey/internal/userscript"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(nil, zaptest.NewLogger(t))
}

func script(name string, matches ...string) *userscript.Descriptor {
	return &userscript.Descriptor{
		ID:            userscript.DeriveID("test", name),
		Name:          name,
		Namespace:     "test",
		MatchPatterns: matches,
		RunPhase:      userscript.PhaseIdle,
		Enabled:       true,
		Source:        "/* " + name + " */",
	}
}

func names(list []*userscript.Descriptor) []string {
	out := make([]string, len(list))
	for i, d := range list {
		out[i] = d.Name
	}
	return out
}

func orders(r *Registry) map[string]int {
	out := map[string]int{}
	for _, d := range r.List() {
		out[d.Name] = d.Order
	}
	return out
}

func TestAdd_AssignsContiguousOrder(t *testing.T) {
	r := newTestRegistry(t)
	for i, n := range []string{"a", "b", "c"} {
		s := script(n)
		s.Order = 42 // ignored
		require.NoError(t, r.Add(s))
		got, err := r.Get(s.ID)
		require.NoError(t, err)
		assert.Equal(t, i, got.Order)
	}
}

// Scenario D: adding a script whose name collides leaves the registry unchanged.
func TestAdd_DuplicateID(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add(script("a", "*")))
	before := r.List()

	var events []Event
	r.SetObserver(func(ev Event) { events = append(events, ev) })

	dup := script("a", "https://other/*")
	err := r.Add(dup)
	require.ErrorIs(t, err, ErrDuplicateID)
	assert.Empty(t, events)
	if diff := cmp.Diff(before, r.List()); diff != "" {
		t.Errorf("registry changed after duplicate add (-before +after):\n%s", diff)
	}
}

// The id covers namespace and name, so equal names only collide within a namespace.
func TestAdd_SameNameOtherNamespace(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Add(script("a", "*")))

	other := script("a", "*")
	other.Namespace = "elsewhere"
	other.ID = userscript.DeriveID(other.Namespace, other.Name)
	require.NoError(t, r.Add(other))

	assert.Equal(t, 2, r.Len())
	assert.NotEqual(t, userscript.DeriveID("test", "a"), other.ID)
}

func TestOperations_NotFound(t *testing.T) {
	r := newTestRegistry(t)
	ops := map[string]func() error{
		"update":  func() error { return r.Update("missing", script("x")) },
		"remove":  func() error { return r.Remove("missing") },
		"enable":  func() error { return r.Enable("missing") },
		"disable": func() error { return r.Disable("missing") },
		"up":      func() error { return r.MoveUp("missing") },
		"down":    func() error { return r.MoveDown("missing") },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, op(), ErrNotFound)
		})
	}
	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdate_PreservesOrderAndEnabled(t *testing.T) {
	r := newTestRegistry(t)
	a, b := script("a"), script("b")
	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))
	require.NoError(t, r.Disable(b.ID))

	next := script("b", "https://new/*")
	next.Enabled = true
	next.Order = 0
	next.Source = "new source"
	require.NoError(t, r.Update(b.ID, next))

	got, err := r.Get(b.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, 1, got.Order)
	assert.Equal(t, "new source", got.Source)
	assert.Equal(t, []string{"https://new/*"}, got.MatchPatterns)
}

func TestRemove_RepacksOrder(t *testing.T) {
	r := newTestRegistry(t)
	for _, n := range []string{"a", "b", "c", "d"} {
		require.NoError(t, r.Add(script(n)))
	}
	require.NoError(t, r.Remove(script("b").ID))
	assert.Equal(t, map[string]int{"a": 0, "c": 1, "d": 2}, orders(r))

	require.NoError(t, r.Add(script("e")))
	assert.Equal(t, 3, orders(r)["e"])
}

func TestMove(t *testing.T) {
	r := newTestRegistry(t)
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, r.Add(script(n)))
	}
	var events []Event
	r.SetObserver(func(ev Event) { events = append(events, ev) })

	t.Run("boundaries are no-ops", func(t *testing.T) {
		events = nil
		require.NoError(t, r.MoveUp(script("a").ID))
		require.NoError(t, r.MoveDown(script("c").ID))
		assert.Empty(t, events)
		assert.Equal(t, []string{"a", "b", "c"}, names(r.List()))
	})

	t.Run("swap notifies both entries", func(t *testing.T) {
		events = nil
		require.NoError(t, r.MoveUp(script("c").ID))
		assert.Equal(t, []string{"a", "c", "b"}, names(r.List()))
		require.Len(t, events, 2)
		assert.Equal(t, EventUpdated, events[0].Type)
		assert.Equal(t, script("c").ID, events[0].ID)
		assert.Equal(t, script("b").ID, events[1].ID)
	})

	t.Run("up then down is identity", func(t *testing.T) {
		before := orders(r)
		require.NoError(t, r.MoveUp(script("b").ID))
		require.NoError(t, r.MoveDown(script("b").ID))
		assert.Equal(t, before, orders(r))
	})
}

func TestFindApplicable(t *testing.T) {
	// Scenario A: both scripts apply, registry order preserved.
	r := newTestRegistry(t)
	site := script("site", "*://example.com/*")
	all := script("all", "*")
	require.NoError(t, r.Add(site))
	require.NoError(t, r.Add(all))

	got := r.FindApplicable("https://example.com/x")
	assert.Equal(t, []string{"site", "all"}, names(got))

	got = r.FindApplicable("https://other.org/")
	assert.Equal(t, []string{"all"}, names(got))

	require.NoError(t, r.MoveUp(all.ID))
	assert.Equal(t, []string{"all", "site"}, names(r.FindApplicable("https://example.com/x")))

	require.NoError(t, r.Disable(all.ID))
	assert.Equal(t, []string{"site"}, names(r.FindApplicable("https://example.com/x")))

	require.NoError(t, r.Enable(all.ID))
	assert.Len(t, r.FindApplicable("https://example.com/x"), 2)
}

func TestFindApplicable_ReturnsCopies(t *testing.T) {
	r := newTestRegistry(t)
	s := script("a", "*")
	require.NoError(t, r.Add(s))

	got := r.FindApplicable("https://x/")
	got[0].MatchPatterns[0] = "nope"
	got[0].Enabled = false

	assert.Len(t, r.FindApplicable("https://x/"), 1)
}

func TestObserver_EventSequence(t *testing.T) {
	r := newTestRegistry(t)
	var types []EventType
	r.SetObserver(func(ev Event) { types = append(types, ev.Type) })

	s := script("a")
	require.NoError(t, r.Add(s))
	require.NoError(t, r.Disable(s.ID))
	require.NoError(t, r.Enable(s.ID))
	require.NoError(t, r.Update(s.ID, script("a")))
	require.NoError(t, r.Remove(s.ID))

	assert.Equal(t, []EventType{EventAdded, EventDisabled, EventEnabled, EventUpdated, EventRemoved}, types)
}

func TestObserver_CanCallBackIntoRegistry(t *testing.T) {
	r := newTestRegistry(t)
	var seen int
	r.SetObserver(func(ev Event) { seen = r.Len() })
	require.NoError(t, r.Add(script("a")))
	assert.Equal(t, 1, seen)
}

// Randomised operation sequences must keep orders a permutation of [0, N) and never
// surface disabled scripts.
func TestRegistry_Invariants(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("orders stay contiguous; disabled never applicable", prop.ForAll(
		func(ops []int) bool {
			r := New(nil, nil)
			for _, op := range ops {
				id := userscript.DeriveID("test", fmt.Sprintf("s%d", op%5))
				switch (op / 5) % 6 {
				case 0:
					_ = r.Add(script(fmt.Sprintf("s%d", op%5), "*"))
				case 1:
					_ = r.Remove(id)
				case 2:
					_ = r.Disable(id)
				case 3:
					_ = r.Enable(id)
				case 4:
					_ = r.MoveUp(id)
				case 5:
					_ = r.MoveDown(id)
				}
			}
			list := r.List()
			for i, d := range list {
				if d.Order != i {
					return false
				}
			}
			for _, d := range r.FindApplicable("https://any/") {
				if !d.Enabled {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 29)),
	))

	properties.TestingRun(t)
}

func TestSnapshotRestore(t *testing.T) {
	r := newTestRegistry(t)
	for _, n := range []string{"a", "b", "c"} {
		require.NoError(t, r.Add(script(n)))
	}
	require.NoError(t, r.MoveDown(script("a").ID))
	require.NoError(t, r.Disable(script("c").ID))

	path := filepath.Join(t.TempDir(), "state", "registry.yaml")
	require.NoError(t, SaveState(path, r.Snapshot()))

	st, err := LoadState(path)
	require.NoError(t, err)

	fresh := newTestRegistry(t)
	for _, n := range []string{"d", "c", "b", "a"} {
		require.NoError(t, fresh.Add(script(n)))
	}
	fresh.Restore(st)

	assert.Equal(t, []string{"b", "a", "c", "d"}, names(fresh.List()))
	c, err := fresh.Get(script("c").ID)
	require.NoError(t, err)
	assert.False(t, c.Enabled)
}

func TestLoadState_MissingFile(t *testing.T) {
	st, err := LoadState(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Empty(t, st.Scripts)
}
