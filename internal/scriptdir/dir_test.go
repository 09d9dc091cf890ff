package scriptdir

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scriptmonkey/internal/engine"
	"github.com/xkilldash9x/scriptmonkey/internal/gmapi"
	"github.com/xkilldash9x/scriptmonkey/internal/inject"
	"github.com/xkilldash9x/scriptmonkey/internal/registry"
	"github.com/xkilldash9x/scriptmonkey/internal/resource"
	"github.com/xkilldash9x/scriptmonkey/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type noFetch struct{}

func (noFetch) FetchText(context.Context, string) (string, error) {
	return "", errors.New("offline")
}

func newEngine(t *testing.T) *engine.Engine {
	t.Helper()
	log := zaptest.NewLogger(t)
	cache := resource.NewCache(noFetch{}, log)
	t.Cleanup(cache.Dispose)
	e, err := engine.New(registry.New(nil, log), gmapi.NewBuilder(store.NewMemory(), cache, log), inject.NewChain(log), log)
	require.NoError(t, err)
	return e
}

func scriptSource(name, version string) string {
	return "// ==UserScript==\n// @name " + name + "\n// @version " + version + "\n// ==/UserScript==\n"
}

func write(t *testing.T, dir, file, content string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func names(e *engine.Engine) []string {
	var out []string
	for _, d := range e.Registry().List() {
		out = append(out, d.Name)
	}
	return out
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, "b.user.js", scriptSource("Beta", "1"))
	write(t, dir, "a.user.js", scriptSource("Alpha", "1"))
	write(t, dir, "broken.user.js", "console.log('no header')")
	write(t, dir, "notes.txt", scriptSource("Ignored", "1"))
	write(t, dir, ".hidden.user.js", scriptSource("Hidden", "1"))

	e := newEngine(t)
	d := New(dir, e, zaptest.NewLogger(t))
	n, err := d.Load()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"Alpha", "Beta"}, names(e), "files load in name order")
	assert.Len(t, d.Files(), 2)
}

func TestLoad_MissingDir(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "absent"), newEngine(t), zaptest.NewLogger(t))
	_, err := d.Load()
	assert.Error(t, err)
}

func TestHandle(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t)
	d := New(dir, e, zaptest.NewLogger(t))

	path := write(t, dir, "x.user.js", scriptSource("X", "2.0.0"))
	d.handle(fsnotify.Event{Name: path, Op: fsnotify.Create})
	assert.Equal(t, []string{"X"}, names(e))

	write(t, dir, "x.user.js", scriptSource("X", "1.0.0")+"// edited\n")
	d.handle(fsnotify.Event{Name: path, Op: fsnotify.Write})
	list := e.Registry().List()
	require.Len(t, list, 1)
	assert.Equal(t, "1.0.0", list[0].Version, "local edits apply whatever the version")

	write(t, dir, "x.user.js", scriptSource("Renamed", "1"))
	d.handle(fsnotify.Event{Name: path, Op: fsnotify.Write})
	assert.Equal(t, []string{"Renamed"}, names(e))

	d.handle(fsnotify.Event{Name: path, Op: fsnotify.Remove})
	assert.Empty(t, names(e))
	assert.Empty(t, d.Files())
}

func TestHandle_SharedScriptSurvivesOneFile(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t)
	d := New(dir, e, zaptest.NewLogger(t))

	a := write(t, dir, "a.user.js", scriptSource("Same", "1"))
	b := write(t, dir, "b.user.js", scriptSource("Same", "1"))
	_, err := d.Load()
	require.NoError(t, err)

	d.handle(fsnotify.Event{Name: a, Op: fsnotify.Remove})
	assert.Equal(t, []string{"Same"}, names(e))
	d.handle(fsnotify.Event{Name: b, Op: fsnotify.Remove})
	assert.Empty(t, names(e))
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t)
	d := New(dir, e, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	errc := make(chan error, 1)
	go func() { errc <- d.Watch(ctx, ready) }()
	<-ready

	path := write(t, dir, "w.user.js", scriptSource("Watched", "1"))
	require.Eventually(t, func() bool {
		got := names(e)
		sort.Strings(got)
		return len(got) == 1 && got[0] == "Watched"
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool { return len(names(e)) == 0 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-errc)
}
