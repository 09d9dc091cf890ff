package gmapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scriptmonkey/internal/resource"
	"github.com/xkilldash9x/scriptmonkey/internal/store"
	"github.com/xkilldash9x/scriptmonkey/internal/userscript"
)

type staticFetcher map[string]string

func (f staticFetcher) FetchText(_ context.Context, url string) (string, error) {
	if body, ok := f[url]; ok {
		return body, nil
	}
	return "", errors.New("not found")
}

type failingStorage struct{ store.Storage }

func (failingStorage) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("disk on fire")
}
func (failingStorage) Set(context.Context, string, []byte) error { return errors.New("disk on fire") }
func (failingStorage) ListKeys(context.Context, string) ([]string, error) {
	return nil, errors.New("disk on fire")
}

type styleRecorder struct {
	mu     sync.Mutex
	styles []string
	err    error
}

func (r *styleRecorder) AddStyle(_ context.Context, css string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.styles = append(r.styles, css)
	return nil
}

type recordingHost struct {
	mu    sync.Mutex
	calls []string
}

func (h *recordingHost) record(s string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, s)
	return nil
}
func (h *recordingHost) Notify(_ context.Context, script string, n Notification) error {
	return h.record("notify:" + script + ":" + n.Title + ":" + n.Text)
}
func (h *recordingHost) OpenInTab(_ context.Context, script, url string, bg bool) error {
	if bg {
		return h.record("tab-bg:" + url)
	}
	return h.record("tab:" + url)
}
func (h *recordingHost) SetClipboard(_ context.Context, script, data, mime string) error {
	return h.record("clip:" + mime + ":" + data)
}

type fixture struct {
	builder *Builder
	storage store.Storage
	cache   *resource.Cache
	logs    *observer.ObservedLogs
	host    *recordingHost
}

func newFixture(t *testing.T, storage store.Storage, fetch staticFetcher) *fixture {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(zapcore.NewTee(core, zaptest.NewLogger(t).Core()))
	if storage == nil {
		storage = store.NewMemory()
	}
	cache := resource.NewCache(fetch, logger)
	t.Cleanup(cache.Dispose)
	host := &recordingHost{}
	return &fixture{
		builder: NewBuilder(storage, cache, logger, WithHost(host), WithHandlerInfo("scriptmonkey", "1.2.3")),
		storage: storage,
		cache:   cache,
		logs:    logs,
		host:    host,
	}
}

func script(name string) *userscript.Descriptor {
	d := &userscript.Descriptor{
		Name:      name,
		Namespace: "test",
		Version:   "1.0",
		RunPhase:  userscript.PhaseIdle,
		Enabled:   true,
		Source:    "void 0;",
	}
	d.ID = userscript.DeriveID(d.Namespace, d.Name)
	return d
}

func TestValues_NamespacedPerScript(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	a := f.builder.Build(ctx, script("a"), Env{Identity: "tab-1"})
	b := f.builder.Build(ctx, script("b"), Env{Identity: "tab-1"})

	a.SetValue("count", 3)
	a.SetValue("name", "alice")
	b.SetValue("count", 7)

	assert.Equal(t, float64(3), a.GetValue("count", 0))
	assert.Equal(t, float64(7), b.GetValue("count", 0))
	assert.Equal(t, "dflt", b.GetValue("name", "dflt"))
	assert.Equal(t, []string{"count", "name"}, a.ListValues())

	keys, err := f.storage.ListKeys(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, keys, a.Script().ID+":count")

	a.DeleteValue("name")
	assert.Equal(t, []string{"count"}, a.ListValues())
	assert.Equal(t, map[string]interface{}{"count": float64(3)}, a.Values())

	// A second surface for the same script sees the same values.
	again := f.builder.Build(ctx, script("a"), Env{Identity: "tab-2"})
	assert.Equal(t, float64(3), again.GetValue("count", 0))
}

func TestValues_FailuresReturnDefaults(t *testing.T) {
	f := newFixture(t, failingStorage{store.NewMemory()}, nil)
	s := f.builder.Build(context.Background(), script("flaky"), Env{Identity: "tab-9"})

	assert.Equal(t, "fallback", s.GetValue("x", "fallback"))
	assert.NotPanics(t, func() { s.SetValue("x", 1) })
	assert.Equal(t, []string{}, s.ListValues())

	// Unserializable values fail without panicking.
	assert.NotPanics(t, func() { s.SetValue("fn", func() {}) })

	warnings := f.logs.FilterMessage("Capability call failed").All()
	require.NotEmpty(t, warnings)
	ctxMap := warnings[0].ContextMap()
	assert.Equal(t, "flaky", ctxMap["script"])
	assert.Equal(t, "tab-9", ctxMap["target"])
	assert.Equal(t, "GM_getValue", ctxMap["api"])
}

func TestGuard_RecoversPanics(t *testing.T) {
	f := newFixture(t, nil, nil)
	s := f.builder.Build(context.Background(), script("p"), Env{Identity: "t"})

	err := s.guard("boom", func() error { panic("kaboom") })
	assert.ErrorIs(t, err, ErrCapabilityFailure)
	assert.Equal(t, 1, f.logs.FilterMessage("Capability call panicked").Len())
}

func TestResources(t *testing.T) {
	f := newFixture(t, nil, staticFetcher{
		"https://cdn/style.css": "body{color:red}",
		"https://cdn/lib.js":    "var lib = 1;",
	})
	d := script("res")
	d.Resources = []userscript.Resource{{Name: "css", URL: "https://cdn/style.css"}}
	d.RequireURLs = []string{"https://cdn/missing.js", "https://cdn/lib.js"}
	s := f.builder.Build(context.Background(), d, Env{Identity: "t"})

	s.PreloadResources(context.Background())
	assert.Equal(t, "body{color:red}", s.GetResourceText("css"))
	assert.Equal(t, s.GetResourceText("css"), s.GetResourceText("css"))
	assert.True(t, strings.HasPrefix(s.GetResourceURL("css"), "data:"))
	assert.Equal(t, "", s.GetResourceText("undeclared"))

	requires := s.LoadRequires(context.Background())
	assert.Equal(t, []string{"var lib = 1;"}, requires)
	assert.Equal(t, 1, f.logs.FilterMessage("Skipping @require that failed to load").Len())
}

func TestAddStyle(t *testing.T) {
	f := newFixture(t, nil, nil)
	sink := &styleRecorder{}
	s := f.builder.Build(context.Background(), script("css"), Env{Identity: "t", Styles: sink})

	assert.True(t, s.AddStyle("a{}"))
	assert.Equal(t, []string{"a{}"}, sink.styles)

	sink.err = errors.New("document gone")
	assert.False(t, s.AddStyle("b{}"))

	bare := f.builder.Build(context.Background(), script("css2"), Env{Identity: "t"})
	assert.False(t, bare.AddStyle("c{}"))
}

func TestMenuCommands(t *testing.T) {
	f := newFixture(t, nil, nil)
	s := f.builder.Build(context.Background(), script("menu"), Env{Identity: "t"})

	var ran []string
	first := s.RegisterMenuCommand("First", func() { ran = append(ran, "first") })
	second := s.RegisterMenuCommand("Second", func() { panic("bad handler") })
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)

	s.UnregisterMenuCommand(first)
	third := s.RegisterMenuCommand("Third", func() { ran = append(ran, "third") })
	assert.Equal(t, 3, third, "ids are never reused")

	assert.Equal(t, []MenuCommand{
		{ID: 2, Caption: "Second", Script: "menu"},
		{ID: 3, Caption: "Third", Script: "menu"},
	}, s.Menu().Commands())

	assert.False(t, s.Menu().Invoke(first))
	assert.False(t, s.Menu().Invoke(second))
	assert.True(t, s.Menu().Invoke(third))
	assert.Equal(t, []string{"third"}, ran)

	// Menus are per surface.
	other := f.builder.Build(context.Background(), script("menu"), Env{Identity: "t2"})
	assert.Equal(t, 1, other.RegisterMenuCommand("x", func() {}))
}

func TestHostCalls(t *testing.T) {
	f := newFixture(t, nil, nil)
	s := f.builder.Build(context.Background(), script("host"), Env{Identity: "t", URL: "https://example.com/a/b"})

	s.Notification(Notification{Text: "hi"})
	s.OpenInTab("/c", true)
	s.OpenInTab("https://other.org/", false)
	s.SetClipboard("copied", "")

	assert.Equal(t, []string{
		"notify:host:host:hi",
		"tab-bg:https://example.com/c",
		"tab:https://other.org/",
		"clip:text/plain:copied",
	}, f.host.calls)
}

func TestInfo(t *testing.T) {
	f := newFixture(t, nil, nil)
	d := script("info")
	d.MatchPatterns = []string{"*://example.com/*"}
	d.Grants = []string{"GM_getValue"}
	d.RunPhase = userscript.PhaseStart
	s := f.builder.Build(context.Background(), d, Env{Identity: "t", Window: "win"})

	info := s.Info()
	assert.Equal(t, "info", info.Script.Name)
	assert.Equal(t, "document-start", info.Script.RunAt)
	assert.Equal(t, []string{"*://example.com/*"}, info.Script.Matches)
	assert.Equal(t, []string{}, info.Script.Includes)
	assert.Equal(t, "scriptmonkey", info.ScriptHandler)
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "win", s.UnsafeWindow())
}

func TestXMLHttpRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/echo":
			w.Header().Set("X-Test", "yes")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(r.Method + ":" + r.Header.Get("X-Req")))
		case "/slow":
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}
	}))
	defer srv.Close()

	f := newFixture(t, nil, nil)
	d := script("xhr")
	d.Connects = []string{"api.example.com"}
	s := f.builder.Build(context.Background(), d, Env{Identity: "t", URL: srv.URL + "/page"})

	t.Run("onload", func(t *testing.T) {
		loaded := make(chan Response, 1)
		h := s.XMLHttpRequest(Request{
			Method:  "post",
			URL:     "/echo",
			Headers: map[string]string{"X-Req": "1"},
			Data:    "body",
			OnLoad:  func(r Response) { loaded <- r },
		})
		resp, err := h.Wait(context.Background())
		require.NoError(t, err)
		got := <-loaded
		assert.Equal(t, resp, got)
		assert.Equal(t, http.StatusCreated, got.Status)
		assert.Equal(t, "Created", got.StatusText)
		assert.Equal(t, "POST:1", got.ResponseText)
		assert.Equal(t, 4, got.ReadyState)
		assert.Contains(t, got.ResponseHeaders, "x-test: yes\r\n")
		assert.Equal(t, srv.URL+"/echo", got.FinalURL)
	})

	t.Run("loopback host is allowed without @connect", func(t *testing.T) {
		assert.Zero(t, f.logs.FilterMessage("Request to host not declared with @connect").Len())
	})

	t.Run("abort", func(t *testing.T) {
		aborted := make(chan struct{})
		h := s.XMLHttpRequest(Request{URL: srv.URL + "/slow", OnAbort: func() { close(aborted) }})
		require.True(t, s.AbortRequest(h.ID()))
		select {
		case <-aborted:
		case <-time.After(2 * time.Second):
			t.Fatal("onabort not called")
		}
		_, err := h.Wait(context.Background())
		assert.ErrorIs(t, err, ErrAborted)
		h.Abort()
	})

	t.Run("network error", func(t *testing.T) {
		errs := make(chan error, 1)
		h := s.XMLHttpRequest(Request{URL: "http://127.0.0.1:1/", OnError: func(err error) { errs <- err }})
		_, err := h.Wait(context.Background())
		assert.Error(t, err)
		assert.Error(t, <-errs)
	})
}

func TestAllowSet(t *testing.T) {
	a := newAllowSet([]string{"api.example.com", "self", " CDN.net "}, "https://www.site.org/x")
	assert.True(t, a.allows("api.example.com"))
	assert.True(t, a.allows("v2.api.example.com"))
	assert.True(t, a.allows("cdn.net"))
	assert.True(t, a.allows("www.site.org"))
	assert.True(t, a.allows("localhost"))
	assert.True(t, a.allows("127.0.0.1"))
	assert.True(t, a.allows("[::1]"))
	assert.False(t, a.allows("evil.com"))
	assert.False(t, a.allows("notexample.com"))

	assert.True(t, newAllowSet(nil, "https://a.com").allows("anything.org"), "no @connect means no check")
	assert.True(t, newAllowSet([]string{"*"}, "").allows("anything.org"))
}

func TestUndeclaredConnectWarnsButProceeds(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	f := newFixture(t, nil, nil)
	d := script("strict")
	d.Connects = []string{"only.example.com"}
	s := f.builder.Build(context.Background(), d, Env{Identity: "t", URL: "https://page.example.org/"})

	// 127.0.0.1 is loopback and allowed; use the hostname form to leave the allow-set.
	s.checkConnect("https://tracker.example.net/p")
	assert.Equal(t, 1, f.logs.FilterMessage("Request to host not declared with @connect").Len())

	_, err := s.XMLHttpRequest(Request{URL: srv.URL}).Wait(context.Background())
	require.NoError(t, err)
	mu.Lock()
	assert.Equal(t, 1, hits)
	mu.Unlock()
}

func TestAsync(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	f := newFixture(t, nil, nil)
	s := f.builder.Build(context.Background(), script("async"), Env{Identity: "t"})
	ctx := context.Background()
	gm := s.Async()

	_, err := gm.SetValue("k", "v").Await(ctx)
	require.NoError(t, err)
	v, err := gm.GetValue("k", nil).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v", v)
	assert.Equal(t, "v", s.GetValue("k", nil), "async and sync share one store")

	names, err := gm.ListValues().Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, names)

	id, err := gm.RegisterMenuCommand("m", func() {}).Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	fut, _ := gm.XMLHttpRequest(Request{URL: srv.URL})
	resp, err := fut.Await(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.ResponseText)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	never := newFuture[int]()
	_, err = never.Await(cancelled)
	assert.ErrorIs(t, err, context.Canceled)
}
